// Package builtin holds the compiled-in plugins the bot ships with
// regardless of what operators drop into the plugin directory: a
// help/ping pair that always answers, the same way a fresh install
// needs at least one working command to confirm the router is alive,
// and the reminder plugin.
// Importing this package for its init() side effect registers the
// factory; cmd/relaybot wires that import in, matching the teacher's
// own self-registration convention for its handler packages.
package builtin

import (
	"fmt"

	"github.com/relaybot-dev/relaybot/internal/message"
	"github.com/relaybot-dev/relaybot/internal/plugins"
)

func init() {
	plugins.RegisterFactory("help", func() plugins.Handler { return &helpPlugin{} })
}

type helpPlugin struct {
	plugins.BasePlugin
}

func (helpPlugin) Descriptor() plugins.Descriptor {
	return plugins.Descriptor{
		Name:     "help",
		Version:  "1.0.0",
		Category: "core",
		Commands: []string{"ping", "help"},
		Usage:    "ping | help",
		Example:  ".ping",
	}
}

func (helpPlugin) Run(c *plugins.Context) error {
	msg, ok := c.Message.(*message.NormalizedMessage)
	if !ok || msg.Reply == nil {
		return fmt.Errorf("help: no repliable message attached to context")
	}

	switch c.Command {
	case "ping":
		return msg.Reply(c.Ctx, "pong")
	case "help":
		return msg.Reply(c.Ctx, "built-in commands: ping, help\nadditional commands come from plugins loaded in the plugin directory")
	default:
		return fmt.Errorf("help: unrecognized command %q", c.Command)
	}
}
