package builtin

import (
	"fmt"
	"strings"
	"time"

	"github.com/relaybot-dev/relaybot/internal/message"
	"github.com/relaybot-dev/relaybot/internal/plugins"
	"github.com/relaybot-dev/relaybot/internal/store"
)

func init() {
	plugins.RegisterFactory("reminder", func() plugins.Handler { return &reminderPlugin{} })
}

const reminderPluginName = "reminder"

// jobStore is the narrow slice of *store.Store this plugin needs: its
// own durable job records, so OnLoad can re-register them after a
// restart without this package depending on the store's full surface.
type jobStore interface {
	Jobs() store.JobRecordStore
}

// reminderPlugin schedules admin-authored cron reminders. It is the
// one compiled-in plugin that actually exercises the persistence
// discipline every plugin scheduling a job is expected to follow: the
// durable record is written before the in-process cron entry exists,
// and OnLoad reads the records back to restore them after a restart.
type reminderPlugin struct {
	plugins.BasePlugin
}

func (reminderPlugin) Descriptor() plugins.Descriptor {
	return plugins.Descriptor{
		Name:      reminderPluginName,
		Version:   "1.0.0",
		Category:  "core",
		Commands:  []string{"remind"},
		AdminOnly: true,
		Usage:     "remind add <name> <min> <hour> <dom> <mon> <dow> <text> | remind cancel <name> | remind list",
		Example:   ".remind add standup 0 9 * * * stand-up in 10 minutes",
	}
}

// OnLoad reads back every job this plugin durably recorded before the
// current process started and re-registers each with the scheduler.
// Called once per plugin, right after the transport first reaches
// StateRunning, per the registry's own OnLoad-is-the-only-place-to-
// schedule rule.
func (reminderPlugin) OnLoad(c *plugins.Context) error {
	js, ok := c.Store.(jobStore)
	if !ok {
		return fmt.Errorf("reminder: store does not provide job records")
	}

	records, err := js.Jobs().JobsForPlugin(c.Ctx, reminderPluginName)
	if err != nil {
		return fmt.Errorf("reminder: loading persisted jobs: %w", err)
	}

	for _, rec := range records {
		name := strings.TrimPrefix(rec.JobID, reminderPluginName+":")
		if !c.Schedule.Register(name, rec.CronExpr, rec.Timezone, reminderFireLog(c, name, rec.Payload)) {
			c.Log.Warnf("reminder: failed to re-register persisted job %q with cron %q", name, rec.CronExpr)
		}
	}
	return nil
}

func reminderFireLog(c *plugins.Context, name, text string) func() {
	return func() {
		c.Log.Infof("reminder %q fired: %s", name, text)
	}
}

func (p reminderPlugin) Run(c *plugins.Context) error {
	msg, ok := c.Message.(*message.NormalizedMessage)
	if !ok || msg.Reply == nil {
		return fmt.Errorf("reminder: no repliable message attached to context")
	}

	fields := strings.Fields(c.RawArgs)
	if len(fields) == 0 {
		return msg.Reply(c.Ctx, "usage: "+p.Descriptor().Usage)
	}

	switch fields[0] {
	case "add":
		return p.add(c, msg, fields[1:])
	case "cancel":
		return p.cancel(c, msg, fields[1:])
	case "list":
		return p.list(c, msg)
	default:
		return msg.Reply(c.Ctx, fmt.Sprintf("reminder: unrecognized subcommand %q", fields[0]))
	}
}

func (reminderPlugin) add(c *plugins.Context, msg *message.NormalizedMessage, args []string) error {
	if len(args) < 7 {
		return msg.Reply(c.Ctx, "usage: remind add <name> <min> <hour> <dom> <mon> <dow> <text>")
	}
	name := args[0]
	cronExpr := strings.Join(args[1:6], " ")
	text := strings.Join(args[6:], " ")

	js, ok := c.Store.(jobStore)
	if !ok {
		return fmt.Errorf("reminder: store does not provide job records")
	}

	rec := store.JobRecord{
		JobID:      reminderPluginName + ":" + name,
		PluginName: reminderPluginName,
		CronExpr:   cronExpr,
		Timezone:   "UTC",
		Payload:    text,
		CreatedAt:  time.Now(),
	}

	// Write the durable record before touching the scheduler: a crash
	// between the two leaves a record OnLoad can still recover, never a
	// live cron entry with no record behind it.
	if err := js.Jobs().SaveJob(c.Ctx, rec); err != nil {
		return fmt.Errorf("reminder: saving job record: %w", err)
	}

	if !c.Schedule.Register(name, cronExpr, rec.Timezone, reminderFireLog(c, name, text)) {
		_ = js.Jobs().DeleteJob(c.Ctx, rec.JobID)
		return msg.Reply(c.Ctx, fmt.Sprintf("invalid cron expression %q", cronExpr))
	}

	return msg.Reply(c.Ctx, fmt.Sprintf("reminder %q scheduled", name))
}

func (reminderPlugin) cancel(c *plugins.Context, msg *message.NormalizedMessage, args []string) error {
	if len(args) != 1 {
		return msg.Reply(c.Ctx, "usage: remind cancel <name>")
	}
	name := args[0]

	js, ok := c.Store.(jobStore)
	if !ok {
		return fmt.Errorf("reminder: store does not provide job records")
	}

	c.Schedule.Cancel(name)
	if err := js.Jobs().DeleteJob(c.Ctx, reminderPluginName+":"+name); err != nil {
		return fmt.Errorf("reminder: deleting job record: %w", err)
	}
	return msg.Reply(c.Ctx, fmt.Sprintf("reminder %q cancelled", name))
}

func (reminderPlugin) list(c *plugins.Context, msg *message.NormalizedMessage) error {
	js, ok := c.Store.(jobStore)
	if !ok {
		return fmt.Errorf("reminder: store does not provide job records")
	}

	records, err := js.Jobs().JobsForPlugin(c.Ctx, reminderPluginName)
	if err != nil {
		return fmt.Errorf("reminder: listing job records: %w", err)
	}
	if len(records) == 0 {
		return msg.Reply(c.Ctx, "no reminders scheduled")
	}

	var b strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&b, "%s: %s\n", strings.TrimPrefix(rec.JobID, reminderPluginName+":"), rec.CronExpr)
	}
	return msg.Reply(c.Ctx, strings.TrimSpace(b.String()))
}
