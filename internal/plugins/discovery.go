package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/relaybot-dev/relaybot/internal/logger"
)

// manifestFile is the on-disk shape of one plugin's declarative
// manifest: which compiled-in factory to instantiate, plus static
// overrides layered onto that factory's default Descriptor. This
// replaces the dynamic .so-loading discovery the file once implemented
// with a static, build-time list of factories named by file.
type manifestFile struct {
	Factory string `yaml:"factory"`

	Name     string   `yaml:"name"`
	Version  string   `yaml:"version"`
	Category string   `yaml:"category"`
	Commands []string `yaml:"commands"`
	Aliases  []string `yaml:"aliases"`

	AdminOnly bool `yaml:"adminOnly"`
	GroupOnly bool `yaml:"groupOnly"`
	OwnerOnly bool `yaml:"ownerOnly"`

	Usage   string `yaml:"usage"`
	Example string `yaml:"example"`
}

// manifest pairs a parsed manifestFile with where it came from, for
// diagnostics.
type manifest struct {
	manifestFile
	sourcePath string
}

// applyOverrides layers the manifest's static fields onto a factory's
// default Descriptor: any manifest field left at its zero value falls
// back to the factory's own default, so a plugin author only needs to
// mention what they want to override.
func (m manifest) applyOverrides(def Descriptor) Descriptor {
	d := def
	if m.Name != "" {
		d.Name = m.Name
	}
	if m.Version != "" {
		d.Version = m.Version
	}
	if m.Category != "" {
		d.Category = m.Category
	}
	if len(m.Commands) > 0 {
		d.Commands = m.Commands
	}
	if len(m.Aliases) > 0 {
		d.Aliases = m.Aliases
	}
	if m.Usage != "" {
		d.Usage = m.Usage
	}
	if m.Example != "" {
		d.Example = m.Example
	}
	d.AdminOnly = d.AdminOnly || m.AdminOnly
	d.GroupOnly = d.GroupOnly || m.GroupOnly
	d.OwnerOnly = d.OwnerOnly || m.OwnerOnly
	return d
}

// discoverer scans a directory for one-manifest-per-plugin YAML files
// and can watch that directory for changes.
type discoverer struct {
	dir string
}

func newDiscoverer(dir string) *discoverer {
	return &discoverer{dir: dir}
}

// scan reads every *.yaml/*.yml file directly under dir (no recursion:
// one file per plugin, per spec.md §6) and parses it into a manifest.
// A malformed file is skipped with a logged warning rather than
// aborting the whole scan.
func (d *discoverer) scan() ([]manifest, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading plugin directory: %w", err)
	}

	var manifests []manifest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(d.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Plugin().Warn().Str("file", path).Err(err).Msg("failed to read plugin manifest")
			continue
		}

		var mf manifestFile
		if err := yaml.Unmarshal(data, &mf); err != nil {
			logger.Plugin().Warn().Str("file", path).Err(err).Msg("failed to parse plugin manifest")
			continue
		}
		if mf.Factory == "" {
			logger.Plugin().Warn().Str("file", path).Msg("plugin manifest missing required \"factory\" field")
			continue
		}

		manifests = append(manifests, manifest{manifestFile: mf, sourcePath: path})
	}
	return manifests, nil
}

// helpManifestYAML seeds the always-on built-in help plugin. It is
// named with a "00-" prefix so a lexicographic directory scan loads it
// before the sample plugin below, giving it the win on the "ping"/
// "help" commands both manifests declare.
const helpManifestYAML = `factory: help
`

// reminderManifestYAML seeds the compiled-in reminder plugin, the one
// shipped plugin that exercises the scheduler's persistence discipline
// end to end (write the job record, register, and on a later OnLoad
// read the record back and register again).
const reminderManifestYAML = `factory: reminder
`

// sampleManifestYAML seeds a trivial example plugin that deliberately
// collides with the built-in help plugin's commands, the same way the
// original bot shipped a sample plugin to show an operator what a
// manifest looks like. Since Registry.loadLocked rejects a later
// manifest's commands outright on collision, this plugin never actually
// loads once 00-help.yaml is present — exercising the documented
// first-registered-wins rule rather than just asserting it.
const sampleManifestYAML = `factory: help
name: sample
commands:
  - ping
  - help
`

// writeSamplePlugin seeds dir with the built-in help and reminder
// manifests plus the colliding sample manifest, creating dir if needed. Called once at
// startup when the plugin directory is empty, so a fresh deployment
// always has at least the help plugin instead of silently dispatching
// nothing.
func writeSamplePlugin(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating plugin directory %q: %w", dir, err)
	}
	files := map[string]string{
		"00-help.yaml":     helpManifestYAML,
		"01-reminder.yaml": reminderManifestYAML,
		"99-sample.yaml":   sampleManifestYAML,
	}
	for name, contents := range files {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			return fmt.Errorf("writing %q: %w", path, err)
		}
		logger.Plugin().Info().Str("file", path).Msg("seeded default plugin manifest")
	}
	return nil
}

// watch triggers onChange whenever a manifest is created, removed, or
// written under dir, debounced by a short quiet period so a multi-file
// save doesn't trigger one reload per file. Blocks until ctx is done.
func (d *discoverer) watch(ctx context.Context, onChange func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Plugin().Error().Err(err).Msg("failed to start plugin directory watcher, hot reload disabled")
		return
	}
	defer w.Close()

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		logger.Plugin().Error().Err(err).Str("dir", d.dir).Msg("failed to ensure plugin directory exists")
		return
	}
	if err := w.Add(d.dir); err != nil {
		logger.Plugin().Error().Err(err).Str("dir", d.dir).Msg("failed to watch plugin directory")
		return
	}

	const debounce = 300 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".yaml") && !strings.HasSuffix(ev.Name, ".yml") {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, onChange)
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Plugin().Warn().Err(err).Msg("plugin directory watcher error")
		}
	}
}
