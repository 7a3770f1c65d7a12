package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestScan_ParsesValidManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "ping.yaml", "factory: ping\nname: Ping\ncommands: [\"ping\"]\n")
	writeManifest(t, dir, "notes.txt", "factory: ignored\n") // wrong extension, skipped

	d := newDiscoverer(dir)
	manifests, err := d.scan()
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	assert.Equal(t, "ping", manifests[0].Factory)
	assert.Equal(t, "Ping", manifests[0].Name)
}

func TestScan_SkipsManifestMissingFactory(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "broken.yaml", "name: NoFactory\n")

	d := newDiscoverer(dir)
	manifests, err := d.scan()
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestScan_SkipsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "bad.yaml", "factory: [unterminated\n")

	d := newDiscoverer(dir)
	manifests, err := d.scan()
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestScan_MissingDirectoryIsNotAnError(t *testing.T) {
	d := newDiscoverer(filepath.Join(t.TempDir(), "does-not-exist"))
	manifests, err := d.scan()
	require.NoError(t, err)
	assert.Empty(t, manifests)
}

func TestApplyOverrides_FallsBackToFactoryDefaults(t *testing.T) {
	def := Descriptor{Name: "ping", Commands: []string{"ping"}, Usage: "!ping"}
	m := manifest{manifestFile: manifestFile{Factory: "ping", AdminOnly: true}}

	got := m.applyOverrides(def)
	assert.Equal(t, "ping", got.Name)
	assert.Equal(t, "!ping", got.Usage)
	assert.True(t, got.AdminOnly)
}

func TestApplyOverrides_OverridesWin(t *testing.T) {
	def := Descriptor{Name: "ping", Commands: []string{"ping"}}
	m := manifest{manifestFile: manifestFile{Factory: "ping", Name: "Pong", Commands: []string{"pong"}}}

	got := m.applyOverrides(def)
	assert.Equal(t, "Pong", got.Name)
	assert.Equal(t, []string{"pong"}, got.Commands)
}

func TestWriteSamplePlugin_SeedsHelpAndSampleManifests(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plugins")
	require.NoError(t, writeSamplePlugin(dir))

	d := newDiscoverer(dir)
	manifests, err := d.scan()
	require.NoError(t, err)
	require.Len(t, manifests, 3)

	names := map[string]string{}
	for _, m := range manifests {
		names[filepath.Base(m.sourcePath)] = m.Factory
	}
	assert.Equal(t, "help", names["00-help.yaml"])
	assert.Equal(t, "reminder", names["01-reminder.yaml"])
	assert.Equal(t, "help", names["99-sample.yaml"])
}

func TestWriteSamplePlugin_NeverOverwritesExistingFile(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "00-help.yaml", "factory: custom\n")

	require.NoError(t, writeSamplePlugin(dir))

	d := newDiscoverer(dir)
	manifests, err := d.scan()
	require.NoError(t, err)
	for _, m := range manifests {
		if filepath.Base(m.sourcePath) == "00-help.yaml" {
			assert.Equal(t, "custom", m.Factory)
		}
	}
}

func TestWatch_TriggersOnChangeAfterDebounce(t *testing.T) {
	dir := t.TempDir()
	d := newDiscoverer(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	triggered := make(chan struct{}, 1)
	go d.watch(ctx, func() {
		select {
		case triggered <- struct{}{}:
		default:
		}
	})

	time.Sleep(100 * time.Millisecond) // let the watcher attach before we write
	writeManifest(t, dir, "new.yaml", "factory: ping\n")

	select {
	case <-triggered:
	case <-time.After(3 * time.Second):
		t.Fatal("expected watch to trigger onChange after manifest write")
	}
}
