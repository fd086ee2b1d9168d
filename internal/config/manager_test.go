package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const yamlConfig = `
logging:
  level: DEBUG
  console: true
store:
  path: ./data/smsd.db
provider:
  url: https://gateway.example/send
  from: "+48100000000"
broadcast:
  interval: 2s
  messages_per_second: 5
notifications:
  enabled: true
  path: ./notifications.yaml
`

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", yamlConfig)
	m := NewManager(path)

	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, "./data/smsd.db", cfg.Store.Path)
	require.Equal(t, "+48100000000", cfg.Provider.From)
	require.Equal(t, "2s", cfg.Broadcast.Interval)
	require.Equal(t, 5.0, cfg.Broadcast.MessagesPerSecond)
	require.True(t, cfg.Notify.Enabled)
	require.Same(t, cfg, m.Get())
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json",
		`{"store": {"path": "x.db"}, "provider": {"url": "https://g", "from": "svc"}}`)
	cfg, err := NewManager(path).Load()
	require.NoError(t, err)
	require.Equal(t, "x.db", cfg.Store.Path)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", "store:\n  path: x.db\nbogus_section:\n  a: 1\n")
	_, err := NewManager(path).Parse()
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus_section")
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"store": {"path": "x.db"}}{"extra": true}`)
	_, err := NewManager(path).Parse()
	require.Error(t, err)
}

func TestReloadPublishesOnlyOnChange(t *testing.T) {
	path := writeConfig(t, "config.yaml", "store:\n  path: a.db\n")
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Same content: hash matches, nothing published.
	m.reload()
	select {
	case <-ch:
		t.Fatal("unexpected publish for unchanged config")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("store:\n  path: b.db\n"), 0o644))
	m.reload()
	select {
	case cfg := <-ch:
		require.Equal(t, "b.db", cfg.Store.Path)
	case <-time.After(time.Second):
		t.Fatal("expected publish after config change")
	}
}

func TestReloadKeepsPreviousOnParseError(t *testing.T) {
	path := writeConfig(t, "config.yaml", "store:\n  path: a.db\n")
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(":::not yaml"), 0o644))
	m.reload()
	require.Equal(t, "a.db", m.Get().Store.Path)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("broadcast.interval", "2s")
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, d)

	_, err = ParseDurationField("broadcast.interval", "nope")
	require.Error(t, err)

	d, err = ParseDurationOrDefault("reminder.interval", "", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d)
}
