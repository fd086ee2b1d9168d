// Package notify sends each configured recipient one generated digest per
// day at a local send time.
package notify

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"
)

// Recipient is one entry of the notification config blob.
type Recipient struct {
	ID      string `yaml:"id"`
	Enabled bool   `yaml:"enabled"`
	Phone   string `yaml:"phone"`

	// SendTime is a local "HH:MM" wall-clock time.
	SendTime string `yaml:"send_time"`

	// Topic restricts the digest to a single category when AllCategories
	// is false.
	Topic         string `yaml:"topic,omitempty"`
	AllCategories bool   `yaml:"all_categories,omitempty"`

	// Prompt overrides the default digest query when set.
	Prompt string `yaml:"prompt,omitempty"`

	// LastSentAt is the idempotence watermark: at most one send per
	// recipient per local calendar day.
	LastSentAt *time.Time `yaml:"last_sent_at,omitempty"`
}

// Settings is the on-disk shape of the blob.
type Settings struct {
	Recipients []Recipient `yaml:"recipients"`
}

// Manager owns the notification config blob. The blob is mutated in place
// (last-sent write-back) and saved atomically, so a crash never leaves a
// torn file.
type Manager struct {
	path string

	mu       sync.Mutex
	settings Settings
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Load reads the blob from disk. A missing file is not an error; it leaves
// an empty recipient list.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.settings = Settings{}
			return nil
		}
		return fmt.Errorf("reading notification config %q: %w", m.path, err)
	}

	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return fmt.Errorf("parsing notification config %q: %w", m.path, err)
	}
	m.settings = s
	return nil
}

// Recipients returns a copy of the current recipient list.
func (m *Manager) Recipients() []Recipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Recipient, len(m.settings.Recipients))
	copy(out, m.settings.Recipients)
	return out
}

// SetLastSent stamps the recipient's watermark and persists the whole blob
// before returning, so a restart cannot double-send.
func (m *Manager) SetLastSent(id string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for i := range m.settings.Recipients {
		if m.settings.Recipients[i].ID == id {
			ts := t
			m.settings.Recipients[i].LastSentAt = &ts
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("notification recipient %q not found", id)
	}
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	data, err := yaml.Marshal(m.settings)
	if err != nil {
		return err
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".notify-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
