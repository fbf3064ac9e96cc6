// Package store persists client-side state that outlives a session: the
// label the agent assigns to each conversation.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	convErrors "github.com/harunnryd/convstream/internal/errors"

	"github.com/natefinch/atomic"
)

// LabelCache records the latest label seen for each conversation.
type LabelCache interface {
	SetLabel(conversationID, label string) error
	Label(conversationID string) (string, bool)
}

type LabelEntry struct {
	ConversationID string    `json:"conversationId" yaml:"conversationId"`
	Label          string    `json:"label" yaml:"label"`
	UpdatedAt      time.Time `json:"updatedAt" yaml:"updatedAt"`
}

type labelState struct {
	Labels map[string]LabelEntry `json:"labels"`
}

func validateLabel(conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("conversation id is empty: %w", convErrors.ErrInvalidInput)
	}
	return nil
}

func sortedEntries(labels map[string]LabelEntry) []LabelEntry {
	out := make([]LabelEntry, 0, len(labels))
	for _, e := range labels {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

// MemoryLabelCache keeps labels for the lifetime of the process.
type MemoryLabelCache struct {
	mu     sync.RWMutex
	labels map[string]LabelEntry
}

func NewMemoryLabelCache() *MemoryLabelCache {
	return &MemoryLabelCache{labels: make(map[string]LabelEntry)}
}

func (m *MemoryLabelCache) SetLabel(conversationID, label string) error {
	if err := validateLabel(conversationID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[conversationID] = LabelEntry{ConversationID: conversationID, Label: label, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryLabelCache) Label(conversationID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.labels[conversationID]
	return e.Label, ok
}

// List returns entries newest first.
func (m *MemoryLabelCache) List() []LabelEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedEntries(m.labels)
}

// FileLabelCache stores labels as one JSON document. Writers from different
// processes serialize on a sibling lock file; readers see whole files only.
type FileLabelCache struct {
	path    string
	lockCfg *FileLockConfig
	mu      sync.Mutex
}

func NewFileLabelCache(path string, lockCfg *FileLockConfig) (*FileLabelCache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("label cache path is empty: %w", convErrors.ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create label cache dir: %w", err)
	}
	if lockCfg == nil {
		lockCfg = DefaultFileLockConfig()
	}
	return &FileLabelCache{path: path, lockCfg: lockCfg}, nil
}

func (f *FileLabelCache) Path() string { return f.path }

func (f *FileLabelCache) SetLabel(conversationID, label string) error {
	if err := validateLabel(conversationID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	lock, err := NewFileLock(context.Background(), f.path+lockSuffix, f.lockCfg)
	if err != nil {
		return fmt.Errorf("lock label cache: %w", err)
	}
	defer lock.Unlock()

	state, err := f.load()
	if err != nil {
		return err
	}
	state.Labels[conversationID] = LabelEntry{ConversationID: conversationID, Label: label, UpdatedAt: time.Now().UTC()}
	return f.save(state)
}

func (f *FileLabelCache) Label(conversationID string) (string, bool) {
	state, err := f.load()
	if err != nil {
		return "", false
	}
	e, ok := state.Labels[conversationID]
	return e.Label, ok
}

// List returns entries newest first.
func (f *FileLabelCache) List() ([]LabelEntry, error) {
	state, err := f.load()
	if err != nil {
		return nil, err
	}
	return sortedEntries(state.Labels), nil
}

func (f *FileLabelCache) load() (labelState, error) {
	state := labelState{Labels: make(map[string]LabelEntry)}

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("read label cache: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return state, nil
	}

	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decode label cache %s: %w", f.path, err)
	}
	if state.Labels == nil {
		state.Labels = make(map[string]LabelEntry)
	}
	return state, nil
}

func (f *FileLabelCache) save(state labelState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write label cache: %w", err)
	}
	return nil
}
