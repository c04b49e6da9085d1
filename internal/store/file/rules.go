package file

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// rulesDocument is the on-disk shape of the standalone rules file.
type rulesDocument struct {
	Rules []store.Rule `json:"rules"`
}

// FileRuleStore implements store.RuleStore over a JSON5 file. The file is
// re-read when it changes on disk (see Watch).
type FileRuleStore struct {
	path  string
	mu    sync.RWMutex
	rules map[string][]store.Rule // tenant → enabled rules, oldest first
}

// NewFileRuleStore loads path. A missing file yields an empty store.
func NewFileRuleStore(path string) (*FileRuleStore, error) {
	s := &FileRuleStore{path: path, rules: make(map[string][]store.Rule)}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadRulesFile parses a rules file without building a store. Used by the
// lint command.
func LoadRulesFile(path string) ([]store.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var doc rulesDocument
	if err := json5.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return doc.Rules, nil
}

func (s *FileRuleStore) FetchActiveRules(_ context.Context, tenantID string) ([]store.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := s.rules[tenantID]
	out := make([]store.Rule, len(rules))
	copy(out, rules)
	return out, nil
}

// Tenants returns the tenant IDs that currently have rules.
func (s *FileRuleStore) Tenants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rules))
	for t := range s.rules {
		out = append(out, t)
	}
	return out
}

func (s *FileRuleStore) reload() error {
	all, err := LoadRulesFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		all, err = nil, nil
	}
	if err != nil {
		return err
	}

	byTenant := make(map[string][]store.Rule)
	for _, r := range all {
		if !r.Enabled || r.TenantID == "" {
			continue
		}
		byTenant[r.TenantID] = append(byTenant[r.TenantID], r)
	}
	for _, rules := range byTenant {
		store.SortRules(rules)
	}

	s.mu.Lock()
	s.rules = byTenant
	s.mu.Unlock()
	return nil
}

// Watch reloads the file on every write and calls onChange after each
// successful reload. The watcher is attached to the parent directory so
// editors that replace the file atomically are seen too. Blocks until ctx
// is cancelled.
func (s *FileRuleStore) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("rules watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				// Keep serving the previous rules.
				slog.Warn("rules file reload failed", "path", s.path, "error", err)
				continue
			}
			slog.Info("rules file reloaded", "path", s.path)
			onChange()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("rules watcher error", "error", err)
		}
	}
}
