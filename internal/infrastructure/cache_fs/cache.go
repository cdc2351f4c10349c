package cache_fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/davarch/buildcast/internal/domain"
)

// FSCache keeps the latest build per repository in one JSON file, for
// status bars and scripts to read.
type FSCache struct {
	path string

	mu    sync.Mutex
	repos map[string]entry
}

type entry struct {
	Repository string             `json:"repository"`
	BuildID    string             `json:"build_id"`
	Branch     string             `json:"branch"`
	Commit     string             `json:"commit"`
	Status     domain.BuildStatus `json:"status"`
	Summary    string             `json:"summary,omitempty"`
	Retrieved  int64              `json:"retrieved"`
}

func New(path string) *FSCache {
	return &FSCache{path: path, repos: make(map[string]entry)}
}

func (c *FSCache) Write(_ context.Context, s domain.Snapshot) error {
	if c.path == "" {
		return errors.New("cache path is empty")
	}

	e := entry{
		Repository: s.Repository,
		BuildID:    s.Build.ID,
		Branch:     s.Build.Branch,
		Commit:     s.Build.Commit,
		Status:     s.Build.Status,
		Retrieved:  s.Retrieved,
	}
	if s.Build.Summary != nil {
		e.Summary = *s.Build.Summary
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.repos[s.Repository] = e

	out := make([]entry, 0, len(c.repos))
	for _, v := range c.repos {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Repository < out[j].Repository })

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, c.path)
}
