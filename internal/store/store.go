// Package store persists a consumer's pending and running-and-completed
// lists so they survive a daemon restart.
package store

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/opengda/beamq/internal/logging"
	"github.com/opengda/beamq/internal/model"
)

// List names used by the consumer.
const (
	ListPending = "pending"
	ListStarted = "started"
)

// Store saves whole lists keyed by queue and list name. Save replaces the
// stored list; Load of a list never saved returns an empty slice.
type Store interface {
	Load(queue, list string) ([]model.Job, error)
	Save(queue, list string, jobs []model.Job) error
	Close() error
}

// Open returns the store selected by cfg, rooted at the beamq directory.
func Open(cfg model.StoreConfig, dir string, logger *logging.Logger) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "yaml", "":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(dir, "state")
		}
		return NewYAML(path, filepath.Join(dir, "quarantine"), logger), nil
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(dir, "beamq.db")
		}
		return NewSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Memory keeps lists in process memory only.
type Memory struct {
	mu    sync.Mutex
	lists map[string][]model.Job
}

func NewMemory() *Memory {
	return &Memory{lists: make(map[string][]model.Job)}
}

func (m *Memory) Load(queue, list string) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneJobs(m.lists[queue+"/"+list]), nil
}

func (m *Memory) Save(queue, list string, jobs []model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[queue+"/"+list] = cloneJobs(jobs)
	return nil
}

func (m *Memory) Close() error { return nil }

func cloneJobs(jobs []model.Job) []model.Job {
	out := slices.Clone(jobs)
	for i := range out {
		out[i] = out[i].Clone()
	}
	if out == nil {
		out = []model.Job{}
	}
	return out
}
