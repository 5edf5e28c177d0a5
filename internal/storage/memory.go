package storage

import (
	"context"
	"sort"
	"sync"
)

type runKey struct{ dag, run string }

type taskKey struct{ dag, run, task string }

// memoryStore keeps runs and task instances in maps. It is also the index
// behind the file driver.
type memoryStore struct {
	mu     sync.RWMutex
	runs   map[runKey]DagRun
	tasks  map[taskKey]TaskInstance
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return newMemory() }

func newMemory() *memoryStore {
	return &memoryStore{
		runs:  map[runKey]DagRun{},
		tasks: map[taskKey]TaskInstance{},
	}
}

func (s *memoryStore) PutDagRun(ctx context.Context, r DagRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.runs[runKey{r.DagID, r.RunID}] = r
	return nil
}

func (s *memoryStore) GetDagRun(ctx context.Context, dagID, runID string) (DagRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runKey{dagID, runID}]
	return r, ok, nil
}

func (s *memoryStore) LatestDagRun(ctx context.Context, dagID, runType string) (DagRun, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  DagRun
		found bool
	)
	for k, r := range s.runs {
		if k.dag != dagID || (runType != "" && r.RunType != runType) {
			continue
		}
		if !found || r.LogicalDate.After(best.LogicalDate) {
			best, found = r, true
		}
	}
	return best, found, nil
}

func (s *memoryStore) ListDagRuns(ctx context.Context, dagID string, limit int) ([]DagRun, error) {
	s.mu.RLock()
	out := make([]DagRun, 0, len(s.runs))
	for k, r := range s.runs {
		if k.dag == dagID {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LogicalDate.Equal(out[j].LogicalDate) {
			return out[i].LogicalDate.After(out[j].LogicalDate)
		}
		return out[i].RunID > out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) PutTaskInstance(ctx context.Context, ti TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.tasks[taskKey{ti.DagID, ti.RunID, ti.TaskID}] = ti
	return nil
}

func (s *memoryStore) ListTaskInstances(ctx context.Context, dagID, runID string) ([]TaskInstance, error) {
	s.mu.RLock()
	out := make([]TaskInstance, 0, 4)
	for k, ti := range s.tasks {
		if k.dag == dagID && k.run == runID {
			out = append(out, ti)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
