package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "dagd/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.dagruns.jsonl (append-only journal of DagRun upserts)
//   - <prefix>.tasks.jsonl   (append-only journal of TaskInstance upserts)
//
// Journals are replayed into an in-memory index on open and rewritten with
// only the latest record per key every compactEvery writes.
type fileStore struct {
	log logx.Logger
	idx *memoryStore

	mu        sync.Mutex
	runsPath  string
	tasksPath string
	runsFile  *os.File
	tasksFile *os.File
	writes    int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		idx:       newMemory(),
		runsPath:  prefix + ".dagruns.jsonl",
		tasksPath: prefix + ".tasks.jsonl",
	}
	if err := replay(s.runsPath, func(b []byte) {
		var r DagRun
		if json.Unmarshal(b, &r) == nil && r.DagID != "" && r.RunID != "" {
			s.idx.runs[runKey{r.DagID, r.RunID}] = r
		}
	}); err != nil {
		return nil, err
	}
	if err := replay(s.tasksPath, func(b []byte) {
		var ti TaskInstance
		if json.Unmarshal(b, &ti) == nil && ti.DagID != "" && ti.TaskID != "" {
			s.idx.tasks[taskKey{ti.DagID, ti.RunID, ti.TaskID}] = ti
		}
	}); err != nil {
		return nil, err
	}
	if err := s.reopenLocked(); err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("runs", len(s.idx.runs)), logx.Int("tasks", len(s.idx.tasks)))
	return s, nil
}

// replay feeds every line of a journal to fn. A missing file is not an error;
// undecodable lines (e.g. a torn final write) are skipped by fn.
func replay(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Bytes())
	}
	return sc.Err()
}

func (s *fileStore) reopenLocked() error {
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	tf, err := os.OpenFile(s.tasksPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = rf.Close()
		return err
	}
	s.runsFile, s.tasksFile = rf, tf
	return nil
}

func (s *fileStore) PutDagRun(ctx context.Context, r DagRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	if err := s.idx.PutDagRun(ctx, r); err != nil {
		return err
	}
	s.noteWriteLocked()
	return nil
}

func (s *fileStore) PutTaskInstance(ctx context.Context, ti TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasksFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.tasksFile).Encode(ti); err != nil {
		return err
	}
	if err := s.idx.PutTaskInstance(ctx, ti); err != nil {
		return err
	}
	s.noteWriteLocked()
	return nil
}

func (s *fileStore) GetDagRun(ctx context.Context, dagID, runID string) (DagRun, bool, error) {
	return s.idx.GetDagRun(ctx, dagID, runID)
}

func (s *fileStore) LatestDagRun(ctx context.Context, dagID, runType string) (DagRun, bool, error) {
	return s.idx.LatestDagRun(ctx, dagID, runType)
}

func (s *fileStore) ListDagRuns(ctx context.Context, dagID string, limit int) ([]DagRun, error) {
	return s.idx.ListDagRuns(ctx, dagID, limit)
}

func (s *fileStore) ListTaskInstances(ctx context.Context, dagID, runID string) ([]TaskInstance, error) {
	return s.idx.ListTaskInstances(ctx, dagID, runID)
}

func (s *fileStore) noteWriteLocked() {
	s.writes++
	if s.writes%compactEvery != 0 {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compact failed", logx.Err(err))
	}
}

// compactLocked rewrites both journals from the index. Call with s.mu held.
func (s *fileStore) compactLocked() error {
	s.idx.mu.RLock()
	runs := make([]any, 0, len(s.idx.runs))
	for _, r := range s.idx.runs {
		runs = append(runs, r)
	}
	tasks := make([]any, 0, len(s.idx.tasks))
	for _, ti := range s.idx.tasks {
		tasks = append(tasks, ti)
	}
	s.idx.mu.RUnlock()

	if err := writeJournal(s.runsPath, runs); err != nil {
		return err
	}
	if err := writeJournal(s.tasksPath, tasks); err != nil {
		return err
	}
	_ = s.runsFile.Close()
	_ = s.tasksFile.Close()
	return s.reopenLocked()
}

func writeJournal(path string, records []any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.runsFile != nil {
		err = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.tasksFile != nil {
		if e := s.tasksFile.Close(); err == nil {
			err = e
		}
		s.tasksFile = nil
	}
	_ = s.idx.Close()
	return err
}
