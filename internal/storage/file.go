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

	logx "fpsched/pkg/logx"
)

// fileStore is the dependency-free backend.
//
// Files:
//   - <prefix>.runs.jsonl   (one line per BeginRun and per FinishRun)
//   - <prefix>.events.jsonl (one line per record)
//
// Both are append-only; reads scan the whole file.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath   string
	eventsPath string
	runs       *os.File
	events     *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:        log,
		runsPath:   prefix + ".runs.jsonl",
		eventsPath: prefix + ".events.jsonl",
	}
	var err error
	if s.runs, err = openAppend(s.runsPath); err != nil {
		return nil, err
	}
	if s.events, err = openAppend(s.eventsPath); err != nil {
		_ = s.runs.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.runs != nil {
		errs = append(errs, s.runs.Close())
		s.runs = nil
	}
	if s.events != nil {
		errs = append(errs, s.events.Close())
		s.events = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) BeginRun(_ context.Context, r Run) error {
	return s.writeRun(r)
}

func (s *fileStore) FinishRun(_ context.Context, r Run) error {
	return s.writeRun(r)
}

func (s *fileStore) writeRun(r Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runs).Encode(r)
}

func (s *fileStore) Append(_ context.Context, recs ...Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return ErrClosed
	}
	// One buffered write per batch keeps lines whole.
	w := bufio.NewWriter(s.events)
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (s *fileStore) Runs(_ context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runsLocked(limit)
}

// runsLocked merges begin and finish lines by ID, newest first.
func (s *fileStore) runsLocked(limit int) ([]Run, error) {
	var order []string
	byID := map[string]Run{}
	err := scanLines(s.runsPath, func(b []byte) {
		var r Run
		if json.Unmarshal(b, &r) != nil || r.ID == "" {
			return
		}
		prev, seen := byID[r.ID]
		if !seen {
			order = append(order, r.ID)
		} else if r.StartedAt.IsZero() {
			r.StartedAt = prev.StartedAt
		}
		byID[r.ID] = r
	})
	if err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		out = append(out, byID[order[i]])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) Recent(_ context.Context, runID string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runID == "" {
		runs, err := s.runsLocked(1)
		if err != nil || len(runs) == 0 {
			return nil, err
		}
		runID = runs[0].ID
	}

	var out []Record
	err := scanLines(s.eventsPath, func(b []byte) {
		var r Record
		if json.Unmarshal(b, &r) != nil || r.RunID != runID {
			return
		}
		out = append(out, r)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	})
	return out, err
}

func scanLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fn(sc.Bytes())
	}
	return sc.Err()
}
