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
	"time"

	logx "trafficwatch/pkg/logx"
)

// fileStore is a dependency-free backend: one append-only JSON Lines file.
//
// Reads scan the whole file. That is fine for the event volumes a single
// daemon produces; heavier deployments use the sqlite or postgres driver.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendEvent(ctx context.Context, e Event) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("event file closed")
	}
	return json.NewEncoder(s.f).Encode(e)
}

func (s *fileStore) EventsByRoute(ctx context.Context, routeID string, limit int) ([]Event, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	// Newest first.
	out := make([]Event, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].RouteID == routeID {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *fileStore) PruneEventsBefore(ctx context.Context, t time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("event file closed")
	}

	all, err := readEvents(s.path)
	if err != nil {
		return 0, err
	}
	kept := all[:0]
	var dropped int64
	for _, e := range all {
		if e.At.Before(t) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	if dropped == 0 {
		return 0, nil
	}

	// Rewrite via temp file then swap the append handle.
	tmp := s.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(tf)
	for _, e := range kept {
		if err := enc.Encode(e); err != nil {
			_ = tf.Close()
			return 0, err
		}
	}
	if err := tf.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	_ = s.f.Close()
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return dropped, err
	}
	s.f = nf
	return dropped, nil
}

func (s *fileStore) readAll() ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readEvents(s.path)
}

func readEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn write at the tail must not poison the whole log.
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
