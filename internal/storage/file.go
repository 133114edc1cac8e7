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

	"redeployd/internal/deploy"
	"redeployd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.cycles.jsonl (append-only JSON Lines, one report per line)
//
// The journal is compacted in place when it grows past the retention bound.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path string
	f    *os.File

	// recent is a bounded in-memory tail, newest last.
	recent []deploy.Report
	keep   int

	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	journalPath := filepath.Join(dir, base+".cycles.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	recent, err := loadJournal(journalPath, cfg.KeepCycles)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:    log,
		path:   journalPath,
		f:      f,
		recent: recent,
		keep:   cfg.KeepCycles,
	}, nil
}

func loadJournal(path string, keep int) ([]deploy.Report, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []deploy.Report
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r deploy.Report
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			// A torn last line (crash mid-write) is not fatal.
			continue
		}
		out = append(out, r)
		if keep > 0 && len(out) > keep {
			out = out[len(out)-keep:]
		}
	}
	return out, sc.Err()
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

func (s *fileStore) AppendCycle(ctx context.Context, rep deploy.Report) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("cycle journal closed")
	}

	enc := json.NewEncoder(s.f)
	if err := enc.Encode(rep); err != nil {
		return err
	}

	s.recent = append(s.recent, rep)
	if s.keep > 0 && len(s.recent) > s.keep {
		s.recent = s.recent[len(s.recent)-s.keep:]
	}

	s.writes++
	if s.keep > 0 && s.writes%(s.keep*2) == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("cycle journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentCycles(ctx context.Context, limit int) ([]deploy.Report, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	// Newest first.
	out := make([]deploy.Report, 0, limit)
	for i := len(s.recent) - 1; i >= len(s.recent)-limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// compactLocked rewrites the journal to hold only the retained tail.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tf)
	for _, r := range s.recent {
		if err := enc.Encode(r); err != nil {
			_ = tf.Close()
			return err
		}
	}
	if err := tf.Close(); err != nil {
		return err
	}

	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}
