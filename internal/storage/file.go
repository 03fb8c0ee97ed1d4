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

	logx "affibot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.seen.snapshot.json (periodic snapshot of the seen-set)
//   - <prefix>.seen.journal.jsonl (append-only journal since last snapshot)
//   - <prefix>.forwards.jsonl     (append-only forward log)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	forwardFile *os.File

	snapshotPath string
	journalFile  *os.File
	journalPath  string
	seen         map[string]int64 // key -> first-seen unix milli

	writes int
}

type seenRecord struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".seen.snapshot.json"
	journalPath := prefix + ".seen.journal.jsonl"
	forwardsPath := prefix + ".forwards.jsonl"

	ff, err := os.OpenFile(forwardsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load the seen-set from snapshot + journal. Load failures on first run
	// (no files yet) are expected.
	seen := map[string]int64{}
	_ = loadSnapshot(snapPath, seen)
	_ = replayJournal(journalPath, seen)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ff.Close()
		return nil, err
	}

	log.Info("seen-set loaded", logx.Int("keys", len(seen)), logx.String("path", prefix))

	return &fileStore{
		log:          log,
		forwardFile:  ff,
		snapshotPath: snapPath,
		journalFile:  jf,
		journalPath:  journalPath,
		seen:         seen,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.forwardFile != nil {
		err1 = s.forwardFile.Close()
		s.forwardFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) Seen(ctx context.Context, key string) (bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok, nil
}

func (s *fileStore) MarkSeen(ctx context.Context, key string, at time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.seen[key]; ok {
		// Idempotent: first-seen wins, nothing to persist.
		return nil
	}
	ms := at.UnixMilli()
	s.seen[key] = ms

	if err := json.NewEncoder(s.journalFile).Encode(seenRecord{Key: key, At: ms}); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("seen-set compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Count(ctx context.Context) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.seen)), nil
}

func (s *fileStore) Flush(ctx context.Context) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return 0, ErrClosed
	}
	n := int64(len(s.seen))
	s.seen = map[string]int64{}
	if err := s.compactLocked(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *fileStore) AppendForward(ctx context.Context, e ForwardEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forwardFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.forwardFile).Encode(e)
}

// compactLocked writes the snapshot atomically and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.seen); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r seenRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		if _, ok := out[r.Key]; !ok {
			out[r.Key] = r.At
		}
	}
	return sc.Err()
}
