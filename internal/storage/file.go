package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/afero"

	logx "taskhost/pkg/logx"
)

// maxFileRecent bounds the in-memory index used by ListRuns.
const maxFileRecent = 2000

// fileStore is an append-only JSON Lines backend.
//
// Files:
//   - <prefix>.runs.jsonl (one RunRecord per line)
//
// Recent records are replayed into memory on open; ListRuns never rereads the file.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsFile afero.File
	recent   []RunRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	runsPath := filepath.Join(dir, base) + ".runs.jsonl"

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	recent, err := replayRuns(fs, runsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run history replay failed", logx.String("path", runsPath), logx.Err(err))
	}

	f, err := fs.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("file store opened", logx.String("path", runsPath), logx.Int("replayed", len(recent)))
	return &fileStore{log: log, runsFile: f, recent: recent}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	b, err := sonic.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if _, err := s.runsFile.Write(b); err != nil {
		return err
	}
	s.recent = appendBounded(s.recent, r)
	return nil
}

func (s *fileStore) ListRuns(ctx context.Context, q RunQuery) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	out := make([]RunRecord, 0, 16)
	for i := len(s.recent) - 1; i >= 0 && len(out) < q.limit(); i-- {
		if q.match(s.recent[i]) {
			out = append(out, s.recent[i])
		}
	}
	return out, nil
}

func replayRuns(fs afero.Fs, path string) ([]RunRecord, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := sonic.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Kind == "" {
			continue
		}
		out = appendBounded(out, r)
	}
	return out, sc.Err()
}

func appendBounded(s []RunRecord, r RunRecord) []RunRecord {
	s = append(s, r)
	if over := len(s) - maxFileRecent; over > 0 {
		s = append(s[:0], s[over:]...)
	}
	return s
}
