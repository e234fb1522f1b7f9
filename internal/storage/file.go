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

	"uirunner/pkg/logx"
)

const defaultHistorySize = 500

// fileStore keeps everything in JSON Lines files.
//
// Files:
//   - <prefix>.audit.jsonl (append-only)
//   - <prefix>.jobs.jsonl  (append-only)
//
// The tail of the jobs file is replayed into a bounded ring at open.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File
	jobsFile  *os.File

	recent []JobRecord
	limit  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	limit := cfg.HistorySize
	if limit <= 0 {
		limit = defaultHistorySize
	}
	s := &fileStore{log: log, limit: limit}

	jobsPath := prefix + ".jobs.jsonl"
	if err := s.replayJobs(jobsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job history replay failed", logx.Err(err))
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(jobsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.auditFile, s.jobsFile = af, jf
	log.Info("storage opened", logx.String("prefix", prefix), logx.Int("history", len(s.recent)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.jobsFile != nil {
		err2 = s.jobsFile.Close()
		s.jobsFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecordJob(ctx context.Context, r JobRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobsFile == nil {
		return errors.New("jobs file closed")
	}
	if err := json.NewEncoder(s.jobsFile).Encode(r); err != nil {
		return err
	}
	s.pushLocked(r)
	return nil
}

func (s *fileStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]JobRecord, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) pushLocked(r JobRecord) {
	s.recent = append(s.recent, r)
	if over := len(s.recent) - s.limit; over > 0 {
		s.recent = append(s.recent[:0:0], s.recent[over:]...)
	}
}

func (s *fileStore) replayJobs(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r JobRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.JobID == 0 {
			continue
		}
		s.pushLocked(r)
	}
	return sc.Err()
}
