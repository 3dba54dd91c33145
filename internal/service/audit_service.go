package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/model"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/logger"
)

const (
	// auditQueueCap bounds the pending batch; beyond it the oldest
	// entries are shed so the relay path never blocks on disk or DB.
	auditQueueCap = 1000
	// auditRecentCap bounds the in-memory history served by List when
	// no repo is configured.
	auditRecentCap = 500

	auditFlushInterval = time.Second
)

type AuditRepo interface {
	Insert(ctx context.Context, entry *model.AuditLog) error
	List(ctx context.Context, apiKeyName string, limit int, from, to *time.Time) ([]*model.AuditLog, error)
}

// AuditService collects request audit records and flushes them in
// batches: a single worker drains the pending queue on a signal or a
// ticker, appending to a date-stamped jsonl file (rotated at midnight)
// and to the optional repo. Record never blocks; under pressure the
// oldest pending entries are dropped and counted.
type AuditService struct {
	dir  string
	repo AuditRepo

	mu      sync.Mutex
	pending []*model.AuditLog
	recent  []*model.AuditLog
	dropped int

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	file     *os.File
	fileDate string
}

func NewAuditService(logDir string, repo AuditRepo) (*AuditService, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	svc := &AuditService{
		dir:    logDir,
		repo:   repo,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if err := svc.rotate(time.Now()); err != nil {
		return nil, err
	}

	svc.wg.Add(1)
	go svc.run()

	return svc, nil
}

// Record queues one entry for persistence and keeps it in the recent
// window for queries.
func (s *AuditService) Record(entry *model.AuditLog) {
	if entry == nil {
		return
	}

	s.mu.Lock()
	s.recent = append(s.recent, entry)
	if len(s.recent) > auditRecentCap {
		s.recent = s.recent[len(s.recent)-auditRecentCap:]
	}
	if len(s.pending) >= auditQueueCap {
		shed := len(s.pending) - auditQueueCap + 1
		s.pending = s.pending[shed:]
		s.dropped += shed
	}
	s.pending = append(s.pending, entry)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// List returns recent entries for the key, newest first. The repo is
// authoritative when configured; the in-memory window is the fallback.
func (s *AuditService) List(ctx context.Context, apiKeyName string, limit int, from, to *time.Time) ([]*model.AuditLog, error) {
	if s.repo != nil {
		records, err := s.repo.List(ctx, apiKeyName, limit, from, to)
		if err == nil {
			return records, nil
		}
		logger.Warn("Audit repo query failed, serving in-memory window", "error", err)
	}

	if limit <= 0 || limit > auditRecentCap {
		limit = auditRecentCap
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]*model.AuditLog, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(results) < limit; i-- {
		entry := s.recent[i]
		if apiKeyName != "" && entry.APIKey != apiKeyName {
			continue
		}
		results = append(results, entry)
	}
	return results, nil
}

// Close flushes whatever is still pending and stops the worker.
func (s *AuditService) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *AuditService) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.notify:
			s.flush()
		case <-ticker.C:
			s.flush()
		case <-s.done:
			s.flush()
			if s.file != nil {
				s.file.Close()
			}
			return
		}
	}
}

func (s *AuditService) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	dropped := s.dropped
	s.dropped = 0
	s.mu.Unlock()

	if dropped > 0 {
		logger.Warn("Audit queue overflowed, oldest entries shed", "dropped", dropped)
	}
	if len(batch) == 0 {
		return
	}

	now := time.Now()
	if err := s.rotate(now); err != nil {
		logger.Error("Audit file rotation failed", "error", err)
	}

	var encoder *json.Encoder
	if s.file != nil {
		encoder = json.NewEncoder(s.file)
	}

	for _, entry := range batch {
		if s.repo != nil {
			if err := s.repo.Insert(context.Background(), entry); err != nil {
				logger.Warn("Failed to write audit entry to DB", "id", entry.ID, "error", err)
			}
		}
		if encoder != nil {
			if err := encoder.Encode(entry); err != nil {
				logger.Error("Failed to write audit entry to file", "id", entry.ID, "error", err)
			}
		}
	}
}

// rotate opens the jsonl file for now's date, replacing the previous
// day's handle once the date rolls over.
func (s *AuditService) rotate(now time.Time) error {
	date := now.Format("2006-01-02")
	if s.file != nil && date == s.fileDate {
		return nil
	}

	filename := filepath.Join(s.dir, "audit-"+date+".jsonl")
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if s.file != nil {
		s.file.Close()
	}
	s.file = f
	s.fileDate = date
	return nil
}
