package scheduler

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// ExecutionStatus represents the result of a sweep run.
type ExecutionStatus string

const (
	ExecStatusSuccess ExecutionStatus = "success"
	ExecStatusFailed  ExecutionStatus = "failed"
	ExecStatusSkipped ExecutionStatus = "skipped"
)

// ExecutionRecord records the result of a single sweep run.
type ExecutionRecord struct {
	ID        string          `json:"id"`
	Trigger   string          `json:"trigger"`
	Status    ExecutionStatus `json:"status"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
	Processed int             `json:"processed"`
	Error     string          `json:"error,omitempty"`
}

// history is a bounded list of execution records. The oldest record is
// dropped once the limit is reached.
type history struct {
	mu      sync.RWMutex
	limit   int
	records []*ExecutionRecord
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = defaultHistorySize
	}
	return &history{limit: limit}
}

func (h *history) add(rec *ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	if over := len(h.records) - h.limit; over > 0 {
		h.records = append(h.records[:0:0], h.records[over:]...)
	}
}

// list returns the records newest first.
func (h *history) list() []*ExecutionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]*ExecutionRecord, len(h.records))
	for i, rec := range h.records {
		result[len(h.records)-1-i] = rec
	}
	return result
}

func generateID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "-" + hex.EncodeToString(b), nil
}

func mustGenerateID(prefix string) string {
	id, err := generateID(prefix)
	if err != nil {
		return prefix + "-fallback"
	}
	return id
}
