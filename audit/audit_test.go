package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/google/uuid"
)

// memAuditStore is an in-memory store.AuditStore.
type memAuditStore struct {
	mu      sync.Mutex
	entries []*store.AuditEntry
	err     error
}

func (m *memAuditStore) Append(_ context.Context, e *store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAuditStore) List(_ context.Context, f store.AuditFilter) ([]*store.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.AuditEntry
	for _, e := range m.entries {
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func newTestLogger(w *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, nil))
}

// txRecorder implements only the audit part of store.Tx.
type txRecorder struct {
	store.Tx
	entries []*store.AuditEntry
	err     error
}

func (t *txRecorder) AppendAudit(_ context.Context, e *store.AuditEntry) error {
	if t.err != nil {
		return t.err
	}
	t.entries = append(t.entries, e)
	return nil
}

func TestNewWriter_Defaults(t *testing.T) {
	w := NewWriter(nil, nil, nil)
	if w == nil {
		t.Fatal("expected non-nil writer")
	}
	// Mirror-only writers must not panic on Record or List.
	w.Record(context.Background(), Event{Type: EventCancelSucceeded})
	entries, err := w.List(context.Background(), store.AuditFilter{})
	if err != nil || entries != nil {
		t.Errorf("expected empty list, got %v, %v", entries, err)
	}
}

func TestWriter_Record(t *testing.T) {
	var buf bytes.Buffer
	st := &memAuditStore{}
	w := NewWriter(st, &buf, nil)

	customerID := uuid.New()
	w.Record(context.Background(), Event{
		Type:           EventPurchaseFailed,
		IdempotencyKey: "k1",
		CustomerID:     &customerID,
		Message:        "plan is at capacity",
		ErrorCode:      "capacity_exhausted",
		StatusCode:     409,
		Metadata:       map[string]any{"attempt": 1},
	})

	if len(st.entries) != 1 {
		t.Fatalf("expected 1 persisted entry, got %d", len(st.entries))
	}
	got := st.entries[0]
	if got.EventType != "purchase_failed" || got.IdempotencyKey != "k1" || got.StatusCode != 409 {
		t.Errorf("unexpected entry: %+v", got)
	}
	if got.CustomerID == nil || *got.CustomerID != customerID {
		t.Errorf("expected customer id %s, got %v", customerID, got.CustomerID)
	}

	var event Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &event); err != nil {
		t.Fatalf("failed to parse audit event JSON: %v", err)
	}
	if event.Type != EventPurchaseFailed {
		t.Errorf("expected type %q, got %q", EventPurchaseFailed, event.Type)
	}
	if event.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

func TestWriter_Record_PreservesTimestamp(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(nil, &buf, nil)

	ts := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	w.Record(context.Background(), Event{Timestamp: ts, Type: EventCancelSucceeded})

	var event Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &event); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if !event.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, event.Timestamp)
	}
}

func TestWriter_Record_StoreFailureDoesNotPanic(t *testing.T) {
	var buf, logs bytes.Buffer
	st := &memAuditStore{err: errors.New("db down")}
	w := NewWriter(st, &buf, newTestLogger(&logs))

	w.Record(context.Background(), Event{Type: EventCancelFailed})

	if !strings.Contains(logs.String(), "failed to persist audit event") {
		t.Errorf("expected persistence failure to be logged, got %q", logs.String())
	}
	// The mirror still receives the event.
	if !strings.Contains(buf.String(), string(EventCancelFailed)) {
		t.Errorf("expected mirrored event, got %q", buf.String())
	}
}

func TestWriter_RecordTx(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&memAuditStore{}, &buf, nil)
	tx := &txRecorder{}

	subID := uuid.New()
	if err := w.RecordTx(context.Background(), tx, Event{Type: EventExpireSucceeded, SubscriptionID: &subID}); err != nil {
		t.Fatalf("RecordTx: %v", err)
	}
	if len(tx.entries) != 1 || tx.entries[0].EventType != string(EventExpireSucceeded) {
		t.Fatalf("expected entry in tx, got %+v", tx.entries)
	}

	failing := &txRecorder{err: errors.New("tx aborted")}
	if err := w.RecordTx(context.Background(), failing, Event{Type: EventExpireSucceeded}); err == nil {
		t.Fatal("expected error from failing tx")
	}
	if strings.Count(buf.String(), "\n") != 1 {
		t.Errorf("expected only the successful entry to be mirrored, got %q", buf.String())
	}
}

func TestWriter_ConcurrentRecord(t *testing.T) {
	var buf bytes.Buffer
	st := &memAuditStore{}
	w := NewWriter(st, &buf, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Record(context.Background(), Event{Type: EventPurchaseStarted})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 50 {
		t.Errorf("expected 50 lines, got %d", len(lines))
	}
	if len(st.entries) != 50 {
		t.Errorf("expected 50 entries, got %d", len(st.entries))
	}
}
