package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/google/uuid"
)

// EventType classifies lifecycle audit events.
type EventType string

const (
	EventPurchaseStarted   EventType = "purchase_started"
	EventPurchaseSucceeded EventType = "purchase_succeeded"
	EventPurchaseFailed    EventType = "purchase_failed"

	EventChangePlanStarted   EventType = "change_plan_started"
	EventChangePlanSucceeded EventType = "change_plan_succeeded"
	EventChangePlanFailed    EventType = "change_plan_failed"

	EventCancelSucceeded EventType = "cancel_succeeded"
	EventCancelFailed    EventType = "cancel_failed"

	EventExpireSucceeded EventType = "expire_succeeded"
	EventExpireFailed    EventType = "expire_failed"

	EventCheckoutCompleted EventType = "checkout_session_completed"
	EventCheckoutFailed    EventType = "checkout_session_failed"

	EventPlanCreated EventType = "plan_created"
	EventPlanUpdated EventType = "plan_updated"
)

// Event is a single audit log entry before it is persisted.
type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	Type           EventType      `json:"type"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CustomerID     *uuid.UUID     `json:"customer_id,omitempty"`
	PlanID         *uuid.UUID     `json:"plan_id,omitempty"`
	SubscriptionID *uuid.UUID     `json:"subscription_id,omitempty"`
	Message        string         `json:"message,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	StatusCode     int            `json:"status_code,omitempty"`
}

func (e Event) entry() *store.AuditEntry {
	return &store.AuditEntry{
		EventType:      string(e.Type),
		IdempotencyKey: e.IdempotencyKey,
		CustomerID:     e.CustomerID,
		PlanID:         e.PlanID,
		SubscriptionID: e.SubscriptionID,
		Message:        e.Message,
		Metadata:       e.Metadata,
		ErrorCode:      e.ErrorCode,
		StatusCode:     e.StatusCode,
	}
}

// Writer appends audit entries to the audit_logs table and mirrors every
// entry as one JSON line on an io.Writer.
type Writer struct {
	mu     sync.Mutex
	store  store.AuditStore
	writer io.Writer
	slog   *slog.Logger
}

// NewWriter creates a Writer. A nil st only mirrors; a nil w defaults to
// os.Stdout; a nil logger defaults to slog.Default().
func NewWriter(st store.AuditStore, w io.Writer, logger *slog.Logger) *Writer {
	if w == nil {
		w = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:  st,
		writer: w,
		slog:   logger,
	}
}

// Record appends an event outside any transaction. Failures are logged and
// never returned, so auditing cannot abort the caller's operation.
func (w *Writer) Record(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if w.store != nil {
		if err := w.store.Append(ctx, event.entry()); err != nil {
			w.slog.Error("failed to persist audit event", "type", event.Type, "error", err)
		}
	}
	w.mirror(event)
}

// RecordTx appends an event inside tx so it commits or rolls back with the
// surrounding lifecycle transaction. The JSON mirror is written
// immediately, so it may include entries whose transaction later rolled
// back.
func (w *Writer) RecordTx(ctx context.Context, tx store.Tx, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := tx.AppendAudit(ctx, event.entry()); err != nil {
		return err
	}
	w.mirror(event)
	return nil
}

// List returns persisted audit entries matching f.
func (w *Writer) List(ctx context.Context, f store.AuditFilter) ([]*store.AuditEntry, error) {
	if w.store == nil {
		return nil, nil
	}
	return w.store.List(ctx, f)
}

func (w *Writer) mirror(event Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		w.slog.Error("failed to marshal audit event", "error", err)
		return
	}

	// Write one JSON line per event
	data = append(data, '\n')
	if _, err := w.writer.Write(data); err != nil {
		w.slog.Error("failed to write audit event", "error", err)
	}
}
