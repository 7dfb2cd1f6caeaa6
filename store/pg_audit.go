package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAuditStore implements AuditStore backed by PostgreSQL.
type PGAuditStore struct {
	pool *pgxpool.Pool
}

func (s *PGAuditStore) Append(ctx context.Context, e *AuditEntry) error {
	return insertPGAudit(ctx, s.pool, e)
}

func (s *PGAuditStore) List(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT id, event_type, idempotency_key, customer_id, plan_id, subscription_id,
		message, metadata, error_code, status_code, created_at
		FROM audit_logs WHERE 1=1`
	args := []any{}
	idx := 1

	if f.EventType != "" {
		query += fmt.Sprintf(` AND event_type = $%d`, idx)
		args = append(args, f.EventType)
		idx++
	}
	if f.IdempotencyKey != "" {
		query += fmt.Sprintf(` AND idempotency_key = $%d`, idx)
		args = append(args, f.IdempotencyKey)
		idx++
	}
	if f.CustomerID != nil {
		query += fmt.Sprintf(` AND customer_id = $%d`, idx)
		args = append(args, *f.CustomerID)
		idx++
	}
	if f.PlanID != nil {
		query += fmt.Sprintf(` AND plan_id = $%d`, idx)
		args = append(args, *f.PlanID)
		idx++
	}
	if f.SubscriptionID != nil {
		query += fmt.Sprintf(` AND subscription_id = $%d`, idx)
		args = append(args, *f.SubscriptionID)
		idx++
	}
	if f.Since != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, idx)
		args = append(args, *f.Since)
		idx++
	}
	if f.Until != nil {
		query += fmt.Sprintf(` AND created_at <= $%d`, idx)
		args = append(args, *f.Until)
		idx++
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	limit := f.Pagination.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Pagination.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e                  AuditEntry
			key, message, code *string
			status             *int
			meta               []byte
		)
		err := rows.Scan(&e.ID, &e.EventType, &key, &e.CustomerID, &e.PlanID, &e.SubscriptionID,
			&message, &meta, &code, &status, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.IdempotencyKey = derefString(key)
		e.Message = derefString(message)
		e.ErrorCode = derefString(code)
		e.StatusCode = derefInt(status)
		if e.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
