package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const customerColumns = `id, email, name, user_id, created_at`

// PGCustomerStore implements CustomerStore backed by PostgreSQL.
type PGCustomerStore struct {
	pool *pgxpool.Pool
}

func (s *PGCustomerStore) Create(ctx context.Context, c *Customer) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO customers (id, email, name, user_id, created_at)
		VALUES ($1,$2,$3,$4,NOW())
		RETURNING created_at`,
		c.ID, c.Email, c.Name, c.UserID).Scan(&c.CreatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: customer with email %s", ErrDuplicate, c.Email)
		}
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (s *PGCustomerStore) Get(ctx context.Context, id uuid.UUID) (*Customer, error) {
	return s.scanOne(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
}

func (s *PGCustomerStore) GetByEmail(ctx context.Context, email string) (*Customer, error) {
	return s.scanOne(ctx, `SELECT `+customerColumns+` FROM customers WHERE email = $1`, email)
}

func (s *PGCustomerStore) GetByUserID(ctx context.Context, userID uuid.UUID) (*Customer, error) {
	return s.scanOne(ctx, `SELECT `+customerColumns+` FROM customers WHERE user_id = $1`, userID)
}

func (s *PGCustomerStore) List(ctx context.Context) ([]*Customer, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()

	var customers []*Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.Email, &c.Name, &c.UserID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		customers = append(customers, &c)
	}
	return customers, rows.Err()
}

func (s *PGCustomerStore) LinkUser(ctx context.Context, customerID, userID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current *uuid.UUID
	err = tx.QueryRow(ctx, `SELECT user_id FROM customers WHERE id = $1 FOR UPDATE`, customerID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock customer: %w", err)
	}
	if current != nil {
		if *current == userID {
			return nil
		}
		return fmt.Errorf("%w: customer already linked to another user", ErrConflict)
	}

	if _, err := tx.Exec(ctx, `UPDATE customers SET user_id = $2 WHERE id = $1`, customerID, userID); err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: user already linked to another customer", ErrConflict)
		}
		return fmt.Errorf("link customer: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PGCustomerStore) scanOne(ctx context.Context, query string, args ...any) (*Customer, error) {
	var c Customer
	err := s.pool.QueryRow(ctx, query, args...).Scan(&c.ID, &c.Email, &c.Name, &c.UserID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan customer: %w", err)
	}
	return &c, nil
}
