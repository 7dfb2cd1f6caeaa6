// Package billing administers the plan catalog, customers and checkout
// sessions around the lifecycle engine.
package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/subscriptions/audit"
	"github.com/GoCodeAlone/subscriptions/lifecycle"
	"github.com/GoCodeAlone/subscriptions/observability/metrics"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/google/uuid"
)

// PlanInput describes a new plan. IsActive defaults to true.
type PlanInput struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Price         int64  `json:"price"`
	DurationDays  int    `json:"duration_days"`
	TotalCapacity int    `json:"total_capacity"`
	IsActive      *bool  `json:"is_active,omitempty"`
}

// PlanUpdate is a partial plan edit. Nil fields are left unchanged.
type PlanUpdate struct {
	Name          *string `json:"name,omitempty"`
	Description   *string `json:"description,omitempty"`
	Price         *int64  `json:"price,omitempty"`
	DurationDays  *int    `json:"duration_days,omitempty"`
	TotalCapacity *int    `json:"total_capacity,omitempty"`
	IsActive      *bool   `json:"is_active,omitempty"`
}

func (u PlanUpdate) validate() error {
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return lifecycle.NewInvalidInput("name must not be empty")
	}
	if u.Price != nil && *u.Price < 0 {
		return lifecycle.NewInvalidInput("price must be non-negative")
	}
	if u.DurationDays != nil && *u.DurationDays <= 0 {
		return lifecycle.NewInvalidInput("duration_days must be positive")
	}
	if u.TotalCapacity != nil && *u.TotalCapacity <= 0 {
		return lifecycle.NewInvalidInput("total_capacity must be positive")
	}
	return nil
}

// Catalog manages plans. Remaining capacity is never written directly: a
// total-capacity edit recomputes it under the plan row lock.
type Catalog struct {
	store   store.Store
	audit   *audit.Writer
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewCatalog creates a Catalog. m may be nil.
func NewCatalog(st store.Store, aw *audit.Writer, m *metrics.Collector, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if aw == nil {
		aw = audit.NewWriter(st.Audit(), io.Discard, logger)
	}
	return &Catalog{store: st, audit: aw, metrics: m, logger: logger}
}

// CreatePlan validates in and stores a plan with all capacity remaining.
func (c *Catalog) CreatePlan(ctx context.Context, in PlanInput) (*store.Plan, error) {
	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		return nil, lifecycle.NewInvalidInput("name is required")
	case in.Price < 0:
		return nil, lifecycle.NewInvalidInput("price must be non-negative")
	case in.DurationDays <= 0:
		return nil, lifecycle.NewInvalidInput("duration_days must be positive")
	case in.TotalCapacity <= 0:
		return nil, lifecycle.NewInvalidInput("total_capacity must be positive")
	}

	p := &store.Plan{
		Name:              name,
		Description:       in.Description,
		Price:             in.Price,
		DurationDays:      in.DurationDays,
		TotalCapacity:     in.TotalCapacity,
		RemainingCapacity: in.TotalCapacity,
		IsActive:          in.IsActive == nil || *in.IsActive,
	}
	if err := c.store.Plans().Create(ctx, p); err != nil {
		return nil, lifecycle.Persistence(err)
	}

	c.metrics.SetPlanRemaining(p.ID.String(), p.RemainingCapacity)
	c.audit.Record(ctx, audit.Event{
		Type:   audit.EventPlanCreated,
		PlanID: &p.ID,
		Metadata: map[string]any{
			"name":           p.Name,
			"total_capacity": p.TotalCapacity,
		},
	})
	c.logger.Info("plan created", "plan_id", p.ID, "name", p.Name, "capacity", p.TotalCapacity)
	return p, nil
}

// UpdatePlan applies upd to plan id under its row lock.
func (c *Catalog) UpdatePlan(ctx context.Context, id uuid.UUID, upd PlanUpdate) (*store.Plan, error) {
	if err := upd.validate(); err != nil {
		return nil, err
	}

	var (
		updated  *store.Plan
		previous store.Plan
	)
	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPlan(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return lifecycle.NewNotFound("plan not found")
		}
		if err != nil {
			return lifecycle.Persistence(err)
		}
		previous = *p

		if upd.Name != nil {
			p.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Description != nil {
			p.Description = *upd.Description
		}
		if upd.Price != nil {
			p.Price = *upd.Price
		}
		if upd.DurationDays != nil {
			p.DurationDays = *upd.DurationDays
		}
		if upd.IsActive != nil {
			p.IsActive = *upd.IsActive
		}
		if upd.TotalCapacity != nil && *upd.TotalCapacity != p.TotalCapacity {
			if err := lifecycle.Recompute(p, *upd.TotalCapacity); err != nil {
				return err
			}
		}
		if err := tx.UpdatePlan(ctx, p); err != nil {
			return lifecycle.Persistence(err)
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, lifecycle.AsError(err)
	}

	c.metrics.SetPlanRemaining(updated.ID.String(), updated.RemainingCapacity)
	c.audit.Record(ctx, audit.Event{
		Type:   audit.EventPlanUpdated,
		PlanID: &updated.ID,
		Metadata: map[string]any{
			"previous_total_capacity":     previous.TotalCapacity,
			"previous_remaining_capacity": previous.RemainingCapacity,
			"total_capacity":              updated.TotalCapacity,
			"remaining_capacity":          updated.RemainingCapacity,
			"is_active":                   updated.IsActive,
		},
	})
	return updated, nil
}

// GetPlan returns one plan.
func (c *Catalog) GetPlan(ctx context.Context, id uuid.UUID) (*store.Plan, error) {
	p, err := c.store.Plans().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, lifecycle.NewNotFound("plan not found")
	}
	if err != nil {
		return nil, lifecycle.Persistence(err)
	}
	return p, nil
}

// ListPlans returns plans ordered by price ascending.
func (c *Catalog) ListPlans(ctx context.Context, onlyActive bool) ([]*store.Plan, error) {
	plans, err := c.store.Plans().List(ctx, store.PlanFilter{OnlyActive: onlyActive})
	if err != nil {
		return nil, lifecycle.Persistence(err)
	}
	return plans, nil
}
