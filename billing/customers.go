package billing

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/GoCodeAlone/subscriptions/lifecycle"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/google/uuid"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail trims and lower-cases an email address and checks its
// shape.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", lifecycle.NewInvalidInput("email is required")
	}
	if !emailPattern.MatchString(email) {
		return "", lifecycle.NewInvalidInput("invalid email format")
	}
	return email, nil
}

// Customers manages purchasers and their link to authenticated users.
type Customers struct {
	store  store.Store
	logger *slog.Logger
}

// NewCustomers creates a Customers service.
func NewCustomers(st store.Store, logger *slog.Logger) *Customers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Customers{store: st, logger: logger}
}

// Create stores a customer. Emails are unique ignoring case.
func (c *Customers) Create(ctx context.Context, email, name string) (*store.Customer, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, lifecycle.NewInvalidInput("name is required")
	}
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}

	cust := &store.Customer{Email: email, Name: name}
	if err := c.store.Customers().Create(ctx, cust); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, lifecycle.NewAlreadyExists("email already exists")
		}
		return nil, lifecycle.Persistence(err)
	}
	c.logger.Info("customer created", "customer_id", cust.ID)
	return cust, nil
}

// Get returns one customer.
func (c *Customers) Get(ctx context.Context, id uuid.UUID) (*store.Customer, error) {
	cust, err := c.store.Customers().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, lifecycle.ErrCustomerNotFound
	}
	if err != nil {
		return nil, lifecycle.Persistence(err)
	}
	return cust, nil
}

// GetByUser returns the customer linked to userID.
func (c *Customers) GetByUser(ctx context.Context, userID uuid.UUID) (*store.Customer, error) {
	cust, err := c.store.Customers().GetByUserID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, lifecycle.ErrCustomerNotFound
	}
	if err != nil {
		return nil, lifecycle.Persistence(err)
	}
	return cust, nil
}

// List returns every customer with every subscription they have held.
func (c *Customers) List(ctx context.Context) ([]*store.CustomerWithSubscriptions, error) {
	customers, err := c.store.Customers().List(ctx)
	if err != nil {
		return nil, lifecycle.Persistence(err)
	}
	views, err := c.store.Subscriptions().List(ctx, store.SubscriptionFilter{})
	if err != nil {
		return nil, lifecycle.Persistence(err)
	}

	byCustomer := make(map[uuid.UUID][]*store.SubscriptionView, len(customers))
	for _, v := range views {
		byCustomer[v.CustomerID] = append(byCustomer[v.CustomerID], v)
	}
	result := make([]*store.CustomerWithSubscriptions, 0, len(customers))
	for _, cust := range customers {
		subs := byCustomer[cust.ID]
		if subs == nil {
			subs = []*store.SubscriptionView{}
		}
		result = append(result, &store.CustomerWithSubscriptions{Customer: *cust, Subscriptions: subs})
	}
	return result, nil
}

// LinkUser attaches userID to a customer identified by id, or by email when
// id is uuid.Nil.
func (c *Customers) LinkUser(ctx context.Context, id uuid.UUID, email string, userID uuid.UUID) (*store.Customer, error) {
	var (
		cust *store.Customer
		err  error
	)
	switch {
	case id != uuid.Nil:
		cust, err = c.Get(ctx, id)
	case email != "":
		if email, err = NormalizeEmail(email); err != nil {
			return nil, err
		}
		cust, err = c.store.Customers().GetByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			err = lifecycle.ErrCustomerNotFound
		}
	default:
		return nil, lifecycle.NewInvalidInput("customer_id or email is required")
	}
	if err != nil {
		return nil, lifecycle.AsError(err)
	}
	if cust.UserID != nil && *cust.UserID == userID {
		return cust, nil
	}

	if err := c.store.Customers().LinkUser(ctx, cust.ID, userID); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrDuplicate) {
			return nil, lifecycle.NewAlreadyExists("customer or user already linked")
		}
		return nil, lifecycle.Persistence(err)
	}
	cust.UserID = &userID
	c.logger.Info("customer linked to user", "customer_id", cust.ID, "user_id", userID)
	return cust, nil
}
