package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a catalog entity does not exist.
var ErrNotFound = errors.New("catalog: not found")

type CodeRepository interface {
	Upsert(ctx context.Context, c *BillingCode) error
	GetByCode(ctx context.Context, code string) (*BillingCode, error)
	List(ctx context.Context, query string, limit, offset int) ([]*BillingCode, int, error)
	ListAll(ctx context.Context) ([]*BillingCode, error)
	Delete(ctx context.Context, code string) error
}

type ContextRepository interface {
	Upsert(ctx context.Context, e *ContextElement) error
	GetByName(ctx context.Context, name string) (*ContextElement, error)
	ListAll(ctx context.Context) ([]*ContextElement, error)
	Delete(ctx context.Context, name string) error
}

type EstablishmentRepository interface {
	Upsert(ctx context.Context, e *Establishment) error
	GetByName(ctx context.Context, name string) (*Establishment, error)
	ListAll(ctx context.Context) ([]*Establishment, error)
	Delete(ctx context.Context, name string) error
}

type RuleRepository interface {
	Create(ctx context.Context, r *Rule) error
	GetByID(ctx context.Context, id uuid.UUID) (*Rule, error)
	Update(ctx context.Context, r *Rule) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Rule, int, error)
	ListEnabled(ctx context.Context) ([]*Rule, error)
}
