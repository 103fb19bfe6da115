// Package catalog resolves order line items to a name and a unit price. Plans are
// owned by the catalog admin and only read here.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"recharge_store/internal/domain"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Priced is a line item resolved at order creation.
type Priced struct {
	Name  string
	Price decimal.Decimal
	Plan  *domain.Plan // set when the item may be backed by coded stock
}

// PriceFunc resolves an item of one kind. tx is the order's transaction.
type PriceFunc func(ctx context.Context, tx *gorm.DB, id uint) (*Priced, error)

// Registry maps item kinds to their price resolvers.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]PriceFunc
	open  map[string]string // kinds priced by the caller, e.g. wallet top-ups
}

// NewRegistry returns a registry that knows plans and wallet top-ups.
func NewRegistry(plans *Store) *Registry {
	r := &Registry{kinds: map[string]PriceFunc{}, open: map[string]string{}}
	r.Register(domain.RefPlan, plans.Price)
	r.RegisterOpen(domain.RefWalletTopUp, "Wallet top-up")
	return r
}

// Register adds or replaces the resolver for kind.
func (r *Registry) Register(kind string, fn PriceFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = fn
	delete(r.open, kind)
}

// RegisterOpen marks kind as caller-priced.
func (r *Registry) RegisterOpen(kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[kind] = name
	delete(r.kinds, kind)
}

// Price resolves item. requested is only honoured for caller-priced kinds and must be
// positive there.
func (r *Registry) Price(ctx context.Context, tx *gorm.DB, item domain.Ref, requested decimal.Decimal) (*Priced, error) {
	r.mu.RLock()
	fn, priced := r.kinds[item.Type]
	name, open := r.open[item.Type]
	r.mu.RUnlock()

	switch {
	case open:
		if !requested.IsPositive() {
			return nil, fmt.Errorf("%w: %s needs a positive amount", domain.ErrInvalidAmount, item.Type)
		}
		return &Priced{Name: name, Price: requested.Round(2)}, nil
	case priced:
		return fn(ctx, tx, item.ID)
	default:
		return nil, fmt.Errorf("%w: unknown item kind %q", domain.ErrValidationFailed, item.Type)
	}
}

// Store reads plans.
type Store struct {
	db *gorm.DB
}

// NewStore builds a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get returns a plan by id.
func (s *Store) Get(ctx context.Context, id uint) (*domain.Plan, error) {
	return getPlan(s.db.WithContext(ctx), id)
}

// List returns plans ordered by name, optionally only the active ones.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]domain.Plan, error) {
	q := s.db.WithContext(ctx).Order("name")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	plans := []domain.Plan{}
	if err := q.Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

// Price is the PriceFunc for plans. Inactive plans cannot be ordered.
func (s *Store) Price(ctx context.Context, tx *gorm.DB, id uint) (*Priced, error) {
	plan, err := getPlan(tx.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, fmt.Errorf("%w: plan %d is not on sale", domain.ErrValidationFailed, id)
	}
	return &Priced{Name: plan.Name, Price: plan.Price, Plan: plan}, nil
}

func getPlan(db *gorm.DB, id uint) (*domain.Plan, error) {
	var plan domain.Plan
	err := db.First(&plan, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("plan %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %d: %w", id, err)
	}
	return &plan, nil
}
