package catalog

import (
	"context"
	"testing"

	"recharge_store/internal/dbtest"
	"recharge_store/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRegistryPrice(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	store := NewStore(db)
	reg := NewRegistry(store)

	on := &domain.Plan{Name: "5 GB", Price: decimal.RequireFromString("4.50"), Currency: "USD", Active: true}
	off := &domain.Plan{Name: "Legacy", Price: decimal.RequireFromString("1.00"), Currency: "USD", Active: false}
	require.NoError(t, db.Create(on).Error)
	require.NoError(t, db.Create(off).Error)

	p, err := reg.Price(ctx, db, domain.NewRef(domain.RefPlan, on.ID), decimal.RequireFromString("99"))
	require.NoError(t, err)
	assert.Equal(t, "4.50", p.Price.StringFixed(2), "catalog price wins over a caller-supplied one")
	assert.Equal(t, on.ID, p.Plan.ID)

	_, err = reg.Price(ctx, db, domain.NewRef(domain.RefPlan, off.ID), decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	_, err = reg.Price(ctx, db, domain.NewRef(domain.RefPlan, 404), decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	p, err = reg.Price(ctx, db, domain.NewRef(domain.RefWalletTopUp, 1), decimal.RequireFromString("25.005"))
	require.NoError(t, err)
	assert.Equal(t, "25.01", p.Price.StringFixed(2))
	assert.Nil(t, p.Plan)

	_, err = reg.Price(ctx, db, domain.NewRef(domain.RefWalletTopUp, 1), decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = reg.Price(ctx, db, domain.NewRef("voucher", 1), decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestRegisterCustomKind(t *testing.T) {
	reg := NewRegistry(NewStore(dbtest.New(t)))
	reg.Register("bundle", func(_ context.Context, _ *gorm.DB, id uint) (*Priced, error) {
		return &Priced{Name: "Bundle", Price: decimal.NewFromInt(int64(id))}, nil
	})

	p, err := reg.Price(context.Background(), nil, domain.NewRef("bundle", 3), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "3.00", p.Price.StringFixed(2))
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	store := NewStore(db)
	require.NoError(t, db.Create(&domain.Plan{Name: "B", Currency: "USD", Price: decimal.NewFromInt(2), Active: true}).Error)
	require.NoError(t, db.Create(&domain.Plan{Name: "A", Currency: "USD", Price: decimal.NewFromInt(1), Active: false}).Error)

	all, err := store.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].Name)

	active, err := store.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "B", active[0].Name)
}
