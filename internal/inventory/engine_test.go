package inventory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"recharge_store/internal/dbtest"
	"recharge_store/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func seedPlan(t *testing.T, db *gorm.DB, tracked bool, codes ...string) (*Engine, *domain.Plan) {
	t.Helper()
	plan := &domain.Plan{Name: "10 GB", Price: decimal.RequireFromString("9.99"), Currency: "USD", TrackInventory: tracked, Active: true}
	require.NoError(t, db.Create(plan).Error)
	e := NewEngine(db, false, nil)
	if len(codes) > 0 {
		_, err := e.AddUnits(context.Background(), plan.ID, codes, nil)
		require.NoError(t, err)
	}
	return e, plan
}

func statuses(t *testing.T, db *gorm.DB, planID uint) map[string]domain.InventoryStatus {
	t.Helper()
	var units []domain.InventoryUnit
	require.NoError(t, db.Where("plan_id = ?", planID).Find(&units).Error)
	out := make(map[string]domain.InventoryStatus, len(units))
	for _, u := range units {
		out[u.Code] = u.Status
	}
	return out
}

func TestReserveIsAllOrNothing(t *testing.T) {
	db := dbtest.New(t)
	e, plan := seedPlan(t, db, true, "A", "B", "C")

	_, err := e.Reserve(context.Background(), plan, 5, nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	for code, st := range statuses(t, db, plan.ID) {
		assert.Equal(t, domain.UnitAvailable, st, code)
	}
}

func TestReserveTakesOldestFirst(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	e, plan := seedPlan(t, db, true, "A", "B", "C")

	units, err := e.Reserve(ctx, plan, 2, map[string]any{"order_id": 4})
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "A", units[0].Code)
	assert.Equal(t, "B", units[1].Code)

	var stored domain.InventoryUnit
	require.NoError(t, db.First(&stored, units[0].ID).Error)
	assert.Equal(t, domain.UnitReserved, stored.Status)
	assert.NotNil(t, stored.ReservedAt)
	assert.EqualValues(t, 4, stored.Metadata["order_id"])
	assert.Nil(t, stored.UserID)
}

func TestConcurrentReserveNeverOversells(t *testing.T) {
	db := dbtest.New(t)
	e, plan := seedPlan(t, db, true, "ONLY")

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Reserve(context.Background(), plan, 1, nil)
			if err == nil {
				won.Add(1)
				return
			}
			assert.ErrorIs(t, err, domain.ErrInsufficientStock)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

func TestReserveSellRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	e, plan := seedPlan(t, db, true, "A", "B")

	units, err := e.Reserve(ctx, plan, 2, nil)
	require.NoError(t, err)
	ids := unitIDs(units)

	require.NoError(t, e.Sell(ctx, ids, 42))

	var sold []domain.InventoryUnit
	require.NoError(t, db.Where("id IN ?", ids).Find(&sold).Error)
	for _, u := range sold {
		assert.Equal(t, domain.UnitSold, u.Status)
		require.NotNil(t, u.UserID)
		assert.Equal(t, uint(42), *u.UserID)
		assert.NotNil(t, u.SoldAt)
	}

	// sold is terminal
	assert.ErrorIs(t, e.Sell(ctx, ids, 43), domain.ErrInvalidStateTransition)
	assert.ErrorIs(t, e.Release(ctx, ids), domain.ErrInvalidStateTransition)

	levels, err := e.StockLevels(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), levels.Sold)
	assert.Equal(t, int64(0), levels.Available)
}

func TestSellRequiresReservation(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	e, plan := seedPlan(t, db, true, "A", "B")

	units, err := e.Reserve(ctx, plan, 1, nil)
	require.NoError(t, err)

	var other domain.InventoryUnit
	require.NoError(t, db.Where("code = ?", "B").First(&other).Error)

	err = e.Sell(ctx, []uint{units[0].ID, other.ID}, 7)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	assert.Equal(t, domain.UnitReserved, statuses(t, db, plan.ID)["A"])

	assert.ErrorIs(t, e.Sell(ctx, []uint{9999}, 7), domain.ErrNotFound)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	e, plan := seedPlan(t, db, true, "A")

	units, err := e.Reserve(ctx, plan, 1, nil)
	require.NoError(t, err)
	require.NoError(t, db.Create(&domain.OrderReservation{OrderID: 1, OrderItemID: 1, InventoryUnitID: units[0].ID}).Error)

	require.NoError(t, e.Release(ctx, unitIDs(units)))
	require.NoError(t, e.Release(ctx, unitIDs(units)))
	assert.Equal(t, domain.UnitAvailable, statuses(t, db, plan.ID)["A"])

	var links int64
	require.NoError(t, db.Model(&domain.OrderReservation{}).Count(&links).Error)
	assert.Zero(t, links)

	// back in stock
	_, err = e.Reserve(ctx, plan, 1, nil)
	assert.NoError(t, err)
}

func TestUntrackedPlanIsNoop(t *testing.T) {
	db := dbtest.New(t)
	e, plan := seedPlan(t, db, false)

	units, err := e.Reserve(context.Background(), plan, 50, nil)
	assert.NoError(t, err)
	assert.Empty(t, units)
	assert.NoError(t, e.Sell(context.Background(), nil, 1))
}

func TestAdministrativeTransitions(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	e, plan := seedPlan(t, db, true, "A", "B", "C")

	var a, b domain.InventoryUnit
	require.NoError(t, db.Where("code = ?", "A").First(&a).Error)
	require.NoError(t, db.Where("code = ?", "B").First(&b).Error)

	require.NoError(t, e.MarkExpired(ctx, []uint{a.ID}))
	require.NoError(t, e.MarkDamaged(ctx, []uint{b.ID}))
	assert.ErrorIs(t, e.MarkDamaged(ctx, []uint{a.ID}), domain.ErrInvalidStateTransition)

	levels, err := e.StockLevels(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StockLevels{PlanID: plan.ID, Available: 1, Expired: 1, Damaged: 1}, *levels)
}

func TestExpireOverdue(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	e, plan := seedPlan(t, db, true, "LIVE")

	past := time.Now().UTC().Add(-time.Hour)
	_, err := e.AddUnits(ctx, plan.ID, []string{"OLD1", "OLD2"}, &past)
	require.NoError(t, err)

	n, err := e.ExpireOverdue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	st := statuses(t, db, plan.ID)
	assert.Equal(t, domain.UnitExpired, st["OLD1"])
	assert.Equal(t, domain.UnitAvailable, st["LIVE"])
}

func TestAddUnitsRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	e, plan := seedPlan(t, db, true, "A")

	_, err := e.AddUnits(ctx, plan.ID, []string{"X", "X"}, nil)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	_, err = e.AddUnits(ctx, plan.ID, []string{"B", "A"}, nil)
	assert.Error(t, err)
	_, found := statuses(t, db, plan.ID)["B"]
	assert.False(t, found)

	_, err = e.AddUnits(ctx, 999, []string{"Z"}, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAddUnitsTrimsBeforeDuplicateCheck(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	e, plan := seedPlan(t, db, true, "ABC")

	_, err := e.AddUnits(ctx, plan.ID, []string{" ABC", "D "}, nil)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
	assert.Contains(t, err.Error(), "ABC")
	_, found := statuses(t, db, plan.ID)["D"]
	assert.False(t, found)

	units, err := e.AddUnits(ctx, plan.ID, []string{" D "}, nil)
	require.NoError(t, err)
	assert.Equal(t, "D", units[0].Code)
}

func newMockEngine(t *testing.T, skipLocked bool) (*Engine, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return NewEngine(gdb, skipLocked, nil), mock
}

func TestReserveLocksRowsOnMySQL(t *testing.T) {
	for _, skip := range []bool{false, true} {
		t.Run(fmt.Sprintf("skip_locked=%v", skip), func(t *testing.T) {
			e, mock := newMockEngine(t, skip)
			lock := "FOR UPDATE$"
			if skip {
				lock = "FOR UPDATE SKIP LOCKED$"
			}

			mock.ExpectBegin()
			mock.ExpectQuery("SELECT \\* FROM `inventory_units` WHERE plan_id = \\? AND status = \\? ORDER BY created_at, id LIMIT \\S+ " + lock).
				WillReturnRows(sqlmock.NewRows([]string{"id", "plan_id", "code", "status"}).
					AddRow(1, 3, "A", "available").
					AddRow(2, 3, "B", "available"))
			mock.ExpectExec("UPDATE `inventory_units` SET .* WHERE id IN \\(\\?,\\?\\) AND status = \\?").
				WillReturnResult(sqlmock.NewResult(0, 2))
			mock.ExpectCommit()

			units, err := e.Reserve(context.Background(), &domain.Plan{ID: 3, TrackInventory: true}, 2, nil)
			require.NoError(t, err)
			assert.Len(t, units, 2)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestReserveRollsBackOnLostRows(t *testing.T) {
	e, mock := newMockEngine(t, false)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `inventory_units` .* FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(1, "available").AddRow(2, "available"))
	mock.ExpectExec("UPDATE `inventory_units`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	_, err := e.Reserve(context.Background(), &domain.Plan{ID: 3, TrackInventory: true}, 2, nil)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.NoError(t, mock.ExpectationsWereMet())
}
