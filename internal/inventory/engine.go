// Package inventory moves coded stock units through
// available -> reserved -> sold under row locks, so a code is never sold twice.
package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"recharge_store/internal/domain"
	"recharge_store/internal/metrics"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Engine is the reservation engine.
type Engine struct {
	db         *gorm.DB
	skipLocked bool // lock with SKIP LOCKED so concurrent reservers pick disjoint rows
	log        *logrus.Entry
}

// NewEngine builds an Engine.
func NewEngine(db *gorm.DB, skipLocked bool, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{db: db, skipLocked: skipLocked, log: logger.WithField("component", "inventory")}
}

func (e *Engine) locking() clause.Locking {
	if e.skipLocked {
		return clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}
	}
	return clause.Locking{Strength: "UPDATE"}
}

// Reserve holds qty of the plan's oldest available units. It is all-or-nothing: when
// fewer than qty can be locked it returns ErrInsufficientStock and changes nothing.
// Plans that do not track inventory succeed without touching stock.
func (e *Engine) Reserve(ctx context.Context, plan *domain.Plan, qty int, metadata map[string]any) ([]domain.InventoryUnit, error) {
	var units []domain.InventoryUnit
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		units, err = e.ReserveTx(ctx, tx, plan, qty, metadata)
		return err
	})
	return units, err
}

// ReserveTx is Reserve inside the caller's transaction.
func (e *Engine) ReserveTx(ctx context.Context, tx *gorm.DB, plan *domain.Plan, qty int, metadata map[string]any) ([]domain.InventoryUnit, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", domain.ErrValidationFailed)
	}
	if !plan.TrackInventory {
		return nil, nil
	}
	tx = tx.WithContext(ctx)

	var units []domain.InventoryUnit
	if err := tx.Clauses(e.locking()).
		Where("plan_id = ? AND status = ?", plan.ID, domain.UnitAvailable).
		Order("created_at, id").
		Limit(qty).
		Find(&units).Error; err != nil {
		return nil, fmt.Errorf("lock stock for plan %d: %w", plan.ID, err)
	}
	if len(units) < qty {
		metrics.InventoryReservations.WithLabelValues("insufficient_stock").Inc()
		e.log.WithFields(logrus.Fields{"plan_id": plan.ID, "requested": qty, "available": len(units)}).Warn("reservation rejected")
		return nil, fmt.Errorf("%w: plan %d has %d of %d requested", domain.ErrInsufficientStock, plan.ID, len(units), qty)
	}

	ids := unitIDs(units)
	now := time.Now()
	res := tx.Model(&domain.InventoryUnit{}).
		Where("id IN ? AND status = ?", ids, domain.UnitAvailable).
		Updates(map[string]any{"status": domain.UnitReserved, "reserved_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("reserve units: %w", res.Error)
	}
	// The guard above catches rows a non-locking backend let someone else take.
	if res.RowsAffected != int64(qty) {
		metrics.InventoryReservations.WithLabelValues("insufficient_stock").Inc()
		return nil, fmt.Errorf("%w: plan %d lost %d units to a concurrent reservation", domain.ErrInsufficientStock, plan.ID, int64(qty)-res.RowsAffected)
	}

	for i := range units {
		units[i].Status = domain.UnitReserved
		units[i].ReservedAt = &now
		if len(metadata) == 0 {
			continue
		}
		merged := mergeMeta(units[i].Metadata, metadata)
		if err := tx.Model(&units[i]).Update("metadata", merged).Error; err != nil {
			return nil, fmt.Errorf("stamp unit %d: %w", units[i].ID, err)
		}
		units[i].Metadata = merged
	}

	metrics.InventoryReservations.WithLabelValues("ok").Inc()
	e.log.WithFields(logrus.Fields{"plan_id": plan.ID, "quantity": qty}).Info("units reserved")
	return units, nil
}

// Release returns reserved units to stock. Units already available are left alone.
func (e *Engine) Release(ctx context.Context, ids []uint) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.ReleaseTx(ctx, tx, ids)
	})
}

// ReleaseTx is Release inside the caller's transaction. The units' reservation links
// are dropped so they can be reserved by another order.
func (e *Engine) ReleaseTx(ctx context.Context, tx *gorm.DB, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	tx = tx.WithContext(ctx)
	units, err := lockUnits(tx, ids)
	if err != nil {
		return err
	}

	var release []uint
	for _, u := range units {
		switch {
		case u.Status == domain.UnitAvailable:
		case u.Status.CanTransitionTo(domain.UnitAvailable):
			release = append(release, u.ID)
		default:
			return domain.TransitionError(fmt.Sprintf("unit %d", u.ID), u.Status, domain.UnitAvailable)
		}
	}
	if len(release) == 0 {
		return nil
	}

	if err := tx.Model(&domain.InventoryUnit{}).
		Where("id IN ? AND status = ?", release, domain.UnitReserved).
		Updates(map[string]any{"status": domain.UnitAvailable, "reserved_at": nil}).Error; err != nil {
		return fmt.Errorf("release units: %w", err)
	}
	if err := tx.Where("inventory_unit_id IN ?", release).Delete(&domain.OrderReservation{}).Error; err != nil {
		return fmt.Errorf("drop reservations: %w", err)
	}
	e.log.WithField("units", release).Info("units released")
	return nil
}

// Sell finalizes reserved units to the buyer.
func (e *Engine) Sell(ctx context.Context, ids []uint, buyerID uint) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.SellTx(ctx, tx, ids, buyerID)
	})
}

// SellTx is Sell inside the caller's transaction. Every unit must be reserved.
func (e *Engine) SellTx(ctx context.Context, tx *gorm.DB, ids []uint, buyerID uint) error {
	if len(ids) == 0 {
		return nil
	}
	tx = tx.WithContext(ctx)
	now := time.Now()
	err := e.transition(tx, ids, domain.UnitSold, map[string]any{
		"status":  domain.UnitSold,
		"user_id": buyerID,
		"sold_at": now,
	})
	if err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{"units": ids, "buyer_id": buyerID}).Info("units sold")
	return nil
}

// MarkExpired retires available units that can no longer be sold.
func (e *Engine) MarkExpired(ctx context.Context, ids []uint) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.transition(tx, ids, domain.UnitExpired, map[string]any{"status": domain.UnitExpired})
	})
}

// MarkDamaged retires available units reported as unusable.
func (e *Engine) MarkDamaged(ctx context.Context, ids []uint) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return e.transition(tx, ids, domain.UnitDamaged, map[string]any{"status": domain.UnitDamaged})
	})
}

// transition locks ids and moves every one of them to target, or none.
func (e *Engine) transition(tx *gorm.DB, ids []uint, target domain.InventoryStatus, updates map[string]any) error {
	if len(ids) == 0 {
		return nil
	}
	units, err := lockUnits(tx, ids)
	if err != nil {
		return err
	}
	for _, u := range units {
		if !u.Status.CanTransitionTo(target) {
			return domain.TransitionError(fmt.Sprintf("unit %d", u.ID), u.Status, target)
		}
	}
	if err := tx.Model(&domain.InventoryUnit{}).Where("id IN ?", ids).Updates(updates).Error; err != nil {
		return fmt.Errorf("move units to %s: %w", target, err)
	}
	return nil
}

// ExpireOverdue flags available units whose expires_at has passed.
func (e *Engine) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res := e.db.WithContext(ctx).Model(&domain.InventoryUnit{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", domain.UnitAvailable, now).
		Update("status", domain.UnitExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("expire overdue units: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		e.log.WithField("count", res.RowsAffected).Info("expired overdue units")
	}
	return res.RowsAffected, nil
}

// StockLevels counts the plan's units per status. It reads without locks, so the
// numbers may be stale by the time they are shown.
func (e *Engine) StockLevels(ctx context.Context, planID uint) (*domain.StockLevels, error) {
	var rows []struct {
		Status domain.InventoryStatus
		Count  int64
	}
	if err := e.db.WithContext(ctx).Model(&domain.InventoryUnit{}).
		Select("status, COUNT(*) AS count").
		Where("plan_id = ?", planID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("stock levels for plan %d: %w", planID, err)
	}

	levels := &domain.StockLevels{PlanID: planID}
	for _, r := range rows {
		switch r.Status {
		case domain.UnitAvailable:
			levels.Available = r.Count
		case domain.UnitReserved:
			levels.Reserved = r.Count
		case domain.UnitSold:
			levels.Sold = r.Count
		case domain.UnitExpired:
			levels.Expired = r.Count
		case domain.UnitDamaged:
			levels.Damaged = r.Count
		}
	}
	return levels, nil
}

// AddUnits imports codes as available stock for the plan. A duplicate code fails the
// whole batch.
func (e *Engine) AddUnits(ctx context.Context, planID uint, codes []string, expiresAt *time.Time) ([]domain.InventoryUnit, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: no codes supplied", domain.ErrValidationFailed)
	}
	now := time.Now()
	units := make([]domain.InventoryUnit, 0, len(codes))
	trimmed := make([]string, 0, len(codes))
	seen := make(map[string]bool, len(codes))
	for _, raw := range codes {
		code := strings.TrimSpace(raw)
		if code == "" || seen[code] {
			return nil, fmt.Errorf("%w: empty or repeated code %q", domain.ErrValidationFailed, raw)
		}
		seen[code] = true
		trimmed = append(trimmed, code)
		units = append(units, domain.InventoryUnit{
			PlanID:      planID,
			Code:        code,
			Status:      domain.UnitAvailable,
			PurchasedAt: &now,
			ExpiresAt:   expiresAt,
		})
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var plan domain.Plan
		if err := tx.First(&plan, planID).Error; err != nil {
			return fmt.Errorf("plan %d: %w", planID, domain.ErrNotFound)
		}
		var taken []string
		if err := tx.Model(&domain.InventoryUnit{}).Where("code IN ?", trimmed).Limit(5).Pluck("code", &taken).Error; err != nil {
			return fmt.Errorf("check codes: %w", err)
		}
		if len(taken) > 0 {
			return fmt.Errorf("%w: codes already imported: %s", domain.ErrValidationFailed, strings.Join(taken, ", "))
		}
		return tx.CreateInBatches(&units, 100).Error
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"plan_id": planID, "count": len(units)}).Info("units imported")
	return units, nil
}

func lockUnits(tx *gorm.DB, ids []uint) ([]domain.InventoryUnit, error) {
	var units []domain.InventoryUnit
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id IN ?", ids).Order("id").Find(&units).Error; err != nil {
		return nil, fmt.Errorf("lock units: %w", err)
	}
	if len(units) != len(uniq(ids)) {
		return nil, fmt.Errorf("units %v: %w", ids, domain.ErrNotFound)
	}
	return units, nil
}

func unitIDs(units []domain.InventoryUnit) []uint {
	ids := make([]uint, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	return ids
}

func uniq(ids []uint) map[uint]struct{} {
	m := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func mergeMeta(base datatypes.JSONMap, extra map[string]any) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
