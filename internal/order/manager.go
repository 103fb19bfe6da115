// Package order owns the order state machine:
// pending -> processing -> completed, with cancellation from either open state.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recharge_store/internal/catalog"
	"recharge_store/internal/domain"
	"recharge_store/internal/inventory"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ItemRequest is one requested order line. UnitPrice is only read for caller-priced
// kinds such as wallet top-ups; everything else is priced by the catalog.
type ItemRequest struct {
	Item      domain.Ref      `json:"item"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Manager creates and transitions orders.
type Manager struct {
	db       *gorm.DB
	prices   *catalog.Registry
	stock    *inventory.Engine
	currency string
	log      *logrus.Entry
}

// NewManager builds a Manager.
func NewManager(db *gorm.DB, prices *catalog.Registry, stock *inventory.Engine, currency string, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{db: db, prices: prices, stock: stock, currency: currency, log: logger.WithField("component", "order")}
}

// Create prices the items, reserves coded stock for them and stores a pending order,
// all in one transaction. Any failure leaves nothing behind.
func (m *Manager) Create(ctx context.Context, purchaser domain.Ref, items []ItemRequest, description string, metadata map[string]any) (*domain.Order, error) {
	if !purchaser.Valid() {
		return nil, fmt.Errorf("%w: purchaser required", domain.ErrValidationFailed)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", domain.ErrValidationFailed)
	}

	order := &domain.Order{
		PurchaserType: purchaser.Type,
		PurchaserID:   purchaser.ID,
		Status:        domain.OrderPending,
		Currency:      m.currency,
		Description:   description,
		Metadata:      metadata,
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plans := make([]*domain.Plan, len(items))
		total := decimal.Zero
		for i, req := range items {
			if req.Quantity <= 0 {
				return fmt.Errorf("%w: item %d quantity must be positive", domain.ErrValidationFailed, i)
			}
			priced, err := m.prices.Price(ctx, tx, req.Item, req.UnitPrice)
			if err != nil {
				return err
			}
			if priced.Plan != nil && priced.Plan.Currency != m.currency {
				return fmt.Errorf("%w: plan %d is sold in %s, not %s", domain.ErrValidationFailed, priced.Plan.ID, priced.Plan.Currency, m.currency)
			}
			plans[i] = priced.Plan

			subtotal := priced.Price.Mul(decimal.NewFromInt(int64(req.Quantity)))
			total = total.Add(subtotal)
			order.Items = append(order.Items, domain.OrderItem{
				ItemType:  req.Item.Type,
				ItemID:    req.Item.ID,
				Name:      priced.Name,
				Quantity:  req.Quantity,
				UnitPrice: priced.Price,
				Subtotal:  subtotal,
			})
		}
		order.Total = total

		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for i, plan := range plans {
			if plan == nil || !plan.TrackInventory {
				continue
			}
			item := order.Items[i]
			units, err := m.stock.ReserveTx(ctx, tx, plan, item.Quantity, map[string]any{"order_id": order.ID})
			if err != nil {
				return err
			}
			links := make([]domain.OrderReservation, len(units))
			for j, u := range units {
				links[j] = domain.OrderReservation{OrderID: order.ID, OrderItemID: item.ID, InventoryUnitID: u.ID}
			}
			if err := tx.Create(&links).Error; err != nil {
				return fmt.Errorf("link reservations: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		m.log.WithFields(logrus.Fields{"purchaser": purchaser.String(), "error": err.Error()}).Warn("order rejected")
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"order_id":  order.ID,
		"purchaser": purchaser.String(),
		"total":     order.Total.StringFixed(2),
	}).Info("order created")
	return order, nil
}

// CreateTopUp builds a pending wallet top-up order for amount. Completing it credits
// the purchaser's wallet.
func (m *Manager) CreateTopUp(ctx context.Context, purchaser domain.Ref, amount decimal.Decimal) (*domain.Order, error) {
	items := []ItemRequest{{
		Item:      domain.NewRef(domain.RefWalletTopUp, purchaser.ID),
		Quantity:  1,
		UnitPrice: amount,
	}}
	return m.Create(ctx, purchaser, items, "Wallet top-up", map[string]any{domain.MetaOrderType: domain.OrderTypeWalletTopUp})
}

// Get returns an order with its items.
func (m *Manager) Get(ctx context.Context, id uint) (*domain.Order, error) {
	var o domain.Order
	err := m.db.WithContext(ctx).Preload("Items").First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("order %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", id, err)
	}
	return &o, nil
}

// ListForPurchaser returns the purchaser's orders, newest first.
func (m *Manager) ListForPurchaser(ctx context.Context, purchaser domain.Ref, page, limit int) ([]domain.Order, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}
	scope := func(q *gorm.DB) *gorm.DB {
		return q.Where("purchaser_type = ? AND purchaser_id = ?", purchaser.Type, purchaser.ID)
	}

	var total int64
	if err := m.db.WithContext(ctx).Model(&domain.Order{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}
	orders := []domain.Order{}
	if err := m.db.WithContext(ctx).Scopes(scope).Preload("Items").
		Order("created_at DESC, id DESC").Offset((page - 1) * limit).Limit(limit).
		Find(&orders).Error; err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	return orders, total, nil
}

// LockTx loads the order row FOR UPDATE inside tx.
func (m *Manager) LockTx(ctx context.Context, tx *gorm.DB, id uint) (*domain.Order, error) {
	var o domain.Order
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("order %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock order %d: %w", id, err)
	}
	return &o, nil
}

// Complete moves an open order to completed.
func (m *Manager) Complete(ctx context.Context, id uint) (*domain.Order, error) {
	var o *domain.Order
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if o, err = m.LockTx(ctx, tx, id); err != nil {
			return err
		}
		return m.CompleteTx(ctx, tx, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CompleteTx completes an order the caller has already locked in tx.
func (m *Manager) CompleteTx(ctx context.Context, tx *gorm.DB, o *domain.Order) error {
	now := time.Now()
	if err := m.move(ctx, tx, o, domain.OrderCompleted, map[string]any{"completed_at": now}); err != nil {
		return err
	}
	o.CompletedAt = &now
	return nil
}

// MarkProcessing records that payment is underway, e.g. while the payer is redirected.
func (m *Manager) MarkProcessing(ctx context.Context, id uint) (*domain.Order, error) {
	var o *domain.Order
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if o, err = m.LockTx(ctx, tx, id); err != nil {
			return err
		}
		return m.MarkProcessingTx(ctx, tx, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// MarkProcessingTx moves an order the caller has locked in tx to processing.
// An order already processing is left as is.
func (m *Manager) MarkProcessingTx(ctx context.Context, tx *gorm.DB, o *domain.Order) error {
	if o.Status == domain.OrderProcessing {
		return nil
	}
	return m.move(ctx, tx, o, domain.OrderProcessing, nil)
}

// Cancel cancels an open order and returns its reserved units to stock. An order
// whose payment is captured, or known to the gateway and not yet settled, cannot be
// cancelled: the money would be kept while the stock went back on sale.
func (m *Manager) Cancel(ctx context.Context, id uint) (*domain.Order, error) {
	var o *domain.Order
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if o, err = m.LockTx(ctx, tx, id); err != nil {
			return err
		}
		var live int64
		if err := tx.Model(&domain.PaymentRecord{}).
			Where("order_id = ? AND (status = ? OR (status = ? AND external_reference IS NOT NULL))",
				o.ID, domain.PaymentCompleted, domain.PaymentPending).
			Count(&live).Error; err != nil {
			return fmt.Errorf("payments of order %d: %w", o.ID, err)
		}
		if live > 0 {
			return fmt.Errorf("%w: order %d has a payment in progress", domain.ErrInvalidStateTransition, o.ID)
		}
		now := time.Now()
		if err := m.move(ctx, tx, o, domain.OrderCancelled, map[string]any{"cancelled_at": now}); err != nil {
			return err
		}
		o.CancelledAt = &now

		ids, err := m.ReservedUnitIDsTx(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		return m.stock.ReleaseTx(ctx, tx, ids)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CancelStale cancels open orders created before now-olderThan, releasing the stock
// they hold. Orders with a payment the gateway may still settle are skipped: a pending
// record that has a reference, or one still inside the window without one. It keeps
// going past individual failures and returns how many it cancelled.
func (m *Manager) CancelStale(ctx context.Context, olderThan time.Duration) (int, error) {
	var ids []uint
	cutoff := time.Now().Add(-olderThan)
	live := m.db.Model(&domain.PaymentRecord{}).Select("1").
		Where("payment_records.order_id = orders.id").
		Where("(payment_records.status = ? OR (payment_records.status = ? AND (payment_records.external_reference IS NOT NULL OR payment_records.created_at >= ?)))",
			domain.PaymentCompleted, domain.PaymentPending, cutoff)
	if err := m.db.WithContext(ctx).Model(&domain.Order{}).
		Where("status IN ? AND created_at < ?", []domain.OrderStatus{domain.OrderPending, domain.OrderProcessing}, cutoff).
		Where("NOT EXISTS (?)", live).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("find stale orders: %w", err)
	}

	cancelled := 0
	for _, id := range ids {
		// Re-checked under the row lock, so an order paid meanwhile is left alone.
		if _, err := m.Cancel(ctx, id); err != nil {
			m.log.WithFields(logrus.Fields{"order_id": id, "error": err.Error()}).Warn("stale order not cancelled")
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// Recalculate recomputes subtotals and the total from the captured unit prices.
func (m *Manager) Recalculate(ctx context.Context, id uint) (*domain.Order, error) {
	var o *domain.Order
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if o, err = m.LockTx(ctx, tx, id); err != nil {
			return err
		}
		if o.Status != domain.OrderPending {
			return fmt.Errorf("%w: order %d is %s, only pending orders can be recalculated", domain.ErrInvalidStateTransition, o.ID, o.Status)
		}
		if err := tx.Where("order_id = ?", o.ID).Order("id").Find(&o.Items).Error; err != nil {
			return fmt.Errorf("load items: %w", err)
		}

		total := decimal.Zero
		for i := range o.Items {
			item := &o.Items[i]
			item.Subtotal = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
			total = total.Add(item.Subtotal)
			if err := tx.Model(&domain.OrderItem{}).Where("id = ?", item.ID).Update("subtotal", item.Subtotal).Error; err != nil {
				return fmt.Errorf("update item %d: %w", item.ID, err)
			}
		}
		o.Total = total
		return tx.Model(&domain.Order{}).Where("id = ?", o.ID).Update("total", total).Error
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ReservedUnitIDs lists the inventory units the order holds.
func (m *Manager) ReservedUnitIDs(ctx context.Context, orderID uint) ([]uint, error) {
	return m.ReservedUnitIDsTx(ctx, m.db, orderID)
}

// ReservedUnitIDsTx is ReservedUnitIDs inside tx.
func (m *Manager) ReservedUnitIDsTx(ctx context.Context, tx *gorm.DB, orderID uint) ([]uint, error) {
	var ids []uint
	if err := tx.WithContext(ctx).Model(&domain.OrderReservation{}).
		Where("order_id = ?", orderID).Order("inventory_unit_id").
		Pluck("inventory_unit_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("reserved units of order %d: %w", orderID, err)
	}
	return ids, nil
}

func (m *Manager) move(ctx context.Context, tx *gorm.DB, o *domain.Order, to domain.OrderStatus, extra map[string]any) error {
	if !o.Status.CanTransitionTo(to) {
		return domain.TransitionError(fmt.Sprintf("order %d", o.ID), o.Status, to)
	}
	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	if err := tx.WithContext(ctx).Model(&domain.Order{}).Where("id = ?", o.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("move order %d to %s: %w", o.ID, to, err)
	}
	m.log.WithFields(logrus.Fields{"order_id": o.ID, "from": o.Status, "to": to}).Info("order status changed")
	o.Status = to
	return nil
}
