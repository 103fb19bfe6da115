// Package reconcile turns verified gateway payments into completed orders exactly once.
//
// A reconciliation verifies with the gateway outside any transaction, then settles in
// one transaction: the payment record is locked FOR UPDATE and re-checked, the order is
// locked and completed, top-ups are credited under the unique ledger reference
// order:<id>:topup and reserved units are sold to the purchaser. Replays of the same
// webhook find the record completed and do nothing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"recharge_store/internal/domain"
	"recharge_store/internal/events"
	"recharge_store/internal/inventory"
	"recharge_store/internal/metrics"
	"recharge_store/internal/order"
	"recharge_store/internal/payment"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("recharge_store/reconcile")

// Outcome of one reconciliation.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeAlreadyCompleted Outcome = "already_completed"
	OutcomeUnknown          Outcome = "unknown_payment"
	OutcomeNotVerified      Outcome = "not_verified"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeDuplicate        Outcome = "duplicate_payment"
	OutcomeFailed           Outcome = "failed"
)

// Result describes what a reconciliation did.
type Result struct {
	Outcome Outcome               `json:"outcome"`
	Payment *domain.PaymentRecord `json:"payment,omitempty"`
	Order   *domain.Order         `json:"order,omitempty"`
	Reason  string                `json:"reason,omitempty"`
}

// Success reports whether the payment is applied to its order.
func (r *Result) Success() bool {
	return r.Outcome == OutcomeCompleted || r.Outcome == OutcomeAlreadyCompleted
}

// Reconciler settles verified payments.
type Reconciler struct {
	db       *gorm.DB
	payments *payment.Manager
	orders   *order.Manager
	stock    *inventory.Engine
	wallet   payment.WalletLedger
	events   events.Publisher
	log      *logrus.Entry
}

// New builds a Reconciler. A nil publisher drops events.
func New(db *gorm.DB, payments *payment.Manager, orders *order.Manager, stock *inventory.Engine, wallet payment.WalletLedger, publisher events.Publisher, logger *logrus.Entry) *Reconciler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Reconciler{
		db:       db,
		payments: payments,
		orders:   orders,
		stock:    stock,
		wallet:   wallet,
		events:   publisher,
		log:      logger.WithField("component", "reconcile"),
	}
}

// Reconcile verifies the payment identified by (gateway, reference) and, when the
// gateway confirms it, completes its order. It is safe to call any number of times.
func (r *Reconciler) Reconcile(ctx context.Context, gateway, reference string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "reconcile.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("gateway", gateway), attribute.String("reference", reference))

	res, err := r.reconcile(ctx, gateway, reference)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Reconciliations.WithLabelValues(string(OutcomeFailed)).Inc()
		return res, err
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	metrics.Reconciliations.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, gateway, reference string) (*Result, error) {
	fields := logrus.Fields{"gateway": gateway, "reference": reference}

	rec, err := r.payments.FindRecord(ctx, gateway, reference)
	if errors.Is(err, domain.ErrNotFound) {
		r.log.WithFields(fields).Warn("reconcile: unknown payment, ignored")
		return &Result{Outcome: OutcomeUnknown}, nil
	}
	if err != nil {
		return nil, err
	}
	fields["order_id"] = rec.OrderID

	o, err := r.orders.Get(ctx, rec.OrderID)
	if err != nil {
		return nil, err
	}
	if rec.Status == domain.PaymentCompleted && o.Status == domain.OrderCompleted {
		return &Result{Outcome: OutcomeAlreadyCompleted, Payment: rec, Order: o}, nil
	}

	gw, err := r.payments.SetGateway(ctx, gateway)
	if err != nil {
		return nil, err
	}
	v, err := gw.Verify(ctx, reference)
	if err != nil {
		return nil, err
	}
	if v.Verified && v.Amount.IsPositive() && v.Amount.LessThan(rec.Amount) {
		v.Verified = false
		v.Status = domain.PaymentFailed
		v.Reason = fmt.Sprintf("gateway captured %s of %s", v.Amount.StringFixed(2), rec.Amount.StringFixed(2))
	}
	if !v.Verified {
		return r.notVerified(ctx, rec, v, fields)
	}

	res, err := r.settle(ctx, rec.ID, v)
	if err != nil {
		r.failed(ctx, rec, err, fields)
		return nil, err
	}
	if res.Outcome == OutcomeCompleted {
		if res.Order.IsTopUp() {
			r.wallet.Invalidate(ctx, res.Order.Purchaser())
		}
		r.log.WithFields(fields).WithField("total", res.Order.Total.StringFixed(2)).Info("order completed")
		r.publish(ctx, events.New(events.OrderCompleted, res.Order.ID, gateway, reference, map[string]any{
			"purchaser_type": res.Order.PurchaserType,
			"purchaser_id":   res.Order.PurchaserID,
			"total":          res.Order.Total.StringFixed(2),
			"currency":       res.Order.Currency,
			"payment_id":     res.Payment.ID,
		}))
	}
	return res, nil
}

// notVerified copies the gateway's view onto a record that is not completed yet.
func (r *Reconciler) notVerified(ctx context.Context, rec *domain.PaymentRecord, v *payment.Verification, fields logrus.Fields) (*Result, error) {
	updates := map[string]any{"failure_reason": v.Reason}
	if v.Status == domain.PaymentFailed {
		updates["status"] = domain.PaymentFailed
	}
	if err := r.db.WithContext(ctx).Model(&domain.PaymentRecord{}).
		Where("id = ? AND status = ?", rec.ID, domain.PaymentPending).
		Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update payment %d: %w", rec.ID, err)
	}
	if v.Status == domain.PaymentFailed && rec.Status == domain.PaymentPending {
		rec.Status = domain.PaymentFailed
	}
	rec.FailureReason = v.Reason

	r.log.WithFields(fields).WithFields(logrus.Fields{"status": v.Status, "reason": v.Reason}).Info("payment not verified")
	return &Result{Outcome: OutcomeNotVerified, Payment: rec, Reason: v.Reason}, nil
}

// settle applies a verified payment in one transaction.
func (r *Reconciler) settle(ctx context.Context, recordID uint, v *payment.Verification) (*Result, error) {
	res := &Result{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec domain.PaymentRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, recordID).Error; err != nil {
			return fmt.Errorf("lock payment %d: %w", recordID, err)
		}
		o, err := r.orders.LockTx(ctx, tx, rec.OrderID)
		if err != nil {
			return err
		}
		res.Payment, res.Order = &rec, o

		if rec.Status == domain.PaymentCompleted && o.Status == domain.OrderCompleted {
			res.Outcome = OutcomeAlreadyCompleted
			return nil
		}
		if rec.Status == domain.PaymentRefunded {
			return fmt.Errorf("%w: payment %d was refunded", domain.ErrInvalidStateTransition, rec.ID)
		}

		now := time.Now()
		payer := datatypes.JSONMap{}
		for k, val := range rec.PayerInfo {
			payer[k] = val
		}
		for k, val := range v.PayerInfo {
			payer[k] = val
		}
		if err := tx.Model(&domain.PaymentRecord{}).Where("id = ?", rec.ID).Updates(map[string]any{
			"status":         domain.PaymentCompleted,
			"verified_at":    now,
			"payer_info":     payer,
			"failure_reason": "",
		}).Error; err != nil {
			return fmt.Errorf("complete payment %d: %w", rec.ID, err)
		}
		rec.Status, rec.VerifiedAt, rec.PayerInfo, rec.FailureReason = domain.PaymentCompleted, &now, payer, ""

		if o.Status == domain.OrderCompleted {
			// Paid twice: keep the money on record for a manual refund.
			res.Outcome = OutcomeDuplicate
			return nil
		}
		if err := r.orders.CompleteTx(ctx, tx, o); err != nil {
			return err
		}

		if o.IsTopUp() {
			ref := "order:" + strconv.FormatUint(uint64(o.ID), 10) + ":topup"
			meta := map[string]any{"order_id": o.ID, "gateway": rec.Gateway, "reference": rec.Reference()}
			if _, err := r.wallet.CreditTx(ctx, tx, o.Purchaser(), o.Total, "Wallet top-up", meta, ref); err != nil {
				return fmt.Errorf("credit top-up of order %d: %w", o.ID, err)
			}
			orderMeta := datatypes.JSONMap{}
			for k, val := range o.Metadata {
				orderMeta[k] = val
			}
			orderMeta[domain.MetaCreditedAt] = now.UTC().Format(time.RFC3339)
			if err := tx.Model(&domain.Order{}).Where("id = ?", o.ID).Update("metadata", orderMeta).Error; err != nil {
				return fmt.Errorf("mark order %d credited: %w", o.ID, err)
			}
			o.Metadata = orderMeta
		}

		ids, err := r.orders.ReservedUnitIDsTx(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if err := r.stock.SellTx(ctx, tx, ids, o.PurchaserID); err != nil {
			return fmt.Errorf("sell units of order %d: %w", o.ID, err)
		}
		res.Outcome = OutcomeCompleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeDuplicate {
		r.log.WithFields(logrus.Fields{
			"order_id":   res.Order.ID,
			"payment_id": res.Payment.ID,
			"gateway":    res.Payment.Gateway,
			"reference":  res.Payment.Reference(),
		}).Error("order already completed by another payment, refund required")
	}
	return res, nil
}

// failed reports a verified payment that could not be applied.
func (r *Reconciler) failed(ctx context.Context, rec *domain.PaymentRecord, err error, fields logrus.Fields) {
	metrics.ReconcileFailures.WithLabelValues(rec.Gateway).Inc()
	r.log.WithFields(fields).WithField("error", err.Error()).Error("reconcile failed, manual reconciliation required")
	r.publish(ctx, events.New(events.ReconcileFailed, rec.OrderID, rec.Gateway, rec.Reference(), map[string]any{
		"payment_id": rec.ID,
		"amount":     rec.Amount.StringFixed(2),
		"error":      err.Error(),
	}))
}

func (r *Reconciler) publish(ctx context.Context, e events.Event) {
	if err := r.events.Publish(ctx, e); err != nil {
		r.log.WithFields(logrus.Fields{"event_type": e.Type, "order_id": e.OrderID, "error": err.Error()}).Warn("event not published")
	}
}

// HandleWebhook normalizes a delivery, flags the matching record as having received a
// webhook and reconciles it when the event signals completion. Callers answer the
// gateway with success whatever this returns; the error is for logging.
func (r *Reconciler) HandleWebhook(ctx context.Context, gateway string, payload []byte, headers http.Header) (*Result, error) {
	ctx, span := tracer.Start(ctx, "reconcile.HandleWebhook")
	defer span.End()
	span.SetAttributes(attribute.String("gateway", gateway))

	gw, err := r.payments.SetGateway(ctx, gateway)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(gateway, "false").Inc()
		r.log.WithFields(logrus.Fields{"gateway": gateway, "error": err.Error()}).Warn("webhook for unusable gateway")
		return nil, err
	}
	wh, err := gw.ProcessWebhook(ctx, payload, headers)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(gateway, "false").Inc()
		span.RecordError(err)
		r.log.WithFields(logrus.Fields{"gateway": gateway, "error": err.Error()}).Warn("webhook rejected")
		return nil, err
	}
	metrics.WebhooksReceived.WithLabelValues(gateway, strconv.FormatBool(wh.ShouldProcess)).Inc()

	fields := logrus.Fields{"gateway": gateway, "reference": wh.Reference, "event": wh.Event}
	if wh.Reference != "" {
		if err := r.db.WithContext(ctx).Model(&domain.PaymentRecord{}).
			Where("gateway = ? AND external_reference = ?", gateway, wh.Reference).
			Update("webhook_received", true).Error; err != nil {
			r.log.WithFields(fields).WithField("error", err.Error()).Warn("webhook flag not stored")
		}
	}
	if !wh.ShouldProcess {
		r.log.WithFields(fields).Debug("webhook event ignored")
		return &Result{Outcome: OutcomeIgnored}, nil
	}
	r.log.WithFields(fields).Info("webhook received")
	return r.Reconcile(ctx, gateway, wh.Reference)
}
