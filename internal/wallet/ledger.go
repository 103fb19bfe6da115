// Package wallet implements the per-owner balance ledger. Every mutation locks the
// owner's wallet row, applies the delta and appends a ledger entry in one transaction.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"recharge_store/internal/domain"
	"recharge_store/internal/metrics"
	"recharge_store/internal/utils"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var resultLabels = map[error]string{
	domain.ErrInsufficientFunds: "insufficient_funds",
	domain.ErrInvalidAmount:     "invalid_amount",
}

// Ledger is the wallet balance store.
type Ledger struct {
	db       *gorm.DB
	rdb      *redis.Client
	cacheTTL time.Duration
	currency string
	log      *logrus.Entry

	// staleWindow is how long after an invalidation the balance key is deleted again,
	// covering a reader that loaded the old row before the write committed.
	staleWindow time.Duration
}

// NewLedger builds a Ledger. rdb may be nil to disable the balance cache.
func NewLedger(db *gorm.DB, rdb *redis.Client, cacheTTL time.Duration, currency string, logger *logrus.Entry) *Ledger {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ledger{
		db:       db,
		rdb:      rdb,
		cacheTTL: cacheTTL,
		currency: currency,
		log:      logger.WithField("component", "wallet"),

		staleWindow: time.Second,
	}
}

func balanceKey(owner domain.Ref) string {
	return "wallet:balance:" + owner.Type + ":" + strconv.FormatUint(uint64(owner.ID), 10)
}

func historyPrefix(owner domain.Ref) string {
	return "ledger:" + owner.Type + ":" + strconv.FormatUint(uint64(owner.ID), 10) + ":"
}

// GetBalance returns the owner's balance, zero if the owner has no wallet yet.
func (l *Ledger) GetBalance(ctx context.Context, owner domain.Ref) (decimal.Decimal, error) {
	var cached decimal.Decimal
	if found, err := utils.GetCache(ctx, l.rdb, balanceKey(owner), &cached); err == nil && found {
		return cached, nil
	}

	var w domain.Wallet
	err := l.db.WithContext(ctx).Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).First(&w).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return decimal.Zero, nil
	case err != nil:
		return decimal.Zero, fmt.Errorf("load wallet %s: %w", owner, err)
	}
	_ = utils.SetCache(ctx, l.rdb, balanceKey(owner), w.Balance, l.cacheTTL)
	return w.Balance, nil
}

// GetWallet returns the owner's wallet row.
func (l *Ledger) GetWallet(ctx context.Context, owner domain.Ref) (*domain.Wallet, error) {
	var w domain.Wallet
	err := l.db.WithContext(ctx).Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("wallet %s: %w", owner, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet %s: %w", owner, err)
	}
	return &w, nil
}

// Credit adds amount to the owner's balance.
func (l *Ledger) Credit(ctx context.Context, owner domain.Ref, amount decimal.Decimal, description string, metadata map[string]any) (*domain.WalletLedgerEntry, error) {
	var entry *domain.WalletLedgerEntry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = l.CreditTx(ctx, tx, owner, amount, description, metadata, "")
		return err
	})
	l.record("credit", owner, amount, err)
	if err != nil {
		return nil, err
	}
	l.Invalidate(ctx, owner)
	return entry, nil
}

// Debit removes amount from the owner's balance. It fails with ErrInsufficientFunds
// rather than letting the balance go negative.
func (l *Ledger) Debit(ctx context.Context, owner domain.Ref, amount decimal.Decimal, description string, metadata map[string]any) (*domain.WalletLedgerEntry, error) {
	var entry *domain.WalletLedgerEntry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = l.DebitTx(ctx, tx, owner, amount, description, metadata, "")
		return err
	})
	l.record("debit", owner, amount, err)
	if err != nil {
		return nil, err
	}
	l.Invalidate(ctx, owner)
	return entry, nil
}

// Transfer moves amount between two owners atomically. An insufficient balance is
// reported as (false, nil) so callers can branch on it; nothing is written in that case.
func (l *Ledger) Transfer(ctx context.Context, from, to domain.Ref, amount decimal.Decimal, description string, metadata map[string]any) (bool, error) {
	if !amount.IsPositive() {
		return false, domain.ErrInvalidAmount
	}
	if from == to {
		return false, fmt.Errorf("%w: cannot transfer to the same wallet", domain.ErrValidationFailed)
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock both rows up front in a stable order so opposite transfers cannot deadlock.
		first, second := from, to
		if second.Less(first) {
			first, second = second, first
		}
		if _, err := l.lockWallet(tx, first); err != nil {
			return err
		}
		if _, err := l.lockWallet(tx, second); err != nil {
			return err
		}
		if _, err := l.DebitTx(ctx, tx, from, amount, description, withCounterparty(metadata, to), ""); err != nil {
			return err
		}
		_, err := l.CreditTx(ctx, tx, to, amount, description, withCounterparty(metadata, from), "")
		return err
	})
	l.record("transfer", from, amount, err)
	if errors.Is(err, domain.ErrInsufficientFunds) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	l.Invalidate(ctx, from, to)
	return true, nil
}

// CreditTx credits inside the caller's transaction. reference, when set, is stored as
// a unique idempotency key: a second posting with the same reference fails.
// The caller must call Invalidate after commit.
func (l *Ledger) CreditTx(ctx context.Context, tx *gorm.DB, owner domain.Ref, amount decimal.Decimal, description string, metadata map[string]any, reference string) (*domain.WalletLedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	return l.post(ctx, tx, owner, amount, description, metadata, reference)
}

// DebitTx debits inside the caller's transaction. The caller must call Invalidate after commit.
func (l *Ledger) DebitTx(ctx context.Context, tx *gorm.DB, owner domain.Ref, amount decimal.Decimal, description string, metadata map[string]any, reference string) (*domain.WalletLedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	return l.post(ctx, tx, owner, amount.Neg(), description, metadata, reference)
}

func (l *Ledger) post(ctx context.Context, tx *gorm.DB, owner domain.Ref, delta decimal.Decimal, description string, metadata map[string]any, reference string) (*domain.WalletLedgerEntry, error) {
	if !owner.Valid() {
		return nil, fmt.Errorf("%w: wallet owner required", domain.ErrValidationFailed)
	}
	tx = tx.WithContext(ctx)
	w, err := l.lockWallet(tx, owner)
	if err != nil {
		return nil, err
	}

	balance := w.Balance.Add(delta)
	if balance.IsNegative() {
		return nil, fmt.Errorf("%w: wallet %s holds %s, needs %s", domain.ErrInsufficientFunds, owner, w.Balance.StringFixed(2), delta.Neg().StringFixed(2))
	}
	if err := tx.Model(&domain.Wallet{}).Where("id = ?", w.ID).Update("balance", balance).Error; err != nil {
		return nil, fmt.Errorf("update wallet %s: %w", owner, err)
	}

	entry := &domain.WalletLedgerEntry{
		WalletID:     w.ID,
		OwnerType:    owner.Type,
		OwnerID:      owner.ID,
		Delta:        delta,
		BalanceAfter: balance,
		Description:  description,
		Metadata:     metadata,
	}
	if reference != "" {
		entry.Reference = &reference
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("append ledger entry for %s: %w", owner, err)
	}
	return entry, nil
}

// lockWallet returns the owner's wallet row locked FOR UPDATE, creating it on first use.
func (l *Ledger) lockWallet(tx *gorm.DB, owner domain.Ref) (*domain.Wallet, error) {
	var w domain.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
		First(&w).Error
	if err == nil {
		return &w, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lock wallet %s: %w", owner, err)
	}

	// Two first-time writers may race here; the unique owner index lets one insert win.
	fresh := domain.Wallet{OwnerType: owner.Type, OwnerID: owner.ID, Balance: decimal.Zero, Currency: l.currency}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh).Error; err != nil {
		return nil, fmt.Errorf("create wallet %s: %w", owner, err)
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
		First(&w).Error; err != nil {
		return nil, fmt.Errorf("lock wallet %s: %w", owner, err)
	}
	return &w, nil
}

// Invalidate drops cached balances and history pages for the owners.
func (l *Ledger) Invalidate(ctx context.Context, owners ...domain.Ref) {
	for _, owner := range owners {
		if err := utils.DeleteCache(ctx, l.rdb, balanceKey(owner)); err != nil {
			l.log.WithFields(logrus.Fields{"owner": owner.String(), "error": err.Error()}).Warn("balance cache invalidation failed")
		}
		_ = utils.DeleteCachePrefix(ctx, l.rdb, historyPrefix(owner))
	}
	if l.rdb == nil || len(owners) == 0 {
		return
	}
	keys := make([]string, len(owners))
	for i, owner := range owners {
		keys[i] = balanceKey(owner)
	}
	bg := context.WithoutCancel(ctx)
	time.AfterFunc(l.staleWindow, func() {
		for _, key := range keys {
			if err := utils.DeleteCache(bg, l.rdb, key); err != nil {
				l.log.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("delayed balance cache invalidation failed")
			}
		}
	})
}

func (l *Ledger) record(op string, owner domain.Ref, amount decimal.Decimal, err error) {
	metrics.WalletOperations.WithLabelValues(op, metrics.Result(err, resultLabels)).Inc()
	fields := logrus.Fields{
		"operation":  op,
		"owner_type": owner.Type,
		"owner_id":   owner.ID,
		"amount":     amount.StringFixed(2),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.log.WithFields(fields).Warn("wallet operation rejected")
		return
	}
	l.log.WithFields(fields).Info("wallet operation")
}

func withCounterparty(metadata map[string]any, other domain.Ref) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["counterparty"] = other.String()
	return out
}
