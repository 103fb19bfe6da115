package wallet

import (
	"context"
	"fmt"

	"recharge_store/internal/domain"
	"recharge_store/internal/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Page is one page of ledger entries, newest first.
type Page struct {
	Entries []domain.WalletLedgerEntry `json:"entries"`
	Page    int                        `json:"page"`
	Limit   int                        `json:"limit"`
	Total   int64                      `json:"total"`
}

// EntryFilter narrows an admin ledger listing. Zero fields are ignored.
type EntryFilter struct {
	OwnerType string
	OwnerID   uint
	Page      int
	Limit     int
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}
	return page, limit
}

// History returns the owner's ledger entries. Pages are cached until the next
// mutation of the owner's wallet.
func (l *Ledger) History(ctx context.Context, owner domain.Ref, page, limit int) (*Page, error) {
	page, limit = normalizePage(page, limit)
	key := fmt.Sprintf("%spage:%d:limit:%d", historyPrefix(owner), page, limit)

	var cached Page
	if found, err := utils.GetCache(ctx, l.rdb, key, &cached); err == nil && found {
		return &cached, nil
	}

	out, err := l.ListEntries(ctx, EntryFilter{OwnerType: owner.Type, OwnerID: owner.ID, Page: page, Limit: limit})
	if err != nil {
		return nil, err
	}
	if err := utils.SetCache(ctx, l.rdb, key, out, l.cacheTTL); err != nil {
		l.log.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("history cache write failed")
	}
	return out, nil
}

// ListEntries pages through the ledger across all owners. Not cached.
func (l *Ledger) ListEntries(ctx context.Context, f EntryFilter) (*Page, error) {
	page, limit := normalizePage(f.Page, f.Limit)

	scope := func(q *gorm.DB) *gorm.DB {
		if f.OwnerType != "" {
			q = q.Where("owner_type = ?", f.OwnerType)
		}
		if f.OwnerID != 0 {
			q = q.Where("owner_id = ?", f.OwnerID)
		}
		return q
	}

	out := &Page{Page: page, Limit: limit, Entries: []domain.WalletLedgerEntry{}}
	if err := l.db.WithContext(ctx).Model(&domain.WalletLedgerEntry{}).Scopes(scope).Count(&out.Total).Error; err != nil {
		return nil, fmt.Errorf("count ledger entries: %w", err)
	}
	if err := l.db.WithContext(ctx).Scopes(scope).Order("created_at DESC, id DESC").Offset((page - 1) * limit).Limit(limit).Find(&out.Entries).Error; err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return out, nil
}
