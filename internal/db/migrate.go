package db

import (
	"recharge_store/internal/domain" // Importing domain models

	"github.com/sirupsen/logrus"
	"gorm.io/gorm" // GORM ORM library
)

// Models lists every table owned by the core, in dependency order
func Models() []any {
	return []any{
		&domain.Wallet{},
		&domain.WalletLedgerEntry{},
		&domain.Plan{},
		&domain.InventoryUnit{},
		&domain.Order{},
		&domain.OrderItem{},
		&domain.OrderReservation{},
		&domain.PaymentGatewayConfig{},
		&domain.PaymentRecord{},
	}
}

// Migrate performs automatic migration for the database schema
func Migrate(db *gorm.DB) error {
	// AutoMigrate will create tables, missing foreign keys, constraints, columns and indexes
	if err := db.AutoMigrate(Models()...); err != nil {
		logrus.WithError(err).Error("migration failed")
		return err
	}
	logrus.Info("Migration completed.") // Log successful migration
	return nil
}
