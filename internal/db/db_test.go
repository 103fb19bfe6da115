package db

import (
	"testing"

	"recharge_store/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialector(t *testing.T) {
	for _, driver := range []string{"mysql", "postgres", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			d, err := Dialector(&config.Config{DBDriver: driver, DBPath: ":memory:"})
			require.NoError(t, err)
			assert.Equal(t, driver, d.Name())
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := Dialector(&config.Config{DBDriver: "oracle"})
		assert.Error(t, err)
	})
}

func TestMigrateSQLite(t *testing.T) {
	db, err := Open(&config.Config{DBDriver: "sqlite", DBPath: ":memory:", IsProd: true})
	require.NoError(t, err)

	require.NoError(t, Migrate(db))
	for _, m := range Models() {
		assert.True(t, db.Migrator().HasTable(m))
	}
	assert.True(t, db.Migrator().HasIndex("wallets", "idx_wallet_owner"))
	assert.True(t, db.Migrator().HasIndex("payment_records", "idx_payment_gateway_ref"))
}
