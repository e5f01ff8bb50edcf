package repository

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quotaledger-go/internal/domain/ledger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	// In-memory SQLite. TranslateError makes unique-index violations surface
	// as gorm.ErrDuplicatedKey, same as the MySQL driver in production.
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	// A single connection serializes writers, so concurrency tests exercise
	// the guarded statements instead of SQLite's file locking.
	sqlDB.SetMaxOpenConns(1)

	err = gormDB.AutoMigrate(
		&ledger.Account{},
		&ledger.AccountStats{},
		&ledger.RequestUsage{},
		&ledger.ReferralCode{},
		&ledger.ReferralEdge{},
		&ledger.PromoCode{},
		&ledger.PromoRedemption{},
		&ledger.Plan{},
		&ledger.Subscription{},
		&ledger.Payment{},
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return gormDB
}

func createAccount(t *testing.T, tx *gorm.DB, id string, quota int64) *ledger.Account {
	repo := NewAccountRepository()
	account, created, err := repo.GetOrCreate(tx, id, ledger.Profile{Username: "u_" + id}, quota)
	require.NoError(t, err)
	require.True(t, created)
	return account
}
