package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quotaledger-go/pkg/logger"
)

type testRow struct {
	ID    string `gorm:"primaryKey"`
	Value int64
}

func setupDB(t *testing.T) *DB {
	db, err := NewWithDialector(sqlite.Open(":memory:"), Config{MaxOpenConns: 1}, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.Migrate(&testRow{}))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestIsConnectivityError(t *testing.T) {
	assert.False(t, IsConnectivityError(nil))
	assert.False(t, IsConnectivityError(errors.New("duplicate key")))
	assert.False(t, IsConnectivityError(gorm.ErrRecordNotFound))

	assert.True(t, IsConnectivityError(driver.ErrBadConn))
	assert.True(t, IsConnectivityError(context.DeadlineExceeded))
	assert.True(t, IsConnectivityError(&ConnectivityError{Err: errors.New("gone")}))
	assert.True(t, IsConnectivityError(&net.OpError{Op: "dial", Err: errors.New("refused")}))

	// Wrapped errors are still recognized.
	wrapped := errors.Join(errors.New("query failed"), driver.ErrBadConn)
	assert.True(t, IsConnectivityError(wrapped))
}

func TestWithConnection_CommitsOnSuccess(t *testing.T) {
	db := setupDB(t)

	err := db.WithConnection(context.Background(), func(tx *gorm.DB) error {
		return tx.Create(&testRow{ID: "a", Value: 1}).Error
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&testRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestWithConnection_RollsBackOnError(t *testing.T) {
	db := setupDB(t)
	sentinel := errors.New("business rule failed")

	err := db.WithConnection(context.Background(), func(tx *gorm.DB) error {
		if err := tx.Create(&testRow{ID: "a", Value: 1}).Error; err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	// The write inside the failed transaction never landed.
	var count int64
	require.NoError(t, db.Model(&testRow{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestWithConnection_BusinessErrorIsNotConnectivity(t *testing.T) {
	db := setupDB(t)

	err := db.WithConnection(context.Background(), func(tx *gorm.DB) error {
		// Duplicate primary key is a business failure.
		if err := tx.Create(&testRow{ID: "a"}).Error; err != nil {
			return err
		}
		return tx.Create(&testRow{ID: "a"}).Error
	})
	require.Error(t, err)
	assert.False(t, IsConnectivityError(err))
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestWithConnection_RepeatedBusinessErrorsDoNotTripBreaker(t *testing.T) {
	db := setupDB(t)
	sentinel := errors.New("rejected")

	// Far more failures than the breaker threshold; all of them business.
	for i := 0; i < 20; i++ {
		err := db.WithConnection(context.Background(), func(tx *gorm.DB) error {
			return sentinel
		})
		assert.ErrorIs(t, err, sentinel)
	}

	// The store is still usable.
	err := db.WithConnection(context.Background(), func(tx *gorm.DB) error {
		return tx.Create(&testRow{ID: "ok"}).Error
	})
	assert.NoError(t, err)
}

func TestWithConnection_HonorsContext(t *testing.T) {
	db := setupDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.WithConnection(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testRow{ID: "a"}).Error
	})
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	db := setupDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, db.Ping(ctx))
}
