package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quotaledger-go/pkg/logger"
	"github.com/quotaledger-go/pkg/metrics"
	"github.com/quotaledger-go/pkg/resilience"
)

// ConnectivityError marks failures of the store itself, as opposed to
// business failures. Callers surface it as "temporarily unavailable".
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("database unavailable: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivityError reports whether err is caused by a lost or unusable
// connection rather than by the statement itself.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, gomysql.ErrInvalidConn) ||
		errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

type DB struct {
	*gorm.DB

	logger           logger.Logger
	breaker          *resilience.CircuitBreaker
	statementTimeout time.Duration
}

type Config struct {
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	Charset          string
	MaxOpenConns     int
	MaxIdleConns     int
	StatementTimeout int // milliseconds
}

func (c Config) dsn() string {
	charset := c.Charset
	if charset == "" {
		charset = "utf8mb4"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name, charset)
}

// New opens a pooled MySQL connection and verifies it with a ping.
func New(cfg Config, log logger.Logger) (*DB, error) {
	return open(mysql.Open(cfg.dsn()), cfg, log)
}

// NewWithDialector opens the store over an explicit gorm dialector.
// Tests use this with an in-memory SQLite database.
func NewWithDialector(dialector gorm.Dialector, cfg Config, log logger.Logger) (*DB, error) {
	return open(dialector, cfg, log)
}

func open(dialector gorm.Dialector, cfg Config, log logger.Logger) (*DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		// Constraint violations surface as gorm.ErrDuplicatedKey on every
		// driver, so repositories can lean on unique indexes.
		TranslateError: true,
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, &ConnectivityError{Err: err}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	statementTimeout := time.Duration(cfg.StatementTimeout) * time.Millisecond
	if statementTimeout <= 0 {
		statementTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, &ConnectivityError{Err: err}
	}

	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("database"))

	return &DB{
		DB:               db,
		logger:           log,
		breaker:          breaker,
		statementTimeout: statementTimeout,
	}, nil
}

func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (db *DB) Migrate(models ...interface{}) error {
	return db.AutoMigrate(models...)
}

// Ping probes connection liveness. The pool drops broken connections on a
// failed ping, so a successful ping after a failure means we reconnected.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// WithConnection runs fn inside a single transaction with the configured
// statement timeout. On a connectivity error (never on a business error) it
// reconnects and retries the whole transaction exactly once; if the retry
// also fails it returns a ConnectivityError.
func (db *DB) WithConnection(ctx context.Context, fn func(tx *gorm.DB) error) error {
	run := func() error {
		opCtx, cancel := context.WithTimeout(ctx, db.statementTimeout)
		defer cancel()
		return db.DB.WithContext(opCtx).Transaction(fn)
	}

	var businessErr error
	_, err := db.breaker.Execute(func() (interface{}, error) {
		err := run()
		if err == nil {
			return nil, nil
		}
		if !IsConnectivityError(err) {
			// Business failures must not trip the breaker.
			businessErr = err
			return nil, nil
		}

		db.logger.Warn("database connection lost, reconnecting", "error", err)
		metrics.DatabaseReconnectsTotal.Inc()

		pingCtx, cancel := context.WithTimeout(ctx, db.statementTimeout)
		pingErr := db.Ping(pingCtx)
		cancel()
		if pingErr != nil {
			return nil, &ConnectivityError{Err: pingErr}
		}

		db.logger.Info("database reconnected, retrying operation")
		if retryErr := run(); retryErr != nil {
			if IsConnectivityError(retryErr) {
				return nil, &ConnectivityError{Err: retryErr}
			}
			businessErr = retryErr
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return &ConnectivityError{Err: err}
		}
		return err
	}
	return businessErr
}
