package database

import (
	"time"

	"github.com/quotaledger-go/pkg/metrics"
)

// StartPoolMonitor periodically exports connection pool stats. The returned
// stop function must be called on shutdown.
func (db *DB) StartPoolMonitor(interval time.Duration) func() {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sqlDB, err := db.DB.DB()
				if err != nil {
					continue
				}
				stats := sqlDB.Stats()
				metrics.DatabaseConnectionsActive.Set(float64(stats.InUse))
				metrics.DatabaseConnectionsIdle.Set(float64(stats.Idle))
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}
