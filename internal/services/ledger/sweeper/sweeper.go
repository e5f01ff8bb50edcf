package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quotaledger-go/internal/services/ledger/service"
	"github.com/quotaledger-go/pkg/logger"
)

// Sweeper retires expired plan grants on a schedule. Expiry is lazy
// everywhere else; the sweeper just keeps the is_active flags honest for
// reporting.
type Sweeper struct {
	service  *service.LedgerService
	schedule string
	cron     *cron.Cron
	logger   logger.Logger
}

func New(svc *service.LedgerService, schedule string, log logger.Logger) *Sweeper {
	return &Sweeper{
		service:  svc,
		schedule: schedule,
		cron:     cron.New(),
		logger:   log.With("component", "sweeper"),
	}
}

func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.sweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("subscription expiry sweeper started", "schedule", s.schedule)
	return nil
}

func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("sweeper stop timed out")
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := s.service.ExpireSubscriptions(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if expired > 0 {
		s.logger.Info("expiry sweep done", "expired", expired)
	}
}
