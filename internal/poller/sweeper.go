package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"adaptivepay/internal/common/events"
)

// SweeperConfig holds sweeper configuration
type SweeperConfig struct {
	Schedule   string        `envconfig:"SWEEP_SCHEDULE" default:"@every 15m"`
	StaleAfter time.Duration `envconfig:"SWEEP_STALE_AFTER" default:"15m"`
	BatchSize  int           `envconfig:"SWEEP_BATCH_SIZE" default:"100"`
	Timeout    time.Duration `envconfig:"SWEEP_TIMEOUT" default:"5m"`
}

// StaleSource lists aggregates that are still waiting on PayPal.
type StaleSource interface {
	StalePaymentIDs(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error)
	StalePreapprovalIDs(ctx context.Context, olderThan time.Duration, limit int) ([]int64, error)
}

// Sweeper periodically polls aggregates whose scheduled update was lost or
// did not settle them.
type Sweeper struct {
	cfg     SweeperConfig
	source  StaleSource
	updater Updater
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg SweeperConfig, source StaleSource, updater Updater, logger *slog.Logger) *Sweeper {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Sweeper{
		cfg:     cfg,
		source:  source,
		updater: updater,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger), cron.Recover(cronLogger))),
		logger:  logger,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.run); err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", s.cfg.Schedule, err)
	}
	s.logger.Info("scheduled sweep", "schedule", s.cfg.Schedule)
	s.cron.Start()
	return nil
}

// Stop stops the cron scheduler. The returned context is done once a running
// sweep has finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

// Sweep polls one batch of stale payments and preapprovals and returns how
// many polls it ran.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	payments, err := s.source.StalePaymentIDs(ctx, s.cfg.StaleAfter, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing stale payments: %w", err)
	}
	preapprovals, err := s.source.StalePreapprovalIDs(ctx, s.cfg.StaleAfter, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing stale preapprovals: %w", err)
	}

	polled := 0
	for _, id := range payments {
		polled += s.poll(ctx, events.AggregatePayment, id)
	}
	for _, id := range preapprovals {
		polled += s.poll(ctx, events.AggregatePreapproval, id)
	}

	if polled > 0 {
		s.logger.Info("sweep completed", "payments", len(payments), "preapprovals", len(preapprovals))
	}
	return polled, nil
}

func (s *Sweeper) poll(ctx context.Context, aggregate string, id int64) int {
	if ctx.Err() != nil {
		return 0
	}
	if err := update(ctx, s.updater, aggregate, id); err != nil {
		s.logger.Warn("sweep poll failed", "aggregate", aggregate, "id", id, "error", err)
	}
	return 1
}
