/**
 * @description
 * Cron scheduler setup for the engine's two periodic jobs: the settlement
 * pass and the retry sweep. Each job type runs at most one instance at a
 * time; the service's internal mutex additionally serializes the two job
 * types against each other and against on-demand admin runs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron           *cron.Cron
	service        *Service
	logger         *slog.Logger
	settlementSpec string
	retrySweepSpec string
}

// NewScheduler creates a new scheduler instance. Schedules are standard
// five-field cron expressions.
func NewScheduler(service *Service, logger *slog.Logger, settlementSpec, retrySweepSpec string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:           c,
		service:        service,
		logger:         logger,
		settlementSpec: settlementSpec,
		retrySweepSpec: retrySweepSpec,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.settlementSpec, s.runSettlement); err != nil {
		s.logger.Error("failed to schedule settlement job", "error", err)
	} else {
		s.logger.Info("scheduled settlement job", "schedule", s.settlementSpec)
	}

	if _, err := s.cron.AddFunc(s.retrySweepSpec, s.runRetrySweep); err != nil {
		s.logger.Error("failed to schedule retry sweep job", "error", err)
	} else {
		s.logger.Info("scheduled retry sweep job", "schedule", s.retrySweepSpec)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runSettlement() {
	ctx := context.Background()
	if _, err := s.service.RunSettlementOnce(ctx); err != nil {
		s.logger.Error("settlement pass failed", "error", err)
	}
}

func (s *Scheduler) runRetrySweep() {
	ctx := context.Background()
	if _, err := s.service.RunRetrySweep(ctx); err != nil {
		s.logger.Error("retry sweep failed", "error", err)
	}
}
