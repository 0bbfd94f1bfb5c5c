// Package scheduler starts the nightly incremental sync for every linked owner.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stanstork/fitsync/internal/service"
)

// OwnerLister lists owners with a linked provider account.
type OwnerLister interface {
	ListOwnerIDs(ctx context.Context) ([]string, error)
}

// IncrementalStarter is the controller operation the nightly run calls.
type IncrementalStarter interface {
	StartIncremental(ctx context.Context, ownerID string, metricTypes []string) (service.StartResult, error)
}

// RunSummary counts the outcomes of one nightly run.
type RunSummary struct {
	Started        int
	AlreadyRunning int
	UpToDate       int
	Failed         int
}

type Scheduler struct {
	owners   OwnerLister
	starter  IncrementalStarter
	schedule string
	logger   zerolog.Logger

	cron   *cron.Cron
	parser cron.Parser
}

func New(owners OwnerLister, starter IncrementalStarter, schedule string, logger zerolog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		owners:   owners,
		starter:  starter,
		schedule: schedule,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		cron:     cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		parser:   parser,
	}
}

// Start registers the nightly entry and starts the cron runner. Runs fired
// after ctx is cancelled are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	schedule, err := s.parser.Parse(s.schedule)
	if err != nil {
		return fmt.Errorf("failed to parse nightly schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule nightly sync: %w", err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("schedule", s.schedule).
		Time("next_run", schedule.Next(time.Now().UTC())).
		Msg("nightly incremental sync scheduled")
	return nil
}

// Stop stops the cron runner and waits for a run in progress to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

// RunOnce starts an incremental sync for every linked owner. One owner's
// failure does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) RunSummary {
	var summary RunSummary

	owners, err := s.owners.ListOwnerIDs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list linked owners for nightly sync")
		return summary
	}

	for _, ownerID := range owners {
		if ctx.Err() != nil {
			break
		}
		result, err := s.starter.StartIncremental(ctx, ownerID, nil)
		if err != nil {
			summary.Failed++
			s.logger.Warn().Err(err).Str("owner_id", ownerID).Msg("nightly sync could not start")
			continue
		}
		switch result.Status {
		case service.StartStatusStarted:
			summary.Started++
		case service.StartStatusAlreadyRunning:
			summary.AlreadyRunning++
		case service.StartStatusUpToDate:
			summary.UpToDate++
		}
		s.logger.Debug().
			Str("owner_id", ownerID).
			Str("status", string(result.Status)).
			Str("job_id", result.JobID).
			Msg("nightly sync evaluated")
	}

	s.logger.Info().
		Int("owners", len(owners)).
		Int("started", summary.Started).
		Int("already_running", summary.AlreadyRunning).
		Int("up_to_date", summary.UpToDate).
		Int("failed", summary.Failed).
		Msg("nightly incremental sync run finished")
	return summary
}
