package sweep

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"groupflow/internal/domain"
)

// JobSource is the slice of the job store the sweep reads and claims from.
type JobSource interface {
	GetPendingDue(ctx context.Context, now time.Time) ([]domain.Job, error)
	MarkExecuting(ctx context.Context, jobID string) (bool, error)
}

// Runner executes a claimed job. Satisfied by dispatch.Dispatcher.
type Runner interface {
	Execute(ctx context.Context, job domain.Job)
}

// Service polls for due pending jobs on a fixed cadence, claims each through
// the store's atomic conditional update, and hands claimed jobs to the runner
// asynchronously so one long broadcast never delays discovery of the rest.
type Service struct {
	source   JobSource
	runner   Runner
	stop     chan struct{}
	interval time.Duration
}

func NewService(source JobSource, runner Runner, checkInterval time.Duration) *Service {
	return &Service{
		source:   source,
		runner:   runner,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("scheduler sweep started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Tick runs one sweep pass. Exported so tests and the boot sequence can drive
// it without the ticker.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	jobs, err := s.source.GetPendingDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due jobs")
		return
	}

	for _, job := range jobs {
		claimed, err := s.source.MarkExecuting(ctx, job.ID)
		if err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("failed to claim job")
			continue
		}
		if !claimed {
			// another tick or process got there first; expected, not an error
			continue
		}
		log.Info().Str("job_id", job.ID).Str("tenant_id", job.TenantID).
			Int("targets", len(job.Targets)).Time("scheduled_at", job.ScheduledAt).
			Msg("dispatching broadcast job")
		go s.run(ctx, job)
	}
}

func (s *Service) run(ctx context.Context, job domain.Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.ID).Any("panic", r).
				Str("stack", string(debug.Stack())).Msg("panic in job dispatch")
		}
	}()
	s.runner.Execute(ctx, job)
}
