// Package notify carries the engine's outbound events. The dashboard's
// real-time fan-out lives outside this module; the engine only emits through
// the Notifier interface. Service is the default sink: it logs each event and
// keeps counters for the metrics endpoint.
package notify

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"groupflow/internal/domain"
)

type Notifier interface {
	JobFinished(job domain.Job, summary domain.ResultSummary)
	WelcomeSent(tenantID, groupID string, members int, err error)
	AdminWindowToggled(tenantID, groupID string, adminsOnly bool)
}

type Counters struct {
	JobsSent       uint64
	JobsFailed     uint64
	TargetsSent    uint64
	TargetsFailed  uint64
	WelcomesSent   uint64
	WelcomesFailed uint64
	WindowToggles  uint64
}

type Service struct {
	jobsSent       atomic.Uint64
	jobsFailed     atomic.Uint64
	targetsSent    atomic.Uint64
	targetsFailed  atomic.Uint64
	welcomesSent   atomic.Uint64
	welcomesFailed atomic.Uint64
	windowToggles  atomic.Uint64
}

func NewService() *Service { return &Service{} }

func (s *Service) JobFinished(job domain.Job, summary domain.ResultSummary) {
	if summary.Error != "" {
		s.jobsFailed.Add(1)
		log.Warn().Str("job_id", job.ID).Str("tenant_id", job.TenantID).
			Str("error", summary.Error).Msg("broadcast job failed")
		return
	}
	s.jobsSent.Add(1)
	s.targetsSent.Add(uint64(summary.TotalSent))
	s.targetsFailed.Add(uint64(summary.TotalFailed))
	log.Info().Str("job_id", job.ID).Str("tenant_id", job.TenantID).
		Int("sent", summary.TotalSent).Int("failed", summary.TotalFailed).
		Msg("broadcast job finished")
}

func (s *Service) WelcomeSent(tenantID, groupID string, members int, err error) {
	if err != nil {
		s.welcomesFailed.Add(1)
		log.Warn().Err(err).Str("tenant_id", tenantID).Str("group_id", groupID).
			Int("members", members).Msg("welcome send failed")
		return
	}
	s.welcomesSent.Add(1)
	log.Info().Str("tenant_id", tenantID).Str("group_id", groupID).
		Int("members", members).Msg("welcome message sent")
}

func (s *Service) AdminWindowToggled(tenantID, groupID string, adminsOnly bool) {
	s.windowToggles.Add(1)
	log.Info().Str("tenant_id", tenantID).Str("group_id", groupID).
		Bool("admins_only", adminsOnly).Msg("admin-only window toggled")
}

func (s *Service) Snapshot() Counters {
	return Counters{
		JobsSent:       s.jobsSent.Load(),
		JobsFailed:     s.jobsFailed.Load(),
		TargetsSent:    s.targetsSent.Load(),
		TargetsFailed:  s.targetsFailed.Load(),
		WelcomesSent:   s.welcomesSent.Load(),
		WelcomesFailed: s.welcomesFailed.Load(),
		WindowToggles:  s.windowToggles.Load(),
	}
}
