package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"groupflow/internal/domain"
	"groupflow/internal/gateway"
	"groupflow/internal/notify"
)

// ResultStore is the slice of the job store the dispatcher writes to.
type ResultStore interface {
	RecordResult(ctx context.Context, jobID string, status domain.JobStatus, executedAt time.Time, summary domain.ResultSummary) error
}

// Dispatcher executes one claimed broadcast job at a time. Targets are
// contacted strictly in list order with the job's gap between successive
// sends; a per-target failure is recorded and does not abort the rest.
type Dispatcher struct {
	store    ResultStore
	sessions *gateway.Registry
	notifier notify.Notifier

	// gap maps the job's gap_seconds to a wall-clock duration; tests shrink it.
	gap func(seconds int) time.Duration
}

func New(store ResultStore, sessions *gateway.Registry, notifier notify.Notifier) *Dispatcher {
	return &Dispatcher{
		store:    store,
		sessions: sessions,
		notifier: notifier,
		gap:      func(s int) time.Duration { return time.Duration(s) * time.Second },
	}
}

// Execute runs the job to completion and records exactly one terminal result.
// The job reaches 'sent' whenever the dispatch loop ran, even if every single
// target failed; only an unavailable gateway fails the job outright.
func (d *Dispatcher) Execute(ctx context.Context, job domain.Job) {
	defer func() {
		if r := recover(); r != nil {
			summary := domain.ResultSummary{Error: fmt.Sprintf("panic: %v", r)}
			d.record(ctx, job, domain.StatusFailed, summary)
		}
	}()

	sess, err := d.sessions.Session(job.TenantID)
	if err != nil {
		d.record(ctx, job, domain.StatusFailed, domain.ResultSummary{Error: domain.ErrGatewayNotReady.Error()})
		return
	}

	mentions := d.resolveMentions(ctx, sess, job)

	// Burst 1 means the first send goes out immediately and each subsequent
	// one waits out the configured gap.
	limiter := rate.NewLimiter(rate.Every(d.gap(job.GapSeconds)), 1)

	var summary domain.ResultSummary
	for _, groupID := range job.Targets {
		if err := limiter.Wait(ctx); err != nil {
			summary.Errors = append(summary.Errors, domain.GroupError{GroupID: groupID, Error: err.Error()})
			continue
		}
		msgID, err := d.sendOne(ctx, sess, groupID, job.Payload, mentions)
		if err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Str("group_id", groupID).Msg("broadcast send failed")
			summary.Errors = append(summary.Errors, domain.GroupError{GroupID: groupID, Error: err.Error()})
			continue
		}
		summary.Results = append(summary.Results, domain.GroupResult{GroupID: groupID, MessageID: msgID})
	}
	summary.TotalSent = len(summary.Results)
	summary.TotalFailed = len(summary.Errors)
	d.record(ctx, job, domain.StatusSent, summary)
}

func (d *Dispatcher) record(ctx context.Context, job domain.Job, status domain.JobStatus, summary domain.ResultSummary) {
	if err := d.store.RecordResult(ctx, job.ID, status, time.Now(), summary); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to record job result")
	}
	if d.notifier != nil {
		d.notifier.JobFinished(job, summary)
	}
}

// resolveMentions turns the payload's member ids into gateway contact handles.
// Ids the gateway cannot resolve are dropped from the mention list; the send
// still goes out.
func (d *Dispatcher) resolveMentions(ctx context.Context, sess gateway.Session, job domain.Job) []gateway.Contact {
	var out []gateway.Contact
	for _, id := range job.Payload.Mentions {
		c, err := sess.ResolveContact(ctx, id)
		if err != nil {
			log.Debug().Err(err).Str("job_id", job.ID).Str("member_id", id).Msg("dropping unresolvable mention")
			continue
		}
		out = append(out, c)
	}
	return out
}

func (d *Dispatcher) sendOne(ctx context.Context, sess gateway.Session, groupID string, p domain.Payload, mentions []gateway.Contact) (string, error) {
	chat, err := sess.Chat(ctx, groupID)
	if err != nil {
		return "", fmt.Errorf("resolve chat: %w", err)
	}
	switch {
	case p.Kind == domain.KindPoll:
		var opts []string
		for _, o := range p.PollOptions {
			if strings.TrimSpace(o) != "" {
				opts = append(opts, o)
			}
		}
		if len(opts) < 2 {
			return "", errors.New("poll needs at least 2 non-empty options")
		}
		return sess.SendPoll(ctx, chat, p.Text, opts, p.AllowMultiple)
	case p.Attachment != nil:
		// caption is the text body, possibly empty
		return sess.SendMedia(ctx, chat, *p.Attachment, p.Text, mentions)
	default:
		return sess.SendText(ctx, chat, p.Text, mentions)
	}
}
