// Package adminwindow toggles a group's admins-only flag at the exact minute
// its configured open/close time matches the local wall clock. The match is
// equality, not "at or after": if the process is down across a boundary
// minute, that transition is missed until the same minute next day. This
// mirrors the product's long-standing behavior and is kept on purpose.
package adminwindow

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"groupflow/internal/domain"
	"groupflow/internal/gateway"
	"groupflow/internal/notify"
)

// SettingsSource is the slice of the store the applier reads from.
type SettingsSource interface {
	ListEnabledAdminWindows(ctx context.Context) ([]domain.AdminWindow, error)
}

// Applier evaluates every enabled window once per minute, on the minute
// boundary of the reference timezone, so each boundary fires at most once.
type Applier struct {
	source   SettingsSource
	sessions *gateway.Registry
	notifier notify.Notifier
	loc      *time.Location
	c        *cron.Cron

	now func() time.Time
}

func NewApplier(source SettingsSource, sessions *gateway.Registry, notifier notify.Notifier, loc *time.Location) *Applier {
	return &Applier{
		source:   source,
		sessions: sessions,
		notifier: notifier,
		loc:      loc,
		now:      time.Now,
	}
}

func (a *Applier) Start(ctx context.Context) error {
	a.c = cron.New(cron.WithLocation(a.loc))
	if _, err := a.c.AddFunc("* * * * *", func() { a.Tick(ctx) }); err != nil {
		return fmt.Errorf("register minute tick: %w", err)
	}
	a.c.Start()
	log.Info().Str("tz", a.loc.String()).Msg("admin-only window applier started")
	return nil
}

func (a *Applier) Stop() {
	if a.c != nil {
		<-a.c.Stop().Done()
	}
}

// Tick evaluates all enabled windows against the current HH:MM. Exported so
// tests can drive it with a fixed clock.
func (a *Applier) Tick(ctx context.Context) {
	hhmm := a.now().In(a.loc).Format("15:04")
	windows, err := a.source.ListEnabledAdminWindows(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list admin-only windows")
		return
	}
	for _, w := range windows {
		if w.OpenTime != hhmm && w.CloseTime != hhmm {
			continue
		}
		a.apply(ctx, w, hhmm)
	}
}

func (a *Applier) apply(ctx context.Context, w domain.AdminWindow, hhmm string) {
	sess, err := a.sessions.Session(w.TenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", w.TenantID).Str("group_id", w.GroupID).
			Msg("skipping admin-only toggle this tick")
		return
	}
	chat, err := sess.Chat(ctx, w.GroupID)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", w.TenantID).Str("group_id", w.GroupID).
			Msg("failed to resolve group for admin-only toggle")
		return
	}

	// Both boundaries are checked each tick; open == close is a degenerate
	// no-op window and is the caller's responsibility.
	if w.OpenTime == hhmm {
		a.set(ctx, sess, chat, w, false)
	}
	if w.CloseTime == hhmm {
		a.set(ctx, sess, chat, w, true)
	}
}

func (a *Applier) set(ctx context.Context, sess gateway.Session, chat gateway.Chat, w domain.AdminWindow, adminsOnly bool) {
	if err := sess.SetAdminsOnly(ctx, chat, adminsOnly); err != nil {
		log.Warn().Err(err).Str("tenant_id", w.TenantID).Str("group_id", w.GroupID).
			Bool("admins_only", adminsOnly).Msg("admin-only toggle failed")
		return
	}
	if a.notifier != nil {
		a.notifier.AdminWindowToggled(w.TenantID, w.GroupID, adminsOnly)
	}
}

// ValidateTime checks an "HH:MM" boundary value. The stored string is
// compared for equality against Format("15:04") output, so it must be in
// exactly that zero-padded form or it would never match.
func ValidateTime(s string) error {
	at, err := time.Parse("15:04", s)
	if err != nil || at.Format("15:04") != s {
		return &domain.ValidationError{Field: "time", Reason: "must be HH:MM"}
	}
	return nil
}
