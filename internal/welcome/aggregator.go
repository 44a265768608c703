// Package welcome coalesces group-join events into a single delayed welcome
// message per group, so a bulk invite produces one greeting instead of a storm.
//
// Buffers are process-local: members accumulated but not yet flushed are lost
// on restart. A join that arrives while a flush is in progress starts a fresh
// buffer and is not part of the outgoing message; both are accepted
// limitations of the design.
package welcome

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"groupflow/internal/domain"
	"groupflow/internal/gateway"
	"groupflow/internal/notify"
)

// SettingsSource is the slice of the store the aggregator reads from.
type SettingsSource interface {
	Welcome(ctx context.Context, tenantID, groupID string) (domain.WelcomeSettings, error)
}

type key struct {
	tenantID string
	groupID  string
}

type bufState int

const (
	// accumulating: buffer exists, threshold not yet met, no timer
	accumulating bufState = iota
	// armed: threshold met, a single timer governs the eventual flush
	armed
)

type buffer struct {
	settings domain.WelcomeSettings
	members  []domain.Member
	state    bufState
	timer    *time.Timer
}

type Aggregator struct {
	mu       sync.Mutex
	settings SettingsSource
	sessions *gateway.Registry
	notifier notify.Notifier
	buffers  map[key]*buffer

	// delay maps the setting's delay_minutes to a wall-clock duration; tests shrink it.
	delay func(minutes int) time.Duration
}

func NewAggregator(settings SettingsSource, sessions *gateway.Registry, notifier notify.Notifier) *Aggregator {
	return &Aggregator{
		settings: settings,
		sessions: sessions,
		notifier: notifier,
		buffers:  map[key]*buffer{},
		delay:    func(m int) time.Duration { return time.Duration(m) * time.Minute },
	}
}

// Join registers one or more members joining the group. The first join for a
// (tenant, group) pair snapshots the group's welcome settings; joins for
// groups with no enabled settings are ignored outright. Appending members and
// evaluating the threshold happen under one lock so two concurrent joins can
// never arm duplicate timers.
func (a *Aggregator) Join(ctx context.Context, tenantID, groupID string, members ...domain.Member) error {
	if len(members) == 0 {
		return nil
	}
	k := key{tenantID: tenantID, groupID: groupID}

	a.mu.Lock()
	buf := a.buffers[k]
	if buf == nil {
		a.mu.Unlock()
		ws, err := a.settings.Welcome(ctx, tenantID, groupID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if !ws.Enabled {
			return nil
		}
		a.mu.Lock()
		// another join may have created the buffer while we were at the store
		buf = a.buffers[k]
		if buf == nil {
			buf = &buffer{settings: ws}
			a.buffers[k] = buf
		}
	}

	buf.members = append(buf.members, members...)
	if buf.state == accumulating && len(buf.members) >= buf.settings.MemberThreshold {
		buf.state = armed
		buf.timer = time.AfterFunc(a.delay(buf.settings.DelayMinutes), func() {
			a.flush(context.Background(), k)
		})
		log.Debug().Str("tenant_id", tenantID).Str("group_id", groupID).
			Int("members", len(buf.members)).Int("delay_minutes", buf.settings.DelayMinutes).
			Msg("welcome timer armed")
	}
	a.mu.Unlock()
	return nil
}

// Stop cancels all armed timers and drops the buffers.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, buf := range a.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
	}
	a.buffers = map[key]*buffer{}
}

func (a *Aggregator) flush(ctx context.Context, k key) {
	a.mu.Lock()
	buf := a.buffers[k]
	delete(a.buffers, k)
	a.mu.Unlock()
	if buf == nil || len(buf.members) == 0 {
		return
	}

	err := a.send(ctx, k, buf)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", k.tenantID).Str("group_id", k.groupID).
			Msg("welcome flush failed; buffer discarded")
	}
	if a.notifier != nil {
		a.notifier.WelcomeSent(k.tenantID, k.groupID, len(buf.members), err)
	}
}

// send builds the consolidated message: joiner mention tokens first, the
// configured template in the middle, always-mention tokens at the bottom. If
// an image is configured it goes out as a second, captioned message.
func (a *Aggregator) send(ctx context.Context, k key, buf *buffer) error {
	sess, err := a.sessions.Session(k.tenantID)
	if err != nil {
		return err
	}
	chat, err := sess.Chat(ctx, k.groupID)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	var joinerTokens []string
	var mentions []gateway.Contact
	for _, m := range buf.members {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		c, err := sess.ResolveContact(ctx, m.ID)
		if err != nil {
			log.Debug().Err(err).Str("member_id", m.ID).Msg("dropping unresolvable joiner mention")
			continue
		}
		joinerTokens = append(joinerTokens, c.Token)
		mentions = append(mentions, c)
	}

	var alwaysTokens []string
	var always []gateway.Contact
	for _, id := range buf.settings.AlwaysMention {
		c, err := sess.ResolveContact(ctx, id)
		if err != nil {
			log.Debug().Err(err).Str("member_id", id).Msg("dropping unresolvable always-mention")
			continue
		}
		alwaysTokens = append(alwaysTokens, c.Token)
		always = append(always, c)
	}

	var b strings.Builder
	if len(joinerTokens) > 0 {
		b.WriteString(strings.Join(joinerTokens, " "))
		b.WriteString("\n\n")
	}
	b.WriteString(buf.settings.MessageText)
	if len(alwaysTokens) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(alwaysTokens, " "))
	}

	_, textErr := sess.SendText(ctx, chat, b.String(), append(mentions, always...))

	var imageErr error
	if buf.settings.ImageEnabled && buf.settings.Image != nil {
		caption := buf.settings.ImageCaption
		var capMentions []gateway.Contact
		if caption != "" {
			capMentions = always
		}
		_, imageErr = sess.SendMedia(ctx, chat, *buf.settings.Image, caption, capMentions)
	}
	return errors.Join(textErr, imageErr)
}
