package welcome

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupflow/internal/domain"
	"groupflow/internal/gateway"
)

type fakeSettings struct {
	byGroup map[string]domain.WelcomeSettings
	err     error
}

func (f *fakeSettings) Welcome(_ context.Context, _, groupID string) (domain.WelcomeSettings, error) {
	if f.err != nil {
		return domain.WelcomeSettings{}, f.err
	}
	ws, ok := f.byGroup[groupID]
	if !ok {
		return domain.WelcomeSettings{}, domain.ErrNotFound
	}
	return ws, nil
}

type sentCall struct {
	kind     string
	body     string
	mentions []gateway.Contact
	at       time.Time
}

type fakeSession struct {
	mu          sync.Mutex
	badContacts map[string]bool
	calls       []sentCall
	seq         int
}

func (f *fakeSession) Ready() bool { return true }

func (f *fakeSession) Chat(_ context.Context, groupID string) (gateway.Chat, error) {
	return gateway.Chat{ID: groupID}, nil
}

func (f *fakeSession) ResolveContact(_ context.Context, memberID string) (gateway.Contact, error) {
	if f.badContacts[memberID] {
		return gateway.Contact{}, errors.New("unknown contact")
	}
	return gateway.Contact{ID: memberID, Token: "@" + memberID}, nil
}

func (f *fakeSession) record(c sentCall) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	c.at = time.Now()
	f.calls = append(f.calls, c)
	return fmt.Sprintf("msg-%d", f.seq), nil
}

func (f *fakeSession) SendText(_ context.Context, _ gateway.Chat, body string, mentions []gateway.Contact) (string, error) {
	return f.record(sentCall{kind: "text", body: body, mentions: mentions})
}

func (f *fakeSession) SendMedia(_ context.Context, _ gateway.Chat, _ domain.Attachment, caption string, mentions []gateway.Contact) (string, error) {
	return f.record(sentCall{kind: "media", body: caption, mentions: mentions})
}

func (f *fakeSession) SendPoll(_ context.Context, _ gateway.Chat, question string, _ []string, _ bool) (string, error) {
	return f.record(sentCall{kind: "poll", body: question})
}

func (f *fakeSession) SetAdminsOnly(_ context.Context, _ gateway.Chat, _ bool) error {
	return nil
}

func (f *fakeSession) sent() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

func newTestAggregator(settings map[string]domain.WelcomeSettings, fs *fakeSession) *Aggregator {
	reg := gateway.NewRegistry()
	if fs != nil {
		reg.Bind("t1", fs)
	}
	a := NewAggregator(&fakeSettings{byGroup: settings}, reg, nil)
	// one "delay minute" becomes ten milliseconds so tests stay fast
	a.delay = func(m int) time.Duration { return time.Duration(m) * 10 * time.Millisecond }
	return a
}

func join(t *testing.T, a *Aggregator, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, a.Join(context.Background(), "t1", "g1", domain.Member{ID: id, Name: id}))
	}
}

func settings(threshold, delay int) domain.WelcomeSettings {
	return domain.WelcomeSettings{
		TenantID:        "t1",
		GroupID:         "g1",
		Enabled:         true,
		MessageText:     "welcome to the group",
		MemberThreshold: threshold,
		DelayMinutes:    delay,
	}
}

func TestCoalescesBurstIntoOneMessage(t *testing.T) {
	t.Parallel()
	fs := &fakeSession{}
	a := newTestAggregator(map[string]domain.WelcomeSettings{"g1": settings(3, 5)}, fs)

	join(t, a, "m1", "m2", "m3")
	time.Sleep(15 * time.Millisecond) // timer armed, still counting down
	join(t, a, "m4")

	require.Eventually(t, func() bool { return len(fs.sent()) == 1 }, time.Second, 5*time.Millisecond)
	msg := fs.sent()[0]
	assert.Equal(t, "text", msg.kind)
	require.Len(t, msg.mentions, 4, "the late joiner rides along")
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		assert.Equal(t, 1, strings.Count(msg.body, "@"+id), "each joiner mentioned exactly once")
	}
	assert.Contains(t, msg.body, "welcome to the group")

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fs.sent(), 1, "one flush per burst")
}

func TestBelowThresholdNeverSends(t *testing.T) {
	t.Parallel()
	fs := &fakeSession{}
	a := newTestAggregator(map[string]domain.WelcomeSettings{"g1": settings(3, 0)}, fs)

	join(t, a, "m1", "m2")
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, fs.sent())

	// the buffer survives until the threshold is finally met
	join(t, a, "m3")
	require.Eventually(t, func() bool { return len(fs.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, fs.sent()[0].mentions, 3)
}

func TestDisabledOrAbsentSettingsIgnored(t *testing.T) {
	t.Parallel()
	fs := &fakeSession{}
	disabled := settings(1, 0)
	disabled.Enabled = false
	a := newTestAggregator(map[string]domain.WelcomeSettings{"g1": disabled}, fs)

	join(t, a, "m1", "m2")
	require.NoError(t, a.Join(context.Background(), "t1", "g-unconfigured", domain.Member{ID: "m3"}))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, fs.sent())
}

func TestArmedTimerIsNotReset(t *testing.T) {
	t.Parallel()
	fs := &fakeSession{}
	a := newTestAggregator(map[string]domain.WelcomeSettings{"g1": settings(1, 10)}, fs)

	start := time.Now()
	join(t, a, "m1") // arms a 100ms timer
	time.Sleep(50 * time.Millisecond)
	join(t, a, "m2") // must not restart the countdown

	require.Eventually(t, func() bool { return len(fs.sent()) == 1 }, time.Second, 5*time.Millisecond)
	msg := fs.sent()[0]
	elapsed := msg.at.Sub(start)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, 140*time.Millisecond, "second join restarted the timer")
	assert.Len(t, msg.mentions, 2)
}

func TestBufferClearedAfterFlush(t *testing.T) {
	t.Parallel()
	fs := &fakeSession{}
	a := newTestAggregator(map[string]domain.WelcomeSettings{"g1": settings(2, 0)}, fs)

	join(t, a, "m1", "m2")
	require.Eventually(t, func() bool { return len(fs.sent()) == 1 }, time.Second, 5*time.Millisecond)

	join(t, a, "m3")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fs.sent(), 1, "a single join after the flush starts a fresh sub-threshold buffer")

	join(t, a, "m4")
	require.Eventually(t, func() bool { return len(fs.sent()) == 2 }, time.Second, 5*time.Millisecond)
	second := fs.sent()[1]
	require.Len(t, second.mentions, 2)
	assert.Equal(t, "m3", second.mentions[0].ID)
	assert.Equal(t, "m4", second.mentions[1].ID)
}

func TestMessageLayoutWithAlwaysMentions(t *testing.T) {
	t.Parallel()
	fs := &fakeSession{}
	ws := settings(1, 0)
	ws.AlwaysMention = []string{"admin"}
	a := newTestAggregator(map[string]domain.WelcomeSettings{"g1": ws}, fs)

	join(t, a, "m1")
	require.Eventually(t, func() bool { return len(fs.sent()) == 1 }, time.Second, 5*time.Millisecond)

	msg := fs.sent()[0]
	assert.Equal(t, "@m1\n\nwelcome to the group\n\n@admin", msg.body)
	require.Len(t, msg.mentions, 2)
	assert.Equal(t, "m1", msg.mentions[0].ID)
	assert.Equal(t, "admin", msg.mentions[1].ID)
}

func TestImageGoesOutAsSecondMessage(t *testing.T) {
	t.Parallel()
	fs := &fakeSession{}
	ws := settings(1, 0)
	ws.ImageEnabled = true
	ws.Image = &domain.Attachment{Bytes: []byte{1}, Mime: "image/png"}
	ws.ImageCaption = "house rules"
	ws.AlwaysMention = []string{"admin"}
	a := newTestAggregator(map[string]domain.WelcomeSettings{"g1": ws}, fs)

	join(t, a, "m1")
	require.Eventually(t, func() bool { return len(fs.sent()) == 2 }, time.Second, 5*time.Millisecond)

	calls := fs.sent()
	assert.Equal(t, "text", calls[0].kind)
	assert.Equal(t, "media", calls[1].kind)
	assert.Equal(t, "house rules", calls[1].body)
	require.Len(t, calls[1].mentions, 1, "captioned image carries the always-mentions")
	assert.Equal(t, "admin", calls[1].mentions[0].ID)
}

func TestUnresolvableJoinerDroppedSilently(t *testing.T) {
	t.Parallel()
	fs := &fakeSession{badContacts: map[string]bool{"ghost": true}}
	a := newTestAggregator(map[string]domain.WelcomeSettings{"g1": settings(2, 0)}, fs)

	join(t, a, "m1", "ghost")
	require.Eventually(t, func() bool { return len(fs.sent()) == 1 }, time.Second, 5*time.Millisecond)

	msg := fs.sent()[0]
	require.Len(t, msg.mentions, 1)
	assert.Equal(t, "m1", msg.mentions[0].ID)
	assert.NotContains(t, msg.body, "ghost")
}

func TestRepeatJoinerMentionedOnce(t *testing.T) {
	t.Parallel()
	fs := &fakeSession{}
	a := newTestAggregator(map[string]domain.WelcomeSettings{"g1": settings(2, 0)}, fs)

	join(t, a, "m1", "m1")
	require.Eventually(t, func() bool { return len(fs.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, fs.sent()[0].mentions, 1)
}

func TestFlushWithoutSessionDiscardsBuffer(t *testing.T) {
	t.Parallel()
	a := newTestAggregator(map[string]domain.WelcomeSettings{"g1": settings(1, 0)}, nil)

	join(t, a, "m1")
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.buffers) == 0
	}, time.Second, 5*time.Millisecond, "failed flush still clears the buffer")
}
