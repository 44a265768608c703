package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupflow/internal/domain"
	"groupflow/internal/gateway"
)

type sentCall struct {
	kind     string
	groupID  string
	body     string
	mentions []gateway.Contact
	options  []string
	at       time.Time
}

type fakeSession struct {
	mu          sync.Mutex
	notReady    bool
	failSends   map[string]error
	badContacts map[string]bool
	calls       []sentCall
	seq         int
}

func (f *fakeSession) Ready() bool { return !f.notReady }

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
	if err := f.failSends[c.groupID]; err != nil {
		return "", err
	}
	f.seq++
	c.at = time.Now()
	f.calls = append(f.calls, c)
	return fmt.Sprintf("msg-%d", f.seq), nil
}

func (f *fakeSession) SendText(_ context.Context, chat gateway.Chat, body string, mentions []gateway.Contact) (string, error) {
	return f.record(sentCall{kind: "text", groupID: chat.ID, body: body, mentions: mentions})
}

func (f *fakeSession) SendMedia(_ context.Context, chat gateway.Chat, _ domain.Attachment, caption string, mentions []gateway.Contact) (string, error) {
	return f.record(sentCall{kind: "media", groupID: chat.ID, body: caption, mentions: mentions})
}

func (f *fakeSession) SendPoll(_ context.Context, chat gateway.Chat, question string, options []string, _ bool) (string, error) {
	return f.record(sentCall{kind: "poll", groupID: chat.ID, body: question, options: options})
}

func (f *fakeSession) SetAdminsOnly(_ context.Context, chat gateway.Chat, _ bool) error {
	_, err := f.record(sentCall{kind: "admins", groupID: chat.ID})
	return err
}

func (f *fakeSession) sent() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	calls   int
	jobID   string
	status  domain.JobStatus
	summary domain.ResultSummary
}

func (f *fakeRecorder) RecordResult(_ context.Context, jobID string, status domain.JobStatus, _ time.Time, summary domain.ResultSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.jobID = jobID
	f.status = status
	f.summary = summary
	return nil
}

func newTestDispatcher(rec *fakeRecorder, fs *fakeSession) *Dispatcher {
	reg := gateway.NewRegistry()
	if fs != nil {
		reg.Bind("t1", fs)
	}
	d := New(rec, reg, nil)
	// one "gap second" becomes one millisecond so tests stay fast
	d.gap = func(s int) time.Duration { return time.Duration(s) * time.Millisecond }
	return d
}

func textJob(targets ...string) domain.Job {
	return domain.Job{
		ID:         "job_1",
		TenantID:   "t1",
		Targets:    targets,
		Payload:    domain.Payload{Kind: domain.KindText, Text: "hello"},
		GapSeconds: 10,
	}
}

func TestExecuteGatewayNotReady(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	d := newTestDispatcher(rec, &fakeSession{notReady: true})

	d.Execute(context.Background(), textJob("g1", "g2"))

	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, domain.StatusFailed, rec.status)
	assert.Equal(t, "gateway not ready", rec.summary.Error)
	assert.Zero(t, rec.summary.TotalSent)
	assert.Zero(t, rec.summary.TotalFailed)
}

func TestExecuteNoSessionBound(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	d := newTestDispatcher(rec, nil)

	d.Execute(context.Background(), textJob("g1"))

	assert.Equal(t, domain.StatusFailed, rec.status)
	assert.Equal(t, "gateway not ready", rec.summary.Error)
}

func TestExecuteOrderingAndGap(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	fs := &fakeSession{}
	d := newTestDispatcher(rec, fs)

	job := textJob("a", "b", "c")
	job.GapSeconds = 60 // 60ms under the test gap scale
	start := time.Now()
	d.Execute(context.Background(), job)

	calls := fs.sent()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{calls[0].groupID, calls[1].groupID, calls[2].groupID})

	assert.Less(t, calls[0].at.Sub(start), 40*time.Millisecond, "no wait before the first send")
	assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 50*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].at.Sub(calls[1].at), 50*time.Millisecond)

	assert.Equal(t, domain.StatusSent, rec.status)
	assert.Equal(t, 3, rec.summary.TotalSent)
	assert.Zero(t, rec.summary.TotalFailed)
}

func TestExecutePartialFailureIsolation(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	fs := &fakeSession{failSends: map[string]error{"b": errors.New("group vanished")}}
	d := newTestDispatcher(rec, fs)

	d.Execute(context.Background(), textJob("a", "b", "c"))

	assert.Equal(t, domain.StatusSent, rec.status, "per-target failures do not fail the job")
	require.Len(t, rec.summary.Results, 2)
	assert.Equal(t, "a", rec.summary.Results[0].GroupID)
	assert.Equal(t, "c", rec.summary.Results[1].GroupID)
	require.Len(t, rec.summary.Errors, 1)
	assert.Equal(t, "b", rec.summary.Errors[0].GroupID)
	assert.Contains(t, rec.summary.Errors[0].Error, "group vanished")
	assert.Equal(t, 2, rec.summary.TotalSent)
	assert.Equal(t, 1, rec.summary.TotalFailed)
}

func TestExecuteAllTargetsFailStillSent(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	fs := &fakeSession{failSends: map[string]error{"a": errors.New("x"), "b": errors.New("x")}}
	d := newTestDispatcher(rec, fs)

	d.Execute(context.Background(), textJob("a", "b"))

	assert.Equal(t, domain.StatusSent, rec.status)
	assert.Zero(t, rec.summary.TotalSent)
	assert.Equal(t, 2, rec.summary.TotalFailed)
}

func TestExecutePollValidationPerTarget(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	fs := &fakeSession{}
	d := newTestDispatcher(rec, fs)

	job := textJob("a", "b")
	job.Payload.Kind = domain.KindPoll
	job.Payload.PollOptions = []string{"only one", "   "}
	d.Execute(context.Background(), job)

	assert.Empty(t, fs.sent(), "invalid poll is never sent")
	assert.Equal(t, domain.StatusSent, rec.status)
	assert.Equal(t, 2, rec.summary.TotalFailed)
}

func TestExecutePoll(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	fs := &fakeSession{}
	d := newTestDispatcher(rec, fs)

	job := textJob("a")
	job.Payload.Kind = domain.KindPoll
	job.Payload.Text = "lunch?"
	job.Payload.PollOptions = []string{"pizza", "sushi"}
	d.Execute(context.Background(), job)

	calls := fs.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "poll", calls[0].kind)
	assert.Equal(t, "lunch?", calls[0].body)
	assert.Equal(t, []string{"pizza", "sushi"}, calls[0].options)
}

func TestExecuteMediaCaption(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	fs := &fakeSession{}
	d := newTestDispatcher(rec, fs)

	job := textJob("a")
	job.Payload.Attachment = &domain.Attachment{Bytes: []byte{1}, Mime: "image/png", Filename: "x.png"}
	d.Execute(context.Background(), job)

	calls := fs.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "media", calls[0].kind)
	assert.Equal(t, "hello", calls[0].body, "text body rides along as the caption")
}

func TestExecuteDropsUnresolvableMentions(t *testing.T) {
	t.Parallel()
	rec := &fakeRecorder{}
	fs := &fakeSession{badContacts: map[string]bool{"ghost": true}}
	d := newTestDispatcher(rec, fs)

	job := textJob("a")
	job.Payload.Mentions = []string{"alice", "ghost"}
	d.Execute(context.Background(), job)

	calls := fs.sent()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].mentions, 1)
	assert.Equal(t, "alice", calls[0].mentions[0].ID)
	assert.Equal(t, domain.StatusSent, rec.status)
}
