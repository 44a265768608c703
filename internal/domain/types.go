package domain

import "time"

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusExecuting JobStatus = "executing"
	StatusSent      JobStatus = "sent"
	StatusFailed    JobStatus = "failed"
)

type MessageKind string

const (
	KindText MessageKind = "text"
	KindPoll MessageKind = "poll"
)

// Attachment is a binary file carried inline with a job or welcome setting.
type Attachment struct {
	Bytes    []byte `json:"bytes"`
	Mime     string `json:"mime"`
	Filename string `json:"filename"`
}

// Payload is what a broadcast job sends to each target group.
type Payload struct {
	Kind          MessageKind `json:"kind"`
	Text          string      `json:"text"`
	PollOptions   []string    `json:"poll_options,omitempty"`
	AllowMultiple bool        `json:"allow_multiple,omitempty"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	Mentions      []string    `json:"mentions,omitempty"`
}

// Job is a persisted scheduled broadcast. Targets is the send order.
type Job struct {
	ID          string
	TenantID    string
	Targets     []string
	Payload     Payload
	GapSeconds  int
	ScheduledAt time.Time
	Status      JobStatus
	CreatedAt   time.Time
	ExecutedAt  *time.Time
	Result      *ResultSummary
}

// NewJob is the creation request for a scheduled broadcast.
type NewJob struct {
	TenantID    string
	Targets     []string
	Payload     Payload
	GapSeconds  int
	ScheduledAt time.Time
}

type GroupResult struct {
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
}

type GroupError struct {
	GroupID string `json:"group_id"`
	Error   string `json:"error"`
}

// ResultSummary records the outcome of one dispatch. Error is set only for
// job-level failures (gateway unavailable, interrupted process), in which case
// no per-group entries exist.
type ResultSummary struct {
	Results     []GroupResult `json:"results,omitempty"`
	Errors      []GroupError  `json:"errors,omitempty"`
	TotalSent   int           `json:"total_sent"`
	TotalFailed int           `json:"total_failed"`
	Error       string        `json:"error,omitempty"`
}

// Member is a group member as reported by a join event.
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// WelcomeSettings configures the coalesced welcome message for one group.
type WelcomeSettings struct {
	TenantID        string
	GroupID         string
	Enabled         bool
	MessageText     string
	MemberThreshold int
	DelayMinutes    int
	ImageEnabled    bool
	Image           *Attachment
	ImageCaption    string
	AlwaysMention   []string
}

// AdminWindow is the daily open/close window during which a group accepts
// messages from everyone; outside it the group is admins-only. Times are
// "HH:MM" in the deployment's reference timezone.
type AdminWindow struct {
	TenantID  string
	GroupID   string
	Enabled   bool
	OpenTime  string
	CloseTime string
}
