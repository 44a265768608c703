// Package gateway abstracts the WhatsApp transport. The real client is a
// browser-automation session owned by an adapter outside this module; the
// engine only sees the Session capability set and the per-tenant Registry.
package gateway

import (
	"context"
	"sync"

	"groupflow/internal/domain"
)

// Chat is an opaque handle to a group chat, resolved per send.
type Chat struct {
	ID   string
	Name string
}

// Contact is a resolved member handle. Token is the text fragment embedded in
// a message body to render the mention (e.g. "@4915123456789").
type Contact struct {
	ID    string
	Token string
}

// Session is one tenant's attached messaging account.
type Session interface {
	Ready() bool
	Chat(ctx context.Context, groupID string) (Chat, error)
	ResolveContact(ctx context.Context, memberID string) (Contact, error)
	SendText(ctx context.Context, chat Chat, body string, mentions []Contact) (string, error)
	SendMedia(ctx context.Context, chat Chat, file domain.Attachment, caption string, mentions []Contact) (string, error)
	SendPoll(ctx context.Context, chat Chat, question string, options []string, allowMultiple bool) (string, error)
	SetAdminsOnly(ctx context.Context, chat Chat, adminsOnly bool) error
}

// Registry maps tenant ids to their live sessions. The transport adapter binds
// a session when a tenant's account connects and unbinds it on disconnect.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]Session{}}
}

func (r *Registry) Bind(tenantID string, s Session) {
	r.mu.Lock()
	r.sessions[tenantID] = s
	r.mu.Unlock()
}

func (r *Registry) Unbind(tenantID string) {
	r.mu.Lock()
	delete(r.sessions, tenantID)
	r.mu.Unlock()
}

// Session returns the tenant's session, or domain.ErrGatewayNotReady when the
// tenant has no bound session or the session is not connected.
func (r *Registry) Session(tenantID string) (Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[tenantID]
	r.mu.RUnlock()
	if !ok || !s.Ready() {
		return nil, domain.ErrGatewayNotReady
	}
	return s, nil
}
