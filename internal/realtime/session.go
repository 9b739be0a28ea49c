package realtime

import (
	"context"
	"log/slog"

	"github.com/blooom-app/blooom/internal/domain"
)

// State is the lifecycle state of a connection session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// recentSendsSize bounds how many client nonces a session remembers.
const recentSendsSize = 128

// Session reacts to the inbound events of one connection. Dispatch must be
// called from a single goroutine, in arrival order.
type Session struct {
	hub      *Hub
	conn     Handle
	verified domain.UserID
	state    State
	userID   domain.UserID
	sent     *nonceCache
	log      *slog.Logger
}

// NewSession creates a session for conn. verified is the identity proven by
// the upgrade request, or zero for anonymous connections.
func NewSession(hub *Hub, conn Handle, verified domain.UserID) *Session {
	return &Session{
		hub:      hub,
		conn:     conn,
		verified: verified,
		state:    StateUnauthenticated,
		sent:     newNonceCache(recentSendsSize),
		log:      hub.base.With("component", "session", "conn_id", conn.ID()),
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// UserID returns the authenticated user, zero before authentication.
func (s *Session) UserID() domain.UserID {
	return s.userID
}

// Dispatch processes one inbound event.
func (s *Session) Dispatch(ctx context.Context, ev Inbound) {
	switch s.state {
	case StateClosed:
		return
	case StateUnauthenticated:
		switch e := ev.(type) {
		case Authenticate:
			s.authenticate(ctx, e)
		case Disconnect:
			s.state = StateClosed
			s.log.Debug("Unauthenticated connection closed")
		default:
			s.log.Debug("Ignoring event before authentication", "event", ev.inboundType())
		}
	case StateAuthenticated:
		switch e := ev.(type) {
		case Typing:
			s.relay(e.UserID, e.ReceiverID, UserTyping{UserID: s.userID})
		case StopTyping:
			s.relay(e.UserID, e.ReceiverID, UserStopTyping{UserID: s.userID})
		case SendMessage:
			s.sendMessage(ctx, e)
		case Disconnect:
			s.disconnect()
		case Authenticate:
			s.log.Debug("Ignoring repeated authenticate", "user_id", s.userID, "requested_user_id", e.UserID)
		}
	}
}

func (s *Session) authenticate(ctx context.Context, e Authenticate) {
	if s.verified.Valid() && e.UserID != s.verified {
		s.log.Warn("Authenticate rejected: identity mismatch", "user_id", e.UserID, "verified_user_id", s.verified)
		s.emit(ErrorEvent{Message: "authentication does not match this connection"})
		return
	}

	if err := s.hub.Admit(ctx, e.UserID); err != nil {
		s.log.Error("Failed to admit user", "user_id", e.UserID, "error", err)
		s.emit(ErrorEvent{Message: "authentication failed, try again"})
		return
	}

	s.userID = e.UserID
	s.state = StateAuthenticated
	s.log = s.log.With("user_id", s.userID)
	s.hub.Connect(s.userID, s.conn)

	history, err := s.hub.History(ctx, s.userID, 0)
	if err != nil {
		s.log.Error("Failed to load recent messages", "error", err)
		s.emit(ErrorEvent{Message: "failed to load recent messages"})
		return
	}
	s.emit(RecentMessages(history))
}

func (s *Session) relay(claimed, receiverID domain.UserID, ev Outbound) {
	if claimed.Valid() && claimed != s.userID {
		s.log.Debug("Dropping typing event for another user", "claimed_user_id", claimed)
		return
	}
	if !s.hub.Relay(receiverID, ev) {
		s.log.Debug("Typing receiver offline", "receiver_id", receiverID, "event", ev.EventType())
	}
}

func (s *Session) sendMessage(ctx context.Context, e SendMessage) {
	if e.ClientID != "" {
		if prev, ok := s.sent.get(e.ClientID); ok {
			s.log.Debug("Duplicate send acknowledged", "client_id", e.ClientID, "message_id", prev.ID)
			s.emit(MessageSent{ChatMessage: *prev, ClientID: e.ClientID})
			return
		}
	}

	msg, err := s.hub.Persist(ctx, s.userID, e)
	if err != nil {
		s.log.Warn("Send message failed", "receiver_id", e.ReceiverID, "error", err)
		s.emit(ErrorEvent{Message: domain.PublicMessage(err, "failed to send message")})
		return
	}
	if e.ClientID != "" {
		s.sent.put(e.ClientID, msg)
	}

	s.emit(MessageSent{ChatMessage: *msg, ClientID: e.ClientID})
	if !s.hub.Deliver(msg) {
		s.log.Debug("Receiver offline, message kept for history", "message_id", msg.ID, "receiver_id", msg.ReceiverID)
	}
}

func (s *Session) disconnect() {
	s.hub.Disconnect(s.conn)
	s.state = StateClosed
}

func (s *Session) emit(ev Outbound) {
	if err := s.conn.Send(ev); err != nil {
		s.log.Debug("Failed to queue event", "event", ev.EventType(), "error", err)
	}
}

// nonceCache remembers the last n client nonces and the message each produced.
type nonceCache struct {
	size  int
	order []string
	items map[string]*domain.ChatMessage
}

func newNonceCache(size int) *nonceCache {
	return &nonceCache{
		size:  size,
		order: make([]string, 0, size),
		items: make(map[string]*domain.ChatMessage, size),
	}
}

func (c *nonceCache) get(key string) (*domain.ChatMessage, bool) {
	m, ok := c.items[key]
	return m, ok
}

func (c *nonceCache) put(key string, msg *domain.ChatMessage) {
	if _, ok := c.items[key]; ok {
		return
	}
	if len(c.order) == c.size {
		delete(c.items, c.order[0])
		c.order = c.order[1:]
	}
	c.order = append(c.order, key)
	c.items[key] = msg
}
