package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blooom-app/blooom/internal/domain"
)

// fakeHandle records every event queued on it.
type fakeHandle struct {
	id string

	mu     sync.Mutex
	events []Outbound
	fail   error
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id}
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Send(ev Outbound) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return h.fail
	}
	h.events = append(h.events, ev)
	return nil
}

func (h *fakeHandle) Events() []Outbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Outbound(nil), h.events...)
}

func (h *fakeHandle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
}

func (h *fakeHandle) ofType(eventType string) []Outbound {
	var out []Outbound
	for _, ev := range h.Events() {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// memStore is an in-memory MessageStore.
type memStore struct {
	mu       sync.Mutex
	users    map[domain.UserID]string
	messages []domain.ChatMessage
	nextID   int64
	creates  int
	listErr  error
	userErr  error
	now      time.Time
}

func newMemStore(users map[domain.UserID]string) *memStore {
	return &memStore{
		users: users,
		now:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) CreateMessage(_ context.Context, content string, senderID, receiverID domain.UserID) (*domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(content) == "" {
		return nil, domain.ErrEmptyContent
	}
	sender, ok := s.users[senderID]
	if !ok {
		return nil, domain.ErrUnknownSender
	}
	receiver, ok := s.users[receiverID]
	if !ok {
		return nil, domain.ErrUnknownReceiver
	}
	s.nextID++
	s.creates++
	s.now = s.now.Add(time.Second)
	msg := domain.ChatMessage{
		ID:         s.nextID,
		Content:    content,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Sender:     domain.Participant{ID: senderID, Username: sender},
		Receiver:   domain.Participant{ID: receiverID, Username: receiver},
		Timestamp:  s.now,
	}
	s.messages = append(s.messages, msg)
	return &msg, nil
}

func (s *memStore) ListRecentForUser(_ context.Context, userID domain.UserID, limit int) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.ChatMessage
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].Involves(userID) {
			out = append(out, s.messages[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetUser(_ context.Context, userID domain.UserID) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userErr != nil {
		return nil, s.userErr
	}
	name, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &domain.User{ID: userID, Username: name}, nil
}

func (s *memStore) UpsertUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userErr != nil {
		return s.userErr
	}
	if s.users == nil {
		s.users = make(map[domain.UserID]string)
	}
	s.users[user.ID] = user.Username
	return nil
}

func (s *memStore) username(userID domain.UserID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.users[userID]
	return name, ok
}

func (s *memStore) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

var errFakeStore = errors.New("store down")
