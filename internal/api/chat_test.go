package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blooom-app/blooom/internal/domain"
	"github.com/blooom-app/blooom/internal/identity"
	"github.com/blooom-app/blooom/internal/realtime"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu       sync.Mutex
	users    map[domain.UserID]*domain.User
	messages []domain.ChatMessage
	nextID   int64
	failAll  error
}

func newFakeRepo() *fakeRepo {
	now := time.Now()
	return &fakeRepo{users: map[domain.UserID]*domain.User{
		1: {ID: 1, Username: "alice", CreatedAt: now, UpdatedAt: now},
		2: {ID: 2, Username: "bob", CreatedAt: now, UpdatedAt: now},
	}}
}

func (f *fakeRepo) GetUser(_ context.Context, userID domain.UserID) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	if user == nil {
		return nil, nil
	}
	copy := *user
	return &copy, nil
}

func (f *fakeRepo) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *user
	f.users[user.ID] = &copy
	return nil
}

func (f *fakeRepo) CreateMessage(_ context.Context, content string, senderID, receiverID domain.UserID) (*domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	sender, receiver := f.users[senderID], f.users[receiverID]
	if sender == nil {
		return nil, domain.ErrUnknownSender
	}
	if receiver == nil {
		return nil, domain.ErrUnknownReceiver
	}
	f.nextID++
	msg := domain.ChatMessage{
		ID:         f.nextID,
		Content:    content,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Sender:     sender.Participant(),
		Receiver:   receiver.Participant(),
		Timestamp:  time.Now(),
	}
	f.messages = append(f.messages, msg)
	return &msg, nil
}

func (f *fakeRepo) ListRecentForUser(_ context.Context, userID domain.UserID, limit int) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	var out []domain.ChatMessage
	for _, m := range f.messages {
		if m.Involves(userID) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeRepo) GetMessage(_ context.Context, id int64) (*domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			copy := m
			return &copy, nil
		}
	}
	return nil, domain.ErrMessageNotFound
}

func (f *fakeRepo) DeleteMessage(_ context.Context, id int64, requesterID domain.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.messages {
		if m.ID != id {
			continue
		}
		if m.SenderID != requesterID {
			return domain.ErrNotMessageOwner
		}
		f.messages = append(f.messages[:i], f.messages[i+1:]...)
		return nil
	}
	return domain.ErrMessageNotFound
}

func (f *fakeRepo) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failAll
}

func (f *fakeRepo) Close() error { return nil }

// recordingHandle is a realtime connection that keeps what it receives.
type recordingHandle struct {
	mu     sync.Mutex
	events []realtime.Outbound
}

func (h *recordingHandle) ID() string { return "rec" }

func (h *recordingHandle) Send(ev realtime.Outbound) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

type chatFixture struct {
	repo   *fakeRepo
	hub    *realtime.Hub
	router chi.Router
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	repo := newFakeRepo()
	hub := realtime.NewHub(repo)
	r := chi.NewRouter()
	NewChatHandler(NewHandler(repo, hub), 50).RegisterRoutes(r)
	NewHealthHandler(repo, time.Second).RegisterHealth(r)
	return &chatFixture{repo: repo, hub: hub, router: r}
}

func (f *chatFixture) do(t *testing.T, method, target, body string, as domain.UserID) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if as.Valid() {
		req = req.WithContext(identity.WithUser(req.Context(), as, ""))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestChatRequiresIdentity(t *testing.T) {
	f := newChatFixture(t)
	for _, target := range []string{"/api/me", "/api/chat", "/api/presence"} {
		w := f.do(t, http.MethodGet, target, "", 0)
		require.Equal(t, http.StatusUnauthorized, w.Code, target)
	}
}

func TestGetMe(t *testing.T) {
	f := newChatFixture(t)
	f.hub.Connect(1, &recordingHandle{})

	w := f.do(t, http.MethodGet, "/api/me", "", 1)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[map[string]any](t, w)
	require.EqualValues(t, 1, got["user_id"])
	require.Equal(t, "alice", got["username"])
	require.Equal(t, true, got["online"])

	w = f.do(t, http.MethodGet, "/api/me", "", 77)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessageOverHTTP(t *testing.T) {
	f := newChatFixture(t)
	bob := &recordingHandle{}
	f.hub.Connect(2, bob)
	bob.events = nil

	w := f.do(t, http.MethodPost, "/api/chat", `{"content":"hi bob","receiverId":2}`, 1)
	require.Equal(t, http.StatusCreated, w.Code)
	msg := decodeBody[domain.ChatMessage](t, w)
	require.Equal(t, "hi bob", msg.Content)
	require.Equal(t, domain.UserID(1), msg.SenderID)
	require.Equal(t, "alice", msg.Sender.Username)

	require.Len(t, bob.events, 1)
	require.Equal(t, msg.ID, bob.events[0].(realtime.NewMessage).ID)
}

func TestSendMessageErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{"bad json", `{`, http.StatusBadRequest, "invalid request body"},
		{"empty content", `{"content":"  ","receiverId":2}`, http.StatusBadRequest, "message content is empty"},
		{"missing receiver", `{"content":"hi"}`, http.StatusBadRequest, "receiver is missing"},
		{"self", `{"content":"hi","receiverId":1}`, http.StatusBadRequest, "you cannot send a message to yourself"},
		{"unknown receiver", `{"content":"hi","receiverId":42}`, http.StatusNotFound, "unknown receiver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newChatFixture(t)
			w := f.do(t, http.MethodPost, "/api/chat", tt.body, 1)
			require.Equal(t, tt.status, w.Code)
			require.Equal(t, tt.errMsg, decodeBody[map[string]string](t, w)["error"])
		})
	}
}

func TestSendMessageStoreUnavailable(t *testing.T) {
	f := newChatFixture(t)
	f.repo.failAll = domain.PersistenceError("insert message", errors.New("disk I/O error"))

	w := f.do(t, http.MethodPost, "/api/chat", `{"content":"hi","receiverId":2}`, 1)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Equal(t, "failed to send message", decodeBody[map[string]string](t, w)["error"])
}

func TestListMessages(t *testing.T) {
	f := newChatFixture(t)
	for i := 0; i < 3; i++ {
		w := f.do(t, http.MethodPost, "/api/chat", `{"content":"m","receiverId":2}`, 1)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := f.do(t, http.MethodGet, "/api/chat?limit=2", "", 2)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[struct {
		Messages []domain.ChatMessage `json:"messages"`
	}](t, w)
	require.Len(t, got.Messages, 2)
	require.Equal(t, int64(2), got.Messages[0].ID)
	require.Equal(t, int64(3), got.Messages[1].ID)

	w = f.do(t, http.MethodGet, "/api/chat?limit=abc", "", 2)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteMessage(t *testing.T) {
	f := newChatFixture(t)
	w := f.do(t, http.MethodPost, "/api/chat", `{"content":"oops","receiverId":2}`, 1)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodDelete, "/api/chat?id=x", "", 1)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/api/chat?id=1", "", 2)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodDelete, "/api/chat?id=1", "", 1)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]bool{"success": true}, decodeBody[map[string]bool](t, w))

	w = f.do(t, http.MethodDelete, "/api/chat?id=1", "", 1)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPresence(t *testing.T) {
	f := newChatFixture(t)
	f.hub.Connect(2, &recordingHandle{})

	w := f.do(t, http.MethodGet, "/api/presence", "", 1)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[struct {
		Online []domain.UserID `json:"online"`
		Count  int             `json:"count"`
	}](t, w)
	require.Equal(t, []domain.UserID{2}, got.Online)
	require.Equal(t, 1, got.Count)
}

func TestHealth(t *testing.T) {
	f := newChatFixture(t)

	w := f.do(t, http.MethodGet, "/health", "", 0)
	require.Equal(t, http.StatusOK, w.Code)

	f.repo.failAll = errors.New("db gone")
	w = f.do(t, http.MethodGet, "/health", "", 0)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	got := decodeBody[map[string]any](t, w)
	require.Equal(t, "degraded", got["status"])
}
