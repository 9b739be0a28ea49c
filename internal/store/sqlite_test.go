package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/blooom-app/blooom/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUsers(t *testing.T, s *SQLiteStore, names ...string) {
	t.Helper()
	now := time.Now()
	for i, name := range names {
		require.NoError(t, s.UpsertUser(context.Background(), &domain.User{
			ID:        domain.UserID(i + 1),
			Username:  name,
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}
}

func TestSQLiteStore_UpsertAndGetUser(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.GetUser(ctx, 1)
	req.NoError(err)
	req.Nil(user)

	seedUsers(t, s, "alice")
	user, err = s.GetUser(ctx, 1)
	req.NoError(err)
	req.Equal("alice", user.Username)

	req.NoError(s.UpsertUser(ctx, &domain.User{ID: 1, Username: "alice2", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	user, err = s.GetUser(ctx, 1)
	req.NoError(err)
	req.Equal("alice2", user.Username)
}

func TestSQLiteStore_CreateMessageRoundTrip(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "alice", "bob")

	before := time.Now().UTC().Add(-time.Second)
	msg, err := s.CreateMessage(ctx, "hi", 1, 2)
	req.NoError(err)
	req.Positive(msg.ID)
	req.True(msg.Timestamp.After(before))
	req.Equal("alice", msg.Sender.Username)
	req.Equal("bob", msg.Receiver.Username)

	for _, uid := range []domain.UserID{1, 2} {
		history, err := s.ListRecentForUser(ctx, uid, 50)
		req.NoError(err)
		req.Len(history, 1)
		req.Equal(msg.ID, history[0].ID)
		req.Equal("hi", history[0].Content)
		req.Equal(domain.UserID(1), history[0].SenderID)
		req.Equal(domain.UserID(2), history[0].ReceiverID)
		req.True(msg.Timestamp.Equal(history[0].Timestamp))
	}

	got, err := s.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.Equal("hi", got.Content)
}

func TestSQLiteStore_CreateMessageRejectsInvalid(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "alice", "bob")

	_, err := s.CreateMessage(ctx, "hello me", 1, 1)
	req.ErrorIs(err, domain.ErrSelfMessage)

	_, err = s.CreateMessage(ctx, "   ", 1, 2)
	req.ErrorIs(err, domain.ErrEmptyContent)

	_, err = s.CreateMessage(ctx, "hello stranger", 1, 99)
	req.ErrorIs(err, domain.ErrUnknownReceiver)
	req.ErrorIs(err, domain.ErrUnknownParticipant)
	req.True(errdefs.IsNotFound(err))

	_, err = s.CreateMessage(ctx, "who am i", 99, 2)
	req.ErrorIs(err, domain.ErrUnknownSender)
	req.Equal("unknown sender", domain.PublicMessage(err, "fallback"))

	history, err := s.ListRecentForUser(ctx, 1, 50)
	req.NoError(err)
	req.Empty(history)
}

func TestSQLiteStore_ListRecentForUserKeepsNewestAscending(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "alice", "bob", "carol")

	for i := 0; i < 60; i++ {
		_, err := s.CreateMessage(ctx, fmt.Sprintf("msg-%d", i), 1, 2)
		req.NoError(err)
	}
	// Not involving alice.
	_, err := s.CreateMessage(ctx, "bob to carol", 2, 3)
	req.NoError(err)

	history, err := s.ListRecentForUser(ctx, 1, 50)
	req.NoError(err)
	req.Len(history, 50)
	req.Equal("msg-10", history[0].Content)
	req.Equal("msg-59", history[49].Content)
	for i := 1; i < len(history); i++ {
		req.False(history[i].Timestamp.Before(history[i-1].Timestamp))
		req.Greater(history[i].ID, history[i-1].ID)
	}
	for _, m := range history {
		req.True(m.Involves(1))
	}

	carol, err := s.ListRecentForUser(ctx, 3, 0)
	req.NoError(err)
	req.Len(carol, 1)
	req.Equal("bob to carol", carol[0].Content)
}

func TestSQLiteStore_DeleteMessageIsSenderGated(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "alice", "bob")

	msg, err := s.CreateMessage(ctx, "oops", 1, 2)
	req.NoError(err)

	err = s.DeleteMessage(ctx, msg.ID, 2)
	req.ErrorIs(err, domain.ErrNotMessageOwner)

	req.NoError(s.DeleteMessage(ctx, msg.ID, 1))

	_, err = s.GetMessage(ctx, msg.ID)
	req.ErrorIs(err, domain.ErrMessageNotFound)

	err = s.DeleteMessage(ctx, msg.ID, 1)
	req.ErrorIs(err, domain.ErrMessageNotFound)
}

func TestSQLiteStore_Ping(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
