// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/blooom-app/blooom/internal/domain"
)

// DefaultHistoryLimit caps the recent history returned to a connecting user.
const DefaultHistoryLimit = 50

// MessageStore is the persistence gateway used by the realtime core.
type MessageStore interface {
	// CreateMessage persists a message and assigns its id and timestamp.
	// Fails when either participant is unknown.
	CreateMessage(ctx context.Context, content string, senderID, receiverID domain.UserID) (*domain.ChatMessage, error)

	// ListRecentForUser returns the most recent messages sent or received by
	// the user, at most limit entries, in ascending timestamp order.
	ListRecentForUser(ctx context.Context, userID domain.UserID, limit int) ([]domain.ChatMessage, error)
}

// UserStore reads and writes user records.
type UserStore interface {
	// GetUser retrieves a user by id. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID domain.UserID) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error
}

// Repository defines the full persistence surface of the server.
type Repository interface {
	MessageStore
	UserStore

	// GetMessage retrieves a single message by id.
	GetMessage(ctx context.Context, id int64) (*domain.ChatMessage, error)

	// DeleteMessage removes a message if requesterID is its sender.
	DeleteMessage(ctx context.Context, id int64, requesterID domain.UserID) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
