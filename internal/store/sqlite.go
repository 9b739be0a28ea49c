package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blooom-app/blooom/internal/domain"
	"github.com/blooom-app/blooom/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes write transactions to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers, foreign keys for participant integrity.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content TEXT NOT NULL CHECK (length(trim(content)) > 0),
		sender_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		receiver_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		timestamp INTEGER NOT NULL,
		CHECK (sender_id <> receiver_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_sender ON chat_messages(sender_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_receiver ON chat_messages(receiver_id, timestamp);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID domain.UserID) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, created_at, updated_at FROM users WHERE id = ?`, int64(userID))

	var user domain.User
	var createdAt, updatedAt int64
	err := row.Scan(&user.ID, &user.Username, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CreatedAt = time.Unix(createdAt, 0).UTC()
	user.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (id, username, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		username = excluded.username,
		updated_at = excluded.updated_at`

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := shared.RetryOnConflict(ctx, "upsert user", writeRetries, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			int64(user.ID), user.Username, user.CreatedAt.Unix(), user.UpdatedAt.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// CreateMessage persists a message inside a transaction that also resolves
// both participants, so unknown users fail before anything is written.
func (s *SQLiteStore) CreateMessage(ctx context.Context, content string, senderID, receiverID domain.UserID) (*domain.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, domain.ErrEmptyContent
	}
	if senderID == receiverID {
		return nil, domain.ErrSelfMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var msg *domain.ChatMessage
	err := shared.RetryOnConflict(ctx, "create message", writeRetries, writeBaseDelay, func() error {
		m, err := s.createMessageOnce(ctx, content, senderID, receiverID)
		msg = m
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrUnknownParticipant) {
			return nil, err
		}
		if shared.IsSQLiteConstraintError(err) {
			return nil, fmt.Errorf("create message: %w", domain.ErrUnknownParticipant)
		}
		return nil, domain.PersistenceError("create message", err)
	}
	return msg, nil
}

func (s *SQLiteStore) createMessageOnce(ctx context.Context, content string, senderID, receiverID domain.UserID) (*domain.ChatMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to rollback message transaction", "error", rbErr)
		}
	}()

	sender, err := lookupParticipant(ctx, tx, senderID, domain.ErrUnknownSender)
	if err != nil {
		return nil, err
	}
	receiver, err := lookupParticipant(ctx, tx, receiverID, domain.ErrUnknownReceiver)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (content, sender_id, receiver_id, timestamp) VALUES (?, ?, ?, ?)`,
		content, int64(senderID), int64(receiverID), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get inserted id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}

	return &domain.ChatMessage{
		ID:         id,
		Content:    content,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Sender:     sender,
		Receiver:   receiver,
		Timestamp:  now,
	}, nil
}

func lookupParticipant(ctx context.Context, tx *sql.Tx, userID domain.UserID, notFound error) (domain.Participant, error) {
	var p domain.Participant
	err := tx.QueryRowContext(ctx, `SELECT id, username FROM users WHERE id = ?`, int64(userID)).
		Scan(&p.ID, &p.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("user %d: %w", userID, notFound)
	}
	if err != nil {
		return p, fmt.Errorf("lookup user %d: %w", userID, err)
	}
	return p, nil
}

const messageColumns = `
	m.id, m.content, m.sender_id, s.username, m.receiver_id, r.username, m.timestamp`

// ListRecentForUser returns the newest limit messages the user sent or
// received, oldest first.
func (s *SQLiteStore) ListRecentForUser(ctx context.Context, userID domain.UserID, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := `
		SELECT` + messageColumns + `
		FROM (
			SELECT id, content, sender_id, receiver_id, timestamp
			FROM chat_messages
			WHERE sender_id = ? OR receiver_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) m
		JOIN users s ON s.id = m.sender_id
		JOIN users r ON r.id = m.receiver_id
		ORDER BY m.timestamp ASC, m.id ASC`

	rows, err := s.db.QueryContext(ctx, query, int64(userID), int64(userID), limit)
	if err != nil {
		return nil, domain.PersistenceError("query recent messages", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recent messages rows", "error", closeErr)
		}
	}()

	messages := make([]domain.ChatMessage, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.PersistenceError("iterate recent messages", err)
	}

	return messages, nil
}

// GetMessage retrieves a single message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*domain.ChatMessage, error) {
	query := `
		SELECT` + messageColumns + `
		FROM chat_messages m
		JOIN users s ON s.id = m.sender_id
		JOIN users r ON r.id = m.receiver_id
		WHERE m.id = ?`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	return msg, err
}

// DeleteMessage removes a message when requesterID is its sender.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id int64, requesterID domain.UserID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var senderID int64
	err := s.db.QueryRowContext(ctx, `SELECT sender_id FROM chat_messages WHERE id = ?`, id).Scan(&senderID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrMessageNotFound
	}
	if err != nil {
		return domain.PersistenceError("lookup message", err)
	}
	if domain.UserID(senderID) != requesterID {
		return domain.ErrNotMessageOwner
	}

	err = shared.RetryOnConflict(ctx, "delete message", writeRetries, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE id = ? AND sender_id = ?`, id, senderID)
		return err
	})
	if err != nil {
		return domain.PersistenceError("delete message", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.ChatMessage, error) {
	var msg domain.ChatMessage
	var ts int64
	err := row.Scan(
		&msg.ID, &msg.Content,
		&msg.SenderID, &msg.Sender.Username,
		&msg.ReceiverID, &msg.Receiver.Username,
		&ts,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	msg.Sender.ID = msg.SenderID
	msg.Receiver.ID = msg.ReceiverID
	msg.Timestamp = time.Unix(0, ts).UTC()
	return &msg, nil
}
