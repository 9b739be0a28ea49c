package chatclient

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/blooom-app/blooom/internal/domain"
	"github.com/dgraph-io/badger/v4"
)

const (
	messagePrefix = "msg:"
	outboxPrefix  = "outbox:"
)

// PendingMessage is a send that could not reach the server. It is replayed
// on the next successful Connect.
type PendingMessage struct {
	ClientID   string        `json:"clientId"`
	Content    string        `json:"content"`
	ReceiverID domain.UserID `json:"receiverId"`
	QueuedAt   time.Time     `json:"queuedAt"`
}

// Cache keeps the last known conversation and the outbox on local disk.
type Cache struct {
	db *badger.DB
}

// OpenCache opens a cache rooted at dir. An empty dir keeps everything in memory.
func OpenCache(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Keys sort by timestamp then id thanks to zero padding.
func messageKey(m domain.ChatMessage) []byte {
	return []byte(fmt.Sprintf("%s%019d:%019d", messagePrefix, m.Timestamp.UnixNano(), m.ID))
}

func outboxKey(p PendingMessage) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", outboxPrefix, p.QueuedAt.UnixNano(), p.ClientID))
}

// Put stores server-assigned messages. Messages without an id are skipped.
func (c *Cache) Put(msgs ...domain.ChatMessage) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for _, m := range msgs {
			if m.ID <= 0 {
				continue
			}
			b, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := txn.Set(messageKey(m), b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns up to limit of the newest cached messages, oldest first.
func (c *Cache) Recent(limit int) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := c.db.View(func(txn *badger.Txn) error {
		prefix := []byte(messagePrefix)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(messagePrefix), []byte("9999999999999999999;")...)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) == limit {
				break
			}
			var m domain.ChatMessage
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &m)
			}); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read cached messages: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Enqueue adds a pending send to the outbox.
func (c *Cache) Enqueue(p PendingMessage) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(outboxKey(p), b)
	})
}

// Outbox returns pending sends in the order they were queued.
func (c *Cache) Outbox() ([]PendingMessage, error) {
	var out []PendingMessage
	err := c.db.View(func(txn *badger.Txn) error {
		prefix := []byte(outboxPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p PendingMessage
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &p)
			}); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	return out, nil
}

// Dequeue removes an acknowledged send from the outbox.
func (c *Cache) Dequeue(p PendingMessage) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(outboxKey(p))
	})
}
