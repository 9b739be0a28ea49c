package domain

import (
	"time"
)

// ChatMessage is a persisted direct message between two users.
// ID and Timestamp are assigned by the store and never change afterwards.
type ChatMessage struct {
	ID         int64       `json:"id"`
	Content    string      `json:"content"`
	SenderID   UserID      `json:"senderId"`
	ReceiverID UserID      `json:"receiverId"`
	Sender     Participant `json:"sender"`
	Receiver   Participant `json:"receiver"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Involves reports whether the user is the sender or the receiver.
func (m *ChatMessage) Involves(userID UserID) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Peer returns the other participant of the message from userID's point of view.
func (m *ChatMessage) Peer(userID UserID) UserID {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}
