// Package domain contains core domain types for the Blooom chat server.
package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UserID is the stable numeric identity issued by the authentication collaborator.
// The zero value means "absent".
type UserID int64

// Valid reports whether the id refers to a user.
func (id UserID) Valid() bool {
	return id > 0
}

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseUserID parses a decimal user id. Empty, non-numeric and non-positive
// values are rejected.
func ParseUserID(s string) (UserID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse user id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("parse user id %q: must be positive", s)
	}
	return UserID(n), nil
}

// UnmarshalJSON accepts either a JSON number or a numeric JSON string,
// since browser clients send both.
func (id *UserID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*id = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = str
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("user id %s is not numeric", string(b))
	}
	*id = UserID(n)
	return nil
}

// User is the local mirror of an authenticated account.
type User struct {
	ID        UserID    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participant returns the public projection embedded into chat messages.
func (u *User) Participant() Participant {
	return Participant{ID: u.ID, Username: u.Username}
}

// Participant is one side of a conversation as shown to clients.
type Participant struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}
