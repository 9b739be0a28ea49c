package domain

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Validation failures. They are reported to the originating client only.
var (
	ErrEmptyContent    = fmt.Errorf("message content is empty: %w", errdefs.ErrInvalidArgument)
	ErrMissingReceiver = fmt.Errorf("receiver is missing: %w", errdefs.ErrInvalidArgument)
	ErrSelfMessage     = fmt.Errorf("cannot send a message to yourself: %w", errdefs.ErrInvalidArgument)
	ErrSenderMismatch  = fmt.Errorf("sender does not match the authenticated user: %w", errdefs.ErrInvalidArgument)
)

// Store failures.
var (
	ErrUnknownParticipant = fmt.Errorf("unknown participant: %w", errdefs.ErrNotFound)
	ErrUnknownSender      = fmt.Errorf("unknown sender: %w", ErrUnknownParticipant)
	ErrUnknownReceiver    = fmt.Errorf("unknown receiver: %w", ErrUnknownParticipant)
	ErrMessageNotFound    = fmt.Errorf("message not found: %w", errdefs.ErrNotFound)
	ErrNotMessageOwner    = fmt.Errorf("only the sender may delete a message: %w", errdefs.ErrPermissionDenied)
)

var publicMessages = []struct {
	err error
	msg string
}{
	{ErrEmptyContent, "message content is empty"},
	{ErrMissingReceiver, "receiver is missing"},
	{ErrSelfMessage, "you cannot send a message to yourself"},
	{ErrSenderMismatch, "sender does not match the authenticated user"},
	{ErrUnknownSender, "unknown sender"},
	{ErrUnknownReceiver, "unknown receiver"},
	{ErrUnknownParticipant, "unknown participant"},
	{ErrMessageNotFound, "message not found"},
	{ErrNotMessageOwner, "you are not allowed to delete this message"},
}

// PublicMessage returns a client-safe description of err. Errors without a
// known description map to fallback.
func PublicMessage(err error, fallback string) string {
	for _, pm := range publicMessages {
		if errors.Is(err, pm.err) {
			return pm.msg
		}
	}
	return fallback
}

// PersistenceError marks a failed store operation so callers can tell it
// apart from validation problems.
func PersistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, errdefs.ErrUnavailable, err)
}
