package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/blooom-app/blooom/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// Inbound event names.
const (
	TypeAuthenticate = "authenticate"
	TypeTyping       = "typing"
	TypeStopTyping   = "stop_typing"
	TypeSendMessage  = "send_message"
	TypeDisconnect   = "disconnect"

	// typeLegacySendMessage is what older browser clients emit for a send.
	typeLegacySendMessage = "new_message"
)

// Outbound event names.
const (
	TypeRecentMessages = "recent_messages"
	TypeMessageSent    = "message_sent"
	TypeNewMessage     = "new_message"
	TypeUserTyping     = "user_typing"
	TypeUserStopTyping = "user_stop_typing"
	TypeUserStatus     = "user_status"
	TypeError          = "error"
)

// ErrMalformedEvent is returned for frames that do not decode into a known,
// well-formed event.
var ErrMalformedEvent = fmt.Errorf("malformed event: %w", errdefs.ErrInvalidArgument)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic("realtime: register notblank validation: " + err.Error())
	}
	return v
}

// envelope is the wire frame: {"type": "...", "data": {...}}.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is one of Authenticate, Typing, StopTyping, SendMessage or Disconnect.
type Inbound interface {
	inboundType() string
}

// Authenticate binds the connection to a user.
type Authenticate struct {
	UserID domain.UserID `json:"userId" validate:"gt=0"`
}

// Typing signals that the sender started typing to ReceiverID.
type Typing struct {
	UserID     domain.UserID `json:"userId"`
	ReceiverID domain.UserID `json:"receiverId" validate:"gt=0"`
}

// StopTyping signals that the sender stopped typing to ReceiverID.
type StopTyping struct {
	UserID     domain.UserID `json:"userId"`
	ReceiverID domain.UserID `json:"receiverId" validate:"gt=0"`
}

// SendMessage asks the server to persist and deliver a message.
// ClientID is an optional nonce used to recognise re-sent frames.
type SendMessage struct {
	Content    string        `json:"content" validate:"notblank"`
	SenderID   domain.UserID `json:"senderId"`
	ReceiverID domain.UserID `json:"receiverId" validate:"gt=0"`
	ClientID   string        `json:"clientId,omitempty" validate:"omitempty,max=64"`
}

// Disconnect ends the session. It is also synthesised on transport close.
type Disconnect struct{}

func (Authenticate) inboundType() string { return TypeAuthenticate }
func (Typing) inboundType() string       { return TypeTyping }
func (StopTyping) inboundType() string   { return TypeStopTyping }
func (SendMessage) inboundType() string  { return TypeSendMessage }
func (Disconnect) inboundType() string   { return TypeDisconnect }

// Validate checks the message fields that do not depend on who sends it.
func (m SendMessage) Validate() error {
	err := validate.Struct(m)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate message: %w", err)
	}
	switch verrs[0].Field() {
	case "Content":
		return domain.ErrEmptyContent
	case "ReceiverID":
		return domain.ErrMissingReceiver
	default:
		return fmt.Errorf("%w: invalid %s", ErrMalformedEvent, strings.ToLower(verrs[0].Field()))
	}
}

// DecodeInbound parses and shape-checks one client frame.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Type {
	case TypeAuthenticate:
		var ev Authenticate
		if err := decodeAuthenticate(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, checkShape(ev)
	case TypeTyping:
		var ev Typing
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, checkShape(ev)
	case TypeStopTyping:
		var ev StopTyping
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, checkShape(ev)
	case TypeSendMessage, typeLegacySendMessage:
		// Content and receiver are validated later so the sender gets a
		// specific error event.
		var ev SendMessage
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeDisconnect:
		return Disconnect{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}
}

// decodeAuthenticate also accepts a bare id as data, e.g. {"type":"authenticate","data":7}.
func decodeAuthenticate(data json.RawMessage, ev *Authenticate) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		if err := json.Unmarshal(trimmed, &ev.UserID); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return nil
	}
	return decodeData(data, ev)
}

func decodeData(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func checkShape(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// Outbound is any event the server sends to a client.
type Outbound interface {
	EventType() string
}

// RecentMessages carries the history sent once after authentication.
type RecentMessages []domain.ChatMessage

// MessageSent acknowledges a persisted message to its sender. ClientID echoes
// the nonce of the send request, if it had one.
type MessageSent struct {
	domain.ChatMessage
	ClientID string `json:"clientId,omitempty"`
}

// NewMessage delivers a persisted message to its receiver.
type NewMessage struct {
	domain.ChatMessage
}

// UserTyping tells the receiver that UserID is typing.
type UserTyping struct {
	UserID domain.UserID `json:"userId"`
}

// UserStopTyping tells the receiver that UserID stopped typing.
type UserStopTyping struct {
	UserID domain.UserID `json:"userId"`
}

// Status is a presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// UserStatus is broadcast to every connection on presence changes.
type UserStatus struct {
	UserID domain.UserID `json:"userId"`
	Status Status        `json:"status"`
}

// ErrorEvent reports a failed operation to the originating connection.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (RecentMessages) EventType() string { return TypeRecentMessages }
func (MessageSent) EventType() string    { return TypeMessageSent }
func (NewMessage) EventType() string     { return TypeNewMessage }
func (UserTyping) EventType() string     { return TypeUserTyping }
func (UserStopTyping) EventType() string { return TypeUserStopTyping }
func (UserStatus) EventType() string     { return TypeUserStatus }
func (ErrorEvent) EventType() string     { return TypeError }

// Encode wraps an outbound event into its wire envelope.
func Encode(ev Outbound) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	return json.Marshal(envelope{Type: ev.EventType(), Data: data})
}

// DecodeOutbound parses a server frame. Used by clients.
func DecodeOutbound(raw []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var ev Outbound
	var err error
	switch env.Type {
	case TypeRecentMessages:
		var v RecentMessages
		err = decodeData(env.Data, &v)
		ev = v
	case TypeMessageSent:
		var v MessageSent
		err = decodeData(env.Data, &v)
		ev = v
	case TypeNewMessage:
		var v NewMessage
		err = decodeData(env.Data, &v)
		ev = v
	case TypeUserTyping:
		var v UserTyping
		err = decodeData(env.Data, &v)
		ev = v
	case TypeUserStopTyping:
		var v UserStopTyping
		err = decodeData(env.Data, &v)
		ev = v
	case TypeUserStatus:
		var v UserStatus
		err = decodeData(env.Data, &v)
		ev = v
	case TypeError:
		var v ErrorEvent
		err = decodeData(env.Data, &v)
		ev = v
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}
