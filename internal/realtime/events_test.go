package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/blooom-app/blooom/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{"authenticate object", `{"type":"authenticate","data":{"userId":7}}`, Authenticate{UserID: 7}},
		{"authenticate string id", `{"type":"authenticate","data":{"userId":"7"}}`, Authenticate{UserID: 7}},
		{"authenticate bare id", `{"type":"authenticate","data":7}`, Authenticate{UserID: 7}},
		{"typing", `{"type":"typing","data":{"userId":1,"receiverId":2}}`, Typing{UserID: 1, ReceiverID: 2}},
		{"stop typing", `{"type":"stop_typing","data":{"receiverId":"2"}}`, StopTyping{ReceiverID: 2}},
		{
			"send message",
			`{"type":"send_message","data":{"content":"hi","senderId":1,"receiverId":2,"clientId":"n1"}}`,
			SendMessage{Content: "hi", SenderID: 1, ReceiverID: 2, ClientID: "n1"},
		},
		{"legacy send", `{"type":"new_message","data":{"content":"hi","receiverId":2}}`, SendMessage{Content: "hi", ReceiverID: 2}},
		{"blank send decodes", `{"type":"send_message","data":{"content":"  "}}`, SendMessage{Content: "  "}},
		{"disconnect", `{"type":"disconnect"}`, Disconnect{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.raw))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeInboundMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":          `hello`,
		"missing type":      `{"data":{}}`,
		"unknown type":      `{"type":"shout"}`,
		"authenticate zero": `{"type":"authenticate","data":{"userId":0}}`,
		"authenticate text": `{"type":"authenticate","data":{"userId":"abc"}}`,
		"typing no target":  `{"type":"typing","data":{"userId":1}}`,
		"data wrong shape":  `{"type":"stop_typing","data":[1,2]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(raw))
			require.ErrorIs(t, err, ErrMalformedEvent)
			require.True(t, errdefs.IsInvalidArgument(err))
		})
	}
}

func TestSendMessageValidate(t *testing.T) {
	require.NoError(t, SendMessage{Content: "hi", ReceiverID: 2}.Validate())
	require.ErrorIs(t, SendMessage{Content: " \t", ReceiverID: 2}.Validate(), domain.ErrEmptyContent)
	require.ErrorIs(t, SendMessage{Content: "hi"}.Validate(), domain.ErrMissingReceiver)

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'x'
	}
	require.ErrorIs(t, SendMessage{Content: "hi", ReceiverID: 2, ClientID: string(long)}.Validate(), ErrMalformedEvent)
}

func TestEncodeEnvelope(t *testing.T) {
	msg := domain.ChatMessage{
		ID:         4,
		Content:    "hello",
		SenderID:   1,
		ReceiverID: 2,
		Sender:     domain.Participant{ID: 1, Username: "alice"},
		Receiver:   domain.Participant{ID: 2, Username: "bob"},
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	raw, err := Encode(NewMessage{ChatMessage: msg})
	require.NoError(t, err)

	var frame struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.Equal(t, "new_message", frame.Type)
	require.Equal(t, "hello", frame.Data["content"])
	require.EqualValues(t, 1, frame.Data["senderId"])
	require.EqualValues(t, 2, frame.Data["receiverId"])
	require.Contains(t, frame.Data, "timestamp")

	raw, err = Encode(UserStatus{UserID: 3, Status: StatusOffline})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"user_status","data":{"userId":3,"status":"offline"}}`, string(raw))
}

func TestDecodeOutbound(t *testing.T) {
	events := []Outbound{
		RecentMessages{{ID: 1, Content: "a", SenderID: 1, ReceiverID: 2}},
		MessageSent{ChatMessage: domain.ChatMessage{ID: 2, Content: "b", SenderID: 1, ReceiverID: 2}},
		UserTyping{UserID: 1},
		UserStopTyping{UserID: 1},
		UserStatus{UserID: 1, Status: StatusOnline},
		ErrorEvent{Message: "nope"},
	}
	for _, ev := range events {
		t.Run(ev.EventType(), func(t *testing.T) {
			raw, err := Encode(ev)
			require.NoError(t, err)
			got, err := DecodeOutbound(raw)
			require.NoError(t, err)
			require.Equal(t, ev.EventType(), got.EventType())
		})
	}

	_, err := DecodeOutbound([]byte(`{"type":"mystery"}`))
	require.ErrorIs(t, err, ErrMalformedEvent)

	raw, err := Encode(MessageSent{ChatMessage: domain.ChatMessage{ID: 7, Content: "c", SenderID: 1, ReceiverID: 2}, ClientID: "nonce-7"})
	require.NoError(t, err)
	require.Contains(t, string(raw), `"clientId":"nonce-7"`)
	got, err := DecodeOutbound(raw)
	require.NoError(t, err)
	ack := got.(MessageSent)
	require.Equal(t, int64(7), ack.ID)
	require.Equal(t, "nonce-7", ack.ClientID)
}
