// Package chatclient is the client side of the realtime chat: it keeps the
// conversation, presence and typing state of one user in sync with the
// server and degrades to HTTP and a local cache when the socket is down.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blooom-app/blooom/internal/domain"
	"github.com/blooom-app/blooom/internal/realtime"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	// DefaultTypingTimeout clears a peer's typing indicator when no stop arrives.
	DefaultTypingTimeout = 3 * time.Second
	historyPageSize      = 50
)

var (
	// ErrNotConnected is returned by operations that need a live socket.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectInProgress is returned when Connect is called while another
	// Connect is still dialing.
	ErrConnectInProgress = errors.New("connect already in progress")
)

// Options configures a Client.
type Options struct {
	// ServerURL is the HTTP base URL of the chat server, e.g. http://localhost:4000.
	ServerURL string
	// Token is the identity token. Without it the HTTP fallback is skipped.
	Token  string
	UserID domain.UserID
	// PeerID is the receiver of messages sent with Send.
	PeerID        domain.UserID
	TypingTimeout time.Duration
	Cache         *Cache
	HTTPClient    *http.Client
	Logger        *slog.Logger
	// OnEvent, when set, is called after every server event has been applied.
	OnEvent func(realtime.Outbound)
}

type typingState struct {
	gen   uint64
	timer *time.Timer
}

// Client is safe for concurrent use.
type Client struct {
	opts Options
	base *url.URL
	log  *slog.Logger

	mu        sync.Mutex
	messages  []domain.ChatMessage
	seen      map[int64]struct{}
	localIDs  map[string]int64
	pending   map[string]PendingMessage
	nextLocal int64
	typing    map[domain.UserID]*typingState
	typingGen uint64
	online    map[domain.UserID]struct{}
	connected bool
	dialing   bool
	lastErr   error
	conn      *websocket.Conn
	done      chan struct{}
}

// New creates a client. Nothing is dialed until Connect.
func New(opts Options) (*Client, error) {
	if !opts.UserID.Valid() {
		return nil, fmt.Errorf("chatclient: invalid user id %d", opts.UserID)
	}
	base, err := url.Parse(opts.ServerURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("chatclient: invalid server url %q", opts.ServerURL)
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		opts:     opts,
		base:     base,
		log:      log.With("component", "chatclient", "user_id", opts.UserID),
		seen:     make(map[int64]struct{}),
		localIDs: make(map[string]int64),
		pending:  make(map[string]PendingMessage),
		typing:   make(map[domain.UserID]*typingState),
		online:   make(map[domain.UserID]struct{}),
	}, nil
}

func (c *Client) socketURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) apiURL(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// Connect dials the server and authenticates. On failure the client stays
// usable in degraded mode with history loaded over HTTP or from the cache.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.dialing {
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.dialing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
	}()

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	// The dialer rejects http.Client timeouts, so the default client is used here.
	conn, _, err := websocket.Dial(ctx, c.socketURL(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		c.log.Warn("Realtime connection failed, using fallback", "error", err)
		c.setErr(fmt.Errorf("connect: %w", err))
		if refreshErr := c.Refresh(ctx); refreshErr != nil {
			c.log.Debug("Fallback history unavailable", "error", refreshErr)
		}
		return err
	}

	if err := wsjson.Write(ctx, conn, frame{Type: realtime.TypeAuthenticate, Data: realtime.Authenticate{UserID: c.opts.UserID}}); err != nil {
		_ = conn.CloseNow()
		c.setErr(fmt.Errorf("authenticate: %w", err))
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastErr = nil
	c.done = done
	c.mu.Unlock()
	c.log.Info("Connected")

	go c.readLoop(conn, done)
	c.replayOutbox(ctx)
	if err := c.seedPresence(ctx); err != nil {
		c.log.Debug("Presence snapshot unavailable", "error", err)
	}
	return nil
}

// seedPresence adds users that were online before this connection, since
// status broadcasts only report changes.
func (c *Client) seedPresence(ctx context.Context) error {
	if c.opts.Token == "" {
		return nil
	}
	var out struct {
		Online []domain.UserID `json:"online"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL("/api/presence", nil), nil, &out); err != nil {
		return err
	}
	c.mu.Lock()
	for _, id := range out.Online {
		c.online[id] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

type frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				c.connected = false
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					c.lastErr = fmt.Errorf("connection lost: %w", err)
				}
			}
			c.mu.Unlock()
			c.log.Info("Disconnected", "error", err)
			return
		}

		ev, err := realtime.DecodeOutbound(raw)
		if err != nil {
			c.log.Debug("Ignoring unknown server event", "error", err)
			continue
		}
		c.apply(ev)
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(ev)
		}
	}
}

func (c *Client) apply(ev realtime.Outbound) {
	switch e := ev.(type) {
	case realtime.RecentMessages:
		c.replaceMessages(e)
		c.cachePut(e...)
	case realtime.MessageSent:
		c.ackPending(e.ClientID)
		c.appendMessage(e.ChatMessage)
		c.cachePut(e.ChatMessage)
	case realtime.NewMessage:
		c.stopTyping(e.SenderID)
		c.appendMessage(e.ChatMessage)
		c.cachePut(e.ChatMessage)
	case realtime.UserTyping:
		c.startTyping(e.UserID)
	case realtime.UserStopTyping:
		c.stopTyping(e.UserID)
	case realtime.UserStatus:
		c.mu.Lock()
		if e.Status == realtime.StatusOnline {
			c.online[e.UserID] = struct{}{}
		} else {
			delete(c.online, e.UserID)
		}
		c.mu.Unlock()
	case realtime.ErrorEvent:
		c.setErr(errors.New(e.Message))
	}
}

func (c *Client) replaceMessages(msgs []domain.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Unsent local messages stay visible until their replay.
	local := lo.Filter(c.messages, func(m domain.ChatMessage, _ int) bool { return m.ID < 0 })
	c.messages = append(slices.Clone(msgs), local...)
	c.seen = make(map[int64]struct{}, len(c.messages))
	for _, m := range c.messages {
		c.seen[m.ID] = struct{}{}
	}
}

func (c *Client) appendMessage(m domain.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[m.ID]; dup {
		return
	}
	c.seen[m.ID] = struct{}{}
	c.messages = append(c.messages, m)
}

func (c *Client) cachePut(msgs ...domain.ChatMessage) {
	if c.opts.Cache == nil || len(msgs) == 0 {
		return
	}
	if err := c.opts.Cache.Put(msgs...); err != nil {
		c.log.Warn("Failed to cache messages", "error", err)
	}
}

func (c *Client) startTyping(peer domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.typing[peer]; ok {
		st.timer.Stop()
	}
	c.typingGen++
	gen := c.typingGen
	c.typing[peer] = &typingState{
		gen:   gen,
		timer: time.AfterFunc(c.opts.TypingTimeout, func() { c.expireTyping(peer, gen) }),
	}
}

func (c *Client) expireTyping(peer domain.UserID, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.typing[peer]; ok && st.gen == gen {
		delete(c.typing, peer)
	}
}

func (c *Client) stopTyping(peer domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.typing[peer]; ok {
		st.timer.Stop()
		delete(c.typing, peer)
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Client) liveConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.conn
}

func (c *Client) dropConn(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
		c.lastErr = err
	}
	c.mu.Unlock()
	_ = conn.CloseNow()
}

// Send sends content to the configured peer. It never fails because the
// server is unreachable: the message is then kept locally and queued.
func (c *Client) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return domain.ErrEmptyContent
	}
	if !c.opts.PeerID.Valid() {
		return domain.ErrMissingReceiver
	}

	clientID := uuid.NewString()
	if conn := c.liveConn(); conn != nil {
		err := wsjson.Write(ctx, conn, frame{Type: realtime.TypeSendMessage, Data: realtime.SendMessage{
			Content:    content,
			SenderID:   c.opts.UserID,
			ReceiverID: c.opts.PeerID,
			ClientID:   clientID,
		}})
		if err == nil {
			return nil
		}
		c.log.Warn("Socket send failed, falling back", "error", err)
		c.dropConn(conn, fmt.Errorf("send: %w", err))
	}

	if c.opts.Token != "" {
		msg, err := c.postMessage(ctx, content, c.opts.PeerID)
		if err == nil {
			c.appendMessage(*msg)
			c.cachePut(*msg)
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			c.setErr(err)
			return err
		}
		c.log.Warn("HTTP send failed, keeping message locally", "error", err)
	}

	return c.sendLocal(content, clientID)
}

func (c *Client) sendLocal(content, clientID string) error {
	now := time.Now()
	c.mu.Lock()
	c.nextLocal--
	id := c.nextLocal
	c.localIDs[clientID] = id
	c.seen[id] = struct{}{}
	c.messages = append(c.messages, domain.ChatMessage{
		ID:         id,
		Content:    content,
		SenderID:   c.opts.UserID,
		ReceiverID: c.opts.PeerID,
		Sender:     domain.Participant{ID: c.opts.UserID},
		Receiver:   domain.Participant{ID: c.opts.PeerID},
		Timestamp:  now,
	})
	p := PendingMessage{
		ClientID:   clientID,
		Content:    content,
		ReceiverID: c.opts.PeerID,
		QueuedAt:   now,
	}
	c.pending[clientID] = p
	c.mu.Unlock()

	if c.opts.Cache == nil {
		return nil
	}
	return c.opts.Cache.Enqueue(p)
}

func (c *Client) replayOutbox(ctx context.Context) {
	if c.opts.Cache == nil {
		return
	}
	pending, err := c.opts.Cache.Outbox()
	if err != nil {
		c.log.Warn("Failed to read outbox", "error", err)
		return
	}
	// Entries stay queued until the server acknowledges them.
	c.mu.Lock()
	for _, p := range pending {
		c.pending[p.ClientID] = p
	}
	c.mu.Unlock()

	for _, p := range pending {
		conn := c.liveConn()
		if conn == nil {
			return
		}
		err := wsjson.Write(ctx, conn, frame{Type: realtime.TypeSendMessage, Data: realtime.SendMessage{
			Content:    p.Content,
			SenderID:   c.opts.UserID,
			ReceiverID: p.ReceiverID,
			ClientID:   p.ClientID,
		}})
		if err != nil {
			c.log.Warn("Outbox replay interrupted", "error", err)
			return
		}
	}
	if len(pending) > 0 {
		c.log.Info("Outbox replayed", "count", len(pending))
	}
}

// ackPending drops the local copy and the outbox entry of an acknowledged send.
func (c *Client) ackPending(clientID string) {
	if clientID == "" {
		return
	}
	c.mu.Lock()
	p, queued := c.pending[clientID]
	delete(c.pending, clientID)
	if id, ok := c.localIDs[clientID]; ok {
		delete(c.localIDs, clientID)
		delete(c.seen, id)
		c.messages = slices.DeleteFunc(c.messages, func(m domain.ChatMessage) bool { return m.ID == id })
	}
	c.mu.Unlock()

	if !queued || c.opts.Cache == nil {
		return
	}
	if err := c.opts.Cache.Dequeue(p); err != nil {
		c.log.Warn("Failed to dequeue acknowledged message", "client_id", clientID, "error", err)
	}
}

// SetTyping tells the peer that the user started or stopped typing.
func (c *Client) SetTyping(ctx context.Context, typing bool) error {
	conn := c.liveConn()
	if conn == nil {
		return ErrNotConnected
	}
	eventType := realtime.TypeStopTyping
	if typing {
		eventType = realtime.TypeTyping
	}
	return wsjson.Write(ctx, conn, frame{Type: eventType, Data: realtime.Typing{
		UserID:     c.opts.UserID,
		ReceiverID: c.opts.PeerID,
	}})
}

// Refresh reloads history over HTTP, or from the cache when HTTP fails.
func (c *Client) Refresh(ctx context.Context) error {
	msgs, err := c.fetchHistory(ctx)
	if err == nil {
		c.replaceMessages(msgs)
		c.cachePut(msgs...)
		return nil
	}
	if c.opts.Cache == nil {
		return err
	}
	cached, cacheErr := c.opts.Cache.Recent(historyPageSize)
	if cacheErr != nil {
		return errors.Join(err, cacheErr)
	}
	c.replaceMessages(cached)
	c.log.Info("Loaded history from local cache", "count", len(cached))
	return nil
}

// APIError is a non-2xx response from the chat API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s", e.Status, e.Message)
}

func (c *Client) doJSON(ctx context.Context, method, target string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) fetchHistory(ctx context.Context) ([]domain.ChatMessage, error) {
	if c.opts.Token == "" {
		return nil, errors.New("no token for http fallback")
	}
	var out struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	q := url.Values{"limit": {strconv.Itoa(historyPageSize)}}
	if err := c.doJSON(ctx, http.MethodGet, c.apiURL("/api/chat", q), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) postMessage(ctx context.Context, content string, receiverID domain.UserID) (*domain.ChatMessage, error) {
	var msg domain.ChatMessage
	body := map[string]any{"content": content, "receiverId": receiverID}
	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("/api/chat", nil), body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Messages returns a copy of the conversation, oldest first.
func (c *Client) Messages() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// IsTyping reports whether peer is currently typing.
func (c *Client) IsTyping(peer domain.UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.typing[peer]
	return ok
}

// Connected reports whether the realtime socket is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Online returns the users currently known to be online.
func (c *Client) Online() []domain.UserID {
	c.mu.Lock()
	ids := lo.Keys(c.online)
	c.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Err returns the last error reported by the server or the transport.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Close sends disconnect and closes the socket. Pending typing timers are stopped.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn = nil
	c.connected = false
	for peer, st := range c.typing {
		st.timer.Stop()
		delete(c.typing, peer)
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame{Type: realtime.TypeDisconnect}); err != nil {
		c.log.Debug("Failed to send disconnect", "error", err)
	}
	err := conn.Close(websocket.StatusNormalClosure, "bye")
	if done != nil {
		<-done
	}
	return err
}
