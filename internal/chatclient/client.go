// Package chatclient is the client-side counterpart of the chat protocol: it
// connects, joins a meeting, reconciles realtime pushes with REST-fetched
// history and exposes the merged transcript.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"meetchat/internal/chat"
	"meetchat/internal/model"
)

// Options configures a chat client. BaseURL, Token, MeetingID, UserID and
// UserName are required.
type Options struct {
	BaseURL   string // http(s) base of the chat server
	Token     string // JWT minted by the identity provider
	MeetingID string
	UserID    string
	UserName  string
	Avatar    string

	HistoryLimit int           // default 50
	TypingExpiry time.Duration // local auto-stop timer, default 3s

	// DualWrite additionally POSTs every sent message to the REST API. The
	// websocket path already persists, so this stores a second copy; keep it
	// off unless the realtime channel is known to be flaky.
	DualWrite bool

	HTTPClient *http.Client

	OnMessage  func(model.Message)
	OnTyping   func(userID, userName string, typing bool)
	OnPresence func(userID, userName string, joined bool)
	OnError    func(error)
}

type Client struct {
	opts Options
	conn *websocket.Conn
	http *http.Client

	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex // one websocket writer at a time

	mu         sync.Mutex
	messages   []model.Message
	seen       map[string]struct{}
	pending    []model.Message // live messages buffered until history resolves
	historyOK  bool
	duplicates int
	typing     map[string]string // userId -> userName

	typingTimerMu sync.Mutex
	typingTimer   *time.Timer
	typingGen     uint64 // bumped on every keystroke and explicit stop
}

// Dial connects, announces room membership and kicks off the history fetch.
// Live messages that arrive before the fetch resolves are buffered and merged,
// never dropped.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.BaseURL == "" || opts.MeetingID == "" || opts.UserID == "" || opts.UserName == "" {
		return nil, errors.New("chatclient: BaseURL, MeetingID, UserID and UserName are required")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = 3 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	wsURL := strings.Replace(opts.BaseURL, "http", "ws", 1) + "/ws?access_token=" + opts.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("chatclient: dial %s: %w", wsURL, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:   opts,
		conn:   conn,
		http:   opts.HTTPClient,
		cancel: cancel,
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
		typing: make(map[string]string),
	}

	if err := c.emit(ctx, chat.EventJoinMeeting, chat.JoinPayload{
		MeetingID: opts.MeetingID,
		UserID:    opts.UserID,
		UserName:  opts.UserName,
	}); err != nil {
		conn.CloseNow()
		cancel()
		return nil, err
	}

	go c.readLoop(runCtx)
	go c.loadHistory(runCtx)

	return c, nil
}

func (c *Client) emit(ctx context.Context, event string, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := wsjson.Write(writeCtx, c.conn, chat.NewEnvelope(event, payload)); err != nil {
		return fmt.Errorf("chatclient: emit %s: %w", event, err)
	}
	return nil
}

// Send emits the message over the realtime channel and, with DualWrite on,
// POSTs the identical payload for belt-and-suspenders persistence.
func (c *Client) Send(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("chatclient: message is empty")
	}

	payload := chat.SendPayload{
		MeetingID:    c.opts.MeetingID,
		Message:      message,
		SenderID:     c.opts.UserID,
		SenderName:   c.opts.UserName,
		SenderAvatar: c.opts.Avatar,
	}

	if err := c.emit(ctx, chat.EventSendMessage, payload); err != nil {
		return err
	}

	if c.opts.DualWrite {
		if err := c.postMessage(ctx, payload); err != nil {
			// The socket path already persisted; the REST copy is redundancy.
			log.Printf("dual-write POST failed: %v", err)
		}
	}

	return nil
}

func (c *Client) postMessage(ctx context.Context, payload chat.SendPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("chatclient: encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.BaseURL+"/messages", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("chatclient: POST /messages returned %d", res.StatusCode)
	}
	return nil
}

// Typing signals a keystroke. The server debounces for other members; the
// local timer only mirrors it so StopTyping fires without further input.
func (c *Client) Typing(ctx context.Context) error {
	err := c.emit(ctx, chat.EventTypingStart, chat.TypingPayload{
		MeetingID: c.opts.MeetingID,
		UserID:    c.opts.UserID,
		UserName:  c.opts.UserName,
	})
	if err != nil {
		return err
	}

	c.typingTimerMu.Lock()
	c.typingGen++
	gen := c.typingGen
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.opts.TypingExpiry, func() {
		c.autoStopTyping(gen)
	})
	c.typingTimerMu.Unlock()

	return nil
}

// autoStopTyping is the timer path of StopTyping. Stopping a fired timer does
// not cancel its callback, so a callback that lost the race against a fresh
// keystroke can still run; the generation check turns it into a no-op instead
// of cutting the new burst short.
func (c *Client) autoStopTyping(gen uint64) {
	c.typingTimerMu.Lock()
	if gen != c.typingGen {
		c.typingTimerMu.Unlock()
		return
	}
	c.typingTimer = nil
	c.typingTimerMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.emit(ctx, chat.EventTypingStop, chat.TypingPayload{
		MeetingID: c.opts.MeetingID,
		UserID:    c.opts.UserID,
	}); err != nil {
		log.Printf("typing auto-stop failed: %v", err)
	}
}

func (c *Client) StopTyping(ctx context.Context) error {
	c.typingTimerMu.Lock()
	c.typingGen++
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingTimerMu.Unlock()

	return c.emit(ctx, chat.EventTypingStop, chat.TypingPayload{
		MeetingID: c.opts.MeetingID,
		UserID:    c.opts.UserID,
	})
}

func (c *Client) React(ctx context.Context, messageID, emoji string) error {
	return c.emit(ctx, chat.EventReact, chat.ReactPayload{
		MessageID: messageID,
		UserID:    c.opts.UserID,
		Emoji:     emoji,
	})
}

// Messages returns a snapshot of the merged transcript in delivery order.
func (c *Client) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// TypingUsers returns who is currently typing, excluding the local user.
func (c *Client) TypingUsers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.typing))
	for id, name := range c.typing {
		out[id] = name
	}
	return out
}

// Duplicates reports how many messages arrived through more than one path and
// were dropped by the merge.
func (c *Client) Duplicates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duplicates
}

// Close tears down the realtime connection, which triggers server-side
// disconnect handling.
func (c *Client) Close() error {
	c.cancel()
	c.typingTimerMu.Lock()
	c.typingGen++
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimerMu.Unlock()

	err := c.conn.Close(websocket.StatusNormalClosure, "client closed")
	<-c.done
	return err
}

// Done is closed once the read loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) loadHistory(ctx context.Context) {
	url := c.opts.BaseURL + "/messages?meetingId=" + c.opts.MeetingID +
		"&limit=" + strconv.Itoa(c.opts.HistoryLimit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.failHistory(err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)

	res, err := c.http.Do(req)
	if err != nil {
		c.failHistory(err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		c.failHistory(fmt.Errorf("chatclient: GET /messages returned %d", res.StatusCode))
		return
	}

	var payload struct {
		Messages []model.Message `json:"messages"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		c.failHistory(err)
		return
	}

	c.mergeHistory(payload.Messages)
}

// mergeHistory installs the fetched page, then replays live messages that
// arrived during the fetch. A message seen through both paths counts as a
// duplicate and is kept once.
func (c *Client) mergeHistory(history []model.Message) {
	c.mu.Lock()

	merged := make([]model.Message, 0, len(history)+len(c.pending)+len(c.messages))
	seen := make(map[string]struct{}, len(history)+len(c.pending))

	appendOnce := func(msg model.Message) {
		if msg.ID != "" {
			if _, dup := seen[msg.ID]; dup {
				c.duplicates++
				return
			}
			seen[msg.ID] = struct{}{}
		}
		merged = append(merged, msg)
	}

	for _, msg := range history {
		appendOnce(msg)
	}
	for _, msg := range c.pending {
		appendOnce(msg)
	}

	c.messages = merged
	c.seen = seen
	c.pending = nil
	c.historyOK = true

	callbacks := c.callbackList(merged)
	c.mu.Unlock()

	for _, msg := range callbacks {
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	}
}

func (c *Client) callbackList(msgs []model.Message) []model.Message {
	if c.opts.OnMessage == nil {
		return nil
	}
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// failHistory keeps live messages flowing even when the fetch fails; the
// transcript just starts from the connect point.
func (c *Client) failHistory(err error) {
	c.mu.Lock()
	c.messages = append(c.messages, c.pending...)
	for _, msg := range c.pending {
		if msg.ID != "" {
			c.seen[msg.ID] = struct{}{}
		}
	}
	c.pending = nil
	c.historyOK = true
	c.mu.Unlock()

	c.reportError(fmt.Errorf("chatclient: failed to load chat history: %w", err))
}

func (c *Client) reportError(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
		return
	}
	log.Printf("%v", err)
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)

	for {
		var env chat.Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				c.reportError(fmt.Errorf("chatclient: connection lost: %w", err))
			}
			return
		}

		c.dispatch(env)
	}
}

func (c *Client) dispatch(env chat.Envelope) {
	switch env.Event {
	case chat.EventNewMessage:
		var msg model.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.reportError(fmt.Errorf("chatclient: bad new_message payload: %w", err))
			return
		}
		c.addLive(msg)

	case chat.EventUserTyping:
		var ev chat.UserEvent
		if json.Unmarshal(env.Data, &ev) != nil {
			return
		}
		c.mu.Lock()
		c.typing[ev.UserID] = ev.UserName
		c.mu.Unlock()
		if c.opts.OnTyping != nil {
			c.opts.OnTyping(ev.UserID, ev.UserName, true)
		}

	case chat.EventUserStoppedTyping:
		var ev chat.UserEvent
		if json.Unmarshal(env.Data, &ev) != nil {
			return
		}
		c.mu.Lock()
		name := c.typing[ev.UserID]
		delete(c.typing, ev.UserID)
		c.mu.Unlock()
		if c.opts.OnTyping != nil {
			c.opts.OnTyping(ev.UserID, name, false)
		}

	case chat.EventUserJoined, chat.EventUserLeft:
		var ev chat.UserEvent
		if json.Unmarshal(env.Data, &ev) != nil {
			return
		}
		joined := env.Event == chat.EventUserJoined
		c.addLive(systemMessage(c.opts.MeetingID, ev, joined))
		if c.opts.OnPresence != nil {
			c.opts.OnPresence(ev.UserID, ev.UserName, joined)
		}

	case chat.EventMessageReaction:
		var ev chat.ReactionEvent
		if json.Unmarshal(env.Data, &ev) != nil {
			return
		}
		c.applyReaction(ev)

	case chat.EventError:
		var ev chat.ErrorEvent
		if json.Unmarshal(env.Data, &ev) != nil {
			return
		}
		c.reportError(errors.New("chatclient: server error: " + ev.Message))
	}
}

// addLive appends a realtime message, buffering while the history fetch is
// still in flight.
func (c *Client) addLive(msg model.Message) {
	c.mu.Lock()

	if !c.historyOK {
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
		return
	}

	if msg.ID != "" {
		if _, dup := c.seen[msg.ID]; dup {
			c.duplicates++
			c.mu.Unlock()
			return
		}
		c.seen[msg.ID] = struct{}{}
	}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	if c.opts.OnMessage != nil {
		c.opts.OnMessage(msg)
	}
}

func (c *Client) applyReaction(ev chat.ReactionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.messages {
		if c.messages[i].ID == ev.MessageID {
			c.messages[i].Reactions = append(c.messages[i].Reactions, ev.Reaction)
			return
		}
	}
}

func systemMessage(meetingID string, ev chat.UserEvent, joined bool) model.Message {
	verb := "left"
	if joined {
		verb = "joined"
	}
	return model.Message{
		MeetingID:   meetingID,
		SenderID:    "system",
		SenderName:  "System",
		Message:     ev.UserName + " " + verb + " the meeting",
		MessageType: model.MessageTypeSystem,
		Timestamp:   time.Now().UTC(),
		Reactions:   []model.Reaction{},
	}
}
