// Package chat implements the realtime meeting chat protocol: one hub per
// process binds connections to meeting rooms and mediates every chat event.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"meetchat/internal/model"
	"meetchat/internal/presence"
	"meetchat/internal/store"
	"meetchat/internal/typing"
)

type sanitizer interface {
	Sanitize(s string) string
	SanitizeBytes(p []byte) []byte
}

// Broker fans new_message broadcasts out across server instances. Presence
// and typing stay process-local either way.
type Broker interface {
	Publish(ctx context.Context, meetingID string, msg model.Message) error
}

// Hub is the authoritative coordinator for all chat connections in this
// process. One instance is created at startup and injected into every
// connection handler.
type Hub struct {
	store     store.Store
	presence  *presence.Registry
	typing    *typing.Coordinator
	sanitizer sanitizer
	broker    Broker

	mu      sync.RWMutex
	clients map[string]*Client // socketId -> client
}

// Option configures a Hub at construction.
type Option func(*Hub)

// WithBroker routes new_message fan-out through an external pub/sub layer.
func WithBroker(b Broker) Option {
	return func(h *Hub) { h.broker = b }
}

// WithTypingCoordinator overrides the default 3s-expiry coordinator.
func WithTypingCoordinator(build func(typing.Notifier) *typing.Coordinator) Option {
	return func(h *Hub) { h.typing = build((*typingNotifier)(h)) }
}

func NewHub(st store.Store, opts ...Option) *Hub {
	h := &Hub{
		store:     st,
		presence:  presence.NewRegistry(),
		clients:   make(map[string]*Client),
		sanitizer: bluemonday.StrictPolicy(),
	}
	h.typing = typing.NewCoordinator((*typingNotifier)(h), typing.DefaultExpiry)

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Presence exposes the registry for read-side consumers (handlers, tests).
func (h *Hub) Presence() *presence.Registry { return h.presence }

// Register adds a connected client to the hub. The client is not in any room
// until it sends join_meeting.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	c.Hub = h
	h.mu.Unlock()
}

// Unregister handles transport-level disconnect: presence leave, typing stop,
// session close and the user_left broadcast.
func (h *Hub) Unregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	_, registered := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()

	if !registered {
		return
	}

	user, ok := h.presence.Leave(c.ID)
	if ok {
		// Clears any live typing timer, emitting user_stopped_typing when
		// one was pending.
		h.typing.StopAll(user.UserID)

		if err := h.store.RecordSessionLeave(ctx, user.MeetingID, user.UserID); err != nil {
			log.Printf("failed to close chat session for %s: %v", user.UserID, err)
		}

		h.broadcast(user.MeetingID, "", NewEnvelope(EventUserLeft, UserEvent{
			UserID:   user.UserID,
			UserName: user.UserName,
		}))

		log.Printf("user %s left meeting %s", user.UserName, user.MeetingID)
	}

	c.closeOutbox()
}

// Handle dispatches one inbound frame from a connection. Events from a single
// connection arrive here strictly in receipt order. Failures are converted to
// an error event on the originating connection; nothing propagates.
func (h *Hub) Handle(ctx context.Context, c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError("Malformed event payload")
		return
	}

	var err error
	switch env.Event {
	case EventJoinMeeting:
		err = h.handleJoin(ctx, c, env.Data)
	case EventSendMessage:
		err = h.handleSend(ctx, c, env.Data)
	case EventTypingStart:
		err = h.handleTyping(c, env.Data, true)
	case EventTypingStop:
		err = h.handleTyping(c, env.Data, false)
	case EventReact:
		err = h.handleReact(ctx, c, env.Data)
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrValidation, env.Event)
	}

	if err != nil {
		log.Printf("event %s from %s failed: %v", env.Event, c.ID, err)
		c.sendError(userFacing(env.Event, err))
	}
}

// userFacing maps an internal failure to the message sent to the client.
func userFacing(event string, err error) string {
	if errors.Is(err, ErrValidation) {
		// Validation messages are already written for users; strip the
		// wrapping prefixes.
		msg := err.Error()
		if i := strings.LastIndex(msg, ": "); i >= 0 {
			msg = msg[i+2:]
		}
		return msg
	}

	switch event {
	case EventSendMessage:
		return "Failed to send message"
	case EventReact:
		return "Failed to add reaction"
	default:
		return "Failed to process " + event
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, data json.RawMessage) error {
	var p JoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: bad join_meeting payload", ErrValidation)
	}
	if err := p.validate(); err != nil {
		return err
	}
	if c.UserID != "" && p.UserID != c.UserID {
		return fmt.Errorf("%w: userId does not match the authenticated connection", ErrValidation)
	}

	// Re-joining moves the connection; the registry drops any stale
	// registration first.
	h.presence.Join(c.ID, p.MeetingID, p.UserID, p.UserName)

	// Session bookkeeping is best effort: a failed write must not keep the
	// user out of the room.
	if err := h.store.RecordSessionJoin(ctx, p.MeetingID, p.UserID); err != nil {
		log.Printf("failed to open chat session for %s: %v", p.UserID, err)
	}

	h.broadcast(p.MeetingID, c.ID, NewEnvelope(EventUserJoined, UserEvent{
		UserID:   p.UserID,
		UserName: p.UserName,
	}))

	log.Printf("user %s (%s) joined meeting %s", p.UserName, p.UserID, p.MeetingID)
	return nil
}

func (h *Hub) handleSend(ctx context.Context, c *Client, data json.RawMessage) error {
	if c.messageLim != nil && !c.messageLim.Allow() {
		return fmt.Errorf("%w: sending too fast, slow down", ErrValidation)
	}

	var p SendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: bad send_message payload", ErrValidation)
	}

	p.Message = strings.TrimSpace(h.sanitizer.Sanitize(p.Message))
	if err := p.validate(); err != nil {
		return err
	}
	if c.UserID != "" && p.SenderID != c.UserID {
		return fmt.Errorf("%w: senderId does not match the authenticated connection", ErrValidation)
	}

	// The message must be durable before anyone sees it. A store failure
	// suppresses the broadcast entirely.
	saved, err := h.store.SaveMessage(ctx, model.Message{
		MeetingID:    p.MeetingID,
		SenderID:     p.SenderID,
		SenderName:   p.SenderName,
		SenderAvatar: p.SenderAvatar,
		Message:      p.Message,
		MessageType:  model.MessageTypeText,
	})
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}

	if h.broker != nil {
		err := h.broker.Publish(ctx, p.MeetingID, saved)
		if err == nil {
			return nil
		}
		// Fall back to local delivery so the room is not left silent while
		// the broker is down.
		log.Printf("broker publish failed, delivering locally: %v", err)
	}

	h.DeliverMessage(saved)
	return nil
}

// DeliverMessage broadcasts a stored message to every member of its room,
// sender included. The broker consumer calls this for remote messages.
func (h *Hub) DeliverMessage(msg model.Message) {
	h.broadcast(msg.MeetingID, "", NewEnvelope(EventNewMessage, msg))
}

func (h *Hub) handleTyping(c *Client, data json.RawMessage, start bool) error {
	if c.typingLim != nil && !c.typingLim.Allow() {
		return nil // quietly drop excess typing events
	}

	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: bad typing payload", ErrValidation)
	}
	if err := p.validate(start); err != nil {
		return err
	}

	if start {
		h.typing.Start(p.MeetingID, p.UserID, p.UserName)
	} else {
		h.typing.Stop(p.MeetingID, p.UserID)
	}
	return nil
}

func (h *Hub) handleReact(ctx context.Context, c *Client, data json.RawMessage) error {
	var p ReactPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: bad react_to_message payload", ErrValidation)
	}
	if err := p.validate(); err != nil {
		return err
	}

	reaction := model.Reaction{UserID: p.UserID, Emoji: p.Emoji}
	if err := h.store.AppendReaction(ctx, p.MessageID, reaction); err != nil {
		return fmt.Errorf("append reaction: %w", err)
	}

	// The reaction goes to the reacting connection's current room.
	if user, ok := h.presence.Lookup(c.ID); ok {
		h.broadcast(user.MeetingID, "", NewEnvelope(EventMessageReaction, ReactionEvent{
			MessageID: p.MessageID,
			Reaction:  reaction,
		}))
	}
	return nil
}

// broadcast delivers an envelope to every connection in the meeting, skipping
// excludeSocketID when non-empty. Slow clients are skipped rather than
// blocking the room.
func (h *Hub) broadcast(meetingID, excludeSocketID string, env Envelope) {
	members := h.presence.MembersOf(meetingID)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, member := range members {
		if member.SocketID == excludeSocketID {
			continue
		}
		if c, ok := h.clients[member.SocketID]; ok {
			c.send(env)
		}
	}
}

// broadcastExceptUser is the typing path: the typing user is identified by
// userId because timer-driven emissions have no originating socket.
func (h *Hub) broadcastExceptUser(meetingID, excludeUserID string, env Envelope) {
	members := h.presence.MembersOf(meetingID)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, member := range members {
		if member.UserID == excludeUserID {
			continue
		}
		if c, ok := h.clients[member.SocketID]; ok {
			c.send(env)
		}
	}
}

// typingNotifier adapts the Hub to typing.Notifier without exporting the
// methods on Hub itself.
type typingNotifier Hub

func (n *typingNotifier) StartedTyping(meetingID, userID, userName string) {
	(*Hub)(n).broadcastExceptUser(meetingID, userID, NewEnvelope(EventUserTyping, UserEvent{
		UserID:   userID,
		UserName: userName,
	}))
}

func (n *typingNotifier) StoppedTyping(meetingID, userID string) {
	(*Hub)(n).broadcastExceptUser(meetingID, userID, NewEnvelope(EventUserStoppedTyping, UserEvent{
		UserID: userID,
	}))
}
