package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"meetchat/internal/model"
)

// Client -> server events.
const (
	EventJoinMeeting = "join_meeting"
	EventSendMessage = "send_message"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventReact       = "react_to_message"
)

// Server -> client events.
const (
	EventUserJoined        = "user_joined"
	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventMessageReaction   = "message_reaction"
	EventUserLeft          = "user_left"
	EventError             = "error"
)

var ErrValidation = errors.New("chat: invalid payload")

// Envelope is the wire frame for every event in both directions. Data holds
// the event-specific payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload. Panics only on unmarshalable payloads, which
// would be a programming error on our own types.
func NewEnvelope(event string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("chat: encode %s payload: %v", event, err))
	}
	return Envelope{Event: event, Data: data}
}

type JoinPayload struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

func (p *JoinPayload) validate() error {
	if p.MeetingID == "" || p.UserID == "" || p.UserName == "" {
		return fmt.Errorf("%w: join_meeting requires meetingId, userId and userName", ErrValidation)
	}
	return nil
}

type SendPayload struct {
	MeetingID    string `json:"meetingId"`
	Message      string `json:"message"`
	SenderID     string `json:"senderId"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
}

func (p *SendPayload) validate() error {
	if p.MeetingID == "" {
		return fmt.Errorf("%w: send_message requires meetingId", ErrValidation)
	}
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("%w: message is empty", ErrValidation)
	}
	if p.SenderID == "" || p.SenderName == "" {
		return fmt.Errorf("%w: send_message requires senderId and senderName", ErrValidation)
	}
	return nil
}

type TypingPayload struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
}

func (p *TypingPayload) validate(start bool) error {
	if p.MeetingID == "" || p.UserID == "" {
		return fmt.Errorf("%w: typing events require meetingId and userId", ErrValidation)
	}
	if start && p.UserName == "" {
		return fmt.Errorf("%w: typing_start requires userName", ErrValidation)
	}
	return nil
}

type ReactPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

func (p *ReactPayload) validate() error {
	if p.MessageID == "" || p.UserID == "" || p.Emoji == "" {
		return fmt.Errorf("%w: react_to_message requires messageId, userId and emoji", ErrValidation)
	}
	return nil
}

// UserEvent announces user_joined, user_left, user_typing and
// user_stopped_typing.
type UserEvent struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// ReactionEvent announces message_reaction to the room.
type ReactionEvent struct {
	MessageID string         `json:"messageId"`
	Reaction  model.Reaction `json:"reaction"`
}

// ErrorEvent carries a human-readable failure back to the originating
// connection only.
type ErrorEvent struct {
	Message string `json:"message"`
}
