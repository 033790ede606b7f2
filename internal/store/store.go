// Package store is the persistence boundary for chat data. It owns the
// messages, meetings and chat_sessions tables.
package store

import (
	"context"
	"errors"
	"time"

	"meetchat/internal/model"
)

var ErrNotFound = errors.New("store: not found")

// HistoryOpts selects a page of messages. Before is exclusive; the zero value
// means "now". Limit defaults to 50.
type HistoryOpts struct {
	Limit  int
	Before time.Time
}

// HistoryPage is a chronological (oldest first) page of messages. HasMore is
// true iff exactly Limit messages were selected, so a short page means the
// history is exhausted.
type HistoryPage struct {
	Messages []model.Message
	HasMore  bool
	Total    int
}

// MeetingWithSession pairs a meeting with the caller's most recent chat
// session in it, if any.
type MeetingWithSession struct {
	Meeting model.Meeting      `json:"meeting"`
	Session *model.ChatSession `json:"chatSession"`
}

// Store is the durable side of the chat subsystem. A message must be saved
// before it is broadcast; everything else in the protocol is in-memory.
type Store interface {
	// SaveMessage persists a message, assigning an identifier and timestamp
	// when absent, and returns the stored record.
	SaveMessage(ctx context.Context, msg model.Message) (model.Message, error)

	// AppendReaction atomically appends to a message's reaction list.
	// Returns ErrNotFound for an unknown message id.
	AppendReaction(ctx context.Context, messageID string, r model.Reaction) error

	// RecordSessionJoin opens a session for (meeting, user) unless one is
	// already open. Closed sessions never block a new open one.
	RecordSessionJoin(ctx context.Context, meetingID, userID string) error

	// RecordSessionLeave closes the most recent open session for the pair.
	RecordSessionLeave(ctx context.Context, meetingID, userID string) error

	// FetchHistory returns the most recent messages before the cursor,
	// delivered oldest first.
	FetchHistory(ctx context.Context, meetingID string, opts HistoryOpts) (HistoryPage, error)

	// UpsertMeeting creates the meeting or updates its title/participants.
	// The host is always included in the participant list. Reports whether
	// the meeting was created.
	UpsertMeeting(ctx context.Context, meetingID, title, hostID string, participants []string) (bool, error)

	// GetMeeting returns ErrNotFound for an unknown meeting id.
	GetMeeting(ctx context.Context, meetingID string) (model.Meeting, error)

	// ListMeetings returns the user's meetings, most recent first, each with
	// the user's latest chat session attached.
	ListMeetings(ctx context.Context, userID string, limit int) ([]MeetingWithSession, error)
}
