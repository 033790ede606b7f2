// Package model defines data structure.
package model

import (
	"time"
)

// MessageType distinguishes user text from system notices.
const (
	MessageTypeText   = "text"
	MessageTypeSystem = "system"
)

// Message holds information about a single chat message. Once stored it is
// immutable except for Reactions (append-only) and the edit fields.
type Message struct {
	ID           string     `json:"id"`
	MeetingID    string     `json:"meetingId"`
	SenderID     string     `json:"senderId"`
	SenderName   string     `json:"senderName"`
	SenderAvatar string     `json:"senderAvatar,omitempty"`
	Message      string     `json:"message"`
	MessageType  string     `json:"messageType"`
	Timestamp    time.Time  `json:"timestamp"`
	IsEdited     bool       `json:"isEdited"`
	Reactions    []Reaction `json:"reactions"`
}

// Reaction is appended to exactly one message. Multiple reactions per user
// are permitted.
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatSession is one user's presence span in one meeting for a given socket
// lifetime. LeftAt is nil while the session is open.
type ChatSession struct {
	MeetingID string     `json:"meetingId"`
	UserID    string     `json:"userId"`
	JoinedAt  time.Time  `json:"joinedAt"`
	LeftAt    *time.Time `json:"leftAt,omitempty"`
}

// Meeting is the room metadata consulted for access checks and the meetings
// listing. Chat never deletes meetings.
type Meeting struct {
	MeetingID    string    `json:"meetingId"`
	Title        string    `json:"title"`
	HostID       string    `json:"hostId"`
	Participants []string  `json:"participants"`
	StartTime    time.Time `json:"startTime"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ConnectedUser is the transient identity of one live connection. Never
// persisted.
type ConnectedUser struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	SocketID  string `json:"socketId"`
	MeetingID string `json:"meetingId"`
}
