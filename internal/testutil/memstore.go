package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meetchat/internal/model"
	"meetchat/internal/store"
)

// MemStore is an in-memory store.Store for protocol and adapter tests.
type MemStore struct {
	mu       sync.Mutex
	messages []model.Message
	sessions []model.ChatSession
	meetings map[string]model.Meeting

	// FailSaves makes SaveMessage return an error, for exercising the
	// store-before-broadcast guarantee.
	FailSaves bool
}

var errSaveFailed = errors.New("simulated save failure")

func NewMemStore() *MemStore {
	return &MemStore{meetings: make(map[string]model.Meeting)}
}

func (m *MemStore) SaveMessage(_ context.Context, msg model.Message) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSaves {
		return model.Message{}, errSaveFailed
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.MessageType == "" {
		msg.MessageType = model.MessageTypeText
	}
	if msg.Reactions == nil {
		msg.Reactions = []model.Reaction{}
	}

	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *MemStore) AppendReaction(_ context.Context, messageID string, r model.Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	for i := range m.messages {
		if m.messages[i].ID == messageID {
			m.messages[i].Reactions = append(m.messages[i].Reactions, r)
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *MemStore) RecordSessionJoin(_ context.Context, meetingID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.MeetingID == meetingID && s.UserID == userID && s.LeftAt == nil {
			return nil
		}
	}

	m.sessions = append(m.sessions, model.ChatSession{
		MeetingID: meetingID,
		UserID:    userID,
		JoinedAt:  time.Now().UTC(),
	})
	return nil
}

func (m *MemStore) RecordSessionLeave(_ context.Context, meetingID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.sessions) - 1; i >= 0; i-- {
		s := &m.sessions[i]
		if s.MeetingID == meetingID && s.UserID == userID && s.LeftAt == nil {
			now := time.Now().UTC()
			s.LeftAt = &now
			return nil
		}
	}
	return nil
}

func (m *MemStore) FetchHistory(_ context.Context, meetingID string, opts store.HistoryOpts) (store.HistoryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var selected []model.Message
	for _, msg := range m.messages {
		if msg.MeetingID != meetingID {
			continue
		}
		if !opts.Before.IsZero() && !msg.Timestamp.Before(opts.Before) {
			continue
		}
		selected = append(selected, msg)
	}

	sort.Slice(selected, func(i, j int) bool {
		return selected[i].Timestamp.After(selected[j].Timestamp)
	})
	if len(selected) > limit {
		selected = selected[:limit]
	}
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}

	return store.HistoryPage{
		Messages: selected,
		HasMore:  len(selected) == limit,
		Total:    len(selected),
	}, nil
}

func (m *MemStore) UpsertMeeting(_ context.Context, meetingID, title, hostID string, participants []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := []string{hostID}
	for _, p := range participants {
		if p != hostID {
			members = append(members, p)
		}
	}

	_, exists := m.meetings[meetingID]
	now := time.Now().UTC()
	meeting := model.Meeting{
		MeetingID:    meetingID,
		Title:        title,
		HostID:       hostID,
		Participants: members,
		StartTime:    now,
		Status:       "active",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if exists {
		meeting.CreatedAt = m.meetings[meetingID].CreatedAt
		meeting.StartTime = m.meetings[meetingID].StartTime
	}
	m.meetings[meetingID] = meeting

	return !exists, nil
}

func (m *MemStore) GetMeeting(_ context.Context, meetingID string) (model.Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meeting, ok := m.meetings[meetingID]
	if !ok {
		return model.Meeting{}, store.ErrNotFound
	}
	return meeting, nil
}

func (m *MemStore) ListMeetings(_ context.Context, userID string, limit int) ([]store.MeetingWithSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	var result []store.MeetingWithSession
	for _, meeting := range m.meetings {
		if meeting.HostID != userID && !contains(meeting.Participants, userID) {
			continue
		}

		mws := store.MeetingWithSession{Meeting: meeting}
		for i := len(m.sessions) - 1; i >= 0; i-- {
			s := m.sessions[i]
			if s.MeetingID == meeting.MeetingID && s.UserID == userID {
				session := s
				mws.Session = &session
				break
			}
		}
		result = append(result, mws)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Meeting.StartTime.After(result[j].Meeting.StartTime)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Messages returns a copy of everything stored, oldest first.
func (m *MemStore) Messages() []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// OpenSessions counts sessions without a left_at for the pair.
func (m *MemStore) OpenSessions(meetingID, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		if s.MeetingID == meetingID && s.UserID == userID && s.LeftAt == nil {
			n++
		}
	}
	return n
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
