package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meetchat/internal/model"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) SaveMessage(ctx context.Context, msg model.Message) (model.Message, error) {
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

	reactions, err := json.Marshal(msg.Reactions)
	if err != nil {
		return model.Message{}, fmt.Errorf("internal/store: encode reactions: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO messages (id, meeting_id, sender_id, sender_name, sender_avatar, message, message_type, ts, is_edited, reactions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID, msg.MeetingID, msg.SenderID, msg.SenderName, msg.SenderAvatar,
		msg.Message, msg.MessageType, msg.Timestamp, msg.IsEdited, reactions,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("internal/store: insert message: %w", err)
	}

	return msg, nil
}

func (p *Postgres) AppendReaction(ctx context.Context, messageID string, r model.Reaction) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	reaction, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("internal/store: encode reaction: %w", err)
	}

	// jsonb || jsonb appends in place, so the reaction list never needs a
	// read-modify-write cycle.
	tag, err := p.pool.Exec(ctx, `
		UPDATE messages
		SET reactions = reactions || $2::jsonb
		WHERE id = $1`,
		messageID, reaction,
	)
	if err != nil {
		return fmt.Errorf("internal/store: append reaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (p *Postgres) RecordSessionJoin(ctx context.Context, meetingID, userID string) error {
	// Insert only when no open session exists for the pair. A closed session
	// (left_at set) does not block a new open one.
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chat_sessions (meeting_id, user_id, joined_at)
		SELECT $1, $2, now()
		WHERE NOT EXISTS (
			SELECT 1 FROM chat_sessions
			WHERE meeting_id = $1 AND user_id = $2 AND left_at IS NULL
		)`,
		meetingID, userID,
	)
	if err != nil {
		return fmt.Errorf("internal/store: record session join: %w", err)
	}

	return nil
}

func (p *Postgres) RecordSessionLeave(ctx context.Context, meetingID, userID string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE chat_sessions SET left_at = now()
		WHERE id = (
			SELECT id FROM chat_sessions
			WHERE meeting_id = $1 AND user_id = $2 AND left_at IS NULL
			ORDER BY joined_at DESC
			LIMIT 1
		)`,
		meetingID, userID,
	)
	if err != nil {
		return fmt.Errorf("internal/store: record session leave: %w", err)
	}

	return nil
}

func (p *Postgres) FetchHistory(ctx context.Context, meetingID string, opts HistoryOpts) (HistoryPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, meeting_id, sender_id, sender_name, sender_avatar, message, message_type, ts, is_edited, reactions
		FROM messages
		WHERE meeting_id = $1`
	args := []any{meetingID}

	if !opts.Before.IsZero() {
		query += ` AND ts < $2`
		args = append(args, opts.Before)
	}

	query += fmt.Sprintf(` ORDER BY ts DESC LIMIT %d`, limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("internal/store: fetch history: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return HistoryPage{}, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, fmt.Errorf("internal/store: fetch history: %w", err)
	}

	// The query selects the most recent messages first; reverse for
	// chronological delivery.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return HistoryPage{
		Messages: messages,
		HasMore:  len(messages) == limit,
		Total:    len(messages),
	}, nil
}

func scanMessage(rows pgx.Rows) (model.Message, error) {
	var (
		msg       model.Message
		reactions []byte
	)
	err := rows.Scan(&msg.ID, &msg.MeetingID, &msg.SenderID, &msg.SenderName,
		&msg.SenderAvatar, &msg.Message, &msg.MessageType, &msg.Timestamp,
		&msg.IsEdited, &reactions)
	if err != nil {
		return model.Message{}, fmt.Errorf("internal/store: scan message: %w", err)
	}

	if err := json.Unmarshal(reactions, &msg.Reactions); err != nil {
		return model.Message{}, fmt.Errorf("internal/store: decode reactions: %w", err)
	}

	return msg, nil
}

func (p *Postgres) UpsertMeeting(ctx context.Context, meetingID, title, hostID string, participants []string) (bool, error) {
	seen := map[string]struct{}{hostID: {}}
	members := []string{hostID}
	for _, id := range participants {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}

	// xmax = 0 only holds for a freshly inserted row, so the same statement
	// reports create vs update.
	var created bool
	err := p.pool.QueryRow(ctx, `
		INSERT INTO meetings (meeting_id, title, host_id, participants)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (meeting_id) DO UPDATE
		SET title = EXCLUDED.title,
		    participants = EXCLUDED.participants,
		    updated_at = now()
		RETURNING (xmax = 0)`,
		meetingID, title, hostID, members,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("internal/store: upsert meeting: %w", err)
	}

	return created, nil
}

func (p *Postgres) GetMeeting(ctx context.Context, meetingID string) (model.Meeting, error) {
	var m model.Meeting
	err := p.pool.QueryRow(ctx, `
		SELECT meeting_id, title, host_id, participants, start_time, status, created_at, updated_at
		FROM meetings
		WHERE meeting_id = $1`,
		meetingID,
	).Scan(&m.MeetingID, &m.Title, &m.HostID, &m.Participants, &m.StartTime,
		&m.Status, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Meeting{}, ErrNotFound
	}
	if err != nil {
		return model.Meeting{}, fmt.Errorf("internal/store: get meeting: %w", err)
	}

	return m, nil
}

func (p *Postgres) ListMeetings(ctx context.Context, userID string, limit int) ([]MeetingWithSession, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := p.pool.Query(ctx, `
		SELECT m.meeting_id, m.title, m.host_id, m.participants, m.start_time, m.status, m.created_at, m.updated_at,
		       s.joined_at, s.left_at
		FROM meetings m
		LEFT JOIN LATERAL (
			SELECT joined_at, left_at FROM chat_sessions
			WHERE meeting_id = m.meeting_id AND user_id = $1
			ORDER BY joined_at DESC
			LIMIT 1
		) s ON TRUE
		WHERE m.host_id = $1 OR $1 = ANY(m.participants)
		ORDER BY m.start_time DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("internal/store: list meetings: %w", err)
	}
	defer rows.Close()

	var result []MeetingWithSession
	for rows.Next() {
		var (
			mws      MeetingWithSession
			joinedAt *time.Time
			leftAt   *time.Time
		)
		m := &mws.Meeting
		err := rows.Scan(&m.MeetingID, &m.Title, &m.HostID, &m.Participants,
			&m.StartTime, &m.Status, &m.CreatedAt, &m.UpdatedAt, &joinedAt, &leftAt)
		if err != nil {
			return nil, fmt.Errorf("internal/store: scan meeting: %w", err)
		}

		if joinedAt != nil {
			mws.Session = &model.ChatSession{
				MeetingID: m.MeetingID,
				UserID:    userID,
				JoinedAt:  *joinedAt,
				LeftAt:    leftAt,
			}
		}

		result = append(result, mws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("internal/store: list meetings: %w", err)
	}

	return result, nil
}
