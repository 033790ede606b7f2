package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"meetchat/internal/auth"
	"meetchat/internal/model"
	"meetchat/internal/store"
)

var msgSanitizer = bluemonday.StrictPolicy()

// ServeMessageHistory handles GET /messages?meetingId=&limit=&before=. The
// page is returned in chronological order; hasMore signals that an older page
// exists behind the before cursor.
func ServeMessageHistory(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, err := auth.GetUserFromContext(ctx)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		meetingID := r.URL.Query().Get("meetingId")
		if meetingID == "" {
			respondError(w, http.StatusBadRequest, "Meeting ID is required")
			return
		}

		meeting, err := st.GetMeeting(ctx, meetingID)
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Meeting not found")
			return
		}
		if err != nil {
			log.Printf("failed to load meeting %s: %v", meetingID, err)
			respondError(w, http.StatusInternalServerError, "Failed to fetch messages")
			return
		}

		if !isParticipant(meeting, user.ID) {
			respondError(w, http.StatusForbidden, "Not a participant of this meeting")
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		opts := store.HistoryOpts{Limit: limit}
		if before := r.URL.Query().Get("before"); before != "" {
			opts.Before, err = parseCursor(before)
			if err != nil {
				respondError(w, http.StatusBadRequest, "Invalid before cursor")
				return
			}
		}

		page, err := st.FetchHistory(ctx, meetingID, opts)
		if err != nil {
			log.Printf("failed to load messages for %s: %v", meetingID, err)
			respondError(w, http.StatusInternalServerError, "Failed to fetch messages")
			return
		}

		if page.Messages == nil {
			page.Messages = []model.Message{}
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"messages": page.Messages,
			"hasMore":  page.HasMore,
			"total":    page.Total,
		})
	}
}

// parseCursor accepts RFC 3339 or unix milliseconds.
func parseCursor(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}

	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func isParticipant(meeting model.Meeting, userID string) bool {
	if meeting.HostID == userID {
		return true
	}
	for _, p := range meeting.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

type sendMessageRequest struct {
	MeetingID    string `json:"meetingId"`
	Message      string `json:"message"`
	SenderID     string `json:"senderId"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
}

// ServePostMessage handles POST /messages, the persistence half of the client
// adapter's dual write. The websocket path persists on its own; a message
// arriving through both carries the same content but distinct ids.
func ServePostMessage(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, err := auth.GetUserFromContext(ctx)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		req.Message = strings.TrimSpace(msgSanitizer.Sanitize(req.Message))
		if req.MeetingID == "" || req.Message == "" || req.SenderID == "" || req.SenderName == "" {
			respondError(w, http.StatusBadRequest, "Missing required fields")
			return
		}

		if req.SenderID != user.ID {
			respondError(w, http.StatusForbidden, "Sender ID must match authenticated user")
			return
		}

		saved, err := st.SaveMessage(ctx, model.Message{
			MeetingID:    req.MeetingID,
			SenderID:     req.SenderID,
			SenderName:   req.SenderName,
			SenderAvatar: req.SenderAvatar,
			Message:      req.Message,
			MessageType:  model.MessageTypeText,
		})
		if err != nil {
			log.Printf("failed to store message: %v", err)
			respondError(w, http.StatusInternalServerError, "Failed to send message")
			return
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"messageId": saved.ID,
			"message":   saved,
		})
	}
}
