package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"meetchat/internal/auth"
	"meetchat/internal/store"
)

// ServeListMeetings handles GET /meetings?limit=, returning the caller's
// meetings with their latest chat session attached.
func ServeListMeetings(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, err := auth.GetUserFromContext(ctx)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		meetings, err := st.ListMeetings(ctx, user.ID, limit)
		if err != nil {
			log.Printf("failed to list meetings for %s: %v", user.ID, err)
			respondError(w, http.StatusInternalServerError, "Failed to fetch meetings")
			return
		}

		if meetings == nil {
			meetings = []store.MeetingWithSession{}
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"meetings": meetings,
			"total":    len(meetings),
		})
	}
}

type upsertMeetingRequest struct {
	MeetingID    string   `json:"meetingId"`
	Title        string   `json:"title"`
	Participants []string `json:"participants"`
}

// ServeUpsertMeeting handles POST /meetings. The caller becomes the host on
// create; on update the participant list is replaced, host always included.
func ServeUpsertMeeting(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		user, err := auth.GetUserFromContext(ctx)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		var req upsertMeetingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		if req.MeetingID == "" || req.Title == "" {
			respondError(w, http.StatusBadRequest, "Meeting ID and title are required")
			return
		}

		created, err := st.UpsertMeeting(ctx, req.MeetingID, req.Title, user.ID, req.Participants)
		if err != nil {
			log.Printf("failed to upsert meeting %s: %v", req.MeetingID, err)
			respondError(w, http.StatusInternalServerError, "Failed to create/update meeting")
			return
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"meetingId": req.MeetingID,
			"created":   created,
		})
	}
}
