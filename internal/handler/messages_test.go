package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetchat/internal/auth"
	"meetchat/internal/model"
	"meetchat/internal/testutil"
)

func authedRequest(method, target, body, userID string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if userID != "" {
		ctx := context.WithValue(req.Context(), auth.UserKey, auth.User{ID: userID, Name: userID})
		req = req.WithContext(ctx)
	}
	return req
}

func TestMessageHistoryRequiresAuth(t *testing.T) {
	st := testutil.NewMemStore()

	rec := httptest.NewRecorder()
	ServeMessageHistory(st)(rec, authedRequest(http.MethodGet, "/messages?meetingId=m1", "", ""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMessageHistoryUnknownMeeting(t *testing.T) {
	st := testutil.NewMemStore()

	rec := httptest.NewRecorder()
	ServeMessageHistory(st)(rec, authedRequest(http.MethodGet, "/messages?meetingId=ghost", "", "u1"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessageHistoryNonParticipant(t *testing.T) {
	st := testutil.NewMemStore()
	_, err := st.UpsertMeeting(context.Background(), "m1", "Standup", "u1", nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	ServeMessageHistory(st)(rec, authedRequest(http.MethodGet, "/messages?meetingId=m1", "", "intruder"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMessageHistoryReturnsPage(t *testing.T) {
	st := testutil.NewMemStore()
	_, err := st.UpsertMeeting(context.Background(), "m1", "Standup", "u1", []string{"u2"})
	require.NoError(t, err)

	for _, text := range []string{"one", "two"} {
		_, err := st.SaveMessage(context.Background(), model.Message{
			MeetingID: "m1", SenderID: "u1", SenderName: "alice", Message: text,
		})
		require.NoError(t, err)
	}

	rec := httptest.NewRecorder()
	ServeMessageHistory(st)(rec, authedRequest(http.MethodGet, "/messages?meetingId=m1&limit=50", "", "u2"))

	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Messages []model.Message `json:"messages"`
		HasMore  bool            `json:"hasMore"`
		Total    int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "one", res.Messages[0].Message)
	assert.Equal(t, "two", res.Messages[1].Message)
	assert.False(t, res.HasMore)
	assert.Equal(t, 2, res.Total)
}

func TestPostMessageSenderMismatch(t *testing.T) {
	st := testutil.NewMemStore()

	body := `{"meetingId":"m1","message":"hi","senderId":"u2","senderName":"bob"}`
	rec := httptest.NewRecorder()
	ServePostMessage(st)(rec, authedRequest(http.MethodPost, "/messages", body, "u1"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, st.Messages())
}

func TestPostMessageStores(t *testing.T) {
	st := testutil.NewMemStore()

	body := `{"meetingId":"m1","message":"  hi there  ","senderId":"u1","senderName":"alice"}`
	rec := httptest.NewRecorder()
	ServePostMessage(st)(rec, authedRequest(http.MethodPost, "/messages", body, "u1"))

	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Success   bool          `json:"success"`
		MessageID string        `json:"messageId"`
		Message   model.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.MessageID)
	assert.Equal(t, "hi there", res.Message.Message)

	stored := st.Messages()
	require.Len(t, stored, 1)
	assert.Equal(t, "hi there", stored[0].Message)
}

func TestPostMessageEmptyAfterTrim(t *testing.T) {
	st := testutil.NewMemStore()

	body := `{"meetingId":"m1","message":"   ","senderId":"u1","senderName":"alice"}`
	rec := httptest.NewRecorder()
	ServePostMessage(st)(rec, authedRequest(http.MethodPost, "/messages", body, "u1"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, st.Messages())
}
