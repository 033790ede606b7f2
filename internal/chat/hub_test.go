package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetchat/internal/model"
	"meetchat/internal/testutil"
	"meetchat/internal/typing"
)

func newTestHub(st *testutil.MemStore) *Hub {
	return NewHub(st, WithTypingCoordinator(func(n typing.Notifier) *typing.Coordinator {
		return typing.NewCoordinator(n, 80*time.Millisecond)
	}))
}

func joinTestClient(h *Hub, userID, userName, meetingID string) *Client {
	c := NewClient(nil, userID, userName)
	h.Register(c)
	h.Handle(context.Background(), c, rawEvent(EventJoinMeeting, JoinPayload{
		MeetingID: meetingID,
		UserID:    userID,
		UserName:  userName,
	}))
	return c
}

func rawEvent(event string, payload any) []byte {
	raw, err := json.Marshal(NewEnvelope(event, payload))
	if err != nil {
		panic(err)
	}
	return raw
}

func recvEvent(t *testing.T, c *Client, want string) Envelope {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case env := <-c.outbox:
			if env.Event == want {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func assertNoEvent(t *testing.T, c *Client, event string) {
	t.Helper()
	for {
		select {
		case env := <-c.outbox:
			if env.Event == event {
				t.Fatalf("unexpected %s event: %s", event, env.Data)
			}
		default:
			return
		}
	}
}

func TestJoinAnnouncesToOthersOnly(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	alice := joinTestClient(h, "u1", "alice", "m1")
	bob := joinTestClient(h, "u2", "bob", "m1")

	env := recvEvent(t, alice, EventUserJoined)
	var ev UserEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "u2", ev.UserID)
	assert.Equal(t, "bob", ev.UserName)

	// The joining connection itself is excluded from the announcement.
	assertNoEvent(t, bob, EventUserJoined)

	assert.Equal(t, 1, st.OpenSessions("m1", "u1"))
	assert.Equal(t, 1, st.OpenSessions("m1", "u2"))
}

func TestRejoinKeepsOneOpenSession(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	alice := joinTestClient(h, "u1", "alice", "m1")
	h.Handle(context.Background(), alice, rawEvent(EventJoinMeeting, JoinPayload{
		MeetingID: "m1", UserID: "u1", UserName: "alice",
	}))

	assert.Equal(t, 1, st.OpenSessions("m1", "u1"))
	assert.Equal(t, 1, h.Presence().Count("m1"))
}

func TestSendMessageStoresThenBroadcasts(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	alice := joinTestClient(h, "u1", "alice", "m1")
	bob := joinTestClient(h, "u2", "bob", "m1")

	h.Handle(context.Background(), alice, rawEvent(EventSendMessage, SendPayload{
		MeetingID:  "m1",
		Message:    "hello",
		SenderID:   "u1",
		SenderName: "alice",
	}))

	// Both room members receive the broadcast, sender included.
	for _, c := range []*Client{alice, bob} {
		env := recvEvent(t, c, EventNewMessage)
		var msg model.Message
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		assert.Equal(t, "u1", msg.SenderID)
		assert.Equal(t, "hello", msg.Message)
		assert.Equal(t, model.MessageTypeText, msg.MessageType)
		assert.NotEmpty(t, msg.ID)
	}

	stored := st.Messages()
	require.Len(t, stored, 1)
	assert.Equal(t, "hello", stored[0].Message)
}

func TestStoreFailureSuppressesBroadcast(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	alice := joinTestClient(h, "u1", "alice", "m1")
	bob := joinTestClient(h, "u2", "bob", "m1")

	st.FailSaves = true
	h.Handle(context.Background(), alice, rawEvent(EventSendMessage, SendPayload{
		MeetingID:  "m1",
		Message:    "hello",
		SenderID:   "u1",
		SenderName: "alice",
	}))

	// The sender is told; nobody sees a message that was never stored.
	env := recvEvent(t, alice, EventError)
	var ev ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "Failed to send message", ev.Message)

	assertNoEvent(t, bob, EventNewMessage)
	assert.Empty(t, st.Messages())
}

func TestEmptyMessageRejectedBeforeStore(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	alice := joinTestClient(h, "u1", "alice", "m1")
	bob := joinTestClient(h, "u2", "bob", "m1")

	h.Handle(context.Background(), alice, rawEvent(EventSendMessage, SendPayload{
		MeetingID:  "m1",
		Message:    "   \n\t  ",
		SenderID:   "u1",
		SenderName: "alice",
	}))

	recvEvent(t, alice, EventError)
	assertNoEvent(t, bob, EventNewMessage)
	assert.Empty(t, st.Messages())
}

func TestSenderMismatchRejected(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	alice := joinTestClient(h, "u1", "alice", "m1")
	bob := joinTestClient(h, "u2", "bob", "m1")

	// The connection is authenticated as u1; it cannot speak as u2.
	h.Handle(context.Background(), alice, rawEvent(EventSendMessage, SendPayload{
		MeetingID:  "m1",
		Message:    "spoofed",
		SenderID:   "u2",
		SenderName: "bob",
	}))

	recvEvent(t, alice, EventError)
	assertNoEvent(t, bob, EventNewMessage)
	assert.Empty(t, st.Messages())
}

func TestReactionBroadcastsToRoom(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	alice := joinTestClient(h, "u1", "alice", "m1")
	bob := joinTestClient(h, "u2", "bob", "m1")

	h.Handle(context.Background(), alice, rawEvent(EventSendMessage, SendPayload{
		MeetingID: "m1", Message: "hello", SenderID: "u1", SenderName: "alice",
	}))
	stored := st.Messages()
	require.Len(t, stored, 1)

	h.Handle(context.Background(), bob, rawEvent(EventReact, ReactPayload{
		MessageID: stored[0].ID,
		UserID:    "u2",
		Emoji:     "👍",
	}))

	for _, c := range []*Client{alice, bob} {
		env := recvEvent(t, c, EventMessageReaction)
		var ev ReactionEvent
		require.NoError(t, json.Unmarshal(env.Data, &ev))
		assert.Equal(t, stored[0].ID, ev.MessageID)
		assert.Equal(t, "u2", ev.Reaction.UserID)
		assert.Equal(t, "👍", ev.Reaction.Emoji)
	}

	assert.Len(t, st.Messages()[0].Reactions, 1)
}

func TestReactionToUnknownMessage(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	alice := joinTestClient(h, "u1", "alice", "m1")
	bob := joinTestClient(h, "u2", "bob", "m1")

	h.Handle(context.Background(), alice, rawEvent(EventReact, ReactPayload{
		MessageID: "no-such-message",
		UserID:    "u1",
		Emoji:     "🎉",
	}))

	env := recvEvent(t, alice, EventError)
	var ev ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "Failed to add reaction", ev.Message)

	assertNoEvent(t, bob, EventMessageReaction)
}

func TestTypingLifecycle(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	alice := joinTestClient(h, "u1", "alice", "m1")
	bob := joinTestClient(h, "u2", "bob", "m1")

	h.Handle(context.Background(), alice, rawEvent(EventTypingStart, TypingPayload{
		MeetingID: "m1", UserID: "u1", UserName: "alice",
	}))

	env := recvEvent(t, bob, EventUserTyping)
	var ev UserEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "u1", ev.UserID)

	// The typing user does not hear about themselves.
	assertNoEvent(t, alice, EventUserTyping)

	// No further input: the coordinator expires the state on its own.
	recvEvent(t, bob, EventUserStoppedTyping)
}

func TestExplicitTypingStop(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	alice := joinTestClient(h, "u1", "alice", "m1")
	bob := joinTestClient(h, "u2", "bob", "m1")

	h.Handle(context.Background(), alice, rawEvent(EventTypingStart, TypingPayload{
		MeetingID: "m1", UserID: "u1", UserName: "alice",
	}))
	h.Handle(context.Background(), alice, rawEvent(EventTypingStop, TypingPayload{
		MeetingID: "m1", UserID: "u1",
	}))

	recvEvent(t, bob, EventUserStoppedTyping)
}

func TestDisconnectCleansUp(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	alice := joinTestClient(h, "u1", "alice", "m1")
	bob := joinTestClient(h, "u2", "bob", "m1")

	// Bob was mid-typing when the transport dropped.
	h.Handle(context.Background(), bob, rawEvent(EventTypingStart, TypingPayload{
		MeetingID: "m1", UserID: "u2", UserName: "bob",
	}))

	h.Unregister(context.Background(), bob)

	// Pending typing state is cleared on the way out, before the departure
	// announcement.
	recvEvent(t, alice, EventUserStoppedTyping)

	env := recvEvent(t, alice, EventUserLeft)
	var ev UserEvent
	require.NoError(t, json.Unmarshal(env.Data, &ev))
	assert.Equal(t, "u2", ev.UserID)

	members := h.Presence().MembersOf("m1")
	require.Len(t, members, 1)
	assert.Equal(t, "u1", members[0].UserID)

	assert.Equal(t, 0, st.OpenSessions("m1", "u2"))
	assert.Equal(t, 1, st.OpenSessions("m1", "u1"))
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	alice := joinTestClient(h, "u1", "alice", "m1")

	h.Handle(context.Background(), alice, []byte("{not json"))
	recvEvent(t, alice, EventError)

	h.Handle(context.Background(), alice, rawEvent("time_travel", map[string]string{}))
	recvEvent(t, alice, EventError)

	// The connection survives either way.
	h.Handle(context.Background(), alice, rawEvent(EventSendMessage, SendPayload{
		MeetingID: "m1", Message: "still here", SenderID: "u1", SenderName: "alice",
	}))
	recvEvent(t, alice, EventNewMessage)
}

func TestJoinUserMismatchRejected(t *testing.T) {
	st := testutil.NewMemStore()
	h := newTestHub(st)

	c := NewClient(nil, "u1", "alice")
	h.Register(c)

	h.Handle(context.Background(), c, rawEvent(EventJoinMeeting, JoinPayload{
		MeetingID: "m1", UserID: "u9", UserName: "mallory",
	}))

	recvEvent(t, c, EventError)
	assert.Equal(t, 0, h.Presence().Count("m1"))
}
