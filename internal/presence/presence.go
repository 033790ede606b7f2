// Package presence tracks which connections belong to which meeting. State is
// process-local and rebuilt from zero on restart.
package presence

import (
	"sync"

	"meetchat/internal/model"
)

type Registry struct {
	mu       sync.RWMutex
	conns    map[string]model.ConnectedUser // socketId -> user info
	meetings map[string]map[string]struct{} // meetingId -> set of socketIds
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]model.ConnectedUser),
		meetings: make(map[string]map[string]struct{}),
	}
}

// Join registers the connection under the meeting. A connection belongs to at
// most one meeting; a prior registration elsewhere is removed first.
func (r *Registry) Join(socketID, meetingID, userID, userName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[socketID]; ok {
		r.removeLocked(socketID, prev.MeetingID)
	}

	r.conns[socketID] = model.ConnectedUser{
		UserID:    userID,
		UserName:  userName,
		SocketID:  socketID,
		MeetingID: meetingID,
	}

	set, ok := r.meetings[meetingID]
	if !ok {
		set = make(map[string]struct{})
		r.meetings[meetingID] = set
	}
	set[socketID] = struct{}{}
}

// Leave removes the connection from its meeting and reports the departing
// user. The second return is false for unknown connections.
func (r *Registry) Leave(socketID string) (model.ConnectedUser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.conns[socketID]
	if !ok {
		return model.ConnectedUser{}, false
	}

	r.removeLocked(socketID, user.MeetingID)
	delete(r.conns, socketID)
	return user, true
}

// removeLocked deletes the socket from a meeting's set and drops the meeting
// entry entirely once empty. Caller must hold mu.
func (r *Registry) removeLocked(socketID, meetingID string) {
	set, ok := r.meetings[meetingID]
	if !ok {
		return
	}
	delete(set, socketID)
	if len(set) == 0 {
		delete(r.meetings, meetingID)
	}
}

// MembersOf returns a snapshot of the connected users in a meeting, unordered.
func (r *Registry) MembersOf(meetingID string) []model.ConnectedUser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.meetings[meetingID]
	if !ok {
		return nil
	}

	members := make([]model.ConnectedUser, 0, len(set))
	for socketID := range set {
		if user, ok := r.conns[socketID]; ok {
			members = append(members, user)
		}
	}
	return members
}

// Lookup returns the identity bound to a connection, if any.
func (r *Registry) Lookup(socketID string) (model.ConnectedUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.conns[socketID]
	return user, ok
}

// Count reports the number of connections in a meeting.
func (r *Registry) Count(meetingID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.meetings[meetingID])
}

// Rooms reports how many meetings currently have at least one connection.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.meetings)
}
