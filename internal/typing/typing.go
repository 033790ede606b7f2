// Package typing tracks short-lived "user is typing" state with automatic
// expiry. Nothing here is persisted.
package typing

import (
	"sync"
	"time"
)

// DefaultExpiry balances responsiveness against event spam for short pauses,
// e.g. word boundaries.
const DefaultExpiry = 3 * time.Second

// Notifier receives typing-state transitions. StartedTyping may fire on every
// refresh of an active burst; StoppedTyping fires exactly once per transition
// back to idle.
type Notifier interface {
	StartedTyping(meetingID, userID, userName string)
	StoppedTyping(meetingID, userID string)
}

type entry struct {
	userName string
	timer    *time.Timer
}

// Coordinator debounces typing state per (meeting, user). At most one live
// timer exists per pair; a new burst cancels and replaces the prior timer.
type Coordinator struct {
	mu       sync.Mutex
	rooms    map[string]map[string]*entry // meetingId -> userId -> entry
	notifier Notifier
	expiry   time.Duration
}

func NewCoordinator(n Notifier, expiry time.Duration) *Coordinator {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Coordinator{
		rooms:    make(map[string]map[string]*entry),
		notifier: n,
		expiry:   expiry,
	}
}

// Start transitions the user to typing and (re)arms the inactivity timer.
func (c *Coordinator) Start(meetingID, userID, userName string) {
	c.mu.Lock()

	users, ok := c.rooms[meetingID]
	if !ok {
		users = make(map[string]*entry)
		c.rooms[meetingID] = users
	}

	if e, ok := users[userID]; ok {
		e.timer.Stop()
	}

	e := &entry{userName: userName}
	e.timer = time.AfterFunc(c.expiry, func() {
		c.expire(meetingID, userID, e)
	})
	users[userID] = e

	c.mu.Unlock()

	c.notifier.StartedTyping(meetingID, userID, userName)
}

// expire is the timer path of Stop. Stopping a fired timer does not cancel
// its callback, so a stale callback can still be in flight after a refresh
// replaced the entry; the identity check turns it into a no-op. Only the
// currently armed entry may close the burst.
func (c *Coordinator) expire(meetingID, userID string, armed *entry) {
	c.mu.Lock()

	users, ok := c.rooms[meetingID]
	if !ok {
		c.mu.Unlock()
		return
	}

	e, ok := users[userID]
	if !ok || e != armed {
		c.mu.Unlock()
		return
	}

	delete(users, userID)
	if len(users) == 0 {
		delete(c.rooms, meetingID)
	}

	c.mu.Unlock()

	c.notifier.StoppedTyping(meetingID, userID)
}

// Stop explicitly transitions the user back to idle, cancelling the pending
// timer. Calling Stop when already idle is a no-op.
func (c *Coordinator) Stop(meetingID, userID string) {
	c.mu.Lock()

	users, ok := c.rooms[meetingID]
	if !ok {
		c.mu.Unlock()
		return
	}

	e, ok := users[userID]
	if !ok {
		c.mu.Unlock()
		return
	}

	e.timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(c.rooms, meetingID)
	}

	c.mu.Unlock()

	c.notifier.StoppedTyping(meetingID, userID)
}

// StopAll clears typing state for a user across every meeting, used on
// disconnect. In practice a user is in at most one meeting at a time.
func (c *Coordinator) StopAll(userID string) {
	c.mu.Lock()
	var stopped []string
	for meetingID, users := range c.rooms {
		if e, ok := users[userID]; ok {
			e.timer.Stop()
			delete(users, userID)
			if len(users) == 0 {
				delete(c.rooms, meetingID)
			}
			stopped = append(stopped, meetingID)
		}
	}
	c.mu.Unlock()

	for _, meetingID := range stopped {
		c.notifier.StoppedTyping(meetingID, userID)
	}
}

// IsTyping reports whether the user currently has an active typing burst.
func (c *Coordinator) IsTyping(meetingID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	users, ok := c.rooms[meetingID]
	if !ok {
		return false
	}
	_, ok = users[userID]
	return ok
}
