// Package typing tracks ephemeral "user is typing" indicators. Entries live
// only in memory and expire on their own.
package typing

import (
	"slices"
	"sync"
	"time"
)

type key struct {
	conversationID string
	userID         string
}

// Tracker holds active typing entries and expires them after a timeout.
type Tracker struct {
	timeout  time.Duration
	onExpire func(conversationID, userID string)

	mu      sync.Mutex
	entries map[key]*time.Timer
}

// NewTracker creates a tracker. onExpire runs on its own goroutine when an
// entry times out without Stop.
func NewTracker(timeout time.Duration, onExpire func(conversationID, userID string)) *Tracker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Tracker{
		timeout:  timeout,
		onExpire: onExpire,
		entries:  make(map[key]*time.Timer),
	}
}

// Start marks userID as typing in conversationID and restarts the expiry.
// It reports whether the user was not typing before.
func (t *Tracker) Start(conversationID, userID string) bool {
	k := key{conversationID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.entries[k]; ok {
		timer.Stop()
		t.entries[k] = t.expireAfter(k)
		return false
	}
	t.entries[k] = t.expireAfter(k)
	return true
}

// expireAfter must be called with t.mu held.
func (t *Tracker) expireAfter(k key) *time.Timer {
	var timer *time.Timer
	timer = time.AfterFunc(t.timeout, func() {
		t.mu.Lock()
		current := t.entries[k] == timer
		if current {
			delete(t.entries, k)
		}
		t.mu.Unlock()

		if current && t.onExpire != nil {
			t.onExpire(k.conversationID, k.userID)
		}
	})
	return timer
}

// Stop clears the entry and reports whether one existed.
func (t *Tracker) Stop(conversationID, userID string) bool {
	k := key{conversationID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	timer, ok := t.entries[k]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.entries, k)
	return true
}

// StopUser clears every entry of userID and returns the affected
// conversations, sorted.
func (t *Tracker) StopUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stopped []string
	for k, timer := range t.entries {
		if k.userID != userID {
			continue
		}
		timer.Stop()
		delete(t.entries, k)
		stopped = append(stopped, k.conversationID)
	}
	slices.Sort(stopped)
	return stopped
}

// Typing returns the users typing in conversationID, sorted.
func (t *Tracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var users []string
	for k := range t.entries {
		if k.conversationID == conversationID {
			users = append(users, k.userID)
		}
	}
	slices.Sort(users)
	return users
}

// Close cancels every pending expiry without invoking onExpire.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, timer := range t.entries {
		timer.Stop()
		delete(t.entries, k)
	}
}
