package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type expiries struct {
	mu   sync.Mutex
	seen []string
}

func (e *expiries) record(conversationID, userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, conversationID+"/"+userID)
}

func (e *expiries) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.seen...)
}

func TestTracker_StartStop(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	defer tr.Close()

	assert.True(t, tr.Start("c1", "alice"))
	assert.False(t, tr.Start("c1", "alice"), "refresh is not a new entry")
	assert.True(t, tr.Start("c1", "bob"))
	assert.Equal(t, []string{"alice", "bob"}, tr.Typing("c1"))

	assert.True(t, tr.Stop("c1", "alice"))
	assert.False(t, tr.Stop("c1", "alice"))
	assert.Equal(t, []string{"bob"}, tr.Typing("c1"))
}

func TestTracker_Expiry(t *testing.T) {
	e := &expiries{}
	tr := NewTracker(30*time.Millisecond, e.record)
	defer tr.Close()

	tr.Start("c1", "alice")
	assert.Eventually(t, func() bool { return len(e.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c1/alice"}, e.list())
	assert.Empty(t, tr.Typing("c1"))
}

func TestTracker_RefreshPostponesExpiry(t *testing.T) {
	e := &expiries{}
	tr := NewTracker(80*time.Millisecond, e.record)
	defer tr.Close()

	tr.Start("c1", "alice")
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		tr.Start("c1", "alice")
	}
	assert.Empty(t, e.list())
	assert.Eventually(t, func() bool { return len(e.list()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTracker_StoppedEntryNeverExpires(t *testing.T) {
	e := &expiries{}
	tr := NewTracker(20*time.Millisecond, e.record)
	defer tr.Close()

	tr.Start("c1", "alice")
	tr.Stop("c1", "alice")
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, e.list())
}

func TestTracker_StopUser(t *testing.T) {
	tr := NewTracker(time.Minute, nil)
	defer tr.Close()

	tr.Start("c2", "alice")
	tr.Start("c1", "alice")
	tr.Start("c1", "bob")

	assert.Equal(t, []string{"c1", "c2"}, tr.StopUser("alice"))
	assert.Empty(t, tr.StopUser("alice"))
	assert.Equal(t, []string{"bob"}, tr.Typing("c1"))
}
