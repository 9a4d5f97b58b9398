package rooms

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/logging"
	"courier/pkg/types"
)

type fakeMember struct {
	id, user string
	fail     bool

	mu     sync.Mutex
	frames []types.Envelope
}

func (f *fakeMember) ID() string     { return f.id }
func (f *fakeMember) UserID() string { return f.user }
func (f *fakeMember) SendRaw(frame []byte) error {
	if f.fail {
		return errors.New("closed")
	}
	var env types.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeMember) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestMultiplexer_JoinLeaveIdempotent(t *testing.T) {
	x := NewMultiplexer(logging.Discard())
	a := &fakeMember{id: "c1", user: "a"}

	assert.True(t, x.Join(a, "conversation:1"))
	assert.False(t, x.Join(a, "conversation:1"))
	assert.Equal(t, 1, x.MemberCount("conversation:1"))
	assert.True(t, x.InRoom(a, "conversation:1"))

	assert.True(t, x.Leave(a, "conversation:1"))
	assert.False(t, x.Leave(a, "conversation:1"))
	assert.False(t, x.Leave(a, "never-joined"))
	assert.Zero(t, x.RoomCount(), "empty rooms vanish")
}

func TestMultiplexer_EmitReachesExactlyMembers(t *testing.T) {
	x := NewMultiplexer(logging.Discard())
	a := &fakeMember{id: "c1", user: "a"}
	b := &fakeMember{id: "c2", user: "b"}
	c := &fakeMember{id: "c3", user: "c"}

	x.Join(a, "conversation:1")
	x.Join(b, "conversation:1")
	x.Join(c, "conversation:2")

	n, err := x.EmitToRoom("conversation:1", "ping", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
	assert.Zero(t, c.count())

	x.Leave(b, "conversation:1")
	n, err = x.EmitToRoom("conversation:1", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, b.count(), "no delivery after leave")
}

func TestMultiplexer_ExceptUserSkipsAllTabs(t *testing.T) {
	x := NewMultiplexer(logging.Discard())
	tab1 := &fakeMember{id: "c1", user: "a"}
	tab2 := &fakeMember{id: "c2", user: "a"}
	other := &fakeMember{id: "c3", user: "b"}
	for _, m := range []*fakeMember{tab1, tab2, other} {
		x.Join(m, "conversation:123")
	}

	n, err := x.EmitToRoom("conversation:123", types.EventTypingStarted, nil, ExceptUser("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, tab1.count())
	assert.Zero(t, tab2.count())
	assert.Equal(t, 1, other.count())

	n, err = x.EmitToRoom("conversation:123", "x", nil, ExceptConn("c1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMultiplexer_EmitToUser(t *testing.T) {
	x := NewMultiplexer(logging.Discard())
	tab1 := &fakeMember{id: "c1", user: "a"}
	tab2 := &fakeMember{id: "c2", user: "a"}
	x.Join(tab1, types.UserRoom("a"))
	x.Join(tab2, types.UserRoom("a"))

	n, err := x.EmitToUser("a", "notification:received", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMultiplexer_FailedMemberDoesNotBlockOthers(t *testing.T) {
	x := NewMultiplexer(logging.Discard())
	broken := &fakeMember{id: "c1", user: "a", fail: true}
	ok := &fakeMember{id: "c2", user: "b"}
	x.Join(broken, "r")
	x.Join(ok, "r")

	n, err := x.EmitToRoom("r", "x", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, ok.count())
}

func TestMultiplexer_LeaveAll(t *testing.T) {
	x := NewMultiplexer(logging.Discard())
	a := &fakeMember{id: "c1", user: "a"}
	x.Join(a, "r1")
	x.Join(a, "r2")

	assert.ElementsMatch(t, []string{"r1", "r2"}, x.RoomsOf(a))
	assert.ElementsMatch(t, []string{"r1", "r2"}, x.LeaveAll(a))
	assert.Empty(t, x.RoomsOf(a))
	assert.Zero(t, x.RoomCount())
}

func TestFilter_RoundTrip(t *testing.T) {
	f := BuildFilter(ExceptUser("a"), ExceptConn("c1"))
	assert.Equal(t, Filter{ExceptUser: "a", ExceptConn: "c1"}, f)
	assert.Equal(t, f, BuildFilter(f.Options()...))
	assert.Empty(t, BuildFilter().Options())
}

func TestMultiplexer_ConcurrentJoinEmit(t *testing.T) {
	x := NewMultiplexer(logging.Discard())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		m := &fakeMember{id: string(rune('a' + i)), user: "u"}
		wg.Add(2)
		go func() { defer wg.Done(); x.Join(m, "r") }()
		go func() { defer wg.Done(); _, _ = x.EmitToRoom("r", "x", nil) }()
	}
	wg.Wait()
	assert.Equal(t, 20, x.MemberCount("r"))
}
