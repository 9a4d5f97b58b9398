// Package reconcile keeps a client's optimistic view of per-thread state
// (unread counter, pin and archive flags) consistent with the server.
//
// The store holds the last authoritative snapshot of every thread plus an
// ordered list of pending optimistic operations. The visible state is always
// the snapshot with the pending operations folded over it. A new snapshot
// replaces the base and the pending operations are rebased onto it:
//
//   - Unread increments come from server events the snapshot already
//     accounts for, so a later snapshot drops them.
//   - User operations (mark read, pin, archive) stay pending until the
//     snapshot reflects them, they are confirmed or rejected, or they expire.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/pkg/types"
)

// Kind is the kind of an optimistic operation.
type Kind int

const (
	// KindIncrementUnread raises the unread counter by Delta.
	KindIncrementUnread Kind = iota + 1
	// KindResetUnread sets the unread counter to zero.
	KindResetUnread
	// KindSetPinned sets the pinned flag to Value.
	KindSetPinned
	// KindSetArchived sets the archived flag to Value.
	KindSetArchived
)

func (k Kind) String() string {
	switch k {
	case KindIncrementUnread:
		return "increment_unread"
	case KindResetUnread:
		return "reset_unread"
	case KindSetPinned:
		return "set_pinned"
	case KindSetArchived:
		return "set_archived"
	default:
		return "unknown"
	}
}

// ThreadState is the reconciled state of one thread.
type ThreadState struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
	Pinned         bool   `json:"pinned"`
	Archived       bool   `json:"archived"`
}

// FromPayload converts a thread:updated payload.
func FromPayload(p types.ThreadUpdatedPayload) ThreadState {
	return ThreadState{
		ConversationID: p.ConversationID,
		UnreadCount:    p.UnreadCount,
		Pinned:         p.Pinned,
		Archived:       p.Archived,
	}
}

// Op is one optimistic operation.
type Op struct {
	ID             string
	Kind           Kind
	ConversationID string
	Delta          int
	Value          bool
	AppliedAt      time.Time
}

// IncrementUnread raises the unread counter of a thread by n.
func IncrementUnread(conversationID string, n int) Op {
	return Op{Kind: KindIncrementUnread, ConversationID: conversationID, Delta: n}
}

// MarkRead resets the unread counter of a thread.
func MarkRead(conversationID string) Op {
	return Op{Kind: KindResetUnread, ConversationID: conversationID}
}

// SetPinned pins or unpins a thread.
func SetPinned(conversationID string, pinned bool) Op {
	return Op{Kind: KindSetPinned, ConversationID: conversationID, Value: pinned}
}

// SetArchived archives or restores a thread.
func SetArchived(conversationID string, archived bool) Op {
	return Op{Kind: KindSetArchived, ConversationID: conversationID, Value: archived}
}

func (op Op) apply(s ThreadState) ThreadState {
	switch op.Kind {
	case KindIncrementUnread:
		s.UnreadCount += op.Delta
		if s.UnreadCount < 0 {
			s.UnreadCount = 0
		}
	case KindResetUnread:
		s.UnreadCount = 0
	case KindSetPinned:
		s.Pinned = op.Value
	case KindSetArchived:
		s.Archived = op.Value
	}
	return s
}

// settledBy reports whether an authoritative state makes op redundant.
func (op Op) settledBy(s ThreadState) bool {
	switch op.Kind {
	case KindIncrementUnread:
		return true
	case KindResetUnread:
		return s.UnreadCount == 0
	case KindSetPinned:
		return s.Pinned == op.Value
	case KindSetArchived:
		return s.Archived == op.Value
	default:
		return true
	}
}

// Options tunes a Store.
type Options struct {
	// OnChange runs after the visible state of a thread changed. It is
	// called without the store lock held.
	OnChange func(ThreadState)
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	base    map[string]ThreadState
	pending map[string][]Op
	byID    map[string]string // op ID -> conversation ID

	onChange func(ThreadState)
	now      func() time.Time
}

// New creates an empty store.
func New(opts Options) *Store {
	return &Store{
		base:     make(map[string]ThreadState),
		pending:  make(map[string][]Op),
		byID:     make(map[string]string),
		onChange: opts.OnChange,
		now:      time.Now,
	}
}

// view folds the pending ops of conversationID over its base. Callers hold mu.
func (s *Store) view(conversationID string) ThreadState {
	st, ok := s.base[conversationID]
	if !ok {
		st = ThreadState{ConversationID: conversationID}
	}
	for _, op := range s.pending[conversationID] {
		st = op.apply(st)
	}
	return st
}

// update runs fn under the lock and reports the visible state change.
func (s *Store) update(conversationID string, fn func()) {
	s.mu.Lock()
	before := s.view(conversationID)
	fn()
	after := s.view(conversationID)
	s.mu.Unlock()

	if s.onChange != nil && before != after {
		s.onChange(after)
	}
}

// Apply records op optimistically and returns it with its ID and time set.
func (s *Store) Apply(op Op) Op {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.AppliedAt = s.now()
	s.update(op.ConversationID, func() {
		s.pending[op.ConversationID] = append(s.pending[op.ConversationID], op)
		s.byID[op.ID] = op.ConversationID
	})
	return op
}

// Snapshot installs authoritative state and rebases pending ops onto it.
func (s *Store) Snapshot(state ThreadState) {
	s.update(state.ConversationID, func() {
		s.base[state.ConversationID] = state
		kept := s.pending[state.ConversationID][:0]
		for _, op := range s.pending[state.ConversationID] {
			if op.settledBy(state) {
				delete(s.byID, op.ID)
				continue
			}
			kept = append(kept, op)
		}
		s.setPending(state.ConversationID, kept)
	})
}

// Confirm folds a pending op the server accepted into the base state so its
// effect survives until a snapshot carries it.
func (s *Store) Confirm(opID string) bool {
	return s.remove(opID, true)
}

// Reject rolls back a pending op the server refused.
func (s *Store) Reject(opID string) bool {
	return s.remove(opID, false)
}

func (s *Store) remove(opID string, fold bool) bool {
	s.mu.Lock()
	conversationID, ok := s.byID[opID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	var found bool
	s.update(conversationID, func() {
		ops := s.pending[conversationID]
		for i, op := range ops {
			if op.ID != opID {
				continue
			}
			found = true
			if fold {
				base, ok := s.base[conversationID]
				if !ok {
					base = ThreadState{ConversationID: conversationID}
				}
				s.base[conversationID] = op.apply(base)
			}
			s.setPending(conversationID, append(ops[:i:i], ops[i+1:]...))
			delete(s.byID, opID)
			return
		}
	})
	return found
}

// Expire rolls back user ops older than maxAge that were never settled and
// returns how many were dropped. Unread increments wait for a snapshot.
func (s *Store) Expire(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	var stale []string
	for _, ops := range s.pending {
		for _, op := range ops {
			if op.Kind != KindIncrementUnread && op.AppliedAt.Before(cutoff) {
				stale = append(stale, op.ID)
			}
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range stale {
		if s.remove(id, false) {
			n++
		}
	}
	return n
}

func (s *Store) setPending(conversationID string, ops []Op) {
	if len(ops) == 0 {
		delete(s.pending, conversationID)
		return
	}
	s.pending[conversationID] = ops
}

// Get returns the visible state of a thread.
func (s *Store) Get(conversationID string) (ThreadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.base[conversationID]
	_, pending := s.pending[conversationID]
	return s.view(conversationID), known || pending
}

// Threads returns the visible state of every known thread: pinned first,
// then by conversation ID.
func (s *Store) Threads() []ThreadState {
	s.mu.Lock()
	ids := make(map[string]struct{}, len(s.base)+len(s.pending))
	for id := range s.base {
		ids[id] = struct{}{}
	}
	for id := range s.pending {
		ids[id] = struct{}{}
	}
	out := make([]ThreadState, 0, len(ids))
	for id := range ids {
		out = append(out, s.view(id))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

// TotalUnread sums the visible unread counters of non-archived threads.
func (s *Store) TotalUnread() int {
	total := 0
	for _, t := range s.Threads() {
		if !t.Archived {
			total += t.UnreadCount
		}
	}
	return total
}

// Pending returns the pending ops of a thread in application order.
func (s *Store) Pending(conversationID string) []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.pending[conversationID]...)
}
