package duel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/axekz/coinyx/pkg/gateway"
)

// State is the lifecycle position of a Session.
type State int32

const (
	// Proposed sessions wait for an accept.
	Proposed State = iota
	// Matched sessions have an accept in flight.
	Matched
	Resolved
	Cancelled
	Expired
)

func (s State) String() string {
	switch s {
	case Proposed:
		return "proposed"
	case Matched:
		return "matched"
	case Resolved:
		return "resolved"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Key identifies the one live session an initiator may own in a channel.
type Key struct {
	Initiator string
	Channel   string
}

// Session is a proposed duel. State changes only by compare-and-swap.
type Session struct {
	Key
	Stake     Stake
	CreatedAt time.Time

	state atomic.Int32

	mu           sync.Mutex
	opponent     string
	announcement gateway.MessageRef
}

func newSession(key Key, opponent string, stake Stake, now time.Time) *Session {
	s := &Session{Key: key, Stake: stake, CreatedAt: now, opponent: opponent}
	s.state.Store(int32(Proposed))
	return s
}

// State returns the current state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Opponent returns the bound opponent, empty while the duel is open to anyone.
func (s *Session) Opponent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opponent
}

func (s *Session) setOpponent(id string) {
	s.mu.Lock()
	s.opponent = id
	s.mu.Unlock()
}

// Announcement returns the message that announced the session.
func (s *Session) Announcement() gateway.MessageRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.announcement
}

func (s *Session) setAnnouncement(ref gateway.MessageRef) {
	s.mu.Lock()
	s.announcement = ref
	s.mu.Unlock()
}

func (s *Session) expiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}

// Snapshot is an immutable copy of a session for callers outside the registry.
type Snapshot struct {
	Initiator    string
	Opponent     string
	Channel      string
	Stake        Stake
	CreatedAt    time.Time
	State        State
	Announcement gateway.MessageRef
}

// Snapshot copies the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Initiator:    s.Initiator,
		Opponent:     s.opponent,
		Channel:      s.Channel,
		Stake:        s.Stake,
		CreatedAt:    s.CreatedAt,
		State:        s.State(),
		Announcement: s.announcement,
	}
}
