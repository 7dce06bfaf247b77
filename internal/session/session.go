package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syntrixbase/itemgate/internal/future"
	"github.com/syntrixbase/itemgate/internal/kernel"
	"github.com/syntrixbase/itemgate/pkg/model"
)

// State of a session.
type State int

const (
	StateCreating State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "CREATING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// termination is a forced termination requested while the session was
// still being created.
type termination struct {
	cause   int
	message string
	result  *future.Future
}

// Session is one client session and its tables.
type Session struct {
	id          string
	user        string
	openedAt    time.Time
	wantsTables bool

	mu      sync.Mutex
	state   State
	stream  *kernel.Stream
	ttl     time.Duration
	timer   stopper
	tables  map[int]model.TableInfo
	pending []termination

	closed *future.Future
}

func newSession(id, user string, openedAt time.Time) *Session {
	return &Session{
		id:       id,
		user:     user,
		openedAt: openedAt,
		state:    StateCreating,
		tables:   make(map[int]model.TableInfo),
		closed:   future.New(nil),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// User returns the authenticated user.
func (s *Session) User() string { return s.user }

// OpenedAt returns the creation time.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TTL returns the time-to-live granted at creation; bounded is false for
// sessions that never expire.
func (s *Session) TTL() (ttl time.Duration, bounded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl, s.ttl > 0
}

// Tables returns the open tables sorted by win index.
func (s *Session) Tables() []model.TableInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedTables(s.tables)
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.closed.Done() }

func sortedTables(m map[int]model.TableInfo) []model.TableInfo {
	out := make([]model.TableInfo, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WinIndex < out[j].WinIndex })
	return out
}
