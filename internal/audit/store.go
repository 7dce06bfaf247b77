// Package audit records closed sessions and tables with their delivery
// statistics. Records are written only after the corresponding close, so
// a store never sees partial state.
package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/syntrixbase/itemgate/pkg/model"
)

// Store persists audit records.
type Store interface {
	// RecordTables stores the tables of a session after they were closed.
	RecordTables(ctx context.Context, sessionID string, tables []model.TableInfo) error
	// RecordSession stores a closed session.
	RecordSession(ctx context.Context, rec model.SessionRecord) error
	Close(ctx context.Context) error
}

// Nop discards every record.
type Nop struct{}

func (Nop) RecordTables(context.Context, string, []model.TableInfo) error { return nil }
func (Nop) RecordSession(context.Context, model.SessionRecord) error { return nil }
func (Nop) Close(context.Context) error { return nil }

// MemoryStore keeps records in memory. It is used by tests and by
// deployments without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	tables   map[string][]model.TableInfo
	sessions map[string]model.SessionRecord
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:   make(map[string][]model.TableInfo),
		sessions: make(map[string]model.SessionRecord),
	}
}

func (s *MemoryStore) RecordTables(_ context.Context, sessionID string, tables []model.TableInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[sessionID] = append(s.tables[sessionID], tables...)
	return nil
}

func (s *MemoryStore) RecordSession(_ context.Context, rec model.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.SessionID] = rec
	return nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }

// Tables returns the recorded tables of a session sorted by win index.
func (s *MemoryStore) Tables(sessionID string) []model.TableInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]model.TableInfo(nil), s.tables[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].WinIndex < out[j].WinIndex })
	return out
}

// Session returns the recorded session.
func (s *MemoryStore) Session(sessionID string) (model.SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	return rec, ok
}

// Len returns the number of recorded sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

var (
	_ Store = Nop{}
	_ Store = (*MemoryStore)(nil)
)
