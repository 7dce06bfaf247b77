package audit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/itemgate/pkg/model"
)

func sampleTables() []model.TableInfo {
	return []model.TableInfo{
		{WinIndex: 2, Mode: model.ModeDistinct, Group: "news", Items: []string{"news"}},
		{WinIndex: 1, Mode: model.ModeMerge, Group: "item1 item2", Items: []string{"item1", "item2"},
			Statistics: []model.SubscriptionStatistics{{Item: "item1", Delivered: 3}, {Item: "item2"}}},
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.RecordTables(ctx, "s1", sampleTables()))
	require.NoError(t, s.RecordSession(ctx, model.SessionRecord{SessionID: "s1", User: "alice", Cause: model.CauseTTLExpired}))

	tables := s.Tables("s1")
	require.Len(t, tables, 2)
	assert.Equal(t, 1, tables[0].WinIndex)
	assert.Equal(t, int64(3), tables[0].Statistics[0].Delivered)

	rec, ok := s.Session("s1")
	require.True(t, ok)
	assert.Equal(t, "alice", rec.User)
	assert.Equal(t, 1, s.Len())

	_, ok = s.Session("missing")
	assert.False(t, ok)
	assert.Empty(t, s.Tables("missing"))
	assert.NoError(t, s.Close(ctx))
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	var s Store = Nop{}
	assert.NoError(t, s.RecordTables(ctx, "s1", sampleTables()))
	assert.NoError(t, s.RecordSession(ctx, model.SessionRecord{SessionID: "s1"}))
	assert.NoError(t, s.Close(ctx))
}

// ============================================================================
// MongoDB
// ============================================================================

func connectTestStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db := "test_audit_" + uuid.NewString()[:8]
	s, err := Connect(ctx, MongoConfig{URI: uri, Database: db})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.client.Database(db).Drop(ctx)
		_ = s.Close(ctx)
	})
	require.NoError(t, s.EnsureIndexes(ctx))
	return s
}

func TestMongoStore_RoundTrip(t *testing.T) {
	s := connectTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTables(ctx, "s1", sampleTables()))
	require.NoError(t, s.RecordTables(ctx, "s1", nil))

	tables, err := s.Tables(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, 1, tables[0].WinIndex)
	assert.Equal(t, model.ModeMerge, tables[0].Mode)
	assert.Equal(t, []string{"item1", "item2"}, tables[0].Items)

	rec := model.SessionRecord{SessionID: "s1", User: "alice", Cause: model.CauseForced}
	require.NoError(t, s.RecordSession(ctx, rec))
	rec.Message = "again"
	assert.NoError(t, s.RecordSession(ctx, rec), "recording twice replaces")
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Connect(ctx, MongoConfig{URI: "mongodb://invalid-host:1", Database: "x"})
	assert.Error(t, err)
}
