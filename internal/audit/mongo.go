package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syntrixbase/itemgate/pkg/model"
)

const (
	defaultSessionsCollection = "audit_sessions"
	defaultTablesCollection   = "audit_tables"
)

// tableDocument is the stored form of one closed table.
type tableDocument struct {
	SessionID string          `bson:"session_id"`
	ClosedAt  time.Time       `bson:"closed_at"`
	Table     model.TableInfo `bson:"table"`
}

// MongoStore writes audit records to MongoDB.
type MongoStore struct {
	client   *mongo.Client
	sessions *mongo.Collection
	tables   *mongo.Collection
	now      func() time.Time
}

// MongoConfig selects the database and collections.
type MongoConfig struct {
	URI                string `yaml:"uri"`
	Database           string `yaml:"database"`
	SessionsCollection string `yaml:"sessions_collection"`
	TablesCollection   string `yaml:"tables_collection"`
}

// Connect opens a MongoDB connection and returns a store owning it.
func Connect(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	clientOpts := options.Client().ApplyURI(cfg.URI)
	if clientOpts.ConnectTimeout == nil {
		clientOpts.SetConnectTimeout(10 * time.Second)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	s := NewMongoStore(client.Database(cfg.Database), cfg.SessionsCollection, cfg.TablesCollection)
	s.client = client
	return s, nil
}

// NewMongoStore creates a store on db. Empty collection names use the
// defaults. The store does not own the client.
func NewMongoStore(db *mongo.Database, sessionsCollection, tablesCollection string) *MongoStore {
	if sessionsCollection == "" {
		sessionsCollection = defaultSessionsCollection
	}
	if tablesCollection == "" {
		tablesCollection = defaultTablesCollection
	}
	return &MongoStore{
		sessions: db.Collection(sessionsCollection),
		tables:   db.Collection(tablesCollection),
		now:      time.Now,
	}
}

// EnsureIndexes creates the lookup index of table records.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.tables.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "table.win_index", Value: 1}},
	})
	return err
}

func (s *MongoStore) RecordTables(ctx context.Context, sessionID string, tables []model.TableInfo) error {
	if len(tables) == 0 {
		return nil
	}
	now := s.now()
	docs := make([]interface{}, len(tables))
	for i, t := range tables {
		docs[i] = tableDocument{SessionID: sessionID, ClosedAt: now, Table: t}
	}
	_, err := s.tables.InsertMany(ctx, docs)
	return err
}

// RecordSession upserts the session record; recording the same session
// twice keeps the last write.
func (s *MongoStore) RecordSession(ctx context.Context, rec model.SessionRecord) error {
	_, err := s.sessions.ReplaceOne(ctx, bson.M{"_id": rec.SessionID}, rec, options.Replace().SetUpsert(true))
	return err
}

// Tables returns the recorded tables of a session ordered by win index.
func (s *MongoStore) Tables(ctx context.Context, sessionID string) ([]model.TableInfo, error) {
	cur, err := s.tables.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "table.win_index", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.TableInfo
	for cur.Next(ctx) {
		var doc tableDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.Table)
	}
	return out, cur.Err()
}

// Close disconnects the client when the store owns it.
func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

var _ Store = (*MongoStore)(nil)
