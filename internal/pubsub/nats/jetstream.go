// Package nats implements pubsub on NATS JetStream.
package nats

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/syntrixbase/itemgate/internal/pubsub"
)

// JetStream is the subset of jetstream.JetStream the engine uses.
type JetStream interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

var _ JetStream = (jetstream.JetStream)(nil)

// NewJetStream wraps a connection in a JetStream context.
func NewJetStream(nc *nats.Conn) (JetStream, error) {
	return jetstream.New(nc)
}

func storageOf(t pubsub.StorageType) jetstream.StorageType {
	if t == pubsub.FileStorage {
		return jetstream.FileStorage
	}
	return jetstream.MemoryStorage
}

func ensureStream(ctx context.Context, js JetStream, name string, subjects string, storage pubsub.StorageType) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{subjects},
		Storage:  storageOf(storage),
	})
	return err
}
