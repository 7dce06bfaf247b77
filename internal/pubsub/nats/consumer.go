package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/syntrixbase/itemgate/internal/pubsub"
)

type consumer struct {
	js     JetStream
	opts   pubsub.ConsumerOptions
	logger *slog.Logger
}

// NewConsumer creates a consumer on opts.Stream.
func NewConsumer(js JetStream, opts pubsub.ConsumerOptions, logger *slog.Logger) (pubsub.Consumer, error) {
	if js == nil {
		return nil, errors.New("jetstream cannot be nil")
	}
	if opts.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = pubsub.DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &consumer{js: js, opts: opts, logger: logger.With("stream", opts.Stream)}, nil
}

func (c *consumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	filter := c.opts.FilterSubject
	if filter == "" {
		filter = pubsub.StreamSubjects(c.opts.Stream)
	}
	if err := ensureStream(ctx, c.js, c.opts.Stream, filter, c.opts.Storage); err != nil {
		return nil, fmt.Errorf("failed to ensure stream %s: %w", c.opts.Stream, err)
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       c.opts.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: filter,
	}
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.opts.Stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	out := make(chan pubsub.Message, c.opts.BufferSize)
	// mu keeps sends and close(out) apart.
	var (
		mu      sync.RWMutex
		closing bool
	)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		mu.RLock()
		defer mu.RUnlock()
		if closing {
			_ = msg.Nak()
			return
		}
		select {
		case out <- WrapMessage(msg):
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		close(out)
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}
	c.logger.Info("Consumer subscribed", "filter", filter, "durable", c.opts.Durable)

	go func() {
		<-ctx.Done()
		cc.Stop()
		mu.Lock()
		closing = true
		close(out)
		mu.Unlock()
		c.logger.Info("Consumer stopped")
	}()
	return out, nil
}
