package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/syntrixbase/itemgate/internal/pubsub"
)

type publisher struct {
	js   JetStream
	opts pubsub.PublisherOptions
}

// NewPublisher creates a publisher, creating opts.Stream when set.
func NewPublisher(ctx context.Context, js JetStream, opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if js == nil {
		return nil, errors.New("jetstream cannot be nil")
	}
	if opts.Stream != "" {
		subjects := pubsub.StreamSubjects(opts.Stream)
		if opts.SubjectPrefix != "" && opts.SubjectPrefix != opts.Stream {
			subjects = pubsub.StreamSubjects(opts.SubjectPrefix)
		}
		if err := ensureStream(ctx, js, opts.Stream, subjects, opts.Storage); err != nil {
			return nil, fmt.Errorf("failed to ensure stream %s: %w", opts.Stream, err)
		}
	}
	return &publisher{js: js, opts: opts}, nil
}

func (p *publisher) Publish(ctx context.Context, subject string, data []byte) error {
	start := time.Now()
	full := pubsub.FullSubject(p.opts.SubjectPrefix, subject)

	var popts []jetstream.PublishOpt
	if p.opts.RetryAttempts > 0 {
		popts = append(popts, jetstream.WithRetryAttempts(p.opts.RetryAttempts))
	}
	_, err := p.js.Publish(ctx, full, data, popts...)
	if p.opts.OnPublish != nil {
		p.opts.OnPublish(full, err, time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", full, err)
	}
	return nil
}

func (p *publisher) Close() error { return nil }
