package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/syntrixbase/itemgate/internal/pubsub"
)

// ErrNotConnected is returned before Connect succeeds.
var ErrNotConnected = errors.New("nats not connected, call Connect first")

type connection interface {
	Close()
}

var (
	dial = func(url string, opts ...nats.Option) (connection, *nats.Conn, error) {
		nc, err := nats.Connect(url, opts...)
		return nc, nc, err
	}
	newJetStream = NewJetStream
)

var (
	_ pubsub.Provider    = (*Provider)(nil)
	_ pubsub.Connectable = (*Provider)(nil)
)

// Provider owns one NATS connection and builds JetStream publishers and
// consumers on it.
type Provider struct {
	url    string
	opts   []nats.Option
	logger *slog.Logger

	mu sync.RWMutex
	nc connection
	js JetStream
}

// NewProvider returns an unconnected provider.
func NewProvider(url string, logger *slog.Logger, opts ...nats.Option) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{url: url, opts: opts, logger: logger.With("component", "nats")}
}

// Connect dials the server and opens a JetStream context.
func (p *Provider) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, nc, err := dial(p.url, p.opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", p.url, err)
	}
	js, err := newJetStream(nc)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream: %w", err)
	}

	p.mu.Lock()
	p.nc, p.js = conn, js
	p.mu.Unlock()
	p.logger.Info("Connected to NATS", "url", p.url)
	return nil
}

func (p *Provider) jetStream() (JetStream, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.js == nil {
		return nil, ErrNotConnected
	}
	return p.js, nil
}

func (p *Provider) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	js, err := p.jetStream()
	if err != nil {
		return nil, err
	}
	return NewPublisher(context.Background(), js, opts)
}

func (p *Provider) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	js, err := p.jetStream()
	if err != nil {
		return nil, err
	}
	return NewConsumer(js, opts, p.logger)
}

// Close drops the connection. It is safe to call more than once.
func (p *Provider) Close() error {
	p.mu.Lock()
	nc := p.nc
	p.nc, p.js = nil, nil
	p.mu.Unlock()
	if nc != nil {
		p.logger.Info("Closing NATS connection")
		nc.Close()
	}
	return nil
}
