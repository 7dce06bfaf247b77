// Package pubsub abstracts the message bus feeding the bus data provider.
// Two engines implement it: an in-process broker for standalone
// deployments and tests, and NATS JetStream.
package pubsub

import (
	"context"
	"io"
	"time"
)

// Message is one received message. The consumer settles it with Ack or
// Term; Nak asks for redelivery.
type Message interface {
	Data() []byte
	Subject() string
	Ack() error
	Nak() error
	Term() error
	Metadata() (Metadata, error)
}

// Metadata describes the delivery of a message.
type Metadata struct {
	NumDelivered uint64
	Timestamp    time.Time
	Stream       string
	Consumer     string
}

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Close() error
}

// Consumer receives messages. The returned channel is closed when ctx is
// done or the engine shuts down.
type Consumer interface {
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// Provider creates publishers and consumers on one engine.
type Provider interface {
	io.Closer
	NewPublisher(opts PublisherOptions) (Publisher, error)
	NewConsumer(opts ConsumerOptions) (Consumer, error)
}

// Connectable engines must be connected before use.
type Connectable interface {
	Connect(ctx context.Context) error
}

// StorageType selects where a stream keeps its messages.
type StorageType int

const (
	MemoryStorage StorageType = iota
	FileStorage
)

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	// Stream is created on demand when set.
	Stream string
	// SubjectPrefix is joined to every published subject with a dot.
	SubjectPrefix string
	// RetryAttempts bounds publish retries; 0 disables them.
	RetryAttempts int
	Storage       StorageType
	// OnPublish observes every publish attempt.
	OnPublish func(subject string, err error, latency time.Duration)
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Stream string
	// Durable names the consumer; empty creates an ephemeral one.
	Durable string
	// FilterSubject defaults to every subject of Stream.
	FilterSubject string
	BufferSize    int
	Storage       StorageType
}

// DefaultBufferSize is the channel size used when BufferSize is unset.
const DefaultBufferSize = 256

// FullSubject joins prefix and subject.
func FullSubject(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}

// StreamSubjects returns the subject filter covering a whole stream.
func StreamSubjects(stream string) string {
	if stream == "" {
		return ">"
	}
	return stream + ".>"
}
