package memory

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/syntrixbase/itemgate/internal/pubsub"
)

type message struct {
	data      []byte
	subject   string
	timestamp time.Time
	sub       *subscription
	delivered atomic.Uint64
	settled   atomic.Bool
}

func (m *message) Data() []byte    { return m.data }
func (m *message) Subject() string { return m.subject }

func (m *message) Ack() error {
	m.settled.Store(true)
	return nil
}

func (m *message) Term() error {
	m.settled.Store(true)
	return nil
}

// Nak requeues the message on its subscription. A full buffer drops it.
func (m *message) Nak() error {
	if m.settled.Load() {
		return nil
	}
	m.delivered.Add(1)
	select {
	case <-m.sub.done:
	case m.sub.ch <- m:
	default:
	}
	return nil
}

func (m *message) Metadata() (pubsub.Metadata, error) {
	return pubsub.Metadata{
		NumDelivered: m.delivered.Load(),
		Timestamp:    m.timestamp,
	}, nil
}

// matchSubject matches NATS-style patterns: "*" is one token, a final ">"
// is one or more tokens.
func matchSubject(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}
	want := strings.Split(pattern, ".")
	got := strings.Split(subject, ".")
	for i, tok := range want {
		if tok == ">" {
			return i == len(want)-1 && i < len(got)
		}
		if i >= len(got) || (tok != "*" && tok != got[i]) {
			return false
		}
	}
	return len(want) == len(got)
}
