package nats

import (
	"github.com/nats-io/nats.go/jetstream"

	"github.com/syntrixbase/itemgate/internal/pubsub"
)

type message struct {
	msg jetstream.Msg
}

// WrapMessage adapts a JetStream message.
func WrapMessage(msg jetstream.Msg) pubsub.Message {
	return &message{msg: msg}
}

func (m *message) Data() []byte    { return m.msg.Data() }
func (m *message) Subject() string { return m.msg.Subject() }
func (m *message) Ack() error      { return m.msg.Ack() }
func (m *message) Nak() error      { return m.msg.Nak() }
func (m *message) Term() error     { return m.msg.Term() }

func (m *message) Metadata() (pubsub.Metadata, error) {
	md, err := m.msg.Metadata()
	if err != nil {
		return pubsub.Metadata{}, err
	}
	return pubsub.Metadata{
		NumDelivered: md.NumDelivered,
		Timestamp:    md.Timestamp,
		Stream:       md.Stream,
		Consumer:     md.Consumer,
	}, nil
}
