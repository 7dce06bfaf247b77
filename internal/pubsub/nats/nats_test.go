package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/itemgate/internal/pubsub"
)

// ============================================================================
// Publisher
// ============================================================================

func TestNewPublisher(t *testing.T) {
	tests := []struct {
		name     string
		opts     pubsub.PublisherOptions
		subjects string
		storage  jetstream.StorageType
	}{
		{"stream subjects", pubsub.PublisherOptions{Stream: "ITEMS"}, "ITEMS.>", jetstream.MemoryStorage},
		{"prefix subjects", pubsub.PublisherOptions{Stream: "ITEMS", SubjectPrefix: "items"}, "items.>", jetstream.MemoryStorage},
		{"file storage", pubsub.PublisherOptions{Stream: "ITEMS", Storage: pubsub.FileStorage}, "ITEMS.>", jetstream.FileStorage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			js := new(MockJetStream)
			js.On("CreateOrUpdateStream", mock.Anything, jetstream.StreamConfig{
				Name:     "ITEMS",
				Subjects: []string{tt.subjects},
				Storage:  tt.storage,
			}).Return(nil, nil)

			p, err := NewPublisher(context.Background(), js, tt.opts)
			require.NoError(t, err)
			assert.NotNil(t, p)
			js.AssertExpectations(t)
		})
	}
}

func TestNewPublisher_Errors(t *testing.T) {
	_, err := NewPublisher(context.Background(), nil, pubsub.PublisherOptions{})
	assert.Error(t, err)

	js := new(MockJetStream)
	js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))
	_, err = NewPublisher(context.Background(), js, pubsub.PublisherOptions{Stream: "ITEMS"})
	assert.ErrorContains(t, err, "boom")

	// no stream, no creation
	p, err := NewPublisher(context.Background(), new(MockJetStream), pubsub.PublisherOptions{})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestPublisher_Publish(t *testing.T) {
	js := new(MockJetStream)
	js.On("Publish", mock.Anything, "items.item1", []byte("x"), 1).Return(&jetstream.PubAck{}, nil).Once()
	js.On("Publish", mock.Anything, "items.item2", []byte("y"), 1).Return(nil, errors.New("no responders")).Once()

	var seen []string
	p, err := NewPublisher(context.Background(), js, pubsub.PublisherOptions{
		SubjectPrefix: "items",
		RetryAttempts: 3,
		OnPublish: func(subject string, err error, _ time.Duration) {
			seen = append(seen, subject)
		},
	})
	require.NoError(t, err)

	assert.NoError(t, p.Publish(context.Background(), "item1", []byte("x")))
	assert.ErrorContains(t, p.Publish(context.Background(), "item2", []byte("y")), "items.item2")
	assert.Equal(t, []string{"items.item1", "items.item2"}, seen)
	js.AssertExpectations(t)
}

// ============================================================================
// Consumer
// ============================================================================

func TestNewConsumer_Validation(t *testing.T) {
	_, err := NewConsumer(nil, pubsub.ConsumerOptions{Stream: "ITEMS"}, nil)
	assert.Error(t, err)
	_, err = NewConsumer(new(MockJetStream), pubsub.ConsumerOptions{}, nil)
	assert.ErrorContains(t, err, "stream name")
}

func TestConsumer_Subscribe(t *testing.T) {
	js := new(MockJetStream)
	cons := NewMockConsumer()
	cc := NewMockConsumeContext()

	js.On("CreateOrUpdateStream", mock.Anything, jetstream.StreamConfig{
		Name:     "ITEMS",
		Subjects: []string{"ITEMS.>"},
		Storage:  jetstream.MemoryStorage,
	}).Return(nil, nil)
	js.On("CreateOrUpdateConsumer", mock.Anything, "ITEMS", jetstream.ConsumerConfig{
		Durable:       "gate",
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: "ITEMS.>",
	}).Return(cons, nil)
	cons.On("Consume", mock.Anything).Return(cc, nil)
	cc.On("Stop").Return()

	c, err := NewConsumer(js, pubsub.ConsumerOptions{Stream: "ITEMS", Durable: "gate"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Subscribe(ctx)
	require.NoError(t, err)

	handler := <-cons.handlers
	raw := NewMockMsg("ITEMS.item1", []byte("payload"))
	raw.On("Ack").Return(nil)
	raw.On("Metadata").Return(&jetstream.MsgMetadata{NumDelivered: 2, Stream: "ITEMS", Consumer: "gate"}, nil)
	go handler(raw)

	msg := <-ch
	assert.Equal(t, "ITEMS.item1", msg.Subject())
	assert.Equal(t, "payload", string(msg.Data()))
	md, err := msg.Metadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), md.NumDelivered)
	assert.Equal(t, "gate", md.Consumer)
	require.NoError(t, msg.Ack())

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	<-cc.stopped

	// late deliveries are returned to the server
	late := NewMockMsg("ITEMS.item1", nil)
	late.On("Nak").Return(nil)
	handler(late)
	late.AssertExpectations(t)
	raw.AssertExpectations(t)
}

func TestConsumer_SubscribeErrors(t *testing.T) {
	t.Run("stream", func(t *testing.T) {
		js := new(MockJetStream)
		js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))
		c, _ := NewConsumer(js, pubsub.ConsumerOptions{Stream: "ITEMS"}, nil)
		_, err := c.Subscribe(context.Background())
		assert.ErrorContains(t, err, "ensure stream")
	})
	t.Run("consumer", func(t *testing.T) {
		js := new(MockJetStream)
		js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, nil)
		js.On("CreateOrUpdateConsumer", mock.Anything, "ITEMS", mock.Anything).Return(nil, errors.New("boom"))
		c, _ := NewConsumer(js, pubsub.ConsumerOptions{Stream: "ITEMS"}, nil)
		_, err := c.Subscribe(context.Background())
		assert.ErrorContains(t, err, "create consumer")
	})
	t.Run("consume", func(t *testing.T) {
		js := new(MockJetStream)
		cons := NewMockConsumer()
		js.On("CreateOrUpdateStream", mock.Anything, mock.Anything).Return(nil, nil)
		js.On("CreateOrUpdateConsumer", mock.Anything, "ITEMS", mock.Anything).Return(cons, nil)
		cons.On("Consume", mock.Anything).Return(nil, errors.New("boom"))
		c, _ := NewConsumer(js, pubsub.ConsumerOptions{Stream: "ITEMS"}, nil)
		_, err := c.Subscribe(context.Background())
		assert.ErrorContains(t, err, "start consumer")
	})
}

func TestMessage_MetadataError(t *testing.T) {
	raw := NewMockMsg("a", nil)
	raw.On("Metadata").Return(nil, errors.New("not a jetstream message"))
	raw.On("Nak").Return(nil)
	raw.On("Term").Return(nil)
	msg := WrapMessage(raw)
	_, err := msg.Metadata()
	assert.Error(t, err)
	assert.NoError(t, msg.Nak())
	assert.NoError(t, msg.Term())
}

// ============================================================================
// Provider
// ============================================================================

func stubDial(t *testing.T, conn *fakeConn, dialErr error, js JetStream, jsErr error) {
	t.Helper()
	origDial, origJS := dial, newJetStream
	dial = func(string, ...nats.Option) (connection, *nats.Conn, error) {
		if dialErr != nil {
			return nil, nil, dialErr
		}
		return conn, nil, nil
	}
	newJetStream = func(*nats.Conn) (JetStream, error) { return js, jsErr }
	t.Cleanup(func() { dial, newJetStream = origDial, origJS })
}

func TestProvider_NotConnected(t *testing.T) {
	p := NewProvider("nats://localhost:4222", nil)
	_, err := p.NewPublisher(pubsub.PublisherOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = p.NewConsumer(pubsub.ConsumerOptions{Stream: "ITEMS"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, p.Close())
}

func TestProvider_Connect(t *testing.T) {
	conn := &fakeConn{}
	js := new(MockJetStream)
	stubDial(t, conn, nil, js, nil)

	p := NewProvider("nats://localhost:4222", nil)
	require.NoError(t, p.Connect(context.Background()))

	pub, err := p.NewPublisher(pubsub.PublisherOptions{})
	require.NoError(t, err)
	assert.NotNil(t, pub)
	c, err := p.NewConsumer(pubsub.ConsumerOptions{Stream: "ITEMS"})
	require.NoError(t, err)
	assert.NotNil(t, c)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, conn.closed)
}

func TestProvider_ConnectErrors(t *testing.T) {
	t.Run("dial", func(t *testing.T) {
		stubDial(t, nil, errors.New("refused"), nil, nil)
		err := NewProvider("nats://x", nil).Connect(context.Background())
		assert.ErrorContains(t, err, "refused")
	})
	t.Run("jetstream", func(t *testing.T) {
		conn := &fakeConn{}
		stubDial(t, conn, nil, nil, errors.New("no js"))
		err := NewProvider("nats://x", nil).Connect(context.Background())
		assert.ErrorContains(t, err, "no js")
		assert.Equal(t, 1, conn.closed)
	})
	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, NewProvider("nats://x", nil).Connect(ctx), context.Canceled)
	})
}
