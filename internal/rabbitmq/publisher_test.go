package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

type fakePublishChannel struct {
	mu        sync.Mutex
	published []publishedMessage
	closed    bool
	err       error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakePublishChannel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		current := f.maxInFlight.Load()
		if n <= current || f.maxInFlight.CompareAndSwap(current, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, publishedMessage{exchange, key, msg})
	return nil, nil
}

func (f *fakePublishChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePublishChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePublishChannel) messages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.published...)
}

func newTestPublisher(channels ...*fakePublishChannel) (*Publisher, *atomic.Int32) {
	var opened atomic.Int32
	p := &Publisher{
		confirmTimeout: time.Second,
		logger:         discardLogger(),
	}
	p.open = func() (publishChannel, error) {
		i := int(opened.Add(1)) - 1
		if i >= len(channels) {
			return nil, ErrConnectionNotReady
		}
		return channels[i], nil
	}
	return p, &opened
}

func TestPublisher(t *testing.T) {
	t.Run("Publish writes to the shared channel", func(t *testing.T) {
		ch := &fakePublishChannel{}
		p, opened := newTestPublisher(ch)

		err := p.Publish(t.Context(), "orders", "orders.created", amqp.Publishing{Body: []byte("a")})
		require.NoError(t, err)
		err = p.Publish(t.Context(), "orders", "orders.updated", amqp.Publishing{Body: []byte("b")})
		require.NoError(t, err)

		msgs := ch.messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "orders.created", msgs[0].routingKey)
		assert.Equal(t, "orders.updated", msgs[1].routingKey)
		assert.Equal(t, int32(1), opened.Load())
	})

	t.Run("concurrent publishers never overlap on the channel", func(t *testing.T) {
		ch := &fakePublishChannel{}
		p, _ := newTestPublisher(ch)

		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, p.Publish(context.Background(), "orders", "orders.created", amqp.Publishing{}))
			}()
		}
		wg.Wait()

		assert.Len(t, ch.messages(), 20)
		assert.Equal(t, int32(1), ch.maxInFlight.Load())
	})

	t.Run("a closed channel is reopened", func(t *testing.T) {
		first := &fakePublishChannel{}
		second := &fakePublishChannel{}
		p, opened := newTestPublisher(first, second)

		require.NoError(t, p.Publish(t.Context(), "orders", "a", amqp.Publishing{}))
		require.NoError(t, first.Close())
		require.NoError(t, p.Publish(t.Context(), "orders", "b", amqp.Publishing{}))

		assert.Equal(t, int32(2), opened.Load())
		assert.Len(t, first.messages(), 1)
		assert.Len(t, second.messages(), 1)
	})

	t.Run("publish failures are wrapped in PublishError", func(t *testing.T) {
		brokerErr := errors.New("channel exception")
		p, _ := newTestPublisher(&fakePublishChannel{err: brokerErr})

		err := p.Publish(t.Context(), "orders", "orders.created", amqp.Publishing{})

		require.Error(t, err)
		assert.ErrorIs(t, err, brokerErr)
		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "orders", pubErr.Exchange)
		assert.Equal(t, "orders.created", pubErr.RoutingKey)
	})

	t.Run("channel open failure is returned", func(t *testing.T) {
		p, _ := newTestPublisher()

		err := p.Publish(t.Context(), "orders", "orders.created", amqp.Publishing{})
		assert.ErrorIs(t, err, ErrConnectionNotReady)
	})

	t.Run("PublishBatch publishes in order", func(t *testing.T) {
		ch := &fakePublishChannel{}
		p, _ := newTestPublisher(ch)

		err := p.PublishBatch(t.Context(), []PublishMessage{
			{Exchange: "orders", RoutingKey: "one"},
			{Exchange: "orders", RoutingKey: "two"},
			{Exchange: "orders", RoutingKey: "three"},
		})
		require.NoError(t, err)

		msgs := ch.messages()
		require.Len(t, msgs, 3)
		assert.Equal(t, "one", msgs[0].routingKey)
		assert.Equal(t, "three", msgs[2].routingKey)
	})

	t.Run("Close rejects further publishes", func(t *testing.T) {
		ch := &fakePublishChannel{}
		p, _ := newTestPublisher(ch)
		require.NoError(t, p.Publish(t.Context(), "orders", "a", amqp.Publishing{}))

		require.NoError(t, p.Close())

		assert.True(t, ch.IsClosed())
		err := p.Publish(t.Context(), "orders", "b", amqp.Publishing{})
		assert.ErrorIs(t, err, ErrPublisherClosed)
	})
}
