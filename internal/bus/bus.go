// Package bus is the in-process topic broker connecting command senders,
// consumers and status observers.
package bus

import (
	"sync"

	"github.com/opengda/beamq/internal/logging"
)

// Topic names a publish/subscribe channel.
type Topic string

const (
	// TopicCommand carries command.Envelope values addressed to consumers.
	TopicCommand Topic = "beamq.command"
	// TopicCommandAck carries processed envelopes with their reply fields set.
	TopicCommandAck Topic = "beamq.command.ack"
	// TopicConsumerStatus carries model.ConsumerStatusSnapshot values.
	TopicConsumerStatus Topic = "beamq.status.consumer"
	// TopicJobStatus carries model.JobUpdate values.
	TopicJobStatus Topic = "beamq.status.job"
)

// Handler receives messages for one subscription.
type Handler func(msg any)

type subscription struct {
	ch chan any
	fn Handler
}

// Bus delivers each published message to every subscriber of its topic.
// A subscriber sees messages in publish order on its own goroutine. When a
// subscriber's buffer is full the message is dropped for that subscriber.
type Bus struct {
	mu         sync.RWMutex
	subs       map[Topic][]*subscription
	bufferSize int
	closed     bool
	logger     *logging.Logger
	wg         sync.WaitGroup
}

func New(bufferSize int, logger *logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subs:       make(map[Topic][]*subscription),
		bufferSize: bufferSize,
		logger:     logger.With("bus"),
	}
}

// Subscribe registers fn for topic and returns its unsubscribe function.
// Subscribing to a closed bus returns a no-op unsubscribe.
func (b *Bus) Subscribe(topic Topic, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	sub := &subscription{ch: make(chan any, b.bufferSize), fn: fn}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range sub.ch {
			b.deliver(topic, sub, msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[topic]
			for i, s := range subs {
				if s == sub {
					b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					close(sub.ch)
					break
				}
			}
		})
	}
}

func (b *Bus) deliver(topic Topic, sub *subscription, msg any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("subscriber on %s panicked: %v", topic, r)
		}
	}()
	sub.fn(msg)
}

// Publish never blocks.
func (b *Bus) Publish(topic Topic, msg any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warnf("subscriber buffer full on %s, message dropped", topic)
		}
	}
}

// Close stops all subscriptions and waits for in-flight deliveries to finish.
// It must not be called from a subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, s := range subs {
			close(s.ch)
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
