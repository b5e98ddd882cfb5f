package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("queue: closed")

// MemoryBroker fans published messages out to in-process subscribers. It
// implements Producer.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   []*memoryConsumer
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, key, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	subs := append([]*memoryConsumer(nil), b.subs...)
	b.mu.Unlock()

	msg := Message{
		Topic:     topic,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), payload...),
		Timestamp: time.Now().UTC(),
	}
	for _, s := range subs {
		if !topicAllowed(s.topics, topic) {
			continue
		}
		if err := s.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting messages and closes every subscriber.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (b *MemoryBroker) subscribe(ctx context.Context, topics []string) *memoryConsumer {
	c := &memoryConsumer{
		topics: topics,
		msgCh:  make(chan Message, 64),
		errCh:  make(chan error),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs = append(b.subs, c)
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()
	return c
}

type memoryConsumer struct {
	topics []string
	msgCh  chan Message
	errCh  chan error
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

func (c *memoryConsumer) deliver(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.msgCh <- msg:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryConsumer) Messages() <-chan Message { return c.msgCh }
func (c *memoryConsumer) Errors() <-chan error     { return c.errCh }

func (c *memoryConsumer) Close() error {
	c.once.Do(func() {
		// done unblocks a pending deliver before the lock is taken.
		close(c.done)
		c.mu.Lock()
		c.closed = true
		close(c.msgCh)
		close(c.errCh)
		c.mu.Unlock()
	})
	return nil
}
