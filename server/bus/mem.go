// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemBus is an in-process bus for tests and dry runs. Messages are lost on
// restart.
type MemBus struct {
	retryDelay time.Duration

	mtx       sync.Mutex
	queues    map[string][][]byte
	published map[string][][]byte
	notify    map[string]chan struct{}
}

var (
	_ Publisher = (*MemBus)(nil)
	_ Consumer  = (*MemBus)(nil)
)

// NewMemBus is the constructor for a MemBus.
func NewMemBus(retryDelay time.Duration) *MemBus {
	return &MemBus{
		retryDelay: retryDelay,
		queues:     make(map[string][][]byte),
		published:  make(map[string][][]byte),
		notify:     make(map[string]chan struct{}),
	}
}

func (b *MemBus) signal(topic string) chan struct{} {
	ch, found := b.notify[topic]
	if !found {
		ch = make(chan struct{}, 1)
		b.notify[topic] = ch
	}
	return ch
}

// Publish queues the JSON encoding of msg.
func (b *MemBus) Publish(_ context.Context, topic string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.Inject(topic, payload)
	return nil
}

// Inject queues a raw payload.
func (b *MemBus) Inject(topic string, payload []byte) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.published[topic] = append(b.published[topic], payload)
	b.queues[topic] = append(b.queues[topic], payload)
	select {
	case b.signal(topic) <- struct{}{}:
	default:
	}
}

// Published returns every payload sent to the topic, consumed or not.
func (b *MemBus) Published(topic string) [][]byte {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return append([][]byte(nil), b.published[topic]...)
}

func (b *MemBus) next(topic string) ([]byte, chan struct{}) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	q := b.queues[topic]
	if len(q) == 0 {
		return nil, b.signal(topic)
	}
	b.queues[topic] = q[1:]
	return q[0], nil
}

func (b *MemBus) requeue(topic string, payload []byte) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.queues[topic] = append(b.queues[topic], payload)
}

// Consume delivers the topic's messages until the context is canceled. A
// requeued message goes to the back of the queue.
func (b *MemBus) Consume(ctx context.Context, topic string, h Handler) error {
	for {
		payload, wait := b.next(topic)
		if payload == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-wait:
			}
			continue
		}
		if h(ctx, payload) == Ack {
			continue
		}
		b.requeue(topic, payload)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.retryDelay):
		}
	}
}
