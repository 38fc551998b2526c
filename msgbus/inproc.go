package msgbus

import (
	"context"
	"strings"
	"sync"
)

// Broker is an in-process transport for single-process simulations and tests.
// Every payload sent through any push socket fans out to every sub socket
// whose topic prefix matches, mirroring the pub/sub side of the production
// transport without a broker process.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*brokerSub]struct{}
	closed bool
}

// NewBroker creates an empty in-process broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*brokerSub]struct{})}
}

// Push implements Transport.
func (b *Broker) Push() (PushSocket, error) {
	return &brokerPush{broker: b}, nil
}

// Sub implements Transport.
func (b *Broker) Sub(topic string) (SubSocket, error) {
	sub := &brokerSub{
		broker: b,
		topic:  topic,
		queue:  make(chan frame, 256),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

// Close implements Transport.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for sub := range b.subs {
		close(sub.queue)
		delete(b.subs, sub)
	}

	return nil
}

func (b *Broker) publish(topic string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if !strings.HasPrefix(topic, sub.topic) {
			continue
		}

		select {
		case sub.queue <- frame{topic: topic, payload: payload}:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
}

type frame struct {
	topic   string
	payload []byte
}

type brokerPush struct {
	broker *Broker
}

func (p *brokerPush) Send(topic string, payload []byte) error {
	p.broker.mu.RLock()
	closed := p.broker.closed
	p.broker.mu.RUnlock()

	if closed {
		return &TransportError{Op: "send", Cause: errClosed}
	}

	// Copy so a caller reusing its buffer can't corrupt queued frames.
	dup := make([]byte, len(payload))
	copy(dup, payload)

	p.broker.publish(topic, dup)
	return nil
}

func (p *brokerPush) Close() error { return nil }

type brokerSub struct {
	broker *Broker
	topic  string
	queue  chan frame
	once   sync.Once
}

func (s *brokerSub) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case f, ok := <-s.queue:
		if !ok {
			return "", nil, &TransportError{Op: "recv", Cause: errClosed}
		}
		return f.topic, f.payload, nil
	}
}

func (s *brokerSub) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		if _, ok := s.broker.subs[s]; ok {
			delete(s.broker.subs, s)
			close(s.queue)
		}
		s.broker.mu.Unlock()
	})

	return nil
}
