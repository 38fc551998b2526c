package msgbus

import (
	"sync"
	"sync/atomic"
)

// defaultPushQueueDepth bounds the outbound queue. Push never blocks the
// caller; once the queue is full it returns an OverflowError instead.
const defaultPushQueueDepth = 1024

type pushItem struct {
	topic   string
	payload []byte
}

// Pusher is the outbound bus client. It encodes envelopes and hands them to a
// single sender goroutine, decoupling callers (scan loops, protocol stack
// callbacks) from transport latency.
type Pusher struct {
	sock   PushSocket
	logger Logger

	queue   chan pushItem
	running atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// NewPusher creates a Pusher over the given socket and starts its sender.
func NewPusher(sock PushSocket, logger Logger) *Pusher {
	if logger == nil {
		logger = NoopLogger()
	}

	p := &Pusher{
		sock:   sock,
		logger: logger,
		queue:  make(chan pushItem, defaultPushQueueDepth),
		done:   make(chan struct{}),
	}

	p.running.Store(true)
	go p.run()

	return p
}

// Push encodes env and queues it for delivery on topic. It never blocks: when
// the queue is full the envelope is dropped and an OverflowError returned.
func (p *Pusher) Push(topic string, env Envelope) error {
	if !p.running.Load() {
		return &TransportError{Op: "send", Cause: errClosed}
	}

	payload, err := Encode(env)
	if err != nil {
		return err
	}

	select {
	case p.queue <- pushItem{topic: topic, payload: payload}:
		return nil
	default:
		return &OverflowError{Topic: topic}
	}
}

// Stop drains nothing: queued envelopes not yet sent are dropped, matching
// the linger-0 behavior of the transport.
func (p *Pusher) Stop() {
	p.once.Do(func() {
		p.running.Store(false)
		close(p.done)
	})
}

func (p *Pusher) run() {
	for {
		select {
		case <-p.done:
			return
		case item := <-p.queue:
			if err := p.sock.Send(item.topic, item.payload); err != nil {
				p.logger.Warn("push_send_failed", "topic", item.topic, "error", err)
			}
		}
	}
}
