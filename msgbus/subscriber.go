package msgbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errClosed = errors.New("socket closed")

// Subscriber is the inbound bus client. It owns exactly one receive goroutine
// which reads two-frame messages, decodes them, and dispatches each envelope
// serially through the handlers registered for its kind, in registration
// order. A slow handler delays the subscriber; that is intentional: handlers
// for one envelope complete before the next envelope is dequeued.
//
// Envelopes whose sender equals the subscriber's module id are dropped before
// any handler runs.
type Subscriber struct {
	id     string
	sock   SubSocket
	pusher Push
	logger Logger

	mu             sync.RWMutex
	statusHandlers []StatusHandler
	updateHandlers []UpdateHandler
	middleware     []Middleware

	running atomic.Bool
	cancel  context.CancelFunc
	doneWg  sync.WaitGroup
}

// NewSubscriber creates a subscriber for the module identified by id. The
// pusher is used to publish Confirmation envelopes and may be nil when no
// inbound Update will ever request confirmation.
func NewSubscriber(id string, sock SubSocket, pusher Push, logger Logger) *Subscriber {
	if logger == nil {
		logger = NoopLogger()
	}

	return &Subscriber{
		id:     id,
		sock:   sock,
		pusher: pusher,
		logger: logger,
	}
}

// AddStatusHandler registers a handler for Status envelopes.
func (s *Subscriber) AddStatusHandler(h StatusHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusHandlers = append(s.statusHandlers, h)
}

// AddUpdateHandler registers a handler for Update envelopes.
func (s *Subscriber) AddUpdateHandler(h UpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateHandlers = append(s.updateHandlers, h)
}

// Use appends middleware to the dispatch chain.
func (s *Subscriber) Use(m Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, m)
}

// Start launches the receive loop filtered to topic. Calling Start on a
// running subscriber is a no-op.
func (s *Subscriber) Start(topic string) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.doneWg.Add(1)
	go s.run(ctx, topic)
}

// Stop unblocks the receive loop and waits for it to exit. The in-progress
// Recv returns promptly because the context is canceled.
func (s *Subscriber) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.cancel()
	s.doneWg.Wait()
}

func (s *Subscriber) run(ctx context.Context, topic string) {
	defer s.doneWg.Done()

	for {
		recvTopic, payload, err := s.sock.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, errClosed) {
				s.logger.Info("subscriber_socket_closed")
				return
			}

			s.logger.Warn("subscriber_recv_failed", "error", err)
			continue
		}

		// The transport already filters by prefix; this shouldn't ever
		// really happen.
		if recvTopic != topic {
			continue
		}

		env, err := Decode(payload)
		if err != nil {
			s.logger.Warn("envelope_skipped", "error", err)
			s.notifySkipped(err)
			continue
		}

		if env.Sender() == s.id {
			continue
		}

		s.dispatch(recvTopic, env)
	}
}

// SkipObserver is implemented by middleware that wants to count undecodable
// payloads, which never reach Before/After.
type SkipObserver interface {
	Skipped(err error)
}

func (s *Subscriber) notifySkipped(err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.middleware {
		if so, ok := m.(SkipObserver); ok {
			so.Skipped(err)
		}
	}
}

func (s *Subscriber) dispatch(topic string, env Envelope) {
	s.mu.RLock()
	middleware := s.middleware
	statusHandlers := s.statusHandlers
	updateHandlers := s.updateHandlers
	s.mu.RUnlock()

	for _, m := range middleware {
		if !m.Before(topic, env) {
			return
		}
	}

	var errs []UpdateError

	switch env.Kind {
	case KindStatus:
		status, err := env.Status()
		if err != nil {
			s.logger.Warn("envelope_skipped", "kind", env.Kind, "error", err)
			return
		}

		for _, h := range statusHandlers {
			h(env, status)
		}

	case KindUpdate:
		update, err := env.Update()
		if err != nil {
			s.logger.Warn("envelope_skipped", "kind", env.Kind, "error", err)
			return
		}

		// A non-empty recipient routes the update to a single module.
		if update.Recipient != "" && update.Recipient != s.id {
			return
		}

		for _, h := range updateHandlers {
			errs = append(errs, h(env, update)...)
		}

		s.confirm(update, errs)
	}

	for _, m := range middleware {
		m.After(topic, env, errs)
	}
}

// confirm publishes a Confirmation envelope on RUNTIME when the consumed
// Update asked for one. Errors carries a tag → reason entry for every point
// whose write-through failed; an empty map means full success.
func (s *Subscriber) confirm(update Update, errs []UpdateError) {
	if update.Confirm == "" || s.pusher == nil {
		return
	}

	contents := Confirmation{
		Confirm: update.Confirm,
		Errors:  map[string]string{},
	}

	for _, e := range errs {
		contents.Errors[e.Tag] = e.Reason
	}

	env, err := NewConfirmationEnvelope(s.id, contents)
	if err != nil {
		s.logger.Error("confirmation_encode_failed", "confirm", update.Confirm, "error", err)
		return
	}

	if err := s.pusher.Push(TopicRuntime, env); err != nil {
		s.logger.Warn("confirmation_push_failed", "confirm", update.Confirm, "error", err)
	}
}
