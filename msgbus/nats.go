package msgbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSTransport carries bus traffic over NATS subjects. Topics map directly
// onto subjects, so the two logical frames of a bus message (topic, payload)
// become (subject, data). A subscription receives every subject and keeps
// those that start with its topic, matching the prefix semantics of the
// subscribe endpoint; an empty topic keeps everything.
type NATSTransport struct {
	conn   *nats.Conn
	logger Logger
}

// DialNATS connects to the broker at url (e.g. nats://127.0.0.1:4222).
func DialNATS(url, name string, logger Logger) (*NATSTransport, error) {
	if logger == nil {
		logger = NoopLogger()
	}

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats_reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, &TransportError{Op: "connect", Cause: err}
	}

	logger.Info("nats_connected", "url", conn.ConnectedUrl())

	return &NATSTransport{conn: conn, logger: logger}, nil
}

// Push implements Transport.
func (t *NATSTransport) Push() (PushSocket, error) {
	return &natsPush{conn: t.conn}, nil
}

// Sub implements Transport.
func (t *NATSTransport) Sub(topic string) (SubSocket, error) {
	sub := &natsSub{queue: make(chan frame, 256), closed: make(chan struct{})}

	natsSubscription, err := t.conn.Subscribe(">", func(m *nats.Msg) {
		if !strings.HasPrefix(m.Subject, topic) {
			return
		}

		select {
		case sub.queue <- frame{topic: m.Subject, payload: m.Data}:
		default:
			t.logger.Warn("nats_sub_overflow", "subject", m.Subject)
		}
	})
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Cause: err}
	}

	sub.sub = natsSubscription
	return sub, nil
}

// Close implements Transport. Pending outbound data is not flushed, matching
// the linger-0 close of the original socket transport.
func (t *NATSTransport) Close() error {
	t.conn.Close()
	return nil
}

type natsPush struct {
	conn *nats.Conn
}

func (p *natsPush) Send(topic string, payload []byte) error {
	if err := p.conn.Publish(topic, payload); err != nil {
		return &TransportError{Op: "send", Cause: fmt.Errorf("subject %s: %w", topic, err)}
	}
	return nil
}

func (p *natsPush) Close() error { return nil }

type natsSub struct {
	sub    *nats.Subscription
	queue  chan frame
	closed chan struct{}
}

func (s *natsSub) Recv(ctx context.Context) (string, []byte, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-s.closed:
		return "", nil, &TransportError{Op: "recv", Cause: errClosed}
	case f := <-s.queue:
		return f.topic, f.payload, nil
	}
}

func (s *natsSub) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	return s.sub.Unsubscribe()
}
