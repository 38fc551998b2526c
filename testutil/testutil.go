// Package testutil provides shared test fakes for exercising adapters in
// isolation: an envelope-capturing pusher and polling wait helpers. Nothing
// here touches a real transport.
package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/otworks/otsim/msgbus"
)

// CapturePusher implements msgbus.Push and records every pushed envelope.
type CapturePusher struct {
	mu   sync.Mutex
	envs []capturedEnvelope

	// Err, when set, is returned by Push after recording.
	Err error
}

type capturedEnvelope struct {
	Topic    string
	Envelope msgbus.Envelope
}

// NewCapturePusher creates an empty capture pusher.
func NewCapturePusher() *CapturePusher {
	return &CapturePusher{}
}

// Push implements msgbus.Push.
func (c *CapturePusher) Push(topic string, env msgbus.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, capturedEnvelope{Topic: topic, Envelope: env})
	return c.Err
}

// Count returns the number of captured envelopes.
func (c *CapturePusher) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

// Envelopes returns every captured envelope, oldest first.
func (c *CapturePusher) Envelopes() []msgbus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	envs := make([]msgbus.Envelope, len(c.envs))
	for i, e := range c.envs {
		envs[i] = e.Envelope
	}
	return envs
}

// EnvelopesOn returns captured envelopes for one topic.
func (c *CapturePusher) EnvelopesOn(topic string) []msgbus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	var envs []msgbus.Envelope
	for _, e := range c.envs {
		if e.Topic == topic {
			envs = append(envs, e.Envelope)
		}
	}
	return envs
}

// Updates decodes every captured Update envelope on RUNTIME, oldest first.
func (c *CapturePusher) Updates() []msgbus.Update {
	var updates []msgbus.Update
	for _, env := range c.EnvelopesOn(msgbus.TopicRuntime) {
		if env.Kind != msgbus.KindUpdate {
			continue
		}
		if u, err := env.Update(); err == nil {
			updates = append(updates, u)
		}
	}
	return updates
}

// Statuses decodes every captured Status envelope on RUNTIME, oldest first.
func (c *CapturePusher) Statuses() []msgbus.Status {
	var statuses []msgbus.Status
	for _, env := range c.EnvelopesOn(msgbus.TopicRuntime) {
		if env.Kind != msgbus.KindStatus {
			continue
		}
		if s, err := env.Status(); err == nil {
			statuses = append(statuses, s)
		}
	}
	return statuses
}

// Reset forgets every captured envelope.
func (c *CapturePusher) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = nil
}

// WaitFor polls until cond returns true or the timeout elapses.
func WaitFor(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", msg)
}
