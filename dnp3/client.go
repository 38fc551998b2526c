package dnp3

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/otworks/otsim/msgbus"
)

// connectedHeartbeat is how often the channel listener re-publishes its
// connectivity tag regardless of state changes.
const connectedHeartbeat = 5 * time.Second

// Client owns one connecting channel and the masters attached to it.
type Client struct {
	id      string
	channel ClientChannel
	logger  Logger

	masters  map[uint16]*Master
	pusher   msgbus.Push
	listener *ConnectionPublisher
}

// NewClient creates a client over an initialized channel. The listener may be
// nil when connectivity publication isn't wanted.
func NewClient(id string, channel ClientChannel, listener *ConnectionPublisher, logger Logger) *Client {
	if logger == nil {
		logger = NoopLogger()
	}

	return &Client{
		id:       id,
		channel:  channel,
		logger:   logger,
		masters:  make(map[uint16]*Master),
		listener: listener,
	}
}

// AddMaster creates a master engine attached to this client's channel.
func (c *Client) AddMaster(id string, local, remote uint16, timeout time.Duration, pusher msgbus.Push) (*Master, error) {
	if _, ok := c.masters[local]; ok {
		return nil, fmt.Errorf("master with local address %d already exists", local)
	}

	master := NewMaster(id, pusher, c.logger)

	backend, err := c.channel.AddMaster(id, master, master.BuildConfig(local, remote, timeout))
	if err != nil {
		return nil, fmt.Errorf("attaching master %s: %w", id, err)
	}

	master.SetBackend(backend)

	c.masters[local] = master
	c.pusher = pusher

	return master, nil
}

// Start enables every master, triggering its class-scan schedule in the
// stack, and starts the connectivity listener.
func (c *Client) Start() error {
	for _, master := range c.masters {
		master.Enable()
		master.Metrics().Start(c.pusher, master.ID())
	}

	if c.listener != nil {
		if err := c.listener.Start(); err != nil {
			return fmt.Errorf("starting channel listener: %w", err)
		}
	}

	c.logger.Info("client_started", "client", c.id, "masters", len(c.masters))
	return nil
}

// Stop disables every master and closes the channel.
func (c *Client) Stop() {
	if c.listener != nil {
		c.listener.Stop()
	}

	for _, master := range c.masters {
		master.Metrics().Stop()
		master.Disable()
	}

	if err := c.channel.Shutdown(); err != nil {
		c.logger.Warn("channel_shutdown_failed", "client", c.id, "error", err)
	}
}

// =============================================================================
// CHANNEL LISTENER
// =============================================================================

// ConnectionPublisher publishes a "{name}.connected" boolean tag on every
// channel state change and every 5 seconds as a liveness heartbeat.
type ConnectionPublisher struct {
	name   string
	pusher msgbus.Push
	logger Logger

	mu    sync.Mutex
	state ChannelState

	scheduler gocron.Scheduler
}

// NewConnectionPublisher creates a publisher for the named channel.
func NewConnectionPublisher(name string, pusher msgbus.Push, logger Logger) *ConnectionPublisher {
	if logger == nil {
		logger = NoopLogger()
	}

	return &ConnectionPublisher{
		name:   name,
		pusher: pusher,
		logger: logger,
		state:  ChannelStateClosed,
	}
}

// OnStateChange implements ChannelStateListener.
func (p *ConnectionPublisher) OnStateChange(state ChannelState) {
	p.mu.Lock()
	p.state = state
	p.publishLocked()
	p.mu.Unlock()
}

// Start launches the heartbeat.
func (p *ConnectionPublisher) Start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(connectedHeartbeat),
		gocron.NewTask(func() {
			p.mu.Lock()
			p.publishLocked()
			p.mu.Unlock()
		}),
	)
	if err != nil {
		return err
	}

	scheduler.Start()
	p.scheduler = scheduler

	return nil
}

// Stop terminates the heartbeat.
func (p *ConnectionPublisher) Stop() {
	if p.scheduler != nil {
		p.scheduler.Shutdown() //nolint:errcheck
	}
}

func (p *ConnectionPublisher) publishLocked() {
	tag := fmt.Sprintf("%s.connected", p.name)

	value := 0.0
	if p.state == ChannelStateOpen {
		value = 1.0
	}

	p.logger.Debug("channel_connected_status", "channel", p.name, "connected", value == 1.0)

	env, err := msgbus.NewStatusEnvelope(p.name, msgbus.Status{
		Measurements: []msgbus.Point{{Tag: tag, Value: value}},
	})
	if err != nil {
		return
	}

	p.pusher.Push(msgbus.TopicRuntime, env) //nolint:errcheck
}
