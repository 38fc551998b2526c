package dnp3

import (
	"fmt"
	"sync"
	"time"

	"github.com/otworks/otsim/msgbus"
)

// Restart delay defaults applied when configuration omits them.
const (
	DefaultWarmRestartSecs uint16 = 30
	DefaultColdRestartSecs uint16 = 180
)

// Outstation link defaults.
const (
	DefaultOutstationLocalAddr  uint16 = 1024
	DefaultOutstationRemoteAddr uint16 = 1
)

// Server owns one listening channel and the outstations attached to it. A
// cold restart requested on any one outstation takes the whole fleet down:
// every outstation resets its outputs and disables, the channel stays dark
// for the cold delay, then every outstation enables again.
type Server struct {
	id      string
	channel ServerChannel
	logger  Logger

	coldSecs uint16

	// Keyed by outstation local link address.
	outstations map[uint16]*Outstation

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a server over an initialized channel.
func NewServer(id string, channel ServerChannel, coldSecs uint16, logger Logger) *Server {
	if logger == nil {
		logger = NoopLogger()
	}

	if coldSecs == 0 {
		coldSecs = DefaultColdRestartSecs
	}

	return &Server{
		id:          id,
		channel:     channel,
		logger:      logger,
		coldSecs:    coldSecs,
		outstations: make(map[uint16]*Outstation),
		done:        make(chan struct{}),
	}
}

// AddOutstation creates an outstation engine owned by this server. The
// server takes over the cold-restart delay and coordinator so fleet behavior
// stays in one place.
func (s *Server) AddOutstation(config OutstationConfig, restart RestartConfig, pusher msgbus.Push) (*Outstation, error) {
	if _, ok := s.outstations[config.LocalAddr]; ok {
		return nil, fmt.Errorf("outstation with local address %d already exists", config.LocalAddr)
	}

	restart.Cold = s.coldSecs
	restart.ColdRestarter = s.HandleColdRestart

	s.logger.Info("adding_outstation", "server", s.id, "local", config.LocalAddr, "remote", config.RemoteAddr)

	outstation := NewOutstation(config, restart, pusher, s.logger)
	s.outstations[config.LocalAddr] = outstation

	return outstation, nil
}

// Outstation returns the outstation at the given local link address.
func (s *Server) Outstation(localAddr uint16) (*Outstation, bool) {
	o, ok := s.outstations[localAddr]
	return o, ok
}

// Start attaches every outstation to the channel, enables it, and spawns its
// update loop.
func (s *Server) Start() error {
	for _, outstation := range s.outstations {
		backend, err := s.channel.AddOutstation(outstation, outstation.StackConfig())
		if err != nil {
			return fmt.Errorf("attaching outstation %s: %w", outstation.ID(), err)
		}

		outstation.SetBackend(backend)
		outstation.Enable()

		s.wg.Add(1)
		go func(o *Outstation) {
			defer s.wg.Done()
			o.Run()
		}(outstation)
	}

	s.logger.Info("server_started", "server", s.id, "outstations", len(s.outstations))
	return nil
}

// Stop disables every outstation, joins the update loops, then closes the
// channel.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.done) })

	for _, outstation := range s.outstations {
		outstation.Stop()
		outstation.Disable()
	}

	s.wg.Wait()

	if err := s.channel.Shutdown(); err != nil {
		s.logger.Warn("channel_shutdown_failed", "server", s.id, "error", err)
	}
}

// HandleColdRestart performs the fleet restart. Every owned outstation —
// not just the initiator — resets its outputs and disables; after the cold
// delay every outstation enables again. The whole channel being unreachable
// for the window is intentional.
func (s *Server) HandleColdRestart(initiator uint16) {
	for addr, outstation := range s.outstations {
		s.logger.Info("disabling_outstation", "server", s.id, "address", addr, "seconds", s.coldSecs)

		outstation.ResetOutputs()
		outstation.Disable()
	}

	select {
	case <-s.done:
		return
	case <-time.After(time.Duration(s.coldSecs) * time.Second):
	}

	for addr, outstation := range s.outstations {
		s.logger.Info("enabling_outstation", "server", s.id, "address", addr)
		outstation.Enable()
	}
}
