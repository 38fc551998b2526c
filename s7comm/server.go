package s7comm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/otworks/otsim/device"
	"github.com/otworks/otsim/msgbus"
)

// defaultScanInterval is the staging-cycle period.
const defaultScanInterval = time.Second

// ServerConfig identifies one served S7 device.
type ServerConfig struct {
	ID       string
	Endpoint string

	// ScanInterval overrides the 1 s staging cycle. Zero keeps the default.
	ScanInterval time.Duration
}

// Server bridges served S7 memory areas to the message bus. Status envelopes
// latch tag values into a staging map; each cycle the staged values are
// written into PLC memory through the stack's AreaWriter. Client writes
// arriving through WriteReceiver become Update envelopes.
type Server struct {
	config ServerConfig

	writer  AreaWriter
	pusher  msgbus.Push
	metrics *msgbus.MetricsPusher
	logger  Logger

	registry *device.Registry

	stagedMu sync.Mutex
	staged   map[string]msgbus.Point

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	doneWg   sync.WaitGroup
}

// NewServer creates a server adapter writing through the given AreaWriter.
func NewServer(config ServerConfig, writer AreaWriter, pusher msgbus.Push, logger Logger) *Server {
	if logger == nil {
		logger = NoopLogger()
	}

	if config.ScanInterval <= 0 {
		config.ScanInterval = defaultScanInterval
	}

	metrics := msgbus.NewMetricsPusher()
	metrics.NewMetric(msgbus.MetricKindCounter, "status_count", "number of status messages processed")
	metrics.NewMetric(msgbus.MetricKindCounter, "update_count", "number of update messages generated")
	metrics.NewMetric(msgbus.MetricKindCounter, "s7_binary_write_count", "number of S7 binary writes processed")
	metrics.NewMetric(msgbus.MetricKindCounter, "s7_analog_write_count", "number of S7 analog writes processed")

	return &Server{
		config:   config,
		writer:   writer,
		pusher:   pusher,
		metrics:  metrics,
		logger:   logger,
		registry: device.NewRegistry(logger),
		staged:   make(map[string]msgbus.Point),
		done:     make(chan struct{}),
	}
}

// ID returns the server identifier.
func (s *Server) ID() string { return s.config.ID }

// AddPoint registers a point definition.
func (s *Server) AddPoint(p Point) {
	s.registry.Add(&p)
}

// =============================================================================
// BUS SIDE
// =============================================================================

// HandleStatus latches each matching measurement into the staging map.
func (s *Server) HandleStatus(env msgbus.Envelope, status msgbus.Status) {
	if env.Sender() == s.config.ID {
		return
	}

	s.metrics.IncrMetric("status_count")

	for _, p := range status.Measurements {
		if len(s.registry.LookupTag(p.Tag)) == 0 {
			continue
		}

		s.stagedMu.Lock()
		s.staged[p.Tag] = p
		s.stagedMu.Unlock()
	}
}

// =============================================================================
// SCAN LOOP
// =============================================================================

// Run drives the staging cycle until Stop is called.
func (s *Server) Run() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	s.doneWg.Add(1)
	defer s.doneWg.Done()

	s.metrics.Start(s.pusher, s.config.ID)
	defer s.metrics.Stop()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.scan()
		}
	}
}

// Stop terminates the staging cycle. Safe to call before, after, or without
// Run.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.doneWg.Wait()
}

// scan writes every staged value into PLC memory.
func (s *Server) scan() {
	s.stagedMu.Lock()
	staged := make(map[string]msgbus.Point, len(s.staged))
	for tag, p := range s.staged {
		staged[tag] = p
	}
	s.stagedMu.Unlock()

	for _, def := range s.registry.Points() {
		point, ok := staged[def.PointTag()]
		if !ok {
			continue
		}

		p := def.(*Point)

		var err error
		if p.Binary() {
			err = s.writer.WriteBit(p.Area, p.DB, p.Byte, p.Bit, point.Value != 0)
		} else if p.Width <= 16 {
			err = s.writer.WriteWord(p.Area, p.DB, p.Byte, uint16(point.Value))
		} else {
			err = s.writer.WriteReal(p.Area, p.DB, p.Byte, point.Value)
		}

		if err != nil {
			s.logger.Warn("area_write_failed", "id", s.config.ID, "tag", p.Tag, "error", err)
		}
	}
}

// =============================================================================
// PROTOCOL SIDE (WriteReceiver)
// =============================================================================

func (s *Server) outputAt(bank string, address uint16) (*Point, bool) {
	def, ok := s.registry.Lookup(bank, address)
	if !ok {
		return nil, false
	}

	p := def.(*Point)
	if !p.Output {
		return nil, false
	}

	return p, true
}

// WriteBinary translates a client bit write into an Update envelope.
func (s *Server) WriteBinary(area Area, db uint16, byteOffset uint16, bit uint8, value bool) {
	probe := Point{Area: area, DB: db, Byte: byteOffset, Bit: bit}

	p, ok := s.outputAt(probe.PointBank(), probe.PointAddress())
	if !ok {
		return
	}

	v := 0.0
	if value {
		v = 1.0
	}

	s.logger.Info("binary_write", "id", s.config.ID, "tag", p.Tag, "value", value)
	s.pushUpdate([]msgbus.Point{{Tag: p.Tag, Value: v}})
	s.metrics.IncrMetric("s7_binary_write_count")
}

// WriteAnalog translates a client word/real write into an Update envelope.
func (s *Server) WriteAnalog(area Area, db uint16, byteOffset uint16, value float64) {
	probe := Point{Area: area, DB: db, Byte: byteOffset}

	p, ok := s.outputAt(probe.PointBank(), probe.PointAddress())
	if !ok {
		return
	}

	s.logger.Info("analog_write", "id", s.config.ID, "tag", p.Tag, "value", value)
	s.pushUpdate([]msgbus.Point{{Tag: p.Tag, Value: value}})
	s.metrics.IncrMetric("s7_analog_write_count")
}

func (s *Server) pushUpdate(points []msgbus.Point) {
	env, err := msgbus.NewUpdateEnvelope(s.config.ID, msgbus.Update{Updates: points})
	if err != nil {
		s.logger.Error("update_encode_failed", "id", s.config.ID, "error", err)
		return
	}

	if err := s.pusher.Push(msgbus.TopicRuntime, env); err != nil {
		s.logger.Warn("update_push_failed", "id", s.config.ID, "error", err)
		return
	}

	s.metrics.IncrMetric("update_count")
}

// ResetOutputs publishes a zero-value Update covering every output point.
func (s *Server) ResetOutputs() {
	var points []msgbus.Point

	for _, def := range s.registry.Points() {
		if def.PointDirection() != device.DirectionOutput {
			continue
		}
		points = append(points, msgbus.Point{Tag: def.PointTag(), Value: 0.0})
	}

	if len(points) == 0 {
		return
	}

	s.logger.Info("outputs_reset", "id", s.config.ID, "count", len(points))
	s.pushUpdate(points)
}
