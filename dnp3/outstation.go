package dnp3

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/otworks/otsim/device"
	"github.com/otworks/otsim/msgbus"
	"github.com/otworks/otsim/observability"
)

// Logger is the interface for structured logging in the dnp3 package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, keysAndValues ...any) {}
func (l *noopLogger) Info(msg string, keysAndValues ...any)  {}
func (l *noopLogger) Warn(msg string, keysAndValues ...any)  {}
func (l *noopLogger) Error(msg string, keysAndValues ...any) {}

// NoopLogger returns a logger that discards all output.
func NoopLogger() Logger {
	return &noopLogger{}
}

// defaultScanInterval is the outstation update-loop period.
const defaultScanInterval = time.Second

// ColdRestartFunc coordinates a cold restart across every outstation sharing
// a channel. The argument is the local link address of the initiator.
type ColdRestartFunc func(uint16)

// OutstationConfig identifies one outstation on a channel.
type OutstationConfig struct {
	ID              string
	LocalAddr       uint16
	RemoteAddr      uint16
	EventBufferSize int

	// ScanInterval overrides the 1 s update-loop period. Zero keeps the
	// default.
	ScanInterval time.Duration
}

// RestartConfig carries the advertised restart delays. The cold delay and the
// cold restarter are filled in by the owning Server so the fleet behavior
// stays in one place.
type RestartConfig struct {
	Warm uint16
	Cold uint16

	ColdRestarter ColdRestartFunc
}

// Outstation bridges one DNP3 outstation database to the message bus. Status
// envelopes latch tag values into a staging map; a 1 Hz scan loop folds the
// staged values into one UpdateBatch per cycle, with deadband-filtered analog
// events. Commands arriving from the stack become Update envelopes.
//
// Stack callbacks (SelectCROB, OperateCROB, ColdRestart, ...) never take the
// scan loop's time: they read the registry, push an envelope, or flip an
// atomic flag, and return.
type Outstation struct {
	config  OutstationConfig
	restart RestartConfig

	pusher  msgbus.Push
	metrics *msgbus.MetricsPusher
	logger  Logger

	registry *device.Registry
	backend  OutstationBackend

	// Staged bus values by tag, latched by HandleStatus and consumed by the
	// scan loop. The lock covers only map access, never I/O.
	stagedMu sync.Mutex
	staged   map[string]msgbus.Point

	// Last event-reported values, touched only by the scan goroutine.
	lastBinary map[string]float64
	lastAnalog map[string]float64

	coldRestart atomic.Bool
	warmRestart atomic.Bool
	restartKick chan struct{}

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	doneWg   sync.WaitGroup
}

// NewOutstation creates an outstation engine. The stack backend is attached
// later by the owning Server via SetBackend.
func NewOutstation(config OutstationConfig, restart RestartConfig, pusher msgbus.Push, logger Logger) *Outstation {
	if logger == nil {
		logger = NoopLogger()
	}

	if config.EventBufferSize <= 0 {
		config.EventBufferSize = DefaultEventBufferSize
	}

	if config.ScanInterval <= 0 {
		config.ScanInterval = defaultScanInterval
	}

	metrics := msgbus.NewMetricsPusher()
	metrics.NewMetric(msgbus.MetricKindCounter, "status_count", "number of status messages processed")
	metrics.NewMetric(msgbus.MetricKindCounter, "update_count", "number of update messages generated")

	return &Outstation{
		config:      config,
		restart:     restart,
		pusher:      pusher,
		metrics:     metrics,
		logger:      logger,
		registry:    device.NewRegistry(logger),
		staged:      make(map[string]msgbus.Point),
		lastBinary:  make(map[string]float64),
		lastAnalog:  make(map[string]float64),
		restartKick: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// ID returns the outstation identifier.
func (o *Outstation) ID() string { return o.config.ID }

// LinkAddress returns the local link address.
func (o *Outstation) LinkAddress() uint16 { return o.config.LocalAddr }

// SetBackend attaches the stack-side handle. Must be called before Enable or
// Run.
func (o *Outstation) SetBackend(b OutstationBackend) { o.backend = b }

// =============================================================================
// DATABASE SHAPE
// =============================================================================

// AddBinaryInput configures a binary input point. Must be called before the
// outstation is enabled.
func (o *Outstation) AddBinaryInput(p BinaryPoint) {
	p.Output = false
	o.registry.Add(&p)
}

// AddBinaryOutput configures a binary output point.
func (o *Outstation) AddBinaryOutput(p BinaryPoint) {
	p.Output = true
	o.registry.Add(&p)
}

// AddAnalogInput configures an analog input point.
func (o *Outstation) AddAnalogInput(p AnalogPoint) {
	p.Output = false
	o.registry.Add(&p)
}

// AddAnalogOutput configures an analog output point.
func (o *Outstation) AddAnalogOutput(p AnalogPoint) {
	p.Output = true
	o.registry.Add(&p)
}

// StackConfig derives the stack database shape from the configured points.
func (o *Outstation) StackConfig() OutstationStackConfig {
	cfg := OutstationStackConfig{
		LocalAddr:       o.config.LocalAddr,
		RemoteAddr:      o.config.RemoteAddr,
		EventBufferSize: o.config.EventBufferSize,
	}

	for _, p := range o.registry.Points() {
		switch point := p.(type) {
		case *BinaryPoint:
			rec := PointRecord{
				Index:      point.Address,
				SVariation: point.SVariation,
				EVariation: point.EVariation,
				Class:      point.Class,
			}
			if point.Output {
				cfg.Database.BinaryOutputs = append(cfg.Database.BinaryOutputs, rec)
			} else {
				cfg.Database.BinaryInputs = append(cfg.Database.BinaryInputs, rec)
			}
		case *AnalogPoint:
			rec := PointRecord{
				Index:      point.Address,
				SVariation: point.SVariation,
				EVariation: point.EVariation,
				Class:      point.Class,
				Deadband:   point.Deadband,
			}
			if point.Output {
				cfg.Database.AnalogOutputs = append(cfg.Database.AnalogOutputs, rec)
			} else {
				cfg.Database.AnalogInputs = append(cfg.Database.AnalogInputs, rec)
			}
		}
	}

	return cfg
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Enable starts participation on the channel.
func (o *Outstation) Enable() bool { return o.backend.Enable() }

// Disable stops participation on the channel.
func (o *Outstation) Disable() bool { return o.backend.Disable() }

// Run is the long-running update loop. It returns when Stop is called.
func (o *Outstation) Run() {
	if !o.running.CompareAndSwap(false, true) {
		return
	}

	o.doneWg.Add(1)
	defer o.doneWg.Done()

	o.metrics.Start(o.pusher, o.config.ID)
	defer o.metrics.Stop()

	ticker := time.NewTicker(o.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-o.restartKick:
		case <-ticker.C:
		}

		o.scan()

		if o.warmRestart.Load() {
			o.Disable()
			if !o.sleep(time.Duration(o.restart.Warm) * time.Second) {
				return
			}
			o.Enable()
			o.warmRestart.Store(false)
			continue
		}

		if o.coldRestart.Load() {
			o.coldRestart.Store(false)
			if o.restart.ColdRestarter != nil {
				o.restart.ColdRestarter(o.config.LocalAddr)
			}
		}
	}
}

// Stop terminates the update loop. Safe to call before, after, or without
// Run.
func (o *Outstation) Stop() {
	o.stopOnce.Do(func() { close(o.done) })
	o.doneWg.Wait()
}

// sleep waits d unless the loop is stopped first.
func (o *Outstation) sleep(d time.Duration) bool {
	select {
	case <-o.done:
		return false
	case <-time.After(d):
		return true
	}
}

// =============================================================================
// SCAN LOOP
// =============================================================================

// scan folds every staged tag into one update batch and applies it. Analog
// events honor the configured deadband; the static value always updates.
func (o *Outstation) scan() {
	o.stagedMu.Lock()
	staged := make(map[string]msgbus.Point, len(o.staged))
	for tag, p := range o.staged {
		staged[tag] = p
	}
	o.stagedMu.Unlock()

	observability.RecordScanCycle(o.config.ID)
	observability.SetStagedPoints(o.config.ID, len(staged))

	if len(staged) == 0 {
		return
	}

	builder := NewUpdateBuilder()

	for _, p := range o.registry.Points() {
		point, ok := staged[p.PointTag()]
		if !ok {
			continue
		}

		switch def := p.(type) {
		case *BinaryPoint:
			key := def.PointBank() + p.PointTag()
			last, seen := o.lastBinary[key]
			event := !seen || last != point.Value

			update := BinaryUpdate{
				Index: def.Address,
				Value: point.Value != 0,
				Time:  point.Ts,
				Event: event && def.Class != Class0,
			}

			if def.Output {
				builder.BinaryOutputStatus(update)
			} else {
				builder.BinaryInput(update)
			}

			if event {
				o.lastBinary[key] = point.Value
			}

		case *AnalogPoint:
			key := def.PointBank() + p.PointTag()
			last, seen := o.lastAnalog[key]

			delta := point.Value - last
			if delta < 0 {
				delta = -delta
			}

			event := !seen || (point.Value != last && delta >= def.Deadband)

			update := AnalogUpdate{
				Index: def.Address,
				Value: point.Value,
				Time:  point.Ts,
				Event: event && def.Class != Class0,
			}

			if def.Output {
				builder.AnalogOutputStatus(update)
			} else {
				builder.AnalogInput(update)
			}

			if event {
				o.lastAnalog[key] = point.Value
			}
		}
	}

	if batch := builder.Build(); !batch.Empty() {
		o.backend.Apply(batch)
	}
}

// =============================================================================
// BUS SIDE
// =============================================================================

// HandleStatus latches each matching measurement into the staging map. It is
// registered as a Status handler on the module's subscriber.
func (o *Outstation) HandleStatus(env msgbus.Envelope, status msgbus.Status) {
	if env.Sender() == o.config.ID {
		return
	}

	o.metrics.IncrMetric("status_count")

	for _, p := range status.Measurements {
		if len(o.registry.LookupTag(p.Tag)) == 0 {
			continue
		}

		o.logger.Debug("status_received", "outstation", o.config.ID, "tag", p.Tag)

		o.stagedMu.Lock()
		o.staged[p.Tag] = p
		o.stagedMu.Unlock()
	}
}

// writeBinary publishes an Update for the binary output at address.
func (o *Outstation) writeBinary(address uint16, status bool) {
	p, ok := o.registry.Lookup(BankBinaryOutput, address)
	if !ok {
		return
	}

	value := 0.0
	if status {
		value = 1.0
	}

	o.logger.Info("binary_output_operated", "outstation", o.config.ID, "tag", p.PointTag(), "value", status)
	o.pushUpdate([]msgbus.Point{{Tag: p.PointTag(), Value: value}})
}

// writeAnalog publishes an Update for the analog output at address.
func (o *Outstation) writeAnalog(address uint16, value float64) {
	p, ok := o.registry.Lookup(BankAnalogOutput, address)
	if !ok {
		return
	}

	o.logger.Info("analog_output_operated", "outstation", o.config.ID, "tag", p.PointTag(), "value", value)
	o.pushUpdate([]msgbus.Point{{Tag: p.PointTag(), Value: value}})
}

func (o *Outstation) pushUpdate(points []msgbus.Point) {
	env, err := msgbus.NewUpdateEnvelope(o.config.ID, msgbus.Update{Updates: points})
	if err != nil {
		o.logger.Error("update_encode_failed", "outstation", o.config.ID, "error", err)
		return
	}

	if err := o.pusher.Push(msgbus.TopicRuntime, env); err != nil {
		o.logger.Warn("update_push_failed", "outstation", o.config.ID, "error", err)
		return
	}

	o.metrics.IncrMetric("update_count")
	observability.RecordEnvelopePublished(o.config.ID, string(msgbus.KindUpdate))
}

// ResetOutputs publishes a single zero-value Update covering every configured
// output. Called on cold-restart entry before the outstation disables.
func (o *Outstation) ResetOutputs() {
	var points []msgbus.Point

	for _, p := range o.registry.Points() {
		if p.PointDirection() != device.DirectionOutput {
			continue
		}
		points = append(points, msgbus.Point{Tag: p.PointTag(), Value: 0.0})
	}

	if len(points) == 0 {
		return
	}

	o.logger.Info("outputs_reset", "outstation", o.config.ID, "count", len(points))
	o.pushUpdate(points)
}

// =============================================================================
// RESTART CALLBACKS (RestartReceiver)
// =============================================================================

// ColdRestart defers a cold restart to the scan loop and returns the
// advertised delay seconds.
func (o *Outstation) ColdRestart() uint16 {
	o.coldRestart.Store(true)
	o.kickRestart()
	return o.restart.Cold
}

// WarmRestart defers a warm restart to the scan loop and returns the
// advertised delay seconds.
func (o *Outstation) WarmRestart() uint16 {
	o.warmRestart.Store(true)
	o.kickRestart()
	return o.restart.Warm
}

func (o *Outstation) kickRestart() {
	select {
	case o.restartKick <- struct{}{}:
	default:
	}
}

// =============================================================================
// COMMAND CALLBACKS (CommandReceiver)
// =============================================================================

// SelectCROB validates a binary select.
func (o *Outstation) SelectCROB(cmd ControlRelayOutputBlock, index uint16) CommandStatus {
	if _, ok := o.registry.Lookup(BankBinaryOutput, index); !ok {
		// Best guess at what status to return when the address being
		// selected doesn't exist locally.
		return CommandStatusOutOfRange
	}

	return CommandStatusSuccess
}

// OperateCROB executes a binary operate.
func (o *Outstation) OperateCROB(cmd ControlRelayOutputBlock, index uint16, op OperateType) (status CommandStatus) {
	defer func() { observability.RecordCommand(o.config.ID, status.String()) }()

	p, ok := o.registry.Lookup(BankBinaryOutput, index)
	if !ok {
		return CommandStatusOutOfRange
	}

	point := p.(*BinaryPoint)
	if point.SBO && op != OperateTypeSelectBeforeOperate {
		return CommandStatusNoSelect
	}

	var value bool

	switch cmd.OpType {
	case OpLatchOn:
		value = true
	case OpLatchOff:
		value = false
	case OpPulseOn:
		switch cmd.TCC {
		case TccTrip:
			value = false
		case TccClose:
			value = true
		default:
			return CommandStatusNotSupported
		}
	default:
		return CommandStatusNotSupported
	}

	o.writeBinary(index, value)
	return CommandStatusSuccess
}

// SelectAnalog validates an analog select.
func (o *Outstation) SelectAnalog(cmd AnalogOutputFloat32, index uint16) CommandStatus {
	if _, ok := o.registry.Lookup(BankAnalogOutput, index); !ok {
		return CommandStatusOutOfRange
	}

	return CommandStatusSuccess
}

// OperateAnalog executes an analog operate.
func (o *Outstation) OperateAnalog(cmd AnalogOutputFloat32, index uint16, op OperateType) (status CommandStatus) {
	defer func() { observability.RecordCommand(o.config.ID, status.String()) }()

	p, ok := o.registry.Lookup(BankAnalogOutput, index)
	if !ok {
		return CommandStatusOutOfRange
	}

	point := p.(*AnalogPoint)
	if point.SBO && op != OperateTypeSelectBeforeOperate {
		return CommandStatusNoSelect
	}

	o.writeAnalog(index, cmd.Value)
	return CommandStatusSuccess
}
