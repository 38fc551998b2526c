package dnp3

import (
	"sync"
	"time"

	"github.com/otworks/otsim/msgbus"
	"github.com/otworks/otsim/observability"
)

// statusSuppressWindow bounds how long after consuming a bus Update the
// master swallows the echoed status for that tag. One report per tag per
// consumed write is suppressed, and only within this window; without it a
// bus-published command would come back as a Status the originator re-acts
// on.
const statusSuppressWindow = time.Second

// Master defaults applied when configuration omits the fields.
const (
	DefaultMasterLocalAddr  uint16 = 1
	DefaultMasterRemoteAddr uint16 = 1024
	DefaultResponseTimeout         = 5 * time.Second
	DefaultAllClassScanRate        = 30 * time.Second
)

// ClassScanRates configures the periodic reads a master schedules. A zero
// rate disables that scan.
type ClassScanRates struct {
	All    time.Duration
	Class0 time.Duration
	Class1 time.Duration
	Class2 time.Duration
	Class3 time.Duration
}

// Master bridges a DNP3 master to the message bus. Sequence-of-events data
// maps indexed points to tags and flows out as Status envelopes; bus Updates
// matching configured outputs become DirectOperate or SelectAndOperate
// commands. Command completion is fire-and-forget.
type Master struct {
	id      string
	address uint16

	pusher  msgbus.Push
	metrics *msgbus.MetricsPusher
	logger  Logger

	backend MasterBackend

	// Input and output tag tables are separate: output variants of a point
	// map to "output" tags.
	binaryInputTags  map[uint16]string
	binaryOutputTags map[uint16]string
	analogInputTags  map[uint16]string
	analogOutputTags map[uint16]string

	binaryOutputs map[string]BinaryPoint
	analogOutputs map[string]AnalogPoint

	suppressMu sync.Mutex
	suppress   map[string]time.Time
}

// NewMaster creates a master engine. The stack backend is attached later by
// the owning Client via SetBackend.
func NewMaster(id string, pusher msgbus.Push, logger Logger) *Master {
	if logger == nil {
		logger = NoopLogger()
	}

	metrics := msgbus.NewMetricsPusher()
	metrics.NewMetric(msgbus.MetricKindCounter, "status_count", "number of status messages generated")
	metrics.NewMetric(msgbus.MetricKindCounter, "update_count", "number of update messages processed")

	return &Master{
		id:               id,
		pusher:           pusher,
		metrics:          metrics,
		logger:           logger,
		binaryInputTags:  make(map[uint16]string),
		binaryOutputTags: make(map[uint16]string),
		analogInputTags:  make(map[uint16]string),
		analogOutputTags: make(map[uint16]string),
		binaryOutputs:    make(map[string]BinaryPoint),
		analogOutputs:    make(map[string]AnalogPoint),
		suppress:         make(map[string]time.Time),
	}
}

// ID returns the master identifier.
func (m *Master) ID() string { return m.id }

// Address returns the local link address set by BuildConfig.
func (m *Master) Address() uint16 { return m.address }

// SetBackend attaches the stack-side handle.
func (m *Master) SetBackend(b MasterBackend) { m.backend = b }

// Metrics exposes the master's metrics pusher so the owning Client can start
// it alongside the channel.
func (m *Master) Metrics() *msgbus.MetricsPusher { return m.metrics }

// BuildConfig assembles the master stack configuration: startup integrity and
// unsolicited masks are Class 0, integrity on event overflow is off.
func (m *Master) BuildConfig(local, remote uint16, timeout time.Duration) MasterStackConfig {
	m.address = local

	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}

	m.logger.Info("initializing_master", "local", local, "remote", remote)

	return MasterStackConfig{
		LocalAddr:                   local,
		RemoteAddr:                  remote,
		ResponseTimeout:             timeout,
		DisableUnsolOnStartup:       false,
		StartupIntegrityClassMask:   ClassField0,
		UnsolClassMask:              ClassField0,
		IntegrityOnEventOverflowIIN: false,
	}
}

// =============================================================================
// TAG TABLES
// =============================================================================

// AddBinaryInput maps a binary input index to a tag.
func (m *Master) AddBinaryInput(address uint16, tag string) {
	m.binaryInputTags[address] = tag
}

// AddBinaryOutput maps a binary output index to a tag and registers the
// command point.
func (m *Master) AddBinaryOutput(address uint16, tag string, sbo bool) {
	m.binaryOutputTags[address] = tag
	m.binaryOutputs[tag] = BinaryPoint{Address: address, Tag: tag, Output: true, SBO: sbo}
}

// AddAnalogInput maps an analog input index to a tag.
func (m *Master) AddAnalogInput(address uint16, tag string) {
	m.analogInputTags[address] = tag
}

// AddAnalogOutput maps an analog output index to a tag and registers the
// command point.
func (m *Master) AddAnalogOutput(address uint16, tag string, sbo bool) {
	m.analogOutputTags[address] = tag
	m.analogOutputs[tag] = AnalogPoint{Address: address, Tag: tag, Output: true, SBO: sbo}
}

// AddClassScans schedules the configured periodic class reads on the stack.
func (m *Master) AddClassScans(rates ClassScanRates) error {
	scans := []struct {
		field  ClassField
		period time.Duration
	}{
		{AllClasses(), rates.All},
		{ClassField0, rates.Class0},
		{ClassField1, rates.Class1},
		{ClassField2, rates.Class2},
		{ClassField3, rates.Class3},
	}

	for _, scan := range scans {
		if scan.period == 0 {
			continue
		}

		if err := m.backend.AddClassScan(scan.field, scan.period); err != nil {
			return err
		}
	}

	return nil
}

// =============================================================================
// BUS SIDE
// =============================================================================

// HandleUpdate translates each point of an Update envelope into a DNP3
// command. Points whose tag matches no configured output are reported so a
// requested Confirmation can carry them.
func (m *Master) HandleUpdate(env msgbus.Envelope, update msgbus.Update) []msgbus.UpdateError {
	if env.Sender() == m.id {
		return nil
	}

	m.metrics.IncrMetric("update_count")

	var errs []msgbus.UpdateError

	for _, p := range update.Updates {
		if m.WriteBinary(p.Tag, p.Value != 0) {
			continue
		}

		if m.WriteAnalog(p.Tag, p.Value) {
			continue
		}

		m.logger.Warn("update_unknown_tag", "master", m.id, "tag", p.Tag)
		errs = append(errs, msgbus.UpdateError{Tag: p.Tag, Reason: "unknown tag"})
	}

	return errs
}

// WriteBinary issues a CROB for the output bound to tag. Returns false when
// the tag has no configured binary output.
func (m *Master) WriteBinary(tag string, status bool) bool {
	point, ok := m.binaryOutputs[tag]
	if !ok {
		return false
	}

	code := OpLatchOff
	if status {
		code = OpLatchOn
	}

	crob := ControlRelayOutputBlock{OpType: code}

	m.markSuppressed(tag)

	if point.SBO {
		m.backend.SelectAndOperateCROB(crob, point.Address)
	} else {
		m.backend.DirectOperateCROB(crob, point.Address)
	}

	return true
}

// WriteAnalog issues an AnalogOutputFloat32 for the output bound to tag.
func (m *Master) WriteAnalog(tag string, value float64) bool {
	point, ok := m.analogOutputs[tag]
	if !ok {
		return false
	}

	cmd := AnalogOutputFloat32{Value: value}

	m.markSuppressed(tag)

	if point.SBO {
		m.backend.SelectAndOperateAnalog(cmd, point.Address)
	} else {
		m.backend.DirectOperateAnalog(cmd, point.Address)
	}

	return true
}

func (m *Master) markSuppressed(tag string) {
	m.suppressMu.Lock()
	m.suppress[tag] = time.Now().Add(statusSuppressWindow)
	m.suppressMu.Unlock()
}

// suppressed consumes at most one suppression mark for tag.
func (m *Master) suppressed(tag string) bool {
	m.suppressMu.Lock()
	defer m.suppressMu.Unlock()

	deadline, ok := m.suppress[tag]
	if !ok {
		return false
	}

	delete(m.suppress, tag)
	return time.Now().Before(deadline)
}

// =============================================================================
// SOE SIDE (SOEReceiver)
// =============================================================================

func (m *Master) pushStatus(tag string, value float64, ts uint64) {
	if m.suppressed(tag) {
		m.logger.Debug("status_suppressed", "master", m.id, "tag", tag)
		return
	}

	env, err := msgbus.NewStatusEnvelope(m.id, msgbus.Status{
		Measurements: []msgbus.Point{{Tag: tag, Value: value, Ts: ts}},
	})
	if err != nil {
		m.logger.Error("status_encode_failed", "master", m.id, "tag", tag, "error", err)
		return
	}

	if err := m.pusher.Push(msgbus.TopicRuntime, env); err != nil {
		m.logger.Warn("status_push_failed", "master", m.id, "tag", tag, "error", err)
		return
	}

	m.metrics.IncrMetric("status_count")
	observability.RecordEnvelopePublished(m.id, string(msgbus.KindStatus))
}

// ProcessBinary maps indexed binary inputs to tags and publishes them.
func (m *Master) ProcessBinary(values []IndexedBinary) {
	for _, v := range values {
		tag, ok := m.binaryInputTags[v.Index]
		if !ok {
			m.logger.Warn("missing_binary_input_tag", "master", m.id, "address", v.Index)
			continue
		}

		value := 0.0
		if v.Value {
			value = 1.0
		}

		m.logger.Debug("binary_input_received", "master", m.id, "address", v.Index, "value", v.Value)
		m.pushStatus(tag, value, v.Time)
	}
}

// ProcessAnalog maps indexed analog inputs to tags and publishes them.
func (m *Master) ProcessAnalog(values []IndexedAnalog) {
	for _, v := range values {
		tag, ok := m.analogInputTags[v.Index]
		if !ok {
			m.logger.Warn("missing_analog_input_tag", "master", m.id, "address", v.Index)
			continue
		}

		m.logger.Debug("analog_input_received", "master", m.id, "address", v.Index, "value", v.Value)
		m.pushStatus(tag, v.Value, v.Time)
	}
}

// ProcessBinaryOutputStatus maps indexed binary output status to output tags.
func (m *Master) ProcessBinaryOutputStatus(values []IndexedBinary) {
	for _, v := range values {
		tag, ok := m.binaryOutputTags[v.Index]
		if !ok {
			m.logger.Warn("missing_binary_output_tag", "master", m.id, "address", v.Index)
			continue
		}

		value := 0.0
		if v.Value {
			value = 1.0
		}

		m.pushStatus(tag, value, v.Time)
	}
}

// ProcessAnalogOutputStatus maps indexed analog output status to output tags.
func (m *Master) ProcessAnalogOutputStatus(values []IndexedAnalog) {
	for _, v := range values {
		tag, ok := m.analogOutputTags[v.Index]
		if !ok {
			m.logger.Warn("missing_analog_output_tag", "master", m.id, "address", v.Index)
			continue
		}

		m.pushStatus(tag, v.Value, v.Time)
	}
}

// Restart issues a cold or warm restart and blocks until the outstation
// responds with its advertised delay.
func (m *Master) Restart(typ RestartType) (time.Duration, error) {
	return m.backend.Restart(typ)
}

// Enable starts the master (which triggers its scan schedule in the stack).
func (m *Master) Enable() bool { return m.backend.Enable() }

// Disable stops the master.
func (m *Master) Disable() bool { return m.backend.Disable() }
