package dnp3

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// InprocNetwork is an in-process DNP3 stack driver. Server and client
// channels created from the same network are linked by link address: a master
// whose remote address matches an outstation's local address scans and
// operates that outstation directly. Class scans run on a scheduler with the
// configured periods; select-before-operate, restart propagation, and
// enable/disable reachability all behave as they do on the wire.
//
// The driver exists so engines, coordinators, and whole simulations can run
// without a wire stack; wire channels come from an external driver.
type InprocNetwork struct {
	mu          sync.RWMutex
	outstations map[uint16]*inprocOutstation
	clients     []*inprocClientChannel
}

// NewInprocNetwork creates an empty network.
func NewInprocNetwork() *InprocNetwork {
	return &InprocNetwork{outstations: make(map[uint16]*inprocOutstation)}
}

// ServerChannel creates a listening channel on this network.
func (n *InprocNetwork) ServerChannel(acceptMode ServerAcceptMode) ServerChannel {
	return &inprocServerChannel{net: n, acceptMode: acceptMode}
}

// ClientChannel creates a connecting channel on this network. The listener
// may be nil.
func (n *InprocNetwork) ClientChannel(listener ChannelStateListener) ClientChannel {
	channel := &inprocClientChannel{net: n, listener: listener, lastState: ChannelStateClosed}

	n.mu.Lock()
	n.clients = append(n.clients, channel)
	n.mu.Unlock()

	return channel
}

func (n *InprocNetwork) target(remoteAddr uint16) *inprocOutstation {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.outstations[remoteAddr]
}

// notifyState recomputes every client channel's connectivity after an
// outstation enables or disables.
func (n *InprocNetwork) notifyState() {
	n.mu.RLock()
	clients := make([]*inprocClientChannel, len(n.clients))
	copy(clients, n.clients)
	n.mu.RUnlock()

	for _, c := range clients {
		c.refreshState()
	}
}

// =============================================================================
// SERVER SIDE
// =============================================================================

type inprocServerChannel struct {
	net        *InprocNetwork
	acceptMode ServerAcceptMode

	mu          sync.Mutex
	outstations []*inprocOutstation
}

func (c *inprocServerChannel) AddOutstation(host OutstationHost, cfg OutstationStackConfig) (OutstationBackend, error) {
	ost := newInprocOutstation(c.net, host, cfg)

	c.net.mu.Lock()
	if _, ok := c.net.outstations[cfg.LocalAddr]; ok {
		c.net.mu.Unlock()
		return nil, fmt.Errorf("link address %d already bound", cfg.LocalAddr)
	}
	c.net.outstations[cfg.LocalAddr] = ost
	c.net.mu.Unlock()

	c.mu.Lock()
	c.outstations = append(c.outstations, ost)
	c.mu.Unlock()

	return ost, nil
}

func (c *inprocServerChannel) Shutdown() error {
	c.mu.Lock()
	outstations := c.outstations
	c.outstations = nil
	c.mu.Unlock()

	c.net.mu.Lock()
	for _, ost := range outstations {
		delete(c.net.outstations, ost.cfg.LocalAddr)
	}
	c.net.mu.Unlock()

	c.net.notifyState()
	return nil
}

// =============================================================================
// OUTSTATION DATABASE
// =============================================================================

const (
	soeKindBinaryInput = iota
	soeKindAnalogInput
	soeKindBinaryOutputStatus
	soeKindAnalogOutputStatus
)

type soeEvent struct {
	kind   int
	class  PointClass
	binary IndexedBinary
	analog IndexedAnalog
}

// inprocOutstation is the wire-visible database of one outstation: statics
// written by Apply plus class-bucketed event buffers drained by scans.
type inprocOutstation struct {
	net  *InprocNetwork
	host OutstationHost
	cfg  OutstationStackConfig

	enabled atomic.Bool

	mu            sync.Mutex
	binaryInputs  map[uint16]IndexedBinary
	analogInputs  map[uint16]IndexedAnalog
	binaryOutputs map[uint16]IndexedBinary
	analogOutputs map[uint16]IndexedAnalog
	events        []soeEvent

	classes map[int]map[uint16]PointClass
}

func newInprocOutstation(net *InprocNetwork, host OutstationHost, cfg OutstationStackConfig) *inprocOutstation {
	classes := map[int]map[uint16]PointClass{
		soeKindBinaryInput:        {},
		soeKindAnalogInput:        {},
		soeKindBinaryOutputStatus: {},
		soeKindAnalogOutputStatus: {},
	}

	for _, rec := range cfg.Database.BinaryInputs {
		classes[soeKindBinaryInput][rec.Index] = rec.Class
	}
	for _, rec := range cfg.Database.AnalogInputs {
		classes[soeKindAnalogInput][rec.Index] = rec.Class
	}
	for _, rec := range cfg.Database.BinaryOutputs {
		classes[soeKindBinaryOutputStatus][rec.Index] = rec.Class
	}
	for _, rec := range cfg.Database.AnalogOutputs {
		classes[soeKindAnalogOutputStatus][rec.Index] = rec.Class
	}

	return &inprocOutstation{
		net:           net,
		host:          host,
		cfg:           cfg,
		binaryInputs:  make(map[uint16]IndexedBinary),
		analogInputs:  make(map[uint16]IndexedAnalog),
		binaryOutputs: make(map[uint16]IndexedBinary),
		analogOutputs: make(map[uint16]IndexedAnalog),
		classes:       classes,
	}
}

func (o *inprocOutstation) Enable() bool {
	o.enabled.Store(true)
	o.net.notifyState()
	return true
}

func (o *inprocOutstation) Disable() bool {
	o.enabled.Store(false)
	o.net.notifyState()
	return true
}

func (o *inprocOutstation) Apply(batch UpdateBatch) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, u := range batch.BinaryInputs {
		o.binaryInputs[u.Index] = IndexedBinary{Index: u.Index, Value: u.Value, Time: u.Time}
		o.recordEvent(soeKindBinaryInput, u, AnalogUpdate{})
	}
	for _, u := range batch.AnalogInputs {
		o.analogInputs[u.Index] = IndexedAnalog{Index: u.Index, Value: u.Value, Time: u.Time}
		o.recordEvent(soeKindAnalogInput, BinaryUpdate{}, u)
	}
	for _, u := range batch.BinaryOutputStatus {
		o.binaryOutputs[u.Index] = IndexedBinary{Index: u.Index, Value: u.Value, Time: u.Time}
		o.recordEvent(soeKindBinaryOutputStatus, u, AnalogUpdate{})
	}
	for _, u := range batch.AnalogOutputStatus {
		o.analogOutputs[u.Index] = IndexedAnalog{Index: u.Index, Value: u.Value, Time: u.Time}
		o.recordEvent(soeKindAnalogOutputStatus, BinaryUpdate{}, u)
	}
}

func (o *inprocOutstation) recordEvent(kind int, bin BinaryUpdate, ana AnalogUpdate) {
	var event soeEvent

	switch kind {
	case soeKindBinaryInput, soeKindBinaryOutputStatus:
		if !bin.Event {
			return
		}
		event = soeEvent{
			kind:   kind,
			class:  o.classes[kind][bin.Index],
			binary: IndexedBinary{Index: bin.Index, Value: bin.Value, Time: bin.Time},
		}
	default:
		if !ana.Event {
			return
		}
		event = soeEvent{
			kind:   kind,
			class:  o.classes[kind][ana.Index],
			analog: IndexedAnalog{Index: ana.Index, Value: ana.Value, Time: ana.Time},
		}
	}

	if event.class == Class0 {
		return
	}

	o.events = append(o.events, event)

	// Event buffer overflow drops the oldest, one buffer across types.
	max := o.cfg.EventBufferSize * 4
	if max > 0 && len(o.events) > max {
		o.events = o.events[len(o.events)-max:]
	}
}

type scanResult struct {
	binaryInputs  []IndexedBinary
	analogInputs  []IndexedAnalog
	binaryOutputs []IndexedBinary
	analogOutputs []IndexedAnalog

	events []soeEvent
}

// scan drains events for the requested classes and, when class 0 is
// requested, snapshots every static value.
func (o *inprocOutstation) scan(field ClassField) scanResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	var result scanResult

	var kept []soeEvent
	for _, e := range o.events {
		if field.Has(e.class) {
			result.events = append(result.events, e)
		} else {
			kept = append(kept, e)
		}
	}
	o.events = kept

	if field.Has(Class0) {
		for _, v := range o.binaryInputs {
			result.binaryInputs = append(result.binaryInputs, v)
		}
		for _, v := range o.analogInputs {
			result.analogInputs = append(result.analogInputs, v)
		}
		for _, v := range o.binaryOutputs {
			result.binaryOutputs = append(result.binaryOutputs, v)
		}
		for _, v := range o.analogOutputs {
			result.analogOutputs = append(result.analogOutputs, v)
		}
	}

	return result
}

// =============================================================================
// CLIENT SIDE
// =============================================================================

type inprocClientChannel struct {
	net      *InprocNetwork
	listener ChannelStateListener

	mu        sync.Mutex
	masters   []*inprocMasterBackend
	lastState ChannelState
}

func (c *inprocClientChannel) AddMaster(id string, soe SOEReceiver, cfg MasterStackConfig) (MasterBackend, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	backend := &inprocMasterBackend{
		channel:   c,
		soe:       soe,
		cfg:       cfg,
		scheduler: scheduler,
	}

	c.mu.Lock()
	c.masters = append(c.masters, backend)
	c.mu.Unlock()

	return backend, nil
}

func (c *inprocClientChannel) Shutdown() error {
	c.mu.Lock()
	masters := c.masters
	c.masters = nil
	c.mu.Unlock()

	for _, m := range masters {
		m.Disable()
		m.scheduler.Shutdown() //nolint:errcheck
	}

	return nil
}

// refreshState recomputes reachability: the channel is OPEN while any of its
// masters can reach an enabled outstation.
func (c *inprocClientChannel) refreshState() {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := ChannelStateClosed
	for _, m := range c.masters {
		if ost := c.net.target(m.cfg.RemoteAddr); ost != nil && ost.enabled.Load() {
			state = ChannelStateOpen
			break
		}
	}

	if state == c.lastState {
		return
	}
	c.lastState = state

	if c.listener != nil {
		c.listener.OnStateChange(state)
	}
}

type inprocMasterBackend struct {
	channel   *inprocClientChannel
	soe       SOEReceiver
	cfg       MasterStackConfig
	scheduler gocron.Scheduler

	enabled atomic.Bool
}

func (m *inprocMasterBackend) Enable() bool {
	if !m.enabled.CompareAndSwap(false, true) {
		return true
	}

	m.scheduler.Start()

	// Startup integrity poll.
	if m.cfg.StartupIntegrityClassMask != 0 {
		go m.scan(m.cfg.StartupIntegrityClassMask | ClassField0)
	}

	m.channel.refreshState()
	return true
}

func (m *inprocMasterBackend) Disable() bool {
	if !m.enabled.CompareAndSwap(true, false) {
		return true
	}

	m.scheduler.StopJobs() //nolint:errcheck
	return true
}

func (m *inprocMasterBackend) AddClassScan(field ClassField, period time.Duration) error {
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(period),
		gocron.NewTask(func() { m.scan(field) }),
	)
	return err
}

// scan polls the linked outstation and delivers the result to the SOE
// receiver, events before statics, grouped by type.
func (m *inprocMasterBackend) scan(field ClassField) {
	if !m.enabled.Load() {
		return
	}

	ost := m.channel.net.target(m.cfg.RemoteAddr)
	if ost == nil || !ost.enabled.Load() {
		m.channel.refreshState()
		return
	}

	result := ost.scan(field)

	var (
		eventBinaryInputs  []IndexedBinary
		eventAnalogInputs  []IndexedAnalog
		eventBinaryOutputs []IndexedBinary
		eventAnalogOutputs []IndexedAnalog
	)

	for _, e := range result.events {
		switch e.kind {
		case soeKindBinaryInput:
			eventBinaryInputs = append(eventBinaryInputs, e.binary)
		case soeKindAnalogInput:
			eventAnalogInputs = append(eventAnalogInputs, e.analog)
		case soeKindBinaryOutputStatus:
			eventBinaryOutputs = append(eventBinaryOutputs, e.binary)
		case soeKindAnalogOutputStatus:
			eventAnalogOutputs = append(eventAnalogOutputs, e.analog)
		}
	}

	if len(eventBinaryInputs) > 0 {
		m.soe.ProcessBinary(eventBinaryInputs)
	}
	if len(eventAnalogInputs) > 0 {
		m.soe.ProcessAnalog(eventAnalogInputs)
	}
	if len(eventBinaryOutputs) > 0 {
		m.soe.ProcessBinaryOutputStatus(eventBinaryOutputs)
	}
	if len(eventAnalogOutputs) > 0 {
		m.soe.ProcessAnalogOutputStatus(eventAnalogOutputs)
	}

	if len(result.binaryInputs) > 0 {
		m.soe.ProcessBinary(result.binaryInputs)
	}
	if len(result.analogInputs) > 0 {
		m.soe.ProcessAnalog(result.analogInputs)
	}
	if len(result.binaryOutputs) > 0 {
		m.soe.ProcessBinaryOutputStatus(result.binaryOutputs)
	}
	if len(result.analogOutputs) > 0 {
		m.soe.ProcessAnalogOutputStatus(result.analogOutputs)
	}
}

func (m *inprocMasterBackend) target() (*inprocOutstation, bool) {
	ost := m.channel.net.target(m.cfg.RemoteAddr)
	if ost == nil || !ost.enabled.Load() || !m.enabled.Load() {
		return nil, false
	}
	return ost, true
}

func (m *inprocMasterBackend) DirectOperateCROB(cmd ControlRelayOutputBlock, index uint16) {
	if ost, ok := m.target(); ok {
		ost.host.OperateCROB(cmd, index, OperateTypeDirectOperate)
	}
}

func (m *inprocMasterBackend) SelectAndOperateCROB(cmd ControlRelayOutputBlock, index uint16) {
	ost, ok := m.target()
	if !ok {
		return
	}

	if ost.host.SelectCROB(cmd, index) != CommandStatusSuccess {
		return
	}

	ost.host.OperateCROB(cmd, index, OperateTypeSelectBeforeOperate)
}

func (m *inprocMasterBackend) DirectOperateAnalog(cmd AnalogOutputFloat32, index uint16) {
	if ost, ok := m.target(); ok {
		ost.host.OperateAnalog(cmd, index, OperateTypeDirectOperate)
	}
}

func (m *inprocMasterBackend) SelectAndOperateAnalog(cmd AnalogOutputFloat32, index uint16) {
	ost, ok := m.target()
	if !ok {
		return
	}

	if ost.host.SelectAnalog(cmd, index) != CommandStatusSuccess {
		return
	}

	ost.host.OperateAnalog(cmd, index, OperateTypeSelectBeforeOperate)
}

func (m *inprocMasterBackend) Restart(typ RestartType) (time.Duration, error) {
	ost, ok := m.target()
	if !ok {
		return 0, fmt.Errorf("outstation at link address %d unreachable", m.cfg.RemoteAddr)
	}

	var secs uint16
	if typ == RestartTypeCold {
		secs = ost.host.ColdRestart()
	} else {
		secs = ost.host.WarmRestart()
	}

	return time.Duration(secs) * time.Second, nil
}
