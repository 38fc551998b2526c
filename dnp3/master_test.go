package dnp3

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otworks/otsim/msgbus"
	"github.com/otworks/otsim/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type commandRecord struct {
	op    string
	index uint16
	crob  ControlRelayOutputBlock
	value float64
}

type fakeMasterBackend struct {
	mu       sync.Mutex
	commands []commandRecord
	scans    []ClassField
	enabled  bool
}

func (b *fakeMasterBackend) Enable() bool  { b.enabled = true; return true }
func (b *fakeMasterBackend) Disable() bool { b.enabled = false; return true }

func (b *fakeMasterBackend) AddClassScan(field ClassField, period time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scans = append(b.scans, field)
	return nil
}

func (b *fakeMasterBackend) record(rec commandRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, rec)
}

func (b *fakeMasterBackend) DirectOperateCROB(cmd ControlRelayOutputBlock, index uint16) {
	b.record(commandRecord{op: "do-crob", index: index, crob: cmd})
}

func (b *fakeMasterBackend) SelectAndOperateCROB(cmd ControlRelayOutputBlock, index uint16) {
	b.record(commandRecord{op: "sbo-crob", index: index, crob: cmd})
}

func (b *fakeMasterBackend) DirectOperateAnalog(cmd AnalogOutputFloat32, index uint16) {
	b.record(commandRecord{op: "do-analog", index: index, value: cmd.Value})
}

func (b *fakeMasterBackend) SelectAndOperateAnalog(cmd AnalogOutputFloat32, index uint16) {
	b.record(commandRecord{op: "sbo-analog", index: index, value: cmd.Value})
}

func (b *fakeMasterBackend) Restart(typ RestartType) (time.Duration, error) {
	return 3 * time.Second, nil
}

func (b *fakeMasterBackend) all() []commandRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]commandRecord(nil), b.commands...)
}

func newTestMaster(pusher msgbus.Push) (*Master, *fakeMasterBackend) {
	m := NewMaster("master-1", pusher, NoopLogger())
	backend := &fakeMasterBackend{}
	m.SetBackend(backend)
	return m, backend
}

func updateEnvelope(sender string, points ...msgbus.Point) (msgbus.Envelope, msgbus.Update) {
	update := msgbus.Update{Updates: points}
	env, _ := msgbus.NewUpdateEnvelope(sender, update)
	return env, update
}

// =============================================================================
// CONFIG
// =============================================================================

func TestMasterBuildConfig(t *testing.T) {
	m, _ := newTestMaster(testutil.NewCapturePusher())

	cfg := m.BuildConfig(1, 1024, 0)

	assert.Equal(t, uint16(1), cfg.LocalAddr)
	assert.Equal(t, uint16(1024), cfg.RemoteAddr)
	assert.Equal(t, DefaultResponseTimeout, cfg.ResponseTimeout)
	assert.False(t, cfg.DisableUnsolOnStartup)
	assert.Equal(t, ClassField0, cfg.StartupIntegrityClassMask)
	assert.Equal(t, ClassField0, cfg.UnsolClassMask)
	assert.False(t, cfg.IntegrityOnEventOverflowIIN)
	assert.Equal(t, uint16(1), m.Address())
}

func TestMasterAddClassScans(t *testing.T) {
	m, backend := newTestMaster(testutil.NewCapturePusher())

	err := m.AddClassScans(ClassScanRates{
		All:    30 * time.Second,
		Class1: 5 * time.Second,
	})
	require.NoError(t, err)

	require.Len(t, backend.scans, 2)
	assert.Equal(t, AllClasses(), backend.scans[0])
	assert.Equal(t, ClassField1, backend.scans[1])
}

// =============================================================================
// SOE SIDE
// =============================================================================

func TestMasterProcessBinaryPushesStatus(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	m, _ := newTestMaster(pusher)
	m.AddBinaryInput(3, "breaker.closed")

	m.ProcessBinary([]IndexedBinary{{Index: 3, Value: true, Time: 777}})

	statuses := pusher.Statuses()
	require.Len(t, statuses, 1)
	require.Len(t, statuses[0].Measurements, 1)

	p := statuses[0].Measurements[0]
	assert.Equal(t, "breaker.closed", p.Tag)
	assert.Equal(t, 1.0, p.Value)
	assert.Equal(t, uint64(777), p.Ts)
}

func TestMasterProcessDropsUnknownIndex(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	m, _ := newTestMaster(pusher)

	m.ProcessBinary([]IndexedBinary{{Index: 9, Value: true}})
	m.ProcessAnalog([]IndexedAnalog{{Index: 9, Value: 1.5}})

	assert.Empty(t, pusher.Statuses())
}

func TestMasterOutputStatusUsesOutputTags(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	m, _ := newTestMaster(pusher)

	// Same index, separate input and output tag tables.
	m.AddBinaryInput(3, "input.tag")
	m.AddBinaryOutput(3, "output.tag", false)

	m.ProcessBinaryOutputStatus([]IndexedBinary{{Index: 3, Value: true}})

	statuses := pusher.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "output.tag", statuses[0].Measurements[0].Tag)
}

// =============================================================================
// COMMAND SIDE
// =============================================================================

func TestMasterHandleUpdateDirectOperate(t *testing.T) {
	m, backend := newTestMaster(testutil.NewCapturePusher())
	m.AddBinaryOutput(10, "line.closed", false)

	errs := m.HandleUpdate(updateEnvelope("io-sim", msgbus.Point{Tag: "line.closed", Value: 0}))
	assert.Empty(t, errs)

	commands := backend.all()
	require.Len(t, commands, 1)
	assert.Equal(t, "do-crob", commands[0].op)
	assert.Equal(t, uint16(10), commands[0].index)
	assert.Equal(t, OpLatchOff, commands[0].crob.OpType)
}

func TestMasterHandleUpdateSelectAndOperate(t *testing.T) {
	m, backend := newTestMaster(testutil.NewCapturePusher())
	m.AddBinaryOutput(10, "line.closed", true)
	m.AddAnalogOutput(4, "setpoint", true)

	m.HandleUpdate(updateEnvelope("io-sim",
		msgbus.Point{Tag: "line.closed", Value: 1},
		msgbus.Point{Tag: "setpoint", Value: 66.6},
	))

	commands := backend.all()
	require.Len(t, commands, 2)
	assert.Equal(t, "sbo-crob", commands[0].op)
	assert.Equal(t, OpLatchOn, commands[0].crob.OpType)
	assert.Equal(t, "sbo-analog", commands[1].op)
	assert.Equal(t, 66.6, commands[1].value)
}

func TestMasterHandleUpdateUnknownTag(t *testing.T) {
	m, backend := newTestMaster(testutil.NewCapturePusher())

	errs := m.HandleUpdate(updateEnvelope("io-sim", msgbus.Point{Tag: "nope", Value: 1}))

	require.Len(t, errs, 1)
	assert.Equal(t, "nope", errs[0].Tag)
	assert.Empty(t, backend.all())
}

func TestMasterHandleUpdateIgnoresSelf(t *testing.T) {
	m, backend := newTestMaster(testutil.NewCapturePusher())
	m.AddBinaryOutput(10, "line.closed", false)

	errs := m.HandleUpdate(updateEnvelope("master-1", msgbus.Point{Tag: "line.closed", Value: 1}))

	assert.Empty(t, errs)
	assert.Empty(t, backend.all())
}

func TestMasterInputTagsAreNotWritable(t *testing.T) {
	m, backend := newTestMaster(testutil.NewCapturePusher())
	m.AddBinaryInput(3, "read.only")

	errs := m.HandleUpdate(updateEnvelope("io-sim", msgbus.Point{Tag: "read.only", Value: 1}))

	require.Len(t, errs, 1)
	assert.Empty(t, backend.all())
}

// =============================================================================
// WRITE-SUPPRESSION
// =============================================================================

func TestMasterSuppressesEchoedStatusOnce(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	m, _ := newTestMaster(pusher)
	m.AddBinaryOutput(10, "line.closed", false)

	m.HandleUpdate(updateEnvelope("io-sim", msgbus.Point{Tag: "line.closed", Value: 1}))

	// First echoed report is swallowed; the next one flows.
	m.ProcessBinaryOutputStatus([]IndexedBinary{{Index: 10, Value: true}})
	assert.Empty(t, pusher.Statuses())

	m.ProcessBinaryOutputStatus([]IndexedBinary{{Index: 10, Value: true}})
	assert.Len(t, pusher.Statuses(), 1)
}

func TestMasterSuppressionExpires(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	m, _ := newTestMaster(pusher)
	m.AddBinaryOutput(10, "line.closed", false)

	m.HandleUpdate(updateEnvelope("io-sim", msgbus.Point{Tag: "line.closed", Value: 1}))

	// Force the mark to lapse, as if the echo arrived a cycle late.
	m.suppressMu.Lock()
	m.suppress["line.closed"] = time.Now().Add(-time.Millisecond)
	m.suppressMu.Unlock()

	m.ProcessBinaryOutputStatus([]IndexedBinary{{Index: 10, Value: true}})
	assert.Len(t, pusher.Statuses(), 1)
}
