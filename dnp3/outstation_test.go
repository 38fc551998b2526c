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

type fakeBackend struct {
	mu       sync.Mutex
	enabled  bool
	batches  []UpdateBatch
	enables  int
	disables int
}

func (b *fakeBackend) Enable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = true
	b.enables++
	return true
}

func (b *fakeBackend) Disable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = false
	b.disables++
	return true
}

func (b *fakeBackend) Apply(batch UpdateBatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, batch)
}

func (b *fakeBackend) batchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}

func (b *fakeBackend) lastBatch() UpdateBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batches[len(b.batches)-1]
}

func (b *fakeBackend) allBatches() []UpdateBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]UpdateBatch(nil), b.batches...)
}

func newTestOutstation(pusher msgbus.Push) (*Outstation, *fakeBackend) {
	o := NewOutstation(
		OutstationConfig{ID: "ost-1", LocalAddr: 1024, RemoteAddr: 1},
		RestartConfig{Warm: 1},
		pusher,
		NoopLogger(),
	)

	backend := &fakeBackend{}
	o.SetBackend(backend)

	return o, backend
}

func stage(o *Outstation, tag string, value float64) {
	o.HandleStatus(msgbus.Envelope{
		Version:  msgbus.Version,
		Kind:     msgbus.KindStatus,
		Metadata: msgbus.Metadata{msgbus.MetadataSender: "sim"},
	}, msgbus.Status{Measurements: []msgbus.Point{{Tag: tag, Value: value}}})
}

// =============================================================================
// DATABASE SHAPE
// =============================================================================

func TestOutstationStackConfig(t *testing.T) {
	o, _ := newTestOutstation(testutil.NewCapturePusher())

	o.AddBinaryInput(BinaryPoint{Address: 0, Tag: "breaker.closed", Class: Class1})
	o.AddAnalogInput(AnalogPoint{Address: 0, Tag: "line.kw", Class: Class2, Deadband: 0.5})
	o.AddBinaryOutput(BinaryPoint{Address: 10, Tag: "breaker.cmd", SBO: true})
	o.AddAnalogOutput(AnalogPoint{Address: 4, Tag: "setpoint"})

	cfg := o.StackConfig()
	assert.Equal(t, uint16(1024), cfg.LocalAddr)
	assert.Equal(t, uint16(1), cfg.RemoteAddr)
	assert.Equal(t, DefaultEventBufferSize, cfg.EventBufferSize)

	require.Len(t, cfg.Database.BinaryInputs, 1)
	require.Len(t, cfg.Database.AnalogInputs, 1)
	require.Len(t, cfg.Database.BinaryOutputs, 1)
	require.Len(t, cfg.Database.AnalogOutputs, 1)
	assert.Equal(t, 0.5, cfg.Database.AnalogInputs[0].Deadband)
}

// =============================================================================
// STAGING AND SCAN
// =============================================================================

func TestOutstationStagesOnlyKnownTags(t *testing.T) {
	o, backend := newTestOutstation(testutil.NewCapturePusher())
	o.AddBinaryInput(BinaryPoint{Address: 3, Tag: "known", Class: Class1})

	stage(o, "known", 1)
	stage(o, "unknown", 1)

	o.scan()

	require.Equal(t, 1, backend.batchCount())
	batch := backend.lastBatch()
	require.Len(t, batch.BinaryInputs, 1)
	assert.Equal(t, uint16(3), batch.BinaryInputs[0].Index)
	assert.True(t, batch.BinaryInputs[0].Value)
}

func TestOutstationIgnoresOwnStatus(t *testing.T) {
	o, backend := newTestOutstation(testutil.NewCapturePusher())
	o.AddBinaryInput(BinaryPoint{Address: 3, Tag: "t", Class: Class1})

	o.HandleStatus(msgbus.Envelope{
		Version:  msgbus.Version,
		Kind:     msgbus.KindStatus,
		Metadata: msgbus.Metadata{msgbus.MetadataSender: "ost-1"},
	}, msgbus.Status{Measurements: []msgbus.Point{{Tag: "t", Value: 1}}})

	o.scan()
	assert.Equal(t, 0, backend.batchCount())
}

func TestOutstationAnalogDeadbandEvents(t *testing.T) {
	o, backend := newTestOutstation(testutil.NewCapturePusher())
	o.AddAnalogInput(AnalogPoint{Address: 0, Tag: "kw", Class: Class1, Deadband: 0.5})

	var events []float64
	var statics []float64

	for _, v := range []float64{10.0, 10.2, 10.6, 10.7, 11.3} {
		stage(o, "kw", v)
		o.scan()

		batch := backend.lastBatch()
		require.Len(t, batch.AnalogInputs, 1)

		update := batch.AnalogInputs[0]
		statics = append(statics, update.Value)
		if update.Event {
			events = append(events, update.Value)
		}
	}

	// The static value updates unconditionally; events honor the deadband.
	assert.Equal(t, []float64{10.0, 10.2, 10.6, 10.7, 11.3}, statics)
	assert.Equal(t, []float64{10.0, 10.6, 11.3}, events)
}

func TestOutstationBinaryEventOnChangeOnly(t *testing.T) {
	o, backend := newTestOutstation(testutil.NewCapturePusher())
	o.AddBinaryInput(BinaryPoint{Address: 1, Tag: "b", Class: Class1})

	var events int
	for _, v := range []float64{1, 1, 0, 0, 1} {
		stage(o, "b", v)
		o.scan()

		if backend.lastBatch().BinaryInputs[0].Event {
			events++
		}
	}

	assert.Equal(t, 3, events)
}

func TestOutstationClass0NeverEvents(t *testing.T) {
	o, backend := newTestOutstation(testutil.NewCapturePusher())
	o.AddAnalogInput(AnalogPoint{Address: 0, Tag: "kw", Class: Class0})

	stage(o, "kw", 10)
	o.scan()
	stage(o, "kw", 20)
	o.scan()

	for _, batch := range backend.allBatches() {
		for _, u := range batch.AnalogInputs {
			assert.False(t, u.Event)
		}
	}
}

// =============================================================================
// COMMAND HANDLING
// =============================================================================

func TestOutstationOperateCROBLatch(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	o, _ := newTestOutstation(pusher)
	o.AddBinaryOutput(BinaryPoint{Address: 10, Tag: "line.closed"})

	status := o.OperateCROB(ControlRelayOutputBlock{OpType: OpLatchOff}, 10, OperateTypeDirectOperate)
	assert.Equal(t, CommandStatusSuccess, status)

	updates := pusher.Updates()
	require.Len(t, updates, 1)
	require.Len(t, updates[0].Updates, 1)
	assert.Equal(t, "line.closed", updates[0].Updates[0].Tag)
	assert.Equal(t, 0.0, updates[0].Updates[0].Value)

	status = o.OperateCROB(ControlRelayOutputBlock{OpType: OpLatchOn}, 10, OperateTypeDirectOperate)
	assert.Equal(t, CommandStatusSuccess, status)

	updates = pusher.Updates()
	require.Len(t, updates, 2)
	assert.Equal(t, 1.0, updates[1].Updates[0].Value)
}

func TestOutstationOperateCROBPulse(t *testing.T) {
	tests := []struct {
		name   string
		cmd    ControlRelayOutputBlock
		status CommandStatus
		value  float64
	}{
		{"pulse trip", ControlRelayOutputBlock{OpType: OpPulseOn, TCC: TccTrip}, CommandStatusSuccess, 0.0},
		{"pulse close", ControlRelayOutputBlock{OpType: OpPulseOn, TCC: TccClose}, CommandStatusSuccess, 1.0},
		{"pulse nul", ControlRelayOutputBlock{OpType: OpPulseOn, TCC: TccNul}, CommandStatusNotSupported, 0},
		{"pulse off", ControlRelayOutputBlock{OpType: OpPulseOff}, CommandStatusNotSupported, 0},
		{"nul", ControlRelayOutputBlock{OpType: OpNul}, CommandStatusNotSupported, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pusher := testutil.NewCapturePusher()
			o, _ := newTestOutstation(pusher)
			o.AddBinaryOutput(BinaryPoint{Address: 10, Tag: "line.closed"})

			status := o.OperateCROB(tt.cmd, 10, OperateTypeDirectOperate)
			assert.Equal(t, tt.status, status)

			if tt.status == CommandStatusSuccess {
				updates := pusher.Updates()
				require.Len(t, updates, 1)
				assert.Equal(t, tt.value, updates[0].Updates[0].Value)
			} else {
				assert.Empty(t, pusher.Updates())
			}
		})
	}
}

func TestOutstationSBORequiresSelect(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	o, _ := newTestOutstation(pusher)
	o.AddBinaryOutput(BinaryPoint{Address: 10, Tag: "line.closed", SBO: true})

	status := o.OperateCROB(ControlRelayOutputBlock{OpType: OpLatchOn}, 10, OperateTypeDirectOperate)
	assert.Equal(t, CommandStatusNoSelect, status)
	assert.Empty(t, pusher.Updates())

	status = o.OperateCROB(ControlRelayOutputBlock{OpType: OpLatchOn}, 10, OperateTypeSelectBeforeOperate)
	assert.Equal(t, CommandStatusSuccess, status)
	assert.Len(t, pusher.Updates(), 1)
}

func TestOutstationCommandsOutOfRange(t *testing.T) {
	o, _ := newTestOutstation(testutil.NewCapturePusher())

	assert.Equal(t, CommandStatusOutOfRange, o.SelectCROB(ControlRelayOutputBlock{}, 99))
	assert.Equal(t, CommandStatusOutOfRange, o.OperateCROB(ControlRelayOutputBlock{OpType: OpLatchOn}, 99, OperateTypeDirectOperate))
	assert.Equal(t, CommandStatusOutOfRange, o.SelectAnalog(AnalogOutputFloat32{}, 99))
	assert.Equal(t, CommandStatusOutOfRange, o.OperateAnalog(AnalogOutputFloat32{Value: 1}, 99, OperateTypeDirectOperate))
}

func TestOutstationOperateAnalog(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	o, _ := newTestOutstation(pusher)
	o.AddAnalogOutput(AnalogPoint{Address: 4, Tag: "setpoint"})

	status := o.OperateAnalog(AnalogOutputFloat32{Value: 42.5}, 4, OperateTypeDirectOperate)
	assert.Equal(t, CommandStatusSuccess, status)

	updates := pusher.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "setpoint", updates[0].Updates[0].Tag)
	assert.Equal(t, 42.5, updates[0].Updates[0].Value)
}

// =============================================================================
// RESTARTS AND RESETS
// =============================================================================

func TestOutstationResetOutputs(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	o, _ := newTestOutstation(pusher)

	o.AddBinaryInput(BinaryPoint{Address: 0, Tag: "input"})
	o.AddBinaryOutput(BinaryPoint{Address: 10, Tag: "out.binary"})
	o.AddAnalogOutput(AnalogPoint{Address: 4, Tag: "out.analog"})

	o.ResetOutputs()

	updates := pusher.Updates()
	require.Len(t, updates, 1)
	require.Len(t, updates[0].Updates, 2)

	tags := map[string]float64{}
	for _, p := range updates[0].Updates {
		tags[p.Tag] = p.Value
	}
	assert.Equal(t, map[string]float64{"out.binary": 0, "out.analog": 0}, tags)
}

func TestOutstationRestartCallbacks(t *testing.T) {
	var initiator uint16
	restarted := make(chan struct{}, 1)

	o := NewOutstation(
		OutstationConfig{ID: "ost-1", LocalAddr: 1024},
		RestartConfig{Warm: 7, Cold: 3, ColdRestarter: func(addr uint16) {
			initiator = addr
			restarted <- struct{}{}
		}},
		testutil.NewCapturePusher(),
		NoopLogger(),
	)
	o.SetBackend(&fakeBackend{})

	assert.Equal(t, uint16(3), o.ColdRestart())

	go o.Run()
	t.Cleanup(o.Stop)

	// The restart kick wakes the loop well before the next 1 s tick.
	select {
	case <-restarted:
		assert.Equal(t, uint16(1024), initiator)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("cold restarter not invoked promptly")
	}
}

func TestOutstationWarmRestartDisablesAndReenables(t *testing.T) {
	o := NewOutstation(
		OutstationConfig{ID: "ost-1", LocalAddr: 1024},
		RestartConfig{Warm: 1},
		testutil.NewCapturePusher(),
		NoopLogger(),
	)

	backend := &fakeBackend{}
	o.SetBackend(backend)

	assert.Equal(t, uint16(1), o.WarmRestart())

	go o.Run()
	t.Cleanup(o.Stop)

	testutil.WaitFor(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.disables == 1
	}, time.Second, "outstation disabled")

	testutil.WaitFor(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.enables == 1
	}, 2*time.Second, "outstation re-enabled after warm delay")
}
