package s7comm

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

type areaWrite struct {
	kind   string
	area   Area
	db     uint16
	offset uint16
	bit    uint8
	bval   bool
	fval   float64
	wval   uint16
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []areaWrite
}

func (w *fakeWriter) WriteBit(area Area, db uint16, byteOffset uint16, bit uint8, value bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, areaWrite{kind: "bit", area: area, db: db, offset: byteOffset, bit: bit, bval: value})
	return nil
}

func (w *fakeWriter) WriteWord(area Area, db uint16, byteOffset uint16, value uint16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, areaWrite{kind: "word", area: area, db: db, offset: byteOffset, wval: value})
	return nil
}

func (w *fakeWriter) WriteReal(area Area, db uint16, byteOffset uint16, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, areaWrite{kind: "real", area: area, db: db, offset: byteOffset, fval: value})
	return nil
}

func (w *fakeWriter) all() []areaWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]areaWrite(nil), w.writes...)
}

func newTestServer(pusher msgbus.Push) (*Server, *fakeWriter) {
	writer := &fakeWriter{}
	s := NewServer(ServerConfig{ID: "s7-1", ScanInterval: 20 * time.Millisecond}, writer, pusher, NoopLogger())
	return s, writer
}

func statusEnv(sender string, points ...msgbus.Point) (msgbus.Envelope, msgbus.Status) {
	status := msgbus.Status{Measurements: points}
	env, _ := msgbus.NewStatusEnvelope(sender, status)
	return env, status
}

// =============================================================================
// PARSING AND ADDRESSING
// =============================================================================

func TestAreaFromString(t *testing.T) {
	area, err := AreaFromString("DB")
	require.NoError(t, err)
	assert.Equal(t, AreaDB, area)

	area, err = AreaFromString("merker")
	require.NoError(t, err)
	assert.Equal(t, AreaMerker, area)

	_, err = AreaFromString("x")
	assert.Error(t, err)
}

func TestPointAddressing(t *testing.T) {
	p1 := Point{Area: AreaDB, DB: 1, Byte: 4, Bit: 3, Width: 1}
	p2 := Point{Area: AreaDB, DB: 1, Byte: 4, Bit: 4, Width: 1}
	p3 := Point{Area: AreaDB, DB: 2, Byte: 4, Bit: 3, Width: 1}

	assert.Equal(t, "db1", p1.PointBank())
	assert.Equal(t, "db2", p3.PointBank())
	assert.NotEqual(t, p1.PointAddress(), p2.PointAddress())
	assert.Equal(t, p1.PointAddress(), p3.PointAddress()) // different bank, same offset
}

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig("10.0.0.5")

	assert.Equal(t, "10.0.0.5", cfg.Address)
	assert.Equal(t, uint16(0), cfg.Rack)
	assert.Equal(t, uint16(2), cfg.Slot)
	assert.Equal(t, ConnectionTypeBasic, cfg.ConnectionType)
}

// =============================================================================
// STAGING CYCLE
// =============================================================================

func TestServerWritesStagedValues(t *testing.T) {
	s, writer := newTestServer(testutil.NewCapturePusher())

	s.AddPoint(Point{Area: AreaDB, DB: 1, Byte: 0, Bit: 2, Width: 1, Tag: "pump.on"})
	s.AddPoint(Point{Area: AreaDB, DB: 1, Byte: 4, Width: 32, Tag: "flow.rate"})
	s.AddPoint(Point{Area: AreaMerker, Byte: 2, Width: 16, Tag: "counter"})

	s.HandleStatus(statusEnv("sim",
		msgbus.Point{Tag: "pump.on", Value: 1},
		msgbus.Point{Tag: "flow.rate", Value: 3.75},
		msgbus.Point{Tag: "counter", Value: 42},
		msgbus.Point{Tag: "unknown", Value: 9},
	))

	s.scan()

	writes := writer.all()
	require.Len(t, writes, 3)

	byKind := map[string]areaWrite{}
	for _, w := range writes {
		byKind[w.kind] = w
	}

	assert.True(t, byKind["bit"].bval)
	assert.Equal(t, uint8(2), byKind["bit"].bit)
	assert.Equal(t, 3.75, byKind["real"].fval)
	assert.Equal(t, uint16(42), byKind["word"].wval)
}

func TestServerIgnoresOwnStatus(t *testing.T) {
	s, writer := newTestServer(testutil.NewCapturePusher())
	s.AddPoint(Point{Area: AreaDB, DB: 1, Byte: 0, Width: 1, Tag: "t"})

	s.HandleStatus(statusEnv("s7-1", msgbus.Point{Tag: "t", Value: 1}))
	s.scan()

	assert.Empty(t, writer.all())
}

// =============================================================================
// CLIENT WRITES
// =============================================================================

func TestServerWriteBinaryPushesUpdate(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	s, _ := newTestServer(pusher)

	s.AddPoint(Point{Area: AreaOutput, Byte: 1, Bit: 0, Width: 1, Tag: "breaker.cmd", Output: true})

	s.WriteBinary(AreaOutput, 0, 1, 0, true)

	updates := pusher.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "breaker.cmd", updates[0].Updates[0].Tag)
	assert.Equal(t, 1.0, updates[0].Updates[0].Value)

	assert.Equal(t, 1.0, s.metrics.Value("s7_binary_write_count"))
}

func TestServerWriteAnalogPushesUpdate(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	s, _ := newTestServer(pusher)

	s.AddPoint(Point{Area: AreaDB, DB: 3, Byte: 8, Width: 32, Tag: "setpoint", Output: true})

	s.WriteAnalog(AreaDB, 3, 8, 55.5)

	updates := pusher.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "setpoint", updates[0].Updates[0].Tag)
	assert.Equal(t, 55.5, updates[0].Updates[0].Value)
}

func TestServerWriteToInputIsDropped(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	s, _ := newTestServer(pusher)

	s.AddPoint(Point{Area: AreaInput, Byte: 0, Bit: 0, Width: 1, Tag: "read.only"})

	s.WriteBinary(AreaInput, 0, 0, 0, true)
	assert.Empty(t, pusher.Updates())
}

func TestServerResetOutputs(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	s, _ := newTestServer(pusher)

	s.AddPoint(Point{Area: AreaOutput, Byte: 0, Bit: 0, Width: 1, Tag: "out.a", Output: true})
	s.AddPoint(Point{Area: AreaDB, DB: 1, Byte: 0, Width: 32, Tag: "out.b", Output: true})
	s.AddPoint(Point{Area: AreaInput, Byte: 0, Bit: 1, Width: 1, Tag: "in.a"})

	s.ResetOutputs()

	updates := pusher.Updates()
	require.Len(t, updates, 1)
	assert.Len(t, updates[0].Updates, 2)
	for _, p := range updates[0].Updates {
		assert.Equal(t, 0.0, p.Value)
	}
}

func TestServerRunLoop(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	s, writer := newTestServer(pusher)
	s.AddPoint(Point{Area: AreaDB, DB: 1, Byte: 0, Width: 32, Tag: "flow"})

	go s.Run()
	t.Cleanup(s.Stop)

	s.HandleStatus(statusEnv("sim", msgbus.Point{Tag: "flow", Value: 7.5}))

	testutil.WaitFor(t, func() bool { return len(writer.all()) > 0 }, time.Second, "staged value written")
}
