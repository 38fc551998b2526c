package modbus

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otworks/otsim/msgbus"
	"github.com/otworks/otsim/testutil"
)

// =============================================================================
// REGISTER BANK
// =============================================================================

func TestRegisterBankResolve(t *testing.T) {
	bank := NewRegisterBank(10, 10, 10, 10)

	tests := []struct {
		addr uint16
		bank string
		ok   bool
	}{
		{0, BankCoil, true},
		{9, BankCoil, true},
		{10, "", false},
		{10000, BankDiscrete, true},
		{30005, BankInput, true},
		{40009, BankHolding, true},
		{40010, "", false},
		{20000, "", false},
	}

	for _, tt := range tests {
		gotBank, _, ok := bank.resolve(tt.addr)
		assert.Equal(t, tt.ok, ok, "address %d", tt.addr)
		if tt.ok {
			assert.Equal(t, tt.bank, gotBank, "address %d", tt.addr)
		}
	}
}

func TestRegisterBankUpdateValue(t *testing.T) {
	bank := NewRegisterBank(10, 10, 10, 10)

	require.NoError(t, bank.Update(5, 1))
	require.NoError(t, bank.Update(40002, 1234))

	v, ok := bank.Value(5)
	require.True(t, ok)
	assert.Equal(t, uint16(1), v)

	v, ok = bank.Value(40002)
	require.True(t, ok)
	assert.Equal(t, uint16(1234), v)

	assert.Error(t, bank.Update(50000, 1))
}

func TestRegisterBankDirtyTracking(t *testing.T) {
	bank := NewRegisterBank(10, 10, 10, 10)

	assert.False(t, bank.IsUpdated(5))
	bank.markUpdated(5)
	bank.markUpdated(5)
	bank.markUpdated(40001)
	assert.True(t, bank.IsUpdated(5))

	addrs := bank.DrainUpdated()
	assert.ElementsMatch(t, []uint16{5, 40001}, addrs)

	assert.False(t, bank.IsUpdated(5))
	assert.Nil(t, bank.DrainUpdated())
}

func TestBankFromString(t *testing.T) {
	for input, want := range map[string]string{
		"Coils":             BankCoil,
		"discrete-inputs":   BankDiscrete,
		"holding-registers": BankHolding,
		"input":             BankInput,
	} {
		got, err := BankFromString(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := BankFromString("files")
	assert.Error(t, err)
}

// =============================================================================
// TCP CLIENT HELPERS
// =============================================================================

type testClient struct {
	conn net.Conn
	txn  uint16
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testClient{conn: conn}
}

// request sends one PDU and returns the response PDU.
func (c *testClient) request(t *testing.T, pdu []byte) []byte {
	t.Helper()

	c.txn++

	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], c.txn)
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = 1
	copy(frame[mbapHeaderLen:], pdu)

	_, err := c.conn.Write(frame)
	require.NoError(t, err)

	header := make([]byte, mbapHeaderLen)
	_, err = io.ReadFull(c.conn, header)
	require.NoError(t, err)
	require.Equal(t, c.txn, binary.BigEndian.Uint16(header[0:2]))

	length := binary.BigEndian.Uint16(header[4:6])
	response := make([]byte, length-1)
	_, err = io.ReadFull(c.conn, response)
	require.NoError(t, err)

	return response
}

func (c *testClient) writeCoil(t *testing.T, addr uint16, on bool) []byte {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}

	pdu := make([]byte, 5)
	pdu[0] = fcWriteSingleCoil
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return c.request(t, pdu)
}

func (c *testClient) writeRegister(t *testing.T, addr, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = fcWriteSingleRegister
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return c.request(t, pdu)
}

func (c *testClient) readCoils(t *testing.T, addr, count uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = fcReadCoils
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], count)
	return c.request(t, pdu)
}

func (c *testClient) readHoldings(t *testing.T, addr, count uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = fcReadHoldings
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], count)
	return c.request(t, pdu)
}

func startTestServer(t *testing.T, bank *RegisterBank) *Server {
	t.Helper()

	server := NewServer("mb-1", "127.0.0.1:0", bank, NoopLogger())
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	return server
}

// =============================================================================
// TCP SERVER
// =============================================================================

func TestServerReadWriteRoundTrip(t *testing.T) {
	bank := NewRegisterBank(16, 16, 16, 16)
	server := startTestServer(t, bank)
	client := dialTestClient(t, server.Addr())

	response := client.writeCoil(t, 5, true)
	assert.Equal(t, byte(fcWriteSingleCoil), response[0])

	response = client.readCoils(t, 5, 1)
	require.Equal(t, byte(fcReadCoils), response[0])
	assert.Equal(t, byte(1), response[2]&0x01)

	response = client.writeRegister(t, 2, 9876)
	assert.Equal(t, byte(fcWriteSingleRegister), response[0])

	response = client.readHoldings(t, 2, 1)
	require.Equal(t, byte(fcReadHoldings), response[0])
	assert.Equal(t, uint16(9876), binary.BigEndian.Uint16(response[2:4]))
}

func TestServerExceptions(t *testing.T) {
	bank := NewRegisterBank(8, 8, 8, 8)
	server := startTestServer(t, bank)
	client := dialTestClient(t, server.Addr())

	// Illegal address.
	response := client.readCoils(t, 100, 4)
	assert.Equal(t, byte(fcReadCoils|0x80), response[0])
	assert.Equal(t, byte(exIllegalAddress), response[1])

	// Illegal function.
	response = client.request(t, []byte{0x2B, 0x00})
	assert.Equal(t, byte(0x2B|0x80), response[0])
	assert.Equal(t, byte(exIllegalFunction), response[1])
}

func TestServerWriteMarksDirty(t *testing.T) {
	bank := NewRegisterBank(16, 16, 16, 16)
	server := startTestServer(t, bank)
	client := dialTestClient(t, server.Addr())

	client.writeCoil(t, 5, true)
	client.writeRegister(t, 3, 42)

	assert.True(t, bank.IsUpdated(FlatAddress(BankCoil, 5)))
	assert.True(t, bank.IsUpdated(FlatAddress(BankHolding, 3)))
}

// =============================================================================
// ADAPTER
// =============================================================================

func newTestAdapter(pusher msgbus.Push) (*Adapter, *RegisterBank) {
	bank := NewRegisterBank(16, 16, 16, 16)
	a := NewAdapter("mb-1", bank, pusher, NoopLogger())
	a.SetPublishInterval(20 * time.Millisecond)
	return a, bank
}

func TestAdapterPublishesDirtyOnce(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	a, bank := newTestAdapter(pusher)

	require.NoError(t, a.AddPoint(Point{Bank: BankCoil, Address: 5, Tag: "t5"}))

	bank.Update(5, 1) //nolint:errcheck
	bank.markUpdated(5)

	a.publish()

	statuses := pusher.Statuses()
	require.Len(t, statuses, 1)
	require.Len(t, statuses[0].Measurements, 1)
	assert.Equal(t, "t5", statuses[0].Measurements[0].Tag)
	assert.Equal(t, 1.0, statuses[0].Measurements[0].Value)

	// Drained; the next cycle publishes nothing.
	a.publish()
	assert.Len(t, pusher.Statuses(), 1)
}

func TestAdapterScaleOnPublishAndWrite(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	a, bank := newTestAdapter(pusher)

	require.NoError(t, a.AddPoint(Point{Bank: BankHolding, Address: 40001, Tag: "kw", Scale: 10, Output: true}))

	// Bus write multiplies by scale.
	a.HandleUpdate(mkUpdate("ctrl", msgbus.Point{Tag: "kw", Value: 12.3}))

	v, ok := bank.Value(40001)
	require.True(t, ok)
	assert.Equal(t, uint16(123), v)

	// Protocol publish divides by scale.
	bank.markUpdated(40001)
	a.publish()

	statuses := pusher.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, 12.3, statuses[0].Measurements[0].Value)
}

func mkUpdate(sender string, points ...msgbus.Point) (msgbus.Envelope, msgbus.Update) {
	update := msgbus.Update{Updates: points}
	env, _ := msgbus.NewUpdateEnvelope(sender, update)
	return env, update
}

func TestAdapterWriteSuppression(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	a, bank := newTestAdapter(pusher)

	require.NoError(t, a.AddPoint(Point{Bank: BankCoil, Address: 5, Tag: "t5", Output: true}))

	// Protocol writes coil 5 → 1 this cycle.
	bank.Update(5, 1) //nolint:errcheck
	bank.markUpdated(5)

	// A simultaneous bus update for the same address is a no-op.
	errs := a.HandleUpdate(mkUpdate("ctrl", msgbus.Point{Tag: "t5", Value: 0}))
	assert.Empty(t, errs)

	v, _ := bank.Value(5)
	assert.Equal(t, uint16(1), v, "protocol write wins inside the cycle")

	// The publish cycle reflects the protocol write exactly once.
	a.publish()
	statuses := pusher.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, 1.0, statuses[0].Measurements[0].Value)

	// After the cycle, bus updates flow again.
	errs = a.HandleUpdate(mkUpdate("ctrl", msgbus.Point{Tag: "t5", Value: 0}))
	assert.Empty(t, errs)

	v, _ = bank.Value(5)
	assert.Equal(t, uint16(0), v)
}

func TestAdapterHandleUpdateErrors(t *testing.T) {
	a, _ := newTestAdapter(testutil.NewCapturePusher())

	require.NoError(t, a.AddPoint(Point{Bank: BankInput, Address: 30001, Tag: "read.only"}))

	// Unknown tags are another module's concern, not an error here.
	errs := a.HandleUpdate(mkUpdate("ctrl", msgbus.Point{Tag: "foreign"}))
	assert.Empty(t, errs)

	// A known tag with no writable register is.
	errs = a.HandleUpdate(mkUpdate("ctrl", msgbus.Point{Tag: "read.only", Value: 1}))
	require.Len(t, errs, 1)
	assert.Equal(t, "read.only", errs[0].Tag)
}

func TestAdapterIgnoresSelf(t *testing.T) {
	a, bank := newTestAdapter(testutil.NewCapturePusher())
	require.NoError(t, a.AddPoint(Point{Bank: BankCoil, Address: 5, Tag: "t5", Output: true}))

	a.HandleUpdate(mkUpdate("mb-1", msgbus.Point{Tag: "t5", Value: 1}))

	v, _ := bank.Value(5)
	assert.Equal(t, uint16(0), v)
}

// =============================================================================
// END TO END: WRITE REFLECTION
// =============================================================================

// A Modbus client writing coil 5 surfaces as exactly one Status for the
// bound tag on the next cycle, and a simultaneous bus Update for that tag is
// suppressed for the cycle.
func TestE2EWriteReflection(t *testing.T) {
	pusher := testutil.NewCapturePusher()
	bank := NewRegisterBank(16, 16, 16, 16)

	adapter := NewAdapter("mb-1", bank, pusher, NoopLogger())
	adapter.SetPublishInterval(50 * time.Millisecond)
	require.NoError(t, adapter.AddPoint(Point{Bank: BankCoil, Address: 5, Tag: "t5", Output: true}))

	server := NewServer("mb-1", "127.0.0.1:0", bank, NoopLogger())
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	go adapter.Run()
	t.Cleanup(adapter.Stop)

	client := dialTestClient(t, server.Addr())
	client.writeCoil(t, 5, true)

	// Simultaneous bus update loses to the protocol write.
	adapter.HandleUpdate(mkUpdate("ctrl", msgbus.Point{Tag: "t5", Value: 0}))

	testutil.WaitFor(t, func() bool { return len(pusher.Statuses()) == 1 }, time.Second, "status published")

	statuses := pusher.Statuses()
	assert.Equal(t, "t5", statuses[0].Measurements[0].Tag)
	assert.Equal(t, 1.0, statuses[0].Measurements[0].Value)

	v, _ := bank.Value(5)
	assert.Equal(t, uint16(1), v)

	// No duplicate publication afterwards.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, pusher.Statuses(), 1)
}

func TestServerConnectionLimit(t *testing.T) {
	bank := NewRegisterBank(8, 8, 8, 8)
	server := startTestServer(t, bank)

	conns := make([]net.Conn, 0, maxConnections)
	t.Cleanup(func() {
		for _, c := range conns {
			c.Close()
		}
	})

	for i := 0; i < maxConnections; i++ {
		conn, err := net.DialTimeout("tcp", server.Addr(), time.Second)
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	// Give the accept loop time to claim every slot.
	time.Sleep(100 * time.Millisecond)

	extra, err := net.DialTimeout("tcp", server.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { extra.Close() })

	// The over-limit connection is closed by the server: the next read
	// reports EOF promptly.
	extra.SetReadDeadline(time.Now().Add(time.Second)) //nolint:errcheck
	_, err = extra.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
