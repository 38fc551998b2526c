package dnp3

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otworks/otsim/testutil"
)

func TestServerRejectsDuplicateLocalAddress(t *testing.T) {
	net := NewInprocNetwork()
	server := NewServer("srv", net.ServerChannel(AcceptModeCloseNew), 1, NoopLogger())

	_, err := server.AddOutstation(OutstationConfig{ID: "a", LocalAddr: 1024}, RestartConfig{}, testutil.NewCapturePusher())
	require.NoError(t, err)

	_, err = server.AddOutstation(OutstationConfig{ID: "b", LocalAddr: 1024}, RestartConfig{}, testutil.NewCapturePusher())
	assert.Error(t, err)
}

func TestServerStartStop(t *testing.T) {
	net := NewInprocNetwork()
	server := NewServer("srv", net.ServerChannel(AcceptModeCloseNew), 1, NoopLogger())

	o, err := server.AddOutstation(OutstationConfig{
		ID: "a", LocalAddr: 1024, ScanInterval: 20 * time.Millisecond,
	}, RestartConfig{Warm: 1}, testutil.NewCapturePusher())
	require.NoError(t, err)

	require.NoError(t, server.Start())
	assert.True(t, net.target(1024).enabled.Load())

	got, ok := server.Outstation(1024)
	require.True(t, ok)
	assert.Same(t, o, got)

	done := make(chan struct{})
	go func() {
		server.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server stop hung")
	}

	assert.Nil(t, net.target(1024), "channel shutdown unbinds the link address")
}

func TestPointClassFromString(t *testing.T) {
	c, err := PointClassFromString("Class2")
	require.NoError(t, err)
	assert.Equal(t, Class2, c)

	_, err = PointClassFromString("Class7")
	assert.Error(t, err)
}

func TestVariationFromString(t *testing.T) {
	v, err := VariationFromString(StaticBinaryInputVariations, "Group1Var2")
	require.NoError(t, err)
	assert.Equal(t, "Group1Var2", v)

	_, err = VariationFromString(StaticBinaryInputVariations, "Group9Var9")
	assert.Error(t, err)
}

func TestServerAcceptModeFromString(t *testing.T) {
	mode, err := ServerAcceptModeFromString("CloseExisting")
	require.NoError(t, err)
	assert.Equal(t, AcceptModeCloseExisting, mode)

	_, err = ServerAcceptModeFromString("Whatever")
	assert.Error(t, err)
}

func TestClassFieldHas(t *testing.T) {
	assert.True(t, AllClasses().Has(Class0))
	assert.True(t, AllClasses().Has(Class3))
	assert.True(t, ClassField1.Has(Class1))
	assert.False(t, ClassField1.Has(Class2))
}
