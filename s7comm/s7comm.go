// Package s7comm provides the S7 adapter: DB/M/I/Q memory-area points bridged
// to message-bus tags. The protocol stack itself is external and consumed
// through the AreaWriter / WriteReceiver capability interfaces; the adapter
// owns the address↔tag mapping, the staging cycle, and the Update flow for
// client writes.
package s7comm

import (
	"fmt"
	"strings"

	"github.com/otworks/otsim/device"
)

// Logger is the interface for structured logging in the s7comm package.
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

// =============================================================================
// MEMORY AREAS
// =============================================================================

// Area is an S7 memory area.
type Area string

const (
	AreaDB     Area = "db" // data blocks
	AreaMerker Area = "m"  // flag memory
	AreaInput  Area = "i"  // process image inputs
	AreaOutput Area = "q"  // process image outputs
)

// AreaFromString parses a memory area name.
func AreaFromString(value string) (Area, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "db":
		return AreaDB, nil
	case "m", "merker":
		return AreaMerker, nil
	case "i", "input":
		return AreaInput, nil
	case "q", "output":
		return AreaOutput, nil
	default:
		return "", fmt.Errorf("invalid S7 area '%s'. Must be one of: db, m, i, q", value)
	}
}

// =============================================================================
// CONNECTION PARAMETERS
// =============================================================================

// ConnectionType selects the S7 connection resource type.
type ConnectionType uint16

const (
	ConnectionTypePG    ConnectionType = 1
	ConnectionTypeOP    ConnectionType = 2
	ConnectionTypeBasic ConnectionType = 3
)

// Client connection defaults: S7 CPUs live at rack 0 slot 2, and basic is
// the usual resource type for non-engineering clients.
const (
	DefaultRack           uint16         = 0
	DefaultSlot           uint16         = 2
	DefaultLocalTSAP      uint16         = 0x1000
	DefaultRemoteTSAP     uint16         = 0x1300
	DefaultConnectionType ConnectionType = ConnectionTypeBasic
)

// ConnectionConfig carries the client-mode connection parameters.
type ConnectionConfig struct {
	Address        string
	Rack           uint16
	Slot           uint16
	LocalTSAP      uint16
	RemoteTSAP     uint16
	ConnectionType ConnectionType
}

// DefaultConnectionConfig returns a config with every default applied.
func DefaultConnectionConfig(address string) ConnectionConfig {
	return ConnectionConfig{
		Address:        address,
		Rack:           DefaultRack,
		Slot:           DefaultSlot,
		LocalTSAP:      DefaultLocalTSAP,
		RemoteTSAP:     DefaultRemoteTSAP,
		ConnectionType: DefaultConnectionType,
	}
}

// =============================================================================
// POINTS
// =============================================================================

// Point binds an S7 address (area, DB number, byte offset, bit offset,
// width) to a tag. Width is in bits: 1 for binary points, 16 or 32 for
// analog points. The SBO flag is carried from configuration for parity with
// the other adapters.
type Point struct {
	Area   Area
	DB     uint16
	Byte   uint16
	Bit    uint8
	Width  uint8
	Tag    string
	Output bool
	SBO    bool
}

// Binary reports whether the point is a single bit.
func (p *Point) Binary() bool { return p.Width <= 1 }

func (p *Point) PointBank() string {
	if p.Area == AreaDB {
		return fmt.Sprintf("db%d", p.DB)
	}
	return string(p.Area)
}

// PointAddress packs the byte and bit offsets so each addressable bit is
// unique within its bank.
func (p *Point) PointAddress() uint16 {
	return p.Byte<<3 | uint16(p.Bit&0x07)
}

func (p *Point) PointTag() string { return p.Tag }

func (p *Point) PointDirection() device.Direction {
	if p.Output {
		return device.DirectionOutput
	}
	return device.DirectionInput
}

// =============================================================================
// STACK CAPABILITIES
// =============================================================================

// AreaWriter is what the adapter needs from an S7 stack to push values into
// PLC memory: a bit write for binary points and word/real writes for analog
// points. Implementations come from the injected stack.
type AreaWriter interface {
	WriteBit(area Area, db uint16, byteOffset uint16, bit uint8, value bool) error
	WriteWord(area Area, db uint16, byteOffset uint16, value uint16) error
	WriteReal(area Area, db uint16, byteOffset uint16, value float64) error
}

// WriteReceiver is what a stack calls when a connected client writes into
// the served memory areas. The Server implements it.
type WriteReceiver interface {
	WriteBinary(area Area, db uint16, byteOffset uint16, bit uint8, value bool)
	WriteAnalog(area Area, db uint16, byteOffset uint16, value float64)
}

// Backend is the lifecycle handle of the injected stack.
type Backend interface {
	Start() error
	Stop() error
}
