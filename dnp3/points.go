// Package dnp3 provides the DNP3 outstation and master engines, the
// server/client channel coordinators, and the capability interfaces a DNP3
// stack driver implements. Engines bridge DNP3 point indices to message-bus
// tags: class-scanned measurements flow out as Status envelopes, bus Updates
// flow back in as Select-Before-Operate / DirectOperate commands.
package dnp3

import (
	"fmt"
	"strings"

	"github.com/otworks/otsim/device"
)

// =============================================================================
// POINT CLASS
// =============================================================================

// PointClass is the DNP3 event reporting class of a point. Class 0 is static
// data only; classes 1-3 generate events.
type PointClass uint8

const (
	Class0 PointClass = iota
	Class1
	Class2
	Class3
)

// PointClassFromString parses a class string of the form "Class1".
func PointClassFromString(value string) (PointClass, error) {
	switch strings.TrimSpace(value) {
	case "Class0":
		return Class0, nil
	case "Class1":
		return Class1, nil
	case "Class2":
		return Class2, nil
	case "Class3":
		return Class3, nil
	default:
		return 0, fmt.Errorf("'%s' is an invalid DNP3 class", value)
	}
}

func (c PointClass) String() string {
	return fmt.Sprintf("Class%d", uint8(c))
}

// =============================================================================
// VARIATIONS
// =============================================================================

// Group/variation sets accepted per point kind. These mirror the variations
// the wire stacks commonly implement; configuration picks one, with the
// defaults below applied when a point omits them.
var (
	StaticBinaryInputVariations  = []string{"Group1Var1", "Group1Var2"}
	EventBinaryInputVariations   = []string{"Group2Var1", "Group2Var2", "Group2Var3"}
	StaticAnalogInputVariations  = []string{"Group30Var1", "Group30Var2", "Group30Var3", "Group30Var4", "Group30Var5", "Group30Var6"}
	EventAnalogInputVariations   = []string{"Group32Var1", "Group32Var2", "Group32Var3", "Group32Var4", "Group32Var5", "Group32Var6", "Group32Var7", "Group32Var8"}
	StaticBinaryOutputVariations = []string{"Group10Var1", "Group10Var2"}
	EventBinaryOutputVariations  = []string{"Group11Var1", "Group11Var2"}
	StaticAnalogOutputVariations = []string{"Group40Var1", "Group40Var2", "Group40Var3", "Group40Var4"}
	EventAnalogOutputVariations  = []string{"Group42Var1", "Group42Var2", "Group42Var3", "Group42Var4", "Group42Var5", "Group42Var6", "Group42Var7", "Group42Var8"}
)

// Defaults applied when configuration omits a variation or class.
const (
	DefaultBinaryInputSVariation  = "Group1Var2"
	DefaultBinaryInputEVariation  = "Group2Var2"
	DefaultAnalogInputSVariation  = "Group30Var6"
	DefaultAnalogInputEVariation  = "Group32Var6"
	DefaultBinaryOutputSVariation = "Group10Var2"
	DefaultBinaryOutputEVariation = "Group11Var2"
	DefaultAnalogOutputSVariation = "Group40Var4"
	DefaultAnalogOutputEVariation = "Group42Var6"
)

// DefaultPointClass is the reporting class applied when configuration omits
// one.
const DefaultPointClass = Class1

// VariationFromString validates value against the given set.
func VariationFromString(set []string, value string) (string, error) {
	v := strings.TrimSpace(value)
	for _, known := range set {
		if known == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("group variation %s is invalid", value)
}

// =============================================================================
// REGISTRY BANKS
// =============================================================================

// Bank names used with the device registry. Inputs and outputs live in
// separate banks so an input and an output may legally share an index.
const (
	BankBinaryInput  = "binary-input"
	BankBinaryOutput = "binary-output"
	BankAnalogInput  = "analog-input"
	BankAnalogOutput = "analog-output"
)

// =============================================================================
// POINT DEFINITIONS
// =============================================================================

// BinaryPoint binds a DNP3 binary index to a tag.
type BinaryPoint struct {
	Address    uint16
	Tag        string
	SVariation string
	EVariation string
	Class      PointClass
	Output     bool
	SBO        bool
}

func (p *BinaryPoint) PointBank() string {
	if p.Output {
		return BankBinaryOutput
	}
	return BankBinaryInput
}

func (p *BinaryPoint) PointAddress() uint16 { return p.Address }
func (p *BinaryPoint) PointTag() string     { return p.Tag }

func (p *BinaryPoint) PointDirection() device.Direction {
	if p.Output {
		return device.DirectionOutput
	}
	return device.DirectionInput
}

// AnalogPoint binds a DNP3 analog index to a tag. Deadband is the minimum
// change required for an event report; the static value updates regardless.
type AnalogPoint struct {
	Address    uint16
	Tag        string
	SVariation string
	EVariation string
	Class      PointClass
	Deadband   float64
	Output     bool
	SBO        bool
}

func (p *AnalogPoint) PointBank() string {
	if p.Output {
		return BankAnalogOutput
	}
	return BankAnalogInput
}

func (p *AnalogPoint) PointAddress() uint16 { return p.Address }
func (p *AnalogPoint) PointTag() string     { return p.Tag }

func (p *AnalogPoint) PointDirection() device.Direction {
	if p.Output {
		return device.DirectionOutput
	}
	return device.DirectionInput
}
