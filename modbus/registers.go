// Package modbus provides the Modbus/TCP adapter: four register banks owned
// by the adapter, a TCP server that detects writes in protocol replies, and
// the bus-side bridge with per-address write-suppression.
package modbus

import (
	"fmt"
	"strings"
	"sync"
)

// Bank names.
const (
	BankCoil     = "coil"
	BankDiscrete = "discrete"
	BankInput    = "input"
	BankHolding  = "holding"
)

// BankFromString parses a bank name.
func BankFromString(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "coil", "coils":
		return BankCoil, nil
	case "discrete", "discretes", "discrete-input", "discrete-inputs":
		return BankDiscrete, nil
	case "input", "inputs", "input-register", "input-registers":
		return BankInput, nil
	case "holding", "holdings", "holding-register", "holding-registers":
		return BankHolding, nil
	default:
		return "", fmt.Errorf("invalid register bank '%s'. Must be one of: coil, discrete, input, holding", value)
	}
}

// Flat start addresses per bank, the conventional data-model numbering.
const (
	CoilsStart     uint16 = 0
	DiscretesStart uint16 = 10000
	InputsStart    uint16 = 30000
	HoldingsStart  uint16 = 40000
)

// bankStart returns the flat start address of a bank.
func bankStart(bank string) uint16 {
	switch bank {
	case BankDiscrete:
		return DiscretesStart
	case BankInput:
		return InputsStart
	case BankHolding:
		return HoldingsStart
	default:
		return CoilsStart
	}
}

// FlatAddress converts a bank-relative address to the flat space.
func FlatAddress(bank string, offset uint16) uint16 {
	return bankStart(bank) + offset
}

// RegisterBank owns the four Modbus register tables of one adapter plus the
// set of flat addresses the protocol has written since the last publish
// cycle. All cross-thread access goes through the owner's mutex; there is no
// shared global state.
type RegisterBank struct {
	mu sync.Mutex

	coils     []bool
	discretes []bool
	inputs    []uint16
	holdings  []uint16

	dirty map[uint16]struct{}
}

// NewRegisterBank sizes the four tables.
func NewRegisterBank(coils, discretes, holdings, inputs int) *RegisterBank {
	return &RegisterBank{
		coils:     make([]bool, coils),
		discretes: make([]bool, discretes),
		inputs:    make([]uint16, inputs),
		holdings:  make([]uint16, holdings),
		dirty:     make(map[uint16]struct{}),
	}
}

// resolve maps a flat address to its bank and offset.
func (r *RegisterBank) resolve(addr uint16) (string, int, bool) {
	switch {
	case addr >= HoldingsStart && int(addr-HoldingsStart) < len(r.holdings):
		return BankHolding, int(addr - HoldingsStart), true
	case addr >= InputsStart && int(addr-InputsStart) < len(r.inputs):
		return BankInput, int(addr - InputsStart), true
	case addr >= DiscretesStart && int(addr-DiscretesStart) < len(r.discretes):
		return BankDiscrete, int(addr - DiscretesStart), true
	case int(addr) < len(r.coils):
		return BankCoil, int(addr), true
	default:
		return "", 0, false
	}
}

// Update writes a value at a flat address without marking it dirty; this is
// the bus-side write path.
func (r *RegisterBank) Update(addr uint16, val uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(addr, val)
}

func (r *RegisterBank) updateLocked(addr uint16, val uint16) error {
	bank, offset, ok := r.resolve(addr)
	if !ok {
		return fmt.Errorf("address %d outside every register bank", addr)
	}

	switch bank {
	case BankCoil:
		r.coils[offset] = val != 0
	case BankDiscrete:
		r.discretes[offset] = val != 0
	case BankInput:
		r.inputs[offset] = val
	case BankHolding:
		r.holdings[offset] = val
	}

	return nil
}

// Value reads the value at a flat address.
func (r *RegisterBank) Value(addr uint16) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bank, offset, ok := r.resolve(addr)
	if !ok {
		return 0, false
	}

	switch bank {
	case BankCoil:
		if r.coils[offset] {
			return 1, true
		}
		return 0, true
	case BankDiscrete:
		if r.discretes[offset] {
			return 1, true
		}
		return 0, true
	case BankInput:
		return r.inputs[offset], true
	default:
		return r.holdings[offset], true
	}
}

// markUpdated records a protocol write at a flat address.
func (r *RegisterBank) markUpdated(addr uint16) {
	r.mu.Lock()
	r.dirty[addr] = struct{}{}
	r.mu.Unlock()
}

// IsUpdated reports whether the protocol wrote addr in the current cycle.
func (r *RegisterBank) IsUpdated(addr uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.dirty[addr]
	return ok
}

// DrainUpdated returns and clears the set of protocol-written addresses.
func (r *RegisterBank) DrainUpdated() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.dirty) == 0 {
		return nil
	}

	addrs := make([]uint16, 0, len(r.dirty))
	for addr := range r.dirty {
		addrs = append(addrs, addr)
	}
	r.dirty = make(map[uint16]struct{})

	return addrs
}
