package modbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otworks/otsim/device"
	"github.com/otworks/otsim/msgbus"
	"github.com/otworks/otsim/observability"
)

// defaultPublishInterval is the adapter's publish-cycle period.
const defaultPublishInterval = time.Second

// DefaultScale is applied to holding/input register points that omit one.
const DefaultScale = 1.0

// Point binds a flat register address to a tag. Scale converts between the
// register's integer value and the tag's float value for holding and input
// registers: published value = register / scale, written register =
// value * scale.
type Point struct {
	Bank    string
	Address uint16 // flat address
	Tag     string
	Scale   float64
	Output  bool
}

func (p *Point) PointBank() string    { return p.Bank }
func (p *Point) PointAddress() uint16 { return p.Address }
func (p *Point) PointTag() string     { return p.Tag }

func (p *Point) PointDirection() device.Direction {
	if p.Output {
		return device.DirectionOutput
	}
	return device.DirectionInput
}

// Adapter bridges one RegisterBank to the message bus.
//
// Protocol → bus: addresses written by Modbus clients accumulate in the
// bank's dirty set; each publish cycle drains the set and emits one Status
// envelope covering them.
//
// Bus → protocol: Update envelopes write through to the bank — except for an
// address the protocol wrote in the current cycle, which wins until the
// cycle that publishes it clears the mark (write-suppression).
type Adapter struct {
	id     string
	bank   *RegisterBank
	logger Logger

	registry *device.Registry
	pusher   msgbus.Push
	metrics  *msgbus.MetricsPusher

	interval time.Duration
	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewAdapter creates an adapter over bank.
func NewAdapter(id string, bank *RegisterBank, pusher msgbus.Push, logger Logger) *Adapter {
	if logger == nil {
		logger = NoopLogger()
	}

	metrics := msgbus.NewMetricsPusher()
	metrics.NewMetric(msgbus.MetricKindCounter, "status_count", "number of status messages generated")
	metrics.NewMetric(msgbus.MetricKindCounter, "update_count", "number of update messages processed")

	return &Adapter{
		id:       id,
		bank:     bank,
		logger:   logger,
		registry: device.NewRegistry(logger),
		pusher:   pusher,
		metrics:  metrics,
		interval: defaultPublishInterval,
		done:     make(chan struct{}),
	}
}

// SetPublishInterval overrides the publish-cycle period. Must be called
// before Run.
func (a *Adapter) SetPublishInterval(d time.Duration) {
	if d > 0 {
		a.interval = d
	}
}

// AddPoint registers a point definition. Holding and input register points
// default their scale to 1.0.
func (a *Adapter) AddPoint(p Point) error {
	if _, err := BankFromString(p.Bank); err != nil {
		return err
	}

	if p.Scale == 0 {
		p.Scale = DefaultScale
	}

	a.registry.Add(&p)
	return nil
}

// =============================================================================
// BUS SIDE
// =============================================================================

// HandleUpdate writes each matching update point through to the register
// bank, unless the address is dirty from a protocol write this cycle.
func (a *Adapter) HandleUpdate(env msgbus.Envelope, update msgbus.Update) []msgbus.UpdateError {
	if env.Sender() == a.id {
		return nil
	}

	a.metrics.IncrMetric("update_count")

	var errs []msgbus.UpdateError

	for _, p := range update.Updates {
		var wrote bool

		for _, def := range a.registry.LookupTag(p.Tag) {
			point, ok := def.(*Point)
			if !ok || !point.Output {
				continue
			}

			// The protocol wrote this address in the current cycle; its
			// write wins and the bus update is a no-op.
			if a.bank.IsUpdated(point.Address) {
				a.logger.Debug("update_suppressed", "id", a.id, "tag", p.Tag, "address", point.Address)
				wrote = true
				continue
			}

			if err := a.bank.Update(point.Address, registerValue(point, p.Value)); err != nil {
				errs = append(errs, msgbus.UpdateError{Tag: p.Tag, Reason: err.Error()})
				continue
			}

			wrote = true
		}

		if !wrote && len(a.registry.LookupTag(p.Tag)) == 0 {
			// Tag belongs to some other module; nothing to report.
			continue
		}

		if !wrote {
			errs = append(errs, msgbus.UpdateError{Tag: p.Tag, Reason: "tag has no writable register"})
		}
	}

	return errs
}

func registerValue(p *Point, value float64) uint16 {
	switch p.Bank {
	case BankCoil, BankDiscrete:
		if value != 0 {
			return 1
		}
		return 0
	default:
		return uint16(value * p.Scale)
	}
}

func tagValue(p *Point, register uint16) float64 {
	switch p.Bank {
	case BankCoil, BankDiscrete:
		if register != 0 {
			return 1.0
		}
		return 0.0
	default:
		return float64(register) / p.Scale
	}
}

// =============================================================================
// PUBLISH CYCLE
// =============================================================================

// Run drives the publish cycle until Stop is called.
func (a *Adapter) Run() {
	if !a.running.CompareAndSwap(false, true) {
		return
	}

	a.metrics.Start(a.pusher, a.id)
	defer a.metrics.Stop()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.publish()
		}
	}
}

// Stop terminates the publish cycle. Safe to call before, after, or without
// Run.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
}

// publish drains the dirty set and emits one Status envelope covering every
// configured address in it.
func (a *Adapter) publish() {
	observability.RecordScanCycle(a.id)

	addrs := a.bank.DrainUpdated()
	if len(addrs) == 0 {
		return
	}

	var points []msgbus.Point

	for _, addr := range addrs {
		bank, _, ok := a.bank.resolve(addr)
		if !ok {
			continue
		}

		def, ok := a.registry.Lookup(bank, addr)
		if !ok {
			a.logger.Debug("dirty_address_untagged", "id", a.id, "address", addr)
			continue
		}

		register, ok := a.bank.Value(addr)
		if !ok {
			continue
		}

		point := def.(*Point)
		points = append(points, msgbus.Point{
			Tag:   point.Tag,
			Value: tagValue(point, register),
			Ts:    uint64(time.Now().UnixMilli()),
		})
	}

	if len(points) == 0 {
		return
	}

	env, err := msgbus.NewStatusEnvelope(a.id, msgbus.Status{Measurements: points})
	if err != nil {
		a.logger.Error("status_encode_failed", "id", a.id, "error", err)
		return
	}

	if err := a.pusher.Push(msgbus.TopicRuntime, env); err != nil {
		a.logger.Warn("status_push_failed", "id", a.id, "error", err)
		return
	}

	a.metrics.IncrMetric("status_count")
	observability.RecordEnvelopePublished(a.id, string(msgbus.KindStatus))
}

// Describe returns a short human-readable summary, handy in logs.
func (a *Adapter) Describe() string {
	return fmt.Sprintf("modbus adapter %s (%d points)", a.id, a.registry.Len())
}
