package iec61850

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otworks/otsim/msgbus"
	"github.com/otworks/otsim/typeutil"
)

// Logger is the interface for structured logging in the iec61850 package.
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

// defaultScanInterval is the reporting-cycle period.
const defaultScanInterval = time.Second

// Reporter is what the adapter needs from the MMS stack to report data
// changes to subscribed clients.
type Reporter interface {
	Report(ref string, value float64, ts uint64)
}

// Backend is the lifecycle handle of the injected MMS server stack.
type Backend interface {
	Start() error
	Stop() error
}

// ctlValAttribute is the attribute name carrying a control's value within an
// Oper structure.
const ctlValAttribute = "ctlVal"

// AdapterConfig identifies one served 61850 device.
type AdapterConfig struct {
	ID       string
	Endpoint string

	// ScanInterval overrides the 1 s reporting cycle. Zero keeps the
	// default.
	ScanInterval time.Duration
}

// Adapter bridges a logical-device model to the message bus. Input
// attributes latch bus measurements and are reported over MMS each cycle
// when they change; Oper controls arriving from clients become Update
// envelopes carrying the attribute's tag and ctlVal.
type Adapter struct {
	config AdapterConfig

	model    *LogicalDevice
	reporter Reporter
	pusher   msgbus.Push
	metrics  *msgbus.MetricsPusher
	logger   Logger

	// Input attributes by tag, control attributes by model reference.
	inputs   map[string][]*DataAttribute
	inputRef map[*DataAttribute]string
	controls map[string]*DataAttribute

	stagedMu sync.Mutex
	staged   map[string]msgbus.Point

	lastReported map[string]float64

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	doneWg   sync.WaitGroup
}

// NewAdapter creates an adapter over the given model.
func NewAdapter(config AdapterConfig, model *LogicalDevice, reporter Reporter, pusher msgbus.Push, logger Logger) *Adapter {
	if logger == nil {
		logger = NoopLogger()
	}

	if config.ScanInterval <= 0 {
		config.ScanInterval = defaultScanInterval
	}

	metrics := msgbus.NewMetricsPusher()
	metrics.NewMetric(msgbus.MetricKindCounter, "status_count", "number of status messages processed")
	metrics.NewMetric(msgbus.MetricKindCounter, "update_count", "number of update messages generated")
	metrics.NewMetric(msgbus.MetricKindCounter, "oper_count", "number of control operates processed")

	return &Adapter{
		config:       config,
		model:        model,
		reporter:     reporter,
		pusher:       pusher,
		metrics:      metrics,
		logger:       logger,
		inputs:       make(map[string][]*DataAttribute),
		inputRef:     make(map[*DataAttribute]string),
		controls:     make(map[string]*DataAttribute),
		staged:       make(map[string]msgbus.Point),
		lastReported: make(map[string]float64),
		done:         make(chan struct{}),
	}
}

// ID returns the adapter identifier.
func (a *Adapter) ID() string { return a.config.ID }

// Model returns the served logical device.
func (a *Adapter) Model() *LogicalDevice { return a.model }

// AddInput binds an "LN.DO.DA" reference to a tag updated from the bus and
// reported over MMS.
func (a *Adapter) AddInput(ref, fc, tag string) error {
	attr, err := a.model.AddAttribute(ref, fc, tag)
	if err != nil {
		return err
	}

	a.inputs[tag] = append(a.inputs[tag], attr)
	a.inputRef[attr] = ref

	return nil
}

// AddControl binds an "LN.DO" control to a tag: a client Oper on the object
// carries ctlVal, which flows out as an Update for the tag.
func (a *Adapter) AddControl(doRef, tag string) error {
	ref := fmt.Sprintf("%s.Oper", doRef)

	attr, err := a.model.AddAttribute(fmt.Sprintf("%s.%s", doRef, ctlValAttribute), FCControl, tag)
	if err != nil {
		return err
	}

	a.controls[ref] = attr
	return nil
}

// =============================================================================
// BUS SIDE
// =============================================================================

// HandleStatus latches each matching measurement into the staging map.
func (a *Adapter) HandleStatus(env msgbus.Envelope, status msgbus.Status) {
	if env.Sender() == a.config.ID {
		return
	}

	a.metrics.IncrMetric("status_count")

	for _, p := range status.Measurements {
		if len(a.inputs[p.Tag]) == 0 {
			continue
		}

		a.stagedMu.Lock()
		a.staged[p.Tag] = p
		a.stagedMu.Unlock()
	}
}

// =============================================================================
// REPORTING CYCLE
// =============================================================================

// Run drives the reporting cycle until Stop is called.
func (a *Adapter) Run() {
	if !a.running.CompareAndSwap(false, true) {
		return
	}

	a.doneWg.Add(1)
	defer a.doneWg.Done()

	a.metrics.Start(a.pusher, a.config.ID)
	defer a.metrics.Stop()

	ticker := time.NewTicker(a.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.scan()
		}
	}
}

// Stop terminates the reporting cycle. Safe to call before, after, or
// without Run.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
	a.doneWg.Wait()
}

// scan folds staged values into the model and reports changed attributes.
func (a *Adapter) scan() {
	a.stagedMu.Lock()
	staged := make(map[string]msgbus.Point, len(a.staged))
	for tag, p := range a.staged {
		staged[tag] = p
	}
	a.stagedMu.Unlock()

	for tag, point := range staged {
		for _, attr := range a.inputs[tag] {
			attr.Value = point.Value
			attr.Ts = point.Ts

			ref := a.inputRef[attr]

			last, seen := a.lastReported[ref]
			if seen && last == point.Value {
				continue
			}
			a.lastReported[ref] = point.Value

			if a.reporter != nil {
				a.reporter.Report(a.model.FullRef(ref), point.Value, point.Ts)
			}
		}
	}
}

// =============================================================================
// CONTROL SIDE
// =============================================================================

// HandleOperate processes a client Oper on "LN.DO": ctlVal lands in the
// model and flows out as an Update envelope for the bound tag. MMS hands
// over variant-typed values, so ctlVal is coerced through the 0.0/1.0
// convention; non-numeric values and unknown control references return an
// error for the stack to surface as a negative response.
func (a *Adapter) HandleOperate(doRef string, ctlValRaw any) error {
	attr, ok := a.controls[fmt.Sprintf("%s.Oper", doRef)]
	if !ok {
		return fmt.Errorf("no control at %s", doRef)
	}

	ctlVal, ok := typeutil.SafeFloat64(ctlValRaw)
	if !ok {
		return fmt.Errorf("control %s: unsupported ctlVal type %T", doRef, ctlValRaw)
	}

	attr.Value = ctlVal

	a.logger.Info("control_operated", "id", a.config.ID, "object", doRef, "ctlVal", ctlVal)
	a.metrics.IncrMetric("oper_count")

	env, err := msgbus.NewUpdateEnvelope(a.config.ID, msgbus.Update{
		Updates: []msgbus.Point{{Tag: attr.Tag, Value: ctlVal}},
	})
	if err != nil {
		return err
	}

	if err := a.pusher.Push(msgbus.TopicRuntime, env); err != nil {
		return err
	}

	a.metrics.IncrMetric("update_count")
	return nil
}
