// Package config loads OT-sim module configuration from XML or JSON
// documents. Both formats describe the same tree: a message-bus section plus
// one element per protocol device, each carrying its input/output point
// definitions. Lookups are option-returning with defaults declared once per
// field; a bad point definition skips that point, a bad device or bus
// endpoint is fatal.
package config

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Logger is the interface for structured logging in the config package.
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

// Message-bus endpoint defaults.
const (
	DefaultPubEndpoint  = "tcp://127.0.0.1:5678"
	DefaultPullEndpoint = "tcp://127.0.0.1:1234"
)

// =============================================================================
// DOCUMENT
// =============================================================================

// Document is the root of a module configuration.
type Document struct {
	XMLName xml.Name `xml:"ot-sim" json:"-"`

	MessageBus *MessageBus      `xml:"message-bus" json:"message-bus,omitempty"`
	DNP3       []DNP3Device     `xml:"dnp3" json:"dnp3,omitempty"`
	Modbus     []ModbusDevice   `xml:"modbus" json:"modbus,omitempty"`
	S7Comm     []S7Device       `xml:"s7comm" json:"s7comm,omitempty"`
	IEC61850   []IEC61850Device `xml:"iec61850" json:"iec61850,omitempty"`
}

// MessageBus carries the bus endpoints shared by every device unless a
// device overrides them.
type MessageBus struct {
	PubEndpoint  string `xml:"pub-endpoint" json:"pub-endpoint,omitempty"`
	PullEndpoint string `xml:"pull-endpoint" json:"pull-endpoint,omitempty"`
}

// Endpoints resolves the bus endpoints with defaults, honoring a device's
// overrides when present.
func (d *Document) Endpoints(devicePub, devicePull string) (pub, pull string) {
	pub, pull = DefaultPubEndpoint, DefaultPullEndpoint

	if d.MessageBus != nil {
		if d.MessageBus.PubEndpoint != "" {
			pub = d.MessageBus.PubEndpoint
		}
		if d.MessageBus.PullEndpoint != "" {
			pull = d.MessageBus.PullEndpoint
		}
	}

	if devicePub != "" {
		pub = devicePub
	}
	if devicePull != "" {
		pull = devicePull
	}

	return pub, pull
}

// =============================================================================
// DNP3
// =============================================================================

// Endpoint is a TCP endpoint with an optional server accept mode.
type Endpoint struct {
	AcceptMode string `xml:"accept-mode,attr" json:"accept-mode,omitempty"`
	Address    string `xml:",chardata" json:"address"`
}

// Serial configures a serial channel.
type Serial struct {
	Device   string `xml:"device" json:"device"`
	BaudRate int    `xml:"baud-rate" json:"baud-rate,omitempty"`
	DataBits int    `xml:"data-bits" json:"data-bits,omitempty"`
	StopBits string `xml:"stop-bits" json:"stop-bits,omitempty"`
	Parity   string `xml:"parity" json:"parity,omitempty"`
}

// DNP3Device is one <dnp3> element: a server hosting outstations or a client
// hosting masters.
type DNP3Device struct {
	Name string `xml:"name,attr" json:"name"`
	Mode string `xml:"mode,attr" json:"mode"`

	PubEndpoint  string `xml:"pub-endpoint" json:"pub-endpoint,omitempty"`
	PullEndpoint string `xml:"pull-endpoint" json:"pull-endpoint,omitempty"`

	Endpoint *Endpoint `xml:"endpoint" json:"endpoint,omitempty"`
	Serial   *Serial   `xml:"serial" json:"serial,omitempty"`

	ColdStartDelay uint16 `xml:"cold-start-delay" json:"cold-start-delay,omitempty"`

	Outstations []OutstationDef `xml:"outstation" json:"outstations,omitempty"`
	Masters     []MasterDef     `xml:"master" json:"masters,omitempty"`
}

// OutstationDef is one hosted outstation.
type OutstationDef struct {
	Name             string `xml:"name,attr" json:"name,omitempty"`
	LocalAddress     uint16 `xml:"local-address" json:"local-address,omitempty"`
	RemoteAddress    uint16 `xml:"remote-address" json:"remote-address,omitempty"`
	WarmRestartDelay uint16 `xml:"warm-restart-delay" json:"warm-restart-delay,omitempty"`

	Inputs  []DNP3PointDef `xml:"input" json:"inputs,omitempty"`
	Outputs []DNP3PointDef `xml:"output" json:"outputs,omitempty"`
}

// ClassRates is the per-class scan schedule, seconds. Zero disables a scan.
type ClassRates struct {
	All    uint64 `xml:"all" json:"all,omitempty"`
	Class0 uint64 `xml:"class0" json:"class0,omitempty"`
	Class1 uint64 `xml:"class1" json:"class1,omitempty"`
	Class2 uint64 `xml:"class2" json:"class2,omitempty"`
	Class3 uint64 `xml:"class3" json:"class3,omitempty"`
}

// MasterDef is one hosted master.
type MasterDef struct {
	Name          string `xml:"name,attr" json:"name,omitempty"`
	LocalAddress  uint16 `xml:"local-address" json:"local-address,omitempty"`
	RemoteAddress uint16 `xml:"remote-address" json:"remote-address,omitempty"`
	Timeout       int64  `xml:"timeout" json:"timeout,omitempty"`
	ScanRate      uint64 `xml:"scan-rate" json:"scan-rate,omitempty"`

	ClassScanRates *ClassRates `xml:"class-scan-rates" json:"class-scan-rates,omitempty"`

	Inputs  []DNP3PointDef `xml:"input" json:"inputs,omitempty"`
	Outputs []DNP3PointDef `xml:"output" json:"outputs,omitempty"`
}

// DNP3PointDef is one input or output point of an outstation or master.
type DNP3PointDef struct {
	Type     string  `xml:"type,attr" json:"type"`
	Address  uint16  `xml:"address" json:"address"`
	Tag      string  `xml:"tag" json:"tag"`
	SGVar    string  `xml:"sgvar" json:"sgvar,omitempty"`
	EGVar    string  `xml:"egvar" json:"egvar,omitempty"`
	Class    string  `xml:"class" json:"class,omitempty"`
	Deadband float64 `xml:"deadband" json:"deadband,omitempty"`
	SBO      bool    `xml:"sbo" json:"sbo,omitempty"`
}

// =============================================================================
// MODBUS
// =============================================================================

// ModbusDevice is one <modbus> element.
type ModbusDevice struct {
	Name string `xml:"name,attr" json:"name"`
	Mode string `xml:"mode,attr" json:"mode"`

	PubEndpoint  string `xml:"pub-endpoint" json:"pub-endpoint,omitempty"`
	PullEndpoint string `xml:"pull-endpoint" json:"pull-endpoint,omitempty"`

	Endpoint string `xml:"endpoint" json:"endpoint,omitempty"`

	CoilCount     int `xml:"coil-count" json:"coil-count,omitempty"`
	DiscreteCount int `xml:"discrete-count" json:"discrete-count,omitempty"`
	HoldingCount  int `xml:"holding-count" json:"holding-count,omitempty"`
	InputCount    int `xml:"input-count" json:"input-count,omitempty"`

	Inputs  []ModbusPointDef `xml:"input" json:"inputs,omitempty"`
	Outputs []ModbusPointDef `xml:"output" json:"outputs,omitempty"`
}

// DefaultModbusRegisterCount sizes any bank whose count is omitted.
const DefaultModbusRegisterCount = 100

// ModbusPointDef is one register binding.
type ModbusPointDef struct {
	Bank    string  `xml:"bank,attr" json:"bank"`
	Address uint16  `xml:"address" json:"address"`
	Tag     string  `xml:"tag" json:"tag"`
	Scale   float64 `xml:"scale" json:"scale,omitempty"`
}

// =============================================================================
// S7
// =============================================================================

// S7Device is one <s7comm> element.
type S7Device struct {
	Name string `xml:"name,attr" json:"name"`
	Mode string `xml:"mode,attr" json:"mode"`

	PubEndpoint  string `xml:"pub-endpoint" json:"pub-endpoint,omitempty"`
	PullEndpoint string `xml:"pull-endpoint" json:"pull-endpoint,omitempty"`

	Endpoint string `xml:"endpoint" json:"endpoint,omitempty"`

	Rack           *uint16 `xml:"rack" json:"rack,omitempty"`
	Slot           *uint16 `xml:"slot" json:"slot,omitempty"`
	LocalTSAP      *uint16 `xml:"local-tsap" json:"local-tsap,omitempty"`
	RemoteTSAP     *uint16 `xml:"remote-tsap" json:"remote-tsap,omitempty"`
	ConnectionType *uint16 `xml:"connection-type" json:"connection-type,omitempty"`

	Inputs  []S7PointDef `xml:"input" json:"inputs,omitempty"`
	Outputs []S7PointDef `xml:"output" json:"outputs,omitempty"`
}

// S7PointDef is one memory-area binding.
type S7PointDef struct {
	Type  string `xml:"type,attr" json:"type"`
	Area  string `xml:"area" json:"area"`
	DB    uint16 `xml:"db" json:"db,omitempty"`
	Byte  uint16 `xml:"byte" json:"byte"`
	Bit   uint8  `xml:"bit" json:"bit,omitempty"`
	Width uint8  `xml:"width" json:"width,omitempty"`
	Tag   string `xml:"tag" json:"tag"`
	SBO   bool   `xml:"sbo" json:"sbo,omitempty"`
}

// =============================================================================
// IEC 61850
// =============================================================================

// IEC61850Device is one <iec61850> element.
type IEC61850Device struct {
	Name string `xml:"name,attr" json:"name"`
	Mode string `xml:"mode,attr" json:"mode"`

	PubEndpoint  string `xml:"pub-endpoint" json:"pub-endpoint,omitempty"`
	PullEndpoint string `xml:"pull-endpoint" json:"pull-endpoint,omitempty"`

	Endpoint      string `xml:"endpoint" json:"endpoint,omitempty"`
	LogicalDevice string `xml:"logical-device" json:"logical-device,omitempty"`

	Inputs   []FCDADef    `xml:"input" json:"inputs,omitempty"`
	Controls []ControlDef `xml:"control" json:"controls,omitempty"`
}

// FCDADef binds an attribute reference to a tag.
type FCDADef struct {
	Ref string `xml:"ref" json:"ref"`
	FC  string `xml:"fc" json:"fc,omitempty"`
	Tag string `xml:"tag" json:"tag"`
}

// ControlDef binds a controllable data object to a tag.
type ControlDef struct {
	Object string `xml:"object" json:"object"`
	Tag    string `xml:"tag" json:"tag"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads and parses the configuration file at path. The format follows
// the file extension: .xml or .json.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(raw)
	case ".xml":
		return ParseXML(raw)
	default:
		return nil, fmt.Errorf("unsupported config format %q; want .xml or .json", filepath.Ext(path))
	}
}

// ParseXML parses an XML document rooted at <ot-sim>.
func ParseXML(raw []byte) (*Document, error) {
	var doc Document
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing XML config: %w", err)
	}

	if doc.XMLName.Local != "ot-sim" {
		return nil, fmt.Errorf("missing root 'ot-sim' element in XML config")
	}

	if err := doc.validate(); err != nil {
		return nil, err
	}

	return &doc, nil
}

// ParseJSON validates raw against the embedded schema and parses it.
func ParseJSON(raw []byte) (*Document, error) {
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON config: %w", err)
	}

	if err := doc.validate(); err != nil {
		return nil, err
	}

	return &doc, nil
}

// validate enforces the fatal-at-startup requirements: every device carries
// a name and a mode.
func (d *Document) validate() error {
	check := func(kind, name, mode string) error {
		if name == "" {
			return fmt.Errorf("missing name for %s device", kind)
		}
		if mode != "client" && mode != "server" {
			return fmt.Errorf("invalid mode %q for %s device %s", mode, kind, name)
		}
		return nil
	}

	for _, dev := range d.DNP3 {
		if err := check("DNP3", dev.Name, dev.Mode); err != nil {
			return err
		}
	}
	for _, dev := range d.Modbus {
		if err := check("Modbus", dev.Name, dev.Mode); err != nil {
			return err
		}
	}
	for _, dev := range d.S7Comm {
		if err := check("S7Comm", dev.Name, dev.Mode); err != nil {
			return err
		}
	}
	for _, dev := range d.IEC61850 {
		if err := check("IEC61850", dev.Name, dev.Mode); err != nil {
			return err
		}
	}

	return nil
}
