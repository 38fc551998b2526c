// Package msgbus provides the OT-sim message bus: versioned envelopes, the
// push/subscribe client, the metrics pusher, and the process-wide tag store.
//
// Modules exchange state exclusively through envelopes. A Status envelope
// carries measurements from a protocol adapter toward the bus; an Update
// envelope carries writes from the bus toward a protocol adapter; a Metric
// envelope carries module health counters on the HEALTH topic.
//
// Usage:
//
//	pusher := msgbus.NewPusher(sock, logger)
//	env, _ := msgbus.NewStatusEnvelope("my-module", msgbus.Status{
//		Measurements: []msgbus.Point{{Tag: "bus-692.voltage", Value: 118.2}},
//	})
//	pusher.Push(msgbus.TopicRuntime, env)
package msgbus

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Version is the only envelope version this codec speaks.
const Version = "v1"

// Topics used by every module. RUNTIME carries Status/Update/Confirmation,
// HEALTH carries Metric envelopes.
const (
	TopicRuntime = "RUNTIME"
	TopicHealth  = "HEALTH"
)

// Metadata keys set by the envelope constructors.
const (
	MetadataSender = "sender"
	MetadataID     = "id"
)

// =============================================================================
// ENVELOPE KINDS
// =============================================================================

// Kind identifies the contents of an envelope.
type Kind string

const (
	// KindStatus carries measurements from a protocol adapter toward the bus.
	KindStatus Kind = "Status"
	// KindUpdate carries point writes from the bus toward a protocol adapter.
	KindUpdate Kind = "Update"
	// KindConfirmation acknowledges an Update that requested confirmation.
	KindConfirmation Kind = "Confirmation"
	// KindMetric carries module health metrics.
	KindMetric Kind = "Metric"
)

// =============================================================================
// CONTENTS
// =============================================================================

// Point is a single measurement or update: a tag, a float64 value (booleans
// ride as 0.0/1.0), and a millisecond timestamp. Ts of 0 means unset.
type Point struct {
	Tag   string  `json:"tag"`
	Value float64 `json:"value"`
	Ts    uint64  `json:"ts"`
}

// Status is the contents of a Status envelope.
type Status struct {
	Measurements []Point `json:"measurements"`
}

// Update is the contents of an Update envelope. Recipient optionally routes
// the update to a single module; Confirm optionally requests a Confirmation
// envelope carrying the same id.
type Update struct {
	Updates   []Point `json:"updates"`
	Recipient string  `json:"recipient"`
	Confirm   string  `json:"confirm"`
}

// Confirmation is the contents of a Confirmation envelope. Errors maps a tag
// to the reason its write-through failed; an empty map means full success.
type Confirmation struct {
	Confirm string            `json:"confirm"`
	Errors  map[string]string `json:"errors"`
}

// Metric is a single named counter or gauge.
type Metric struct {
	Kind  string  `json:"kind"`
	Name  string  `json:"name"`
	Desc  string  `json:"desc"`
	Value float64 `json:"value"`
}

// Metrics is the contents of a Metric envelope.
type Metrics struct {
	Metrics []Metric `json:"metrics"`
}

// =============================================================================
// ENVELOPE
// =============================================================================

// Metadata is the free-form string map riding in every envelope. The sender
// entry is required for self-loop suppression.
type Metadata map[string]string

// Envelope is the versioned, kinded message exchanged on the bus. Contents is
// kept raw so that decoding is total: the kind-specific accessors unmarshal it
// on demand.
type Envelope struct {
	Version  string          `json:"version"`
	Kind     Kind            `json:"kind"`
	Metadata Metadata        `json:"metadata"`
	Contents json.RawMessage `json:"contents"`
}

// Sender returns the sender recorded in the envelope metadata, or "".
func (e Envelope) Sender() string {
	return e.Metadata[MetadataSender]
}

func newEnvelope(sender string, kind Kind, contents any) (Envelope, error) {
	raw, err := json.Marshal(contents)
	if err != nil {
		return Envelope{}, &MalformedError{Cause: err}
	}

	return Envelope{
		Version: Version,
		Kind:    kind,
		Metadata: Metadata{
			MetadataSender: sender,
			MetadataID:     uuid.NewString(),
		},
		Contents: raw,
	}, nil
}

// NewStatusEnvelope wraps Status contents in a v1 envelope.
func NewStatusEnvelope(sender string, contents Status) (Envelope, error) {
	return newEnvelope(sender, KindStatus, contents)
}

// NewUpdateEnvelope wraps Update contents in a v1 envelope.
func NewUpdateEnvelope(sender string, contents Update) (Envelope, error) {
	return newEnvelope(sender, KindUpdate, contents)
}

// NewConfirmationEnvelope wraps Confirmation contents in a v1 envelope.
func NewConfirmationEnvelope(sender string, contents Confirmation) (Envelope, error) {
	return newEnvelope(sender, KindConfirmation, contents)
}

// NewMetricsEnvelope wraps Metrics contents in a v1 envelope. The envelope
// kind is Metric even though the contents hold a list, matching the wire
// format consoles already parse.
func NewMetricsEnvelope(sender string, contents Metrics) (Envelope, error) {
	return newEnvelope(sender, KindMetric, contents)
}

// Status unmarshals the envelope contents as Status.
func (e Envelope) Status() (Status, error) {
	var s Status
	if err := json.Unmarshal(e.Contents, &s); err != nil {
		return Status{}, &MalformedError{Cause: err}
	}
	return s, nil
}

// Update unmarshals the envelope contents as Update.
func (e Envelope) Update() (Update, error) {
	var u Update
	if err := json.Unmarshal(e.Contents, &u); err != nil {
		return Update{}, &MalformedError{Cause: err}
	}
	return u, nil
}

// Confirmation unmarshals the envelope contents as Confirmation.
func (e Envelope) Confirmation() (Confirmation, error) {
	var c Confirmation
	if err := json.Unmarshal(e.Contents, &c); err != nil {
		return Confirmation{}, &MalformedError{Cause: err}
	}
	return c, nil
}

// Metrics unmarshals the envelope contents as Metrics.
func (e Envelope) Metrics() (Metrics, error) {
	var m Metrics
	if err := json.Unmarshal(e.Contents, &m); err != nil {
		return Metrics{}, &MalformedError{Cause: err}
	}
	return m, nil
}

// =============================================================================
// CODEC
// =============================================================================

// Encode serializes an envelope to its JSON wire form.
func Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, &MalformedError{Cause: err}
	}
	return raw, nil
}

// Decode parses an envelope off the wire. Structural JSON errors produce
// MalformedError; a version other than "v1" produces UnsupportedVersionError;
// a kind outside the known set produces UnknownKindError. Callers are expected
// to skip envelopes that fail to decode rather than terminate.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &MalformedError{Cause: err}
	}

	if env.Version != Version {
		return Envelope{}, &UnsupportedVersionError{Version: env.Version}
	}

	switch env.Kind {
	case KindStatus, KindUpdate, KindConfirmation, KindMetric:
	default:
		return Envelope{}, &UnknownKindError{Kind: string(env.Kind)}
	}

	return env, nil
}
