// Package iec61850 provides the IEC 61850 adapter: a LogicalDevice /
// LogicalNode / DataObject / DataAttribute tree whose leaf attributes are
// either updated from message-bus tags or reported over MMS, plus control
// handling that maps Oper writes with ctlVal onto Update envelopes. The MMS
// stack is external, consumed through the Reporter and Backend interfaces.
package iec61850

import (
	"fmt"
	"sort"
	"strings"
)

// FCDA functional constraints used by this adapter.
const (
	FCStatus  = "ST"
	FCMeasure = "MX"
	FCControl = "CO"
)

// DataAttribute is a leaf of the model tree: a named, functionally
// constrained value bound to a tag.
type DataAttribute struct {
	Name string
	FC   string
	Tag  string

	Value float64
	Ts    uint64
}

// DataObject groups the attributes of one datum (stVal/q/t, Oper, ...).
type DataObject struct {
	Name       string
	Attributes map[string]*DataAttribute
}

// LogicalNode groups data objects by function (XCBR, MMXU, GGIO, ...).
type LogicalNode struct {
	Name    string
	Objects map[string]*DataObject
}

// LogicalDevice is the root of the served model. The device name comes from
// configuration.
type LogicalDevice struct {
	Name  string
	Nodes map[string]*LogicalNode
}

// NewLogicalDevice creates an empty model.
func NewLogicalDevice(name string) *LogicalDevice {
	return &LogicalDevice{Name: name, Nodes: make(map[string]*LogicalNode)}
}

// ParseRef splits an "LN.DO.DA" reference.
func ParseRef(ref string) (ln, do, da string, err error) {
	parts := strings.Split(ref, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid FCDA reference '%s'; want LN.DO.DA", ref)
	}
	return parts[0], parts[1], parts[2], nil
}

// AddAttribute creates the path for ref and binds the leaf to a tag. The
// attribute is returned so callers can seed its value.
func (d *LogicalDevice) AddAttribute(ref, fc, tag string) (*DataAttribute, error) {
	ln, do, da, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	node, ok := d.Nodes[ln]
	if !ok {
		node = &LogicalNode{Name: ln, Objects: make(map[string]*DataObject)}
		d.Nodes[ln] = node
	}

	object, ok := node.Objects[do]
	if !ok {
		object = &DataObject{Name: do, Attributes: make(map[string]*DataAttribute)}
		node.Objects[do] = object
	}

	if _, ok := object.Attributes[da]; ok {
		return nil, fmt.Errorf("attribute %s already exists in %s/%s.%s", da, d.Name, ln, do)
	}

	attr := &DataAttribute{Name: da, FC: fc, Tag: tag}
	object.Attributes[da] = attr

	return attr, nil
}

// Lookup resolves an "LN.DO.DA" reference to its leaf attribute.
func (d *LogicalDevice) Lookup(ref string) (*DataAttribute, bool) {
	ln, do, da, err := ParseRef(ref)
	if err != nil {
		return nil, false
	}

	node, ok := d.Nodes[ln]
	if !ok {
		return nil, false
	}

	object, ok := node.Objects[do]
	if !ok {
		return nil, false
	}

	attr, ok := object.Attributes[da]
	return attr, ok
}

// FullRef renders the server-visible reference of an attribute path.
func (d *LogicalDevice) FullRef(ref string) string {
	return fmt.Sprintf("%s/%s", d.Name, ref)
}

// Refs returns every attribute reference in the model, sorted.
func (d *LogicalDevice) Refs() []string {
	var refs []string

	for lnName, node := range d.Nodes {
		for doName, object := range node.Objects {
			for daName := range object.Attributes {
				refs = append(refs, fmt.Sprintf("%s.%s.%s", lnName, doName, daName))
			}
		}
	}

	sort.Strings(refs)
	return refs
}
