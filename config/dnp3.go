package config

import (
	"fmt"
	"time"

	"github.com/otworks/otsim/dnp3"
)

// This file converts parsed point definitions into typed adapter points,
// applying the per-kind variation and class defaults. A definition that
// fails conversion is skipped with a warning; configuration continues.

func pointClass(def DNP3PointDef) (dnp3.PointClass, error) {
	if def.Class == "" {
		return dnp3.DefaultPointClass, nil
	}
	return dnp3.PointClassFromString(def.Class)
}

func variation(set []string, value, fallback string) (string, error) {
	if value == "" {
		return fallback, nil
	}
	return dnp3.VariationFromString(set, value)
}

// BinaryInputPoint converts a binary input definition.
func BinaryInputPoint(def DNP3PointDef) (dnp3.BinaryPoint, error) {
	var p dnp3.BinaryPoint
	var err error

	if def.Tag == "" {
		return p, fmt.Errorf("missing tag for binary input at address %d", def.Address)
	}

	p.Address = def.Address
	p.Tag = def.Tag

	if p.SVariation, err = variation(dnp3.StaticBinaryInputVariations, def.SGVar, dnp3.DefaultBinaryInputSVariation); err != nil {
		return p, fmt.Errorf("binary input %d: %w", def.Address, err)
	}
	if p.EVariation, err = variation(dnp3.EventBinaryInputVariations, def.EGVar, dnp3.DefaultBinaryInputEVariation); err != nil {
		return p, fmt.Errorf("binary input %d: %w", def.Address, err)
	}
	if p.Class, err = pointClass(def); err != nil {
		return p, fmt.Errorf("binary input %d: %w", def.Address, err)
	}

	return p, nil
}

// AnalogInputPoint converts an analog input definition.
func AnalogInputPoint(def DNP3PointDef) (dnp3.AnalogPoint, error) {
	var p dnp3.AnalogPoint
	var err error

	if def.Tag == "" {
		return p, fmt.Errorf("missing tag for analog input at address %d", def.Address)
	}

	if def.Deadband < 0 {
		return p, fmt.Errorf("analog input %d: deadband must be >= 0", def.Address)
	}

	p.Address = def.Address
	p.Tag = def.Tag
	p.Deadband = def.Deadband

	if p.SVariation, err = variation(dnp3.StaticAnalogInputVariations, def.SGVar, dnp3.DefaultAnalogInputSVariation); err != nil {
		return p, fmt.Errorf("analog input %d: %w", def.Address, err)
	}
	if p.EVariation, err = variation(dnp3.EventAnalogInputVariations, def.EGVar, dnp3.DefaultAnalogInputEVariation); err != nil {
		return p, fmt.Errorf("analog input %d: %w", def.Address, err)
	}
	if p.Class, err = pointClass(def); err != nil {
		return p, fmt.Errorf("analog input %d: %w", def.Address, err)
	}

	return p, nil
}

// BinaryOutputPoint converts a binary output definition.
func BinaryOutputPoint(def DNP3PointDef) (dnp3.BinaryPoint, error) {
	var p dnp3.BinaryPoint
	var err error

	if def.Tag == "" {
		return p, fmt.Errorf("missing tag for binary output at address %d", def.Address)
	}

	p.Address = def.Address
	p.Tag = def.Tag
	p.Output = true
	p.SBO = def.SBO

	if p.SVariation, err = variation(dnp3.StaticBinaryOutputVariations, def.SGVar, dnp3.DefaultBinaryOutputSVariation); err != nil {
		return p, fmt.Errorf("binary output %d: %w", def.Address, err)
	}
	if p.EVariation, err = variation(dnp3.EventBinaryOutputVariations, def.EGVar, dnp3.DefaultBinaryOutputEVariation); err != nil {
		return p, fmt.Errorf("binary output %d: %w", def.Address, err)
	}
	if p.Class, err = pointClass(def); err != nil {
		return p, fmt.Errorf("binary output %d: %w", def.Address, err)
	}

	return p, nil
}

// AnalogOutputPoint converts an analog output definition.
func AnalogOutputPoint(def DNP3PointDef) (dnp3.AnalogPoint, error) {
	var p dnp3.AnalogPoint
	var err error

	if def.Tag == "" {
		return p, fmt.Errorf("missing tag for analog output at address %d", def.Address)
	}

	p.Address = def.Address
	p.Tag = def.Tag
	p.Output = true
	p.SBO = def.SBO

	if p.SVariation, err = variation(dnp3.StaticAnalogOutputVariations, def.SGVar, dnp3.DefaultAnalogOutputSVariation); err != nil {
		return p, fmt.Errorf("analog output %d: %w", def.Address, err)
	}
	if p.EVariation, err = variation(dnp3.EventAnalogOutputVariations, def.EGVar, dnp3.DefaultAnalogOutputEVariation); err != nil {
		return p, fmt.Errorf("analog output %d: %w", def.Address, err)
	}
	if p.Class, err = pointClass(def); err != nil {
		return p, fmt.Errorf("analog output %d: %w", def.Address, err)
	}

	return p, nil
}

// ConfigureOutstation applies a parsed definition to an outstation engine,
// skipping bad points with a warning.
func ConfigureOutstation(o *dnp3.Outstation, def OutstationDef, logger Logger) {
	if logger == nil {
		logger = NoopLogger()
	}

	for _, in := range def.Inputs {
		switch in.Type {
		case "binary":
			p, err := BinaryInputPoint(in)
			if err != nil {
				logger.Warn("point_skipped", "error", err)
				continue
			}
			o.AddBinaryInput(p)
		case "analog":
			p, err := AnalogInputPoint(in)
			if err != nil {
				logger.Warn("point_skipped", "error", err)
				continue
			}
			o.AddAnalogInput(p)
		default:
			logger.Warn("point_skipped", "error", fmt.Sprintf("invalid type %q for DNP3 input", in.Type))
		}
	}

	for _, out := range def.Outputs {
		switch out.Type {
		case "binary":
			p, err := BinaryOutputPoint(out)
			if err != nil {
				logger.Warn("point_skipped", "error", err)
				continue
			}
			o.AddBinaryOutput(p)
		case "analog":
			p, err := AnalogOutputPoint(out)
			if err != nil {
				logger.Warn("point_skipped", "error", err)
				continue
			}
			o.AddAnalogOutput(p)
		default:
			logger.Warn("point_skipped", "error", fmt.Sprintf("invalid type %q for DNP3 output", out.Type))
		}
	}
}

// ConfigureMaster applies a parsed definition to a master engine, skipping
// bad points with a warning.
func ConfigureMaster(m *dnp3.Master, def MasterDef, logger Logger) {
	if logger == nil {
		logger = NoopLogger()
	}

	for _, in := range def.Inputs {
		switch in.Type {
		case "binary":
			m.AddBinaryInput(in.Address, in.Tag)
		case "analog":
			m.AddAnalogInput(in.Address, in.Tag)
		default:
			logger.Warn("point_skipped", "error", fmt.Sprintf("invalid type %q for DNP3 input", in.Type))
		}
	}

	for _, out := range def.Outputs {
		switch out.Type {
		case "binary":
			m.AddBinaryOutput(out.Address, out.Tag, out.SBO)
		case "analog":
			m.AddAnalogOutput(out.Address, out.Tag, out.SBO)
		default:
			logger.Warn("point_skipped", "error", fmt.Sprintf("invalid type %q for DNP3 output", out.Type))
		}
	}
}

// ScanRates resolves the master's class scan schedule: an explicit
// class-scan-rates block wins, otherwise the legacy scan-rate (default 30 s)
// drives an all-class scan.
func ScanRates(def MasterDef) dnp3.ClassScanRates {
	all := def.ScanRate
	if all == 0 {
		all = uint64(dnp3.DefaultAllClassScanRate / time.Second)
	}

	rates := dnp3.ClassScanRates{All: time.Duration(all) * time.Second}

	if def.ClassScanRates != nil {
		r := def.ClassScanRates
		if r.All != 0 {
			rates.All = time.Duration(r.All) * time.Second
		}
		rates.Class0 = time.Duration(r.Class0) * time.Second
		rates.Class1 = time.Duration(r.Class1) * time.Second
		rates.Class2 = time.Duration(r.Class2) * time.Second
		rates.Class3 = time.Duration(r.Class3) * time.Second
	}

	return rates
}

// OutstationConfig resolves an outstation definition with link-address and
// restart-delay defaults applied.
func OutstationConfig(def OutstationDef) (dnp3.OutstationConfig, dnp3.RestartConfig) {
	cfg := dnp3.OutstationConfig{
		ID:         def.Name,
		LocalAddr:  def.LocalAddress,
		RemoteAddr: def.RemoteAddress,
	}

	if cfg.ID == "" {
		cfg.ID = "dnp3-outstation"
	}
	if cfg.LocalAddr == 0 {
		cfg.LocalAddr = dnp3.DefaultOutstationLocalAddr
	}
	if cfg.RemoteAddr == 0 {
		cfg.RemoteAddr = dnp3.DefaultOutstationRemoteAddr
	}

	restart := dnp3.RestartConfig{Warm: def.WarmRestartDelay}
	if restart.Warm == 0 {
		restart.Warm = dnp3.DefaultWarmRestartSecs
	}

	return cfg, restart
}

// MasterAddresses resolves a master definition's link addresses and response
// timeout with defaults applied.
func MasterAddresses(def MasterDef) (local, remote uint16, timeout time.Duration) {
	local, remote = def.LocalAddress, def.RemoteAddress

	if local == 0 {
		local = dnp3.DefaultMasterLocalAddr
	}
	if remote == 0 {
		remote = dnp3.DefaultMasterRemoteAddr
	}

	timeout = time.Duration(def.Timeout) * time.Second
	if timeout == 0 {
		timeout = dnp3.DefaultResponseTimeout
	}

	return local, remote, timeout
}
