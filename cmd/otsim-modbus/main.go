// OT-sim Modbus module.
//
// Serves Modbus/TCP over configured register banks, publishing protocol
// writes as Status envelopes and applying bus Updates to the banks.
//
// Usage:
//
//	otsim-modbus [flags] /etc/ot-sim/modbus.xml
//
// Exit code 0 on clean shutdown, 1 on fatal configuration error.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/otworks/otsim/config"
	otgrpc "github.com/otworks/otsim/grpc"
	"github.com/otworks/otsim/modbus"
	"github.com/otworks/otsim/module"
	"github.com/otworks/otsim/msgbus"
)

func main() {
	metricsAddr := flag.String("metrics", "", "address for the Prometheus metrics endpoint (disabled when empty)")
	healthAddr := flag.String("health", "", "address for the gRPC health endpoint (disabled when empty)")
	traceAddr := flag.String("trace", "", "OTLP collector endpoint for traces (disabled when empty)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "ERROR: missing path to config file")
		os.Exit(1)
	}

	if err := run(flag.Arg(0), *metricsAddr, *healthAddr, *traceAddr); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func registerCount(configured int) int {
	if configured > 0 {
		return configured
	}
	return config.DefaultModbusRegisterCount
}

func run(configPath, metricsAddr, healthAddr, traceAddr string) error {
	doc, err := config.Load(configPath)
	if err != nil {
		return err
	}

	runtime := module.NewRuntime("otsim-modbus")
	logger := runtime.Logger

	runtime.ServeMetrics(metricsAddr)

	if err := runtime.InitTracing(traceAddr); err != nil {
		return err
	}

	var health *otgrpc.HealthServer
	if healthAddr != "" {
		health = otgrpc.NewHealthServer(logger)
		if err := health.Start(healthAddr); err != nil {
			return err
		}
	}

	if len(doc.Modbus) == 0 {
		return fmt.Errorf("no Modbus devices configured")
	}

	for _, device := range doc.Modbus {
		if device.Mode != "server" {
			return fmt.Errorf("device %s: only server mode is supported for Modbus", device.Name)
		}

		pub, pull := doc.Endpoints(device.PubEndpoint, device.PullEndpoint)

		pusher, err := runtime.Pusher(pull)
		if err != nil {
			return err
		}

		sub, err := runtime.Subscriber(pub, msgbus.TopicRuntime, device.Name, pusher)
		if err != nil {
			return err
		}

		bank := modbus.NewRegisterBank(
			registerCount(device.CoilCount),
			registerCount(device.DiscreteCount),
			registerCount(device.HoldingCount),
			registerCount(device.InputCount),
		)

		adapter := modbus.NewAdapter(device.Name, bank, pusher, logger)

		addPoints := func(defs []config.ModbusPointDef, output bool) {
			for _, def := range defs {
				bankName, err := modbus.BankFromString(def.Bank)
				if err != nil {
					logger.Warn("point_skipped", "device", device.Name, "error", err)
					continue
				}

				point := modbus.Point{
					Bank:    bankName,
					Address: def.Address,
					Tag:     def.Tag,
					Scale:   def.Scale,
					Output:  output,
				}

				if err := adapter.AddPoint(point); err != nil {
					logger.Warn("point_skipped", "device", device.Name, "error", err)
				}
			}
		}

		addPoints(device.Inputs, false)
		addPoints(device.Outputs, true)

		endpoint := device.Endpoint
		if endpoint == "" {
			endpoint = "0.0.0.0:502"
		}

		server := modbus.NewServer(device.Name, endpoint, bank, logger)
		if err := server.Start(); err != nil {
			return fmt.Errorf("device %s: %w", device.Name, err)
		}

		sub.AddUpdateHandler(adapter.HandleUpdate)
		sub.Start(msgbus.TopicRuntime)

		go adapter.Run()

		logger.Info("modbus_device_started", "name", device.Name, "endpoint", server.Addr())

		runtime.OnShutdown(sub.Stop)
		runtime.OnShutdown(adapter.Stop)
		runtime.OnShutdown(server.Stop)
	}

	if health != nil {
		health.SetServing("")
		runtime.OnShutdown(health.Stop)
	}

	runtime.Wait()
	return nil
}
