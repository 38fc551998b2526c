// OT-sim IEC 61850 module.
//
// Serves a logical-device model whose leaf attributes track message-bus tags
// and whose controls flow back out as Update envelopes. The MMS stack
// attaches through the iec61850 capability interfaces.
//
// Usage:
//
//	otsim-iec61850 [flags] /etc/ot-sim/iec61850.xml
//
// Exit code 0 on clean shutdown, 1 on fatal configuration error.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/otworks/otsim/config"
	otgrpc "github.com/otworks/otsim/grpc"
	"github.com/otworks/otsim/iec61850"
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

func run(configPath, metricsAddr, healthAddr, traceAddr string) error {
	doc, err := config.Load(configPath)
	if err != nil {
		return err
	}

	runtime := module.NewRuntime("otsim-iec61850")
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

	if len(doc.IEC61850) == 0 {
		return fmt.Errorf("no IEC61850 devices configured")
	}

	for _, device := range doc.IEC61850 {
		pub, pull := doc.Endpoints(device.PubEndpoint, device.PullEndpoint)

		pusher, err := runtime.Pusher(pull)
		if err != nil {
			return err
		}

		sub, err := runtime.Subscriber(pub, msgbus.TopicRuntime, device.Name, pusher)
		if err != nil {
			return err
		}

		ldName := device.LogicalDevice
		if ldName == "" {
			ldName = device.Name
		}

		model := iec61850.NewLogicalDevice(ldName)
		adapter := iec61850.NewAdapter(
			iec61850.AdapterConfig{ID: device.Name, Endpoint: device.Endpoint},
			model, nil, pusher, logger,
		)

		for _, def := range device.Inputs {
			fc := def.FC
			if fc == "" {
				fc = iec61850.FCStatus
			}

			if err := adapter.AddInput(def.Ref, fc, def.Tag); err != nil {
				logger.Warn("point_skipped", "device", device.Name, "error", err)
			}
		}

		for _, def := range device.Controls {
			if err := adapter.AddControl(def.Object, def.Tag); err != nil {
				logger.Warn("point_skipped", "device", device.Name, "error", err)
			}
		}

		sub.AddStatusHandler(adapter.HandleStatus)
		sub.Start(msgbus.TopicRuntime)

		go adapter.Run()

		logger.Info("iec61850_device_started", "name", device.Name, "logical_device", ldName, "attributes", len(model.Refs()))

		runtime.OnShutdown(sub.Stop)
		runtime.OnShutdown(adapter.Stop)
	}

	if health != nil {
		health.SetServing("")
		runtime.OnShutdown(health.Stop)
	}

	runtime.Wait()
	return nil
}
