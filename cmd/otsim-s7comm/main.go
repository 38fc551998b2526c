// OT-sim S7comm module.
//
// Bridges S7 memory-area points to the message bus. The wire stack attaches
// through the s7comm capability interfaces; without one, staged values land
// in the in-memory area image, which is what an attached stack serves.
//
// Usage:
//
//	otsim-s7comm [flags] /etc/ot-sim/s7comm.xml
//
// Exit code 0 on clean shutdown, 1 on fatal configuration error.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/otworks/otsim/config"
	otgrpc "github.com/otworks/otsim/grpc"
	"github.com/otworks/otsim/module"
	"github.com/otworks/otsim/msgbus"
	"github.com/otworks/otsim/s7comm"
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

func pointFromDef(def config.S7PointDef, output bool) (s7comm.Point, error) {
	area, err := s7comm.AreaFromString(def.Area)
	if err != nil {
		return s7comm.Point{}, err
	}

	if def.Tag == "" {
		return s7comm.Point{}, fmt.Errorf("missing tag for S7 point at %s byte %d", def.Area, def.Byte)
	}

	width := def.Width
	if width == 0 {
		if def.Type == "binary" {
			width = 1
		} else {
			width = 32
		}
	}

	return s7comm.Point{
		Area:   area,
		DB:     def.DB,
		Byte:   def.Byte,
		Bit:    def.Bit,
		Width:  width,
		Tag:    def.Tag,
		Output: output,
		SBO:    def.SBO,
	}, nil
}

func run(configPath, metricsAddr, healthAddr, traceAddr string) error {
	doc, err := config.Load(configPath)
	if err != nil {
		return err
	}

	runtime := module.NewRuntime("otsim-s7comm")
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

	if len(doc.S7Comm) == 0 {
		return fmt.Errorf("no S7Comm devices configured")
	}

	for _, device := range doc.S7Comm {
		pub, pull := doc.Endpoints(device.PubEndpoint, device.PullEndpoint)

		pusher, err := runtime.Pusher(pull)
		if err != nil {
			return err
		}

		sub, err := runtime.Subscriber(pub, msgbus.TopicRuntime, device.Name, pusher)
		if err != nil {
			return err
		}

		// Connection parameters matter to the wire stack; resolve them with
		// defaults so an attached stack sees a complete config.
		conn := s7comm.DefaultConnectionConfig(device.Endpoint)
		if device.Rack != nil {
			conn.Rack = *device.Rack
		}
		if device.Slot != nil {
			conn.Slot = *device.Slot
		}
		if device.LocalTSAP != nil {
			conn.LocalTSAP = *device.LocalTSAP
		}
		if device.RemoteTSAP != nil {
			conn.RemoteTSAP = *device.RemoteTSAP
		}
		if device.ConnectionType != nil {
			conn.ConnectionType = s7comm.ConnectionType(*device.ConnectionType)
		}

		logger.Info("configuring_s7_device",
			"name", device.Name,
			"mode", device.Mode,
			"address", conn.Address,
			"rack", conn.Rack,
			"slot", conn.Slot,
			"connection_type", uint16(conn.ConnectionType),
		)

		areas := s7comm.NewMemoryAreas()
		server := s7comm.NewServer(s7comm.ServerConfig{ID: device.Name, Endpoint: device.Endpoint}, areas, pusher, logger)

		for _, def := range device.Inputs {
			point, err := pointFromDef(def, false)
			if err != nil {
				logger.Warn("point_skipped", "device", device.Name, "error", err)
				continue
			}
			server.AddPoint(point)
		}

		for _, def := range device.Outputs {
			point, err := pointFromDef(def, true)
			if err != nil {
				logger.Warn("point_skipped", "device", device.Name, "error", err)
				continue
			}
			server.AddPoint(point)
		}

		sub.AddStatusHandler(server.HandleStatus)
		sub.Start(msgbus.TopicRuntime)

		go server.Run()

		logger.Info("s7_device_started", "name", device.Name)

		runtime.OnShutdown(sub.Stop)
		runtime.OnShutdown(server.Stop)
	}

	if health != nil {
		health.SetServing("")
		runtime.OnShutdown(health.Stop)
	}

	runtime.Wait()
	return nil
}
