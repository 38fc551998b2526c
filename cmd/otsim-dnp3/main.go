// OT-sim DNP3 module.
//
// Hosts DNP3 outstations (server mode) or masters (client mode) described by
// an XML or JSON configuration file, bridging their point databases to the
// message bus.
//
// Usage:
//
//	otsim-dnp3 [flags] /etc/ot-sim/dnp3.xml
//
// Exit code 0 on clean shutdown, 1 on fatal configuration error.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/otworks/otsim/config"
	"github.com/otworks/otsim/dnp3"
	otgrpc "github.com/otworks/otsim/grpc"
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

	runtime := module.NewRuntime("otsim-dnp3")
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

	var started bool

	for _, device := range doc.DNP3 {
		pub, pull := doc.Endpoints(device.PubEndpoint, device.PullEndpoint)

		pusher, err := runtime.Pusher(pull)
		if err != nil {
			return err
		}

		sub, err := runtime.Subscriber(pub, msgbus.TopicRuntime, device.Name, pusher)
		if err != nil {
			return err
		}

		endpoint := ""
		acceptMode := dnp3.AcceptModeCloseNew

		if device.Endpoint != nil {
			endpoint = device.Endpoint.Address

			if device.Endpoint.AcceptMode != "" {
				acceptMode, err = dnp3.ServerAcceptModeFromString(device.Endpoint.AcceptMode)
				if err != nil {
					return fmt.Errorf("device %s: %w", device.Name, err)
				}
			}
		}

		if endpoint == "" && device.Serial != nil {
			endpoint = "serial://" + device.Serial.Device
		}

		if endpoint == "" {
			return fmt.Errorf("device %s: no endpoint configured", device.Name)
		}

		driver, _, err := dnp3.DriverFor(endpoint)
		if err != nil {
			return fmt.Errorf("device %s: %w", device.Name, err)
		}

		switch device.Mode {
		case "server":
			logger.Info("configuring_dnp3_server", "name", device.Name)

			channel, err := driver.ServerChannel(endpoint, acceptMode)
			if err != nil {
				return fmt.Errorf("device %s: %w", device.Name, err)
			}

			server := dnp3.NewServer(device.Name, channel, device.ColdStartDelay, logger)

			for _, def := range device.Outstations {
				cfg, restart := config.OutstationConfig(def)

				outstation, err := server.AddOutstation(cfg, restart, pusher)
				if err != nil {
					return fmt.Errorf("device %s: %w", device.Name, err)
				}

				config.ConfigureOutstation(outstation, def, logger)
				sub.AddStatusHandler(outstation.HandleStatus)
			}

			logger.Info("starting_dnp3_server", "name", device.Name)

			if err := server.Start(); err != nil {
				return fmt.Errorf("device %s: %w", device.Name, err)
			}

			sub.Start(msgbus.TopicRuntime)

			// Teardown order: subscriber, then the server and its channel.
			runtime.OnShutdown(sub.Stop)
			runtime.OnShutdown(server.Stop)

		case "client":
			logger.Info("configuring_dnp3_client", "name", device.Name)

			listener := dnp3.NewConnectionPublisher(device.Name, pusher, logger)

			channel, err := driver.ClientChannel(endpoint, listener)
			if err != nil {
				return fmt.Errorf("device %s: %w", device.Name, err)
			}

			client := dnp3.NewClient(device.Name, channel, listener, logger)

			for _, def := range device.Masters {
				local, remote, timeout := config.MasterAddresses(def)

				id := def.Name
				if id == "" {
					id = "dnp3-master"
				}

				master, err := client.AddMaster(id, local, remote, timeout, pusher)
				if err != nil {
					return fmt.Errorf("device %s: %w", device.Name, err)
				}

				config.ConfigureMaster(master, def, logger)
				sub.AddUpdateHandler(master.HandleUpdate)

				if err := master.AddClassScans(config.ScanRates(def)); err != nil {
					return fmt.Errorf("device %s: %w", device.Name, err)
				}
			}

			logger.Info("starting_dnp3_client", "name", device.Name)

			if err := client.Start(); err != nil {
				return fmt.Errorf("device %s: %w", device.Name, err)
			}

			sub.Start(msgbus.TopicRuntime)

			runtime.OnShutdown(sub.Stop)
			runtime.OnShutdown(client.Stop)

		default:
			return fmt.Errorf("invalid mode provided for DNP3 config")
		}

		started = true
	}

	if !started {
		return fmt.Errorf("no DNP3 devices configured")
	}

	if health != nil {
		health.SetServing("")
		runtime.OnShutdown(health.Stop)
	}

	runtime.Wait()
	return nil
}
