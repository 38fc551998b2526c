// Package main provides the msgbus CLI for poking a live OT-sim bus.
//
// The CLI reads JSON point lists from stdin, wraps them into envelopes, and
// pushes them; or subscribes to a topic and prints every envelope as one
// JSON document per line. Designed for debugging and scripted tests.
//
// Usage:
//
//	# Publish a Status
//	echo '[{"tag":"line.kw","value":10.5}]' | otsim-msgbus -bus tcp://127.0.0.1:1234 push-status
//
//	# Publish an Update requesting confirmation
//	echo '[{"tag":"breaker.cmd","value":1}]' | otsim-msgbus push-update -confirm
//
//	# Watch the RUNTIME topic
//	otsim-msgbus -bus tcp://127.0.0.1:5678 watch RUNTIME
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/otworks/otsim/module"
	"github.com/otworks/otsim/msgbus"
)

const (
	cmdPushStatus = "push-status"
	cmdPushUpdate = "push-update"
	cmdWatch      = "watch"
	cmdVersion    = "version"
)

// Version information.
const Version = "1.0.0"

func main() {
	bus := flag.String("bus", "tcp://127.0.0.1:1234", "message bus endpoint")
	sender := flag.String("sender", "otsim-msgbus", "module id stamped into envelope metadata")
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	var err error

	switch cmd := flag.Arg(0); cmd {
	case cmdVersion:
		fmt.Println(Version)
	case cmdPushStatus:
		err = handlePush(*bus, *sender, false, flag.Args()[1:])
	case cmdPushUpdate:
		err = handlePush(*bus, *sender, true, flag.Args()[1:])
	case cmdWatch:
		err = handleWatch(*bus, *sender, flag.Args()[1:])
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `usage: otsim-msgbus [flags] <command>

commands:
  %s    read a JSON point list from stdin and push a Status envelope
  %s    read a JSON point list from stdin and push an Update envelope
  %s          print envelopes from a topic (default RUNTIME) as JSON lines
  %s        print the CLI version
`, cmdPushStatus, cmdPushUpdate, cmdWatch, cmdVersion)
}

func readPoints() ([]msgbus.Point, error) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}

	var points []msgbus.Point
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, fmt.Errorf("parsing point list: %w", err)
	}

	if len(points) == 0 {
		return nil, fmt.Errorf("empty point list")
	}

	return points, nil
}

func dial(bus, sender string) (*msgbus.NATSTransport, error) {
	return msgbus.DialNATS(module.BusURL(bus), sender, msgbus.NoopLogger())
}

func handlePush(bus, sender string, update bool, args []string) error {
	fs := flag.NewFlagSet(cmdPushUpdate, flag.ExitOnError)
	recipient := fs.String("recipient", "", "route the update to a single module")
	confirm := fs.Bool("confirm", false, "request a Confirmation envelope")
	fs.Parse(args) //nolint:errcheck

	points, err := readPoints()
	if err != nil {
		return err
	}

	transport, err := dial(bus, sender)
	if err != nil {
		return err
	}
	defer transport.Close()

	sock, err := transport.Push()
	if err != nil {
		return err
	}

	var env msgbus.Envelope

	if update {
		contents := msgbus.Update{Updates: points, Recipient: *recipient}
		if *confirm {
			contents.Confirm = uuid.NewString()
			fmt.Fprintf(os.Stderr, "confirmation id: %s\n", contents.Confirm)
		}
		env, err = msgbus.NewUpdateEnvelope(sender, contents)
	} else {
		env, err = msgbus.NewStatusEnvelope(sender, msgbus.Status{Measurements: points})
	}
	if err != nil {
		return err
	}

	payload, err := msgbus.Encode(env)
	if err != nil {
		return err
	}

	return sock.Send(msgbus.TopicRuntime, payload)
}

func handleWatch(bus, sender string, args []string) error {
	topic := msgbus.TopicRuntime
	if len(args) > 0 {
		topic = args[0]
	}

	transport, err := dial(bus, sender)
	if err != nil {
		return err
	}
	defer transport.Close()

	sock, err := transport.Sub(topic)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	encoder := json.NewEncoder(os.Stdout)

	for {
		recvTopic, payload, err := sock.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		env, err := msgbus.Decode(payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping: %v\n", err)
			continue
		}

		if err := encoder.Encode(map[string]any{"topic": recvTopic, "envelope": env}); err != nil {
			return err
		}
	}
}
