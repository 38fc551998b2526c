package dnp3

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ChannelDriver creates channels for one endpoint scheme. Wire stacks
// register themselves under "tcp" or "serial" from their own packages; the
// in-process driver is always available under "inproc", where the endpoint
// path names a shared network ("inproc://substation-a").
type ChannelDriver interface {
	ServerChannel(endpoint string, acceptMode ServerAcceptMode) (ServerChannel, error)
	ClientChannel(endpoint string, listener ChannelStateListener) (ClientChannel, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]ChannelDriver)
)

// RegisterDriver makes a channel driver available under the given scheme.
// Registering twice for one scheme panics, matching registry conventions.
func RegisterDriver(scheme string, driver ChannelDriver) {
	driversMu.Lock()
	defer driversMu.Unlock()

	if driver == nil {
		panic("dnp3: RegisterDriver driver is nil")
	}
	if _, dup := drivers[scheme]; dup {
		panic("dnp3: RegisterDriver called twice for scheme " + scheme)
	}

	drivers[scheme] = driver
}

// DriverFor resolves the driver for an endpoint like "inproc://name" or
// "tcp://0.0.0.0:20000". An endpoint without a scheme defaults to tcp.
func DriverFor(endpoint string) (ChannelDriver, string, error) {
	scheme, rest := "tcp", endpoint
	if i := strings.Index(endpoint, "://"); i >= 0 {
		scheme, rest = endpoint[:i], endpoint[i+3:]
	}

	driversMu.RLock()
	driver, ok := drivers[scheme]
	driversMu.RUnlock()

	if !ok {
		driversMu.RLock()
		known := make([]string, 0, len(drivers))
		for s := range drivers {
			known = append(known, s)
		}
		driversMu.RUnlock()
		sort.Strings(known)

		return nil, "", fmt.Errorf("no DNP3 stack driver for scheme %q (registered: %s)", scheme, strings.Join(known, ", "))
	}

	return driver, rest, nil
}

// inprocDriver hands out shared in-process networks keyed by endpoint name.
type inprocDriver struct {
	mu   sync.Mutex
	nets map[string]*InprocNetwork
}

func (d *inprocDriver) network(name string) *InprocNetwork {
	d.mu.Lock()
	defer d.mu.Unlock()

	net, ok := d.nets[name]
	if !ok {
		net = NewInprocNetwork()
		d.nets[name] = net
	}
	return net
}

func (d *inprocDriver) ServerChannel(endpoint string, acceptMode ServerAcceptMode) (ServerChannel, error) {
	return d.network(endpoint).ServerChannel(acceptMode), nil
}

func (d *inprocDriver) ClientChannel(endpoint string, listener ChannelStateListener) (ClientChannel, error) {
	return d.network(endpoint).ClientChannel(listener), nil
}

func init() {
	RegisterDriver("inproc", &inprocDriver{nets: make(map[string]*InprocNetwork)})
}
