// Package devicemgmt owns the table of active devices. It periodically
// re-enumerates through the adb server, diffs the result against the table by
// serial, assigns the port pairs and runs the per-device listeners. All table
// mutations happen in the refresh loop under one mutex; relay sessions only
// ever read their assigned ports.
package devicemgmt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/phonemirror/go-adb-relay/adb"
	"github.com/phonemirror/go-adb-relay/companion"
	"github.com/phonemirror/go-adb-relay/ports"
	"github.com/phonemirror/go-adb-relay/relay"
)

// State is the lifecycle phase of one managed device.
type State string

const (
	StateDiscovered      State = "Discovered"
	StatePortsAssigned   State = "PortsAssigned"
	StateListenersActive State = "ListenersActive"
	StateServing         State = "Serving"
	StateDegraded        State = "Degraded"
	StateRemoved         State = "Removed"
)

// Config is the operator configuration of the manager.
type Config struct {
	// ControlBase and MediaBase are the first ports of the two ranges.
	ControlBase int
	MediaBase   int
	// CallbackHost is this host's address as reachable from the devices.
	CallbackHost string
	// DebugDestination is the device-local endpoint the control port relays
	// to, tcp:5555 for a device in tcpip mode.
	DebugDestination string
	// PollInterval is the re-enumeration period.
	PollInterval time.Duration
	// ResolveTimeout bounds upstream resolution per client connection.
	ResolveTimeout time.Duration
	// CompanionJar and CompanionVersion configure the media-plane companion.
	CompanionJar     string
	CompanionVersion string
}

func (c *Config) applyDefaults() {
	if c.ControlBase == 0 {
		c.ControlBase = 6000
	}
	if c.MediaBase == 0 {
		c.MediaBase = 7000
	}
	if c.CallbackHost == "" {
		c.CallbackHost = "127.0.0.1"
	}
	if c.DebugDestination == "" {
		c.DebugDestination = "tcp:5555"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ResolveTimeout == 0 {
		c.ResolveTimeout = relay.DefaultResolveTimeout
	}
}

// DeviceStatus is a point-in-time view of one managed device.
type DeviceStatus struct {
	Serial         string `json:"serial"`
	State          State  `json:"state"`
	ControlPort    int    `json:"controlPort"`
	MediaPort      int    `json:"mediaPort"`
	ActiveSessions int    `json:"activeSessions"`
}

type device struct {
	serial     string
	assignment ports.Assignment
	state      State
	sessions   int
	cancel     context.CancelFunc
	boot       *companion.Bootstrapper
	control    *relay.Listener
	media      *relay.Listener
}

// Manager orchestrates enumeration, port assignment and the per-device
// listeners.
type Manager struct {
	services adb.Services
	cfg      Config

	mu      sync.Mutex
	devices map[string]*device
	refresh chan struct{}
}

func New(services adb.Services, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		services: services,
		cfg:      cfg,
		devices:  map[string]*device{},
		refresh:  make(chan struct{}, 1),
	}
}

// Refresh requests an immediate re-enumeration pass. It never blocks; a pass
// that is already pending covers the request.
func (m *Manager) Refresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Run performs the initial enumeration, prints the startup report to out and
// then serves refresh passes until ctx is cancelled. A port exhaustion on the
// very first pass is a configuration error and returned as fatal; enumeration
// failures are retried with exponential backoff.
func (m *Manager) Run(ctx context.Context, out io.Writer) error {
	if err := m.refreshPass(ctx); err != nil {
		var exhaustion *ports.PortExhaustionError
		if errors.As(err, &exhaustion) {
			return err
		}
		log.Errorf("initial enumeration failed, will keep polling: %v", err)
	}
	m.Report(out)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			m.teardownAll()
			return nil
		case <-ticker.C:
		case <-m.refresh:
		}
		if err := m.refreshPass(ctx); err != nil {
			wait := retry.NextBackOff()
			log.WithField("retryIn", wait).Errorf("enumeration pass failed: %v", err)
			select {
			case <-ctx.Done():
				m.teardownAll()
				return nil
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
	}
}

// refreshPass enumerates, reallocates ports for the whole set and reconciles
// the device table. Removed and re-ranked devices are torn down before
// anything new binds, so no two live devices ever share a port.
func (m *Manager) refreshPass(ctx context.Context) error {
	entries, err := m.services.Devices(ctx)
	if err != nil {
		return fmt.Errorf("enumerating devices: %w", err)
	}
	assignments, err := ports.Allocate(entries, m.cfg.ControlBase, m.cfg.MediaBase)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := make(map[string]ports.Assignment, len(assignments))
	for _, a := range assignments {
		current[a.Serial] = a
	}

	for serial, d := range m.devices {
		a, stillPresent := current[serial]
		if stillPresent && d.assignment == a && d.state != StateDegraded {
			continue
		}
		if !stillPresent {
			log.WithField("serial", serial).Info("device removed")
		} else {
			log.WithFields(log.Fields{
				"serial":  serial,
				"control": a.ControlPort,
				"media":   a.MediaPort,
			}).Info("device reassigned")
		}
		m.stopDeviceLocked(d)
		delete(m.devices, serial)
	}

	for _, a := range assignments {
		if _, exists := m.devices[a.Serial]; exists {
			continue
		}
		m.devices[a.Serial] = m.startDeviceLocked(ctx, a)
	}
	return nil
}

func (m *Manager) startDeviceLocked(ctx context.Context, a ports.Assignment) *device {
	logger := log.WithFields(log.Fields{
		"serial":  a.Serial,
		"control": a.ControlPort,
		"media":   a.MediaPort,
	})
	d := &device{serial: a.Serial, assignment: a, state: StateDiscovered}
	d.state = StatePortsAssigned

	deviceCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.boot = companion.NewBootstrapper(m.services, a.Serial, a.MediaPort, companion.Config{
		JarPath:      m.cfg.CompanionJar,
		Version:      m.cfg.CompanionVersion,
		CallbackHost: m.cfg.CallbackHost,
	})

	onStart := func() { m.sessionDelta(d, 1) }
	onEnd := func() { m.sessionDelta(d, -1) }

	control := &relay.Listener{
		Port:           a.ControlPort,
		ResolveTimeout: m.cfg.ResolveTimeout,
		Resolve: func(ctx context.Context, client net.Conn) (net.Conn, error) {
			return m.services.Open(ctx, a.Serial, m.cfg.DebugDestination)
		},
		OnSessionStart: onStart,
		OnSessionEnd:   onEnd,
	}
	media := &relay.Listener{
		Port:           a.MediaPort,
		ResolveTimeout: m.cfg.ResolveTimeout,
		Resolve:        d.boot.Resolve,
		Intercept:      d.boot.ClaimCallback,
		OnSessionStart: onStart,
		OnSessionEnd:   onEnd,
	}

	if err := control.Start(deviceCtx); err != nil {
		logger.Errorf("control listener failed, device degraded: %v", err)
		cancel()
		d.state = StateDegraded
		return d
	}
	if err := media.Start(deviceCtx); err != nil {
		logger.Errorf("media listener failed, device degraded: %v", err)
		control.Close()
		cancel()
		d.state = StateDegraded
		return d
	}
	d.control = control
	d.media = media
	d.state = StateListenersActive
	logger.Info("device ready")
	return d
}

func (m *Manager) stopDeviceLocked(d *device) {
	// Release the listening sockets before anything else: the same pass may
	// rebind the freed ports for another device, so the close must have
	// completed by the time this returns.
	if d.control != nil {
		d.control.Close()
	}
	if d.media != nil {
		d.media.Close()
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.boot != nil {
		d.boot.Close()
	}
	d.state = StateRemoved
}

func (m *Manager) teardownAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for serial, d := range m.devices {
		m.stopDeviceLocked(d)
		delete(m.devices, serial)
	}
	log.Info("all devices torn down")
}

// sessionDelta tracks the Serving state. It mutates the captured device, not
// the table, so a late session end from a torn down device cannot touch its
// successor.
func (m *Manager) sessionDelta(d *device, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.sessions += delta
	switch d.state {
	case StateListenersActive:
		if d.sessions > 0 {
			d.state = StateServing
		}
	case StateServing:
		if d.sessions <= 0 {
			d.state = StateListenersActive
		}
	}
}

// Snapshot returns the current device table ordered by enumeration rank.
func (m *Manager) Snapshot() []DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]DeviceStatus, 0, len(m.devices))
	for _, d := range m.devices {
		statuses = append(statuses, DeviceStatus{
			Serial:         d.serial,
			State:          d.state,
			ControlPort:    d.assignment.ControlPort,
			MediaPort:      d.assignment.MediaPort,
			ActiveSessions: d.sessions,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ControlPort < statuses[j].ControlPort
	})
	return statuses
}

// Report writes the human readable startup report: every device with its
// assigned ports plus usage instructions.
func (m *Manager) Report(out io.Writer) {
	statuses := m.Snapshot()
	fmt.Fprintf(out, "Found %d device(s)\n\n", len(statuses))
	for _, s := range statuses {
		fmt.Fprintf(out, "Device: %s\n", s.Serial)
		fmt.Fprintf(out, "  Control port: %d (adb connect %s:%d)\n", s.ControlPort, m.cfg.CallbackHost, s.ControlPort)
		fmt.Fprintf(out, "  Media port:   %d (mirroring stream)\n\n", s.MediaPort)
	}
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  1. adb connect <server_ip>:<control port>")
	fmt.Fprintln(out, "  2. point the mirroring client at <server_ip>:<media port>;")
	fmt.Fprintln(out, "     the companion server on the device is started on demand")
}
