// Package companion pushes and launches the scrcpy server on a device and
// pairs its callback connections with waiting media-plane clients. The
// companion is launched so that it dials back to the relay host on the
// device's media port; the relay never interprets the stream it supplies.
package companion

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Masterminds/semver"
	log "github.com/sirupsen/logrus"

	"github.com/phonemirror/go-adb-relay/adb"
	"github.com/phonemirror/go-adb-relay/relay"
)

const (
	remoteJarPath = "/data/local/tmp/scrcpy-server.jar"
	// Older servers do not understand the dial-back launch arguments.
	minimumVersion = "2.0.0"
)

// BootstrapError is a failed push or launch. The control plane of the device
// stays usable, the bootstrap is retried on the next media client.
type BootstrapError struct {
	Serial string
	Step   string
	Err    error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrapping companion on %s: %s: %v", e.Serial, e.Step, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// Config carries the operator-provided companion parameters.
type Config struct {
	// JarPath is the local scrcpy-server build to push.
	JarPath string
	// Version is passed to the server on launch and gated against
	// minimumVersion.
	Version string
	// CallbackHost is the address of this relay host as reachable from the
	// device.
	CallbackHost string
}

// Bootstrapper manages the companion lifecycle for one device and one media
// port. Bootstrap attempts are serialized per device: concurrent clients
// share one launch, and a launch is skipped entirely while the previous
// companion process is still alive.
type Bootstrapper struct {
	services  adb.Services
	serial    string
	mediaPort int
	cfg       Config
	rv        *relay.Rendezvous

	mu         sync.Mutex
	launchMu   sync.Mutex
	awaiting   int
	pushed     bool
	running    bool
	shell      io.ReadCloser
	launchedAt time.Time
}

func NewBootstrapper(services adb.Services, serial string, mediaPort int, cfg Config) *Bootstrapper {
	return &Bootstrapper{
		services:  services,
		serial:    serial,
		mediaPort: mediaPort,
		cfg:       cfg,
		rv:        relay.NewRendezvous(),
	}
}

// Resolve is the UpstreamResolver for the device's media port. It reuses a
// callback connection that already arrived, otherwise it makes sure the
// companion is launched and waits for the device to dial back.
func (b *Bootstrapper) Resolve(ctx context.Context, client net.Conn) (net.Conn, error) {
	b.mu.Lock()
	b.awaiting++
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.awaiting--
		b.mu.Unlock()
	}()

	if conn, ok := b.rv.TakeCallback(); ok {
		return conn, nil
	}
	if err := b.ensureLaunched(ctx); err != nil {
		return nil, err
	}
	conn, err := b.rv.AwaitCallback(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for companion callback from %s: %w", b.serial, err)
	}
	return conn, nil
}

// ClaimCallback classifies an inbound connection on the media port. It is a
// companion callback if and only if this bootstrapper currently expects one,
// everything else stays a regular client connection.
func (b *Bootstrapper) ClaimCallback(conn net.Conn) bool {
	b.mu.Lock()
	expecting := b.awaiting > 0
	b.mu.Unlock()
	if !expecting {
		return false
	}
	log.WithFields(log.Fields{
		"serial": b.serial,
		"remote": conn.RemoteAddr().String(),
	}).Debug("companion callback arrived")
	b.rv.OfferCallback(conn)
	return true
}

// ensureLaunched pushes the server once and starts it unless the previous
// process is still running. Launch attempts are serialized so two concurrent
// clients cannot corrupt device state.
func (b *Bootstrapper) ensureLaunched(ctx context.Context) error {
	b.launchMu.Lock()
	defer b.launchMu.Unlock()

	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if running {
		return nil
	}

	version, err := semver.NewVersion(b.cfg.Version)
	if err != nil {
		return &BootstrapError{Serial: b.serial, Step: "version", Err: err}
	}
	supported, err := semver.NewConstraint(">= " + minimumVersion)
	if err != nil {
		return &BootstrapError{Serial: b.serial, Step: "version", Err: err}
	}
	if !supported.Check(version) {
		return &BootstrapError{
			Serial: b.serial,
			Step:   "version",
			Err:    fmt.Errorf("companion version %s is older than the minimum %s", b.cfg.Version, minimumVersion),
		}
	}

	if !b.pushed {
		if err := b.push(ctx); err != nil {
			return err
		}
		b.mu.Lock()
		b.pushed = true
		b.mu.Unlock()
	}

	cmd := fmt.Sprintf(
		"CLASSPATH=%s app_process / com.genymobile.scrcpy.Server %s tunnel_forward=false connect_to=%s:%d log_level=info",
		remoteJarPath, b.cfg.Version, b.cfg.CallbackHost, b.mediaPort,
	)
	shell, err := b.services.Shell(ctx, b.serial, cmd)
	if err != nil {
		return &BootstrapError{Serial: b.serial, Step: "launch", Err: err}
	}
	b.mu.Lock()
	b.shell = shell
	b.running = true
	b.launchedAt = time.Now()
	b.mu.Unlock()
	log.WithFields(log.Fields{"serial": b.serial, "mediaPort": b.mediaPort}).Info("companion launched")
	go b.drainShell(shell)
	return nil
}

func (b *Bootstrapper) push(ctx context.Context) error {
	file, err := os.Open(b.cfg.JarPath)
	if err != nil {
		return &BootstrapError{Serial: b.serial, Step: "push", Err: err}
	}
	defer file.Close()
	if err := b.services.Push(ctx, b.serial, file, remoteJarPath, 0o644); err != nil {
		return &BootstrapError{Serial: b.serial, Step: "push", Err: err}
	}
	log.WithFields(log.Fields{"serial": b.serial, "path": remoteJarPath}).Debug("companion pushed")
	return nil
}

// drainShell keeps the launch shell alive and logs the companion's output.
// The companion exits when its sockets close, so end of stream means a fresh
// launch is needed for the next client.
func (b *Bootstrapper) drainShell(shell io.ReadCloser) {
	scanner := bufio.NewScanner(shell)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			log.WithField("serial", b.serial).Debugf("companion: %s", line)
		}
	}
	shell.Close()
	b.mu.Lock()
	if b.shell == shell {
		b.running = false
		b.shell = nil
	}
	b.mu.Unlock()
	log.WithField("serial", b.serial).Debug("companion exited")
}

// Running reports whether a launched companion process is still alive, as far
// as its shell session tells.
func (b *Bootstrapper) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Close abandons all callback expectations and ends the companion's shell
// session. Safe to call more than once.
func (b *Bootstrapper) Close() {
	b.rv.Close()
	b.mu.Lock()
	shell := b.shell
	b.shell = nil
	b.running = false
	b.mu.Unlock()
	if shell != nil {
		shell.Close()
	}
}
