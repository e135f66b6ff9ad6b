package devicemgmt_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonemirror/go-adb-relay/adb"
	"github.com/phonemirror/go-adb-relay/devicemgmt"
	"github.com/phonemirror/go-adb-relay/ports"
)

type fakeServices struct {
	mu      sync.Mutex
	serials []string
	enumErr error
	shells  int
}

func (f *fakeServices) setDevices(serials ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serials = serials
}

func (f *fakeServices) setEnumErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enumErr = err
}

func (f *fakeServices) Devices(ctx context.Context) ([]adb.DeviceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enumErr != nil {
		return nil, f.enumErr
	}
	entries := make([]adb.DeviceEntry, len(f.serials))
	for i, serial := range f.serials {
		entries[i] = adb.DeviceEntry{Serial: serial, State: "device", Index: i}
	}
	return entries, nil
}

// Open hands out one end of a pipe and echoes everything on the other end.
func (f *fakeServices) Open(ctx context.Context, serial, destination string) (net.Conn, error) {
	local, remote := net.Pipe()
	go func() {
		io.Copy(remote, remote)
		remote.Close()
	}()
	return local, nil
}

func (f *fakeServices) Shell(ctx context.Context, serial, cmd string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.shells++
	f.mu.Unlock()
	reader, _ := io.Pipe()
	return reader, nil
}

func (f *fakeServices) shellCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shells
}

func (f *fakeServices) Push(ctx context.Context, serial string, content io.Reader, remotePath string, mode uint32) error {
	io.Copy(io.Discard, content)
	return nil
}

func testConfig(t *testing.T, controlBase, mediaBase int) devicemgmt.Config {
	jar := filepath.Join(t.TempDir(), "scrcpy-server.jar")
	require.NoError(t, os.WriteFile(jar, []byte("jar"), 0o644))
	return devicemgmt.Config{
		ControlBase:      controlBase,
		MediaBase:        mediaBase,
		CallbackHost:     "127.0.0.1",
		DebugDestination: "tcp:5555",
		PollInterval:     50 * time.Millisecond,
		ResolveTimeout:   time.Second,
		CompanionJar:     jar,
		CompanionVersion: "3.3.1",
	}
}

func startManager(t *testing.T, services adb.Services, cfg devicemgmt.Config) *devicemgmt.Manager {
	m := devicemgmt.New(services, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx, io.Discard)
	return m
}

func findDevice(m *devicemgmt.Manager, serial string) (devicemgmt.DeviceStatus, bool) {
	for _, status := range m.Snapshot() {
		if status.Serial == serial {
			return status, true
		}
	}
	return devicemgmt.DeviceStatus{}, false
}

func deviceInState(m *devicemgmt.Manager, serial string, state devicemgmt.State) func() bool {
	return func() bool {
		status, ok := findDevice(m, serial)
		return ok && status.State == state
	}
}

func TestInitialAssignmentAndRerank(t *testing.T) {
	services := &fakeServices{}
	services.setDevices("A", "B")
	m := startManager(t, services, testConfig(t, 26000, 26100))

	require.Eventually(t, deviceInState(m, "A", devicemgmt.StateListenersActive), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, deviceInState(m, "B", devicemgmt.StateListenersActive), 5*time.Second, 10*time.Millisecond)

	statusA, _ := findDevice(m, "A")
	assert.Equal(t, 26000, statusA.ControlPort)
	assert.Equal(t, 26100, statusA.MediaPort)
	statusB, _ := findDevice(m, "B")
	assert.Equal(t, 26001, statusB.ControlPort)
	assert.Equal(t, 26101, statusB.MediaPort)

	// A disappears, C arrives: B is re-ranked onto the freed pair.
	services.setDevices("B", "C")
	m.Refresh()
	require.Eventually(t, func() bool {
		statusB, ok := findDevice(m, "B")
		return ok && statusB.ControlPort == 26000 && statusB.State == devicemgmt.StateListenersActive
	}, 5*time.Second, 10*time.Millisecond)

	_, stillThere := findDevice(m, "A")
	assert.False(t, stillThere, "removed device must leave the table")
	statusC, ok := findDevice(m, "C")
	require.True(t, ok)
	assert.Equal(t, 26001, statusC.ControlPort)
	assert.Equal(t, 26101, statusC.MediaPort)
}

// A surviving device that is re-ranked onto ports freed in the same pass must
// bind them cleanly, never bouncing through Degraded because the previous
// owner's socket lingered.
func TestRerankRebindsWithoutDegrading(t *testing.T) {
	services := &fakeServices{}
	services.setDevices("A", "B")
	m := startManager(t, services, testConfig(t, 27700, 27800))
	require.Eventually(t, deviceInState(m, "A", devicemgmt.StateListenersActive), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, deviceInState(m, "B", devicemgmt.StateListenersActive), 5*time.Second, 10*time.Millisecond)

	degraded := make(chan devicemgmt.DeviceStatus, 1)
	stop := make(chan struct{})
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, status := range m.Snapshot() {
				if status.State == devicemgmt.StateDegraded {
					select {
					case degraded <- status:
					default:
					}
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	// Flip the head of the enumeration back and forth so the surviving
	// device is re-ranked onto the just-freed pair on every pass.
	for i := 0; i < 10; i++ {
		services.setDevices("B", "C")
		m.Refresh()
		require.Eventually(t, func() bool {
			status, ok := findDevice(m, "B")
			return ok && status.ControlPort == 27700 && status.State == devicemgmt.StateListenersActive
		}, 5*time.Second, time.Millisecond)

		services.setDevices("A", "B")
		m.Refresh()
		require.Eventually(t, func() bool {
			status, ok := findDevice(m, "A")
			return ok && status.ControlPort == 27700 && status.State == devicemgmt.StateListenersActive
		}, 5*time.Second, time.Millisecond)
	}

	close(stop)
	watcher.Wait()
	select {
	case status := <-degraded:
		t.Fatalf("device %s went degraded during re-rank", status.Serial)
	default:
	}
}

func TestMediaPlanePairsCallbackThroughManager(t *testing.T) {
	services := &fakeServices{}
	services.setDevices("A")
	cfg := testConfig(t, 25400, 25500)
	cfg.ResolveTimeout = 5 * time.Second
	m := startManager(t, services, cfg)
	require.Eventually(t, deviceInState(m, "A", devicemgmt.StateListenersActive), 5*time.Second, 10*time.Millisecond)

	// The first media connection is a client: it triggers the companion
	// launch and blocks until the device dials back.
	client, err := net.Dial("tcp", "127.0.0.1:25500")
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool {
		return services.shellCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The companion dials back on the same port and is paired with the
	// waiting client.
	callback, err := net.Dial("tcp", "127.0.0.1:25500")
	require.NoError(t, err)
	defer callback.Close()

	frame := []byte("h264-frame-bytes")
	_, err = callback.Write(frame)
	require.NoError(t, err)
	received := make([]byte, len(frame))
	_, err = io.ReadFull(client, received)
	require.NoError(t, err)
	assert.Equal(t, frame, received)

	event := []byte("key-event")
	_, err = client.Write(event)
	require.NoError(t, err)
	received = make([]byte, len(event))
	_, err = io.ReadFull(callback, received)
	require.NoError(t, err)
	assert.Equal(t, event, received)

	require.Eventually(t, deviceInState(m, "A", devicemgmt.StateServing), 5*time.Second, 10*time.Millisecond)
}

func TestControlPlaneRelayThroughManager(t *testing.T) {
	services := &fakeServices{}
	services.setDevices("A")
	m := startManager(t, services, testConfig(t, 26200, 26300))
	require.Eventually(t, deviceInState(m, "A", devicemgmt.StateListenersActive), 5*time.Second, 10*time.Millisecond)

	client, err := net.Dial("tcp", "127.0.0.1:26200")
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	received := make([]byte, 4)
	_, err = io.ReadFull(client, received)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(received))

	require.Eventually(t, deviceInState(m, "A", devicemgmt.StateServing), 5*time.Second, 10*time.Millisecond)
	client.Close()
	require.Eventually(t, deviceInState(m, "A", devicemgmt.StateListenersActive), 5*time.Second, 10*time.Millisecond)
}

func TestDegradedOnOccupiedPort(t *testing.T) {
	blocker, err := net.Listen("tcp", "0.0.0.0:26400")
	require.NoError(t, err)

	services := &fakeServices{}
	services.setDevices("A")
	m := startManager(t, services, testConfig(t, 26400, 26500))
	require.Eventually(t, deviceInState(m, "A", devicemgmt.StateDegraded), 5*time.Second, 10*time.Millisecond)

	// The condition clears and the next pass recovers the device.
	blocker.Close()
	m.Refresh()
	require.Eventually(t, deviceInState(m, "A", devicemgmt.StateListenersActive), 5*time.Second, 10*time.Millisecond)
}

func TestRemovedDeviceFreesPorts(t *testing.T) {
	services := &fakeServices{}
	services.setDevices("A")
	m := startManager(t, services, testConfig(t, 26600, 26700))
	require.Eventually(t, deviceInState(m, "A", devicemgmt.StateListenersActive), 5*time.Second, 10*time.Millisecond)

	services.setDevices()
	m.Refresh()
	require.Eventually(t, func() bool {
		return len(m.Snapshot()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", "127.0.0.1:26600")
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 5*time.Second, 50*time.Millisecond)

	// A different device reuses the freed pair.
	services.setDevices("B")
	m.Refresh()
	require.Eventually(t, deviceInState(m, "B", devicemgmt.StateListenersActive), 5*time.Second, 10*time.Millisecond)
	status, _ := findDevice(m, "B")
	assert.Equal(t, 26600, status.ControlPort)
	assert.Equal(t, 26700, status.MediaPort)
}

func TestEnumerationFailureKeepsTable(t *testing.T) {
	services := &fakeServices{}
	services.setDevices("A")
	m := startManager(t, services, testConfig(t, 26800, 26900))
	require.Eventually(t, deviceInState(m, "A", devicemgmt.StateListenersActive), 5*time.Second, 10*time.Millisecond)

	services.setEnumErr(errors.New("adb server went away"))
	m.Refresh()
	time.Sleep(200 * time.Millisecond)
	status, ok := findDevice(m, "A")
	require.True(t, ok, "a failed enumeration must not drop devices")
	assert.Equal(t, devicemgmt.StateListenersActive, status.State)

	services.setEnumErr(nil)
	services.setDevices("A", "B")
	require.Eventually(t, deviceInState(m, "B", devicemgmt.StateListenersActive), 10*time.Second, 10*time.Millisecond)
}

func TestPortExhaustionIsFatalAtStartup(t *testing.T) {
	services := &fakeServices{}
	services.setDevices("A", "B")
	cfg := testConfig(t, 27000, 27001) // room for a single device

	m := devicemgmt.New(services, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := m.Run(ctx, io.Discard)
	require.Error(t, err)
	var exhaustion *ports.PortExhaustionError
	assert.True(t, errors.As(err, &exhaustion))
}

func TestReportListsEveryDevice(t *testing.T) {
	services := &fakeServices{}
	services.setDevices("A", "B")
	m := startManager(t, services, testConfig(t, 27100, 27200))
	require.Eventually(t, deviceInState(m, "B", devicemgmt.StateListenersActive), 5*time.Second, 10*time.Millisecond)

	var report strings.Builder
	m.Report(&report)
	out := report.String()
	assert.Contains(t, out, "Found 2 device(s)")
	assert.Contains(t, out, "Device: A")
	assert.Contains(t, out, "adb connect 127.0.0.1:27100")
	assert.Contains(t, out, "Device: B")
	assert.Contains(t, out, fmt.Sprintf("%d", 27201))
}
