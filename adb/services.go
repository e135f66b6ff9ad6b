package adb

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
)

// DeviceEntry is one device as reported by the adb server. Serial is the
// stable identity used everywhere, Index is only the rank within the
// enumeration that produced the entry.
type DeviceEntry struct {
	Serial string
	State  string
	Index  int
}

// Services is the narrow surface of the device management tool that the relay
// depends on. It exists so the relay core never touches adb invocation
// details directly and can run against a test double.
type Services interface {
	// Devices lists the currently reachable devices in the order the adb
	// server reports them. It is idempotent and opens a fresh server
	// connection on every call.
	Devices(ctx context.Context) ([]DeviceEntry, error)
	// Open connects to a destination on the device, for example tcp:5555 or
	// localabstract:scrcpy, and returns the raw stream.
	Open(ctx context.Context, serial, destination string) (net.Conn, error)
	// Shell starts a command on the device. The returned stream carries the
	// command output and keeps the command alive until closed.
	Shell(ctx context.Context, serial, cmd string) (io.ReadCloser, error)
	// Push writes content to a file on the device with the given mode.
	Push(ctx context.Context, serial string, content io.Reader, remotePath string, mode uint32) error
}

// Client implements Services against the local adb server.
type Client struct{}

// NewClient creates a Services implementation talking to the adb server at
// ServerAddress.
func NewClient() *Client {
	return &Client{}
}

// Devices sends host:devices and parses the tab separated response. Devices
// in the offline or unauthorized state are skipped, they cannot carry a
// transport.
func (c *Client) Devices(ctx context.Context) ([]DeviceEntry, error) {
	conn, err := Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := conn.Request("host:devices"); err != nil {
		return nil, err
	}
	payload, err := conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	return parseDeviceList(payload)
}

func parseDeviceList(payload string) ([]DeviceEntry, error) {
	var devices []DeviceEntry
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			return nil, fmt.Errorf("device list line %q: %w", line, ErrMalformedResponse)
		}
		if fields[1] != "device" {
			continue
		}
		devices = append(devices, DeviceEntry{Serial: fields[0], State: fields[1], Index: len(devices)})
	}
	return devices, nil
}

// Open issues host:transport:<serial> followed by the destination request and
// returns the connection, which from then on is a raw byte stream to
// whatever listens at the destination on the device.
func (c *Client) Open(ctx context.Context, serial, destination string) (net.Conn, error) {
	conn, err := Dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Request("host:transport:" + serial); err != nil {
		conn.Close()
		return nil, fmt.Errorf("selecting device %s: %w", serial, err)
	}
	if err := conn.Request(destination); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening %s on device %s: %w", destination, serial, err)
	}
	return conn.Conn(), nil
}

// Shell runs cmd on the device. Closing the returned stream ends the command.
func (c *Client) Shell(ctx context.Context, serial, cmd string) (io.ReadCloser, error) {
	conn, err := c.Open(ctx, serial, "shell:"+cmd)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
