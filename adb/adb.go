// Package adb is a client for the smart-socket protocol spoken by a local ADB
// server. It covers only the four calls the relay needs: enumerating devices,
// opening a stream to a destination on a device, running a shell command and
// pushing a file.
package adb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// ErrMalformedResponse marks responses from the adb server that do not follow
// the smart-socket framing. Errors returned by this package can be checked
// against it with errors.Is.
var ErrMalformedResponse = errors.New("malformed adb server response")

const defaultServerAddress = "tcp://127.0.0.1:5037"

// ServerAddress is the socket address of the adb server to connect to. It can
// be overridden with the ADB_SERVER_SOCKET environment variable, either as a
// full scheme://address or as a plain host:port.
func ServerAddress() string {
	override := os.Getenv("ADB_SERVER_SOCKET")
	if override != "" {
		if strings.Contains(override, "://") {
			return override
		}
		return "tcp://" + override
	}
	return defaultServerAddress
}

func splitSocketAddress(socketAddress string) (string, string, error) {
	chunks := strings.Split(socketAddress, "://")
	if len(chunks) != 2 {
		return "", "", fmt.Errorf("socket address %q needs scheme://address", socketAddress)
	}
	return chunks[0], chunks[1], nil
}

// ServerConnection is one connection to the adb server. Requests are framed
// as four ASCII hex digits of payload length followed by the payload, the
// server answers with a 4 byte OKAY or FAIL status. After a successful
// transport plus destination request the connection degrades to a raw byte
// stream to the device and can be handed off with Conn.
type ServerConnection struct {
	c net.Conn
}

// Dial opens a new connection to the adb server.
func Dial(ctx context.Context) (*ServerConnection, error) {
	scheme, address, err := splitSocketAddress(ServerAddress())
	if err != nil {
		return nil, err
	}
	var dialer net.Dialer
	c, err := dialer.DialContext(ctx, scheme, address)
	if err != nil {
		return nil, fmt.Errorf("connecting to adb server at %s: %w", address, err)
	}
	return &ServerConnection{c: c}, nil
}

// Request sends one framed request and consumes the status response.
// A FAIL status is returned as an error carrying the server's message.
func (conn *ServerConnection) Request(req string) error {
	if _, err := fmt.Fprintf(conn.c, "%04x%s", len(req), req); err != nil {
		return fmt.Errorf("sending request %q: %w", req, err)
	}
	return conn.readStatus(req)
}

func (conn *ServerConnection) readStatus(req string) error {
	status := make([]byte, 4)
	if _, err := io.ReadFull(conn.c, status); err != nil {
		return fmt.Errorf("reading status for %q: %w", req, err)
	}
	switch string(status) {
	case "OKAY":
		return nil
	case "FAIL":
		msg, err := conn.ReadFrame()
		if err != nil {
			return fmt.Errorf("request %q failed and the failure message was unreadable: %w", req, err)
		}
		return fmt.Errorf("request %q failed: %s", req, msg)
	default:
		return fmt.Errorf("unexpected status %q for request %q: %w", status, req, ErrMalformedResponse)
	}
}

// ReadFrame reads one hex-length prefixed payload from the server.
func (conn *ServerConnection) ReadFrame() (string, error) {
	lengthField := make([]byte, 4)
	if _, err := io.ReadFull(conn.c, lengthField); err != nil {
		return "", fmt.Errorf("reading frame length: %w", err)
	}
	length, err := strconv.ParseUint(string(lengthField), 16, 32)
	if err != nil {
		return "", fmt.Errorf("frame length %q is not hex: %w", lengthField, ErrMalformedResponse)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn.c, payload); err != nil {
		return "", fmt.Errorf("reading %d byte frame: %w", length, err)
	}
	return string(payload), nil
}

// Conn exposes the underlying connection for raw relaying after the framed
// request phase is over. The ServerConnection must not be used afterwards.
func (conn *ServerConnection) Conn() net.Conn {
	return conn.c
}

// Close closes the underlying connection.
func (conn *ServerConnection) Close() error {
	return conn.c.Close()
}
