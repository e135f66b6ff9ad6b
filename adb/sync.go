package adb

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/lunixbochs/struc"
)

// The sync subprotocol frames every message with a 4 byte id and a
// little-endian length. For DONE the length field carries the file mtime.
type syncHeader struct {
	ID     [4]byte `struc:"[4]byte"`
	Length uint32  `struc:"uint32,little"`
}

const syncDataMax = 64 * 1024

// Push transfers content to remotePath on the device using the sync
// subprotocol: SEND with "path,mode", DATA chunks of at most 64 KiB, DONE
// with the mtime, then a final OKAY or FAIL from the device.
func (c *Client) Push(ctx context.Context, serial string, content io.Reader, remotePath string, mode uint32) error {
	conn, err := Dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Request("host:transport:" + serial); err != nil {
		return fmt.Errorf("selecting device %s: %w", serial, err)
	}
	if err := conn.Request("sync:"); err != nil {
		return fmt.Errorf("starting sync on device %s: %w", serial, err)
	}
	stream := conn.Conn()

	spec := fmt.Sprintf("%s,%d", remotePath, mode)
	if err := writeSyncFrame(stream, "SEND", []byte(spec)); err != nil {
		return fmt.Errorf("sending %s: %w", remotePath, err)
	}
	buf := make([]byte, syncDataMax)
	for {
		n, readErr := content.Read(buf)
		if n > 0 {
			if err := writeSyncFrame(stream, "DATA", buf[:n]); err != nil {
				return fmt.Errorf("sending %s: %w", remotePath, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading content for %s: %w", remotePath, readErr)
		}
	}
	done := syncHeader{Length: uint32(time.Now().Unix())}
	copy(done.ID[:], "DONE")
	if err := struc.Pack(stream, &done); err != nil {
		return fmt.Errorf("finishing %s: %w", remotePath, err)
	}

	var resp syncHeader
	if err := struc.Unpack(stream, &resp); err != nil {
		return fmt.Errorf("reading sync response for %s: %w", remotePath, err)
	}
	switch string(resp.ID[:]) {
	case "OKAY":
		return nil
	case "FAIL":
		msg := make([]byte, resp.Length)
		if _, err := io.ReadFull(stream, msg); err != nil {
			return fmt.Errorf("push to %s failed and the failure message was unreadable: %w", remotePath, err)
		}
		return fmt.Errorf("push to %s rejected by device: %s", remotePath, msg)
	default:
		return fmt.Errorf("unexpected sync response %q: %w", resp.ID, ErrMalformedResponse)
	}
}

func writeSyncFrame(w io.Writer, id string, payload []byte) error {
	header := syncHeader{Length: uint32(len(payload))}
	copy(header.ID[:], id)
	if err := struc.Pack(w, &header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
