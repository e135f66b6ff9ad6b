// Package ports assigns the per-device TCP port pairs. Allocation is a pure
// function of the enumerated device order and the two base ports, so a
// re-enumeration recomputes every assignment from scratch and callers must
// treat a changed device set as invalidating all previous assignments.
package ports

import (
	"fmt"

	"github.com/phonemirror/go-adb-relay/adb"
)

// Assignment is the port pair of one device for the lifetime of one
// enumeration snapshot.
type Assignment struct {
	Serial      string
	Index       int
	ControlPort int
	MediaPort   int
}

// PortExhaustionError means the configured base ports do not leave room for
// the enumerated device count. This is an operator configuration problem, the
// base ranges have to be spread further apart.
type PortExhaustionError struct {
	Devices  int
	Capacity int
}

func (e *PortExhaustionError) Error() string {
	return fmt.Sprintf("cannot assign ports for %d devices, the configured base ports leave room for %d", e.Devices, e.Capacity)
}

// Allocate assigns controlBase+i and mediaBase+i to the device at rank i.
// The lower of the two ranges must stay below the upper base and the upper
// range must fit into the port space, otherwise a PortExhaustionError is
// returned and no assignment at all is made.
func Allocate(devices []adb.DeviceEntry, controlBase, mediaBase int) ([]Assignment, error) {
	capacity := pairCapacity(controlBase, mediaBase)
	if len(devices) > capacity {
		return nil, &PortExhaustionError{Devices: len(devices), Capacity: capacity}
	}
	assignments := make([]Assignment, len(devices))
	for i, device := range devices {
		assignments[i] = Assignment{
			Serial:      device.Serial,
			Index:       i,
			ControlPort: controlBase + i,
			MediaPort:   mediaBase + i,
		}
	}
	return assignments, nil
}

func pairCapacity(controlBase, mediaBase int) int {
	lower, upper := controlBase, mediaBase
	if lower > upper {
		lower, upper = upper, lower
	}
	if lower < 1 || upper > 65535 {
		return 0
	}
	capacity := upper - lower
	if remaining := 65536 - upper; remaining < capacity {
		capacity = remaining
	}
	return capacity
}
