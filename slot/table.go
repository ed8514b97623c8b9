// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package slot

import "github.com/usbarmory/xhci/ring"

// MaxSlots is the largest slot id space the table supports (spec.md §3:
// "up to 255 entries"); index 0 is unused, matching the 1..255 slot-id
// space and the 0 = invalid sentinel.
const MaxSlots = 255

// Entry is a single device-slot record (`UsbDevContext` in the original
// source).
type Entry struct {
	Enabled bool
	SlotID  uint8

	Route       Route
	ParentRoute Route

	// DeviceAddress is the xHCI-assigned USB device address, read back
	// from the Output Device Context after Address Device completes.
	DeviceAddress uint8

	// BusAddress is the address the upstream bus driver believes the
	// device has (recorded because xHCI replaces SET_ADDRESS with the
	// Address Device command).
	BusAddress uint8

	Speed Speed

	InputContextHost   uintptr
	OutputContextHost  uintptr
	OutputContextDevice uint64

	// EndpointRings is indexed by DCI 1..31 (index 0 unused).
	EndpointRings [EndpointCount + 1]*ring.Ring

	DeviceDescriptor []byte
	ConfigDescriptors [][]byte
	ActiveAltSetting  map[int]int // interface number -> alternate setting
}

func (e *Entry) reset() {
	*e = Entry{}
}

// Table owns the device-slot table as a field of the controller instance
// (never a package-level global, resolving spec.md §9's Design Note
// against a process-global slot array).
type Table struct {
	entries [MaxSlots + 1]Entry
}

// Get returns the slot entry for id (1..255). A zero or out-of-range id
// returns the invalid sentinel entry (Enabled=false, SlotID=0).
func (t *Table) Get(id uint8) *Entry {
	if int(id) > MaxSlots {
		return &Entry{}
	}

	return &t.entries[id]
}

// Alloc initializes entry id as a fresh enabled slot, zeroing any
// previous contents first.
func (t *Table) Alloc(id uint8, route, parentRoute Route) *Entry {
	e := t.Get(id)
	e.reset()
	e.Enabled = true
	e.SlotID = id
	e.Route = route
	e.ParentRoute = parentRoute

	return e
}

// ByBusAddress returns the enabled slot whose bus-requested device
// address matches addr, or nil.
func (t *Table) ByBusAddress(addr uint8) *Entry {
	for i := range t.entries {
		e := &t.entries[i]

		if e.Enabled && e.BusAddress == addr {
			return e
		}
	}

	return nil
}

// ByDeviceAddress returns the enabled slot whose xHCI-assigned device
// address matches addr, or nil.
func (t *Table) ByDeviceAddress(addr uint8) *Entry {
	for i := range t.entries {
		e := &t.entries[i]

		if e.Enabled && e.DeviceAddress == addr {
			return e
		}
	}

	return nil
}

// ByRoute returns the enabled slot whose route string matches route, or
// nil.
func (t *Table) ByRoute(route Route) *Entry {
	for i := range t.entries {
		e := &t.entries[i]

		if e.Enabled && e.Route.Equal(route) {
			return e
		}
	}

	return nil
}

// Children returns every enabled slot whose parent route string matches
// parent, used to recursively disable a hub's downstream devices.
func (t *Table) Children(parent Route) []*Entry {
	var out []*Entry

	for i := range t.entries {
		e := &t.entries[i]

		if e.Enabled && e.ParentRoute.Equal(parent) {
			out = append(out, e)
		}
	}

	return out
}
