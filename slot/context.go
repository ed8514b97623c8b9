// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package slot

import "github.com/usbarmory/xhci/reg"

// ContextSize selects between the 32-byte and 64-byte Slot/Endpoint
// Context layouts, per the controller's HCCPARAMS.CSZ capability bit
// (spec.md §3). Every context accessor in this package takes a
// ContextSize so a single code path serves both layouts rather than
// duplicating it.
type ContextSize int

const (
	Context32 ContextSize = 32
	Context64 ContextSize = 64
)

// entry is the per-dword-block size within a context entry:
// 32 bytes for CSZ=0, 64 bytes (with the upper half reserved/zero) for
// CSZ=1.
func (c ContextSize) entry() int { return int(c) }

// EndpointCount is the fixed number of endpoint context slots following
// the Slot Context in every Device/Input Context (DCI 1..31).
const EndpointCount = 31

// DeviceContextSize returns the total byte size of an Output Device
// Context: one Slot Context entry plus 31 Endpoint Context entries.
func (c ContextSize) DeviceContextSize() int {
	return c.entry() * (1 + EndpointCount)
}

// InputContextSize returns the total byte size of an Input Context: the
// Input Control Context entry, the Slot Context entry, plus 31 Endpoint
// Context entries.
func (c ContextSize) InputContextSize() int {
	return c.entry() * (2 + EndpointCount)
}

// InputControlContext is a view over the first context entry of an Input
// Context, carrying the Drop/Add Context bitmaps (xHCI §6.2.5.1).
type InputControlContext struct {
	Base uintptr
}

func (c InputControlContext) DropFlags() uint32 { return reg.Read32(c.Base) }
func (c InputControlContext) SetDropFlags(v uint32) { reg.Write32(c.Base, v) }

func (c InputControlContext) AddFlags() uint32 { return reg.Read32(c.Base + 4) }
func (c InputControlContext) SetAddFlags(v uint32) { reg.Write32(c.Base+4, v) }

// SetAdd sets the Add-Context bit for the given context index (0=Slot,
// 1..31=DCI) in the A-flags word.
func (c InputControlContext) SetAdd(index uint32) {
	c.SetAddFlags(c.AddFlags() | (1 << index))
}

// SetDrop sets the Drop-Context bit for the given DCI in the D-flags word.
func (c InputControlContext) SetDrop(index uint32) {
	c.SetDropFlags(c.DropFlags() | (1 << index))
}

// SlotContext is a view over a Slot Context entry (xHCI §6.2.2), shared
// between Input and Output/Device Contexts.
type SlotContext struct {
	Base uintptr
}

func (s SlotContext) dword0() uint32      { return reg.Read32(s.Base) }
func (s SlotContext) setDword0(v uint32)  { reg.Write32(s.Base, v) }
func (s SlotContext) dword1() uint32      { return reg.Read32(s.Base + 4) }
func (s SlotContext) setDword1(v uint32)  { reg.Write32(s.Base+4, v) }
func (s SlotContext) dword2() uint32      { return reg.Read32(s.Base + 8) }
func (s SlotContext) setDword2(v uint32)  { reg.Write32(s.Base+8, v) }
func (s SlotContext) dword3() uint32      { return reg.Read32(s.Base + 12) }
func (s SlotContext) setDword3(v uint32)  { reg.Write32(s.Base+12, v) }

func (s SlotContext) RouteString() uint32 { return s.dword0() & 0xFFFFF }
func (s SlotContext) SetRouteString(v uint32) {
	s.setDword0((s.dword0() &^ 0xFFFFF) | (v & 0xFFFFF))
}

func (s SlotContext) Speed() uint32 { return (s.dword0() >> 20) & 0xF }
func (s SlotContext) SetSpeed(v uint32) {
	s.setDword0((s.dword0() &^ (0xF << 20)) | ((v & 0xF) << 20))
}

func (s SlotContext) MTT() bool { return s.dword0()&(1<<25) != 0 }
func (s SlotContext) SetMTT(v bool) {
	if v {
		s.setDword0(s.dword0() | (1 << 25))
	} else {
		s.setDword0(s.dword0() &^ (1 << 25))
	}
}

func (s SlotContext) Hub() bool { return s.dword0()&(1<<26) != 0 }
func (s SlotContext) SetHub(v bool) {
	if v {
		s.setDword0(s.dword0() | (1 << 26))
	} else {
		s.setDword0(s.dword0() &^ (1 << 26))
	}
}

func (s SlotContext) ContextEntries() uint32 { return (s.dword0() >> 27) & 0x1F }
func (s SlotContext) SetContextEntries(v uint32) {
	s.setDword0((s.dword0() &^ (0x1F << 27)) | ((v & 0x1F) << 27))
}

func (s SlotContext) RootHubPortNum() uint32 { return (s.dword1() >> 16) & 0xFF }
func (s SlotContext) SetRootHubPortNum(v uint32) {
	s.setDword1((s.dword1() &^ (0xFF << 16)) | ((v & 0xFF) << 16))
}

func (s SlotContext) NumPorts() uint32 { return s.dword1() & 0xFF }
func (s SlotContext) SetNumPorts(v uint32) {
	s.setDword1((s.dword1() &^ 0xFF) | (v & 0xFF))
}

func (s SlotContext) TTHubSlotID() uint32 { return s.dword2() & 0xFF }
func (s SlotContext) SetTTHubSlotID(v uint32) {
	s.setDword2((s.dword2() &^ 0xFF) | (v & 0xFF))
}

func (s SlotContext) TTPortNum() uint32 { return (s.dword2() >> 8) & 0xFF }
func (s SlotContext) SetTTPortNum(v uint32) {
	s.setDword2((s.dword2() &^ (0xFF << 8)) | ((v & 0xFF) << 8))
}

func (s SlotContext) TTT() uint32 { return (s.dword2() >> 16) & 0x3 }
func (s SlotContext) SetTTT(v uint32) {
	s.setDword2((s.dword2() &^ (0x3 << 16)) | ((v & 0x3) << 16))
}

func (s SlotContext) DeviceAddress() uint32 { return s.dword3() & 0xFF }

func (s SlotContext) SlotState() uint32 { return (s.dword3() >> 27) & 0x1F }

// Raw returns the Slot Context's four control dwords, used to copy a Slot
// Context verbatim from an Output Device Context into an Input Context
// ahead of a Configure Endpoint or Configure Hub Slot command.
func (s SlotContext) Raw() [4]uint32 {
	return [4]uint32{s.dword0(), s.dword1(), s.dword2(), s.dword3()}
}

// SetRaw restores a Slot Context's four control dwords from Raw.
func (s SlotContext) SetRaw(v [4]uint32) {
	s.setDword0(v[0])
	s.setDword1(v[1])
	s.setDword2(v[2])
	s.setDword3(v[3])
}

// EndpointType values (xHCI Table 6-9), matching the original source's
// ED_* constants.
const (
	EPNotValid    = 0
	EPIsochOut    = 1
	EPBulkOut     = 2
	EPInterruptOut = 3
	EPControlBidir = 4
	EPIsochIn     = 5
	EPBulkIn      = 6
	EPInterruptIn = 7
)

// EndpointContext is a view over an Endpoint Context entry (xHCI §6.2.3).
type EndpointContext struct {
	Base uintptr
}

func (e EndpointContext) dword0() uint32     { return reg.Read32(e.Base) }
func (e EndpointContext) setDword0(v uint32) { reg.Write32(e.Base, v) }
func (e EndpointContext) dword1() uint32     { return reg.Read32(e.Base + 4) }
func (e EndpointContext) setDword1(v uint32) { reg.Write32(e.Base+4, v) }

func (e EndpointContext) Interval() uint32 { return (e.dword0() >> 16) & 0xFF }
func (e EndpointContext) SetInterval(v uint32) {
	e.setDword0((e.dword0() &^ (0xFF << 16)) | ((v & 0xFF) << 16))
}

func (e EndpointContext) CErr() uint32 { return (e.dword1() >> 1) & 0x3 }
func (e EndpointContext) SetCErr(v uint32) {
	e.setDword1((e.dword1() &^ (0x3 << 1)) | ((v & 0x3) << 1))
}

func (e EndpointContext) EPType() uint32 { return (e.dword1() >> 3) & 0x7 }
func (e EndpointContext) SetEPType(v uint32) {
	e.setDword1((e.dword1() &^ (0x7 << 3)) | ((v & 0x7) << 3))
}

func (e EndpointContext) MaxPacketSize() uint32 { return (e.dword1() >> 16) & 0xFFFF }
func (e EndpointContext) SetMaxPacketSize(v uint32) {
	e.setDword1((e.dword1() &^ (0xFFFF << 16)) | ((v & 0xFFFF) << 16))
}

func (e EndpointContext) DequeuePointer() uint64 {
	return reg.Read64Split(e.Base + 8)
}

// SetDequeuePointer programs the TR Dequeue Pointer field together with
// the initial DCS bit (bit 0 of the low dword).
func (e EndpointContext) SetDequeuePointer(ptr uint64, dcs bool) {
	v := ptr &^ 0xF

	if dcs {
		v |= 1
	}

	reg.Write64Split(e.Base+8, v)
}

func (e EndpointContext) dword4() uint32     { return reg.Read32(e.Base + 16) }
func (e EndpointContext) setDword4(v uint32) { reg.Write32(e.Base+16, v) }

func (e EndpointContext) SetAverageTRBLength(v uint32) {
	e.setDword4((e.dword4() &^ 0xFFFF) | (v & 0xFFFF))
}

func (e EndpointContext) SetMaxESITPayload(v uint32) {
	e.setDword4((e.dword4() &^ (0xFFFF << 16)) | ((v & 0xFFFF) << 16))
}

func (e EndpointContext) EPState() uint32 { return e.dword0() & 0x7 }

// Device is a typed view over an Output Device Context or the
// Slot+Endpoint portion of an Input Context, given the context size and
// a base address (host-addressable).
type Device struct {
	Base uintptr
	Size ContextSize
}

// Slot returns the Slot Context view at the start of the device block.
func (d Device) Slot() SlotContext { return SlotContext{Base: d.Base} }

// Endpoint returns the Endpoint Context view for DCI dci (1..31).
func (d Device) Endpoint(dci int) EndpointContext {
	off := uintptr(d.Size.entry()) * uintptr(dci)
	return EndpointContext{Base: d.Base + off}
}

// Input is a typed view over a full Input Context (control context, slot,
// and endpoints).
type Input struct {
	Base uintptr
	Size ContextSize
}

func (i Input) Control() InputControlContext { return InputControlContext{Base: i.Base} }

func (i Input) Device() Device {
	return Device{Base: i.Base + uintptr(i.Size.entry()), Size: i.Size}
}
