// xHCI register planes
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import (
	"math/bits"
	"time"
)

// Capability-register offsets, relative to the BAR0 base (spec.md §4.1).
const (
	CAPLENGTH  = 0x00
	HCIVERSION = 0x02
	HCSPARAMS1 = 0x04
	HCSPARAMS2 = 0x08
	HCSPARAMS3 = 0x0C
	HCCPARAMS  = 0x10
	DBOFF      = 0x14
	RTSOFF     = 0x18
)

// Operational-register offsets, relative to the operational base
// (BAR0 + CAPLENGTH).
const (
	USBCMD   = 0x00
	USBSTS   = 0x04
	PAGESIZE = 0x08
	DNCTRL   = 0x14
	CRCR     = 0x18
	DCBAAP   = 0x30
	CONFIG   = 0x38
	PORTSC0  = 0x400
	PORTSCSz = 0x10
)

// USBCMD bits.
const (
	USBCMD_RS    = 0
	USBCMD_HCRST = 1
	USBCMD_INTE  = 2
	USBCMD_HSEE  = 3
)

// USBSTS bits.
const (
	USBSTS_HCH = 0
	USBSTS_HSE = 2
	USBSTS_EINT = 3
	USBSTS_PCD = 4
	USBSTS_CNR = 11
	USBSTS_HCE = 12
)

// HCCPARAMS bits.
const (
	HCCPARAMS_AC64      = 0
	HCCPARAMS_CSZ       = 2
	HCCPARAMS_XECP_POS  = 16
	HCCPARAMS_XECP_MASK = 0xFFFF
)

// PORTSC bits (per-port status and control), spec.md §4.6.
const (
	PORTSC_CCS  = 0
	PORTSC_PED  = 1
	PORTSC_OCA  = 3
	PORTSC_PR   = 4
	PORTSC_PLS  = 5
	PORTSC_PLSMask = 0xF
	PORTSC_PP   = 9
	PORTSC_SPEED = 10
	PORTSC_SPEEDMask = 0xF
	PORTSC_LWS  = 16
	PORTSC_CSC  = 17
	PORTSC_PEC  = 18
	PORTSC_WRC  = 19
	PORTSC_OCC  = 20
	PORTSC_PRC  = 21
	PORTSC_PLC  = 22
	PORTSC_CEC  = 23
)

// Runtime-register offsets, relative to the runtime base (BAR0 + RTSOFF).
const (
	MFINDEX        = 0x00
	IR0            = 0x20
	interrupterLen = 0x20
)

// Per-interrupter offsets, relative to an interrupter's base.
const (
	IMAN   = 0x00
	IMOD   = 0x04
	ERSTSZ = 0x08
	ERSTBA = 0x10
	ERDP   = 0x18
)

// IMAN bits.
const (
	IMAN_IP = 0
	IMAN_IE = 1
)

// ERDP bits.
const ERDP_EHB = 3

// Doorbell offset, relative to the doorbell base (BAR0 + DBOFF). Index 0
// is the command-ring doorbell; 1..255 are slot doorbells.
const DoorbellSize = 4

// Capability is a read-only view over the Capability register plane.
type Capability struct {
	Base uintptr
}

func (c Capability) CapLength() uint8    { return uint8(Read32(c.Base + CAPLENGTH)) }
func (c Capability) HCIVersion() uint16  { return Read16(c.Base + HCIVERSION) }
func (c Capability) HCSParams1() uint32  { return Read32(c.Base + HCSPARAMS1) }
func (c Capability) HCSParams2() uint32  { return Read32(c.Base + HCSPARAMS2) }
func (c Capability) HCSParams3() uint32  { return Read32(c.Base + HCSPARAMS3) }
func (c Capability) HCCParams() uint32   { return Read32(c.Base + HCCPARAMS) }
func (c Capability) DBOff() uint32       { return Read32(c.Base + DBOFF) &^ 0b11 }
func (c Capability) RTSOff() uint32      { return Read32(c.Base + RTSOFF) &^ 0b11111 }

// MaxPorts returns HCSPARAMS1's MaxPorts field.
func (c Capability) MaxPorts() int { return int((c.HCSParams1() >> 24) & 0xFF) }

// MaxSlots returns HCSPARAMS1's MaxSlots field.
func (c Capability) MaxSlots() int { return int(c.HCSParams1() & 0xFF) }

// MaxIntrs returns HCSPARAMS1's MaxIntrs field.
func (c Capability) MaxIntrs() int { return int((c.HCSParams1() >> 8) & 0x7FF) }

// MaxScratchpads returns HCSPARAMS2's Max Scratchpad Buffers field.
func (c Capability) MaxScratchpads() int {
	hi := (c.HCSParams2() >> 21) & 0x1F
	lo := (c.HCSParams2() >> 27) & 0x1F
	return int(hi<<5 | lo)
}

// AC64 reports whether the controller supports 64-bit addressing.
func (c Capability) AC64() bool { return Get(c.Base+HCCPARAMS, HCCPARAMS_AC64, 1) == 1 }

// CSZ reports whether device/input contexts use the 64-byte layout.
func (c Capability) CSZ() bool { return Get(c.Base+HCCPARAMS, HCCPARAMS_CSZ, 1) == 1 }

// ExtCapOffset returns the address of the first extended capability
// (the capability base plus HCCPARAMS.xECP dwords), or 0 if none exists.
func (c Capability) ExtCapOffset() uintptr {
	off := Get(c.Base+HCCPARAMS, HCCPARAMS_XECP_POS, HCCPARAMS_XECP_MASK)

	if off == 0 {
		return 0
	}

	return c.Base + uintptr(off)<<2
}

// Operational is a read/write view over the Operational register plane.
type Operational struct {
	Base uintptr
}

func (o Operational) USBCmd() uint32          { return Read32(o.Base + USBCMD) }
func (o Operational) SetUSBCmd(v uint32)      { Write32(o.Base+USBCMD, v) }
func (o Operational) USBSts() uint32          { return Read32(o.Base + USBSTS) }
func (o Operational) SetUSBSts(v uint32)      { Write32(o.Base+USBSTS, v) }
// PageSize decodes the PAGESIZE register into a byte count. The register
// is a bitmap, not a literal size: bit n set means the controller supports
// a 2^(n+12)-byte page, per original_source's XhcGetPageSize (`1 <<
// (HighBitSet32 (PageSize) + 12)`). A zero register (no bit set) is
// reported as 0 so callers fall back to the architectural 4 KiB default.
func (o Operational) PageSize() uint32 {
	raw := Read32(o.Base + PAGESIZE)

	if raw == 0 {
		return 0
	}

	return 1 << uint(bits.Len32(raw)-1+12)
}
func (o Operational) CRCR() uint64            { return Read64Split(o.Base + CRCR) }
func (o Operational) SetCRCR(v uint64)        { Write64Split(o.Base+CRCR, v) }
func (o Operational) DCBAAP() uint64          { return Read64Split(o.Base + DCBAAP) }
func (o Operational) SetDCBAAP(v uint64)      { Write64Split(o.Base+DCBAAP, v) }
func (o Operational) Config() uint32          { return Read32(o.Base + CONFIG) }
func (o Operational) SetConfig(v uint32)      { Write32(o.Base+CONFIG, v) }

// PortSCAddr returns the PORTSC register address for the given 0-based port
// index.
func (o Operational) PortSCAddr(port int) uintptr {
	return o.Base + PORTSC0 + uintptr(port)*PORTSCSz
}

func (o Operational) PortSC(port int) uint32     { return Read32(o.PortSCAddr(port)) }
func (o Operational) SetPortSC(port int, v uint32) { Write32(o.PortSCAddr(port), v) }

// Run starts the controller (USBCMD.RS).
func (o Operational) Run() { Set(o.Base+USBCMD, USBCMD_RS) }

// Halt stops the controller (clears USBCMD.RS).
func (o Operational) Halt() { Clear(o.Base+USBCMD, USBCMD_RS) }

// WaitHalted waits for USBSTS.HCH to assert, with the given stall/timeout.
func (o Operational) WaitHalted(timeout time.Duration, stall func(uint32)) bool {
	return WaitBit(func() uint32 { return o.USBSts() }, 1<<USBSTS_HCH, true, timeout, stall)
}

// Runtime is a read/write view over the Runtime register plane.
type Runtime struct {
	Base uintptr
}

func (r Runtime) interrupter(n int) uintptr {
	return r.Base + IR0 + uintptr(n)*interrupterLen
}

func (r Runtime) IMAN(n int) uint32          { return Read32(r.interrupter(n) + IMAN) }
func (r Runtime) SetIMAN(n int, v uint32)    { Write32(r.interrupter(n)+IMAN, v) }
func (r Runtime) SetERSTSZ(n int, v uint32)  { Write32(r.interrupter(n)+ERSTSZ, v) }
func (r Runtime) SetERSTBA(n int, v uint64)  { Write64Split(r.interrupter(n)+ERSTBA, v) }
func (r Runtime) ERDP(n int) uint64          { return Read64Split(r.interrupter(n) + ERDP) }
func (r Runtime) SetERDP(n int, v uint64)    { Write64Split(r.interrupter(n)+ERDP, v) }

// EnableInterrupter sets IMAN.IE for interrupter n.
func (r Runtime) EnableInterrupter(n int) { Set(r.interrupter(n)+IMAN, IMAN_IE) }

// Doorbell is a write-only view over the Doorbell register plane.
type Doorbell struct {
	Base uintptr
}

// Ring writes the doorbell for the given slot id (0 = command ring) with
// the given target (DCI for transfer rings, 0 for the command ring).
func (d Doorbell) Ring(slot int, target uint8) {
	Write32(d.Base+uintptr(slot)*DoorbellSize, uint32(target))
}

// ExtCap walks the Extended Capability linked list.
type ExtCap struct {
	Base uintptr
}

// ExtCapID identifies a capability entry found while walking the
// extended-capability list.
const (
	ExtCapUSBLegacy      = 1
	ExtCapSupportedProto = 2
	ExtCapDebug          = 10
)

// Next walks to the next extended capability header; addr==0 signals the
// list's end.
func (e ExtCap) Next(addr uintptr) (id uint8, next uintptr) {
	if addr == 0 {
		return 0, 0
	}

	header := Read32(addr)
	id = uint8(header)
	offset := (header >> 8) & 0xFF

	if offset == 0 {
		return id, 0
	}

	return id, addr + uintptr(offset)<<2
}

// Find walks the extended-capability list starting at start looking for
// the first entry matching id, returning its address or 0 if absent.
func (e ExtCap) Find(start uintptr, id uint8) uintptr {
	addr := start

	for addr != 0 {
		gotID, next := e.Next(addr)

		if gotID == id {
			return addr
		}

		addr = next
	}

	return 0
}
