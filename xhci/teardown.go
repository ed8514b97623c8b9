// xHCI legacy BIOS handoff and exit-boot-services teardown
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"time"

	"github.com/usbarmory/xhci/reg"
)

// legacyHandoffTimeout bounds the wait for the BIOS-owned semaphore to
// clear during legacy handoff.
const legacyHandoffTimeout = 1 * time.Second

// USB Legacy Support Extended Capability (USBLEGSUP) bit positions,
// within the first dword of the capability.
const (
	legacyBIOSOwned = 16
	legacyOSOwned   = 24
)

// claimLegacy walks the extended-capability list for the USB Legacy
// Support capability and, if present, claims ownership from the BIOS:
// set the OS-owned bit, then wait for the BIOS-owned bit to clear,
// per spec.md §6's exit-boot-notification contract (performed in
// reverse at teardown). Absence of the capability is not an error.
func (c *Controller) claimLegacy() {
	ext := reg.ExtCap{Base: c.cap.Base}

	addr := c.cap.ExtCapOffset()

	if addr == 0 {
		return
	}

	c.legacyAddr = ext.Find(addr, reg.ExtCapUSBLegacy)

	if c.legacyAddr == 0 {
		return
	}

	reg.Set(c.legacyAddr, legacyOSOwned)

	c.waitBit(func() uint32 { return reg.Read32(c.legacyAddr) }, 1<<legacyBIOSOwned, false, legacyHandoffTimeout)
}

// onExitBootServices implements spec.md §6's "Exit-boot notification":
// cancel the poll timer (the caller's responsibility; this controller
// exposes no timer of its own to cancel), halt the controller, hand
// legacy ownership back to the BIOS, and restore the PCI command
// register saved at attach. Every step is best-effort: spec.md §7's
// propagation policy says this path ignores errors entirely.
func (c *Controller) onExitBootServices() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.op.Halt()
	c.op.WaitHalted(haltTimeout, c.stall)

	if c.legacyAddr != 0 {
		reg.Clear(c.legacyAddr, legacyOSOwned)
		reg.Set(c.legacyAddr, legacyBIOSOwned)
	}

	if c.dev != nil {
		_ = c.dev.ConfigWrite32(0x04, c.savedPCICommand)
		_ = c.dev.Flush()
	}
}
