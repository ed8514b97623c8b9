// xHCI controller wiring
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"fmt"
	"sync"
	"time"

	"github.com/usbarmory/xhci/dma"
	"github.com/usbarmory/xhci/pcihc"
	"github.com/usbarmory/xhci/reg"
	"github.com/usbarmory/xhci/ring"
	"github.com/usbarmory/xhci/roothub"
	"github.com/usbarmory/xhci/slot"
	"github.com/usbarmory/xhci/urb"
)

// haltTimeout bounds the wait for USBSTS.HCH after clearing USBCMD.RUN.
const haltTimeout = 20 * time.Millisecond

// resetTimeout bounds the wait for USBSTS.CNR to clear after HCRST.
const resetTimeout = 100 * time.Millisecond

// hcrstStall is the REQUIRED stall after writing HCRST, before any other
// register access, per spec.md §6's reset-sequencing erratum.
const hcrstStall = 1000 // microseconds

// eventRingEntries is the event-ring segment entry count, per spec.md §3:
// 128 for the DXE variant, 256 for PEI (PEI shares a single ring across
// every class, so it is sized larger).
func eventRingEntries(variant slot.Variant) int {
	if variant == slot.VariantPEI {
		return 256
	}

	return 128
}

// Controller is a single attached xHCI host controller instance,
// composing the register planes, DMA pool, command/event rings,
// device-slot table, URB engine, and root-hub poller into the public
// operation table spec.md §6 names. A Controller must not be copied
// after construction.
type Controller struct {
	mu sync.Mutex

	dev   pcihc.Device
	clock pcihc.Clock
	ebs   pcihc.ExitBootServices

	cap reg.Capability
	op  reg.Operational
	rt  reg.Runtime
	db  reg.Doorbell

	pool *dma.Pool

	size    slot.ContextSize
	variant slot.Variant

	table slot.Table
	slots *slot.Manager
	urb   *urb.Engine
	hub   *roothub.Poller

	cmdRing *ring.Ring
	cmdEvts *ring.EventRing

	maxPorts int
	maxSlots int

	legacyAddr uintptr

	savedPCICommand uint32
}

func (c *Controller) stall(us uint32) {
	if c.clock != nil {
		c.clock.StallMicroseconds(us)
	}
}

func (c *Controller) waitBit(read func() uint32, mask uint32, wantSet bool, timeout time.Duration) bool {
	return reg.WaitBit(read, mask, wantSet, timeout, c.stall)
}

// checkHCE reports USBSTS.HSE/HCE, checked at entry to every
// public operation per spec.md §7.
func (c *Controller) checkHCE(op string) error {
	sts := c.op.USBSts()

	if sts&(1<<reg.USBSTS_HSE) != 0 || sts&(1<<reg.USBSTS_HCE) != 0 {
		return hostControllerError(op, fmt.Errorf("USBSTS=%#x", sts))
	}

	return nil
}

// flush pushes posted writes to the device, called after every public
// entry point completes per spec.md §6. Errors are logged-and-ignored by
// callers that are already returning a more specific error; a Flush
// failure alone is reported when nothing else failed.
func (c *Controller) flush() error {
	if c.dev == nil {
		return nil
	}

	return c.dev.Flush()
}

// New attaches to and initializes the xHCI controller behind dev's BAR0,
// per spec.md §4's controller construction sequence and §6's reset
// sequencing. ebs may be nil if the caller has no exit-boot-services
// signal to register against (e.g. the PEI variant, which runs before
// such a signal exists).
func New(dev pcihc.Device, clock pcihc.Clock, ebs pcihc.ExitBootServices, variant slot.Variant) (*Controller, error) {
	base0, _, err := dev.BAR(0)

	if err != nil {
		return nil, resourceError("New", err)
	}

	c := &Controller{dev: dev, clock: clock, ebs: ebs, variant: variant}

	c.cap = reg.Capability{Base: uintptr(base0)}
	c.op = reg.Operational{Base: uintptr(base0) + uintptr(c.cap.CapLength())}
	c.rt = reg.Runtime{Base: uintptr(base0) + uintptr(c.cap.RTSOff())}
	c.db = reg.Doorbell{Base: uintptr(base0) + uintptr(c.cap.DBOff())}

	if cmd, cerr := dev.ConfigRead32(0x04); cerr == nil {
		c.savedPCICommand = cmd
	}

	c.claimLegacy()

	if err := c.haltAndReset(); err != nil {
		return nil, err
	}

	c.pool = dma.NewPool(dev, 0, 0)

	c.size = slot.Context32

	if c.cap.CSZ() {
		c.size = slot.Context64
	}

	entries := eventRingEntries(variant)

	c.cmdRing, err = ring.New(c.pool, slot.TransferRingCount)

	if err != nil {
		return nil, resourceError("New", err)
	}

	c.cmdEvts, err = ring.NewEventRing(c.pool, entries)

	if err != nil {
		return nil, resourceError("New", err)
	}

	c.programInterrupter(0, c.cmdEvts)

	var events [4]*ring.EventRing
	var writebacks [4]func(uint64)

	if variant == slot.VariantDXE {
		for i := 0; i < 4; i++ {
			er, err := ring.NewEventRing(c.pool, entries)

			if err != nil {
				return nil, resourceError("New", err)
			}

			n := i + 1
			c.programInterrupter(n, er)

			events[i] = er
			writebacks[i] = c.writebackFor(n)
		}
	} else {
		wb := c.writebackFor(0)

		for i := 0; i < 4; i++ {
			events[i] = c.cmdEvts
			writebacks[i] = wb
		}
	}

	c.maxPorts = c.cap.MaxPorts()
	c.maxSlots = c.cap.MaxSlots()

	c.slots, err = slot.NewManager(c.pool, c.size, variant, &c.table, c.cmdRing, c.cmdEvts, c.db, clock, c.writebackFor(0))

	if err != nil {
		return nil, resourceError("New", err)
	}

	if err := c.setupScratchpad(); err != nil {
		return nil, err
	}

	c.urb = urb.NewEngine(c.pool, c.slots, variant, clock, c.db, events, writebacks)
	c.hub = roothub.NewPoller(c.op, c.slots, &c.table, variant, clock, c.urb)

	c.op.SetDCBAAP(c.slots.DCBAAP())
	c.op.SetCRCR(c.cmdRing.InitialCRCR())
	c.op.SetConfig(uint32(c.maxSlots))

	reg.Set(c.op.Base+reg.USBCMD, reg.USBCMD_INTE)

	c.op.Run()

	if ebs != nil {
		if err := ebs.Register(c.onExitBootServices); err != nil {
			return nil, resourceError("New", err)
		}
	}

	if err := c.flush(); err != nil {
		return nil, resourceError("New", err)
	}

	return c, nil
}

// programInterrupter configures interrupter n for event ring er: ERSTSZ,
// ERSTBA, initial ERDP, and IMAN.IE, per spec.md §4.1's "Event ring
// construction".
func (c *Controller) programInterrupter(n int, er *ring.EventRing) {
	c.rt.SetERSTSZ(n, er.ERSTSZ())
	c.rt.SetERSTBA(n, er.ERSTBA())
	c.rt.SetERDP(n, er.InitialERDP())
	c.rt.EnableInterrupter(n)
}

// writebackFor returns the ERDP-writeback closure for interrupter n,
// setting EHB (event-handler busy) to acknowledge the serviced batch per
// spec.md §4.3.
func (c *Controller) writebackFor(n int) func(uint64) {
	return func(v uint64) {
		c.rt.SetERDP(n, v|1<<reg.ERDP_EHB)
	}
}

// haltAndReset implements spec.md §6's reset sequencing: halt (if
// running), assert HCRST, stall the REQUIRED 1 ms, then wait for CNR to
// clear. The PCI command register's SERR# bit is propagated to
// USBCMD.HSEE afterward, per spec.md §6's downstream contract.
func (c *Controller) haltAndReset() error {
	c.op.Halt()

	if !c.op.WaitHalted(haltTimeout, c.stall) {
		return timeoutError("New", fmt.Errorf("controller did not halt"))
	}

	reg.Set(c.op.Base+reg.USBCMD, reg.USBCMD_HCRST)

	c.stall(hcrstStall)

	if !c.waitBit(func() uint32 { return c.op.USBSts() }, 1<<reg.USBSTS_CNR, false, resetTimeout) {
		return timeoutError("New", fmt.Errorf("controller not ready after reset"))
	}

	if c.dev != nil {
		if cmd, err := c.dev.ConfigRead32(0x04); err == nil && cmd&(1<<8) != 0 {
			reg.Set(c.op.Base+reg.USBCMD, reg.USBCMD_HSEE)
		}
	}

	return nil
}

// setupScratchpad allocates the scratchpad buffer array HCSPARAMS2
// requires and records its device address in DCBAA slot 0, per spec.md
// §3's Controller-instance "owned resources".
func (c *Controller) setupScratchpad() error {
	n := c.cap.MaxScratchpads()

	if n <= 0 {
		return nil
	}

	pageSize := int(c.op.PageSize())

	if pageSize <= 0 {
		pageSize = 4096
	}

	arrayHost, err := c.pool.Alloc(n*8, false)

	if err != nil {
		return resourceError("New", err)
	}

	for i := 0; i < n; i++ {
		_, device, err := c.pool.AllocAlignedPages(1, pageSize)

		if err != nil {
			return resourceError("New", err)
		}

		reg.Write64Split(arrayHost+uintptr(i*8), device)
	}

	arrayDevice, err := c.pool.HostToDevice(arrayHost, n*8)

	if err != nil {
		return resourceError("New", err)
	}

	c.slots.SetScratchpadArray(arrayDevice)

	return nil
}
