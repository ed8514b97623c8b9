// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package slot

import (
	"fmt"
	"time"

	"github.com/usbarmory/xhci/dma"
	"github.com/usbarmory/xhci/pcihc"
	"github.com/usbarmory/xhci/reg"
	"github.com/usbarmory/xhci/ring"
	"github.com/usbarmory/xhci/trb"
)

// Variant selects between the DXE (full driver) and PEI (recovery boot)
// behavioral deltas spec.md §4.4 calls out: the PEI variant additionally
// gates slot creation on PRC, and marks iso endpoints' Add-Context bit
// differently during Configure Endpoint.
type Variant int

const (
	VariantDXE Variant = iota
	VariantPEI
)

// CommandTimeout bounds every command-ring completion wait.
const CommandTimeout = 500 * time.Millisecond

// CommandError reports a non-success completion code for a posted
// command, propagated to the caller per spec.md §7's propagation policy
// (command-ring failures are never silently retried by this package).
type CommandError struct {
	Command uint32
	Code    uint32
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("slot: command %d failed with completion code %d", e.Command, e.Code)
}

// ErrCommandTimeout is returned when a posted command's completion event
// is not observed within CommandTimeout.
var ErrCommandTimeout = fmt.Errorf("slot: command timed out")

// Manager owns the device-slot table, the Device Context Base Address
// Array, the command ring, and the seven xHCI command sequences that
// drive slot/endpoint lifecycle (spec.md §4.4).
type Manager struct {
	pool    *dma.Pool
	size    ContextSize
	variant Variant
	table   *Table

	cmdRing   *ring.Ring
	cmdEvents *ring.EventRing
	db        reg.Doorbell

	dcbaaHost   uintptr
	dcbaaDevice uint64

	clock     pcihc.Clock
	writeback func(erdp uint64)
}

// dcbaaSize is the DCBAA's byte size: one 8-byte pointer per slot id,
// including index 0, which xHCI reserves for the scratchpad buffer array
// pointer (written by SetScratchpadArray).
const dcbaaSize = (MaxSlots + 1) * 8

// NewManager allocates the DCBAA and wires together the command-sequence
// dependencies. writeback acknowledges the command-ring interrupter's
// ERDP between event polls.
func NewManager(pool *dma.Pool, size ContextSize, variant Variant, table *Table, cmdRing *ring.Ring, cmdEvents *ring.EventRing, db reg.Doorbell, clock pcihc.Clock, writeback func(uint64)) (*Manager, error) {
	dcbaaHost, err := pool.Alloc(dcbaaSize, false)

	if err != nil {
		return nil, fmt.Errorf("slot: %w", err)
	}

	dcbaaDevice, err := pool.HostToDevice(dcbaaHost, dcbaaSize)

	if err != nil {
		return nil, fmt.Errorf("slot: %w", err)
	}

	return &Manager{
		pool:        pool,
		size:        size,
		variant:     variant,
		table:       table,
		cmdRing:     cmdRing,
		cmdEvents:   cmdEvents,
		db:          db,
		dcbaaHost:   dcbaaHost,
		dcbaaDevice: dcbaaDevice,
		clock:       clock,
		writeback:   writeback,
	}, nil
}

// DCBAAP returns the device address to program into the Operational
// register DCBAAP.
func (m *Manager) DCBAAP() uint64 { return m.dcbaaDevice }

// SetScratchpadArray records the scratchpad buffer array's device
// address in DCBAA slot 0, as HCSPARAMS2.MaxScratchpadBuffers>0 requires
// (xHCI reserves slot 0 of the DCBAA for exactly this pointer).
func (m *Manager) SetScratchpadArray(device uint64) {
	reg.Write64Split(dcbaaSlotAddr(m.dcbaaHost, 0), device)
}

func (m *Manager) stall(us uint32) {
	if m.clock != nil {
		m.clock.StallMicroseconds(us)
	}
}

// postCommand enqueues t on the command ring, rings the command doorbell
// (slot 0, target 0), and blocks for its completion event, matching the
// original source's XhcCmdTransfer.
func (m *Manager) postCommand(t trb.TRB) (trb.TRB, error) {
	ptr := m.cmdRing.Enqueue(t)
	m.db.Ring(0, 0)

	ev, ok := m.cmdEvents.WaitForEvent(ptr, CommandTimeout, m.writeback, m.stall)

	if !ok {
		return trb.TRB{}, ErrCommandTimeout
	}

	if ev.CompletionCode() != trb.CompletionSuccess {
		return ev, &CommandError{Command: t.Type(), Code: ev.CompletionCode()}
	}

	return ev, nil
}

func dcbaaSlotAddr(dcbaaHost uintptr, id uint8) uintptr {
	return dcbaaHost + uintptr(id)*8
}

// EnableSlot posts the Enable Slot command and returns the slot id the
// controller assigned (1 <= id <= MaxSlotsEn).
func (m *Manager) EnableSlot() (uint8, error) {
	var t trb.TRB
	t.SetType(trb.TypeEnableSlot)

	ev, err := m.postCommand(t)

	if err != nil {
		return 0, err
	}

	return ev.SlotID(), nil
}

// DisableSlot recursively disables children of slot id (spec.md §4.4:
// "Disable Slot... recursively disable children"), then posts Disable
// Slot, clears DCBAA[id], frees the slot's transfer rings and contexts,
// and retains the table entry with Enabled=false.
func (m *Manager) DisableSlot(id uint8) error {
	e := m.table.Get(id)

	for _, child := range m.table.Children(e.Route) {
		if err := m.DisableSlot(child.SlotID); err != nil {
			return err
		}
	}

	var t trb.TRB
	t.SetType(trb.TypeDisableSlot)
	t.SetSlotID(id)

	if _, err := m.postCommand(t); err != nil {
		return err
	}

	reg.Write64Split(dcbaaSlotAddr(m.dcbaaHost, id), 0)

	for dci := 1; dci <= EndpointCount; dci++ {
		if r := e.EndpointRings[dci]; r != nil {
			r.Free()
			e.EndpointRings[dci] = nil
		}
	}

	if e.InputContextHost != 0 {
		if err := m.pool.Free(e.InputContextHost, m.size.InputContextSize()); err != nil {
			return fmt.Errorf("slot: %w", err)
		}
	}

	if e.OutputContextHost != 0 {
		if err := m.pool.Free(e.OutputContextHost, m.size.DeviceContextSize()); err != nil {
			return fmt.Errorf("slot: %w", err)
		}
	}

	enabled, slotID, route, parentRoute := false, e.SlotID, e.Route, e.ParentRoute
	e.reset()
	e.Enabled = enabled
	e.SlotID = slotID
	e.Route = route
	e.ParentRoute = parentRoute

	return nil
}

// InitializeDeviceSlot drives the full sequence spec.md §4.4 describes:
// Enable Slot, Input Context population (including TT inheritance from
// parent when behind a hub), EP0 transfer ring allocation, Output Device
// Context allocation + DCBAA write, and Address Device.
func (m *Manager) InitializeDeviceSlot(route, parentRoute Route, rootPort int, speed Speed, parent *Entry, parentPort int) (*Entry, error) {
	id, err := m.EnableSlot()

	if err != nil {
		return nil, err
	}

	e := m.table.Alloc(id, route, parentRoute)
	e.Speed = speed

	inputHost, err := m.pool.Alloc(m.size.InputContextSize(), false)

	if err != nil {
		return nil, fmt.Errorf("slot: %w", err)
	}

	e.InputContextHost = inputHost

	input := Input{Base: inputHost, Size: m.size}
	input.Control().SetAdd(0)
	input.Control().SetAdd(1)

	slotCtx := input.Device().Slot()
	slotCtx.SetRouteString(route.Pack())
	slotCtx.SetSpeed(speed.SlotSpeed())
	slotCtx.SetContextEntries(1)
	slotCtx.SetRootHubPortNum(uint32(rootPort))

	if parent != nil && !route.isRootChild() {
		parentCtx := Device{Base: parent.OutputContextHost, Size: m.size}.Slot()

		if parentCtx.TTPortNum() == 0 && parentCtx.TTHubSlotID() == 0 {
			if parentCtx.Speed() == SpeedHigh.SlotSpeed() && speed < SpeedHigh {
				slotCtx.SetTTPortNum(uint32(parentPort))
				slotCtx.SetTTHubSlotID(uint32(parent.SlotID))
			}
		} else {
			slotCtx.SetTTPortNum(parentCtx.TTPortNum())
			slotCtx.SetTTHubSlotID(parentCtx.TTHubSlotID())

			if speed == SpeedHigh {
				slotCtx.SetSpeed(parentCtx.Speed())
			}
		}
	}

	ep0Ring, err := ring.New(m.pool, TransferRingCount)

	if err != nil {
		return nil, fmt.Errorf("slot: %w", err)
	}

	e.EndpointRings[1] = ep0Ring

	ep0 := input.Device().Endpoint(1)
	ep0.SetEPType(EPControlBidir)
	ep0.SetMaxPacketSize(speed.EP0MaxPacketSize())
	ep0.SetAverageTRBLength(8)
	ep0.SetCErr(3)
	ep0.SetDequeuePointer(ep0Ring.Device(), true)

	outputHost, err := m.pool.Alloc(m.size.DeviceContextSize(), false)

	if err != nil {
		return nil, fmt.Errorf("slot: %w", err)
	}

	outputDevice, err := m.pool.HostToDevice(outputHost, m.size.DeviceContextSize())

	if err != nil {
		return nil, fmt.Errorf("slot: %w", err)
	}

	e.OutputContextHost = outputHost
	e.OutputContextDevice = outputDevice

	reg.Write64Split(dcbaaSlotAddr(m.dcbaaHost, id), outputDevice)

	inputDevice, err := m.pool.HostToDevice(inputHost, m.size.InputContextSize())

	if err != nil {
		return nil, fmt.Errorf("slot: %w", err)
	}

	var t trb.TRB
	t.SetType(trb.TypeAddressDevice)
	t.SetPointer64(inputDevice)
	t.SetSlotID(id)

	if _, err := m.postCommand(t); err != nil {
		return nil, err
	}

	outputSlot := Device{Base: outputHost, Size: m.size}.Slot()
	e.DeviceAddress = uint8(outputSlot.DeviceAddress())

	return e, nil
}

// TransferRingCount is the fixed transfer-ring slot count spec.md §3
// mandates (64, including the trailing Link TRB).
const TransferRingCount = 64

// isRootChild reports whether route identifies a device attached
// directly to a root port (tier 1, no hub in the chain).
func (r Route) isRootChild() bool { return r.TierNum == 1 }
