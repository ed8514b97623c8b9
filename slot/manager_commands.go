// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package slot

import (
	"fmt"

	"github.com/usbarmory/xhci/reg"
	"github.com/usbarmory/xhci/ring"
	"github.com/usbarmory/xhci/trb"
)

// zeroContext clears every dword of a context block ahead of rebuilding
// it, matching the original source's AllocateAlignedZeroPool discipline
// for Input Contexts (this package reuses the same buffer across commands
// rather than reallocating, so it must be zeroed explicitly each time).
func zeroContext(base uintptr, size int) {
	for off := 0; off < size; off += 4 {
		reg.Write32(base+uintptr(off), 0)
	}
}

// USB transfer types, as carried in a USB endpoint descriptor's
// bmAttributes field, independent of the xHCI EPType encoding.
const (
	USBControl = iota
	USBIsochronous
	USBBulk
	USBInterrupt
)

// EndpointDescriptor is the subset of a USB endpoint descriptor
// Configure Endpoint needs.
type EndpointDescriptor struct {
	Number        int
	Dir           Direction
	Type          int // one of USBControl, USBIsochronous, USBBulk, USBInterrupt
	MaxPacketSize uint32
	Interval      uint8 // raw bInterval
}

func epType(usbType int, dir Direction) uint32 {
	switch usbType {
	case USBControl:
		return EPControlBidir
	case USBIsochronous:
		if dir == In {
			return EPIsochIn
		}

		return EPIsochOut
	case USBBulk:
		if dir == In {
			return EPBulkIn
		}

		return EPBulkOut
	case USBInterrupt:
		if dir == In {
			return EPInterruptIn
		}

		return EPInterruptOut
	}

	return EPNotValid
}

// interval computes the Endpoint Context Interval field for an interrupt
// endpoint per spec.md §4.4: high/super speed derives it from bInterval;
// low/full speed is hardcoded to 6 in the DXE variant and derived from
// bInterval in the PEI variant.
func (m *Manager) interval(ep EndpointDescriptor, speed Speed) uint32 {
	if speed == SpeedHigh || speed == SpeedSuper {
		if ep.Interval == 0 {
			return 0
		}

		return uint32(ep.Interval) - 1
	}

	if m.variant == VariantDXE {
		return 6
	}

	return uint32(ep.Interval)
}

// ConfigureEndpoint implements spec.md §4.4's Configure Endpoint
// sequence, triggered on SET_CONFIGURATION: the Input Context is rebuilt
// from the current Output Context's Slot Context, then every endpoint of
// the active configuration is folded in.
func (m *Manager) ConfigureEndpoint(e *Entry, eps []EndpointDescriptor) error {
	input := Input{Base: e.InputContextHost, Size: m.size}
	output := Device{Base: e.OutputContextHost, Size: m.size}

	zeroContext(e.InputContextHost, m.size.InputContextSize())
	input.Device().Slot().SetRaw(output.Slot().Raw())

	maxDCI := uint32(1)

	for _, ep := range eps {
		dci := uint32(DCI(ep.Number, ep.Dir))

		if dci > maxDCI {
			maxDCI = dci
		}

		if ep.Type == USBIsochronous {
			// spec.md §4.4: iso endpoints get no transfer ring and no
			// endpoint-context fields; the DXE variant still marks the
			// Add-Context bit unconditionally, the PEI variant skips it.
			if m.variant == VariantDXE {
				input.Control().SetAdd(dci)
			}

			continue
		}

		input.Control().SetAdd(dci)

		epCtx := input.Device().Endpoint(int(dci))
		epCtx.SetEPType(epType(ep.Type, ep.Dir))
		epCtx.SetMaxPacketSize(ep.MaxPacketSize)
		epCtx.SetAverageTRBLength(0x1000)
		epCtx.SetCErr(3)

		if ep.Type == USBInterrupt {
			epCtx.SetInterval(m.interval(ep, e.Speed))
			epCtx.SetMaxESITPayload(ep.MaxPacketSize)
		}

		if e.EndpointRings[dci] == nil {
			r, err := ring.New(m.pool, TransferRingCount)

			if err != nil {
				return fmt.Errorf("slot: %w", err)
			}

			e.EndpointRings[dci] = r
			epCtx.SetDequeuePointer(r.Device(), true)
		}
	}

	input.Device().Slot().SetContextEntries(maxDCI)
	input.Control().SetAdd(0)

	inputDevice, err := m.pool.HostToDevice(e.InputContextHost, m.size.InputContextSize())

	if err != nil {
		return fmt.Errorf("slot: %w", err)
	}

	var t trb.TRB
	t.SetType(trb.TypeConfigEndpoint)
	t.SetPointer64(inputDevice)
	t.SetSlotID(e.SlotID)

	_, err = m.postCommand(t)

	return err
}

// EvaluateContext implements spec.md §4.4's Evaluate Context sequence,
// used when the real device descriptor corrects EP0's MaxPacketSize:
// only EP0 changes, with ControlContext A1 set.
func (m *Manager) EvaluateContext(e *Entry, maxPacketSize0 uint32) error {
	if e.InputContextHost == 0 {
		return fmt.Errorf("slot: slot %d has no input context", e.SlotID)
	}

	input := Input{Base: e.InputContextHost, Size: m.size}

	zeroContext(e.InputContextHost, m.size.InputContextSize())
	input.Control().SetAdd(1)
	input.Device().Endpoint(1).SetMaxPacketSize(maxPacketSize0)

	inputDevice, err := m.pool.HostToDevice(e.InputContextHost, m.size.InputContextSize())

	if err != nil {
		return fmt.Errorf("slot: %w", err)
	}

	var t trb.TRB
	t.SetType(trb.TypeEvaluateContext)
	t.SetPointer64(inputDevice)
	t.SetSlotID(e.SlotID)

	_, err = m.postCommand(t)

	return err
}

// ConfigureHubSlot implements spec.md §4.4's Configure Hub Slot sequence,
// triggered on receiving a hub descriptor: the Slot Context is copied
// from output to input, Hub/PortNum/TTT are set, MTT is forced off even
// for super-speed hubs per the Non-goals, then Configure Endpoint is
// posted.
func (m *Manager) ConfigureHubSlot(e *Entry, numPorts int, ttt uint32) error {
	input := Input{Base: e.InputContextHost, Size: m.size}
	output := Device{Base: e.OutputContextHost, Size: m.size}

	zeroContext(e.InputContextHost, m.size.InputContextSize())
	input.Device().Slot().SetRaw(output.Slot().Raw())

	slotCtx := input.Device().Slot()
	slotCtx.SetHub(true)
	slotCtx.SetNumPorts(uint32(numPorts))
	slotCtx.SetTTT(ttt)
	slotCtx.SetMTT(false)

	input.Control().SetAdd(0)

	inputDevice, err := m.pool.HostToDevice(e.InputContextHost, m.size.InputContextSize())

	if err != nil {
		return fmt.Errorf("slot: %w", err)
	}

	var t trb.TRB
	t.SetType(trb.TypeConfigEndpoint)
	t.SetPointer64(inputDevice)
	t.SetSlotID(e.SlotID)

	_, err = m.postCommand(t)

	return err
}

// ResetHaltedEndpoint implements spec.md §4.4's stall-recovery sequence:
// Reset Endpoint, then Set TR Dequeue Pointer at the ring's current
// enqueue position and PCS, then ring the endpoint's doorbell.
func (m *Manager) ResetHaltedEndpoint(e *Entry, dci int) error {
	r := e.EndpointRings[dci]

	if r == nil {
		return fmt.Errorf("slot: no transfer ring for slot %d dci %d", e.SlotID, dci)
	}

	var reset trb.TRB
	reset.SetType(trb.TypeResetEndpoint)
	reset.SetSlotID(e.SlotID)
	reset.Word3 |= uint32(dci) << 16

	if _, err := m.postCommand(reset); err != nil {
		return err
	}

	var setDQ trb.TRB
	setDQ.SetType(trb.TypeSetTRDequeue)
	setDQ.SetSlotID(e.SlotID)
	setDQ.Word3 |= uint32(dci) << 16

	dcs := uint64(0)

	if r.PCS() {
		dcs = 1
	}

	setDQ.SetPointer64(r.EnqueuePointer() | dcs)

	if _, err := m.postCommand(setDQ); err != nil {
		return err
	}

	m.db.Ring(int(e.SlotID), uint8(dci))

	return nil
}
