// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ring

import (
	"testing"

	"github.com/usbarmory/xhci/dma"
	"github.com/usbarmory/xhci/pcihc/pcihctest"
	"github.com/usbarmory/xhci/trb"
)

func newTestPool(t *testing.T) *dma.Pool {
	t.Helper()

	dev := pcihctest.NewDevice(1 << 20)
	return dma.NewPool(dev, 16, 4096)
}

func TestNewRingLinkTRB(t *testing.T) {
	p := newTestPool(t)

	r, err := New(p, 4)

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	link := trbRead(r.slotAddr(3))

	if link.Type() != trb.TypeLink {
		t.Fatalf("last slot is not a Link TRB: type=%d", link.Type())
	}

	if !link.TC() {
		t.Fatal("Link TRB missing Toggle Cycle")
	}

	if link.Pointer64() != r.Device() {
		t.Fatalf("Link TRB does not point at segment base: got %#x want %#x", link.Pointer64(), r.Device())
	}

	if link.Cycle() {
		t.Fatal("Link TRB cycle bit should start clear (not yet part of a PCS=true segment pass)")
	}
}

func TestEnqueueStaysWithinBounds(t *testing.T) {
	p := newTestPool(t)

	r, err := New(p, 4)

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 20; i++ {
		if r.EnqueueIndex() < 0 || r.EnqueueIndex() >= r.Count() {
			t.Fatalf("enqueue index %d out of [0,%d)", r.EnqueueIndex(), r.Count())
		}

		var tr trb.TRB
		tr.SetType(trb.TypeNormal)
		r.Enqueue(tr)
	}
}

func TestEnqueueNeverWritesLinkSlot(t *testing.T) {
	p := newTestPool(t)

	r, err := New(p, 4)

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 10; i++ {
		var tr trb.TRB
		tr.SetType(trb.TypeNormal)
		r.Enqueue(tr)

		link := trbRead(r.slotAddr(r.Count() - 1))

		if link.Type() != trb.TypeLink {
			t.Fatalf("iteration %d: Link TRB at slot %d was overwritten (type=%d)", i, r.Count()-1, link.Type())
		}
	}
}

func TestPCSTogglesOnWrap(t *testing.T) {
	p := newTestPool(t)

	r, err := New(p, 4)

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	initial := r.PCS()

	// segment holds 3 usable slots (count-1); the 3rd Enqueue crosses the Link.
	var tr trb.TRB
	tr.SetType(trb.TypeNormal)

	r.Enqueue(tr)
	r.Enqueue(tr)

	if r.PCS() != initial {
		t.Fatal("PCS toggled before crossing the Link TRB")
	}

	r.Enqueue(tr)

	if r.PCS() == initial {
		t.Fatal("PCS did not toggle after crossing the Link TRB")
	}

	if r.EnqueueIndex() != 0 {
		t.Fatalf("enqueue index did not wrap to 0, got %d", r.EnqueueIndex())
	}

	link := trbRead(r.slotAddr(r.Count() - 1))

	if link.Cycle() != initial {
		t.Fatalf("Link TRB cycle bit not updated to pre-toggle PCS: got %v want %v", link.Cycle(), initial)
	}
}

func TestEnqueuedTRBCarriesRingPCS(t *testing.T) {
	p := newTestPool(t)

	r, err := New(p, 4)

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var tr trb.TRB
	tr.SetType(trb.TypeNormal)

	pcsBefore := r.PCS()
	ptr := r.Enqueue(tr)

	host, err := p.DeviceToHost(ptr, trb.Size)

	if err != nil {
		t.Fatalf("DeviceToHost: %v", err)
	}

	posted := trbRead(host)

	if posted.Cycle() != pcsBefore {
		t.Fatalf("posted TRB cycle bit %v does not match ring PCS at enqueue time %v", posted.Cycle(), pcsBefore)
	}
}

func TestInitialCRCRCarriesRCS(t *testing.T) {
	p := newTestPool(t)

	r, err := New(p, 4)

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	crcr := r.InitialCRCR()

	if crcr&1 != 1 {
		t.Fatal("initial CRCR missing RCS bit")
	}

	if crcr&^uint64(0xF) != r.Device() {
		t.Fatalf("initial CRCR base mismatch: got %#x want %#x", crcr&^uint64(0xF), r.Device())
	}
}

func TestEventRingInitialState(t *testing.T) {
	p := newTestPool(t)

	e, err := NewEventRing(p, 8)

	if err != nil {
		t.Fatalf("NewEventRing: %v", err)
	}

	if e.ERSTSZ() != 1 {
		t.Fatalf("expected single-segment ERSTSZ of 1, got %d", e.ERSTSZ())
	}

	if e.InitialERDP() != e.device {
		t.Fatalf("initial ERDP should be segment base: got %#x want %#x", e.InitialERDP(), e.device)
	}

	if e.Pending() {
		t.Fatal("freshly constructed event ring should have nothing pending")
	}

	if len(e.Dequeue()) != 0 {
		t.Fatal("Dequeue on an empty event ring must return nothing")
	}
}

func TestEventRingDequeueCollectsProducedEvents(t *testing.T) {
	p := newTestPool(t)

	e, err := NewEventRing(p, 4)

	if err != nil {
		t.Fatalf("NewEventRing: %v", err)
	}

	// simulate the controller producing 2 events with CCS=true (matches
	// the ring's initial ccs), leaving the 3rd slot at the prior cycle.
	for i := 0; i < 2; i++ {
		var tr trb.TRB
		tr.SetType(trb.TypeTransferEvent)
		tr.SetSlotID(uint8(i + 1))
		tr.SetCycle(true)

		trbWrite(e.slotAddr(i), tr)
	}

	events := e.Dequeue()

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	if events[0].SlotID() != 1 || events[1].SlotID() != 2 {
		t.Fatalf("events out of order: %+v", events)
	}

	if e.Pending() {
		t.Fatal("no further events should be pending after exhausting the produced ones")
	}

	second := e.Dequeue()

	if len(second) != 0 {
		t.Fatal("re-dequeuing without new production must return nothing")
	}
}

func TestEventRingCCSTogglesOnWrap(t *testing.T) {
	p := newTestPool(t)

	e, err := NewEventRing(p, 2)

	if err != nil {
		t.Fatalf("NewEventRing: %v", err)
	}

	for i := 0; i < 2; i++ {
		var tr trb.TRB
		tr.SetType(trb.TypeTransferEvent)
		tr.SetCycle(true)

		trbWrite(e.slotAddr(i), tr)
	}

	events := e.Dequeue()

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	if e.ccs {
		t.Fatal("CCS should have toggled false after wrapping past a 2-slot segment")
	}

	if e.dequeueIdx != 0 {
		t.Fatalf("dequeue index should wrap to 0, got %d", e.dequeueIdx)
	}

	// slot 0 now has stale cycle=true but ccs is false, so it must not be
	// re-collected until the controller produces with the new CCS.
	if e.Pending() {
		t.Fatal("stale cycle-bit TRB must not be treated as pending after CCS toggled")
	}
}

func TestERDPValueClearsEventHandlerBusy(t *testing.T) {
	p := newTestPool(t)

	e, err := NewEventRing(p, 4)

	if err != nil {
		t.Fatalf("NewEventRing: %v", err)
	}

	if v := e.ERDPValue(); v&erdpEHB != 0 {
		t.Fatalf("ERDPValue must clear EHB, got %#x", v)
	}
}
