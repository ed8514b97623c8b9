// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package slot

import (
	"testing"
	"unsafe"

	"github.com/usbarmory/xhci/dma"
	"github.com/usbarmory/xhci/pcihc/pcihctest"
	"github.com/usbarmory/xhci/reg"
	"github.com/usbarmory/xhci/ring"
	"github.com/usbarmory/xhci/trb"
)

func TestDCIMapping(t *testing.T) {
	cases := []struct {
		ep   int
		dir  Direction
		want int
	}{
		{0, Out, 1},
		{0, In, 1},
		{1, Out, 2},
		{1, In, 3},
		{2, Out, 4},
		{2, In, 5},
	}

	for _, c := range cases {
		if got := DCI(c.ep, c.dir); got != c.want {
			t.Fatalf("DCI(%d, %v) = %d, want %d", c.ep, c.dir, got, c.want)
		}
	}
}

func TestRouteChildComposition(t *testing.T) {
	root := RootPort(3)

	if root.RootPortNum != 3 || root.TierNum != 1 || root.RouteString != 0 {
		t.Fatalf("unexpected root route: %+v", root)
	}

	child := root.Child(5)

	if child.TierNum != 2 {
		t.Fatalf("expected tier 2, got %d", child.TierNum)
	}

	if child.RouteString != 5 {
		t.Fatalf("expected route string 5, got %d", child.RouteString)
	}

	if child.RootPortNum != 3 {
		t.Fatalf("expected inherited root port 3, got %d", child.RootPortNum)
	}

	grandchild := child.Child(2)

	if grandchild.RouteString != 5|(2<<4) {
		t.Fatalf("unexpected composed route string %#x", grandchild.RouteString)
	}
}

func TestRouteChildClampsPortAbove15(t *testing.T) {
	root := RootPort(1)
	child := root.Child(20)

	if child.RouteString != 15 {
		t.Fatalf("expected port clamp to 15, got %d", child.RouteString)
	}
}

func TestContextSizeLayoutsDoNotOverlap(t *testing.T) {
	for _, sz := range []ContextSize{Context32, Context64} {
		if sz.DeviceContextSize() != sz.entry()*(1+EndpointCount) {
			t.Fatalf("device context size mismatch for %v", sz)
		}

		if sz.InputContextSize() != sz.entry()*(2+EndpointCount) {
			t.Fatalf("input context size mismatch for %v", sz)
		}
	}

	if Context32.entry() == Context64.entry() {
		t.Fatal("32 and 64 byte context entries must differ")
	}
}

func TestEndpointContextOffsetWithinDevice(t *testing.T) {
	buf := make([]byte, Context64.DeviceContextSize())
	base := uintptr(unsafe.Pointer(&buf[0]))

	dev := Device{Base: base, Size: Context64}

	ep1 := dev.Endpoint(1)
	ep2 := dev.Endpoint(2)

	if ep2.Base-ep1.Base != uintptr(Context64) {
		t.Fatalf("endpoint contexts not spaced by entry size: ep1=%#x ep2=%#x", ep1.Base, ep2.Base)
	}

	if dev.Slot().Base != base {
		t.Fatal("slot context must be the first entry")
	}
}

func TestTableAllocAndLookups(t *testing.T) {
	var tbl Table

	route := RootPort(1)
	e := tbl.Alloc(5, route, Route{})
	e.BusAddress = 7
	e.DeviceAddress = 9

	if got := tbl.ByBusAddress(7); got == nil || got.SlotID != 5 {
		t.Fatal("ByBusAddress lookup failed")
	}

	if got := tbl.ByDeviceAddress(9); got == nil || got.SlotID != 5 {
		t.Fatal("ByDeviceAddress lookup failed")
	}

	if got := tbl.ByRoute(route); got == nil || got.SlotID != 5 {
		t.Fatal("ByRoute lookup failed")
	}

	if tbl.ByBusAddress(99) != nil {
		t.Fatal("expected no match for unused bus address")
	}
}

func TestTableChildren(t *testing.T) {
	var tbl Table

	hubRoute := RootPort(2)
	tbl.Alloc(2, hubRoute, Route{})

	childA := hubRoute.Child(1)
	childB := hubRoute.Child(2)

	tbl.Alloc(3, childA, hubRoute)
	tbl.Alloc(4, childB, hubRoute)
	tbl.Alloc(6, RootPort(9), Route{}) // unrelated slot

	children := tbl.Children(hubRoute)

	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
}

// testHarness wires a Manager against in-memory fakes, mirroring the
// pattern established in ring_test.go and reg_test.go.
type testHarness struct {
	t       *testing.T
	pool    *dma.Pool
	table   Table
	mgr     *Manager
	cmdEvts *ring.EventRing
}

func newHarness(t *testing.T, variant Variant) *testHarness {
	t.Helper()

	dev := pcihctest.NewDevice(1 << 20)
	pool := dma.NewPool(dev, 32, 4096)

	cmdRing, err := ring.New(pool, 16)

	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}

	cmdEvts, err := ring.NewEventRing(pool, 16)

	if err != nil {
		t.Fatalf("ring.NewEventRing: %v", err)
	}

	dbWindow := make([]byte, 256*4)
	t.Cleanup(func() { _ = dbWindow })
	db := reg.Doorbell{Base: uintptr(unsafe.Pointer(&dbWindow[0]))}

	h := &testHarness{t: t, pool: pool, cmdEvts: cmdEvts}

	mgr, err := NewManager(pool, Context32, variant, &h.table, cmdRing, cmdEvts, db, pcihctest.NewClock(), func(uint64) {})

	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	h.mgr = mgr

	return h
}

// completeNextCommand pre-loads the command event ring with a completion
// event for the nth command this harness will post (0-indexed), matching
// the TRB pointer the command ring will assign it.
func (h *testHarness) completeNextCommand(n int, slotID uint8, code uint32) {
	h.t.Helper()

	ptr := h.mgr.cmdRing.Device() + uint64(n*trb.Size)

	var ev trb.TRB
	ev.SetType(trb.TypeCommandCompletionEvent)
	ev.SetPointer64(ptr)
	ev.SetCompletionCode(code)
	ev.SetSlotID(slotID)
	ev.SetCycle(true)

	evtsBase := h.cmdEvts.InitialERDP()

	host, err := h.pool.DeviceToHost(evtsBase+uint64(n*trb.Size), trb.Size)

	if err != nil {
		h.t.Fatalf("DeviceToHost: %v", err)
	}

	reg.Write32(host, ev.Word0)
	reg.Write32(host+4, ev.Word1)
	reg.Write32(host+8, ev.Word2)
	reg.Write32(host+12, ev.Word3)
}

func TestInitializeDeviceSlotAddressDevice(t *testing.T) {
	h := newHarness(t, VariantDXE)

	h.completeNextCommand(0, 1, trb.CompletionSuccess) // Enable Slot
	h.completeNextCommand(1, 1, trb.CompletionSuccess) // Address Device

	e, err := h.mgr.InitializeDeviceSlot(RootPort(1), Route{}, 1, SpeedHigh, nil, 0)

	if err != nil {
		t.Fatalf("InitializeDeviceSlot: %v", err)
	}

	if e.SlotID != 1 {
		t.Fatalf("expected slot id 1, got %d", e.SlotID)
	}

	if !e.Enabled {
		t.Fatal("expected slot to be enabled")
	}

	if e.EndpointRings[1] == nil {
		t.Fatal("expected EP0 transfer ring to be allocated")
	}

	dcbaaVal := reg.Read64Split(h.mgr.dcbaaHost + uintptr(e.SlotID)*8)

	if dcbaaVal != e.OutputContextDevice {
		t.Fatalf("DCBAA[%d] = %#x, want %#x", e.SlotID, dcbaaVal, e.OutputContextDevice)
	}
}

func TestInitializeDeviceSlotPropagatesCommandFailure(t *testing.T) {
	h := newHarness(t, VariantDXE)

	h.completeNextCommand(0, 0, trb.CompletionStallError) // Enable Slot fails

	_, err := h.mgr.InitializeDeviceSlot(RootPort(1), Route{}, 1, SpeedFull, nil, 0)

	if err == nil {
		t.Fatal("expected Enable Slot failure to propagate")
	}
}

func TestDisableSlotRecursivelyDisablesChildren(t *testing.T) {
	h := newHarness(t, VariantDXE)

	hubRoute := RootPort(1)
	hub := h.table.Alloc(1, hubRoute, Route{})
	hub.Enabled = true

	child := h.table.Alloc(2, hubRoute.Child(1), hubRoute)
	child.Enabled = true

	// Disable Slot completion events, child first (recursion order).
	h.completeNextCommand(0, 2, trb.CompletionSuccess)
	h.completeNextCommand(1, 1, trb.CompletionSuccess)

	if err := h.mgr.DisableSlot(1); err != nil {
		t.Fatalf("DisableSlot: %v", err)
	}

	if h.table.Get(1).Enabled || h.table.Get(2).Enabled {
		t.Fatal("expected both hub and child to be disabled")
	}
}

func TestConfigureEndpointAllocatesBulkRingAndSetsAddBits(t *testing.T) {
	h := newHarness(t, VariantDXE)

	e := h.table.Alloc(1, RootPort(1), Route{})
	e.Speed = SpeedHigh

	inputHost, err := h.pool.Alloc(Context32.InputContextSize(), false)

	if err != nil {
		t.Fatalf("Alloc input context: %v", err)
	}

	outputHost, err := h.pool.Alloc(Context32.DeviceContextSize(), false)

	if err != nil {
		t.Fatalf("Alloc output context: %v", err)
	}

	e.InputContextHost = inputHost
	e.OutputContextHost = outputHost

	h.completeNextCommand(0, 1, trb.CompletionSuccess)

	eps := []EndpointDescriptor{
		{Number: 1, Dir: In, Type: USBBulk, MaxPacketSize: 512},
	}

	if err := h.mgr.ConfigureEndpoint(e, eps); err != nil {
		t.Fatalf("ConfigureEndpoint: %v", err)
	}

	dci := DCI(1, In)

	if e.EndpointRings[dci] == nil {
		t.Fatal("expected a transfer ring for the bulk endpoint")
	}

	input := Input{Base: e.InputContextHost, Size: Context32}

	if input.Control().AddFlags()&(1<<uint(dci)) == 0 {
		t.Fatal("expected Add-Context bit set for the bulk endpoint's DCI")
	}
}

func TestConfigureEndpointIsoSkipsRingButSetsAddBitInDXE(t *testing.T) {
	h := newHarness(t, VariantDXE)

	e := h.table.Alloc(1, RootPort(1), Route{})
	e.Speed = SpeedHigh

	inputHost, err := h.pool.Alloc(Context32.InputContextSize(), false)

	if err != nil {
		t.Fatalf("Alloc input context: %v", err)
	}

	outputHost, err := h.pool.Alloc(Context32.DeviceContextSize(), false)

	if err != nil {
		t.Fatalf("Alloc output context: %v", err)
	}

	e.InputContextHost = inputHost
	e.OutputContextHost = outputHost

	h.completeNextCommand(0, 1, trb.CompletionSuccess)

	dci := DCI(3, Out)
	eps := []EndpointDescriptor{{Number: 3, Dir: Out, Type: USBIsochronous, MaxPacketSize: 1024}}

	if err := h.mgr.ConfigureEndpoint(e, eps); err != nil {
		t.Fatalf("ConfigureEndpoint: %v", err)
	}

	if e.EndpointRings[dci] != nil {
		t.Fatal("iso endpoints must not get a transfer ring")
	}

	input := Input{Base: e.InputContextHost, Size: Context32}

	if input.Control().AddFlags()&(1<<uint(dci)) == 0 {
		t.Fatal("DXE variant must still set the Add-Context bit for iso endpoints")
	}
}

func TestConfigureEndpointIsoSkipsAddBitInPEI(t *testing.T) {
	h := newHarness(t, VariantPEI)

	e := h.table.Alloc(1, RootPort(1), Route{})
	e.Speed = SpeedHigh

	inputHost, err := h.pool.Alloc(Context32.InputContextSize(), false)

	if err != nil {
		t.Fatalf("Alloc input context: %v", err)
	}

	outputHost, err := h.pool.Alloc(Context32.DeviceContextSize(), false)

	if err != nil {
		t.Fatalf("Alloc output context: %v", err)
	}

	e.InputContextHost = inputHost
	e.OutputContextHost = outputHost

	h.completeNextCommand(0, 1, trb.CompletionSuccess)

	dci := DCI(3, Out)
	eps := []EndpointDescriptor{{Number: 3, Dir: Out, Type: USBIsochronous, MaxPacketSize: 1024}}

	if err := h.mgr.ConfigureEndpoint(e, eps); err != nil {
		t.Fatalf("ConfigureEndpoint: %v", err)
	}

	input := Input{Base: e.InputContextHost, Size: Context32}

	if input.Control().AddFlags()&(1<<uint(dci)) != 0 {
		t.Fatal("PEI variant must skip the Add-Context bit for iso endpoints")
	}
}
