// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"testing"

	"github.com/usbarmory/xhci/pcihc/pcihctest"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	dev := pcihctest.NewDevice(4096)
	p := NewPool(dev, 4, 4096)

	addr, err := p.Alloc(128, false)

	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if addr == 0 {
		t.Fatal("expected non-zero allocation address")
	}

	if err := p.Free(addr, 128); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestHostToDeviceRoundTrip(t *testing.T) {
	dev := pcihctest.NewDevice(4096)
	p := NewPool(dev, 4, 4096)

	addr, err := p.Alloc(256, false)

	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	device, err := p.HostToDevice(addr, 256)

	if err != nil {
		t.Fatalf("HostToDevice: %v", err)
	}

	host, err := p.DeviceToHost(device, 256)

	if err != nil {
		t.Fatalf("DeviceToHost: %v", err)
	}

	if host != addr {
		t.Fatalf("round trip mismatch: got %#x want %#x", host, addr)
	}
}

func TestAllocIsZeroFilled(t *testing.T) {
	dev := pcihctest.NewDevice(4096)
	p := NewPool(dev, 4, 4096)

	addr, err := p.Alloc(256, false)

	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	buf := make([]byte, 256)
	Write(addr, 0, []byte{0xFF, 0xFF, 0xFF, 0xFF})

	if err := p.Free(addr, 256); err != nil {
		t.Fatalf("Free: %v", err)
	}

	addr2, err := p.Alloc(256, false)

	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	Read(addr2, 0, buf)

	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zero-filled: %#x", i, b)
		}
	}
}

func TestGrowsNewBlockOnDefaultSizePlusOne(t *testing.T) {
	dev := pcihctest.NewDevice(4096)
	p := NewPool(dev, 1, 4096) // default block = 1 page = 4096 bytes

	// consume the entire head block
	if _, err := p.Alloc(4096, false); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if len(p.blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(p.blocks))
	}

	// allocating default size + 1 byte must force a fresh block
	if _, err := p.Alloc(4096+1, false); err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if len(p.blocks) != 2 {
		t.Fatalf("expected a second block to be allocated, got %d blocks", len(p.blocks))
	}
}

func TestRingAllocationNeverCrosses64KiBBoundary(t *testing.T) {
	dev := pcihctest.NewDevice(4096)
	// a block well over 64 KiB so there's room either side of the boundary
	p := NewPool(dev, 32, 4096) // 32 pages = 128 KiB

	for i := 0; i < 400; i++ {
		addr, err := p.Alloc(1024, true)

		if err != nil {
			t.Fatalf("Alloc[%d]: %v", i, err)
		}

		start := addr
		end := addr + 1024 - 1

		if start/(64*1024) != end/(64*1024) {
			t.Fatalf("allocation [%#x,%#x] crosses a 64 KiB boundary", start, end)
		}
	}
}

func TestFreeDoesNotRemoveHeadBlock(t *testing.T) {
	dev := pcihctest.NewDevice(4096)
	p := NewPool(dev, 1, 4096)

	addr, err := p.Alloc(128, false)

	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := p.Free(addr, 128); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if len(p.blocks) != 1 {
		t.Fatalf("head block must survive even when empty, got %d blocks", len(p.blocks))
	}
}

func TestFreeOfNonHeadEmptyBlockUnlinks(t *testing.T) {
	dev := pcihctest.NewDevice(4096)
	p := NewPool(dev, 1, 4096)

	first, err := p.Alloc(4096, false)

	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	second, err := p.Alloc(128, false) // forces a second block

	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if len(p.blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(p.blocks))
	}

	if err := p.Free(second, 128); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if len(p.blocks) != 1 {
		t.Fatalf("expected the emptied non-head block to be unlinked, got %d blocks", len(p.blocks))
	}

	if err := p.Free(first, 4096); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestAllocAlignedPagesTrimsOverAllocation(t *testing.T) {
	dev := pcihctest.NewDevice(4096)
	p := NewPool(dev, 4, 4096)

	host, device, err := p.AllocAlignedPages(2, 16384)

	if err != nil {
		t.Fatalf("AllocAlignedPages: %v", err)
	}

	if host%16384 != 0 {
		t.Fatalf("host address %#x not aligned to 16384", host)
	}

	if device%16384 != 0 {
		t.Fatalf("device address %#x not aligned to 16384", device)
	}

	if err := p.FreeAlignedPages(host); err != nil {
		t.Fatalf("FreeAlignedPages: %v", err)
	}
}
