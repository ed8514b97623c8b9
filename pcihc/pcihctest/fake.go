// In-memory pcihc.Device double for tests
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pcihctest provides a minimal in-memory stand-in for pcihc.Device
// and pcihc.Clock, for use by this module's own tests in place of a real
// PCI bus-master mapping and UEFI clock service.
package pcihctest

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/usbarmory/xhci/pcihc"
)

const PageSize = 4096

// Device is a fake pcihc.Device backed by ordinary Go heap allocations.
// Host and device addresses are identical (no IOMMU translation), which
// is sufficient to exercise the pool/ring/slot logic under test.
type Device struct {
	mu sync.Mutex

	config map[uint32]uint32
	bars   [6]struct{ base, size uint64 }
	ac64   bool

	bufs    map[pcihc.CommonBufferToken][]byte
	nextTok pcihc.CommonBufferToken
	lifo    []pcihc.CommonBufferToken
	flushes int

	// registers keeps BAR0's backing array alive for the device's
	// lifetime; Go's GC does not know the uintptr in bars[0].base
	// references it.
	registers []byte
}

// NewDevice returns a fake Device with the given BAR0 window size (bytes)
// backing the MMIO register space.
func NewDevice(bar0Size uint64) *Device {
	d := &Device{
		config: make(map[uint32]uint32),
		bufs:   make(map[pcihc.CommonBufferToken][]byte),
		ac64:   true,
	}

	d.config[0x08] = pcihc.ClassCode
	d.config[pcihc.SerialBusReleaseOffset] = 0x0300

	regs := make([]byte, bar0Size)
	d.bars[0].base = uint64(uintptr(unsafe.Pointer(&regs[0])))
	d.bars[0].size = bar0Size
	d.registers = regs

	return d
}

func (d *Device) ConfigRead32(offset uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.config[offset], nil
}

func (d *Device) ConfigWrite32(offset uint32, val uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.config[offset] = val
	return nil
}

func (d *Device) BAR(n int) (base uint64, size uint64, err error) {
	if n < 0 || n >= len(d.bars) {
		return 0, 0, fmt.Errorf("invalid BAR %d", n)
	}

	return d.bars[n].base, d.bars[n].size, nil
}

func (d *Device) AC64() bool {
	return d.ac64
}

func (d *Device) MapCommonBuffer(pages int) (host uintptr, device uint64, token pcihc.CommonBufferToken, err error) {
	if pages <= 0 {
		return 0, 0, 0, fmt.Errorf("invalid page count %d", pages)
	}

	buf := make([]byte, pages*PageSize+PageSize)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	// align the returned address up to a page boundary, matching a real
	// bus-master mapping's page alignment guarantee
	aligned := (addr + PageSize - 1) &^ (PageSize - 1)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextTok++
	token = d.nextTok
	d.bufs[token] = buf
	d.lifo = append(d.lifo, token)

	return aligned, uint64(aligned), token, nil
}

func (d *Device) UnmapCommonBuffer(token pcihc.CommonBufferToken) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.lifo) == 0 || d.lifo[len(d.lifo)-1] != token {
		return fmt.Errorf("common buffer tokens must be released in LIFO order")
	}

	if _, ok := d.bufs[token]; !ok {
		return fmt.Errorf("unknown common buffer token %d", token)
	}

	d.lifo = d.lifo[:len(d.lifo)-1]
	delete(d.bufs, token)

	return nil
}

func (d *Device) Flush() error {
	d.mu.Lock()
	d.flushes++
	d.mu.Unlock()

	return nil
}

// Flushes returns the number of times Flush was called, for assertions.
func (d *Device) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.flushes
}

// Clock is a fake pcihc.Clock that never actually sleeps, so polling-loop
// tests run at full speed.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	stalls int
}

func NewClock() *Clock {
	return &Clock{now: time.Unix(0, 0)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *Clock) StallMicroseconds(us uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stalls++
	c.now = c.now.Add(time.Duration(us) * time.Microsecond)
}

// Advance moves the fake clock forward, for timeout tests.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}
