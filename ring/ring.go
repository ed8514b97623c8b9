// xHCI transfer/command ring manager
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ring constructs and maintains Transfer Rings, the Command Ring,
// and the Event Ring (spec.md §4.3), including producer/consumer cycle
// state and Link-TRB toggle handling. Every hardware-visible word is
// written through reg.Write32 (an atomic store) rather than a plain Go
// write, and a TRB's cycle-bearing control word is always the last word
// committed for a slot, per the cycle-bit discipline spec.md §9 requires.
package ring

import (
	"fmt"

	"github.com/usbarmory/xhci/dma"
	"github.com/usbarmory/xhci/reg"
	"github.com/usbarmory/xhci/trb"
)

func trbRead(host uintptr) trb.TRB {
	return trb.TRB{
		Word0: reg.Read32(host),
		Word1: reg.Read32(host + 4),
		Word2: reg.Read32(host + 8),
		Word3: reg.Read32(host + 12),
	}
}

// trbWrite commits a TRB to host, writing Word0-2 before Word3 so a
// consumer polling the cycle bit in Word3 never observes a half-formed
// TRB.
func trbWrite(host uintptr, t trb.TRB) {
	reg.Write32(host, t.Word0)
	reg.Write32(host+4, t.Word1)
	reg.Write32(host+8, t.Word2)
	reg.Write32(host+12, t.Word3)
}

// Ring is a Transfer Ring or Command Ring: a contiguous segment of
// fixed-size TRB slots, the last of which is a Link TRB pointing back to
// the segment base.
type Ring struct {
	pool   *dma.Pool
	host   uintptr
	device uint64
	count  int // total slots, including the trailing Link TRB

	enqueueIdx int
	pcs        bool
}

// New allocates a Transfer Ring (or Command Ring, which is simply a
// dedicated Ring) of count TRB slots, the last reserved for the Link TRB.
func New(pool *dma.Pool, count int) (*Ring, error) {
	if count < 2 {
		return nil, fmt.Errorf("ring: count must be at least 2 (got %d)", count)
	}

	size := count * trb.Size
	host, err := pool.Alloc(size, true)

	if err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}

	device, err := pool.HostToDevice(host, size)

	if err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}

	r := &Ring{
		pool:   pool,
		host:   host,
		device: device,
		count:  count,
		pcs:    true,
	}

	var link trb.TRB
	link.SetType(trb.TypeLink)
	link.SetPointer64(device)
	link.SetTC(true)
	link.SetCycle(false)

	trbWrite(r.slotAddr(count-1), link)

	return r, nil
}

// Free releases the ring's backing memory.
func (r *Ring) Free() error {
	return r.pool.Free(r.host, r.count*trb.Size)
}

func (r *Ring) slotAddr(i int) uintptr {
	return r.host + uintptr(i*trb.Size)
}

// Device returns the ring segment's device (physical) base address.
func (r *Ring) Device() uint64 { return r.device }

// InitialCRCR returns the value to program into CRCR when first pointing
// the command ring register at this ring: the segment base OR'd with
// RCS=1, per spec.md §4.3.
func (r *Ring) InitialCRCR() uint64 { return r.device | 1 }

// Count returns the ring's total slot count, including the Link TRB.
func (r *Ring) Count() int { return r.count }

// PCS returns the ring's current Producer Cycle State.
func (r *Ring) PCS() bool { return r.pcs }

// EnqueueIndex returns the ring slot index the next Enqueue will use.
func (r *Ring) EnqueueIndex() int { return r.enqueueIdx }

// EnqueuePointer returns the device address of the slot the next Enqueue
// will use.
func (r *Ring) EnqueuePointer() uint64 { return r.device + uint64(r.enqueueIdx*trb.Size) }

// Enqueue posts t at the current enqueue position (spec.md §4.3's
// sync_trs_ring): t's cycle bit is set to the ring's current PCS and
// committed last; the enqueue cursor is then advanced past the written
// slot, toggling PCS and wrapping to the segment base whenever the walk
// crosses the Link TRB, updating the Link TRB's own cycle bit to the
// ring's (pre-toggle) PCS before crossing it so the controller continues
// to fetch correctly. It returns the device pointer of the slot just
// written, which the URB engine records as a TRB boundary for completion
// matching.
func (r *Ring) Enqueue(t trb.TRB) (postedAt uint64) {
	idx := r.enqueueIdx
	postedAt = r.device + uint64(idx*trb.Size)

	t.SetCycle(r.pcs)
	trbWrite(r.slotAddr(idx), t)

	r.advance()

	return postedAt
}

// advance walks the enqueue cursor forward by one slot, bounded by the
// ring size (exceeding it is a caller bug per spec.md §4.3).
func (r *Ring) advance() {
	r.enqueueIdx++

	if r.enqueueIdx != r.count-1 {
		return
	}

	// crossing the Link TRB: update its cycle bit to the current PCS
	// before toggling, then wrap the enqueue back to the segment base.
	link := trbRead(r.slotAddr(r.count - 1))
	link.SetCycle(r.pcs)
	trbWrite(r.slotAddr(r.count-1), link)

	r.pcs = !r.pcs
	r.enqueueIdx = 0
}
