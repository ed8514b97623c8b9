// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ring

import (
	"fmt"

	"github.com/usbarmory/xhci/dma"
	"github.com/usbarmory/xhci/reg"
	"github.com/usbarmory/xhci/trb"
)

// ERDP Event Handler Busy bit, cleared by software on writeback to
// acknowledge the interrupter (spec.md §4.3).
const erdpEHB = 1 << 3

// erstEntrySize is the size, in bytes, of one Event Ring Segment Table
// entry: an 8-byte ring segment base address, a 16-bit segment size (in
// TRBs), and 6 reserved bytes.
const erstEntrySize = 16

// EventRing is a single-segment Event Ring (spec.md's Non-goals exclude
// multi-segment event rings) together with its one-entry Event Ring
// Segment Table.
type EventRing struct {
	pool   *dma.Pool
	host   uintptr
	device uint64
	count  int

	erstHost   uintptr
	erstDevice uint64

	dequeueIdx int
	ccs        bool
}

// NewEventRing allocates a count-TRB event ring segment and its backing
// one-entry ERST, per spec.md §4.3's "Event ring construction."
func NewEventRing(pool *dma.Pool, count int) (*EventRing, error) {
	if count < 1 {
		return nil, fmt.Errorf("ring: event ring count must be at least 1 (got %d)", count)
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

	erstHost, err := pool.Alloc(erstEntrySize, false)

	if err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}

	erstDevice, err := pool.HostToDevice(erstHost, erstEntrySize)

	if err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}

	reg.Write64Split(erstHost, device)
	reg.Write32(erstHost+8, uint32(count))
	reg.Write32(erstHost+12, 0)

	return &EventRing{
		pool:       pool,
		host:       host,
		device:     device,
		count:      count,
		erstHost:   erstHost,
		erstDevice: erstDevice,
		ccs:        true,
	}, nil
}

// Free releases the event ring segment and its ERST.
func (e *EventRing) Free() error {
	if err := e.pool.Free(e.erstHost, erstEntrySize); err != nil {
		return err
	}

	return e.pool.Free(e.host, e.count*trb.Size)
}

func (e *EventRing) slotAddr(i int) uintptr {
	return e.host + uintptr(i*trb.Size)
}

// ERSTBA returns the device address to program into the interrupter's
// Event Ring Segment Table Base Address register.
func (e *EventRing) ERSTBA() uint64 { return e.erstDevice }

// ERSTSZ is always 1: a single-segment event ring has one ERST entry.
func (e *EventRing) ERSTSZ() uint32 { return 1 }

// InitialERDP returns the value to program into ERDP before the first
// event is serviced: the segment base address.
func (e *EventRing) InitialERDP() uint64 { return e.device }

// Pending reports whether the TRB at the current dequeue position has
// been produced by the controller (its cycle bit matches CCS).
func (e *EventRing) Pending() bool {
	t := trbRead(e.slotAddr(e.dequeueIdx))
	return t.Cycle() == e.ccs
}

// Dequeue drains every event TRB currently owned by software (cycle bit
// matching CCS), advancing the dequeue cursor as it goes and toggling
// CCS on wraparound, per spec.md §4.3's "Event ring dequeue." It returns
// the collected TRBs in production order; the caller is responsible for
// writing ERDPValue back to the interrupter's ERDP afterward to
// acknowledge the batch.
func (e *EventRing) Dequeue() []trb.TRB {
	var events []trb.TRB

	for {
		t := trbRead(e.slotAddr(e.dequeueIdx))

		if t.Cycle() != e.ccs {
			break
		}

		events = append(events, t)

		e.dequeueIdx++

		if e.dequeueIdx == e.count {
			e.dequeueIdx = 0
			e.ccs = !e.ccs
		}
	}

	return events
}

// ERDPValue returns the ERDP register value for the current dequeue
// position, with the Event Handler Busy bit cleared, ready for a
// writeback between serviced batches (spec.md §4.3).
func (e *EventRing) ERDPValue() uint64 {
	ptr := e.device + uint64(e.dequeueIdx*trb.Size)
	return ptr &^ erdpEHB
}
