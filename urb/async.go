// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package urb

import (
	"fmt"
	"sync"

	"github.com/usbarmory/xhci/dma"
	"github.com/usbarmory/xhci/slot"
	"github.com/usbarmory/xhci/trb"
)

// AsyncURB is a submitted asynchronous interrupt transfer, retained on
// the engine's async list across callback invocations (spec.md §3: "for
// async interrupt URBs retained on the async list across callbacks").
// Callers get a stable *AsyncURB back from SubmitAsyncInt so they can
// hand it to RemoveAsync later, the stable-reference-plus-mark-for-
// removal shape spec.md §9's Design Note calls for in place of the
// original's embedded list node.
type AsyncURB struct {
	entry *slot.Entry
	dci   int

	bufSize  int
	callback func([]byte, Result)

	pendingPtr    uint64
	pendingHost   uintptr
	pendingDevice uint64

	removed bool
}

// DeviceAddress and Endpoint identify the async transfer for removal by
// (device address, endpoint, direction), per spec.md §4.5's "Deletion
// walks the list by (device-address, endpoint-address, direction)".
func (a *AsyncURB) DeviceAddress() uint8 { return a.entry.DeviceAddress }
func (a *AsyncURB) DCI() int             { return a.dci }

// AsyncList is the controller's list of outstanding asynchronous
// interrupt transfers, iterated once per poll-timer tick.
type AsyncList struct {
	mu    sync.Mutex
	items []*AsyncURB
}

func newAsyncList() *AsyncList {
	return &AsyncList{}
}

func (l *AsyncList) add(a *AsyncURB) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items = append(l.items, a)
}

func (l *AsyncList) snapshot() []*AsyncURB {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*AsyncURB, len(l.items))
	copy(out, l.items)

	return out
}

// remove marks every entry matching addr/dci for removal and compacts
// the list. It does not free a pending TRB's buffer; PollAsync frees
// it the next time it would otherwise have serviced that entry, since a
// removal can race a hardware completion that is already in flight.
func (l *AsyncList) remove(addr uint8, dci int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	kept := l.items[:0]

	for _, a := range l.items {
		if a.entry.DeviceAddress == addr && a.dci == dci {
			a.removed = true
			n++

			continue
		}

		kept = append(kept, a)
	}

	l.items = kept

	return n
}

// clear marks every entry for removal and empties the list, returning
// the number removed.
func (l *AsyncList) clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.items)

	for _, a := range l.items {
		a.removed = true
	}

	l.items = nil

	return n
}

// SubmitAsyncInt allocates an asynchronous interrupt URB, posts its
// first Normal TRB, rings the endpoint doorbell, and appends it to the
// engine's async list (spec.md §4.5's "Asynchronous interrupt
// transfers"). callback is invoked with the received bytes and Result at
// most once per completed poll iteration (PollAsync).
func (u *Engine) SubmitAsyncInt(e *slot.Entry, dci int, bufSize int, callback func([]byte, Result)) (*AsyncURB, error) {
	if e.EndpointRings[dci] == nil {
		return nil, fmt.Errorf("urb: slot %d has no transfer ring for dci %d", e.SlotID, dci)
	}

	if bufSize <= 0 {
		return nil, fmt.Errorf("urb: invalid async buffer size %d", bufSize)
	}

	a := &AsyncURB{entry: e, dci: dci, bufSize: bufSize, callback: callback}

	if err := u.postAsyncTRB(a); err != nil {
		return nil, err
	}

	u.async.add(a)

	return a, nil
}

// RemoveAsync removes every asynchronous interrupt transfer matching
// device address addr and endpoint dci from the engine's async list.
func (u *Engine) RemoveAsync(addr uint8, dci int) int {
	return u.async.remove(addr, dci)
}

// ClearAsync removes every outstanding asynchronous interrupt transfer,
// regardless of device or endpoint. Reset uses this to free async
// transfers as part of reinitializing the controller (spec.md §6).
func (u *Engine) ClearAsync() int {
	return u.async.clear()
}

// postAsyncTRB allocates a fresh DMA buffer, builds and enqueues the
// Normal TRB for the next polling interval, and rings the doorbell.
func (u *Engine) postAsyncTRB(a *AsyncURB) error {
	host, err := u.pool.Alloc(a.bufSize, false)

	if err != nil {
		return fmt.Errorf("urb: %w", err)
	}

	device, err := u.pool.HostToDevice(host, a.bufSize)

	if err != nil {
		return fmt.Errorf("urb: %w", err)
	}

	var t trb.TRB
	t.SetType(trb.TypeNormal)
	t.SetPointer64(device)
	t.SetTransferLength(uint32(a.bufSize))
	t.SetISP(true)
	t.SetIOC(true)

	a.pendingPtr = a.entry.EndpointRings[a.dci].Enqueue(t)
	a.pendingHost = host
	a.pendingDevice = device

	u.db.Ring(int(a.entry.SlotID), uint8(a.dci))

	return nil
}

// PollAsync services the engine's async interrupt list: it drains the
// async-interrupt event ring once, matches each event against a pending
// URB by TRB pointer, and for each match copies the received bytes into
// a freshly allocated buffer and invokes the user callback — at most
// once per URB per call, per spec.md §4.5. A URB marked for removal by
// RemoveAsync is serviced (its buffer freed) but not resubmitted and not
// reported to the callback.
func (u *Engine) PollAsync() {
	items := u.async.snapshot()

	if len(items) == 0 {
		return
	}

	events := u.eventRingFor(ClassIntAsync)
	evs := events.Dequeue()

	if len(evs) == 0 {
		return
	}

	if wb := u.writebackFor(ClassIntAsync); wb != nil {
		wb(events.ERDPValue())
	}

	byPtr := make(map[uint64]trb.TRB, len(evs))

	for _, ev := range evs {
		byPtr[ev.Pointer64()] = ev
	}

	for _, a := range items {
		ev, ok := byPtr[a.pendingPtr]

		if !ok {
			continue
		}

		result := completionResult(ev.CompletionCode())
		residual := ev.TransferResidual()

		n := uint32(a.bufSize)

		if residual < n {
			n = n - residual
		} else {
			n = 0
		}

		buf := make([]byte, n)
		dma.Read(a.pendingHost, 0, buf)

		if err := u.pool.Free(a.pendingHost, a.bufSize); err != nil {
			continue
		}

		if a.removed {
			continue
		}

		if result != NoError {
			// Best-effort: a failed async interrupt endpoint is
			// reported to the callback either way; there is no
			// synchronous caller left to hand a reset error to.
			_ = u.slots.ResetHaltedEndpoint(a.entry, a.dci)
		}

		a.callback(buf, result)

		if err := u.postAsyncTRB(a); err != nil {
			// Can't resubmit (pool exhaustion, typically); drop the
			// entry rather than leave it stuck matching a pointer
			// that will never recur.
			u.async.remove(a.entry.DeviceAddress, a.dci)
		}
	}
}
