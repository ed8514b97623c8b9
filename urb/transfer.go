// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package urb

import (
	"fmt"
	"time"

	"github.com/usbarmory/xhci/dma"
	"github.com/usbarmory/xhci/slot"
	"github.com/usbarmory/xhci/trb"
)

// BulkTransfer executes a synchronous bulk transfer on slot e's endpoint
// dci, per spec.md §4.5.
func (u *Engine) BulkTransfer(e *slot.Entry, dci int, dir slot.Direction, data []byte, timeout time.Duration) (completed uint32, result Result, err error) {
	return u.transfer(e, dci, dir, data, ClassBulk, timeout)
}

// SyncIntTransfer executes a synchronous interrupt transfer on slot e's
// endpoint dci, per spec.md §4.5. Asynchronous interrupt transfers use
// SubmitAsyncInt instead.
func (u *Engine) SyncIntTransfer(e *slot.Entry, dci int, dir slot.Direction, data []byte, timeout time.Duration) (completed uint32, result Result, err error) {
	return u.transfer(e, dci, dir, data, ClassIntSync, timeout)
}

// transfer is the shared Normal-TRB builder and poll loop for bulk and
// synchronous interrupt transfers: chunked into maxChunkLength-byte TRBs
// per spec.md §4.5, each carrying its own IOC so every chunk's completion
// is individually observed.
func (u *Engine) transfer(e *slot.Entry, dci int, dir slot.Direction, data []byte, class TransferClass, timeout time.Duration) (completed uint32, result Result, err error) {
	r := e.EndpointRings[dci]

	if r == nil {
		return 0, NoError, fmt.Errorf("urb: slot %d has no transfer ring for dci %d", e.SlotID, dci)
	}

	var bufHost uintptr
	var bufDevice uint64

	if len(data) > 0 {
		bufHost, err = u.pool.Alloc(len(data), false)

		if err != nil {
			return 0, NoError, fmt.Errorf("urb: %w", err)
		}

		defer func() {
			if ferr := u.pool.Free(bufHost, len(data)); ferr != nil && err == nil {
				err = ferr
			}
		}()

		bufDevice, err = u.pool.HostToDevice(bufHost, len(data))

		if err != nil {
			return 0, NoError, fmt.Errorf("urb: %w", err)
		}

		if dir == slot.Out {
			dma.Write(bufHost, 0, data)
		}
	}

	var chunks []chunk
	var off uint32

	for off < uint32(len(data)) || (len(data) == 0 && off == 0) {
		n := uint32(len(data)) - off

		if n > maxChunkLength {
			n = maxChunkLength
		}

		var t trb.TRB
		t.SetType(trb.TypeNormal)
		t.SetPointer64(bufDevice + uint64(off))
		t.SetTransferLength(n)
		t.SetISP(true)
		t.SetIOC(true)

		chunks = append(chunks, chunk{ptr: r.Enqueue(t), length: n})

		off += n

		if len(data) == 0 {
			break
		}
	}

	u.db.Ring(int(e.SlotID), uint8(dci))

	completed, result, err = u.await(u.eventRingFor(class), u.writebackFor(class), timeout, chunks)

	if err != nil {
		return completed, result, err
	}

	if result != NoError {
		if rerr := u.slots.ResetHaltedEndpoint(e, dci); rerr != nil {
			return completed, result, fmt.Errorf("urb: %w", rerr)
		}

		return completed, result, &Error{Result: result, Completed: completed}
	}

	if len(data) > 0 && dir == slot.In {
		n := completed

		if n > uint32(len(data)) {
			n = uint32(len(data))
		}

		dma.Read(bufHost, 0, data[:n])
	}

	return completed, NoError, nil
}

// IsoTransfer and AsyncIsoTransfer are out of scope (spec.md Non-goals).
func (u *Engine) IsoTransfer(e *slot.Entry, dci int, dir slot.Direction, data []byte, timeout time.Duration) (uint32, Result, error) {
	return 0, NoError, ErrUnsupported
}

func (u *Engine) AsyncIsoTransfer(e *slot.Entry, dci int, dir slot.Direction, bufSize int, callback func([]byte, Result)) error {
	return ErrUnsupported
}
