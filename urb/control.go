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

// ControlRequest is the 8-byte standard USB setup packet (spec.md §3's
// "standard-request struct").
type ControlRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// pack returns the setup packet's 8 bytes as a little-endian uint64,
// matching the device-context byte order the Setup Stage TRB's IDT
// (Immediate Data) encoding expects in Word0:Word1 — which is exactly
// the wire layout of a USB setup packet, so no intermediate byte buffer
// is needed.
func (r ControlRequest) pack() uint64 {
	return uint64(r.RequestType) |
		uint64(r.Request)<<8 |
		uint64(r.Value)<<16 |
		uint64(r.Index)<<32 |
		uint64(r.Length)<<48
}

// ControlTransfer executes a three- or two-stage control transfer on
// slot e's default control endpoint (DCI 1), per spec.md §4.5: Setup
// Stage always; Data Stage only when len(data) > 0; Status Stage always,
// with DIR opposite the data stage (or OUT when there is no data).
//
// dir is the direction of the optional data stage; for data-less
// transfers (GET_STATUS with zero length, SET_CONFIGURATION, etc.) it is
// ignored. data is read from by the driver for OUT transfers and written
// to (up to the completed byte count) for IN transfers.
func (u *Engine) ControlTransfer(e *slot.Entry, req ControlRequest, dir slot.Direction, data []byte, timeout time.Duration) (completed uint32, result Result, err error) {
	r := e.EndpointRings[1]

	if r == nil {
		return 0, NoError, fmt.Errorf("urb: slot %d has no EP0 transfer ring", e.SlotID)
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

	var setup trb.TRB
	setup.SetType(trb.TypeSetupStage)
	setup.SetPointer64(req.pack())
	setup.SetTransferLength(8)
	setup.SetIOC(true)
	setup.SetIDT(true)

	switch {
	case len(data) == 0:
		setup.SetTRT(trb.TRTNoData)
	case dir == slot.In:
		setup.SetTRT(trb.TRTInData)
	default:
		setup.SetTRT(trb.TRTOutData)
	}

	chunks = append(chunks, chunk{ptr: r.Enqueue(setup), length: 0})

	if len(data) > 0 {
		var ds trb.TRB
		ds.SetType(trb.TypeDataStage)
		ds.SetPointer64(bufDevice)
		ds.SetTransferLength(uint32(len(data)))
		ds.SetISP(true)
		ds.SetIOC(true)
		ds.SetDIR(dir == slot.In)

		chunks = append(chunks, chunk{ptr: r.Enqueue(ds), length: uint32(len(data))})
	}

	var status trb.TRB
	status.SetType(trb.TypeStatusStage)
	status.SetIOC(true)
	status.SetDIR(len(data) > 0 && dir != slot.In)

	chunks = append(chunks, chunk{ptr: r.Enqueue(status), length: 0})

	u.db.Ring(int(e.SlotID), 1)

	completed, result, err = u.await(u.eventRingFor(ClassControl), u.writebackFor(ClassControl), timeout, chunks)

	if err != nil {
		return completed, result, err
	}

	if result != NoError {
		if rerr := u.slots.ResetHaltedEndpoint(e, 1); rerr != nil {
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
