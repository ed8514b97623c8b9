// xHCI URB (USB Request Block) engine
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package urb builds the Setup/Data/Status and Normal TRB sequences for
// control, bulk, and interrupt transfers (spec.md §4.5), rings the target
// endpoint's doorbell, and polls the appropriate event ring for
// completion. Isochronous transfers are out of scope (spec.md
// Non-goals) and every entry point for them returns ErrUnsupported.
package urb

import (
	"fmt"
	"time"

	"github.com/usbarmory/xhci/dma"
	"github.com/usbarmory/xhci/pcihc"
	"github.com/usbarmory/xhci/reg"
	"github.com/usbarmory/xhci/ring"
	"github.com/usbarmory/xhci/slot"
	"github.com/usbarmory/xhci/trb"
)

// ErrUnsupported is returned by every isochronous entry point.
var ErrUnsupported = fmt.Errorf("urb: isochronous transfers are unsupported")

// TransferClass selects which of the controller's (up to) four non-
// command event rings a transfer's completions are posted to. The DXE
// variant allocates a distinct ring per class on a distinct interrupter;
// the PEI variant's controller wiring points all four at the same shared
// ring (spec.md §4.5 "Event ring routing").
type TransferClass int

const (
	ClassControl TransferClass = iota
	ClassBulk
	ClassIntSync
	ClassIntAsync

	numClasses
)

// maxChunkLength is the largest payload a single Normal/Data Stage TRB
// can carry, matching the original source's 0x10000-byte chunking for
// bulk/interrupt transfers that exceed one TRB's Transfer Length field.
const maxChunkLength = 0x10000

// Engine drives the TRB construction, doorbell ring, and completion-poll
// sequence for every non-command transfer. It holds no per-transfer
// state of its own beyond the async list; every synchronous call is
// re-entrant across distinct endpoints (spec.md §5 serializes re-entrancy
// at the caller, not here).
//
// Engine reuses slot.Variant rather than declaring a parallel urb.Variant
// enum: the DXE/PEI polling-interval split this package needs is the same
// behavioral axis slot.Manager already carries, and a transfer's caller
// always has a *slot.Manager in hand to read it from.
type Engine struct {
	pool  *dma.Pool
	slots *slot.Manager
	variant slot.Variant
	clock pcihc.Clock
	db    reg.Doorbell

	events    [numClasses]*ring.EventRing
	writeback [numClasses]func(uint64)

	async *AsyncList
}

// NewEngine constructs an Engine. events and writeback are indexed by
// TransferClass; for the PEI variant the caller passes the same event
// ring (and writeback closure) for every class, per spec.md §4.5.
func NewEngine(pool *dma.Pool, slots *slot.Manager, variant slot.Variant, clock pcihc.Clock, db reg.Doorbell, events [4]*ring.EventRing, writeback [4]func(uint64)) *Engine {
	u := &Engine{
		pool:    pool,
		slots:   slots,
		variant: variant,
		clock:   clock,
		db:      db,
		async:   newAsyncList(),
	}

	copy(u.events[:], events[:])
	copy(u.writeback[:], writeback[:])

	return u
}

func (u *Engine) eventRingFor(class TransferClass) *ring.EventRing { return u.events[class] }
func (u *Engine) writebackFor(class TransferClass) func(uint64)   { return u.writeback[class] }

// EventRings returns the engine's four class event rings, indexed by
// TransferClass. For the PEI variant every entry is the same shared
// ring. Used by Reset to reprogram each ring's interrupter after a
// controller reset.
func (u *Engine) EventRings() [4]*ring.EventRing { return u.events }

// pollIntervalUS returns the busy-poll stall interval for synchronous
// transfer completion, per spec.md §4.5: 20 ms for DXE, 1 µs for PEI.
func (u *Engine) pollIntervalUS() uint32 {
	if u.variant == slot.VariantDXE {
		return 20000
	}

	return 1
}

func (u *Engine) stall(us uint32) {
	if u.clock != nil {
		u.clock.StallMicroseconds(us)
	}
}

// completionResult maps a TRB completion code to its USB-level Result
// bit, per spec.md §4.5's completion-code handling table.
func completionResult(code uint32) Result {
	switch code {
	case trb.CompletionSuccess, trb.CompletionShortPacket:
		return NoError
	case trb.CompletionStallError:
		return ErrStall
	case trb.CompletionBabbleError:
		return ErrBabble
	case trb.CompletionDataBufferError:
		return ErrBuffer
	case trb.CompletionUSBTransactionError:
		return ErrTransaction
	default:
		return ErrSystem
	}
}

// chunk pairs a posted TRB's device pointer with the payload length it
// was built to carry, so await can compute completed-byte counts per
// stage/chunk rather than against the URB's overall length (the
// original source subtracts the overall length for every matched event,
// which over-counts a multi-chunk bulk transfer; this keeps the same
// per-event subtraction but against each chunk's own requested length).
type chunk struct {
	ptr    uint64
	length uint32
}

// await drains events's event ring until both the first and last posted
// chunk's completion events have been observed (spec.md §4.5 "stop when
// both the first-TRB and the last-TRB of the URB have been seen"),
// accumulating completed bytes and the worst-case Result across chunks.
// A non-success, non-short-packet completion code is terminal: await
// returns immediately with the Result it maps to.
func (u *Engine) await(events *ring.EventRing, writeback func(uint64), timeout time.Duration, chunks []chunk) (completed uint32, result Result, err error) {
	if len(chunks) == 0 {
		return 0, NoError, nil
	}

	startPtr := chunks[0].ptr
	endPtr := chunks[len(chunks)-1].ptr
	startDone, endDone := false, false

	deadline := time.Now().Add(timeout)

	for {
		evs := events.Dequeue()

		for _, ev := range evs {
			code := ev.CompletionCode()

			if code != trb.CompletionSuccess && code != trb.CompletionShortPacket {
				if writeback != nil {
					writeback(events.ERDPValue())
				}

				return completed, completionResult(code), nil
			}

			ptr := ev.Pointer64()

			for _, c := range chunks {
				if c.ptr == ptr {
					completed += c.length - ev.TransferResidual()
					break
				}
			}

			if ptr == startPtr {
				startDone = true
			}

			if ptr == endPtr {
				endDone = true
			}
		}

		if len(evs) > 0 && writeback != nil {
			writeback(events.ERDPValue())
		}

		if startDone && endDone {
			return completed, NoError, nil
		}

		if !time.Now().Before(deadline) {
			return completed, NoError, ErrTransferTimeout
		}

		u.stall(u.pollIntervalUS())
	}
}
