// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ring

import (
	"time"

	"github.com/usbarmory/xhci/trb"
)

// WaitForEvent polls the event ring until a completion event whose pointer
// field matches target is observed, or timeout elapses. slot.Manager uses
// it to wait for command completions; the urb package awaits transfer
// completions with its own loop over Dequeue.
//
// Events are consumed one at a time: non-matching events ahead of the
// match are discarded, and events produced after the match stay on the
// ring for the next call.
//
// writeback, if non-nil, is invoked after each poll that consumed events
// with the value to program into ERDP, acknowledging the interrupter.
// stall, if non-nil, is invoked between polls at microsecond granularity.
func (e *EventRing) WaitForEvent(target uint64, timeout time.Duration, writeback func(erdp uint64), stall func(us uint32)) (trb.TRB, bool) {
	deadline := time.Now().Add(timeout)

	for {
		consumed := false

		for e.Pending() {
			ev := trbRead(e.slotAddr(e.dequeueIdx))
			e.dequeueIdx++

			if e.dequeueIdx == e.count {
				e.dequeueIdx = 0
				e.ccs = !e.ccs
			}

			consumed = true

			if ev.Pointer64() == target {
				if writeback != nil {
					writeback(e.ERDPValue())
				}

				return ev, true
			}
		}

		if consumed && writeback != nil {
			writeback(e.ERDPValue())
		}

		if !time.Now().Before(deadline) {
			return trb.TRB{}, false
		}

		if stall != nil {
			stall(1)
		}
	}
}
