// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ring

import (
	"testing"
	"time"

	"github.com/usbarmory/xhci/trb"
)

func TestWaitForEventMatchesPointer(t *testing.T) {
	p := newTestPool(t)

	e, err := NewEventRing(p, 4)

	if err != nil {
		t.Fatalf("NewEventRing: %v", err)
	}

	var ev trb.TRB
	ev.SetType(trb.TypeCommandCompletionEvent)
	ev.SetPointer64(0xdeadbeef)
	ev.SetCompletionCode(trb.CompletionSuccess)
	ev.SetCycle(true)

	trbWrite(e.slotAddr(0), ev)

	got, ok := e.WaitForEvent(0xdeadbeef, time.Second, nil, nil)

	if !ok {
		t.Fatal("expected a match")
	}

	if got.CompletionCode() != trb.CompletionSuccess {
		t.Fatalf("got completion code %d, want success", got.CompletionCode())
	}
}

func TestWaitForEventTimesOut(t *testing.T) {
	p := newTestPool(t)

	e, err := NewEventRing(p, 4)

	if err != nil {
		t.Fatalf("NewEventRing: %v", err)
	}

	_, ok := e.WaitForEvent(0x1234, 10*time.Millisecond, nil, func(us uint32) {})

	if ok {
		t.Fatal("expected timeout, got a match")
	}
}

func TestWaitForEventInvokesWriteback(t *testing.T) {
	p := newTestPool(t)

	e, err := NewEventRing(p, 4)

	if err != nil {
		t.Fatalf("NewEventRing: %v", err)
	}

	var ev trb.TRB
	ev.SetType(trb.TypeTransferEvent)
	ev.SetPointer64(0x42)
	ev.SetCycle(true)

	trbWrite(e.slotAddr(0), ev)

	var gotERDP uint64

	_, ok := e.WaitForEvent(0x42, time.Second, func(erdp uint64) { gotERDP = erdp }, nil)

	if !ok {
		t.Fatal("expected a match")
	}

	if gotERDP == 0 {
		t.Fatal("writeback was not invoked with a non-zero ERDP value")
	}
}
