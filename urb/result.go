// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package urb

import "fmt"

// Result is the USB-level transfer result, returned to the caller
// alongside the completed byte count even when the transport itself
// succeeded (spec.md §7: "a URB can complete with a non-ok USB-level
// status").
type Result uint32

const (
	// NoError is the zero value: the transfer completed without a
	// USB-level error.
	NoError Result = 0

	ErrStall       Result = 1 << 0
	ErrBabble      Result = 1 << 1
	ErrBuffer      Result = 1 << 2
	ErrTransaction Result = 1 << 3
	ErrTimeout     Result = 1 << 4
	ErrSystem      Result = 1 << 5
)

func (r Result) String() string {
	if r == NoError {
		return "no error"
	}

	var s string

	for bit, name := range map[Result]string{
		ErrStall:       "stall",
		ErrBabble:      "babble",
		ErrBuffer:      "buffer",
		ErrTransaction: "transaction",
		ErrTimeout:     "timeout",
		ErrSystem:      "system",
	} {
		if r&bit != 0 {
			if s != "" {
				s += "|"
			}

			s += name
		}
	}

	return s
}

// Error reports a terminal transfer failure, pairing the Result bit the
// completion code maps to with the number of bytes the controller
// reported as transferred before the failure.
type Error struct {
	Result    Result
	Completed uint32
}

func (e *Error) Error() string {
	return fmt.Sprintf("urb: transfer failed: %s (%d bytes completed)", e.Result, e.Completed)
}

// ErrTransferTimeout is returned when a URB's completion events are not
// observed within its timeout budget, distinct from Error's USB-level
// failures since no completion event was seen at all.
var ErrTransferTimeout = fmt.Errorf("urb: transfer timed out")
