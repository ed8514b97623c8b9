// xHCI controller error taxonomy
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package xhci wires the reg, dma, ring, slot, urb, and roothub packages
// into a single Controller publishing spec.md §6's upstream
// host-controller operation table.
package xhci

import "fmt"

// ErrorClass categorizes a Controller operation's failure so callers can
// switch on category rather than parse error strings, per spec.md §7's
// propagation policy.
type ErrorClass int

const (
	// ErrParameter is a synchronous validation failure (bad direction,
	// out-of-range port, max-packet mismatch for the given speed, zero
	// length on a non-control transfer). Always returned before any
	// hardware access.
	ErrParameter ErrorClass = iota

	// ErrResource is an allocation failure (DMA pool exhaustion, slot
	// table full). Any partial state is torn down before return.
	ErrResource

	// ErrTimeout is a register-bit wait, URB completion, or command
	// completion expiring. Always recoverable by the caller via
	// Stop Endpoint + dequeue-update; never fatal.
	ErrTimeout

	// ErrDevice wraps a USB transfer-result code (Stall, Babble,
	// Buffer, Transaction, Timeout, SystemError). Returned even when
	// the transport itself succeeded.
	ErrDevice

	// ErrHostController is USBSTS.HSE or USBSTS.HCE observed at entry
	// to a public operation.
	ErrHostController

	// ErrUnsupported marks an operation this controller never
	// implements (isochronous transfers, Suspend state, Debug reset
	// variants), per spec.md's Non-goals.
	ErrUnsupported
)

func (c ErrorClass) String() string {
	switch c {
	case ErrParameter:
		return "invalid parameter"
	case ErrResource:
		return "resource exhausted"
	case ErrTimeout:
		return "timeout"
	case ErrDevice:
		return "device error"
	case ErrHostController:
		return "host controller error"
	case ErrUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is the error type every Controller operation returns on failure.
// Result is only meaningful when Class is ErrDevice, and carries the
// urb.Result bitmask the transfer's completion code mapped to.
type Error struct {
	Class  ErrorClass
	Op     string
	Result uint32
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xhci: %s: %s: %v", e.Op, e.Class, e.Err)
	}

	return fmt.Sprintf("xhci: %s: %s", e.Op, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

func paramError(op string, err error) error {
	return &Error{Class: ErrParameter, Op: op, Err: err}
}

func resourceError(op string, err error) error {
	return &Error{Class: ErrResource, Op: op, Err: err}
}

func timeoutError(op string, err error) error {
	return &Error{Class: ErrTimeout, Op: op, Err: err}
}

func deviceError(op string, result uint32, err error) error {
	return &Error{Class: ErrDevice, Op: op, Result: result, Err: err}
}

func hostControllerError(op string, err error) error {
	return &Error{Class: ErrHostController, Op: op, Err: err}
}

func unsupportedError(op string) error {
	return &Error{Class: ErrUnsupported, Op: op}
}
