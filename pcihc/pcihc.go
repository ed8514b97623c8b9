// xHCI host-controller external collaborator contracts
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pcihc defines the external-collaborator boundary between the
// xHCI driver core and its firmware environment: the PCI configuration
// space / bus-master mapping interface, the exit-boot-services signal,
// and the timer/wall-clock service. None of these are implemented by this
// module — spec.md §1 treats them as out of scope and requires only that
// the contracts they must satisfy be stated. Concrete implementations
// (PCI I/O protocol, UEFI clock, legacy-handoff semaphore) live outside
// this module; tests use the in-memory double in pcihc/pcihctest.
package pcihc

import "time"

// ClassCode is the expected PCI class/subclass/programming-interface for
// an xHCI controller (serial bus, USB, xHCI prog-if), per spec.md §6.
const ClassCode = 0x0C0330

// SerialBusReleaseOffset is the PCI configuration-space offset carrying
// the serial-bus release number (forms the reported MajorRevision.MinorRevision).
const SerialBusReleaseOffset = 0x60

// CommonBufferToken identifies a bus-master common-buffer mapping created
// by Device.MapCommonBuffer. It must be released, in LIFO order relative
// to other outstanding tokens, via Device.UnmapCommonBuffer.
type CommonBufferToken uint64

// Device is the downstream PCI collaborator contract (spec.md §6):
// configuration-space access for BAR discovery and capability detection,
// and bus-master common-buffer allocation for DMA-visible memory.
type Device interface {
	// ConfigRead32 reads a 32-bit PCI configuration-space register.
	ConfigRead32(offset uint32) (uint32, error)

	// ConfigWrite32 writes a 32-bit PCI configuration-space register.
	ConfigWrite32(offset uint32, val uint32) error

	// BAR returns the base address and size of PCI base address register
	// n, already resolved to its flattened 64-bit form if the BAR pair
	// is a 64-bit BAR.
	BAR(n int) (base uint64, size uint64, err error)

	// AC64 reports whether the platform can map common buffers with a
	// 64-bit device address (used to decide whether HCCPARAMS.AC64 may
	// be enabled).
	AC64() bool

	// MapCommonBuffer allocates pages of memory that are simultaneously
	// host-visible (via the returned virtual address) and device-visible
	// (via the returned physical address) for the lifetime of the
	// mapping, releasing it requires UnmapCommonBuffer with the same
	// token.
	MapCommonBuffer(pages int) (host uintptr, device uint64, token CommonBufferToken, err error)

	// UnmapCommonBuffer releases a mapping created by MapCommonBuffer.
	// Tokens must be released in LIFO order relative to their creation.
	UnmapCommonBuffer(token CommonBufferToken) error

	// Flush pushes any posted writes to the device; called after every
	// public xHCI entry point completes, per spec.md §6.
	Flush() error
}

// Clock is the firmware timer service contract: a wall clock for
// timeout budgets and a busy-stall primitive for microsecond-granularity
// delays (the driver has no sleep/await primitive available, spec.md §5).
type Clock interface {
	Now() time.Time
	StallMicroseconds(us uint32)
}

// ExitBootServices lets the driver register a callback invoked when the
// firmware is about to exit boot services, so it can cancel its poll
// timer, halt the controller, and restore PCI attributes (spec.md §6).
type ExitBootServices interface {
	Register(fn func()) error
}
