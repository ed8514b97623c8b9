// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package slot

// Speed is the abstract USB device speed, independent of the bit
// encoding PORTSC or a hub's GET_STATUS response happen to use.
type Speed int

const (
	SpeedFull Speed = iota
	SpeedLow
	SpeedHigh
	SpeedSuper
)

// SlotSpeed returns the value to program into a Slot Context's Speed
// field: the device speed plus one, per the original source's
// `InputContext->Slot.Speed = DeviceSpeed + 1`.
func (s Speed) SlotSpeed() uint32 { return uint32(s) + 1 }

// EP0MaxPacketSize returns the default control endpoint's MaxPacketSize
// for the given speed, per spec.md §4.4: 512 for super, 64 for high, 8
// for low/full.
func (s Speed) EP0MaxPacketSize() uint32 {
	switch s {
	case SpeedSuper:
		return 512
	case SpeedHigh:
		return 64
	default:
		return 8
	}
}
