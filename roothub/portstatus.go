// xHCI root-hub port status and feature control
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package roothub decodes and encodes PORTSC, translates it into the
// abstract USB port-status bits the upstream bus driver expects
// (spec.md §4.6), and reconciles port connect/disconnect events into
// device-slot enable/disable through the slot package. The same
// abstract bits are shared with a downstream hub's own GET_STATUS wire
// format, so a hub's ports reconcile through the identical path as a
// root-hub port (spec.md §4.6 "Hooking upstream transfer").
package roothub

import "github.com/usbarmory/xhci/slot"

// PortStatus is the abstract, bus-driver-facing view of a port's current
// state, decoded from either root-hub PORTSC or a downstream hub's
// GET_STATUS response.
type PortStatus struct {
	Connected      bool
	Enabled        bool
	Suspended      bool
	OverCurrent    bool
	Reset          bool
	Power          bool
	Speed          slot.Speed
	SpeedDetermined bool
}

// PortChange is the abstract view of which status bits changed since the
// last time they were observed and cleared.
type PortChange struct {
	Connect     bool
	Enable      bool
	OverCurrent bool
	Reset       bool
}

// Any reports whether at least one change bit is set, per spec.md §4.6's
// "issue Clear-Port-Feature ... for each change bit observed".
func (c PortChange) Any() bool {
	return c.Connect || c.Enable || c.OverCurrent || c.Reset
}

// Feature identifies a root-hub (or hub-port) feature for Set/Clear Port
// Feature, mirroring the upstream bus driver's abstract feature
// selectors (spec.md §4.6's "Set/Clear port feature").
type Feature int

const (
	FeatureEnable Feature = iota
	FeatureSuspend
	FeatureReset
	FeaturePower
	FeatureOwner

	FeatureConnectChange
	FeatureEnableChange
	FeatureOverCurrentChange
	FeatureResetChange
)

// portscSensitiveMask covers the PORTSC bits that must be masked off of
// a read-modify-write: the four write-1-to-clear change bits (plus the
// three this package does not otherwise touch, WRC/PLC/CEC) and PED, which
// is not a change bit but whose only software-writable effect is
// disabling the port — preserving a stale 1 in a read-modify-write would
// disable the port as a side effect of an unrelated feature write.
const portscSensitiveMask = 1<<1 | 1<<17 | 1<<18 | 1<<19 | 1<<20 | 1<<21 | 1<<22 | 1<<23

// decodeSpeed maps PORTSC's 4-bit Speed ID field (spec.md §4.6: "2=low,
// 3=high, 4/5=super; 0=not yet determined") to a slot.Speed.
func decodeSpeed(id uint32) (slot.Speed, bool) {
	switch id {
	case 2:
		return slot.SpeedLow, true
	case 3:
		return slot.SpeedHigh, true
	case 4, 5:
		return slot.SpeedSuper, true
	default:
		return slot.SpeedFull, false
	}
}

// DecodePORTSC decodes a raw PORTSC value into the abstract status and
// change bits (spec.md §4.6 "Get port status").
func DecodePORTSC(v uint32) (PortStatus, PortChange) {
	status := PortStatus{
		Connected:   v&(1<<0) != 0,
		Enabled:     v&(1<<1) != 0,
		OverCurrent: v&(1<<3) != 0,
		Reset:       v&(1<<4) != 0,
		Power:       v&(1<<9) != 0,
	}

	if (v>>5)&0xF == 3 {
		status.Suspended = true
	}

	status.Speed, status.SpeedDetermined = decodeSpeed((v >> 10) & 0xF)

	change := PortChange{
		Connect:     v&(1<<17) != 0,
		Enable:      v&(1<<18) != 0,
		OverCurrent: v&(1<<20) != 0,
		Reset:       v&(1<<21) != 0,
	}

	return status, change
}

// DecodeHubPortStatus decodes a downstream hub's GET_STATUS(port)
// response (wPortStatus in the low 16 bits, wPortChange in the high 16
// bits, standard USB hub-class bit positions) into the same abstract
// status/change bits PORTSC decodes to, so both paths reconcile through
// Poller.Reconcile identically. Speed follows the USB 2.0 hub layout
// (bit 9 low speed, bit 10 high speed, neither full speed); a SuperSpeed
// hub's port-speed field is not decoded.
func DecodeHubPortStatus(wPortStatus, wPortChange uint16) (PortStatus, PortChange) {
	status := PortStatus{
		Connected:   wPortStatus&(1<<0) != 0,
		Enabled:     wPortStatus&(1<<1) != 0,
		Suspended:   wPortStatus&(1<<2) != 0,
		OverCurrent: wPortStatus&(1<<3) != 0,
		Reset:       wPortStatus&(1<<4) != 0,
		Power:       wPortStatus&(1<<8) != 0,
	}

	switch {
	case wPortStatus&(1<<9) != 0:
		status.Speed, status.SpeedDetermined = slot.SpeedLow, true
	case wPortStatus&(1<<10) != 0:
		status.Speed, status.SpeedDetermined = slot.SpeedHigh, true
	default:
		status.Speed, status.SpeedDetermined = slot.SpeedFull, true
	}

	change := PortChange{
		Connect:     wPortChange&(1<<0) != 0,
		Enable:      wPortChange&(1<<1) != 0,
		OverCurrent: wPortChange&(1<<3) != 0,
		Reset:       wPortChange&(1<<4) != 0,
	}

	return status, change
}

// hub wire-format feature selectors for CLEAR_FEATURE sent down the wire
// to a downstream hub's port (standard USB hub class, distinct from the
// root-hub Feature enum above).
const (
	hubFeatureCConnection  = 16
	hubFeatureCEnable      = 17
	hubFeatureCOverCurrent = 19
	hubFeatureCReset       = 20
)
