// xHCI device-slot and endpoint context lifecycle
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package slot owns the 255-entry device-slot table, the 32/64-byte
// Input/Output Device Context layouts dispatched on the controller's CSZ
// capability bit, route-string composition, and the xHCI command
// sequences (Enable Slot, Address Device, Configure Endpoint, Evaluate
// Context, Configure Hub Slot, Disable Slot, Reset Halted Endpoint).
package slot

// Route is the 32-bit packed route string: {RouteString:20,
// RootPortNum:8, TierNum:4}, identifying a device's topological position
// (spec.md §3).
type Route struct {
	RouteString uint32 // 20-bit hierarchical port path, 4 bits per tier
	RootPortNum uint8
	TierNum     uint8
}

// Pack encodes the route as the 20-bit value the Slot Context's RouteStr
// field expects; the root port number is not included.
func (r Route) Pack() uint32 {
	return r.RouteString & 0xFFFFF
}

// Child composes the route string of a device attached at port (1-based)
// of the hub/root-port identified by r, per spec.md §3's construction
// rule: new route = parent.route | (min(port,15) << (4*(parent.tier-1)));
// new root-port = parent.root-port if parent non-root else port; new tier
// = parent.tier + 1 if parent non-root else 1.
func (r Route) Child(port uint8) Route {
	p := port

	if p > 15 {
		p = 15
	}

	child := Route{}

	if r.isRoot() {
		child.RouteString = 0
		child.RootPortNum = port
		child.TierNum = 1
	} else {
		shift := 4 * (r.TierNum - 1)
		child.RouteString = r.RouteString | (uint32(p) << shift)
		child.RootPortNum = r.RootPortNum
		child.TierNum = r.TierNum + 1
	}

	return child
}

// isRoot reports whether r is the root hub itself (tier 0, the zero
// Route), the parent of every device attached directly to a root port.
func (r Route) isRoot() bool {
	return r.TierNum == 0
}

// RootPort constructs the route string for a device attached directly to
// root hub port (1-based).
func RootPort(port uint8) Route {
	return Route{}.Child(port)
}

// Equal reports whether two route strings identify the same topological
// position.
func (r Route) Equal(o Route) bool {
	return r.RouteString == o.RouteString && r.RootPortNum == o.RootPortNum && r.TierNum == o.TierNum
}
