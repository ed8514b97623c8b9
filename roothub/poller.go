// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package roothub

import (
	"fmt"
	"time"

	"github.com/usbarmory/xhci/pcihc"
	"github.com/usbarmory/xhci/reg"
	"github.com/usbarmory/xhci/slot"
	"github.com/usbarmory/xhci/urb"
)

// ResetTimeout bounds the wait for PRC to assert after writing Port
// Reset, the "generic timeout (10 ms default)" spec.md §4.6 calls for.
const ResetTimeout = 10 * time.Millisecond

// hubControlTimeout bounds the CLEAR_FEATURE control transfers this
// package issues down the wire to a parent hub.
const hubControlTimeout = 500 * time.Millisecond

// Poller owns root-hub port polling and reconciliation: decoding PORTSC,
// Set/Clear Port Feature, and driving device-slot enable/disable as
// ports connect and disconnect (spec.md §4.6).
type Poller struct {
	op      reg.Operational
	slots   *slot.Manager
	table   *slot.Table
	variant slot.Variant
	clock   pcihc.Clock
	urb     *urb.Engine
}

// NewPoller constructs a Poller. urbEngine is used only for the hub
// pass-through path (ReconcileHub's downstream CLEAR_FEATURE) and may be
// nil if the caller never calls ReconcileHub.
func NewPoller(op reg.Operational, slots *slot.Manager, table *slot.Table, variant slot.Variant, clock pcihc.Clock, urbEngine *urb.Engine) *Poller {
	return &Poller{op: op, slots: slots, table: table, variant: variant, clock: clock, urb: urbEngine}
}

func (p *Poller) stall(us uint32) {
	if p.clock != nil {
		p.clock.StallMicroseconds(us)
	}
}

// GetPortStatus reads PORTSC, decodes it, clears every observed change
// bit by reissuing ClearPortFeature for it (spec.md §4.6: "so the
// upstream bus sees each change exactly once"), reconciles the port
// against the device-slot table, and returns the status/change observed
// before clearing.
func (p *Poller) GetPortStatus(port int) (PortStatus, PortChange, error) {
	raw := p.op.PortSC(port)
	status, change := DecodePORTSC(raw)

	if change.Connect {
		if err := p.ClearPortFeature(port, FeatureConnectChange); err != nil {
			return status, change, err
		}
	}

	if change.Enable {
		if err := p.ClearPortFeature(port, FeatureEnableChange); err != nil {
			return status, change, err
		}
	}

	if change.OverCurrent {
		if err := p.ClearPortFeature(port, FeatureOverCurrentChange); err != nil {
			return status, change, err
		}
	}

	if change.Reset {
		if err := p.ClearPortFeature(port, FeatureResetChange); err != nil {
			return status, change, err
		}
	}

	if err := p.Reconcile(slot.Route{}, uint8(port+1), status, change); err != nil {
		return status, change, err
	}

	return status, change, nil
}

// SetPortFeature implements spec.md §4.6's "Set/Clear port feature":
// Suspend asserts PLS=3 under LWS; Reset is write-1-to-set, waited on
// with the generic timeout; Enable cannot be set by software (only
// cleared); Power and Owner are accepted as no-ops (Port Power Control
// and port ownership are not implemented by this controller).
func (p *Poller) SetPortFeature(port int, f Feature) error {
	base := p.op.PortSC(port) &^ portscSensitiveMask

	switch f {
	case FeatureEnable, FeaturePower, FeatureOwner:
		return nil

	case FeatureSuspend:
		p.op.SetPortSC(port, base|1<<reg.PORTSC_LWS)
		v := p.op.PortSC(port) &^ (portscSensitiveMask | reg.PORTSC_PLSMask<<reg.PORTSC_PLS)
		p.op.SetPortSC(port, v|3<<reg.PORTSC_PLS)
		return nil

	case FeatureReset:
		p.op.SetPortSC(port, base|1<<reg.PORTSC_PR)

		if !reg.WaitBit(func() uint32 { return p.op.PortSC(port) }, 1<<reg.PORTSC_PRC, true, ResetTimeout, p.stall) {
			return fmt.Errorf("roothub: port %d reset timed out", port)
		}

		return nil

	default:
		return fmt.Errorf("roothub: feature %d cannot be set", f)
	}
}

// ClearPortFeature implements the Clear side of spec.md §4.6's "Set/Clear
// port feature": Enable is cleared by writing PED=1 (software's only
// write access to that bit disables the port); each change feature is
// cleared by writing its own write-1-to-clear bit; Reset, Power, Owner,
// and Suspend are accepted as no-ops (Reset's bit is read-only from
// software's side once asserted; Power/Owner are unsupported; Suspend
// has no independent clear side-effect this controller implements).
func (p *Poller) ClearPortFeature(port int, f Feature) error {
	base := p.op.PortSC(port) &^ portscSensitiveMask

	switch f {
	case FeatureEnable:
		p.op.SetPortSC(port, base|1<<reg.PORTSC_PED)

	case FeatureConnectChange:
		p.op.SetPortSC(port, base|1<<reg.PORTSC_CSC)

	case FeatureEnableChange:
		p.op.SetPortSC(port, base|1<<reg.PORTSC_PEC)

	case FeatureOverCurrentChange:
		p.op.SetPortSC(port, base|1<<reg.PORTSC_OCC)

	case FeatureResetChange:
		p.op.SetPortSC(port, base|1<<reg.PORTSC_PRC)

	case FeatureReset, FeaturePower, FeatureOwner, FeatureSuspend:
		return nil

	default:
		return fmt.Errorf("roothub: feature %d cannot be cleared", f)
	}

	return nil
}

// Reconcile implements spec.md §4.6's Port-Status-Change reconciliation
// (`XhcPollPortStatusChange`): composes the child route from
// parentRoute+port, and drives Initialize-Device-Slot on a new
// connection or Disable-Slot on a disconnection. port is 1-based,
// matching slot.Route.Child's contract.
func (p *Poller) Reconcile(parentRoute slot.Route, port uint8, status PortStatus, change PortChange) error {
	route := parentRoute.Child(port)
	existing := p.table.ByRoute(route)

	if status.Connected && status.Enabled {
		if existing != nil {
			return nil
		}

		if p.variant == slot.VariantPEI && !change.Reset {
			// PEI variant gates slot creation on observing the reset
			// change bit, to avoid initializing before reset completes
			// (spec.md §4.6).
			return nil
		}

		parent := p.table.ByRoute(parentRoute)
		parentPort := 0

		if parent != nil {
			parentPort = int(port)
		}

		_, err := p.slots.InitializeDeviceSlot(route, parentRoute, int(route.RootPortNum), status.Speed, parent, parentPort)

		return err
	}

	if !status.Connected && existing != nil {
		return p.slots.DisableSlot(existing.SlotID)
	}

	return nil
}

// ReconcileHub implements spec.md §4.6's "Hooking upstream transfer" for
// a downstream hub's own port: clears each change bit observed in the
// hub's GET_STATUS response by sending CLEAR_FEATURE down the wire to
// the hub itself (there is no PORTSC to self-clear through, unlike a
// root-hub port), then recursively reconciles with hubEntry's route as
// the parent.
func (p *Poller) ReconcileHub(hubEntry *slot.Entry, port uint8, wPortStatus, wPortChange uint16) error {
	status, change := DecodeHubPortStatus(wPortStatus, wPortChange)

	clears := []struct {
		set  bool
		wire uint16
	}{
		{change.Connect, hubFeatureCConnection},
		{change.Enable, hubFeatureCEnable},
		{change.OverCurrent, hubFeatureCOverCurrent},
		{change.Reset, hubFeatureCReset},
	}

	for _, c := range clears {
		if !c.set {
			continue
		}

		if p.urb == nil {
			continue
		}

		req := urb.ControlRequest{
			RequestType: 0x23, // host-to-device | class | other
			Request:     1,    // CLEAR_FEATURE
			Value:       c.wire,
			Index:       uint16(port),
		}

		if _, _, err := p.urb.ControlTransfer(hubEntry, req, slot.Out, nil, hubControlTimeout); err != nil {
			return fmt.Errorf("roothub: clear hub port %d feature: %w", port, err)
		}
	}

	return p.Reconcile(hubEntry.Route, port, status, change)
}
