// xHCI upstream host-controller operation table
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"fmt"
	"time"

	"github.com/usbarmory/xhci/reg"
	"github.com/usbarmory/xhci/roothub"
	"github.com/usbarmory/xhci/slot"
	"github.com/usbarmory/xhci/urb"
)

// Capability is GetCapability's result, per spec.md §6.
type Capability struct {
	MaxSpeed       slot.Speed
	PortNumber     int
	Is64BitCapable bool
}

// GetCapability reports the controller's fixed capabilities.
func (c *Controller) GetCapability() Capability {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Capability{
		MaxSpeed:       slot.SpeedSuper,
		PortNumber:     c.maxPorts,
		Is64BitCapable: c.cap.AC64(),
	}
}

// ResetAttribute selects a Reset variant, per spec.md §6.
type ResetAttribute int

const (
	ResetGlobal ResetAttribute = iota
	ResetHostController
	ResetGlobalDebug
	ResetHostDebug
)

// Reset performs Halt-then-Reset, reprograms the command/event ring
// registers, and frees every outstanding asynchronous transfer, per
// spec.md §6's Reset contract. The Debug variants are unsupported.
func (c *Controller) Reset(attr ResetAttribute) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch attr {
	case ResetGlobalDebug, ResetHostDebug:
		return unsupportedError("Reset")
	case ResetGlobal, ResetHostController:
	default:
		return paramError("Reset", fmt.Errorf("invalid reset attribute %d", attr))
	}

	if err := c.haltAndReset(); err != nil {
		return deviceError("Reset", 0, err)
	}

	c.urb.ClearAsync()

	c.programInterrupter(0, c.cmdEvts)

	if c.variant == slot.VariantDXE {
		for i, er := range c.urb.EventRings() {
			c.programInterrupter(i+1, er)
		}
	}

	c.op.SetDCBAAP(c.slots.DCBAAP())
	c.op.SetCRCR(c.cmdRing.InitialCRCR())
	c.op.SetConfig(uint32(c.maxSlots))

	reg.Set(c.op.Base+reg.USBCMD, reg.USBCMD_INTE)

	c.op.Run()

	return c.flush()
}

// State is a host-controller run state, per spec.md §6's Get/SetState.
type State int

const (
	StateHalt State = iota
	StateOperational
	StateSuspend
)

// GetState reports whether the controller is currently halted or
// running, derived from USBSTS.HCH.
func (c *Controller) GetState() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkHCE("GetState"); err != nil {
		return 0, err
	}

	if c.op.USBSts()&(1<<reg.USBSTS_HCH) != 0 {
		return StateHalt, nil
	}

	return StateOperational, nil
}

// SetState drives USBCMD.RUN to Halt or Operational; Suspend is
// unsupported (spec.md §6, spec.md Non-goals).
func (c *Controller) SetState(state State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch state {
	case StateSuspend:
		return unsupportedError("SetState")

	case StateHalt:
		if err := c.checkHCE("SetState"); err != nil {
			return err
		}

		c.op.Halt()

		if !c.op.WaitHalted(haltTimeout, c.stall) {
			return timeoutError("SetState", fmt.Errorf("controller did not halt"))
		}

	case StateOperational:
		if err := c.checkHCE("SetState"); err != nil {
			return err
		}

		c.op.Run()

	default:
		return paramError("SetState", fmt.Errorf("invalid state %d", state))
	}

	return c.flush()
}

// ControlTransfer executes a control transfer on the device at bus
// address addr, per spec.md §6/§4.5. It intercepts SET_ADDRESS,
// GET_DESCRIPTOR (device/config/hub), SET_CONFIGURATION, SET_INTERFACE
// and hub GET_STATUS(port), as spec.md §4.6's "Hooking upstream transfer"
// describes, rather than letting the bare wire transfer run unobserved.
func (c *Controller) ControlTransfer(addr uint8, req urb.ControlRequest, dir slot.Direction, data []byte, timeout time.Duration) (completed uint32, result urb.Result, err error) {
	if dir != slot.In && dir != slot.Out {
		return 0, urb.NoError, paramError("ControlTransfer", fmt.Errorf("invalid direction %d", dir))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkHCE("ControlTransfer"); err != nil {
		return 0, urb.NoError, err
	}

	if handled, completed, result, err := c.hookControlTransfer(addr, req, dir, data, timeout); handled {
		_ = c.flush()
		return completed, result, err
	}

	e := c.table.ByBusAddress(addr)

	if e == nil {
		return 0, urb.NoError, paramError("ControlTransfer", fmt.Errorf("no slot for bus address %d", addr))
	}

	completed, result, err = c.urb.ControlTransfer(e, req, dir, data, timeout)

	if uerr, ok := asURBError(err); ok {
		err = deviceError("ControlTransfer", uint32(uerr.Result), uerr)
	}

	_ = c.flush()

	return completed, result, err
}

func endpointDCI(epAddr uint8) (dci int, dir slot.Direction, num int) {
	dir = slot.Out

	if epAddr&0x80 != 0 {
		dir = slot.In
	}

	num = int(epAddr & 0x0F)

	return slot.DCI(num, dir), dir, num
}

func validateTransferEndpoint(op string, epAddr uint8, data []byte, maxPacket uint32) (dci int, dir slot.Direction, err error) {
	dci, dir, num := endpointDCI(epAddr)

	if num == 0 || num > 15 {
		return 0, dir, paramError(op, fmt.Errorf("invalid endpoint address %#x", epAddr))
	}

	if maxPacket == 0 {
		return 0, dir, paramError(op, fmt.Errorf("invalid max packet size"))
	}

	if len(data) == 0 {
		return 0, dir, paramError(op, fmt.Errorf("zero-length transfer"))
	}

	return dci, dir, nil
}

// BulkTransfer executes a synchronous bulk transfer, per spec.md §6.
// toggle is accepted for interface compatibility and ignored, since xHCI
// manages the data toggle internally.
func (c *Controller) BulkTransfer(addr uint8, epAddr uint8, speed slot.Speed, maxPacket uint32, data []byte, toggle bool, timeout time.Duration) (completed uint32, result urb.Result, err error) {
	dci, dir, verr := validateTransferEndpoint("BulkTransfer", epAddr, data, maxPacket)

	if verr != nil {
		return 0, urb.NoError, verr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkHCE("BulkTransfer"); err != nil {
		return 0, urb.NoError, err
	}

	e := c.table.ByBusAddress(addr)

	if e == nil {
		return 0, urb.NoError, paramError("BulkTransfer", fmt.Errorf("no slot for bus address %d", addr))
	}

	completed, result, err = c.urb.BulkTransfer(e, dci, dir, data, timeout)

	if uerr, ok := asURBError(err); ok {
		err = deviceError("BulkTransfer", uint32(uerr.Result), uerr)
	}

	_ = c.flush()

	return completed, result, err
}

// SyncIntTransfer executes a synchronous interrupt transfer, per
// spec.md §6.
func (c *Controller) SyncIntTransfer(addr uint8, epAddr uint8, speed slot.Speed, maxPacket uint32, data []byte, toggle bool, timeout time.Duration) (completed uint32, result urb.Result, err error) {
	dci, dir, verr := validateTransferEndpoint("SyncIntTransfer", epAddr, data, maxPacket)

	if verr != nil {
		return 0, urb.NoError, verr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkHCE("SyncIntTransfer"); err != nil {
		return 0, urb.NoError, err
	}

	e := c.table.ByBusAddress(addr)

	if e == nil {
		return 0, urb.NoError, paramError("SyncIntTransfer", fmt.Errorf("no slot for bus address %d", addr))
	}

	completed, result, err = c.urb.SyncIntTransfer(e, dci, dir, data, timeout)

	if uerr, ok := asURBError(err); ok {
		err = deviceError("SyncIntTransfer", uint32(uerr.Result), uerr)
	}

	_ = c.flush()

	return completed, result, err
}

// AsyncIntTransfer builds and registers a new asynchronous interrupt
// transfer when isNewTransfer is set, or removes the matching one
// otherwise, per spec.md §6.
func (c *Controller) AsyncIntTransfer(addr uint8, epAddr uint8, bufSize int, callback func([]byte, urb.Result), isNewTransfer bool) (*urb.AsyncURB, error) {
	dci, _, num := endpointDCI(epAddr)

	if num == 0 || num > 15 {
		return nil, paramError("AsyncIntTransfer", fmt.Errorf("invalid endpoint address %#x", epAddr))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkHCE("AsyncIntTransfer"); err != nil {
		return nil, err
	}

	if !isNewTransfer {
		c.urb.RemoveAsync(addr, dci)
		return nil, c.flush()
	}

	if bufSize <= 0 {
		return nil, paramError("AsyncIntTransfer", fmt.Errorf("invalid buffer size %d", bufSize))
	}

	e := c.table.ByBusAddress(addr)

	if e == nil {
		return nil, paramError("AsyncIntTransfer", fmt.Errorf("no slot for bus address %d", addr))
	}

	a, err := c.urb.SubmitAsyncInt(e, dci, bufSize, callback)

	if err != nil {
		return nil, resourceError("AsyncIntTransfer", err)
	}

	return a, c.flush()
}

// PollTimer services the async interrupt list, per spec.md §3's
// "controller's periodic poll timer (fires at a fixed interval ≈ 50
// ms)": the upstream firmware timer service calls this once per tick.
// User callbacks run with the controller's mutex held — spec.md §5's
// lowered-priority-level nuance (allowing a callback to reenter a
// transfer entry point) has no safe equivalent over a non-reentrant
// sync.Mutex, so a callback must not call back into the Controller.
func (c *Controller) PollTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.checkHCE("PollTimer") != nil {
		return
	}

	c.urb.PollAsync()

	_ = c.flush()
}

// IsoTransfer and AsyncIsoTransfer are always unsupported (spec.md
// Non-goals).
func (c *Controller) IsoTransfer(addr uint8, epAddr uint8, speed slot.Speed, maxPacket uint32, data []byte, timeout time.Duration) (uint32, urb.Result, error) {
	return 0, urb.NoError, unsupportedError("IsoTransfer")
}

func (c *Controller) AsyncIsoTransfer(addr uint8, epAddr uint8, speed slot.Speed, bufSize int, callback func([]byte, urb.Result)) error {
	return unsupportedError("AsyncIsoTransfer")
}

// GetRootHubPortStatus reads and reconciles root-hub port port (0-based),
// per spec.md §6/§4.6.
func (c *Controller) GetRootHubPortStatus(port int) (roothub.PortStatus, roothub.PortChange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if port < 0 || port >= c.maxPorts {
		return roothub.PortStatus{}, roothub.PortChange{}, paramError("GetRootHubPortStatus", fmt.Errorf("port %d out of range", port))
	}

	if err := c.checkHCE("GetRootHubPortStatus"); err != nil {
		return roothub.PortStatus{}, roothub.PortChange{}, err
	}

	status, change, err := c.hub.GetPortStatus(port)

	_ = c.flush()

	return status, change, err
}

// SetRootHubPortFeature implements Set Port Feature, per spec.md §6/§4.6.
func (c *Controller) SetRootHubPortFeature(port int, f roothub.Feature) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if port < 0 || port >= c.maxPorts {
		return paramError("SetRootHubPortFeature", fmt.Errorf("port %d out of range", port))
	}

	if err := c.checkHCE("SetRootHubPortFeature"); err != nil {
		return err
	}

	if err := c.hub.SetPortFeature(port, f); err != nil {
		return timeoutError("SetRootHubPortFeature", err)
	}

	return c.flush()
}

// ClearRootHubPortFeature implements Clear Port Feature, per spec.md
// §6/§4.6.
func (c *Controller) ClearRootHubPortFeature(port int, f roothub.Feature) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if port < 0 || port >= c.maxPorts {
		return paramError("ClearRootHubPortFeature", fmt.Errorf("port %d out of range", port))
	}

	if err := c.checkHCE("ClearRootHubPortFeature"); err != nil {
		return err
	}

	if err := c.hub.ClearPortFeature(port, f); err != nil {
		return paramError("ClearRootHubPortFeature", err)
	}

	return c.flush()
}

// asURBError unwraps a *urb.Error, if err is one.
func asURBError(err error) (*urb.Error, bool) {
	uerr, ok := err.(*urb.Error)
	return uerr, ok
}
