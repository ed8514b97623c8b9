// xHCI control-transfer class-request interception
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

	"github.com/usbarmory/xhci/slot"
	"github.com/usbarmory/xhci/urb"
)

// Standard request codes this package intercepts.
const (
	reqGetStatus        = 0
	reqSetAddress       = 5
	reqGetDescriptor    = 6
	reqSetConfiguration = 9
	reqSetInterface     = 11
)

// Setup packet bmRequestType values for the intercepted requests.
const (
	reqTypeStdDeviceOut    = 0x00 // host-to-device | standard | device
	reqTypeStdInterfaceOut = 0x01 // host-to-device | standard | interface
	reqTypeClassOtherIn    = 0xA3 // device-to-host | class | other (hub port status)
)

// USB descriptor type codes.
const (
	descDevice        = 1
	descConfiguration = 2
	descInterface     = 4
	descEndpoint      = 5
	descHub           = 0x29
	descHubSuperSpeed = 0x2A
)

// hookControlTransfer intercepts SET_ADDRESS, GET_DESCRIPTOR,
// SET_CONFIGURATION, SET_INTERFACE, and hub GET_STATUS(port) requests,
// per spec.md §4.6's "Hooking upstream transfer": these requests drive
// xHCI-side state (Address Device's result, Evaluate/Configure Context,
// Configure Hub Context, port reconciliation) rather than passing
// through as a bare wire transfer. Every other request falls through to
// the ordinary ControlTransfer path.
func (c *Controller) hookControlTransfer(addr uint8, req urb.ControlRequest, dir slot.Direction, data []byte, timeout time.Duration) (handled bool, completed uint32, result urb.Result, err error) {
	switch {
	case req.Request == reqSetAddress && req.RequestType == reqTypeStdDeviceOut:
		completed, result, err = c.handleSetAddress(addr, req)
		return true, completed, result, err

	case req.Request == reqGetDescriptor && dir == slot.In:
		completed, result, err = c.handleGetDescriptor(addr, req, data, timeout)
		return true, completed, result, err

	case req.Request == reqSetConfiguration && req.RequestType == reqTypeStdDeviceOut:
		completed, result, err = c.handleSetConfiguration(addr, req, timeout)
		return true, completed, result, err

	case req.Request == reqSetInterface && req.RequestType == reqTypeStdInterfaceOut:
		completed, result, err = c.handleSetInterface(addr, req, timeout)
		return true, completed, result, err

	case req.Request == reqGetStatus && req.RequestType == reqTypeClassOtherIn:
		completed, result, err = c.handleGetStatusHubPort(addr, req, data, timeout)
		return true, completed, result, err
	}

	return false, 0, urb.NoError, nil
}

// handleSetAddress does not perform a wire transfer: xHCI's Address
// Device command already assigned the real device address when the
// slot was created, so SET_ADDRESS only needs to record the address the
// upstream bus driver believes the device now has.
func (c *Controller) handleSetAddress(addr uint8, req urb.ControlRequest) (uint32, urb.Result, error) {
	e := c.table.ByBusAddress(addr)

	if e == nil {
		return 0, urb.NoError, paramError("ControlTransfer", fmt.Errorf("no slot for bus address %d", addr))
	}

	if e.DeviceAddress == 0 {
		return 0, urb.NoError, deviceError("ControlTransfer", 0, fmt.Errorf("slot %d has no xHCI-assigned device address", e.SlotID))
	}

	e.BusAddress = uint8(req.Value)

	return 0, urb.NoError, nil
}

// descMaxPacketSize0 derives EP0's real MaxPacketSize from a device
// descriptor's bMaxPacketSize0 field (offset 7), encoded as 1<<raw for
// USB 3.x devices (bcdUSB >= 0x0300) rather than the raw value itself.
func descMaxPacketSize0(data []byte) uint32 {
	if len(data) < 8 {
		return 0
	}

	bcdUSB := uint16(data[2]) | uint16(data[3])<<8
	raw := data[7]

	if bcdUSB >= 0x0300 {
		return 1 << raw
	}

	return uint32(raw)
}

func (c *Controller) handleGetDescriptor(addr uint8, req urb.ControlRequest, data []byte, timeout time.Duration) (uint32, urb.Result, error) {
	e := c.table.ByBusAddress(addr)

	if e == nil {
		return 0, urb.NoError, paramError("ControlTransfer", fmt.Errorf("no slot for bus address %d", addr))
	}

	completed, result, err := c.urb.ControlTransfer(e, req, slot.In, data, timeout)

	if err == nil && result == urb.NoError {
		switch req.Value >> 8 {
		case descDevice:
			if completed >= 8 {
				e.DeviceDescriptor = append([]byte(nil), data[:completed]...)
				_ = c.slots.EvaluateContext(e, descMaxPacketSize0(e.DeviceDescriptor))
			}

		case descConfiguration:
			if completed > 0 {
				e.ConfigDescriptors = append(e.ConfigDescriptors, append([]byte(nil), data[:completed]...))

				if e.ActiveAltSetting == nil {
					e.ActiveAltSetting = make(map[int]int)
				}
			}

		case descHub, descHubSuperSpeed:
			if completed >= 3 {
				numPorts := int(data[2])
				ttt := uint32(0)

				if completed >= 4 {
					ttt = (uint32(data[3]) >> 5) & 0x3
				}

				_ = c.slots.ConfigureHubSlot(e, numPorts, ttt)
			}
		}
	}

	if uerr, ok := asURBError(err); ok {
		err = deviceError("ControlTransfer", uint32(uerr.Result), uerr)
	}

	return completed, result, err
}

// findConfigDescriptor returns the cached configuration descriptor whose
// bConfigurationValue (offset 5) matches value, or nil.
func findConfigDescriptor(e *slot.Entry, value uint8) []byte {
	for _, cfg := range e.ConfigDescriptors {
		if len(cfg) > 5 && cfg[5] == value {
			return cfg
		}
	}

	return nil
}

// activeConfig returns the most recently cached configuration
// descriptor, the active one for the overwhelmingly common
// single-configuration device.
func activeConfig(e *slot.Entry) []byte {
	if len(e.ConfigDescriptors) == 0 {
		return nil
	}

	return e.ConfigDescriptors[len(e.ConfigDescriptors)-1]
}

// parseEndpoints walks a raw configuration descriptor's concatenated
// interface/endpoint descriptors and returns the endpoints belonging to
// each interface's selected alternate setting (0, when altSettings is
// nil or has no entry for that interface).
func parseEndpoints(cfg []byte, altSettings map[int]int) []slot.EndpointDescriptor {
	var eps []slot.EndpointDescriptor

	include := true
	i := 0

	for i+1 < len(cfg) {
		length := int(cfg[i])

		if length == 0 || i+length > len(cfg) {
			break
		}

		switch cfg[i+1] {
		case descInterface:
			if length >= 4 {
				iface := int(cfg[i+2])
				alt := int(cfg[i+3])
				want := 0

				if altSettings != nil {
					want = altSettings[iface]
				}

				include = alt == want
			}

		case descEndpoint:
			if include && length >= 7 {
				epAddr := cfg[i+2]
				attrs := cfg[i+3]
				maxPkt := (uint32(cfg[i+4]) | uint32(cfg[i+5])<<8) & 0x7FF

				dir := slot.Out

				if epAddr&0x80 != 0 {
					dir = slot.In
				}

				eps = append(eps, slot.EndpointDescriptor{
					Number:        int(epAddr & 0x0F),
					Dir:           dir,
					Type:          int(attrs & 0x03),
					MaxPacketSize: maxPkt,
					Interval:      cfg[i+6],
				})
			}
		}

		i += length
	}

	return eps
}

func (c *Controller) handleSetConfiguration(addr uint8, req urb.ControlRequest, timeout time.Duration) (uint32, urb.Result, error) {
	e := c.table.ByBusAddress(addr)

	if e == nil {
		return 0, urb.NoError, paramError("ControlTransfer", fmt.Errorf("no slot for bus address %d", addr))
	}

	completed, result, err := c.urb.ControlTransfer(e, req, slot.Out, nil, timeout)

	if err == nil && result == urb.NoError {
		if cfg := findConfigDescriptor(e, uint8(req.Value)); cfg != nil {
			for k := range e.ActiveAltSetting {
				delete(e.ActiveAltSetting, k)
			}

			if cerr := c.slots.ConfigureEndpoint(e, parseEndpoints(cfg, nil)); cerr != nil {
				err = resourceError("ControlTransfer", cerr)
			}
		}
	}

	if uerr, ok := asURBError(err); ok {
		err = deviceError("ControlTransfer", uint32(uerr.Result), uerr)
	}

	return completed, result, err
}

func (c *Controller) handleSetInterface(addr uint8, req urb.ControlRequest, timeout time.Duration) (uint32, urb.Result, error) {
	e := c.table.ByBusAddress(addr)

	if e == nil {
		return 0, urb.NoError, paramError("ControlTransfer", fmt.Errorf("no slot for bus address %d", addr))
	}

	completed, result, err := c.urb.ControlTransfer(e, req, slot.Out, nil, timeout)

	if err == nil && result == urb.NoError {
		iface, alt := int(req.Index), int(req.Value)

		if e.ActiveAltSetting == nil {
			e.ActiveAltSetting = make(map[int]int)
		}

		if e.ActiveAltSetting[iface] != alt {
			e.ActiveAltSetting[iface] = alt

			if cfg := activeConfig(e); cfg != nil {
				if cerr := c.slots.ConfigureEndpoint(e, parseEndpoints(cfg, e.ActiveAltSetting)); cerr != nil {
					err = resourceError("ControlTransfer", cerr)
				}
			}
		}
	}

	if uerr, ok := asURBError(err); ok {
		err = deviceError("ControlTransfer", uint32(uerr.Result), uerr)
	}

	return completed, result, err
}

// handleGetStatusHubPort completes a downstream hub's GET_STATUS(port)
// request, then reconciles that hub port's connect state exactly as a
// root-hub port would, per spec.md §4.6.
func (c *Controller) handleGetStatusHubPort(addr uint8, req urb.ControlRequest, data []byte, timeout time.Duration) (uint32, urb.Result, error) {
	e := c.table.ByBusAddress(addr)

	if e == nil {
		return 0, urb.NoError, paramError("ControlTransfer", fmt.Errorf("no slot for bus address %d", addr))
	}

	completed, result, err := c.urb.ControlTransfer(e, req, slot.In, data, timeout)

	if err == nil && result == urb.NoError && completed >= 4 {
		wPortStatus := uint16(data[0]) | uint16(data[1])<<8
		wPortChange := uint16(data[2]) | uint16(data[3])<<8

		if herr := c.hub.ReconcileHub(e, uint8(req.Index), wPortStatus, wPortChange); herr != nil {
			err = resourceError("ControlTransfer", herr)
		}
	}

	if uerr, ok := asURBError(err); ok {
		err = deviceError("ControlTransfer", uint32(uerr.Result), uerr)
	}

	return completed, result, err
}
