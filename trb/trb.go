// xHCI TRB wire layout
// https://github.com/usbarmory/xhci
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package trb defines the 16-byte Transfer Request Block layout shared by
// the ring manager and the URB engine, plus the TRB type and completion
// code spaces. Bit positions and field layouts are wire-level constants
// from the xHCI specification (cross-checked here against the original
// EDK2 XhciDxe/XhciSched.h this driver is modeled on) and are defined
// explicitly rather than via Go struct bitfields, which have no portable
// ordering guarantee — the same reasoning the teacher applies to its own
// dQH/dTD layouts in imx6/usb/endpoint.go.
package trb

import "github.com/usbarmory/xhci/bits"

// Size is the fixed size, in bytes, of every TRB.
const Size = 16

// TRB is a single 16-byte ring slot: three 32-bit parameter/status words
// followed by a control word carrying the cycle bit, TRB type, and
// per-type control flags.
type TRB struct {
	Word0 uint32
	Word1 uint32
	Word2 uint32
	Word3 uint32
}

// Control-word (Word3) bit positions, common to every TRB type.
const (
	CycleBit  = 0
	ENT       = 1  // Evaluate Next TRB (Link)
	ISP       = 2  // Interrupter-on-Short-Packet
	NoSnoop   = 3
	Chain     = 4
	IOC       = 5  // Interrupt On Completion
	IDT       = 6  // Immediate Data (Setup Stage)
	TCPos     = 1  // Toggle Cycle (Link TRB), shares bit 1 with ENT
	TypePos   = 10
	TypeMask  = 0x3F
)

// TRB Types (xHCI §6.4.6), matching the original source's TRB_TYPE_*.
const (
	TypeNormal          = 1
	TypeSetupStage      = 2
	TypeDataStage       = 3
	TypeStatusStage     = 4
	TypeIsoch           = 5
	TypeLink            = 6
	TypeEventData       = 7
	TypeNoOp            = 8
	TypeEnableSlot      = 9
	TypeDisableSlot     = 10
	TypeAddressDevice   = 11
	TypeConfigEndpoint  = 12
	TypeEvaluateContext = 13
	TypeResetEndpoint   = 14
	TypeStopEndpoint    = 15
	TypeSetTRDequeue    = 16
	TypeResetDevice     = 17
	TypeNoOpCommand     = 23
	TypeTransferEvent   = 32
	TypeCommandCompletionEvent = 33
	TypePortStatusChangeEvent  = 34
	TypeHostControllerEvent    = 37
	TypeDeviceNotificationEvent = 38
	TypeMFIndexWrapEvent        = 39
)

// TRB Completion Codes (xHCI §6.4.5), matching the original source's
// TRB_COMPLETION_*.
const (
	CompletionInvalid             = 0
	CompletionSuccess             = 1
	CompletionDataBufferError     = 2
	CompletionBabbleError         = 3
	CompletionUSBTransactionError = 4
	CompletionTRBError            = 5
	CompletionStallError          = 6
	CompletionShortPacket         = 13
)

// Cycle returns the TRB's cycle bit.
func (t *TRB) Cycle() bool { return bits.Get(&t.Word3, CycleBit) }

// SetCycle sets the TRB's cycle bit. Per spec.md §9's cycle-bit
// discipline, callers must ensure every other field of the TRB has
// already been committed before calling SetCycle, since the controller
// may fetch the TRB as soon as the cycle bit matches its own PCS/CCS.
func (t *TRB) SetCycle(v bool) { bits.SetTo(&t.Word3, CycleBit, v) }

// Type returns the TRB's type field.
func (t *TRB) Type() uint32 { return bits.GetN(&t.Word3, TypePos, TypeMask) }

// SetType sets the TRB's type field.
func (t *TRB) SetType(v uint32) { bits.SetN(&t.Word3, TypePos, TypeMask, v) }

// SetIOC sets or clears the Interrupt-On-Completion flag.
func (t *TRB) SetIOC(v bool) { bits.SetTo(&t.Word3, IOC, v) }

// SetChain sets or clears the Chain flag (used to link TDs spanning
// multiple TRBs).
func (t *TRB) SetChain(v bool) { bits.SetTo(&t.Word3, Chain, v) }

// SetISP sets or clears Interrupter-on-Short-Packet.
func (t *TRB) SetISP(v bool) { bits.SetTo(&t.Word3, ISP, v) }

// SetIDT sets or clears Immediate Data (Setup Stage TRBs carry their
// 8-byte request inline when set).
func (t *TRB) SetIDT(v bool) { bits.SetTo(&t.Word3, IDT, v) }

// Link-TRB-specific fields.

// TC returns the Link TRB's Toggle Cycle bit.
func (t *TRB) TC() bool { return bits.Get(&t.Word3, TCPos) }

// SetTC sets the Link TRB's Toggle Cycle bit.
func (t *TRB) SetTC(v bool) { bits.SetTo(&t.Word3, TCPos, v) }

// Pointer64 returns Word0:Word1 as a 64-bit device pointer (used by Link,
// Data Stage, Normal, Setup, and command TRBs that carry a pointer or
// inline data in the first two words).
func (t *TRB) Pointer64() uint64 {
	return uint64(t.Word0) | uint64(t.Word1)<<32
}

// SetPointer64 sets Word0:Word1 from a 64-bit device pointer.
func (t *TRB) SetPointer64(p uint64) {
	t.Word0 = uint32(p)
	t.Word1 = uint32(p >> 32)
}

// Transfer-TRB status fields (Word2) shared by Normal/Data/Setup/Status
// stage TRBs posted on a transfer ring.
const (
	TransferLengthPos  = 0
	TransferLengthMask = 0x1FFFF
	TDSizePos          = 17
	TDSizeMask         = 0x1F
	InterrupterPos     = 22
	InterrupterMask    = 0x3FF
)

func (t *TRB) TransferLength() uint32 {
	return bits.GetN(&t.Word2, TransferLengthPos, TransferLengthMask)
}

func (t *TRB) SetTransferLength(v uint32) {
	bits.SetN(&t.Word2, TransferLengthPos, TransferLengthMask, v)
}

func (t *TRB) SetInterrupter(v uint32) {
	bits.SetN(&t.Word2, InterrupterPos, InterrupterMask, v)
}

// Transfer-event-TRB fields (a TRB posted by the controller into the
// event ring reporting completion of a transfer/command TRB).
const (
	EventCompletionCodePos  = 24
	EventCompletionCodeMask = 0xFF
	EventCompletionParamPos  = 0
	EventCompletionParamMask = 0xFFFFFF // residual transfer length
	EventSlotIDPos          = 24
	EventSlotIDMask         = 0xFF
	EventVFIDPos            = 16
	EventVFIDMask           = 0xFF
	EventEndpointIDPos      = 16
	EventEndpointIDMask     = 0x1F
)

// CompletionCode returns a transfer- or command-completion event TRB's
// completion code.
func (t *TRB) CompletionCode() uint32 {
	return bits.GetN(&t.Word2, EventCompletionCodePos, EventCompletionCodeMask)
}

func (t *TRB) SetCompletionCode(v uint32) {
	bits.SetN(&t.Word2, EventCompletionCodePos, EventCompletionCodeMask, v)
}

// TransferResidual returns a Transfer Event TRB's residual byte count
// (how many bytes of the TD were not transferred).
func (t *TRB) TransferResidual() uint32 {
	return bits.GetN(&t.Word2, EventCompletionParamPos, EventCompletionParamMask)
}

// SlotID returns a Command/Transfer Event TRB's associated slot id.
func (t *TRB) SlotID() uint8 {
	return uint8(bits.GetN(&t.Word3, EventSlotIDPos, EventSlotIDMask))
}

func (t *TRB) SetSlotID(id uint8) {
	bits.SetN(&t.Word3, EventSlotIDPos, EventSlotIDMask, uint32(id))
}

// EndpointID returns a Transfer Event TRB's DCI.
func (t *TRB) EndpointID() uint8 {
	return uint8(bits.GetN(&t.Word3, EventEndpointIDPos, EventEndpointIDMask))
}

// TRT values for a Setup Stage TRB's Transfer Type field.
const (
	TRTNoData = 0
	TRTOutData = 2
	TRTInData  = 3
)

const (
	SetupTRTPos  = 16
	SetupTRTMask = 0x3
)

func (t *TRB) SetTRT(v uint32) {
	bits.SetN(&t.Word3, SetupTRTPos, SetupTRTMask, v)
}

// DIR bit shared by Data Stage and Status Stage TRBs.
const DIR = 16

func (t *TRB) SetDIR(in bool) {
	bits.SetTo(&t.Word3, DIR, in)
}
