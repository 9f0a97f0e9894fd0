// Copyright (C) 2018 Rob Caelers <rob.caelers@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package dfuproto issues the seven DFU class-specific control
// requests (plus a bus reset) over a usbtransport.Device. As of DFU
// 1.1 the wire format of these requests is unchanged from 1.0, so one
// implementation serves both versions.
package dfuproto

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rcaelers/usb-dfu/internal/usbtransport"
)

// DFU class-specific request codes (DFU 1.0/1.1, Section 3).
const (
	reqDetach    = 0x00
	reqDnload    = 0x01
	reqUpload    = 0x02
	reqGetStatus = 0x03
	reqClrStatus = 0x04
	reqGetState  = 0x05
	reqAbort     = 0x06
)

// getStatusLength is the fixed wLength of a DFU_GETSTATUS response.
const getStatusLength = 6

// Status codes reported in a GETSTATUS response's bStatus field.
const (
	StatusOK             = 0x00
	StatusErrTarget      = 0x01
	StatusErrFile        = 0x02
	StatusErrWrite       = 0x03
	StatusErrErase       = 0x04
	StatusErrCheckErased = 0x05
	StatusErrProg        = 0x06
	StatusErrVerify      = 0x07
	StatusErrAddress     = 0x08
	StatusErrNotDone     = 0x09
	StatusErrFirmware    = 0x0a
	StatusErrVendor      = 0x0b
	StatusErrUSBR        = 0x0c
	StatusErrPOR         = 0x0d
	StatusErrUnknown     = 0x0e
	StatusErrStalledPkt  = 0x0f
)

var statusMessages = map[uint8]string{
	StatusOK:             "No error condition is present",
	StatusErrTarget:      "File is not targeted for use by this device",
	StatusErrFile:        "File is for this device but fails some vendor-specific verification test",
	StatusErrWrite:       "Device is unable to write memory",
	StatusErrErase:       "Memory erase function failed",
	StatusErrCheckErased: "Memory erase check failed",
	StatusErrProg:        "Program memory function failed",
	StatusErrVerify:      "Programmed memory failed verification",
	StatusErrAddress:     "Cannot program memory due to received address that is out of range",
	StatusErrNotDone:     "Received DFU_DNLOAD with wLength = 0, but device does not think it has all data yet",
	StatusErrFirmware:    "Device's firmware is corrupt, it cannot return to run-time operations",
	StatusErrVendor:      "iString indicates a vendor-specific error",
	StatusErrUSBR:        "Device detected unexpected USB reset signaling",
	StatusErrPOR:         "Device detected unexpected power on reset",
	StatusErrUnknown:     "Something went wrong, but the device does not know what it was",
	StatusErrStalledPkt:  "Device stalled an unexpected request",
}

// StatusMessage returns the DFU spec's fixed message for a status
// code, or a generic placeholder for an unrecognized one.
func StatusMessage(status uint8) string {
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	return "Unknown status code"
}

// Status is the decoded DFU_GETSTATUS response.
type Status struct {
	BStatus       uint8
	BwPollTimeout time.Duration
	BState        uint8
	IString       uint8
}

// Handlers is the set of wire-level operations the session layer
// drives once it has computed the state machine's next state. It
// mirrors dfu-util's dfu_transition_handlers: the session layer
// decides WHAT transition to make, Handlers decides HOW to ask the
// device to make it.
type Handlers interface {
	Detach(timeout uint16) error
	DeviceReset() error
	StatusPollTimeout(pollTimeout time.Duration) error
	Download(transaction uint16, data []byte) (int, error)
	Upload(transaction uint16, length int) ([]byte, error)
	GetStatus() (Status, error)
	ClearStatus() error
	GetState() (uint8, error)
	Abort() error
}

type handlers struct {
	dev     usbtransport.Device
	timeout time.Duration
}

// NewHandlers returns the DFU 1.0/1.1 wire-protocol handlers bound to
// dev, using timeout as the USB request timeout.
func NewHandlers(dev usbtransport.Device, timeout time.Duration) Handlers {
	return &handlers{dev: dev, timeout: timeout}
}

func (h *handlers) Detach(timeout uint16) error {
	_, err := h.dev.Control(usbtransport.HostToDevice, reqDetach, timeout, nil, h.timeout)
	return errors.Wrap(err, "dfuproto: DETACH")
}

func (h *handlers) DeviceReset() error {
	return errors.Wrap(h.dev.Reset(), "dfuproto: USB reset")
}

func (h *handlers) StatusPollTimeout(pollTimeout time.Duration) error {
	time.Sleep(pollTimeout)
	return nil
}

func (h *handlers) Download(transaction uint16, data []byte) (int, error) {
	n, err := h.dev.Control(usbtransport.HostToDevice, reqDnload, transaction, data, h.timeout)
	if err != nil {
		return n, errors.Wrap(err, "dfuproto: DNLOAD")
	}
	return n, nil
}

func (h *handlers) Upload(transaction uint16, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := h.dev.Control(usbtransport.DeviceToHost, reqUpload, transaction, buf, h.timeout)
	if err != nil {
		return nil, errors.Wrap(err, "dfuproto: UPLOAD")
	}
	return buf[:n], nil
}

func (h *handlers) GetStatus() (Status, error) {
	buf := make([]byte, getStatusLength)
	n, err := h.dev.Control(usbtransport.DeviceToHost, reqGetStatus, 0, buf, h.timeout)
	if err != nil {
		return Status{}, errors.Wrap(err, "dfuproto: GETSTATUS")
	}
	if n != getStatusLength {
		return Status{}, errors.Errorf("dfuproto: GETSTATUS returned %d bytes, want %d", n, getStatusLength)
	}

	pollMs := uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16
	return Status{
		BStatus:       buf[0],
		BwPollTimeout: time.Duration(pollMs) * time.Millisecond,
		BState:        buf[4],
		IString:       buf[5],
	}, nil
}

func (h *handlers) ClearStatus() error {
	_, err := h.dev.Control(usbtransport.HostToDevice, reqClrStatus, 0, nil, h.timeout)
	return errors.Wrap(err, "dfuproto: CLRSTATUS")
}

func (h *handlers) GetState() (uint8, error) {
	buf := make([]byte, 1)
	n, err := h.dev.Control(usbtransport.DeviceToHost, reqGetState, 0, buf, h.timeout)
	if err != nil {
		return 0, errors.Wrap(err, "dfuproto: GETSTATE")
	}
	if n != 1 {
		return 0, errors.Errorf("dfuproto: GETSTATE returned %d bytes, want 1", n)
	}
	return buf[0], nil
}

func (h *handlers) Abort() error {
	_, err := h.dev.Control(usbtransport.HostToDevice, reqAbort, 0, nil, h.timeout)
	return errors.Wrap(err, "dfuproto: ABORT")
}
