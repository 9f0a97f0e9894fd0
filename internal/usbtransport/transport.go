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

// Package usbtransport defines the thin control-transfer interface the
// DFU session layer drives; a concrete binding lives in a subpackage
// (gousb), mirroring the way the teacher separates its BLE interface
// from the library that implements it.
package usbtransport

import "time"

// Direction is the control request's data-phase direction.
type Direction uint8

const (
	// HostToDevice is an OUT control transfer.
	HostToDevice Direction = iota
	// DeviceToHost is an IN control transfer.
	DeviceToHost
)

// Descriptor identifies one attached USB device, for enumeration.
type Descriptor struct {
	BusNumber   int
	PortPath    []int
	VendorID    uint16
	ProductID   uint16
	BcdDevice   uint16
	Manufacturer string
	Product      string
	SerialNumber string
}

// FuncDescriptor is the DFU functional descriptor (DFU 1.0/1.1
// §4.1.3), decoded from the configuration descriptor's class-specific
// extra bytes.
type FuncDescriptor struct {
	BmAttributes       uint8
	DetachTimeoutMs    uint16
	TransferSize       uint16
	BcdDFUVersion      uint16
}

const (
	// AttrCanDownload is bitCanDnload (bit 0) of bmAttributes.
	AttrCanDownload uint8 = 1 << 0
	// AttrCanUpload is bitCanUpload (bit 1) of bmAttributes.
	AttrCanUpload uint8 = 1 << 1
	// AttrManifestationTolerant is bitManifestationTolerant (bit 2).
	AttrManifestationTolerant uint8 = 1 << 2
	// AttrWillDetach is bitWillDetach (bit 3).
	AttrWillDetach uint8 = 1 << 3
)

// Device is an opened USB device with its DFU interface claimed,
// ready to issue the seven DFU class-specific control requests plus a
// bus reset.
type Device interface {
	// Descriptor returns the device's static identification.
	Descriptor() Descriptor

	// FunctionalDescriptor returns the decoded DFU functional
	// descriptor for the claimed interface, if one could be parsed.
	FunctionalDescriptor() (FuncDescriptor, bool)

	// InterfaceNumber returns the bInterfaceNumber used as wIndex on
	// every class request.
	InterfaceNumber() int

	// Control issues a DFU class-specific control request
	// (bmRequestType = CLASS|INTERFACE, direction given by dir).
	Control(dir Direction, bRequest uint8, wValue uint16, data []byte, timeout time.Duration) (int, error)

	// Reset performs a USB bus reset of the device.
	Reset() error

	// Close releases the claimed interface and the underlying handle.
	Close() error
}

// Enumerator lists and opens DFU-capable devices.
type Enumerator interface {
	// List returns every attached device matching vendor/product
	// filters (0 means unfiltered).
	List(vendorID, productID uint16) ([]Descriptor, error)

	// Open claims cfg/intf/alt on the device matching vendorID:productID
	// (and, if path is non-empty, its bus/port path) and returns a
	// ready-to-use Device.
	Open(vendorID, productID uint16, path string, cfg, intf, alt int) (Device, error)

	// Close releases the enumerator's underlying USB context.
	Close() error
}
