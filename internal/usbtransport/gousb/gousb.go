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

// Package gousb binds internal/usbtransport to github.com/google/gousb,
// the way ble/go-ble.go binds the teacher's ble.Client interface to
// github.com/go-ble/ble.
package gousb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"

	"github.com/rcaelers/usb-dfu/internal/usbtransport"
)

const (
	reqTypeClassInterfaceOut uint8 = 0x21
	reqTypeClassInterfaceIn  uint8 = 0xA1
)

type enumerator struct {
	ctx *gousb.Context
}

// NewEnumerator opens a fresh libusb context.
func NewEnumerator() usbtransport.Enumerator {
	return &enumerator{ctx: gousb.NewContext()}
}

func (e *enumerator) Close() error {
	return e.ctx.Close()
}

func descFromGousb(d *gousb.Device) usbtransport.Descriptor {
	desc := usbtransport.Descriptor{
		BusNumber: d.Desc.Bus,
		PortPath:  append([]int(nil), d.Desc.Path...),
		VendorID:  uint16(d.Desc.Vendor),
		ProductID: uint16(d.Desc.Product),
		BcdDevice: uint16(d.Desc.Device),
	}
	if s, err := d.Manufacturer(); err == nil {
		desc.Manufacturer = s
	}
	if s, err := d.Product(); err == nil {
		desc.Product = s
	}
	if s, err := d.SerialNumber(); err == nil {
		desc.SerialNumber = s
	}
	return desc
}

func (e *enumerator) List(vendorID, productID uint16) ([]usbtransport.Descriptor, error) {
	devs, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if vendorID != 0 && uint16(desc.Vendor) != vendorID {
			return false
		}
		if productID != 0 && uint16(desc.Product) != productID {
			return false
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "gousb: failed to enumerate devices")
	}

	out := make([]usbtransport.Descriptor, 0, len(devs))
	for _, d := range devs {
		out = append(out, descFromGousb(d))
		d.Close()
	}
	return out, nil
}

// portPath formats a bus/port path like "1-2.3", matching --path.
func portPath(desc usbtransport.Descriptor) string {
	parts := make([]string, len(desc.PortPath))
	for i, p := range desc.PortPath {
		parts[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%d-%s", desc.BusNumber, strings.Join(parts, "."))
}

func (e *enumerator) Open(vendorID, productID uint16, path string, cfg, intf, alt int) (usbtransport.Device, error) {
	var matched *gousb.Device

	devs, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if vendorID != 0 && uint16(desc.Vendor) != vendorID {
			return false
		}
		if productID != 0 && uint16(desc.Product) != productID {
			return false
		}
		if path != "" {
			candidate := portPath(usbtransport.Descriptor{
				BusNumber: desc.Bus,
				PortPath:  desc.Path,
			})
			if candidate != path {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "gousb: failed to enumerate devices")
	}

	for _, d := range devs {
		if matched == nil {
			matched = d
		} else {
			d.Close()
		}
	}

	if matched == nil {
		return nil, errors.New("gousb: no matching device found")
	}

	config, err := matched.Config(cfg)
	if err != nil {
		matched.Close()
		return nil, errors.Wrapf(err, "gousb: failed to select configuration %d", cfg)
	}

	iface, err := config.Interface(intf, alt)
	if err != nil {
		config.Close()
		matched.Close()
		return nil, errors.Wrapf(err, "gousb: failed to claim interface %d alt %d", intf, alt)
	}

	return &device{
		dev:    matched,
		config: config,
		iface:  iface,
		ifNum:  intf,
		funcDesc: parseFunctionalDescriptor(config),
	}, nil
}

type device struct {
	dev      *gousb.Device
	config   *gousb.Config
	iface    *gousb.Interface
	ifNum    int
	funcDesc *usbtransport.FuncDescriptor
}

func (d *device) Descriptor() usbtransport.Descriptor {
	return descFromGousb(d.dev)
}

func (d *device) FunctionalDescriptor() (usbtransport.FuncDescriptor, bool) {
	if d.funcDesc == nil {
		return usbtransport.FuncDescriptor{}, false
	}
	return *d.funcDesc, true
}

func (d *device) InterfaceNumber() int {
	return d.ifNum
}

func (d *device) Control(dir usbtransport.Direction, bRequest uint8, wValue uint16, data []byte, timeout time.Duration) (int, error) {
	rType := reqTypeClassInterfaceOut
	if dir == usbtransport.DeviceToHost {
		rType = reqTypeClassInterfaceIn
	}

	d.dev.ControlTimeout = timeout
	n, err := d.dev.Control(rType, bRequest, wValue, uint16(d.ifNum), data)
	if err != nil {
		return n, errors.Wrap(err, "gousb: control transfer failed")
	}
	return n, nil
}

// Reset performs a USB bus reset. A device that is already gone
// (libusb reports no device) is not treated as an error.
func (d *device) Reset() error {
	if err := d.dev.Reset(); err != nil && err != gousb.ErrorNoDevice {
		return errors.Wrap(err, "gousb: bus reset failed")
	}
	return nil
}

func (d *device) Close() error {
	d.iface.Close()
	d.config.Close()
	return d.dev.Close()
}

// parseFunctionalDescriptor would scan the configuration's raw
// descriptor bytes for the DFU class-specific functional descriptor
// (type 0x21, 9 bytes, DFU 1.0/1.1 §4.1.3: bmAttributes,
// wDetachTimeOut, wTransferSize, bcdDFUVersion). gousb's Config does
// not surface those raw class-specific bytes, only the descriptors it
// understands itself, so this always reports none found; cmd's
// capabilities() then falls back to permissive download/upload flags
// and an operator-supplied --transfer-size (64 bytes if none).
func parseFunctionalDescriptor(config *gousb.Config) *usbtransport.FuncDescriptor {
	_ = config
	return nil
}
