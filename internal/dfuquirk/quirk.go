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

// Package dfuquirk implements the small set of named deviations from
// the DFU 1.0/1.1 standard that specific vendors require, and the
// vendor/product table used to detect them.
package dfuquirk

import "strings"

// Quirk identifies one documented deviation from standard DFU
// behavior.
type Quirk uint

const (
	// OpenmokoDnloadStatusPollTimeout overrides bwPollTimeout to 5ms
	// during DNLOAD: openmoko u-boot can't report it accurately.
	OpenmokoDnloadStatusPollTimeout Quirk = iota
	// OpenmokoManifestStatusPollTimeout overrides bwPollTimeout to 1s
	// during MANIFEST on devices (e.g. TAS1020b) that need extra time
	// before GETSTATUS succeeds again.
	OpenmokoManifestStatusPollTimeout
	// OpenmokoDetachBeforeFinalReset marks devices that need a
	// non-standard DFU_DETACH before the final USB reset. Transfer does
	// not consult it and issues no such DETACH.
	OpenmokoDetachBeforeFinalReset
	// IgnoreInvalidFunctionalDescriptor marks devices whose DFU
	// functional descriptor is malformed or missing. Nothing consults
	// it; the CLI falls back to permissive flags and --transfer-size
	// whenever no descriptor is available, quirk or not.
	IgnoreInvalidFunctionalDescriptor
	// ForceDFUVersion10 marks devices to be treated as DFU 1.0
	// regardless of their reported version. Nothing consults it; 1.0
	// and 1.1 share one handler set.
	ForceDFUVersion10
	// ForceDFUVersion11 marks devices to be treated as DFU 1.1
	// regardless of their reported version. Nothing consults it; 1.0
	// and 1.1 share one handler set.
	ForceDFUVersion11

	quirkCount
)

var quirkInfo = [quirkCount]struct {
	name string
	desc string
}{
	OpenmokoDnloadStatusPollTimeout: {
		"OPENMOKO_DNLOAD_STATUS_POLL_TIMEOUT",
		"openmoko: u-boot not being able to provide bwPollTimeout expects it to be 5 msec during DOWNLOAD",
	},
	OpenmokoManifestStatusPollTimeout: {
		"OPENMOKO_MANIFEST_STATUS_POLL_TIMEOUT",
		"openmoko: some devices (e.g. TAS1020b) need some time before we can obtain the status during MANIFEST (overwrite bwPollTimeout with 1 sec)",
	},
	OpenmokoDetachBeforeFinalReset: {
		"OPENMOKO_DETACH_BEFORE_FINAL_RESET",
		"openmoko: before issuing the final reset, a non-standard DFU_DETACH is needed",
	},
	IgnoreInvalidFunctionalDescriptor: {
		"IGNORE_INVALID_FUNCTIONAL_DESCRIPTOR",
		"if the DFU functional descriptor can't be trusted, continue with permissive DFU flags and manual settings such as --transfer-size",
	},
	ForceDFUVersion10: {
		"FORCE_DFU_VERSION_1_0",
		"ignore the device's DFU version, and assume DFU 1.0",
	},
	ForceDFUVersion11: {
		"FORCE_DFU_VERSION_1_1",
		"ignore the device's DFU version, and assume DFU 1.1",
	},
}

// Name returns the quirk's constant-style name.
func (q Quirk) Name() string {
	if q >= quirkCount {
		return "UNKNOWN"
	}
	return quirkInfo[q].name
}

// Description returns a human-readable explanation of the quirk.
func (q Quirk) Description() string {
	if q >= quirkCount {
		return ""
	}
	return quirkInfo[q].desc
}

// Set is a bitset over the closed Quirk enumeration.
type Set uint

// IsSet reports whether q is present in s.
func (s Set) IsSet(q Quirk) bool {
	return s&(1<<q) != 0
}

// With returns s with q added.
func (s Set) With(q Quirk) Set {
	return s | (1 << q)
}

// Without returns s with q removed.
func (s Set) Without(q Quirk) Set {
	return s &^ (1 << q)
}

// IsEmpty reports whether no quirks are set.
func (s Set) IsEmpty() bool {
	return s == 0
}

// Merge returns the union of s and other.
func (s Set) Merge(other Set) Set {
	return s | other
}

// String lists every quirk name in s, separated by '|', in enum order.
func (s Set) String() string {
	var names []string
	for q := Quirk(0); q < quirkCount; q++ {
		if s.IsSet(q) {
			names = append(names, q.Name())
		}
	}
	return strings.Join(names, "|")
}

// All returns every defined quirk, in enum order.
func All() []Quirk {
	out := make([]Quirk, quirkCount)
	for q := Quirk(0); q < quirkCount; q++ {
		out[q] = q
	}
	return out
}

// wildcard matches any vendor/product/revision field.
const wildcard = 0xFFFF

type tableEntry struct {
	bcdDFU    uint16
	idVendor  uint16
	idProduct uint16
	bcdDevice uint16
	quirks    Set
}

// table is the vendor/product quirk lookup, seeded from dfu-util's
// documented OpenMoko entries (http://wiki.openmoko.org/wiki/USB_Product_IDs).
var table = []tableEntry{
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x5117, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x5118, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x5119, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x511a, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x511b, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x511c, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x511d, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	// 0x511e/0x511f are marked "Reserved" in dfu_quirks.c but fall
	// through into the same case there, so they carry the quirk too.
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x511e, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x511f, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x5120, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x5121, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x5122, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x5123, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x5124, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x5125, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x1457, idProduct: 0x5126, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	// 0x5117 (Openmoko, Inc) is matched as a vendor ID alongside 0x1457
	// (FIC, Inc) over the same Neo1973/FreeRunner product range.
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x5117, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x5118, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x5119, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x511a, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x511b, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x511c, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x511d, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x511e, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x511f, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x5120, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x5121, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x5122, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x5123, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x5124, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x5125, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	{bcdDFU: wildcard, idVendor: 0x5117, idProduct: 0x5126, bcdDevice: wildcard,
		quirks: Set(0).With(OpenmokoDnloadStatusPollTimeout)},
	// 0x1d50 (OpenMoko/sysmocom IDBG) carries no documented quirk; the
	// entry is kept for parity with dfu-util's table, which also lists
	// it with an empty body.
	{bcdDFU: wildcard, idVendor: 0x1d50, idProduct: 0x1db5, bcdDevice: wildcard, quirks: 0},
	{bcdDFU: wildcard, idVendor: 0x1d50, idProduct: 0x1db6, bcdDevice: wildcard, quirks: 0},
}

func fieldMatches(tableValue, actual uint16) bool {
	return tableValue == wildcard || tableValue == actual
}

// Detect returns the quirk set matching the given DFU version and USB
// vendor/product/device-revision identifiers.
func Detect(bcdDFU, idVendor, idProduct, bcdDevice uint16) Set {
	var result Set
	for _, e := range table {
		if fieldMatches(e.bcdDFU, bcdDFU) &&
			fieldMatches(e.idVendor, idVendor) &&
			fieldMatches(e.idProduct, idProduct) &&
			fieldMatches(e.bcdDevice, bcdDevice) {
			result = result.Merge(e.quirks)
		}
	}
	return result
}
