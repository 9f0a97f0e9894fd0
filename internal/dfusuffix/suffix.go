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

// Package dfusuffix encodes, decodes, and validates the 16-byte DFU
// file suffix appended to firmware images (DFU 1.0/1.1, Appendix A).
package dfusuffix

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rcaelers/usb-dfu/internal/dfucrc"
)

// Size is the on-wire length of the suffix, in bytes.
const Size = 16

// BcdDFU100 is the DFU spec revision this implementation writes into
// every suffix it produces.
const BcdDFU100 = 0x0100

var signature = [3]byte{'U', 'F', 'D'}

// ErrTruncated means the file is too small to contain a suffix.
var ErrTruncated = errors.New("dfusuffix: file shorter than suffix size")

// ErrBadSignature means ucDfuSignature did not read "UFD".
var ErrBadSignature = errors.New("dfusuffix: bad signature")

// ErrBadLength means bLength was not 16.
var ErrBadLength = errors.New("dfusuffix: bLength != 16")

// ErrChecksumMismatch means the stored dwCRC did not match the
// computed CRC over the preceding bytes.
var ErrChecksumMismatch = errors.New("dfusuffix: checksum mismatch")

// Suffix is the decoded, host-ordered form of the 16-byte trailer.
type Suffix struct {
	BcdDevice uint16
	IDProduct uint16
	IDVendor  uint16
	BcdDFU    uint16
	Length    uint8
	CRC       uint32
}

// Encode appends a freshly computed suffix to payload and returns the
// combined byte slice. The CRC covers payload followed by the first
// 12 bytes of the suffix (everything but the CRC field itself).
func Encode(payload []byte, bcdDevice, idProduct, idVendor uint16) []byte {
	header := make([]byte, 12)
	binary.LittleEndian.PutUint16(header[0:2], bcdDevice)
	binary.LittleEndian.PutUint16(header[2:4], idProduct)
	binary.LittleEndian.PutUint16(header[4:6], idVendor)
	binary.LittleEndian.PutUint16(header[6:8], BcdDFU100)
	copy(header[8:11], signature[:])
	header[11] = Size

	crc := dfucrc.Checksum(payload)
	crc = dfucrc.Update(crc, header)

	crcBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBytes, crc)

	out := make([]byte, 0, len(payload)+Size)
	out = append(out, payload...)
	out = append(out, header...)
	out = append(out, crcBytes...)
	return out
}

// Decode parses the last 16 bytes of file as a suffix and reports
// whether its stored CRC matches one computed over every byte except
// the CRC field. It always returns the parsed fields (even when
// invalid) so callers can inspect a tampered suffix.
func Decode(file []byte) (Suffix, uint32, bool, error) {
	var s Suffix

	if len(file) <= Size {
		return s, 0, false, ErrTruncated
	}

	trailer := file[len(file)-Size:]

	s.BcdDevice = binary.LittleEndian.Uint16(trailer[0:2])
	s.IDProduct = binary.LittleEndian.Uint16(trailer[2:4])
	s.IDVendor = binary.LittleEndian.Uint16(trailer[4:6])
	s.BcdDFU = binary.LittleEndian.Uint16(trailer[6:8])
	s.Length = trailer[11]
	s.CRC = binary.LittleEndian.Uint32(trailer[12:16])

	if trailer[8] != signature[0] || trailer[9] != signature[1] || trailer[10] != signature[2] {
		return s, 0, false, ErrBadSignature
	}
	if s.Length != Size {
		return s, 0, false, ErrBadLength
	}

	computed := dfucrc.Checksum(file[:len(file)-4])
	if computed != s.CRC {
		return s, computed, false, ErrChecksumMismatch
	}

	return s, computed, true, nil
}
