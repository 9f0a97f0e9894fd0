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

// Package dfucrc implements the CRC-32 variant used by the DFU file
// suffix: ANSI X3.66 (polynomial 0xEDB88320), register seeded to
// 0xFFFFFFFF, no final inversion. The device computes the same value,
// so the suffix stores the running register directly.
package dfucrc

const polynomial = 0xEDB88320

// Init is the CRC register's starting value.
const Init uint32 = 0xFFFFFFFF

var table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ polynomial
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
}

// UpdateByte folds a single byte into accum, reflecting it into the low
// byte of the register before applying eight polynomial reductions.
func UpdateByte(accum uint32, b byte) uint32 {
	return table[byte(accum)^b] ^ (accum >> 8)
}

// Update folds every byte of data into accum, in order. Calling Update
// once over a byte slice must produce the same result as calling
// UpdateByte once per byte, and the same result regardless of how the
// slice is chunked across repeated calls.
func Update(accum uint32, data []byte) uint32 {
	for _, b := range data {
		accum = UpdateByte(accum, b)
	}
	return accum
}

// Checksum computes the DFU CRC-32 of data from the initial register
// value, with no final inversion.
func Checksum(data []byte) uint32 {
	return Update(Init, data)
}
