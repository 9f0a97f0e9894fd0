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

package dfuproto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcaelers/usb-dfu/internal/usbtransport"
)

type call struct {
	dir     usbtransport.Direction
	bReq    uint8
	wValue  uint16
	data    []byte
}

type fakeDevice struct {
	calls   []call
	reset   bool
	reply   []byte
	replyN  int
	err     error
}

func (f *fakeDevice) Descriptor() usbtransport.Descriptor { return usbtransport.Descriptor{} }
func (f *fakeDevice) FunctionalDescriptor() (usbtransport.FuncDescriptor, bool) {
	return usbtransport.FuncDescriptor{}, false
}
func (f *fakeDevice) InterfaceNumber() int { return 0 }

func (f *fakeDevice) Control(dir usbtransport.Direction, bReq uint8, wValue uint16, data []byte, timeout time.Duration) (int, error) {
	f.calls = append(f.calls, call{dir: dir, bReq: bReq, wValue: wValue, data: append([]byte(nil), data...)})
	if f.err != nil {
		return 0, f.err
	}
	if dir == usbtransport.DeviceToHost && f.reply != nil {
		n := copy(data, f.reply)
		return n, nil
	}
	if f.replyN != 0 {
		return f.replyN, nil
	}
	return len(data), nil
}

func (f *fakeDevice) Reset() error {
	f.reset = true
	return nil
}

func (f *fakeDevice) Close() error { return nil }

func TestDetachSendsTimeoutAsWValue(t *testing.T) {
	dev := &fakeDevice{}
	h := NewHandlers(dev, time.Second)

	require.NoError(t, h.Detach(1000))
	require.Len(t, dev.calls, 1)
	require.Equal(t, uint8(reqDetach), dev.calls[0].bReq)
	require.Equal(t, uint16(1000), dev.calls[0].wValue)
	require.Equal(t, usbtransport.HostToDevice, dev.calls[0].dir)
}

func TestGetStatusDecodesPollTimeout(t *testing.T) {
	dev := &fakeDevice{reply: []byte{StatusOK, 0x10, 0x00, 0x00, 2, 0}}
	h := NewHandlers(dev, time.Second)

	status, err := h.GetStatus()
	require.NoError(t, err)
	require.Equal(t, uint8(StatusOK), status.BStatus)
	require.Equal(t, 16*time.Millisecond, status.BwPollTimeout)
	require.Equal(t, uint8(2), status.BState)
}

func TestGetStatusRejectsWrongLength(t *testing.T) {
	dev := &fakeDevice{replyN: 4}
	h := NewHandlers(dev, time.Second)

	_, err := h.GetStatus()
	require.Error(t, err)
}

func TestUploadReturnsShortFrame(t *testing.T) {
	dev := &fakeDevice{reply: []byte{1, 2, 3}}
	h := NewHandlers(dev, time.Second)

	data, err := h.Upload(0, 64)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)
}

func TestDeviceResetDelegates(t *testing.T) {
	dev := &fakeDevice{}
	h := NewHandlers(dev, time.Second)
	require.NoError(t, h.DeviceReset())
	require.True(t, dev.reset)
}

func TestGetStateReturnsRawByte(t *testing.T) {
	dev := &fakeDevice{reply: []byte{2}}
	h := NewHandlers(dev, time.Second)

	state, err := h.GetState()
	require.NoError(t, err)
	require.Equal(t, uint8(2), state)
}
