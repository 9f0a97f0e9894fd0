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

package dfu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcaelers/usb-dfu/internal/dfuproto"
	"github.com/rcaelers/usb-dfu/internal/dfuquirk"
	"github.com/rcaelers/usb-dfu/internal/dfusm"
)

// scriptedHandlers answers each GetStatus call with the next entry in
// statuses, and each GetState call with the next entry in states, in
// order, so a test can drive a Transfer through an exact
// device-reported state sequence without a real device. Every poll
// interval passed to StatusPollTimeout is recorded in pollTimeouts.
type scriptedHandlers struct {
	statuses     []dfuproto.Status
	statusIdx    int
	states       []uint8
	stateIdx     int
	uploads      [][]byte
	uploadIdx    int
	pollTimeouts []time.Duration
}

func (h *scriptedHandlers) Detach(timeout uint16) error { return nil }
func (h *scriptedHandlers) DeviceReset() error          { return nil }
func (h *scriptedHandlers) StatusPollTimeout(d time.Duration) error {
	h.pollTimeouts = append(h.pollTimeouts, d)
	return nil
}
func (h *scriptedHandlers) Download(tx uint16, data []byte) (int, error) {
	return len(data), nil
}
func (h *scriptedHandlers) Upload(tx uint16, length int) ([]byte, error) {
	if h.uploadIdx >= len(h.uploads) {
		return nil, nil
	}
	block := h.uploads[h.uploadIdx]
	h.uploadIdx++
	return block, nil
}
func (h *scriptedHandlers) GetStatus() (dfuproto.Status, error) {
	if h.statusIdx >= len(h.statuses) {
		panic("scriptedHandlers: ran out of scripted GetStatus responses")
	}
	s := h.statuses[h.statusIdx]
	h.statusIdx++
	return s, nil
}
func (h *scriptedHandlers) ClearStatus() error { return nil }
func (h *scriptedHandlers) GetState() (uint8, error) {
	if h.stateIdx >= len(h.states) {
		panic("scriptedHandlers: ran out of scripted GetState responses")
	}
	s := h.states[h.stateIdx]
	h.stateIdx++
	return s, nil
}
func (h *scriptedHandlers) Abort() error { return nil }

func statusAt(state dfusm.State) dfuproto.Status {
	return dfuproto.Status{BStatus: dfuproto.StatusOK, BState: uint8(state)}
}

func newTransferSession(h *scriptedHandlers, initial dfusm.State) *Session {
	return &Session{
		sm:          dfusm.New(initial),
		proto:       h,
		dev:         &fakeDevice{},
		initialized: true,
	}
}

func TestDownloadSingleBlockManifestationTolerant(t *testing.T) {
	h := &scriptedHandlers{
		statuses: []dfuproto.Status{
			statusAt(dfusm.DfuDnbusy),
			statusAt(dfusm.DfuDnloadIdle),
			statusAt(dfusm.DfuIdle),
		},
	}
	session := newTransferSession(h, dfusm.DfuIdle)
	transfer := NewTransfer(session, Capabilities{CanDownload: true, TransferSize: 64}, dfuquirk.Set(0))

	var lastValue, lastMax int64
	err := transfer.Download([]byte{1, 2, 3, 4}, func(value, max int64, info string) {
		lastValue, lastMax = value, max
	})

	require.NoError(t, err)
	require.Equal(t, dfusm.DfuIdle, session.State())
	require.Equal(t, int64(4), lastValue)
	require.Equal(t, int64(4), lastMax)
}

func TestDownloadThenManifestWaitResetIssuesUSBReset(t *testing.T) {
	h := &scriptedHandlers{
		statuses: []dfuproto.Status{
			statusAt(dfusm.DfuDnloadIdle), // first GETSTATUS inside poll loop: already idle
			statusAt(dfusm.DfuManifest),
			statusAt(dfusm.DfuManifestWaitReset),
		},
	}
	session := newTransferSession(h, dfusm.DfuIdle)
	transfer := NewTransfer(session, Capabilities{CanDownload: true, TransferSize: 64}, dfuquirk.Set(0))

	err := transfer.Download([]byte{1, 2}, nil)
	require.NoError(t, err)
	// USBReset never asserts DFU_GUARD_FIRMWARE_VALID (dfu_usb_reset
	// doesn't either), so delta and the structural table agree this
	// lands in dfuERROR rather than appIDLE.
	require.Equal(t, dfusm.DfuError, session.State())
}

func TestDownloadAbortsOnBadStatus(t *testing.T) {
	h := &scriptedHandlers{
		statuses: []dfuproto.Status{
			{BStatus: dfuproto.StatusErrWrite, BState: uint8(dfusm.DfuError)},
		},
	}
	session := newTransferSession(h, dfusm.DfuIdle)
	transfer := NewTransfer(session, Capabilities{CanDownload: true, TransferSize: 64}, dfuquirk.Set(0))

	err := transfer.Download([]byte{1}, nil)
	require.Error(t, err)
}

func TestDownloadUsesOpenmokoQuirkPollOverride(t *testing.T) {
	h := &scriptedHandlers{
		statuses: []dfuproto.Status{
			statusAt(dfusm.DfuDnbusy),
			statusAt(dfusm.DfuDnloadIdle),
			statusAt(dfusm.DfuIdle),
		},
	}
	session := newTransferSession(h, dfusm.DfuIdle)
	quirks := dfuquirk.Set(0).With(dfuquirk.OpenmokoDnloadStatusPollTimeout)
	transfer := NewTransfer(session, Capabilities{CanDownload: true, TransferSize: 64}, quirks)

	err := transfer.Download([]byte{1}, nil)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{openmokoDnloadPollTimeout}, h.pollTimeouts)
}

func TestUploadAccumulatesBlocksAndAppendsSuffix(t *testing.T) {
	h := &scriptedHandlers{
		statuses: []dfuproto.Status{
			statusAt(dfusm.DfuUploadIdle),
			statusAt(dfusm.DfuUploadIdle),
		},
		// Session.Upload always reads the state back after UPLOAD.
		states: []uint8{uint8(dfusm.DfuUploadIdle), uint8(dfusm.DfuIdle)},
		uploads: [][]byte{
			{1, 2, 3, 4},
			{5, 6},
		},
	}
	session := newTransferSession(h, dfusm.DfuUploadIdle)
	transfer := NewTransfer(session, Capabilities{CanUpload: true, TransferSize: 4}, dfuquirk.Set(0))

	out, err := transfer.Upload(nil)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, out[:6])
	require.Equal(t, 6+16, len(out))
}
