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

package dfusm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppIdleDetach(t *testing.T) {
	m := New(AppIdle)
	next, err := m.NextState(EvDetach, 0)
	require.NoError(t, err)
	require.Equal(t, AppDetach, next)
	require.NoError(t, m.SetStateChecked(next))
	require.Equal(t, AppDetach, m.State())
}

func TestAppIdleUnknownEventStalls(t *testing.T) {
	m := New(AppIdle)
	_, err := m.NextState(EvDnload, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNoSuchEvent)
}

func TestDfuIdleDownloadRequiresGuards(t *testing.T) {
	m := New(DfuIdle)

	next, err := m.NextState(EvDnload, GuardWLengthGTZero|GuardBitCanDnload)
	require.NoError(t, err)
	require.Equal(t, DfuDnloadSync, next)

	next, err = m.NextState(EvDnload, 0)
	require.NoError(t, err)
	require.Equal(t, DfuError, next)
}

func TestFullDownloadCycle(t *testing.T) {
	// Scenario: a single-block download from dfuIDLE through
	// manifestation back to dfuIDLE, manifestation tolerant.
	m := New(DfuIdle)

	next, err := m.NextState(EvDnload, GuardWLengthGTZero|GuardBitCanDnload)
	require.NoError(t, err)
	require.NoError(t, m.SetStateChecked(next))
	require.Equal(t, DfuDnloadSync, m.State())

	next, err = m.NextState(EvGetStatus, 0)
	require.NoError(t, err)
	require.NoError(t, m.SetStateChecked(next))
	require.Equal(t, DfuDnloadIdle, m.State())

	next, err = m.NextState(EvDnload, 0)
	require.NoError(t, err)
	require.NoError(t, m.SetStateChecked(next))
	require.Equal(t, DfuManifestSync, m.State())

	next, err = m.NextState(EvGetStatus, GuardBitManifestationTolerant)
	require.NoError(t, err)
	require.NoError(t, m.SetStateChecked(next))
	require.Equal(t, DfuIdle, m.State())
}

func TestDownloadBlockInProgressGoesToDnbusy(t *testing.T) {
	m := New(DfuDnloadSync)

	next, err := m.NextState(EvGetStatus, GuardBlockInProgress)
	require.NoError(t, err)
	require.Equal(t, DfuDnbusy, next)
	require.NoError(t, m.SetStateChecked(next))

	next, err = m.NextState(EvStatusPollTimeout, 0)
	require.NoError(t, err)
	require.Equal(t, DfuDnloadSync, next)
}

func TestUploadShortFrameEndsTransfer(t *testing.T) {
	m := New(DfuUploadIdle)

	next, err := m.NextState(EvUpload, GuardWLengthGTZero)
	require.NoError(t, err)
	require.Equal(t, DfuUploadIdle, next)

	next, err = m.NextState(EvUpload, GuardUploadShortFrame)
	require.NoError(t, err)
	require.Equal(t, DfuIdle, next)
}

func TestErrorStateClearStatus(t *testing.T) {
	m := New(DfuError)
	next, err := m.NextState(EvClrStatus, 0)
	require.NoError(t, err)
	require.Equal(t, DfuIdle, next)
	require.NoError(t, m.SetStateChecked(next))
}

func TestUSBResetFromAnyStateWithInvalidFirmware(t *testing.T) {
	for _, s := range []State{DfuIdle, DfuDnloadSync, DfuDnbusy, DfuDnloadIdle, DfuManifestSync, DfuManifest, DfuManifestWaitReset, DfuUploadIdle, DfuError} {
		m := New(s)
		next, err := m.NextState(EvUSBReset, 0)
		require.NoError(t, err)
		require.Equal(t, DfuError, next, "state %s", s)
	}
}

func TestUSBResetWithValidFirmwareReturnsToApp(t *testing.T) {
	for _, s := range []State{DfuIdle, DfuDnloadSync, DfuDnbusy, DfuDnloadIdle, DfuManifestSync, DfuManifest, DfuManifestWaitReset, DfuUploadIdle, DfuError} {
		m := New(s)
		next, err := m.NextState(EvUSBReset, GuardFirmwareValid)
		require.NoError(t, err)
		require.Equal(t, AppIdle, next, "state %s", s)
	}
}

func TestManifestWaitResetHasNoOrdinaryEvents(t *testing.T) {
	m := New(DfuManifestWaitReset)
	require.False(t, m.HasEvent(EvGetStatus))
	require.False(t, m.HasEvent(EvAbort))

	// The transition is still computable (a self-loop), just not
	// considered an existing event.
	next, err := m.NextState(EvGetStatus, 0)
	require.NoError(t, err)
	require.Equal(t, DfuManifestWaitReset, next)
}

func TestSetStateCheckedRejectsIllegalTransition(t *testing.T) {
	m := New(DfuDnbusy)
	err := m.SetStateChecked(DfuUploadIdle)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, DfuDnbusy, m.State())
}

func TestSetStateUncheckedBypassesTable(t *testing.T) {
	m := New(AppIdle)
	m.SetStateUnchecked(DfuManifestWaitReset)
	require.Equal(t, DfuManifestWaitReset, m.State())
}

func TestHasEventIndependentOfGuards(t *testing.T) {
	m := New(DfuIdle)
	// DNLOAD exists from dfuIDLE regardless of whether the guards
	// would actually permit it.
	require.True(t, m.HasEvent(EvDnload))
}

func TestStateStringHyphenation(t *testing.T) {
	require.Equal(t, "dfuDNLOAD-SYNC", DfuDnloadSync.String())
	require.Equal(t, "appIDLE", AppIdle.String())
}
