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

package dfuquirk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetOperations(t *testing.T) {
	var s Set
	require.True(t, s.IsEmpty())

	s = s.With(OpenmokoDnloadStatusPollTimeout)
	require.True(t, s.IsSet(OpenmokoDnloadStatusPollTimeout))
	require.False(t, s.IsSet(ForceDFUVersion10))
	require.False(t, s.IsEmpty())

	s = s.Without(OpenmokoDnloadStatusPollTimeout)
	require.True(t, s.IsEmpty())
}

func TestMerge(t *testing.T) {
	a := Set(0).With(OpenmokoDnloadStatusPollTimeout)
	b := Set(0).With(ForceDFUVersion10)

	merged := a.Merge(b)
	require.True(t, merged.IsSet(OpenmokoDnloadStatusPollTimeout))
	require.True(t, merged.IsSet(ForceDFUVersion10))
}

func TestString(t *testing.T) {
	s := Set(0).With(OpenmokoDnloadStatusPollTimeout).With(ForceDFUVersion10)
	require.Equal(t, "OPENMOKO_DNLOAD_STATUS_POLL_TIMEOUT|FORCE_DFU_VERSION_1_0", s.String())
}

func TestDetectOpenmoko(t *testing.T) {
	s := Detect(0x0100, 0x1457, 0x5117, 0x0000)
	require.True(t, s.IsSet(OpenmokoDnloadStatusPollTimeout))
}

func TestDetectWildcardBcdDevice(t *testing.T) {
	s1 := Detect(0x0100, 0x1457, 0x511a, 0x0001)
	s2 := Detect(0x0100, 0x1457, 0x511a, 0x00ff)
	require.Equal(t, s1, s2)
	require.True(t, s1.IsSet(OpenmokoDnloadStatusPollTimeout))
}

func TestDetectNoMatch(t *testing.T) {
	s := Detect(0x0100, 0xdead, 0xbeef, 0x0000)
	require.True(t, s.IsEmpty())
}

func TestDetectIDBGPassthrough(t *testing.T) {
	s := Detect(0x0100, 0x1d50, 0x1db5, 0x0000)
	require.True(t, s.IsEmpty())
}
