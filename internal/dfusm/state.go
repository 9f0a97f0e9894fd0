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

// Package dfusm implements the DFU 1.0/1.1 finite state machine:
// the event+guard transition function (Appendix A.2) and the
// structural transition table that constrains which states a setter
// may move into regardless of how it got there.
package dfusm

// State is one of the eleven DFU protocol states (DFU 1.0/1.1,
// Appendix A).
type State int

const (
	AppIdle State = iota
	AppDetach
	DfuIdle
	DfuDnloadSync
	DfuDnbusy
	DfuDnloadIdle
	DfuManifestSync
	DfuManifest
	DfuManifestWaitReset
	DfuUploadIdle
	DfuError

	stateCount
)

var stateNames = [stateCount]string{
	AppIdle:              "appIDLE",
	AppDetach:            "appDETACH",
	DfuIdle:               "dfuIDLE",
	DfuDnloadSync:         "dfuDNLOAD-SYNC",
	DfuDnbusy:             "dfuDNBUSY",
	DfuDnloadIdle:         "dfuDNLOAD-IDLE",
	DfuManifestSync:       "dfuMANIFEST-SYNC",
	DfuManifest:           "dfuMANIFEST",
	DfuManifestWaitReset:  "dfuMANIFEST-WAIT-RESET",
	DfuUploadIdle:         "dfuUPLOAD-IDLE",
	DfuError:              "dfuERROR",
}

// String renders a state the way the device's iString and command
// output expect it: hyphenated for multi-word states.
func (s State) String() string {
	if s < 0 || s >= stateCount {
		return "INVALID"
	}
	return stateNames[s]
}

// Event is a DFU class request, or a pseudo-event (bus reset, poll
// timeout, detach timer elapsed) that also drives the state machine.
type Event int

const (
	EvDetach Event = iota
	EvDnload
	EvUpload
	EvGetStatus
	EvClrStatus
	EvGetState
	EvAbort
	_
	_
	_
	_
	EvUSBReset
	EvPowerReset
	EvStatusPollTimeout
	EvDetachTimeout
	EvInvalidRequest

	eventCount
)

var eventNames = [eventCount]string{
	EvDetach:            "DFU_DETACH",
	EvDnload:            "DFU_DNLOAD",
	EvUpload:            "DFU_UPLOAD",
	EvGetStatus:         "DFU_GETSTATUS",
	EvClrStatus:         "DFU_CLRSTATUS",
	EvGetState:          "DFU_GETSTATE",
	EvAbort:             "DFU_ABORT",
	EvUSBReset:          "USB Reset",
	EvPowerReset:        "Power Reset",
	EvStatusPollTimeout: "Status Poll Timeout",
	EvDetachTimeout:     "Detach Timeout",
	EvInvalidRequest:    "Invalid DFU class-specific request",
}

// String renders the event's human-readable name.
func (e Event) String() string {
	if e < 0 || e >= eventCount || eventNames[e] == "" {
		return "INVALID"
	}
	return eventNames[e]
}

// Guard is one bit of additional context a caller supplies alongside
// an event, needed to disambiguate which transition row applies.
type Guard uint

const (
	GuardWLengthGTZero Guard = 1 << iota
	GuardUploadShortFrame
	GuardBlockInProgress
	GuardManifestationInProgress
	GuardBitCanDnload
	GuardBitManifestationTolerant
	GuardBitCanUpload
	GuardDevDisagreesDnloadEnd
	GuardDetachTimerElapsed
	GuardFirmwareValid
)

var guardNames = map[Guard]string{
	GuardWLengthGTZero:            "wLength>0",
	GuardUploadShortFrame:         "Short Frame",
	GuardBlockInProgress:          "Block in Progress",
	GuardManifestationInProgress: "Manifestation in Progress",
	GuardBitCanDnload:             "bitCanDownload",
	GuardBitManifestationTolerant: "bitManifestationTolerant",
	GuardBitCanUpload:             "bitCanUpload",
	GuardDevDisagreesDnloadEnd:    "Dev Disagrees Dnload End",
	GuardDetachTimerElapsed:       "Detach Timer Elapsed",
	GuardFirmwareValid:            "Firmware Valid",
}

// String lists every guard set in g, separated by '|'.
func (g Guard) String() string {
	var out string
	for _, bit := range []Guard{
		GuardWLengthGTZero, GuardUploadShortFrame, GuardBlockInProgress,
		GuardManifestationInProgress, GuardBitCanDnload, GuardBitManifestationTolerant,
		GuardBitCanUpload, GuardDevDisagreesDnloadEnd, GuardDetachTimerElapsed,
		GuardFirmwareValid,
	} {
		if g&bit != 0 {
			if out != "" {
				out += "|"
			}
			out += guardNames[bit]
		}
	}
	return out
}
