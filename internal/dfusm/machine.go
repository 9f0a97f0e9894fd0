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
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// ErrNoSuchEvent means the given event is not defined for the
// machine's current state at all (no row handles it).
var ErrNoSuchEvent = errors.New("dfusm: event does not exist in current state")

// ErrInvalidTransition means Machine.SetStateChecked was asked to move
// to a state the structural transition table forbids from the
// current state.
var ErrInvalidTransition = errors.New("dfusm: illegal state transition")

// transitions is the structural table T: for each source state, the
// bitmask of states a checked setter may move into. It is independent
// of delta: delta decides what event+guards ought to produce, this
// table is the last line of defense against a caller committing
// something delta never would have.
var transitions = [stateCount]uint16{
	AppIdle: 1<<AppDetach | 1<<AppIdle,

	AppDetach: 1<<AppIdle | 1<<DfuIdle | 1<<AppDetach,

	DfuIdle: 1<<DfuIdle | 1<<DfuDnloadSync | 1<<DfuUploadIdle | 1<<DfuError,

	DfuDnloadSync: 1<<DfuDnloadSync | 1<<DfuIdle | 1<<DfuDnloadIdle |
		1<<DfuDnbusy | 1<<DfuError,

	DfuDnbusy: 1<<DfuDnloadSync | 1<<DfuError,

	DfuDnloadIdle: 1<<DfuDnloadIdle | 1<<DfuIdle | 1<<DfuDnloadSync |
		1<<DfuManifestSync | 1<<DfuError,

	DfuManifestSync: 1<<DfuManifestSync | 1<<DfuIdle | 1<<DfuManifest | 1<<DfuError,

	DfuManifest: 1<<DfuManifestSync | 1<<DfuManifestWaitReset | 1<<DfuError,

	DfuManifestWaitReset: 1 << DfuError,

	DfuUploadIdle: 1<<DfuUploadIdle | 1<<DfuIdle | 1<<DfuError,

	DfuError: 1<<DfuIdle | 1<<DfuError,
}

// delta is the event+guard transition function of DFU 1.0/1.1
// Appendix A.2. It reports two independent things: whether the
// resulting transition is actually computed (valid — false only when
// nothing in the current state handles this event at all), and
// whether an event of this kind is considered defined in the current
// state (exists — used only by HasEvent). A stalling, unsupported
// request can still be valid (it resolves to dfuERROR or a self-loop)
// while simultaneously not "existing".
func delta(state State, event Event, guards Guard) (next State, valid bool, exists bool) {
	switch state {
	case AppIdle:
		switch event {
		case EvDetach:
			return AppDetach, true, true
		case EvGetStatus, EvGetState:
			return AppIdle, true, true
		}
		return 0, false, false

	case AppDetach:
		switch event {
		case EvGetStatus, EvGetState:
			return AppDetach, true, true
		case EvPowerReset:
			return DfuIdle, true, true
		case EvUSBReset:
			if guards&GuardDetachTimerElapsed != 0 {
				return AppIdle, true, true
			}
			return DfuIdle, true, true
		default:
			return AppIdle, true, true
		}

	case DfuIdle:
		switch event {
		case EvDnload:
			if guards&GuardWLengthGTZero != 0 && guards&GuardBitCanDnload != 0 {
				return DfuDnloadSync, true, true
			}
			return DfuError, true, true
		case EvUpload:
			if guards&GuardBitCanUpload != 0 {
				return DfuUploadIdle, true, true
			}
			return DfuError, true, true
		case EvAbort, EvGetStatus, EvGetState:
			return DfuIdle, true, true
		case EvPowerReset, EvUSBReset:
			if guards&GuardFirmwareValid != 0 {
				return AppIdle, true, true
			}
			return DfuError, true, true
		default:
			return DfuError, true, true
		}

	case DfuDnloadSync:
		switch event {
		case EvGetStatus:
			if guards&GuardBlockInProgress != 0 {
				return DfuDnbusy, true, true
			}
			return DfuDnloadIdle, true, true
		case EvGetState:
			return DfuDnloadSync, true, true
		case EvAbort:
			// Not specified in A.2.4, but shown in the state
			// diagram; kept for parity with the reference.
			return DfuIdle, true, true
		case EvPowerReset, EvUSBReset:
			if guards&GuardFirmwareValid != 0 {
				return AppIdle, true, true
			}
			return DfuError, true, true
		default:
			return DfuIdle, true, true
		}

	case DfuDnbusy:
		switch event {
		case EvStatusPollTimeout:
			return DfuDnloadSync, true, true
		case EvPowerReset, EvUSBReset:
			if guards&GuardFirmwareValid != 0 {
				return AppIdle, true, true
			}
			return DfuError, true, true
		default:
			return DfuError, true, true
		}

	case DfuDnloadIdle:
		switch event {
		case EvDnload:
			if guards&GuardWLengthGTZero != 0 {
				return DfuDnloadSync, true, true
			}
			if guards&GuardDevDisagreesDnloadEnd != 0 {
				return DfuError, true, true
			}
			return DfuManifestSync, true, true
		case EvAbort:
			return DfuIdle, true, true
		case EvGetStatus, EvGetState:
			return DfuDnloadIdle, true, true
		case EvPowerReset, EvUSBReset:
			if guards&GuardFirmwareValid != 0 {
				return AppIdle, true, true
			}
			return DfuError, true, true
		default:
			return DfuError, true, true
		}

	case DfuManifestSync:
		switch event {
		case EvGetStatus:
			if guards&GuardManifestationInProgress != 0 {
				return DfuManifest, true, true
			}
			if guards&GuardBitManifestationTolerant != 0 {
				return DfuIdle, true, true
			}
			return DfuError, true, true
		case EvGetState:
			return DfuManifestSync, true, true
		case EvPowerReset, EvUSBReset:
			if guards&GuardFirmwareValid != 0 {
				return AppIdle, true, true
			}
			return DfuError, true, true
		case EvAbort:
			// Not specified in A.2.7, but shown in figure A.1.
			return DfuIdle, true, true
		default:
			return DfuError, true, true
		}

	case DfuManifest:
		switch event {
		case EvStatusPollTimeout:
			if guards&GuardBitManifestationTolerant != 0 {
				return DfuManifestSync, true, true
			}
			return DfuManifestWaitReset, true, true
		case EvPowerReset, EvUSBReset:
			if guards&GuardFirmwareValid != 0 {
				return AppIdle, true, true
			}
			return DfuError, true, true
		default:
			return DfuError, true, true
		}

	case DfuManifestWaitReset:
		switch event {
		case EvPowerReset, EvUSBReset:
			if guards&GuardFirmwareValid != 0 {
				return AppIdle, true, true
			}
			return DfuError, true, true
		default:
			// The device can't do anything on USB in this
			// state; it likely won't even see the request.
			// The transition is still computed (a self-loop)
			// even though the event is not considered to exist.
			return DfuManifestWaitReset, true, false
		}

	case DfuUploadIdle:
		switch event {
		case EvUpload:
			if guards&GuardWLengthGTZero != 0 && guards&GuardUploadShortFrame == 0 {
				return DfuUploadIdle, true, true
			}
			if guards&GuardUploadShortFrame != 0 {
				return DfuIdle, true, true
			}
			return DfuError, true, true
		case EvAbort:
			return DfuIdle, true, true
		case EvGetStatus, EvGetState:
			return DfuUploadIdle, true, true
		case EvPowerReset, EvUSBReset:
			if guards&GuardFirmwareValid != 0 {
				return AppIdle, true, true
			}
			return DfuError, true, true
		default:
			return DfuError, true, true
		}

	case DfuError:
		switch event {
		case EvGetStatus, EvGetState:
			return DfuError, true, true
		case EvClrStatus:
			return DfuIdle, true, true
		case EvPowerReset, EvUSBReset:
			if guards&GuardFirmwareValid != 0 {
				return AppIdle, true, true
			}
			return DfuError, true, true
		default:
			return DfuError, true, true
		}
	}

	return 0, false, false
}

// Machine tracks a single DFU session's current state. Unlike the
// file-scope static it is grounded on, the state lives in this value,
// so multiple sessions (and their tests) never share it.
type Machine struct {
	state State
}

// New returns a machine initialized to the given state, without
// running it through the structural transition check.
func New(initial State) *Machine {
	return &Machine{state: initial}
}

// State returns the machine's current state.
func (m *Machine) State() State {
	return m.state
}

// HasEvent reports whether event is defined at all from the current
// state, independent of any particular guard combination.
func (m *Machine) HasEvent(event Event) bool {
	_, _, exists := delta(m.state, event, 0)
	return exists
}

// NextState computes the state event+guards would move the machine
// to, without committing it. Callers invoke the corresponding
// protocol handler with this value before calling SetStateChecked.
func (m *Machine) NextState(event Event, guards Guard) (State, error) {
	next, valid, _ := delta(m.state, event, guards)
	if !valid {
		return 0, errors.Wrapf(ErrNoSuchEvent, "event %s from state %s", event, m.state)
	}
	return next, nil
}

// SetStateChecked commits a transition to newState, rejecting it if
// the structural table does not allow newState from the current
// state.
func (m *Machine) SetStateChecked(newState State) error {
	if newState < 0 || newState >= stateCount || transitions[m.state]&(1<<uint(newState)) == 0 {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", m.state, newState)
	}
	if m.state != DfuError && newState == DfuError {
		jww.ERROR.Printf("dfusm: device entered error state!")
	}
	m.state = newState
	return nil
}

// SetStateUnchecked forces the machine into newState without
// consulting the structural table. The session layer does not call it;
// a fresh session gets its initial state from New.
func (m *Machine) SetStateUnchecked(newState State) {
	m.state = newState
}
