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
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/rcaelers/usb-dfu/internal/dfuproto"
	"github.com/rcaelers/usb-dfu/internal/dfuquirk"
	"github.com/rcaelers/usb-dfu/internal/dfusm"
	"github.com/rcaelers/usb-dfu/internal/dfusuffix"
)

// openmokoDnloadPollTimeout is the fixed poll interval the
// OPENMOKO_DNLOAD_STATUS_POLL_TIMEOUT quirk substitutes for whatever
// bwPollTimeout the device (mis)reports during a download.
const openmokoDnloadPollTimeout = 5 * time.Millisecond

// openmokoManifestPollTimeout is the fixed poll interval the
// OPENMOKO_MANIFEST_STATUS_POLL_TIMEOUT quirk substitutes during
// manifestation.
const openmokoManifestPollTimeout = 1 * time.Second

// Progress is called as a transfer makes headway: value and maxValue
// are byte counts, info is a short human-readable label.
type Progress func(value, maxValue int64, info string)

// Capabilities mirrors the bits of the DFU functional descriptor a
// transfer needs to pick guards and quirks correctly.
type Capabilities struct {
	CanDownload           bool
	CanUpload             bool
	ManifestationTolerant bool
	TransferSize          int
}

// Transfer drives whole-firmware upload or download over a Session,
// applying quirks, progress reporting, and the manifestation/reset
// sequence at the end of a download.
type Transfer struct {
	session *Session
	caps    Capabilities
	quirks  dfuquirk.Set
}

// NewTransfer builds a transfer driver over an already-open session.
func NewTransfer(session *Session, caps Capabilities, quirks dfuquirk.Set) *Transfer {
	return &Transfer{session: session, caps: caps, quirks: quirks}
}

// Download writes firmware to the device, a DFU suffix already
// stripped off by the caller (internal/dfusuffix.Decode only parses and
// checks the trailer; the caller slices it off). progress, if non-nil,
// is called after a block whenever the byte count sent is a multiple
// of one fiftieth of the image (at least one byte), and after the last
// block.
func (t *Transfer) Download(firmware []byte, progress Progress) error {
	transferSize := t.caps.TransferSize
	if transferSize <= 0 {
		return errors.New("dfu: transfer size must be positive")
	}

	total := int64(len(firmware))
	bytesPerHash := total / 50
	if bytesPerHash < 1 {
		bytesPerHash = 1
	}

	var sent int64
	for sent < total {
		n := transferSize
		if remaining := total - sent; int64(n) > remaining {
			n = int(remaining)
		}
		block := firmware[sent : sent+int64(n)]

		if _, err := t.session.Download(block, t.caps.CanDownload); err != nil {
			return errors.Wrapf(err, "dfu: download: block at offset %d", sent)
		}

		if err := t.pollUntilDnloadIdle(); err != nil {
			return errors.Wrapf(err, "dfu: download: block at offset %d", sent)
		}

		sent += int64(n)
		if progress != nil && (sent%bytesPerHash == 0 || sent == total) {
			progress(sent, total, "downloading")
		}
	}

	// Zero-length DNLOAD signals end of transfer (DFU 1.0/1.1 §6.1.1)
	// and moves the device straight to dfuMANIFEST-SYNC.
	if _, err := t.session.Download(nil, t.caps.CanDownload); err != nil {
		return errors.Wrap(err, "dfu: download: end-of-transfer signal")
	}

	jww.INFO.Printf("dfu: download complete, %d bytes sent", sent)

	return t.manifest()
}

// pollUntilDnloadIdle repeats GETSTATUS/status_poll_timeout while the
// device reports dfuDNBUSY, as spec.md §4.7 describes.
func (t *Transfer) pollUntilDnloadIdle() error {
	for {
		status, err := t.session.GetStatus()
		if err != nil {
			return err
		}
		if status.BStatus != dfuproto.StatusOK {
			return errors.Errorf("dfu: device reported status %s", dfuproto.StatusMessage(status.BStatus))
		}

		if t.session.State() != dfusm.DfuDnbusy {
			return nil
		}

		pollTimeout := status.BwPollTimeout
		if t.quirks.IsSet(dfuquirk.OpenmokoDnloadStatusPollTimeout) {
			pollTimeout = openmokoDnloadPollTimeout
		}
		if err := t.session.StatusPollTimeout(pollTimeout, t.caps.ManifestationTolerant); err != nil {
			return err
		}
	}
}

// manifest drives the post-transfer manifestation sequence: poll while
// dfuMANIFEST, and either settle at dfuIDLE (manifestation-tolerant
// device) or issue the final USB reset from dfuMANIFEST-WAIT-RESET.
func (t *Transfer) manifest() error {
	for {
		// GETSTATE/GETSTATUS is not a defined event once the device
		// has moved to dfuMANIFEST-WAIT-RESET (it may not even be
		// listening on the bus), so these two terminal cases are
		// checked before ever issuing another GETSTATUS.
		switch t.session.State() {
		case dfusm.DfuIdle:
			jww.INFO.Printf("dfu: manifestation complete, device is manifestation-tolerant")
			return nil
		case dfusm.DfuManifestWaitReset:
			jww.INFO.Printf("dfu: manifestation complete, resetting device")
			return t.session.USBReset()
		}

		status, err := t.session.GetStatus()
		if err != nil {
			return errors.Wrap(err, "dfu: manifestation")
		}
		if status.BStatus != dfuproto.StatusOK {
			return errors.Errorf("dfu: manifestation: device reported status %s", dfuproto.StatusMessage(status.BStatus))
		}

		if t.session.State() == dfusm.DfuManifest {
			effective := status.BwPollTimeout
			if t.quirks.IsSet(dfuquirk.OpenmokoManifestStatusPollTimeout) {
				effective = openmokoManifestPollTimeout
			}
			if err := t.session.StatusPollTimeout(effective, t.caps.ManifestationTolerant); err != nil {
				return errors.Wrap(err, "dfu: manifestation")
			}
		}
		// Otherwise dfuMANIFEST-SYNC: loop back to GETSTATUS.
	}
}

// Upload reads the device's full firmware image, transfer-size block
// at a time, and returns it with a freshly computed DFU suffix
// appended (bcdDevice=idVendor=idProduct=0, matching dfu_suffix.c's
// add_file_suffix, which never consults the device's own identity).
func (t *Transfer) Upload(progress Progress) ([]byte, error) {
	transferSize := t.caps.TransferSize
	if transferSize <= 0 {
		return nil, errors.New("dfu: transfer size must be positive")
	}

	var image []byte
	var received int64

	for {
		status, err := t.session.GetStatus()
		if err != nil {
			return nil, errors.Wrap(err, "dfu: upload")
		}
		if status.BStatus != dfuproto.StatusOK {
			return nil, errors.Errorf("dfu: upload: device reported status %s", dfuproto.StatusMessage(status.BStatus))
		}

		block, err := t.session.Upload(transferSize, t.caps.CanUpload)
		if err != nil {
			return nil, errors.Wrapf(err, "dfu: upload: block at offset %d", received)
		}

		image = append(image, block...)
		received += int64(len(block))
		if progress != nil {
			progress(received, received, "uploading")
		}

		if len(block) < transferSize {
			break
		}
	}

	jww.INFO.Printf("dfu: upload complete, %d bytes received", received)

	// bcdDevice=idProduct=idVendor=0: dfu_suffix.c's add_file_suffix
	// never reads the device's own identity either (spec.md §9 open
	// question, preserved as-is).
	return dfusuffix.Encode(image, 0, 0, 0), nil
}
