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

package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"gopkg.in/cheggaaa/pb.v2"

	"github.com/rcaelers/usb-dfu/internal/dfu"
	"github.com/rcaelers/usb-dfu/internal/dfuquirk"
	"github.com/rcaelers/usb-dfu/internal/dfusuffix"
	"github.com/rcaelers/usb-dfu/internal/usbtransport"
	"github.com/rcaelers/usb-dfu/internal/usbtransport/gousb"
)

// dfuCommand holds every flag of the flat CLI surface (spec.md §6) and
// the run logic that drives internal/dfu over an opened device.
type dfuCommand struct {
	cli *Cli

	list bool

	device string
	path   string
	cfg    int
	intf   int
	alt    string

	transferSize int

	uploadFile   string
	downloadFile string
	reset        bool

	timeout time.Duration
}

func newDfuCommand(cli *Cli) *dfuCommand {
	return &dfuCommand{cli: cli}
}

func (c *dfuCommand) addFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&c.list, "list", false, "list attached DFU-capable devices and exit")
	cmd.Flags().StringVar(&c.device, "device", "", "select device by VID:PID (hex)")
	cmd.Flags().StringVar(&c.path, "path", "", "select device by USB bus-port path, e.g. 1-2.3")
	cmd.Flags().IntVar(&c.cfg, "cfg", 1, "configuration number to select")
	cmd.Flags().IntVar(&c.intf, "intf", 0, "interface number to claim")
	cmd.Flags().StringVar(&c.alt, "alt", "0", "alternate setting number (or name)")
	cmd.Flags().IntVar(&c.transferSize, "transfer-size", 0, "block size for DNLOAD/UPLOAD, overrides the functional descriptor")
	cmd.Flags().StringVar(&c.uploadFile, "upload", "", "read firmware from the device into FILE")
	cmd.Flags().StringVar(&c.downloadFile, "download", "", "write firmware from FILE to the device")
	cmd.Flags().BoolVar(&c.reset, "reset", false, "issue a USB bus reset after the requested action")
	cmd.Flags().DurationVar(&c.timeout, "timeout", 5*time.Second, "per-request USB control transfer timeout")
}

// parseVidPid parses "VID:PID" (hex, 0x prefix optional) into its two
// halves; an empty s means unfiltered (0, 0).
func parseVidPid(s string) (uint16, uint16, error) {
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errors.Errorf("--device: expected VID:PID, got %q", s)
	}
	vendor, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 16)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "--device: bad vendor id %q", parts[0])
	}
	product, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 16)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "--device: bad product id %q", parts[1])
	}
	return uint16(vendor), uint16(product), nil
}

// formatPortPath mirrors gousb's own "bus-port.port" formatting so the
// CLI's --path matching and --list output agree with what a user would
// pass back in on a later invocation.
func formatPortPath(desc usbtransport.Descriptor) string {
	parts := make([]string, len(desc.PortPath))
	for i, p := range desc.PortPath {
		parts[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%d-%s", desc.BusNumber, strings.Join(parts, "."))
}

func (c *dfuCommand) run() error {
	vendorID, productID, err := parseVidPid(c.device)
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	enumerator := gousb.NewEnumerator()
	defer enumerator.Close()

	if c.list {
		return c.runList(enumerator, vendorID, productID)
	}

	if c.uploadFile == "" && c.downloadFile == "" && !c.reset {
		return withExitCode(errors.New("nothing to do: specify --list, --upload, --download, or --reset"), exitUsage)
	}

	alt, err := c.parseAlt()
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	desc, err := c.resolveDevice(enumerator, vendorID, productID)
	if err != nil {
		return err
	}

	dev, err := enumerator.Open(desc.VendorID, desc.ProductID, formatPortPath(desc), c.cfg, c.intf, alt)
	if err != nil {
		return errors.Wrap(err, "failed to open device")
	}
	defer dev.Close()

	caps := c.capabilities(dev)
	quirks := dfuquirk.Detect(caps.bcdDFUVersion, desc.VendorID, desc.ProductID, desc.BcdDevice)

	session := dfu.NewSession(dev, c.timeout)
	transfer := dfu.NewTransfer(session, caps.Capabilities, quirks)

	if c.downloadFile != "" {
		if err := c.runDownload(transfer); err != nil {
			return err
		}
	}

	if c.uploadFile != "" {
		if err := c.runUpload(transfer); err != nil {
			return err
		}
	}

	if c.reset {
		jww.INFO.Printf("dfu: resetting device\n")
		if err := dev.Reset(); err != nil {
			return errors.Wrap(err, "failed to reset device")
		}
	}

	return nil
}

// parseAlt accepts a numeric alternate setting. Resolving a setting by
// name would need the USB string descriptor attached to that
// altsetting, which gousb.Config/Interface does not surface (the same
// gap documented on parseFunctionalDescriptor) so name lookup is left
// unimplemented rather than faked.
func (c *dfuCommand) parseAlt() (int, error) {
	n, err := strconv.Atoi(c.alt)
	if err != nil {
		return 0, errors.Errorf("--alt: selecting an alternate setting by name is not supported, pass its number (got %q)", c.alt)
	}
	return n, nil
}

func (c *dfuCommand) runList(enumerator usbtransport.Enumerator, vendorID, productID uint16) error {
	descs, err := enumerator.List(vendorID, productID)
	if err != nil {
		return errors.Wrap(err, "failed to enumerate devices")
	}
	for _, d := range descs {
		fmt.Printf("%s: %04x:%04x %s %s (serial %s)\n",
			formatPortPath(d), d.VendorID, d.ProductID, d.Manufacturer, d.Product, d.SerialNumber)
	}
	return nil
}

// resolveDevice narrows List's results down to exactly one device,
// applying --path client-side (Enumerator.List has no path parameter)
// and turning "more than one candidate, no --device or --path given to
// disambiguate" into exitAmbiguousDevice.
func (c *dfuCommand) resolveDevice(enumerator usbtransport.Enumerator, vendorID, productID uint16) (usbtransport.Descriptor, error) {
	descs, err := enumerator.List(vendorID, productID)
	if err != nil {
		return usbtransport.Descriptor{}, errors.Wrap(err, "failed to enumerate devices")
	}

	if c.path != "" {
		filtered := descs[:0]
		for _, d := range descs {
			if formatPortPath(d) == c.path {
				filtered = append(filtered, d)
			}
		}
		descs = filtered
	}

	switch len(descs) {
	case 0:
		return usbtransport.Descriptor{}, withExitCode(errors.New("no matching DFU device found"), exitError)
	case 1:
		return descs[0], nil
	default:
		return usbtransport.Descriptor{}, withExitCode(
			errors.New("more than one device matches, narrow the selection with --device and/or --path"), exitAmbiguousDevice)
	}
}

// deviceCapabilities bundles the session/transfer Capabilities with the
// bcdDFUVersion the functional descriptor reported, for quirk
// detection.
type deviceCapabilities struct {
	dfu.Capabilities
	bcdDFUVersion uint16
}

// capabilities derives dfu.Capabilities from the device's functional
// descriptor, falling back to --transfer-size and permissive
// can-download/can-upload bits if none could be parsed (mirrors
// dfuquirk.IgnoreInvalidFunctionalDescriptor's intent).
func (c *dfuCommand) capabilities(dev usbtransport.Device) deviceCapabilities {
	fd, ok := dev.FunctionalDescriptor()
	if !ok {
		jww.WARN.Printf("dfu: no functional descriptor, assuming download/upload both supported\n")
		size := c.transferSize
		if size <= 0 {
			size = 64
		}
		return deviceCapabilities{Capabilities: dfu.Capabilities{
			CanDownload:  true,
			CanUpload:    true,
			TransferSize: size,
		}}
	}

	size := int(fd.TransferSize)
	if c.transferSize > 0 {
		size = c.transferSize
	}

	return deviceCapabilities{
		Capabilities: dfu.Capabilities{
			CanDownload:           fd.BmAttributes&usbtransport.AttrCanDownload != 0,
			CanUpload:             fd.BmAttributes&usbtransport.AttrCanUpload != 0,
			ManifestationTolerant: fd.BmAttributes&usbtransport.AttrManifestationTolerant != 0,
			TransferSize:          size,
		},
		bcdDFUVersion: fd.BcdDFUVersion,
	}
}

func (c *dfuCommand) runDownload(transfer *dfu.Transfer) error {
	raw, err := os.ReadFile(c.downloadFile)
	if err != nil {
		return errors.Wrap(err, "failed to read firmware file")
	}

	image := raw
	switch suffix, _, _, err := dfusuffix.Decode(raw); {
	case err == nil:
		jww.INFO.Printf("dfu: firmware targets %04x:%04x (device revision %04x)\n",
			suffix.IDVendor, suffix.IDProduct, suffix.BcdDevice)
		image = raw[:len(raw)-dfusuffix.Size]
	case err == dfusuffix.ErrChecksumMismatch:
		return errors.New("firmware file has a DFU suffix but its checksum does not match")
	default:
		jww.WARN.Printf("dfu: no valid DFU suffix found, sending file as-is\n")
	}

	jww.INFO.Printf("dfu: downloading %d bytes from %s\n", len(image), c.downloadFile)

	var bar *pb.ProgressBar
	err = transfer.Download(image, func(value, maxValue int64, info string) {
		if bar == nil {
			bar = pb.ProgressBarTemplate(`{{ white "DNLOAD:" }} {{bar . | green}} {{speed . "%s byte/s" | white }}`).Start(100)
		}
		if bar.Total() != maxValue {
			bar.SetTotal(maxValue)
		}
		bar.SetCurrent(value)
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return errors.Wrap(err, "download failed")
	}
	return nil
}

func (c *dfuCommand) runUpload(transfer *dfu.Transfer) error {
	jww.INFO.Printf("dfu: uploading to %s\n", c.uploadFile)

	var bar *pb.ProgressBar
	image, err := transfer.Upload(func(value, maxValue int64, info string) {
		if bar == nil {
			bar = pb.ProgressBarTemplate(`{{ white "UPLOAD:" }} {{bar . | green}} {{speed . "%s byte/s" | white }}`).Start(100)
		}
		if bar.Total() != maxValue {
			bar.SetTotal(maxValue)
		}
		bar.SetCurrent(value)
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return errors.Wrap(err, "upload failed")
	}

	if err := os.WriteFile(c.uploadFile, image, 0o644); err != nil {
		return errors.Wrap(err, "failed to write firmware file")
	}
	return nil
}
