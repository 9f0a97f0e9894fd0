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

// Package cmd wires the USB DFU session/transfer layers up to a single
// flat cobra command, the way dfu-util itself is one command with many
// flags rather than a tree of subcommands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

// exit codes, spec.md §6.
const (
	exitError           = 1
	exitUsage           = 2
	exitAmbiguousDevice = 3
)

type globalOptions struct {
	Verbose bool
}

// Cli is the whole tool: one root command carrying every DFU flag.
type Cli struct {
	cmd *cobra.Command
	globalOptions

	dfu *dfuCommand
}

func NewCli() *Cli {
	c := &Cli{}

	c.dfu = newDfuCommand(c)

	c.cmd = &cobra.Command{
		Use:   "usb-dfu",
		Short: "A USB Device Firmware Upgrade (DFU 1.0/1.1) host tool",
		Long: `usb-dfu lists, uploads from, and downloads firmware to any
attached device implementing the USB DFU 1.0/1.1 class, driving the
full detach/dnload/upload/manifestation state machine over raw control
transfers.`,
		Version: "0.1",
		Args:    cobra.NoArgs,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.InitLogging()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.dfu.run()
		},
	}

	c.cmd.SilenceUsage = true
	c.cmd.SilenceErrors = true

	c.cmd.PersistentFlags().BoolVarP(&c.Verbose, "verbose", "v", false, "produce verbose (debug-level) output")
	c.dfu.addFlags(c.cmd)

	return c
}

func (c *Cli) InitLogging() {
	if c.Verbose {
		jww.SetStdoutThreshold(jww.LevelDebug)
	} else {
		jww.SetStdoutThreshold(jww.LevelInfo)
	}
}

// Execute runs the command and translates a returned error into the
// exit codes spec.md §6 defines. exitCoder lets the dfu command pick
// exitUsage or exitAmbiguousDevice instead of the default exitError.
func (c *Cli) Execute() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if ec, ok := err.(exitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		os.Exit(exitError)
	}
}

// exitCoder lets an error carry a specific process exit code.
type exitCoder interface {
	error
	ExitCode() int
}

type exitCodeError struct {
	error
	code int
}

func (e *exitCodeError) ExitCode() int { return e.code }

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{error: err, code: code}
}
