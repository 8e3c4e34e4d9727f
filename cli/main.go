//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/esp32-flasher/cli/flags"
	"github.com/mongoose-os/esp32-flasher/common/pflagenv"
	"github.com/mongoose-os/esp32-flasher/version"
)

const (
	envPrefix = "ESP32_FLASHER_"
)

var (
	versionFlag = flag.Bool("version", false, "Print version and exit")
	helpFull    = flag.Bool("helpfull", false, "Show full help, including advanced flags")
)

type command struct {
	name     string
	handler  handler
	short    string
	required []string
	optional []string
	// Long-running commands are not subject to --timeout.
	noTimeout bool
}

type handler func(ctx context.Context) error

var commands []command

func init() {
	// Assigned here rather than in the declaration: help refers back to commands.
	commands = []command{
		{"ports", listPorts, `List serial ports`, nil, nil, false},
		{"info", showInfo, `Connect to the device and show chip type and MAC address`, nil, []string{"port"}, false},
		{"flash", flash, `Flash firmware to the device. Usage: flash [firmware]`, nil, []string{"port", "firmware"}, false},
		{"flash-write", flashWrite, `Write a file to flash at the given address. Usage: flash-write <addr> <file>`, nil, []string{"port"}, false},
		{"ui", startUI, `Start the web UI`, nil, []string{"port", "firmware", "ui-addr"}, true},
		{"help", showHelp, `Show help. Use --helpfull to show advanced flags`, nil, nil, true},
	}
}

func run() error {
	for _, c := range commands {
		if c.name == flag.Arg(0) {
			// check required flags
			if err := checkFlags(c.required); err != nil {
				return errors.Trace(err)
			}
			ctx := context.Background()
			if !c.noTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, *flags.Timeout)
				defer cancel()
			}
			// run the handler
			return errors.Trace(c.handler(ctx))
		}
	}
	// not found
	usage()
	if flag.NArg() > 0 {
		return errors.Errorf("unknown command %q", flag.Arg(0))
	}
	return nil
}

func showHelp(ctx context.Context) error {
	usage()
	return nil
}

func exitWithError(err error) {
	glog.Infof("Error: %+v", err)
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	glog.Flush()
	os.Exit(1)
}

func main() {
	initFlags()
	flag.Parse()
	pflagenv.Parse(envPrefix)
	if *flags.Config != "" {
		if err := pflagenv.ParseYAMLFile(*flags.Config); err != nil {
			exitWithError(err)
		}
	}

	if *helpFull {
		unhideFlags()
		usage()
		return
	} else if *versionFlag {
		fmt.Printf(
			"%s\nVersion: %s\nBuild ID: %s\n",
			"ESP32 serial flasher", version.Version, version.BuildId,
		)
		return
	}

	if *flags.Verbose && !flag.CommandLine.Changed("v") {
		flag.Set("v", "1")
	}

	if err := flags.Validate(); err != nil {
		exitWithError(err)
	}

	err := run()
	glog.Flush()
	if err != nil {
		exitWithError(err)
	}
}
