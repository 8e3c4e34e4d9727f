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
package flags

import (
	"time"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/esp32-flasher/cli/flash/esp"
	"github.com/mongoose-os/esp32-flasher/common/multierror"
)

const (
	DefaultFirmware = "firmware/firmware.bin"
	DefaultUIAddr   = "127.0.0.1:1992"
)

var (
	Port = flag.String("port", "auto", "Serial port where the device is connected. "+
		"If set to 'auto', ports on the system will be enumerated and the first will be used. "+
		"If set to 'ask', the list of ports is shown and you will be asked to choose one.")
	Firmware = flag.String("firmware", DefaultFirmware, "Firmware to flash: a .bin image, a .zip bundle or an HTTP(S) URL. "+
		"Relative paths are looked up in the current directory, then next to the executable.")
	Timeout = flag.Duration("timeout", 5*time.Minute, "Timeout for the whole operation")
	Verbose = flag.Bool("verbose", false, "Verbose output")
	Config  = flag.String("config", "", "YAML file with flag values. Command line and environment take precedence")

	ESPStubFile          = flag.String("esp-stub-file", "", "Flasher stub in JSON format. If not set, ROM loader is used for everything")
	ESPReadTimeout       = flag.Duration("esp-read-timeout", 3*time.Second, "Response timeout for loader commands")
	ESPSyncAttempts      = flag.Int("esp-sync-attempts", 10, "Number of SYNC attempts before giving up")
	ESPReset             = flag.Bool("esp-reset", true, "Use DTR/RTS to reset the device into download mode")
	InvertedControlLines = flag.Bool("inverted-control-lines", false, "DTR and RTS control lines use inverted polarity")
	NoVerify             = flag.Bool("no-verify", false, "Do not verify MD5 of the written data")

	UIAddr     = flag.String("ui-addr", DefaultUIAddr, "Address the web UI listens on")
	NoBrowser  = flag.Bool("no-browser", false, "Do not open the web UI in the browser")
	MQTTEvents = flag.String("mqtt-events", "", "Publish log, notifications and state changes to mqtt://host[:port]/topic")
)

// Advanced flags are only shown in --helpfull.
var Advanced = []string{
	"esp-stub-file",
	"esp-read-timeout",
	"esp-sync-attempts",
	"esp-reset",
	"inverted-control-lines",
	"no-verify",
	"mqtt-events",
	"no-browser",
}

func FlashOptsFromFlags() *esp.FlashOpts {
	return &esp.FlashOpts{
		StubFile:             *ESPStubFile,
		ReadTimeout:          *ESPReadTimeout,
		SyncAttempts:         *ESPSyncAttempts,
		ResetIntoBootloader:  *ESPReset,
		InvertedControlLines: *InvertedControlLines,
		NoVerify:             *NoVerify,
	}
}

// Validate checks flag values for consistency, reporting all problems at once.
func Validate() error {
	var errs error
	if *Port == "" {
		errs = multierror.Append(errs, errors.Errorf("--port must not be empty, use 'auto' or 'ask'"))
	}
	if *ESPReadTimeout <= 0 {
		errs = multierror.Append(errs, errors.Errorf("--esp-read-timeout must be positive"))
	}
	if *ESPSyncAttempts <= 0 {
		errs = multierror.Append(errs, errors.Errorf("--esp-sync-attempts must be positive"))
	}
	if *Timeout <= 0 {
		errs = multierror.Append(errs, errors.Errorf("--timeout must be positive"))
	}
	return errs
}
