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
package devutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/esp32-flasher/cli/flags"
	"github.com/mongoose-os/esp32-flasher/cli/flash/esp/flasher"
	"github.com/mongoose-os/esp32-flasher/cli/ourutil"
)

const (
	PortAuto = "auto"
	PortAsk  = "ask"

	defaultWatchInterval = time.Second
)

// SerialHost is the flasher.Host for local serial ports.
type SerialHost struct {
	// Port name, PortAuto or PortAsk.
	Port string
	// How often an open port is checked for presence.
	WatchInterval time.Duration
	// Idle level of DTR and RTS after opening.
	InvertedControlLines bool

	enumerate func() []string
	prompt    func(text string) string
	open      func(name string, baudRate uint) (flasher.Transport, error)
}

func NewSerialHost(port string) *SerialHost {
	h := &SerialHost{
		Port:          port,
		WatchInterval: defaultWatchInterval,
		enumerate:     EnumerateSerialPorts,
		prompt:        ourutil.Prompt,
	}
	h.open = h.openSerial
	return h
}

func NewSerialHostFromFlags() *SerialHost {
	h := NewSerialHost(*flags.Port)
	h.InvertedControlLines = *flags.InvertedControlLines
	return h
}

func (h *SerialHost) SerialSupported() bool {
	return serialSupported
}

// ChoosePort resolves the configured port.
func (h *SerialHost) ChoosePort(ctx context.Context) (string, error) {
	switch h.Port {
	case "", PortAuto:
		port := pickDefaultPort(h.enumerate())
		if port == "" {
			return "", flasher.NewError(flasher.NoPortSelected,
				errors.Errorf("No port selected: --port not specified and none were found"))
		}
		ourutil.Reportf("Using port %s", port)
		return port, nil
	case PortAsk:
		return h.ask(ctx)
	}
	return h.Port, nil
}

func (h *SerialHost) ask(ctx context.Context) (string, error) {
	ports := h.enumerate()
	if len(ports) == 0 {
		fmt.Fprintf(os.Stderr, "No serial ports found.\n")
	}
	for i, p := range ports {
		fmt.Fprintf(os.Stderr, "  %d) %s\n", i+1, p)
	}
	ansCh := make(chan string, 1)
	go func() {
		ansCh <- h.prompt("Choose port (number or name, empty to cancel):")
	}()
	var ans string
	select {
	case ans = <-ansCh:
	case <-ctx.Done():
		return "", flasher.NewError(flasher.NoPortSelected, errors.Annotatef(ctx.Err(), "No port selected"))
	}
	if ans == "" {
		return "", flasher.NewError(flasher.NoPortSelected, errors.Errorf("No port selected"))
	}
	if n, err := strconv.Atoi(ans); err == nil {
		if n < 1 || n > len(ports) {
			return "", flasher.NewError(flasher.NoPortSelected, errors.Errorf("No port selected: %d is not a valid choice", n))
		}
		return ports[n-1], nil
	}
	return ans, nil
}

// OpenPort opens and locks the port.
func (h *SerialHost) OpenPort(ctx context.Context, name string, baudRate uint) (flasher.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return h.open(name, baudRate)
}

func pickDefaultPort(ports []string) string {
	for _, p := range ports {
		// COM1 and COM2 are commonly mapped to on-board serial ports which are usually not a good guess.
		if strings.EqualFold(p, "COM1") || strings.EqualFold(p, "COM2") {
			continue
		}
		return p
	}
	return ""
}
