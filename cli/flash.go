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
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/skratchdot/open-golang/open"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/esp32-flasher/cli/devutil"
	"github.com/mongoose-os/esp32-flasher/cli/firmware"
	"github.com/mongoose-os/esp32-flasher/cli/flags"
	"github.com/mongoose-os/esp32-flasher/cli/flash/esp/flasher"
	"github.com/mongoose-os/esp32-flasher/cli/flash/esp/rom_client"
	"github.com/mongoose-os/esp32-flasher/cli/mqttsink"
	"github.com/mongoose-os/esp32-flasher/cli/ourutil"
	"github.com/mongoose-os/esp32-flasher/cli/webui"
	"github.com/mongoose-os/esp32-flasher/common/multierror"
)

// app wires the connection manager and the flash controller to the sinks
// configured by flags.
type app struct {
	host *devutil.SerialHost
	log  *flasher.LogBuffer
	cm   *flasher.ConnectionManager
	fc   *flasher.FlashController
	mqtt *mqttsink.Sink

	unsubs []func()
}

func newApp(extra ...flasher.Sink) (*app, error) {
	a := &app{
		host: devutil.NewSerialHostFromFlags(),
		log:  &flasher.LogBuffer{},
	}
	sinks := flasher.MultiSink{a.log, &consoleSink{w: os.Stderr}}
	sinks = append(sinks, extra...)
	if *flags.MQTTEvents != "" {
		ms, err := mqttsink.New(*flags.MQTTEvents)
		if err != nil {
			return nil, errors.Annotatef(err, "--mqtt-events")
		}
		a.mqtt = ms
		sinks = append(sinks, ms)
	}
	a.cm = flasher.NewConnectionManager(a.host, rom_client.NewDriverFactory(flags.FlashOptsFromFlags()), sinks)
	a.fc = flasher.NewFlashController(a.cm, sinks)
	if a.mqtt != nil {
		a.follow(a.mqtt.FollowState)
	}
	return a, nil
}

// follow feeds state changes to f in a separate goroutine until the app is closed.
func (a *app) follow(f func(<-chan flasher.StateChange)) {
	ch, unsub := a.cm.Subscribe()
	a.unsubs = append(a.unsubs, unsub)
	go f(ch)
}

func (a *app) Close() error {
	var errs error
	if err := a.cm.Disconnect(context.Background()); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, unsub := range a.unsubs {
		unsub()
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	return errs
}

func (a *app) closeAndLog() {
	if err := a.Close(); err != nil {
		glog.Errorf("Error while shutting down: %s", err)
	}
}

func listPorts(ctx context.Context) error {
	host := devutil.NewSerialHostFromFlags()
	if !host.SerialSupported() {
		return flasher.NewError(flasher.UnsupportedTransport, errors.Errorf("serial ports are not supported on this system"))
	}
	ports := devutil.EnumerateSerialPorts()
	if len(ports) == 0 {
		ourutil.Reportf("No serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}

func showInfo(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return errors.Trace(err)
	}
	defer a.closeAndLog()
	if err := a.cm.Toggle(ctx); err != nil {
		return errors.Trace(err)
	}
	ds := a.cm.Session()
	if ds == nil {
		return flasher.NewError(flasher.ConnectionLost, errors.Errorf("connection lost"))
	}
	fmt.Printf("Port: %s\nChip: %s\nMAC:  %s\n", ds.PortName(), ds.ChipName(), ds.MACString())
	return nil
}

func flash(ctx context.Context) error {
	fw := *flags.Firmware
	if flag.NArg() == 2 {
		fw = flag.Arg(1)
	} else if flag.NArg() > 2 {
		return errors.Errorf("usage: flash [firmware]")
	}
	img, err := firmware.Load(fw)
	if err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Firmware: %s (%d bytes)", img.Source, len(img.Data))
	a, err := newApp()
	if err != nil {
		return errors.Trace(err)
	}
	defer a.closeAndLog()
	return errors.Trace(flasher.WriteFlash(ctx, a.cm, a.fc, flasher.FirmwareOffset, img.Data))
}

func flashWrite(ctx context.Context) error {
	if flag.NArg() != 3 {
		return errors.Errorf("usage: flash-write <addr> <file>")
	}
	addr, err := strconv.ParseUint(flag.Arg(1), 0, 32)
	if err != nil {
		return errors.Annotatef(err, "invalid address %q", flag.Arg(1))
	}
	data, err := ourutil.ReadOrFetchFile(flag.Arg(2))
	if err != nil {
		return errors.Annotatef(err, "failed to read %s", flag.Arg(2))
	}
	a, err := newApp()
	if err != nil {
		return errors.Trace(err)
	}
	defer a.closeAndLog()
	return errors.Trace(flasher.WriteFlash(ctx, a.cm, a.fc, uint32(addr), data))
}

func startUI(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			ourutil.Reportf("Shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	hub := webui.NewHub()
	a, err := newApp(hub)
	if err != nil {
		return errors.Trace(err)
	}
	defer a.closeAndLog()
	a.follow(hub.FollowState)

	l, err := net.Listen("tcp", *flags.UIAddr)
	if err != nil {
		return errors.Annotatef(err, "failed to listen on %s", *flags.UIAddr)
	}
	s := webui.NewServer(ctx, webui.Config{
		CM:       a.cm,
		FC:       a.fc,
		Log:      a.log,
		Hub:      hub,
		Firmware: *flags.Firmware,
	})
	url := fmt.Sprintf("http://%s", l.Addr())
	ourutil.Reportf("Web UI is available at %s", url)
	if !firmware.Ready(*flags.Firmware) {
		ourutil.Reportf("Warning: no firmware at %s", firmware.Resolve(*flags.Firmware))
	}
	if !*flags.NoBrowser {
		if err := open.Start(url); err != nil {
			glog.Errorf("Failed to open browser: %s", err)
		}
	}
	err = s.Serve(ctx, l)
	s.Wait()
	return errors.Trace(err)
}
