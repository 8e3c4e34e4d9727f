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
package flasher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/esp32-flasher/common/multierror"
)

const (
	downloadModeHint = "Put ESP32 in download mode: Hold BOOT → Press RESET → Release RESET → Release BOOT"

	// Actionable errors stay on screen longer.
	actionableNotifyDuration = 8 * time.Second

	subscriberQueueLen = 64
)

// DeviceSession is a live connection to a chip running the flasher stub.
type DeviceSession struct {
	chipName  string
	mac       [6]byte
	transport Transport
	stub      StubSession

	// Guarded by ConnectionManager.mu.
	closing bool
	lost    bool
}

func (ds *DeviceSession) ChipName() string  { return ds.chipName }
func (ds *DeviceSession) MACAddr() [6]byte  { return ds.mac }
func (ds *DeviceSession) MACString() string { return FormatMAC(ds.mac) }
func (ds *DeviceSession) PortName() string  { return ds.transport.Name() }

func FormatMAC(mac [6]byte) string {
	parts := make([]string, len(mac))
	for i, b := range mac {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

type subscriber struct {
	ch chan StateChange
}

// ConnectionManager owns the transport and the device session and drives the
// connection state machine. Transitions happen only here.
type ConnectionManager struct {
	host      Host
	newDriver DriverFactory
	sink      Sink

	mu       sync.Mutex
	state    ConnectionState
	attempts int
	session  *DeviceSession
	subs     map[*subscriber]struct{}
}

func NewConnectionManager(host Host, newDriver DriverFactory, sink Sink) *ConnectionManager {
	return &ConnectionManager{
		host:      host,
		newDriver: newDriver,
		sink:      sink,
		subs:      make(map[*subscriber]struct{}),
	}
}

func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Attempts returns the number of connection attempts since the last
// successful connection.
func (cm *ConnectionManager) Attempts() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.attempts
}

// Session returns the live session, or nil if not connected.
func (cm *ConnectionManager) Session() *DeviceSession {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.session
}

func (cm *ConnectionManager) isCurrent(ds *DeviceSession) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state == Connected && cm.session == ds
}

// Subscribe returns a stream of state changes and a function to stop it.
// Subscribers that fall behind miss changes; State() is always authoritative.
func (cm *ConnectionManager) Subscribe() (<-chan StateChange, func()) {
	s := &subscriber{ch: make(chan StateChange, subscriberQueueLen)}
	cm.mu.Lock()
	cm.subs[s] = struct{}{}
	cm.mu.Unlock()
	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			cm.mu.Lock()
			delete(cm.subs, s)
			cm.mu.Unlock()
			close(s.ch)
		})
	}
}

// Must be called with cm.mu held.
func (cm *ConnectionManager) setStateLocked(to ConnectionState) {
	sc := StateChange{From: cm.state, To: to, Attempts: cm.attempts, Time: time.Now()}
	cm.state = to
	glog.V(1).Infof("Connection state: %s -> %s (attempts: %d)", sc.From, sc.To, sc.Attempts)
	for s := range cm.subs {
		select {
		case s.ch <- sc:
		default:
			glog.Warningf("State subscriber is not keeping up, dropped %s -> %s", sc.From, sc.To)
		}
	}
}

// Toggle connects if disconnected (or lost) and disconnects if connected.
// It is rejected while a connection attempt or a disconnect is in progress.
func (cm *ConnectionManager) Toggle(ctx context.Context) error {
	cm.mu.Lock()
	switch cm.state {
	case Connecting:
		cm.mu.Unlock()
		err := errorf(PreconditionFailed, "connection attempt already in progress")
		logf(cm.sink, "Connect rejected: %s", err)
		return err
	case Connected:
		ds := cm.session
		if ds.closing {
			cm.mu.Unlock()
			err := errorf(PreconditionFailed, "disconnect already in progress")
			logf(cm.sink, "Disconnect rejected: %s", err)
			return err
		}
		ds.closing = true
		cm.mu.Unlock()
		cm.teardown(ctx, ds)
		return nil
	}
	// Not an attempt: the state and the counter stay as they are.
	if !cm.host.SerialSupported() {
		cm.mu.Unlock()
		err := errorf(UnsupportedTransport, "serial ports are not supported on this host")
		cm.fail(err)
		return err
	}
	if cm.state == Lost {
		cm.setStateLocked(Disconnected)
	}
	cm.attempts++
	cm.setStateLocked(Connecting)
	cm.mu.Unlock()
	return errors.Trace(cm.connect(ctx))
}

// Disconnect tears down the session if there is one.
func (cm *ConnectionManager) Disconnect(ctx context.Context) error {
	cm.mu.Lock()
	idle := cm.state != Connected || cm.session.closing
	cm.mu.Unlock()
	if idle {
		return nil
	}
	return cm.Toggle(ctx)
}

func (cm *ConnectionManager) teardown(ctx context.Context, ds *DeviceSession) {
	var errs error
	if err := ds.stub.Disconnect(ctx); err != nil {
		errs = multierror.Append(errs, errors.Annotatef(err, "driver disconnect"))
	}
	if err := ds.transport.Close(); err != nil {
		errs = multierror.Append(errs, errors.Annotatef(err, "failed to close %s", ds.transport.Name()))
	}
	if errs != nil {
		glog.Errorf("Teardown of %s was not clean: %s", ds.transport.Name(), errs)
	}
	cm.mu.Lock()
	if cm.session == ds {
		cm.session = nil
		cm.setStateLocked(Disconnected)
	}
	cm.mu.Unlock()
	logf(cm.sink, "Disconnected")
}

func (cm *ConnectionManager) connect(ctx context.Context) error {
	logf(cm.sink, "Connecting to ESP32...")
	ds, err := cm.acquire(ctx)
	if err == nil {
		cm.mu.Lock()
		if ds.lost {
			// Device vanished before we got here.
			cm.mu.Unlock()
			ds.transport.Close()
			err = errorf(ConnectionLost, "device disconnected during handshake")
		} else {
			cm.session = ds
			cm.attempts = 0
			cm.setStateLocked(Connected)
			cm.mu.Unlock()
			logf(cm.sink, "Ready to flash")
			return nil
		}
	}
	cm.mu.Lock()
	cm.setStateLocked(Disconnected)
	cm.mu.Unlock()
	cm.fail(err)
	return err
}

func (cm *ConnectionManager) fail(err error) {
	logf(cm.sink, "Connection failed: %s", err)
	cm.sink.Notify(connectNotification(err))
	glog.Infof("Connection attempt failed: %+v", err)
}

func (cm *ConnectionManager) acquire(ctx context.Context) (*DeviceSession, error) {
	port, err := cm.host.ChoosePort(ctx)
	if err != nil {
		return nil, classify(err, NoPortSelected)
	}
	if port == "" {
		return nil, errorf(NoPortSelected, "No port selected")
	}
	t, err := cm.host.OpenPort(ctx, port, BaudRate)
	if err != nil {
		return nil, classify(errors.Annotatef(err, "failed to open %s", port), TransportError)
	}
	ok := false
	defer func() {
		if !ok {
			t.Close()
		}
	}()
	logf(cm.sink, "Opened %s", t.Name())

	drv := cm.newDriver(t)
	if err := drv.Initialize(ctx); err != nil {
		return nil, classify(err, HandshakeFailed)
	}
	mac, err := drv.MACAddr()
	if err != nil {
		return nil, classify(errors.Annotatef(err, "failed to read MAC address"), TransportError)
	}
	ds := &DeviceSession{chipName: drv.ChipName(), mac: mac, transport: t}
	logf(cm.sink, "Connected to %s", ds.chipName)
	logf(cm.sink, "MAC Address: %s", ds.MACString())

	stub, err := drv.RunStub(ctx)
	if err != nil {
		return nil, classify(errors.Annotatef(err, "failed to run flasher stub"), TransportError)
	}
	ds.stub = stub
	t.OnDisconnect(func() { cm.handleDisconnect(ds) })
	ok = true
	return ds, nil
}

// handleDisconnect is the transport's disconnect observer. It may run on any
// goroutine, at any time, including in the middle of a flash write.
func (cm *ConnectionManager) handleDisconnect(ds *DeviceSession) {
	cm.mu.Lock()
	ds.lost = true
	if cm.session != ds || ds.closing {
		cm.mu.Unlock()
		return
	}
	cm.session = nil
	cm.setStateLocked(Lost)
	cm.mu.Unlock()
	logf(cm.sink, "Connection lost")
	// The port is gone, this only releases our end of it.
	if err := ds.transport.Close(); err != nil {
		glog.V(1).Infof("Closing lost port %s: %s", ds.transport.Name(), err)
	}
}

func connectNotification(err error) Notification {
	n := Notification{Kind: NotifyError}
	switch KindOf(err) {
	case UnsupportedTransport:
		n.Message = "Serial ports are not supported on this host"
	case NoPortSelected:
		n.Message = "No port selected. Make sure ESP32 is connected via USB"
	case HandshakeFailed:
		n.Message = downloadModeHint
		n.Duration = actionableNotifyDuration
	default:
		n.Message = "Connection failed. Check USB connection and try again"
	}
	return n
}
