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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cesanta/go-serial/serial"
	"github.com/golang/glog"
	"github.com/juju/errors"
	flock "github.com/theckman/go-flock"

	"github.com/mongoose-os/esp32-flasher/cli/flash/esp/flasher"
	"github.com/mongoose-os/esp32-flasher/cli/ourutil"
)

const interCharacterTimeout = 100 * time.Millisecond

// serialTransport is a flasher.Transport on top of a serial port.
type serialTransport struct {
	name string
	port io.ReadWriteCloser
	// Control lines, nil if not available.
	ctl  serial.Serial
	lock *flock.Flock

	// Underlying serial port implementation allows concurrent Read/Write, but
	// calling Close while Read/Write is in progress results in a race. For
	// either Read or Write we lock it for reading, but for Close we lock it
	// for writing.
	closeLock   sync.RWMutex
	isClosed    bool
	lastEOFTime time.Time

	mu       sync.Mutex
	lost     bool
	handlers []func()
	done     chan struct{}
}

func lockFileName(portName string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("esp32-flasher-%s.lock", ourutil.FileNameFromString(portName)))
}

func (h *SerialHost) openSerial(name string, baudRate uint) (flasher.Transport, error) {
	fl := flock.NewFlock(lockFileName(name))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to lock %s", name)
	}
	if !locked {
		return nil, errors.Errorf("%s is in use by another flasher", name)
	}
	glog.Infof("Opening %s @ %d...", name, baudRate)
	s, err := serial.Open(serial.OpenOptions{
		PortName:              name,
		BaudRate:              baudRate,
		DataBits:              8,
		ParityMode:            serial.PARITY_NONE,
		StopBits:              1,
		HardwareFlowControl:   false,
		InterCharacterTimeout: uint(interCharacterTimeout / time.Millisecond),
		MinimumReadSize:       0,
	})
	if err != nil {
		fl.Unlock()
		return nil, errors.Annotatef(err, "failed to open %s", name)
	}
	bFalse := h.InvertedControlLines
	s.SetDTR(bFalse)
	s.SetRTS(bFalse)
	// Flush any data that might be not yet read
	s.Flush()
	t := newSerialTransport(name, s, s, fl)
	go t.watch(h.WatchInterval, portPresent)
	return t, nil
}

func newSerialTransport(name string, port io.ReadWriteCloser, ctl serial.Serial, lock *flock.Flock) *serialTransport {
	return &serialTransport{
		name: name,
		port: port,
		ctl:  ctl,
		lock: lock,
		done: make(chan struct{}),
	}
}

func (t *serialTransport) Name() string {
	return t.name
}

func (t *serialTransport) connRead(buf []byte) (int, error) {
	// Keep holding closeLock while Reading (see comment for closeLock)
	t.closeLock.RLock()
	defer t.closeLock.RUnlock()
	if t.isClosed {
		return 0, errors.Errorf("%s is closed", t.name)
	}
	return t.port.Read(buf)
}

// Read returns (0, nil) when no data arrived within the inter-character timeout.
func (t *serialTransport) Read(buf []byte) (int, error) {
	n, err := t.connRead(buf)

	// We keep getting io.EOF after interCharacterTimeout, and in order to
	// detect the actual EOF, we check the time of the previous pseudo-EOF.
	// If it's shorter than the half of the interCharacterTimeout, we assume
	// it's a real EOF.
	if errors.Cause(err) == io.EOF {
		now := time.Now()
		if !t.lastEOFTime.Add(interCharacterTimeout / 2).After(now) {
			err = nil
		}
		t.lastEOFTime = now
	}
	if err != nil {
		t.fail(err)
	}
	return n, errors.Trace(err)
}

func (t *serialTransport) Write(buf []byte) (int, error) {
	t.closeLock.RLock()
	if t.isClosed {
		t.closeLock.RUnlock()
		return 0, errors.Errorf("%s is closed", t.name)
	}
	n, err := t.port.Write(buf)
	t.closeLock.RUnlock()
	if err != nil {
		t.fail(err)
	}
	return n, errors.Trace(err)
}

func (t *serialTransport) SetDTR(v bool) error {
	if t.ctl != nil {
		t.ctl.SetDTR(v)
	}
	return nil
}

func (t *serialTransport) SetRTS(v bool) error {
	if t.ctl != nil {
		t.ctl.SetRTS(v)
	}
	return nil
}

func (t *serialTransport) Close() error {
	// Close can't be called concurrently with Read/Write, so, lock closeLock
	// for writing.
	t.closeLock.Lock()
	defer t.closeLock.Unlock()
	if t.isClosed {
		return nil
	}
	t.isClosed = true
	close(t.done)
	err := t.port.Close()
	if t.lock != nil {
		if uerr := t.lock.Unlock(); uerr != nil {
			glog.Errorf("Failed to unlock %s: %s", t.name, uerr)
		}
	}
	glog.Infof("%s closed", t.name)
	return errors.Trace(err)
}

func (t *serialTransport) OnDisconnect(handler func()) {
	t.mu.Lock()
	lost := t.lost
	if !lost {
		t.handlers = append(t.handlers, handler)
	}
	t.mu.Unlock()
	if lost {
		go handler()
	}
}

// fail marks the port as gone and notifies observers, once.
// Errors after Close are ours, not the device's.
func (t *serialTransport) fail(err error) {
	t.closeLock.RLock()
	closed := t.isClosed
	t.closeLock.RUnlock()
	if closed {
		return
	}
	t.mu.Lock()
	if t.lost {
		t.mu.Unlock()
		return
	}
	t.lost = true
	hh := t.handlers
	t.handlers = nil
	t.mu.Unlock()
	glog.Errorf("%s: device lost: %s", t.name, err)
	for _, h := range hh {
		h()
	}
}

// watch polls for the presence of the port until it is closed.
func (t *serialTransport) watch(interval time.Duration, present func(name string) bool) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if !present(t.name) {
				t.fail(errors.Errorf("%s disappeared", t.name))
				return
			}
		}
	}
}
