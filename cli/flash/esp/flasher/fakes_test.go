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
	"strings"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/sergi/go-diff/diffmatchpatch"
)

type fakeTransport struct {
	name string

	mu       sync.Mutex
	closed   bool
	handlers []func()
}

func (t *fakeTransport) Read(buf []byte) (int, error)  { return 0, errors.NotImplementedf("read") }
func (t *fakeTransport) Write(buf []byte) (int, error) { return len(buf), nil }
func (t *fakeTransport) Name() string                  { return t.name }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) OnDisconnect(h func()) {
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
}

// unplug simulates the device going away.
func (t *fakeTransport) unplug() {
	t.mu.Lock()
	hh := t.handlers
	t.handlers = nil
	t.mu.Unlock()
	for _, h := range hh {
		h()
	}
}

type fakeHost struct {
	unsupported bool
	chooseErr   error
	openErr     error

	mu         sync.Mutex
	transports []*fakeTransport
}

func (h *fakeHost) SerialSupported() bool { return !h.unsupported }

func (h *fakeHost) ChoosePort(ctx context.Context) (string, error) {
	if h.chooseErr != nil {
		return "", h.chooseErr
	}
	return "/dev/ttyUSB0", nil
}

func (h *fakeHost) OpenPort(ctx context.Context, name string, baudRate uint) (Transport, error) {
	if h.openErr != nil {
		return nil, h.openErr
	}
	t := &fakeTransport{name: name}
	h.mu.Lock()
	h.transports = append(h.transports, t)
	h.mu.Unlock()
	return t, nil
}

func (h *fakeHost) last() *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.transports) == 0 {
		return nil
	}
	return h.transports[len(h.transports)-1]
}

type progressReport struct {
	written, total int
}

type fakeStub struct {
	// Reported in order; unplug is invoked before the report at unplugAt, if set.
	reports   []progressReport
	unplugAt  int
	unplug    func()
	err       error
	blockCh   chan struct{}
	startedCh chan struct{}
	// Called from Disconnect, if set.
	disconnectHook func()

	mu           sync.Mutex
	disconnected bool
	disconnects  int
	gotOffset    uint32
	gotLen       int
}

func (s *fakeStub) FlashData(ctx context.Context, data []byte, offset uint32, progress ProgressFunc) error {
	s.mu.Lock()
	s.gotOffset, s.gotLen = offset, len(data)
	s.mu.Unlock()
	if s.startedCh != nil {
		close(s.startedCh)
	}
	if s.blockCh != nil {
		<-s.blockCh
	}
	for i, r := range s.reports {
		if s.unplug != nil && i == s.unplugAt {
			s.unplug()
		}
		progress(r.written, r.total)
	}
	return s.err
}

func (s *fakeStub) Disconnect(ctx context.Context) error {
	if s.disconnectHook != nil {
		s.disconnectHook()
	}
	s.mu.Lock()
	s.disconnected = true
	s.disconnects++
	s.mu.Unlock()
	return nil
}

type fakeDriver struct {
	initErr  error
	stubErr  error
	initHook func()
	stub     *fakeStub
}

func (d *fakeDriver) Initialize(ctx context.Context) error {
	if d.initHook != nil {
		d.initHook()
	}
	return d.initErr
}

func (d *fakeDriver) ChipName() string { return "ESP32" }

func (d *fakeDriver) MACAddr() ([6]byte, error) {
	return [6]byte{0x24, 0x0a, 0xc4, 0x01, 0xab, 0xcd}, nil
}

func (d *fakeDriver) RunStub(ctx context.Context) (StubSession, error) {
	if d.stubErr != nil {
		return nil, d.stubErr
	}
	return d.stub, nil
}

type recordingSink struct {
	LogBuffer

	mu            sync.Mutex
	notifications []Notification
}

func (s *recordingSink) Notify(n Notification) {
	s.mu.Lock()
	s.notifications = append(s.notifications, n)
	s.mu.Unlock()
}

func (s *recordingSink) notes() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.notifications...)
}

func (s *recordingSink) messages() []string {
	var res []string
	for _, e := range s.Entries() {
		res = append(res, e.Message)
	}
	return res
}

type testRig struct {
	host   *fakeHost
	driver *fakeDriver
	sink   *recordingSink
	cm     *ConnectionManager
	fc     *FlashController
}

func newTestRig() *testRig {
	r := &testRig{
		host:   &fakeHost{},
		driver: &fakeDriver{stub: &fakeStub{}},
		sink:   &recordingSink{},
	}
	r.cm = NewConnectionManager(r.host, func(t Transport) Driver { return r.driver }, r.sink)
	r.fc = NewFlashController(r.cm, r.sink)
	return r
}

func drain(ch <-chan StateChange) []ConnectionState {
	var res []ConnectionState
	for {
		select {
		case sc := <-ch:
			res = append(res, sc.To)
		default:
			return res
		}
	}
}

// assertLines compares log lines, showing a diff on mismatch.
func assertLines(t *testing.T, want, got []string) {
	t.Helper()
	ws, gs := strings.Join(want, "\n")+"\n", strings.Join(got, "\n")+"\n"
	if ws == gs {
		return
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(ws, gs, false)
	t.Errorf("log mismatch:\n%s", dmp.DiffPrettyText(diffs))
}
