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
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectSuccess(t *testing.T) {
	r := newTestRig()
	ch, unsub := r.cm.Subscribe()
	defer unsub()

	require.NoError(t, r.cm.Toggle(context.Background()))

	assert.Equal(t, []ConnectionState{Connecting, Connected}, drain(ch))
	if got, want := r.cm.State(), Connected; got != want {
		t.Errorf("got: %s, want: %s", got, want)
	}
	if got, want := r.cm.Attempts(), 0; got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
	ds := r.cm.Session()
	require.NotNil(t, ds)
	assert.Equal(t, "ESP32", ds.ChipName())
	assert.Equal(t, "24:0A:C4:01:AB:CD", ds.MACString())
	assert.Equal(t, "/dev/ttyUSB0", ds.PortName())

	assertLines(t, []string{
		"Connecting to ESP32...",
		"Opened /dev/ttyUSB0",
		"Connected to ESP32",
		"MAC Address: 24:0A:C4:01:AB:CD",
		"Ready to flash",
	}, r.sink.messages())
	assert.Empty(t, r.sink.notes())
}

func TestConnectHandshakeFailed(t *testing.T) {
	r := newTestRig()
	r.driver.initErr = errors.New("Failed to connect to ESP32: Couldn't sync to ROM loader")
	ch, unsub := r.cm.Subscribe()
	defer unsub()

	err := r.cm.Toggle(context.Background())
	require.Error(t, err)
	assert.Equal(t, HandshakeFailed, KindOf(err))

	assert.Equal(t, []ConnectionState{Connecting, Disconnected}, drain(ch))
	assert.Equal(t, 1, r.cm.Attempts())
	assert.Nil(t, r.cm.Session())

	notes := r.sink.notes()
	require.Len(t, notes, 1)
	assert.Equal(t, NotifyError, notes[0].Kind)
	assert.Contains(t, notes[0].Message, "download mode")
	assert.Equal(t, 8*time.Second, notes[0].Duration)

	msgs := r.sink.messages()
	assert.Contains(t, msgs[len(msgs)-1], "Connection failed: ")
	assert.Contains(t, msgs[len(msgs)-1], "Couldn't sync")

	// The port opened for the attempt has been released.
	assert.True(t, r.host.last().isClosed())
}

func TestConnectNonSyncInitErrorIsTransportError(t *testing.T) {
	r := newTestRig()
	r.driver.initErr = errors.New("read /dev/ttyUSB0: input/output error")

	err := r.cm.Toggle(context.Background())
	assert.Equal(t, TransportError, KindOf(err))
	notes := r.sink.notes()
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Message, "Check USB connection")
	assert.Zero(t, notes[0].Duration)
}

func TestConnectNoPortSelected(t *testing.T) {
	r := newTestRig()
	r.host.chooseErr = errors.New("No port selected")

	err := r.cm.Toggle(context.Background())
	assert.Equal(t, NoPortSelected, KindOf(err))
	assert.Equal(t, Disconnected, r.cm.State())
	assert.Equal(t, 1, r.cm.Attempts())
	assert.Nil(t, r.host.last())

	notes := r.sink.notes()
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Message, "No port selected")
}

func TestConnectUnsupportedTransport(t *testing.T) {
	r := newTestRig()
	r.host.unsupported = true
	ch, unsub := r.cm.Subscribe()
	defer unsub()

	err := r.cm.Toggle(context.Background())
	assert.Equal(t, UnsupportedTransport, KindOf(err))
	assert.False(t, KindOf(err).Retryable())
	assert.Equal(t, Disconnected, r.cm.State())
	assert.Empty(t, drain(ch))
	if got, want := r.cm.Attempts(), 0; got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
	assert.Nil(t, r.host.last())

	msgs := r.sink.messages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "Connection failed: "), msgs[0])
	notes := r.sink.notes()
	require.Len(t, notes, 1)
	assert.Equal(t, NotifyError, notes[0].Kind)
	assert.Contains(t, notes[0].Message, "not supported")
}

func TestConnectStubFailureClosesPort(t *testing.T) {
	r := newTestRig()
	r.driver.stubErr = errors.New("stub did not start")

	err := r.cm.Toggle(context.Background())
	assert.Equal(t, TransportError, KindOf(err))
	assert.True(t, r.host.last().isClosed())
	assert.Equal(t, Disconnected, r.cm.State())
}

func TestAttemptsAccumulateAndReset(t *testing.T) {
	r := newTestRig()
	r.driver.initErr = errors.New("Couldn't sync")
	for i := 1; i <= 3; i++ {
		require.Error(t, r.cm.Toggle(context.Background()))
		if got, want := r.cm.Attempts(), i; got != want {
			t.Errorf("got: %d, want: %d", got, want)
		}
	}
	r.driver.initErr = nil
	require.NoError(t, r.cm.Toggle(context.Background()))
	assert.Equal(t, 0, r.cm.Attempts())
}

func TestToggleDisconnects(t *testing.T) {
	r := newTestRig()
	require.NoError(t, r.cm.Toggle(context.Background()))
	stub := r.driver.stub
	tr := r.host.last()

	ch, unsub := r.cm.Subscribe()
	defer unsub()
	require.NoError(t, r.cm.Toggle(context.Background()))

	assert.Equal(t, []ConnectionState{Disconnected}, drain(ch))
	assert.Nil(t, r.cm.Session())
	assert.True(t, stub.disconnected)
	assert.True(t, tr.isClosed())
	msgs := r.sink.messages()
	assert.Equal(t, "Disconnected", msgs[len(msgs)-1])

	// Device going away after an orderly disconnect is not a loss.
	tr.unplug()
	assert.Equal(t, Disconnected, r.cm.State())
}

func TestToggleRejectedWhileConnecting(t *testing.T) {
	r := newTestRig()
	entered := make(chan struct{})
	release := make(chan struct{})
	r.driver.initHook = func() {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() { done <- r.cm.Toggle(context.Background()) }()
	<-entered

	assert.Equal(t, Connecting, r.cm.State())
	err := r.cm.Toggle(context.Background())
	assert.Equal(t, PreconditionFailed, KindOf(err))
	assert.Equal(t, Connecting, r.cm.State())
	assert.Equal(t, 1, r.cm.Attempts())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Connected, r.cm.State())
}

func TestConnectionLostAndReconnect(t *testing.T) {
	r := newTestRig()
	require.NoError(t, r.cm.Toggle(context.Background()))
	tr := r.host.last()

	ch, unsub := r.cm.Subscribe()
	defer unsub()
	tr.unplug()

	assert.Equal(t, Lost, r.cm.State())
	assert.Nil(t, r.cm.Session())
	assert.True(t, tr.isClosed())
	assert.Contains(t, r.sink.messages(), "Connection lost")

	require.NoError(t, r.cm.Toggle(context.Background()))
	assert.Equal(t, []ConnectionState{Lost, Disconnected, Connecting, Connected}, drain(ch))
}

func TestToggleRejectedWhileDisconnecting(t *testing.T) {
	r := newTestRig()
	require.NoError(t, r.cm.Toggle(context.Background()))
	stub := r.driver.stub
	entered := make(chan struct{})
	release := make(chan struct{})
	stub.disconnectHook = func() {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() { done <- r.cm.Toggle(context.Background()) }()
	<-entered

	err := r.cm.Toggle(context.Background())
	assert.Equal(t, PreconditionFailed, KindOf(err))
	assert.Contains(t, err.Error(), "disconnect already in progress")
	require.NoError(t, r.cm.Disconnect(context.Background()))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Disconnected, r.cm.State())
	assert.Equal(t, 1, stub.disconnects)
	n := 0
	for _, m := range r.sink.messages() {
		if m == "Disconnected" {
			n++
		}
	}
	if got, want := n, 1; got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
}

func TestDisconnectWhenNotConnectedIsNoop(t *testing.T) {
	r := newTestRig()
	require.NoError(t, r.cm.Disconnect(context.Background()))
	assert.Equal(t, Disconnected, r.cm.State())
	assert.Equal(t, 0, r.sink.Len())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := newTestRig()
	ch, unsub := r.cm.Subscribe()
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	// Transitions after unsubscribing must not panic.
	require.NoError(t, r.cm.Toggle(context.Background()))
}

func TestKindOfThroughAnnotations(t *testing.T) {
	base := errorf(HandshakeFailed, "Couldn't sync")
	for _, err := range []error{
		base,
		errors.Trace(base),
		errors.Annotatef(base, "connect"),
		errors.Annotatef(errors.Trace(base), "outer"),
	} {
		if got, want := KindOf(err), HandshakeFailed; got != want {
			t.Errorf("%v: got: %s, want: %s", err, got, want)
		}
	}
	assert.Equal(t, ErrorKind(0), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(0), KindOf(nil))
	assert.True(t, IsKind(errors.Trace(base), HandshakeFailed))
}

func TestClassify(t *testing.T) {
	for i, c := range []struct {
		err  error
		def  ErrorKind
		want ErrorKind
	}{
		{errors.New("Couldn't sync to ESP32"), HandshakeFailed, HandshakeFailed},
		{errors.New("timed out"), HandshakeFailed, TransportError},
		{errors.New("No port selected"), TransportError, NoPortSelected},
		{errorf(FlashFailed, "x"), HandshakeFailed, FlashFailed},
		{errors.New("boom"), TransportError, TransportError},
	} {
		if got := KindOf(classify(c.err, c.def)); got != c.want {
			t.Errorf("%d: got: %s, want: %s", i, got, c.want)
		}
	}
	assert.Nil(t, classify(nil, TransportError))
}

func TestFormatMAC(t *testing.T) {
	if got, want := FormatMAC([6]byte{0, 1, 0xa, 0xff, 0x10, 0x7f}), "00:01:0A:FF:10:7F"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}
