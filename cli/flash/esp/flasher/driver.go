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
	"io"
)

const (
	// ROM loader speed. We never switch to a higher rate.
	BaudRate = 115200
	// Where the application image lives in the default ESP32 partition layout.
	FirmwareOffset = 0x10000
)

// ProgressFunc is invoked by the driver as data is written.
type ProgressFunc func(written, total int)

// Transport is an open serial connection.
type Transport interface {
	io.ReadWriteCloser
	Name() string
	// OnDisconnect registers a handler invoked (at most once, from any
	// goroutine) when the underlying device goes away.
	OnDisconnect(handler func())
}

// Host is the environment the tool runs in: whether serial ports exist at
// all, how the user picks one and how it is opened.
type Host interface {
	SerialSupported() bool
	// ChoosePort asks the user for a port. Cancellation should be reported
	// as a NoPortSelected error.
	ChoosePort(ctx context.Context) (string, error)
	OpenPort(ctx context.Context, name string, baudRate uint) (Transport, error)
}

// Driver talks to the ROM loader over a Transport.
type Driver interface {
	// Initialize syncs with the ROM loader and identifies the chip.
	Initialize(ctx context.Context) error
	ChipName() string
	MACAddr() ([6]byte, error)
	// RunStub uploads and starts the flasher stub; the returned session
	// supersedes the driver for the rest of the connection.
	RunStub(ctx context.Context) (StubSession, error)
}

type StubSession interface {
	FlashData(ctx context.Context, data []byte, offset uint32, progress ProgressFunc) error
	Disconnect(ctx context.Context) error
}

type DriverFactory func(t Transport) Driver
