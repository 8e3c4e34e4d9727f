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
package rom_client

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/esp32-flasher/cli/flash/common"
	"github.com/mongoose-os/esp32-flasher/cli/flash/esp"
	"github.com/mongoose-os/esp32-flasher/cli/flash/esp/flasher"
)

type command uint8

const (
	cmdFlashBegin  command = 0x02
	cmdFlashData   command = 0x03
	cmdFlashEnd    command = 0x04
	cmdMemBegin    command = 0x05
	cmdMemEnd      command = 0x06
	cmdMemData     command = 0x07
	cmdSync        command = 0x08
	cmdWriteReg    command = 0x09
	cmdReadReg     command = 0x0a
	cmdSPIAttach   command = 0x0d
	cmdSPIFlashMD5 command = 0x13
)

func (c command) String() string {
	switch c {
	case cmdFlashBegin:
		return "FLASH_BEGIN"
	case cmdFlashData:
		return "FLASH_DATA"
	case cmdFlashEnd:
		return "FLASH_END"
	case cmdMemBegin:
		return "MEM_BEGIN"
	case cmdMemEnd:
		return "MEM_END"
	case cmdMemData:
		return "MEM_DATA"
	case cmdSync:
		return "SYNC"
	case cmdWriteReg:
		return "WRITE_REG"
	case cmdReadReg:
		return "READ_REG"
	case cmdSPIAttach:
		return "SPI_ATTACH"
	case cmdSPIFlashMD5:
		return "SPI_FLASH_MD5"
	}
	return fmt.Sprintf("CMD_0x%02x", uint8(c))
}

const (
	dirRequest  = 0x00
	dirResponse = 0x01

	checksumSeed = 0xef

	flashBlockSize  = 0x400
	flashSectorSize = 0x1000
	ramBlockSize    = 0x1800

	// ESP32 ROM appends 4 status bytes to every response, the stub only 2.
	romStatusLen  = 4
	stubStatusLen = 2

	syncReplyTimeout  = 100 * time.Millisecond
	syncDrainReplies  = 7
	eraseTimeoutPerMB = 30 * time.Second
	md5TimeoutPerMB   = 8 * time.Second

	maxResponseSize = 512
)

var syncPayload = append([]byte{0x07, 0x07, 0x12, 0x20}, bytes.Repeat([]byte{0x55}, 32)...)

// ROMClient speaks the ESP32 serial loader protocol, first to the mask ROM
// and, if a stub is configured, to the flasher stub after it has been started.
type ROMClient struct {
	t    flasher.Transport
	srw  *common.SLIPReaderWriter
	opts *esp.FlashOpts

	chip        esp.ChipType
	stubRunning bool
}

// NewDriverFactory returns a factory suitable for flasher.NewConnectionManager.
func NewDriverFactory(opts *esp.FlashOpts) flasher.DriverFactory {
	return func(t flasher.Transport) flasher.Driver {
		return NewROMClient(t, opts)
	}
}

func NewROMClient(t flasher.Transport, opts *esp.FlashOpts) *ROMClient {
	if opts == nil {
		opts = esp.DefaultFlashOpts()
	}
	srw := common.NewSLIPReaderWriter(t)
	if opts.ReadTimeout > 0 {
		srw.SetReadTimeout(opts.ReadTimeout)
	}
	return &ROMClient{t: t, srw: srw, opts: opts}
}

// Initialize gets the chip into the loader (if possible), syncs and identifies the chip.
func (rc *ROMClient) Initialize(ctx context.Context) error {
	if rc.opts.ResetIntoBootloader {
		rc.resetIntoBootloader()
	}
	if err := rc.sync(ctx); err != nil {
		return err
	}
	ct, err := esp.DetectChip(rc)
	if err != nil {
		return errors.Trace(err)
	}
	rc.chip = ct
	glog.Infof("Chip: %s", ct)
	return nil
}

func (rc *ROMClient) ChipName() string {
	return rc.chip.String()
}

func (rc *ROMClient) MACAddr() ([6]byte, error) {
	return esp.ReadMAC(rc)
}

// RunStub uploads and starts the stub if one is configured, then attaches SPI flash.
func (rc *ROMClient) RunStub(ctx context.Context) (flasher.StubSession, error) {
	if rc.opts.StubFile != "" {
		stub, err := LoadStub(rc.opts.StubFile)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := rc.runStub(ctx, stub); err != nil {
			return nil, errors.Annotatef(err, "failed to start stub")
		}
		rc.stubRunning = true
		glog.Infof("Stub is running")
	} else {
		glog.Infof("No stub configured, using ROM loader commands")
	}
	if err := rc.spiAttach(); err != nil {
		return nil, errors.Annotatef(err, "failed to attach SPI flash")
	}
	return &session{rc: rc}, nil
}

func (rc *ROMClient) ReadReg(reg uint32) (uint32, error) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, reg)
	resp, err := rc.command(cmdReadReg, data, 0, rc.srw.ReadTimeout())
	if err != nil {
		return 0, errors.Annotatef(err, "failed to read reg 0x%08x", reg)
	}
	glog.V(3).Infof("0x%08x = 0x%08x", reg, resp.value)
	return resp.value, nil
}

func (rc *ROMClient) WriteReg(reg, value uint32) error {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], reg)
	binary.LittleEndian.PutUint32(data[4:8], value)
	binary.LittleEndian.PutUint32(data[8:12], 0xffffffff) // mask
	binary.LittleEndian.PutUint32(data[12:16], 0)         // delay
	_, err := rc.command(cmdWriteReg, data, 0, rc.srw.ReadTimeout())
	return errors.Annotatef(err, "failed to write reg 0x%08x", reg)
}

type controlLines interface {
	SetDTR(bool) error
	SetRTS(bool) error
}

// resetIntoBootloader performs the classic DTR/RTS dance: DTR drives IO0 and
// RTS drives EN on most development boards.
func (rc *ROMClient) resetIntoBootloader() {
	cl, ok := rc.t.(controlLines)
	if !ok {
		return
	}
	inv := rc.opts.InvertedControlLines
	set := func(dtr, rts bool) {
		cl.SetDTR(dtr != inv)
		cl.SetRTS(rts != inv)
	}
	glog.V(1).Infof("Resetting into bootloader")
	set(false, true) // IO0=HIGH, EN=LOW
	time.Sleep(100 * time.Millisecond)
	set(true, false) // IO0=LOW, EN=HIGH
	time.Sleep(50 * time.Millisecond)
	set(false, false)
}

func (rc *ROMClient) sync(ctx context.Context) error {
	attempts := rc.opts.SyncAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		if err := rc.sendCommand(cmdSync, syncPayload, 0); err != nil {
			return errors.Trace(err)
		}
		_, err := rc.recvResponse(cmdSync, syncReplyTimeout)
		if err == nil {
			// ROM sends a reply for each of the 8 sync packets it sees, ignore the rest.
			for j := 0; j < syncDrainReplies; j++ {
				if _, err := rc.recvResponse(cmdSync, syncReplyTimeout); err != nil {
					break
				}
			}
			glog.V(1).Infof("Synced after %d attempt(s)", i)
			return nil
		}
		if !errors.IsTimeout(errors.Cause(err)) {
			return errors.Annotatef(err, "read failed")
		}
		glog.V(2).Infof("Sync attempt %d/%d: %s", i, attempts, err)
	}
	return flasher.NewError(flasher.HandshakeFailed,
		errors.Errorf("Couldn't sync to ESP32 after %d attempts. Is it in download mode?", attempts))
}

func (rc *ROMClient) spiAttach() error {
	// ROM wants an extra word, the stub does not.
	n := 8
	if rc.stubRunning {
		n = 4
	}
	_, err := rc.command(cmdSPIAttach, make([]byte, n), 0, rc.srw.ReadTimeout())
	return errors.Trace(err)
}

type response struct {
	cmd   command
	value uint32
	data  []byte
}

func (rc *ROMClient) statusLen() int {
	if rc.stubRunning {
		return stubStatusLen
	}
	return romStatusLen
}

func (rc *ROMClient) sendCommand(cmd command, data []byte, csum uint32) error {
	pkt := make([]byte, 8+len(data))
	pkt[0] = dirRequest
	pkt[1] = byte(cmd)
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(pkt[4:8], csum)
	copy(pkt[8:], data)
	glog.V(3).Infof("=> %s (%d)", cmd, len(data))
	_, err := rc.srw.Write(pkt)
	return errors.Trace(err)
}

// recvResponse waits for a response to cmd, skipping anything else.
func (rc *ROMClient) recvResponse(cmd command, timeout time.Duration) (*response, error) {
	buf := make([]byte, maxResponseSize)
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.Timeoutf("waiting for %s response", cmd)
		}
		n, err := rc.srw.ReadWithTimeout(buf, remaining)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if n < 8 || buf[0] != dirResponse {
			glog.V(3).Infof("Invalid packet %s, ignored", common.LimitStr(buf[:n], 16))
			continue
		}
		if command(buf[1]) != cmd {
			glog.V(3).Infof("Unexpected %s response while waiting for %s, ignored", command(buf[1]), cmd)
			continue
		}
		size := int(binary.LittleEndian.Uint16(buf[2:4]))
		body := buf[8:n]
		if size < len(body) {
			body = body[:size]
		}
		sl := rc.statusLen()
		if len(body) < sl {
			return nil, errors.Errorf("%s: short response (%d bytes)", cmd, len(body))
		}
		status := body[len(body)-sl:]
		if status[0] != 0 {
			return nil, errors.Errorf("%s failed: %s (0x%02x)", cmd, errorMessage(status[1]), status[1])
		}
		resp := &response{
			cmd:   cmd,
			value: binary.LittleEndian.Uint32(buf[4:8]),
			data:  append([]byte(nil), body[:len(body)-sl]...),
		}
		glog.V(3).Infof("<= %s 0x%08x (%d)", cmd, resp.value, len(resp.data))
		return resp, nil
	}
}

func (rc *ROMClient) command(cmd command, data []byte, csum uint32, timeout time.Duration) (*response, error) {
	if err := rc.sendCommand(cmd, data, csum); err != nil {
		return nil, errors.Trace(err)
	}
	return rc.recvResponse(cmd, timeout)
}

func errorMessage(code byte) string {
	switch code {
	case 0x05:
		return "invalid message"
	case 0x06:
		return "failed to act"
	case 0x07:
		return "invalid CRC"
	case 0x08:
		return "flash write error"
	case 0x09:
		return "flash read error"
	case 0x0a:
		return "flash read length error"
	case 0x0b:
		return "deflate error"
	}
	return "unknown error"
}

func checksum(data []byte) uint32 {
	cs := uint32(checksumSeed)
	for _, b := range data {
		cs ^= uint32(b)
	}
	return cs
}

// timeoutForSize scales the per-megabyte timeout to size, never going below base.
func timeoutForSize(base, perMB time.Duration, size int) time.Duration {
	t := time.Duration(int64(perMB) * int64(size) / (1024 * 1024))
	if t < base {
		return base
	}
	return t
}

// blockHeader is the common header of MEM_DATA and FLASH_DATA.
func blockHeader(dataLen, seq int) []byte {
	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(dataLen))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(seq))
	return hdr
}

func beginArgs(size, numBlocks, blockSize int, offset uint32) []byte {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], uint32(size))
	binary.LittleEndian.PutUint32(data[4:8], uint32(numBlocks))
	binary.LittleEndian.PutUint32(data[8:12], uint32(blockSize))
	binary.LittleEndian.PutUint32(data[12:16], offset)
	return data
}
