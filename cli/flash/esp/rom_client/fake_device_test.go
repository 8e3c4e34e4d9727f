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
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/mongoose-os/esp32-flasher/cli/flash/common"
	"github.com/mongoose-os/esp32-flasher/cli/flash/esp"
)

const fakeFlashSize = 0x40000

// fakeDevice emulates enough of the ESP32 ROM loader and stub to exercise
// ROMClient. It implements flasher.Transport.
type fakeDevice struct {
	mu sync.Mutex

	in  []byte
	out bytes.Buffer

	// Not in download mode: ignores everything.
	silent     bool
	corruptMD5 bool
	failSeq    int

	regs      map[uint32]uint32
	flash     []byte
	mem       map[uint32][]byte
	stub      bool
	cmds      []command
	memEntry  uint32
	wrOffset  uint32
	wrBlkSize uint32
	dtr, rts  []bool
	closed    bool
	handlers  []func()
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		failSeq: -1,
		regs: map[uint32]uint32{
			esp.ChipMagicRegister: esp.ESP32ChipMagic,
			0x3ff5a004:            0xc401abcd,
			0x3ff5a008:            0x0000240a,
		},
		flash: bytes.Repeat([]byte{0}, fakeFlashSize),
		mem:   map[uint32][]byte{},
	}
}

func (d *fakeDevice) Name() string { return "fake" }

func (d *fakeDevice) Read(buf []byte) (int, error) {
	d.mu.Lock()
	if d.out.Len() == 0 {
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer d.mu.Unlock()
	return d.out.Read(buf)
}

func (d *fakeDevice) Write(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errors.New("closed")
	}
	d.in = append(d.in, buf...)
	for {
		start := bytes.IndexByte(d.in, 0xc0)
		if start < 0 {
			break
		}
		end := bytes.IndexByte(d.in[start+1:], 0xc0)
		if end < 0 {
			break
		}
		frame := d.in[start+1 : start+1+end]
		d.in = d.in[start+1+end+1:]
		if len(frame) == 0 {
			continue
		}
		d.handle(unslip(frame))
	}
	return len(buf), nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) OnDisconnect(h func()) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

func (d *fakeDevice) SetDTR(v bool) error {
	d.mu.Lock()
	d.dtr = append(d.dtr, v)
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) SetRTS(v bool) error {
	d.mu.Lock()
	d.rts = append(d.rts, v)
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) commands() []command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]command(nil), d.cmds...)
}

func unslip(frame []byte) []byte {
	var res []byte
	for i := 0; i < len(frame); i++ {
		b := frame[i]
		if b == 0xdb && i+1 < len(frame) {
			i++
			switch frame[i] {
			case 0xdc:
				b = 0xc0
			case 0xdd:
				b = 0xdb
			}
		}
		res = append(res, b)
	}
	return res
}

func (d *fakeDevice) respond(cmd command, value uint32, data []byte, errCode byte) {
	statusLen := romStatusLen
	if d.stub {
		statusLen = stubStatusLen
	}
	status := make([]byte, statusLen)
	if errCode != 0 {
		status[0], status[1] = 1, errCode
	}
	body := append(append([]byte(nil), data...), status...)
	pkt := make([]byte, 8, 8+len(body))
	pkt[0] = dirResponse
	pkt[1] = byte(cmd)
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(body)))
	binary.LittleEndian.PutUint32(pkt[4:8], value)
	d.out.Write(common.EncodeSLIP(append(pkt, body...)))
}

func (d *fakeDevice) handle(pkt []byte) {
	if d.silent || len(pkt) < 8 {
		return
	}
	cmd := command(pkt[1])
	csum := binary.LittleEndian.Uint32(pkt[4:8])
	data := pkt[8:]
	u32 := func(i int) uint32 { return binary.LittleEndian.Uint32(data[i*4 : i*4+4]) }
	d.cmds = append(d.cmds, cmd)
	switch cmd {
	case cmdSync:
		for i := 0; i < 8; i++ {
			d.respond(cmd, 0, nil, 0)
		}
	case cmdReadReg:
		d.respond(cmd, d.regs[u32(0)], nil, 0)
	case cmdWriteReg:
		d.regs[u32(0)] = u32(1)
		d.respond(cmd, 0, nil, 0)
	case cmdSPIAttach, cmdFlashEnd:
		d.respond(cmd, 0, nil, 0)
	case cmdMemBegin:
		d.wrOffset, d.wrBlkSize = u32(3), u32(2)
		d.respond(cmd, 0, nil, 0)
	case cmdMemData:
		n, seq := u32(0), u32(1)
		block := data[16 : 16+n]
		if checksum(block) != csum {
			d.respond(cmd, 0, nil, 0x07)
			return
		}
		d.mem[d.wrOffset+seq*d.wrBlkSize] = append([]byte(nil), block...)
		d.respond(cmd, 0, nil, 0)
	case cmdMemEnd:
		d.memEntry = u32(1)
		d.respond(cmd, 0, nil, 0)
		d.stub = true
		d.out.Write(common.EncodeSLIP([]byte(stubGreeting)))
	case cmdFlashBegin:
		eraseSize, offset := u32(0), u32(3)
		d.wrOffset, d.wrBlkSize = offset, u32(2)
		for i := offset; i < offset+eraseSize; i++ {
			d.flash[i] = 0xff
		}
		d.respond(cmd, 0, nil, 0)
	case cmdFlashData:
		n, seq := u32(0), u32(1)
		block := data[16 : 16+n]
		if checksum(block) != csum {
			d.respond(cmd, 0, nil, 0x07)
			return
		}
		if int(seq) == d.failSeq {
			d.respond(cmd, 0, nil, 0x08)
			return
		}
		copy(d.flash[d.wrOffset+seq*d.wrBlkSize:], block)
		d.respond(cmd, 0, nil, 0)
	case cmdSPIFlashMD5:
		addr, size := u32(0), u32(1)
		digest := md5.Sum(d.flash[addr : addr+size])
		if d.corruptMD5 {
			digest[0] ^= 0xff
		}
		if d.stub {
			d.respond(cmd, 0, digest[:], 0)
		} else {
			d.respond(cmd, 0, []byte(hex.EncodeToString(digest[:])), 0)
		}
	default:
		d.respond(cmd, 0, nil, 0x05)
	}
}
