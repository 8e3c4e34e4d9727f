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
	"context"
	"encoding/binary"
	"encoding/json"
	"io/ioutil"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const stubGreeting = "OHAI"

// Stub is a flasher stub image in the JSON format used by esptool.
// Text and Data are base64-encoded in the file.
type Stub struct {
	Text      []byte `json:"text"`
	TextStart uint32 `json:"text_start"`
	Data      []byte `json:"data"`
	DataStart uint32 `json:"data_start"`
	Entry     uint32 `json:"entry"`
}

func LoadStub(fileName string) (*Stub, error) {
	js, err := ioutil.ReadFile(fileName)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read stub")
	}
	return ParseStub(js)
}

func ParseStub(js []byte) (*Stub, error) {
	var s Stub
	if err := json.Unmarshal(js, &s); err != nil {
		return nil, errors.Annotatef(err, "invalid stub")
	}
	if len(s.Text) == 0 || s.Entry == 0 {
		return nil, errors.Errorf("invalid stub: no code or entry point")
	}
	return &s, nil
}

func (rc *ROMClient) runStub(ctx context.Context, s *Stub) error {
	glog.Infof("Uploading stub: text %d @ 0x%08x, data %d @ 0x%08x, entry 0x%08x",
		len(s.Text), s.TextStart, len(s.Data), s.DataStart, s.Entry)
	for _, seg := range []struct {
		addr uint32
		data []byte
	}{{s.TextStart, s.Text}, {s.DataStart, s.Data}} {
		if len(seg.data) == 0 {
			continue
		}
		if err := rc.writeMem(ctx, seg.addr, seg.data); err != nil {
			return errors.Annotatef(err, "failed to write %d @ 0x%08x", len(seg.data), seg.addr)
		}
	}
	end := make([]byte, 8)
	binary.LittleEndian.PutUint32(end[0:4], 0) // 0 = jump to entry
	binary.LittleEndian.PutUint32(end[4:8], s.Entry)
	if _, err := rc.command(cmdMemEnd, end, 0, rc.srw.ReadTimeout()); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(rc.waitForGreeting())
}

func (rc *ROMClient) writeMem(ctx context.Context, addr uint32, data []byte) error {
	numBlocks := (len(data) + ramBlockSize - 1) / ramBlockSize
	if _, err := rc.command(cmdMemBegin, beginArgs(len(data), numBlocks, ramBlockSize, addr), 0, rc.srw.ReadTimeout()); err != nil {
		return errors.Trace(err)
	}
	for seq := 0; seq < numBlocks; seq++ {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		start := seq * ramBlockSize
		end := start + ramBlockSize
		if end > len(data) {
			end = len(data)
		}
		block := data[start:end]
		pkt := append(blockHeader(len(block), seq), block...)
		if _, err := rc.command(cmdMemData, pkt, checksum(block), rc.srw.ReadTimeout()); err != nil {
			return errors.Annotatef(err, "block %d", seq)
		}
	}
	return nil
}

func (rc *ROMClient) waitForGreeting() error {
	buf := make([]byte, maxResponseSize)
	deadline := time.Now().Add(rc.srw.ReadTimeout())
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.Timeoutf("waiting for stub greeting")
		}
		n, err := rc.srw.ReadWithTimeout(buf, remaining)
		if err != nil {
			return errors.Annotatef(err, "no greeting from stub")
		}
		if string(buf[:n]) == stubGreeting {
			return nil
		}
		glog.V(2).Infof("Unexpected packet while waiting for stub: %q", buf[:n])
	}
}
