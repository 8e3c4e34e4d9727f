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
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/esp32-flasher/cli/flash/esp/flasher"
)

// session is the flashing side of a ROMClient, valid once RunStub has succeeded.
type session struct {
	rc *ROMClient
}

// FlashData erases the region and writes data in 1 KiB blocks, then checks
// the MD5 of what ended up in flash.
func (s *session) FlashData(ctx context.Context, data []byte, offset uint32, progress flasher.ProgressFunc) error {
	rc := s.rc
	total := len(data)
	if total == 0 {
		return errors.Errorf("nothing to write")
	}
	if offset%flashSectorSize != 0 {
		return errors.Errorf("offset 0x%x is not on a sector boundary", offset)
	}
	numBlocks := (total + flashBlockSize - 1) / flashBlockSize
	eraseSize := (total + flashSectorSize - 1) / flashSectorSize * flashSectorSize

	glog.V(1).Infof("Erasing %d @ 0x%x", eraseSize, offset)
	eraseTimeout := timeoutForSize(rc.srw.ReadTimeout(), eraseTimeoutPerMB, eraseSize)
	if _, err := rc.command(cmdFlashBegin, beginArgs(eraseSize, numBlocks, flashBlockSize, offset), 0, eraseTimeout); err != nil {
		return errors.Annotatef(err, "failed to begin flashing")
	}

	progress(0, total)
	for seq := 0; seq < numBlocks; seq++ {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		start := seq * flashBlockSize
		end := start + flashBlockSize
		if end > total {
			end = total
		}
		block := data[start:end]
		if len(block) < flashBlockSize {
			block = append(append([]byte(nil), block...), bytes.Repeat([]byte{0xff}, flashBlockSize-len(block))...)
		}
		pkt := append(blockHeader(len(block), seq), block...)
		if _, err := rc.command(cmdFlashData, pkt, checksum(block), rc.srw.ReadTimeout()); err != nil {
			return errors.Annotatef(err, "failed to write block %d/%d @ 0x%x", seq+1, numBlocks, offset+uint32(start))
		}
		progress(end, total)
	}

	if !rc.opts.NoVerify {
		if err := s.verify(data, offset); err != nil {
			return errors.Trace(err)
		}
	}

	// Stay in the loader, the user resets the device when ready.
	fin := make([]byte, 4)
	binary.LittleEndian.PutUint32(fin, 1)
	if _, err := rc.command(cmdFlashEnd, fin, 0, rc.srw.ReadTimeout()); err != nil {
		return errors.Annotatef(err, "failed to finish flashing")
	}
	return nil
}

func (s *session) verify(data []byte, offset uint32) error {
	rc := s.rc
	args := make([]byte, 16)
	binary.LittleEndian.PutUint32(args[0:4], offset)
	binary.LittleEndian.PutUint32(args[4:8], uint32(len(data)))
	resp, err := rc.command(cmdSPIFlashMD5, args, 0,
		timeoutForSize(rc.srw.ReadTimeout(), md5TimeoutPerMB, len(data)))
	if err != nil {
		return errors.Annotatef(err, "failed to compute digest")
	}
	var digestHex string
	switch {
	case len(resp.data) >= 32:
		// ROM returns hex text.
		digestHex = strings.ToLower(string(resp.data[:32]))
	case len(resp.data) == 16:
		digestHex = hex.EncodeToString(resp.data)
	default:
		return errors.Errorf("unexpected digest response %x", resp.data)
	}
	expected := md5.Sum(data)
	expectedHex := hex.EncodeToString(expected[:])
	if digestHex != expectedHex {
		return errors.Errorf("%d @ 0x%x: digest mismatch: expected %s, got %s", len(data), offset, expectedHex, digestHex)
	}
	glog.V(1).Infof("%d @ 0x%x: digest ok (%s)", len(data), offset, digestHex)
	return nil
}

// Disconnect leaves the chip in the loader. The port itself is closed by the caller.
func (s *session) Disconnect(ctx context.Context) error {
	glog.V(1).Infof("Leaving %s session", s.rc.chip)
	s.rc.stubRunning = false
	return nil
}
