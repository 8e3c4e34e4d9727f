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
package esp

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

type ChipType int

const (
	ChipUnknown ChipType = iota
	ChipESP32
)

const (
	// The ROM of every chip in the family keeps a chip-specific constant here.
	ChipMagicRegister = 0x40001000
	ESP32ChipMagic    = 0x00f01d83

	esp32EfuseMAC0Register = 0x3ff5a004
	esp32EfuseMAC1Register = 0x3ff5a008
)

type FlashOpts struct {
	// JSON file with the flasher stub. If empty, ROM loader commands are used throughout.
	StubFile string
	// Per-command response timeout.
	ReadTimeout time.Duration
	// Number of SYNC attempts before giving up.
	SyncAttempts int
	// Pulse DTR/RTS to get the chip into download mode, if the transport supports it.
	ResetIntoBootloader  bool
	InvertedControlLines bool
	// Skip MD5 check of written data.
	NoVerify bool
}

func DefaultFlashOpts() *FlashOpts {
	return &FlashOpts{
		ReadTimeout:         3 * time.Second,
		SyncAttempts:        10,
		ResetIntoBootloader: true,
	}
}

type RegReaderWriter interface {
	ReadReg(reg uint32) (uint32, error)
	WriteReg(reg, value uint32) error
}

func (ct ChipType) String() string {
	switch ct {
	case ChipESP32:
		return "ESP32"
	case ChipUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("???(%d)", ct)
	}
}

func ChipTypeFromMagic(magic uint32) ChipType {
	switch magic {
	case ESP32ChipMagic:
		return ChipESP32
	}
	return ChipUnknown
}

// DetectChip reads the chip magic register. Chips other than ESP32 are rejected.
func DetectChip(rrw RegReaderWriter) (ChipType, error) {
	magic, err := rrw.ReadReg(ChipMagicRegister)
	if err != nil {
		return ChipUnknown, errors.Annotatef(err, "failed to read chip magic")
	}
	ct := ChipTypeFromMagic(magic)
	if ct == ChipUnknown {
		return ct, errors.Errorf("unsupported chip (magic 0x%08x), only ESP32 is supported", magic)
	}
	return ct, nil
}

// ReadMAC reads the factory MAC address from eFuse block 0.
func ReadMAC(rrw RegReaderWriter) ([6]byte, error) {
	var mac [6]byte
	mac0, err := rrw.ReadReg(esp32EfuseMAC0Register)
	if err != nil {
		return mac, errors.Trace(err)
	}
	mac1, err := rrw.ReadReg(esp32EfuseMAC1Register)
	if err != nil {
		return mac, errors.Trace(err)
	}
	mac[0] = byte(mac1 >> 8)
	mac[1] = byte(mac1)
	mac[2] = byte(mac0 >> 24)
	mac[3] = byte(mac0 >> 16)
	mac[4] = byte(mac0 >> 8)
	mac[5] = byte(mac0)
	return mac, nil
}
