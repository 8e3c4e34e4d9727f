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
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type regs map[uint32]uint32

func (r regs) ReadReg(reg uint32) (uint32, error) {
	v, ok := r[reg]
	if !ok {
		return 0, errors.NotFoundf("register 0x%08x", reg)
	}
	return v, nil
}

func (r regs) WriteReg(reg, value uint32) error {
	r[reg] = value
	return nil
}

func TestDetectChip(t *testing.T) {
	ct, err := DetectChip(regs{ChipMagicRegister: ESP32ChipMagic})
	require.NoError(t, err)
	if got, want := ct.String(), "ESP32"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}

	// ESP8266
	_, err = DetectChip(regs{ChipMagicRegister: 0xfff0c101})
	assert.Contains(t, err.Error(), "only ESP32")

	_, err = DetectChip(regs{})
	assert.Error(t, err)
}

func TestReadMAC(t *testing.T) {
	mac, err := ReadMAC(regs{
		esp32EfuseMAC0Register: 0xc401abcd,
		esp32EfuseMAC1Register: 0x0000240a,
	})
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0x24, 0x0a, 0xc4, 0x01, 0xab, 0xcd}, mac)
}
