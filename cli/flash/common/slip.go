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
package common

import (
	"io"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

const (
	// https://tools.ietf.org/html/rfc1055
	slipFrameDelimiter       = 0xC0
	slipEscape               = 0xDB
	slipEscapeFrameDelimiter = 0xDC
	slipEscapeEscape         = 0xDD

	DefaultSLIPReadTimeout = 3 * time.Second
)

// SLIPReaderWriter frames writes and unframes reads.
// The underlying reader may return (0, nil) when no data is available yet;
// Read keeps polling until the frame is complete or the timeout expires.
type SLIPReaderWriter struct {
	rw          io.ReadWriter
	readTimeout time.Duration
}

func NewSLIPReaderWriter(rw io.ReadWriter) *SLIPReaderWriter {
	return &SLIPReaderWriter{rw: rw, readTimeout: DefaultSLIPReadTimeout}
}

func (srw *SLIPReaderWriter) SetReadTimeout(timeout time.Duration) {
	srw.readTimeout = timeout
}

func (srw *SLIPReaderWriter) ReadTimeout() time.Duration {
	return srw.readTimeout
}

// Read reads one frame into buf. Bytes preceding the frame start are skipped.
// If nothing arrives in time, the error satisfies errors.IsTimeout.
func (srw *SLIPReaderWriter) Read(buf []byte) (int, error) {
	return srw.ReadWithTimeout(buf, srw.readTimeout)
}

func (srw *SLIPReaderWriter) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	n, junk := 0, 0
	start := true
	esc := false
	deadline := time.Now().Add(timeout)
	b := []byte{0}
	for {
		bn, err := srw.rw.Read(b)
		if err != nil {
			return n, errors.Annotatef(err, "error reading")
		}
		if bn != 1 {
			if time.Now().After(deadline) {
				return n, errors.Timeoutf("frame read (got %d bytes)", n)
			}
			continue
		}
		if start {
			if b[0] != slipFrameDelimiter {
				junk++
				continue
			}
			if junk > 0 {
				glog.V(4).Infof("skipped %d bytes of junk", junk)
				junk = 0
			}
			start = false
			continue
		}
		if !esc {
			switch b[0] {
			case slipFrameDelimiter:
				if n == 0 {
					// Back-to-back delimiters, treat as the start of the next frame.
					continue
				}
				glog.V(4).Infof("<= (%d) %s", n, LimitStr(buf[:n], 32))
				return n, nil
			case slipEscape:
				esc = true
			default:
				if n >= len(buf) {
					return n, errors.Errorf("frame buffer overflow (%d)", len(buf))
				}
				buf[n] = b[0]
				n += 1
			}
		} else {
			if n >= len(buf) {
				return n, errors.Errorf("frame buffer overflow (%d)", len(buf))
			}
			switch b[0] {
			case slipEscapeFrameDelimiter:
				buf[n] = slipFrameDelimiter
			case slipEscapeEscape:
				buf[n] = slipEscape
			default:
				return n, errors.Errorf("invalid SLIP escape sequence: %d", b[0])
			}
			n += 1
			esc = false
		}
	}
}

func (srw *SLIPReaderWriter) Write(data []byte) (int, error) {
	frame := EncodeSLIP(data)
	glog.V(4).Infof("=> (%d) %s", len(data), LimitStr(data, 32))
	if _, err := srw.rw.Write(frame); err != nil {
		return 0, errors.Annotatef(err, "error writing")
	}
	return len(data), nil
}

// EncodeSLIP returns data as a single SLIP frame.
func EncodeSLIP(data []byte) []byte {
	frame := make([]byte, 0, len(data)+len(data)/8+2)
	frame = append(frame, slipFrameDelimiter)
	for _, b := range data {
		switch b {
		case slipFrameDelimiter:
			frame = append(frame, slipEscape, slipEscapeFrameDelimiter)
		case slipEscape:
			frame = append(frame, slipEscape, slipEscapeEscape)
		default:
			frame = append(frame, b)
		}
	}
	return append(frame, slipFrameDelimiter)
}
