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
package main

import (
	"io"

	"github.com/fatih/color"

	"github.com/mongoose-os/esp32-flasher/cli/flash/esp/flasher"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
)

// consoleSink prints the log and notifications to the terminal.
type consoleSink struct {
	w io.Writer
}

func (s *consoleSink) Log(e flasher.LogEntry) {
	io.WriteString(s.w, e.String()+"\n")
}

func (s *consoleSink) Notify(n flasher.Notification) {
	c := errorColor
	if n.Kind == flasher.NotifySuccess {
		c = successColor
	}
	c.Fprintf(s.w, "%s\n", n.Message)
}
