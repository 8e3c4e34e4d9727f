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
package ourutil

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrompt(t *testing.T) {
	var out bytes.Buffer
	stdin, stderr = strings.NewReader("  /dev/ttyUSB1 \nignored\n"), &out
	if got, want := Prompt("Port?"), "/dev/ttyUSB1"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	if got, want := out.String(), "Port? "; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}

	out.Reset()
	Freportf(&out, "Wrote %d bytes", 42)
	if got, want := out.String(), "Wrote 42 bytes\n"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}
