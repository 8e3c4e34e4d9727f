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
	"fmt"
	"time"
)

// ConnectionState is the state of a ConnectionManager.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	// Lost is entered from Connected when the transport goes away underneath us.
	// The next Toggle treats it the same as Disconnected.
	Lost
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Lost:
		return "lost"
	default:
		return fmt.Sprintf("???(%d)", int(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateChange is delivered to subscribers on every transition.
type StateChange struct {
	From     ConnectionState `json:"from"`
	To       ConnectionState `json:"to"`
	Attempts int             `json:"attempts"`
	Time     time.Time       `json:"time"`
}

type JobStatus int

const (
	JobIdle JobStatus = iota
	JobRunning
	JobSucceeded
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobIdle:
		return "idle"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	default:
		return fmt.Sprintf("???(%d)", int(s))
	}
}

func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
