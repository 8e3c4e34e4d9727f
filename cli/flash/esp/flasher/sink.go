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
	"sync"
	"time"
)

// LogEntry is one line of the user-visible log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

func (e LogEntry) String() string {
	return fmt.Sprintf("%s - %s", e.Time.Format("15:04:05"), e.Message)
}

type NotificationKind int

const (
	NotifyError NotificationKind = iota
	NotifySuccess
)

func (k NotificationKind) String() string {
	if k == NotifySuccess {
		return "success"
	}
	return "error"
}

func (k NotificationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Notification is a categorized message for the user, shown apart from the log.
// A non-zero Duration asks the UI to keep it on screen longer than usual.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	Message  string           `json:"message"`
	Duration time.Duration    `json:"duration,omitempty"`
}

// Sink receives log lines and notifications. Implementations must not block
// for long: they are called synchronously from the flashing path.
type Sink interface {
	Log(e LogEntry)
	Notify(n Notification)
}

// MultiSink fans out to all of its members in order.
type MultiSink []Sink

func (ms MultiSink) Log(e LogEntry) {
	for _, s := range ms {
		s.Log(e)
	}
}

func (ms MultiSink) Notify(n Notification) {
	for _, s := range ms {
		s.Notify(n)
	}
}

// LogBuffer is an append-only, ordered log. It ignores notifications.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (b *LogBuffer) Log(e LogEntry) {
	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()
}

func (b *LogBuffer) Notify(n Notification) {}

// Entries returns a copy of the log.
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	res := make([]LogEntry, len(b.entries))
	copy(res, b.entries)
	return res
}

// Since returns entries starting at index i, for incremental polling.
func (b *LogBuffer) Since(i int) []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 {
		i = 0
	}
	if i >= len(b.entries) {
		return nil
	}
	res := make([]LogEntry, len(b.entries)-i)
	copy(res, b.entries[i:])
	return res
}

func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func logf(s Sink, format string, args ...interface{}) {
	s.Log(LogEntry{Time: time.Now(), Message: fmt.Sprintf(format, args...)})
}
