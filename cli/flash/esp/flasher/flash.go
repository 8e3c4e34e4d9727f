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
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// FlashController runs flash jobs against the session of a ConnectionManager.
// At most one job runs at a time; there is no queue.
type FlashController struct {
	cm   *ConnectionManager
	sink Sink

	mu      sync.Mutex
	busy    bool
	current *FlashJob
}

func NewFlashController(cm *ConnectionManager, sink Sink) *FlashController {
	return &FlashController{cm: cm, sink: sink}
}

// Current returns the running job or, if none is running, the last one started.
func (fc *FlashController) Current() *FlashJob {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.current
}

func (fc *FlashController) Busy() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.busy
}

// StartFlash writes the job's data and blocks until the job is finished.
// The returned error is also reflected in the job's status and in the sink.
func (fc *FlashController) StartFlash(ctx context.Context, job *FlashJob) error {
	ds, err := fc.begin(job)
	if err != nil {
		logf(fc.sink, "Flash rejected: %s", err)
		return err
	}
	defer fc.end()

	logf(fc.sink, "Starting firmware flash...")
	glog.Infof("Writing %d bytes @ 0x%x to %s", len(job.data), job.offset, ds.PortName())
	start := time.Now()

	onProgress := func(written, total int) {
		if !fc.cm.isCurrent(ds) {
			job.transition(JobFailed, errorf(ConnectionLost, "connection lost"))
			return
		}
		pct, ok := job.advance(written, total)
		if !ok {
			return
		}
		logf(fc.sink, "Flashing... %d%%", pct)
	}
	werr := ds.stub.FlashData(ctx, job.data, job.offset, onProgress)

	// A successful return means nothing if the port went away meanwhile.
	if !fc.cm.isCurrent(ds) {
		job.transition(JobFailed, errorf(ConnectionLost, "connection lost"))
	}
	if job.Status() == JobRunning {
		if werr != nil {
			job.transition(JobFailed, NewError(FlashFailed, werr))
		} else {
			if job.Percent() < 100 {
				// The driver never reported completion, do it for it.
				if pct, ok := job.advance(len(job.data), len(job.data)); ok {
					logf(fc.sink, "Flashing... %d%%", pct)
				}
			}
			job.transition(JobSucceeded, nil)
		}
	}

	if err := job.Err(); err != nil {
		logf(fc.sink, "Flash failed: %s", err)
		fc.sink.Notify(Notification{Kind: NotifyError, Message: "Flash failed"})
		glog.Infof("Flash failed: %+v", err)
		return err
	}
	if seconds := time.Since(start).Seconds(); seconds > 0 {
		glog.Infof("Wrote %d bytes in %.2f seconds (%.2f KBit/sec)",
			len(job.data), seconds, float64(len(job.data))/seconds*8/1024)
	}
	logf(fc.sink, "Firmware flashed successfully!")
	logf(fc.sink, "Please reset your ESP32 to run the new firmware")
	fc.sink.Notify(Notification{Kind: NotifySuccess, Message: "Firmware flashed successfully!"})
	return nil
}

func (fc *FlashController) begin(job *FlashJob) (*DeviceSession, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	var reasons []string
	ds := fc.cm.Session()
	if ds == nil {
		reasons = append(reasons, "not connected")
	}
	switch {
	case job == nil:
		reasons = append(reasons, "no job")
	case len(job.data) == 0:
		reasons = append(reasons, "firmware is empty")
	}
	if job != nil && job.Status() != JobIdle {
		reasons = append(reasons, "job has already been started")
	}
	if fc.busy {
		reasons = append(reasons, "another flash is in progress")
	}
	if len(reasons) > 0 {
		return nil, errorf(PreconditionFailed, "%s", strings.Join(reasons, "; "))
	}
	job.mu.Lock()
	job.status = JobRunning
	job.mu.Unlock()
	fc.busy = true
	fc.current = job
	return ds, nil
}

func (fc *FlashController) end() {
	fc.mu.Lock()
	fc.busy = false
	fc.mu.Unlock()
}
