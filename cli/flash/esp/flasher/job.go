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
	"sync"
)

// FlashJob is a single flashing attempt. Jobs are not reusable: once started,
// a failed job has to be replaced by a new one.
type FlashJob struct {
	data   []byte
	offset uint32

	mu      sync.Mutex
	status  JobStatus
	written int
	total   int
	percent int
	err     error
}

// JobInfo is a point-in-time copy of a job's externally visible state.
type JobInfo struct {
	Offset  uint32    `json:"offset"`
	Size    int       `json:"size"`
	Status  JobStatus `json:"status"`
	Written int       `json:"written"`
	Total   int       `json:"total"`
	Percent int       `json:"percent"`
	Error   string    `json:"error,omitempty"`
}

// NewFlashJob creates a job writing the application image at FirmwareOffset.
func NewFlashJob(data []byte) *FlashJob {
	return NewFlashJobAt(data, FirmwareOffset)
}

func NewFlashJobAt(data []byte, offset uint32) *FlashJob {
	return &FlashJob{data: data, offset: offset, total: len(data)}
}

func (j *FlashJob) Offset() uint32 { return j.offset }
func (j *FlashJob) Size() int      { return len(j.data) }

func (j *FlashJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the failure reason of a failed job.
func (j *FlashJob) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *FlashJob) Percent() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.percent
}

func (j *FlashJob) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	ji := JobInfo{
		Offset:  j.offset,
		Size:    len(j.data),
		Status:  j.status,
		Written: j.written,
		Total:   j.total,
		Percent: j.percent,
	}
	if j.err != nil {
		ji.Error = j.err.Error()
	}
	return ji
}

// advance records a progress report and returns the percentage to show.
// The percentage never goes down and stays within [0, 100].
// Reports for a job that is no longer running are ignored (ok == false).
func (j *FlashJob) advance(written, total int) (pct int, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobRunning {
		return j.percent, false
	}
	pct = j.percent
	if total > 0 {
		p := int(int64(written) * 100 / int64(total))
		if p > 100 {
			p = 100
		}
		if p > pct {
			pct = p
		}
		if written > j.written {
			j.written = written
		}
		j.total = total
	}
	j.percent = pct
	return pct, true
}

// transition moves a running job to a terminal status.
// It returns false if the job had already been terminated.
func (j *FlashJob) transition(status JobStatus, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobRunning {
		return false
	}
	j.status = status
	j.err = err
	return true
}
