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
// Package webui is the local browser front-end: a JSON API over the
// connection manager and flash controller plus a websocket event stream.
package webui

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/juju/errors"
	goji "goji.io"
	"goji.io/pat"

	"github.com/mongoose-os/esp32-flasher/cli/firmware"
	"github.com/mongoose-os/esp32-flasher/cli/flash/esp/flasher"
	"github.com/mongoose-os/esp32-flasher/version"
)

//go:embed web_root
var webRoot embed.FS

type Server struct {
	cm       *flasher.ConnectionManager
	fc       *flasher.FlashController
	log      *flasher.LogBuffer
	hub      *Hub
	firmware string
	// Operations outlive the requests that started them.
	ctx context.Context

	mu       sync.Mutex
	flashing bool
	wg       sync.WaitGroup
}

type Config struct {
	CM  *flasher.ConnectionManager
	FC  *flasher.FlashController
	Log *flasher.LogBuffer
	Hub *Hub
	// Default firmware location, see firmware.Resolve.
	Firmware string
}

func NewServer(ctx context.Context, cfg Config) *Server {
	return &Server{
		cm:       cfg.CM,
		fc:       cfg.FC,
		log:      cfg.Log,
		hub:      cfg.Hub,
		firmware: cfg.Firmware,
		ctx:      ctx,
	}
}

type stateInfo struct {
	State         flasher.ConnectionState `json:"state"`
	Attempts      int                     `json:"attempts"`
	Firmware      string                  `json:"firmware"`
	FirmwareReady bool                    `json:"firmwareReady"`
	Port          string                  `json:"port,omitempty"`
	Chip          string                  `json:"chip,omitempty"`
	MAC           string                  `json:"mac,omitempty"`
	Busy          bool                    `json:"busy"`
	Job           *flasher.JobInfo        `json:"job,omitempty"`
	Version       string                  `json:"version"`
}

type logsInfo struct {
	Entries []flasher.LogEntry `json:"entries"`
	Next    int                `json:"next"`
}

type errmessage struct {
	Error string `json:"error"`
}

func (s *Server) Handler() http.Handler {
	rRoot := goji.NewMux()
	rRoot.Use(MakeLogger())

	rAPI := goji.SubMux()
	rRoot.Handle(pat.New("/api/*"), rAPI)
	rAPI.HandleFunc(pat.Get("/state"), s.handleState)
	rAPI.Handle(pat.Post("/connect"), CheckOrigin(http.HandlerFunc(s.handleConnect)))
	rAPI.Handle(pat.Post("/flash"), CheckOrigin(http.HandlerFunc(s.handleFlash)))
	rAPI.HandleFunc(pat.Get("/logs"), s.handleLogs)

	rRoot.Handle(pat.Get("/ws"), CheckOrigin(s.hub.Handler()))

	static, err := fs.Sub(webRoot, "web_root")
	if err != nil {
		glog.Fatalf("web_root is missing: %s", err)
	}
	rRoot.Handle(pat.Get("/*"), http.FileServer(http.FS(static)))
	return rRoot
}

// Serve serves the UI on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	hs := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	glog.Infof("Web UI listening on %s", l.Addr())
	err := hs.Serve(l)
	if ctx.Err() != nil {
		return nil
	}
	return errors.Trace(err)
}

// Wait waits for flash jobs started via the API to finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

func httpReply(w http.ResponseWriter, status int, result interface{}, err error) {
	var msg []byte
	if err != nil {
		msg, _ = json.Marshal(errmessage{err.Error()})
		if status < http.StatusBadRequest {
			status = statusFor(err)
		}
	} else {
		var merr error
		msg, merr = json.Marshal(map[string]interface{}{
			"result": result,
		})
		if merr != nil {
			msg, _ = json.Marshal(errmessage{merr.Error()})
			status = http.StatusInternalServerError
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(msg)
}

func statusFor(err error) int {
	switch flasher.KindOf(err) {
	case flasher.PreconditionFailed:
		return http.StatusConflict
	case flasher.UnsupportedTransport:
		return http.StatusNotImplemented
	case flasher.NoPortSelected:
		return http.StatusBadRequest
	case flasher.HandshakeFailed, flasher.TransportError, flasher.ConnectionLost:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) isFlashing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flashing
}

func (s *Server) state() *stateInfo {
	si := &stateInfo{
		State:         s.cm.State(),
		Attempts:      s.cm.Attempts(),
		Firmware:      firmware.Resolve(s.firmware),
		FirmwareReady: firmware.Ready(s.firmware),
		Busy:          s.isFlashing(),
		Version:       version.GetVersion(),
	}
	if ds := s.cm.Session(); ds != nil {
		si.Port = ds.PortName()
		si.Chip = ds.ChipName()
		si.MAC = ds.MACString()
	}
	if job := s.fc.Current(); job != nil {
		ji := job.Info()
		si.Job = &ji
	}
	return si
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	httpReply(w, http.StatusOK, s.state(), nil)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.isFlashing() {
		httpReply(w, http.StatusConflict, nil, errors.Errorf("flashing is in progress"))
		return
	}
	err := s.cm.Toggle(s.ctx)
	httpReply(w, http.StatusOK, s.state(), err)
}

func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	switch {
	case s.flashing || s.fc.Busy():
		s.mu.Unlock()
		httpReply(w, http.StatusConflict, nil, errors.Errorf("flashing is in progress"))
		return
	case s.cm.State() == flasher.Connecting:
		s.mu.Unlock()
		httpReply(w, http.StatusConflict, nil, errors.Errorf("connection attempt is in progress"))
		return
	case s.cm.State() != flasher.Connected:
		s.mu.Unlock()
		httpReply(w, http.StatusConflict, nil, errors.Errorf("not connected"))
		return
	}
	s.flashing = true
	s.mu.Unlock()

	img, err := firmware.Load(s.firmware)
	if err != nil {
		s.mu.Lock()
		s.flashing = false
		s.mu.Unlock()
		httpReply(w, http.StatusBadRequest, nil, err)
		return
	}
	job := flasher.NewFlashJob(img.Data)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.fc.StartFlash(s.ctx, job); err != nil {
			glog.Infof("Flash of %s failed: %s", img.Source, err)
		}
		s.mu.Lock()
		s.flashing = false
		s.mu.Unlock()
	}()
	httpReply(w, http.StatusAccepted, job.Info(), nil)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	since := 0
	if v := r.FormValue("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpReply(w, http.StatusBadRequest, nil, errors.Errorf("invalid since: %q", v))
			return
		}
		since = n
	}
	entries := s.log.Since(since)
	next := since + len(entries)
	if since > s.log.Len() {
		next = s.log.Len()
	}
	httpReply(w, http.StatusOK, logsInfo{Entries: entries, Next: next}, nil)
}
