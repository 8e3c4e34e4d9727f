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
package webui

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/net/websocket"

	"github.com/mongoose-os/esp32-flasher/cli/flash/esp/flasher"
)

const clientQueueLen = 256

// Event is what websocket clients receive.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type client struct {
	ws *websocket.Conn
	ch chan Event
}

// Hub is a flasher.Sink that relays events to connected websocket clients.
// Clients that can't keep up miss events.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.ch <- ev:
		default:
			glog.Warningf("%s: websocket client is not keeping up, dropped a %s event", c.ws.Request().RemoteAddr, ev.Type)
		}
	}
}

func (h *Hub) Log(e flasher.LogEntry) {
	h.broadcast(Event{Type: "log", Data: e})
}

func (h *Hub) Notify(n flasher.Notification) {
	h.broadcast(Event{Type: "notify", Data: n})
}

// FollowState relays state changes from ch until it is closed.
func (h *Hub) FollowState(ch <-chan flasher.StateChange) {
	for sc := range ch {
		h.broadcast(Event{Type: "state", Data: sc})
	}
}

func (h *Hub) NumClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Handler() websocket.Handler {
	return websocket.Handler(h.serveWS)
}

func (h *Hub) serveWS(ws *websocket.Conn) {
	c := &client{ws: ws, ch: make(chan Event, clientQueueLen)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		ws.Close()
	}()

	// We don't expect anything from clients, reading is only to notice them going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			var text string
			if err := websocket.Message.Receive(ws, &text); err != nil {
				glog.V(1).Infof("Websocket recv error: %v, closing connection", err)
				return
			}
		}
	}()

	for {
		select {
		case ev := <-c.ch:
			if err := websocket.JSON.Send(ws, ev); err != nil {
				glog.V(1).Infof("Websocket send error: %v, closing connection", err)
				return
			}
		case <-gone:
			return
		}
	}
}
