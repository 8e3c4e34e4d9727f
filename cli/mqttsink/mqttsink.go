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
// Package mqttsink publishes flasher events to an MQTT broker.
package mqttsink

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/esp32-flasher/cli/flash/esp/flasher"
)

const (
	queueLen       = 100
	publishTimeout = 5 * time.Second
)

type message struct {
	topic   string
	payload []byte
}

// Sink is a flasher.Sink publishing log entries, notifications and state
// changes as JSON to <topic>/log, <topic>/notify and <topic>/state.
// Publishing is asynchronous; if the broker can't keep up, events are dropped.
type Sink struct {
	topic   string
	publish func(topic string, payload []byte) error
	cli     mqtt.Client

	mu     sync.Mutex
	closed bool
	queue  chan message
	done   chan struct{}
}

func ClientOptsFromURL(us, clientID string) (*mqtt.ClientOptions, string, error) {
	u, err := url.Parse(us)
	if err != nil {
		return nil, "", errors.Trace(err)
	}
	if u.Scheme != "mqtt" && u.Scheme != "mqtts" {
		return nil, "", errors.Errorf("%s: scheme must be mqtt or mqtts", us)
	}
	topic := strings.Trim(u.Path, "/")
	if topic == "" {
		return nil, "", errors.Errorf("%s: no topic", us)
	}

	if clientID == "" {
		clientID = fmt.Sprintf("esp32-flasher-%d", rand.Int31())
	}

	u.Path = ""
	if u.Scheme == "mqtts" {
		u.Scheme = "tcps"
		if u.Port() == "" {
			u.Host = fmt.Sprintf("%s:%d", u.Host, 8883)
		}
	} else {
		u.Scheme = "tcp"
		if u.Port() == "" {
			u.Host = fmt.Sprintf("%s:%d", u.Host, 1883)
		}
	}
	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
		u.User = nil
	}
	broker := u.String()
	glog.V(1).Infof("Connecting %s to %s", clientID, broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetUsername(user)
	opts.SetPassword(pass)
	opts.SetAutoReconnect(true)
	return opts, topic, nil
}

// New connects to the broker at mqtt[s]://[user:pass@]host[:port]/topic.
func New(us string) (*Sink, error) {
	opts, topic, err := ClientOptsFromURL(us, "")
	if err != nil {
		return nil, errors.Trace(err)
	}
	opts.SetConnectionLostHandler(func(cli mqtt.Client, err error) {
		glog.Errorf("Lost conection to MQTT broker: %s", err)
	})
	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "MQTT connect error")
	}
	s := newSink(topic, func(topic string, payload []byte) error {
		token := cli.Publish(topic, 1 /* qos */, false, payload)
		if !token.WaitTimeout(publishTimeout) {
			return errors.Timeoutf("publish to %s", topic)
		}
		return token.Error()
	})
	s.cli = cli
	return s, nil
}

func newSink(topic string, publish func(topic string, payload []byte) error) *Sink {
	s := &Sink{
		topic:   topic,
		publish: publish,
		queue:   make(chan message, queueLen),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) run() {
	defer close(s.done)
	for m := range s.queue {
		glog.V(4).Infof("MQTT pub [%s] %s", m.topic, m.payload)
		if err := s.publish(m.topic, m.payload); err != nil {
			glog.Errorf("Failed to publish to %s: %s", m.topic, err)
		}
	}
}

func (s *Sink) enqueue(sub string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		glog.Errorf("Failed to marshal %T: %s", v, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- message{topic: s.topic + "/" + sub, payload: payload}:
	default:
		glog.Warningf("MQTT queue is full, dropping %s event", sub)
	}
}

func (s *Sink) Log(e flasher.LogEntry) {
	s.enqueue("log", e)
}

func (s *Sink) Notify(n flasher.Notification) {
	s.enqueue("notify", n)
}

// FollowState publishes state changes from ch until it is closed.
func (s *Sink) FollowState(ch <-chan flasher.StateChange) {
	for sc := range ch {
		s.enqueue("state", sc)
	}
}

// Close publishes what's queued and disconnects.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	if s.cli != nil {
		s.cli.Disconnect(250)
	}
}
