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
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// MakeLogger creates a logger middleware suitable for using in goji
// multiplexer.
func MakeLogger() func(inner http.Handler) http.Handler {
	return func(inner http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path
			if r.URL.RawQuery != "" {
				path += "?" + r.URL.RawQuery
			}

			clientIP := r.RemoteAddr
			if ips, ok := r.Header["X-Real-Ip"]; ok {
				if len(ips) > 0 {
					clientIP = ips[0]
				}
			}

			glog.V(1).Infof("START | %s | %-7s %s", clientIP, r.Method, path)

			inner.ServeHTTP(w, r)

			glog.V(1).Infof("END %13v | %s | %-7s %s", time.Since(start), clientIP, r.Method, path)
		})
	}
}

// CheckOrigin rejects browser requests sent by pages served from elsewhere.
// Requests without an Origin header (curl and friends) pass.
func CheckOrigin(inner http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !sameHost(origin, r.Host) {
			glog.Warningf("Rejected %s %s from origin %q", r.Method, r.URL.Path, origin)
			httpReply(w, http.StatusForbidden, nil, errors.Errorf("cross-origin request from %s rejected", origin))
			return
		}
		inner.ServeHTTP(w, r)
	})
}

func sameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, host)
}
