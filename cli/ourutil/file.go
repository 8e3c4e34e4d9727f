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
	"io/ioutil"
	"net/http"
	"strings"
	"unicode"

	"github.com/juju/errors"

	"github.com/mongoose-os/esp32-flasher/version"
)

func FileNameFromString(name string) string {
	ret := ""
	for _, c := range name {
		if !(unicode.IsLetter(c) || unicode.IsDigit(c) || c == '.' || c == '-') {
			c = '_'
		}
		ret += string(c)
	}
	return ret
}

func IsURL(nameOrURL string) bool {
	return strings.HasPrefix(nameOrURL, "http://") || strings.HasPrefix(nameOrURL, "https://")
}

func ReadOrFetchFile(nameOrURL string) ([]byte, error) {
	if !IsURL(nameOrURL) {
		return ioutil.ReadFile(nameOrURL)
	}
	Reportf("Fetching %s...", nameOrURL)
	req, err := http.NewRequest("GET", nameOrURL, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "%s: invalid URL", nameOrURL)
	}
	req.Header.Set("User-Agent", version.GetUserAgent())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "%s: failed to fetch", nameOrURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("%s: failed to fetch: %s", nameOrURL, resp.Status)
	}
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotatef(err, "%s: failed to fetch body", nameOrURL)
	}
	Reportf("  done, %d bytes.", len(b))
	return b, nil
}
