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
// Package firmware locates and loads the application image to flash.
package firmware

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/kardianos/osext"

	"github.com/mongoose-os/esp32-flasher/cli/flash/esp/flasher"
	"github.com/mongoose-os/esp32-flasher/cli/ourutil"
)

const (
	DefaultPath = "firmware/firmware.bin"

	manifestFileName = "manifest.json"
	appPartType      = "app"
)

var executableFolder = osext.ExecutableFolder

type Image struct {
	// Where the image came from: a file, a URL or a part of a bundle.
	Source string
	Data   []byte
}

type manifest struct {
	Name     string           `json:"name,omitempty"`
	Platform string           `json:"platform,omitempty"`
	Version  string           `json:"version,omitempty"`
	Parts    map[string]*part `json:"parts"`
}

type part struct {
	Name string `json:"-"`
	Addr uint32 `json:"addr"`
	Src  string `json:"src"`
	Type string `json:"type"`
}

// Resolve returns the file to use for p. Relative paths are looked up in the
// working directory first, then next to the executable.
func Resolve(p string) string {
	if p == "" {
		p = DefaultPath
	}
	if ourutil.IsURL(p) || filepath.IsAbs(p) {
		return p
	}
	if _, err := os.Stat(p); err == nil {
		return p
	}
	dir, err := executableFolder()
	if err != nil {
		glog.Errorf("failed to get executable dir: %s", err)
		return p
	}
	if ep := filepath.Join(dir, p); fileExists(ep) {
		return ep
	}
	return p
}

// Ready reports whether there is something to flash at p.
// URLs are assumed to be reachable.
func Ready(p string) bool {
	rp := Resolve(p)
	if ourutil.IsURL(rp) {
		return true
	}
	fi, err := os.Stat(rp)
	return err == nil && !fi.IsDir() && fi.Size() > 0
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

// Load reads the image at p, extracting the application from a bundle if p is a .zip.
func Load(p string) (*Image, error) {
	rp := Resolve(p)
	data, err := ourutil.ReadOrFetchFile(rp)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read firmware")
	}
	if !strings.HasSuffix(strings.ToLower(rp), ".zip") {
		glog.V(1).Infof("Loaded %s (%d bytes)", rp, len(data))
		return &Image{Source: rp, Data: data}, nil
	}
	return loadBundle(rp, data)
}

func loadBundle(name string, zipData []byte) (*Image, error) {
	r, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, errors.Annotatef(err, "%s: invalid firmware file", name)
	}
	blobs := make(map[string]*zip.File)
	for _, f := range r.File {
		blobs[path.Base(f.Name)] = f
	}
	mf := blobs[manifestFileName]
	if mf == nil {
		return nil, errors.Errorf("%s: no %s in the archive", name, manifestFileName)
	}
	manifestData, err := readZipFile(mf)
	if err != nil {
		return nil, errors.Annotatef(err, "%s: failed to read", name)
	}
	var m manifest
	if err := json.Unmarshal(manifestData, &m); err != nil {
		return nil, errors.Annotatef(err, "%s: failed to parse manifest", name)
	}
	p := m.appPart()
	if p == nil {
		return nil, errors.Errorf("%s: no application part in the bundle", name)
	}
	f := blobs[p.Src]
	if f == nil {
		return nil, errors.Errorf("%s: %s not found in the archive", name, p.Src)
	}
	data, err := readZipFile(f)
	if err != nil {
		return nil, errors.Annotatef(err, "%s: failed to read %s", name, p.Src)
	}
	glog.Infof("%s: using part %q (%s %s, %d bytes)", name, p.Name, m.Platform, m.Version, len(data))
	return &Image{Source: name + ":" + p.Name, Data: data}, nil
}

// appPart picks the part that goes to the firmware offset, or failing that
// the first (by name) part of type "app".
func (m *manifest) appPart() *part {
	var names []string
	for n, p := range m.Parts {
		if p == nil {
			continue
		}
		p.Name = n
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if m.Parts[n].Addr == flasher.FirmwareOffset {
			return m.Parts[n]
		}
	}
	for _, n := range names {
		if m.Parts[n].Type == appPartType {
			return m.Parts[n]
		}
	}
	return nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rc.Close()
	data, err := ioutil.ReadAll(rc)
	return data, errors.Trace(err)
}
