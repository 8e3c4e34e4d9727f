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
package pflagenv

import (
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
	yaml "gopkg.in/yaml.v2"

	"github.com/mongoose-os/esp32-flasher/common/multierror"
)

// ParseFlagSet iterates through all non-set flags in the given FlagSet,
// checks if there is an environment variable with the uppercased flag name
// prepended with the given envPrefix, and if so, sets flag value to the
// environment variable value.
//
// It should be called after Parse is called for the given FlagSet.
func ParseFlagSet(fs *pflag.FlagSet, envPrefix string) {
	setFromEnv(nonsetFlags(fs), envPrefix)
}

// The same as ParseFlagSet, but operates on a default FlagSet: pflag.CommandLine
func Parse(envPrefix string) {
	ParseFlagSet(pflag.CommandLine, envPrefix)
}

// ParseYAMLFlagSet sets flags that are still not set from a YAML mapping of
// flag names to values. Call it after ParseFlagSet so that the command line
// and the environment take precedence over the file.
func ParseYAMLFlagSet(fs *pflag.FlagSet, data []byte) error {
	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return errors.Annotatef(err, "invalid config")
	}
	nonset := nonsetFlags(fs)
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs error
	for _, name := range names {
		if fs.Lookup(name) == nil {
			errs = multierror.Append(errs, errors.Errorf("unknown flag %q", name))
			continue
		}
		f, ok := nonset[name]
		if !ok {
			continue
		}
		if err := f.Value.Set(yamlValueString(values[name])); err != nil {
			errs = multierror.Append(errs, errors.Annotatef(err, "%s", name))
			continue
		}
		f.Changed = true
	}
	return errs
}

// ParseYAMLFile is ParseYAMLFlagSet on pflag.CommandLine with data read from fileName.
func ParseYAMLFile(fileName string) error {
	data, err := ioutil.ReadFile(fileName)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(ParseYAMLFlagSet(pflag.CommandLine, data), "%s", fileName)
}

func yamlValueString(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return ""
	case []interface{}:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = fmt.Sprint(e)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}

func nonsetFlags(fs *pflag.FlagSet) map[string]*pflag.Flag {
	// Unfortunately, flag package does not provide a way to distinguish between
	// a flag set to default value and a flag which was not set at all. So
	// here is a workaround: first, we visit all flags and save their names,
	// then we visit all set flags and remove those names.

	nonset := make(map[string]*pflag.Flag)

	fs.VisitAll(func(f *pflag.Flag) {
		// Changed is also set for values taken from the environment.
		if !f.Changed {
			nonset[f.Name] = f
		}
	})
	fs.Visit(func(f *pflag.Flag) {
		delete(nonset, f.Name)
	})
	return nonset
}

func setFromEnv(nonset map[string]*pflag.Flag, envPrefix string) {
	for name, f := range nonset {
		envVar := os.Getenv(getEnvName(name, envPrefix))
		if envVar != "" {
			f.Value.Set(envVar)
			f.Changed = true
		}
	}
}

func getEnvName(flagName, envPrefix string) string {
	flagName = strings.ToUpper(flagName)
	flagName = strings.Replace(flagName, "-", "_", -1)
	return fmt.Sprint(envPrefix, flagName)
}
