// Copyright 2018-2019 CERN
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
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package config loads the daemon's TOML/YAML/env configuration via
// spf13/viper (io.Reader -> flat map[string]interface{}), using viper's
// format-sniffing + env-override layering since this daemon's ambient
// stack names viper explicitly.
package config

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix every environment-variable override must carry,
// e.g. X3D_KVSTORE_PATH overrides the "kvstore.path" key.
const EnvPrefix = "X3D"

// Read parses r (in the format named by ext, e.g. "toml", "yaml") into a
// flat section map: top-level keys name each component's own sub-config,
// left as interface{} for that component's constructor to
// mapstructure.Decode.
func Read(r io.Reader, ext string) (map[string]interface{}, error) {
	v := viper.New()
	v.SetConfigType(ext)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(r); err != nil {
		return nil, errors.Wrap(err, "config: error reading configuration")
	}
	return v.AllSettings(), nil
}

// ReadFile opens and parses the configuration file at path, inferring its
// format from the file extension (viper's own convention).
func ReadFile(path string) (map[string]interface{}, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "config: error reading configuration file")
	}
	return v.AllSettings(), nil
}
