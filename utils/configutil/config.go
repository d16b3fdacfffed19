// Copyright (c) 2024 Netstore Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package configutil

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Load reads a YAML configuration file into config. An empty path is a no-op,
// leaving config at its zero/default values.
func Load(path string, config interface{}) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %s", err)
	}

	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return fmt.Errorf("unmarshal config: %s", err)
	}

	return nil
}
