// Copyright 2025 Datalink
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

package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"datalink/connections/base"
)

// BootstrapFile is the on-disk shape of a connections bootstrap file.
type BootstrapFile struct {
	Connections []DataSource `yaml:"connections"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadBootstrapFile parses a YAML bootstrap file after environment
// expansion. It does not create any connections.
func LoadBootstrapFile(path string) (*BootstrapFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, base.NewError(base.CodeInvalidConfig, path, "LoadBootstrapFile",
			"failed to read bootstrap file", err)
	}

	var file BootstrapFile
	if err := yaml.Unmarshal(expandEnv(raw), &file); err != nil {
		return nil, base.NewError(base.CodeParseError, path, "LoadBootstrapFile",
			"failed to parse bootstrap file", err)
	}
	return &file, nil
}

// Bootstrap loads a bootstrap file and creates every connection it
// defines, in file order. A failing entry does not stop the rest;
// per-entry failures are collected and returned together with the
// number of connections created.
func (m *Manager) Bootstrap(ctx context.Context, path string) (int, error) {
	file, err := LoadBootstrapFile(path)
	if err != nil {
		return 0, err
	}

	created := 0
	var failures []error
	for i := range file.Connections {
		ds := &file.Connections[i]
		if _, err := m.CreateFromDataSource(ctx, ds); err != nil {
			failures = append(failures, fmt.Errorf("bootstrap connection %d (%s): %w", i, ds.ID, err))
			continue
		}
		created++
	}

	m.logger.Printf("Bootstrapped %d/%d connection(s) from %s", created, len(file.Connections), path)
	return created, errors.Join(failures...)
}
