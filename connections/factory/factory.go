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

// Package factory maps connection kind names, and their accepted alias
// spellings, to connector constructors.
package factory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"datalink/connections/base"
	"datalink/connections/file"
	"datalink/connections/forge"
	"datalink/connections/postgres"
	"datalink/connections/rest"
	"datalink/connections/soap"
)

// aliases maps every recognized kind spelling to its canonical kind.
var aliases = map[string]string{
	"postgresql": "postgres",
	"postgres":   "postgres",
	"pg":         "postgres",

	"forge": "forge",

	"rest":  "rest",
	"http":  "rest",
	"https": "rest",

	"soap": "soap",

	"json": "file",
	"xml":  "file",
	"csv":  "file",
	"tsv":  "file",
	"file": "file",
}

// fileTypeAliases are the kind spellings that double as a file type.
var fileTypeAliases = map[string]bool{
	"json": true, "xml": true, "csv": true, "tsv": true,
}

// Canonical resolves a kind spelling to its canonical kind.
func Canonical(kind string) (string, error) {
	k := strings.ToLower(strings.TrimSpace(kind))
	if canon, ok := aliases[k]; ok {
		return canon, nil
	}
	return "", base.NewError(base.CodeUnknownKind, k, "Resolve",
		fmt.Sprintf("unknown connection kind %q", kind), nil)
}

// Factory maps kind names to connector constructors. Registering a kind
// that already exists overrides it; the new constructor is authoritative
// for every subsequent creation.
type Factory struct {
	ctors map[string]base.Constructor
	mu    sync.RWMutex
}

// New creates a factory with the builtin connector kinds installed.
func New() *Factory {
	f := &Factory{ctors: make(map[string]base.Constructor)}
	f.Register("postgres", func() base.Connector { return postgres.New() })
	f.Register("forge", func() base.Connector { return forge.New() })
	f.Register("rest", func() base.Connector { return rest.New() })
	f.Register("soap", func() base.Connector { return soap.New() })
	f.Register("file", func() base.Connector { return file.New() })
	return f
}

// Register installs or overrides the constructor for kind. The kind is
// normalized to lowercase.
func (f *Factory) Register(kind string, ctor base.Constructor) {
	k := strings.ToLower(strings.TrimSpace(kind))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[k] = ctor
}

// Resolve returns the constructor for kind, following the alias table
// for builtin kinds. Directly registered kinds take precedence over
// alias resolution so overrides stay authoritative.
func (f *Factory) Resolve(kind string) (base.Constructor, error) {
	k := strings.ToLower(strings.TrimSpace(kind))

	f.mu.RLock()
	defer f.mu.RUnlock()

	if ctor, ok := f.ctors[k]; ok {
		return ctor, nil
	}
	if canon, ok := aliases[k]; ok {
		if ctor, ok := f.ctors[canon]; ok {
			return ctor, nil
		}
	}
	return nil, base.NewError(base.CodeUnknownKind, k, "Resolve",
		fmt.Sprintf("unknown connection kind %q", kind), nil)
}

// Kinds returns the registered kind names, sorted.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]string, 0, len(f.ctors))
	for k := range f.ctors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// requiredSettings lists the settings a kind cannot connect without.
var requiredSettings = map[string][]string{
	"postgres": {"host", "database"},
	"forge":    {"forge_url"},
	"rest":     {"base_url"},
	"soap":     {"wsdl_url"},
}

// requiredCredentials lists the credentials a kind cannot connect without.
var requiredCredentials = map[string][]string{
	"postgres": {"user", "password"},
}

// Validate checks that config satisfies the kind's required-field
// contract. It performs no I/O and touches no credentials beyond
// presence checks. Kinds registered at runtime without a validation
// table entry are accepted; their constructor validates on Connect.
func (f *Factory) Validate(kind string, config *base.ConnectorConfig) error {
	k := strings.ToLower(strings.TrimSpace(kind))
	canon := k
	if c, ok := aliases[k]; ok {
		canon = c
	} else {
		f.mu.RLock()
		_, registered := f.ctors[k]
		f.mu.RUnlock()
		if !registered {
			return base.NewError(base.CodeUnknownKind, k, "Validate",
				fmt.Sprintf("unknown connection kind %q", kind), nil)
		}
	}

	if config == nil {
		return base.NewError(base.CodeInvalidConfig, k, "Validate", "config is required", nil)
	}

	for _, field := range requiredSettings[canon] {
		if config.StringSetting(field, "") == "" {
			return base.NewError(base.CodeInvalidConfig, k, "Validate",
				fmt.Sprintf("required setting %q is missing", field), nil)
		}
	}
	for _, field := range requiredCredentials[canon] {
		if config.Credential(field) == "" {
			return base.NewError(base.CodeInvalidConfig, k, "Validate",
				fmt.Sprintf("required credential %q is missing", field), nil)
		}
	}

	// A file connection reads from a local path or a URL. "source" is
	// the canonical setting; "path" and "url" are accepted spellings.
	if canon == "file" &&
		config.StringSetting("source", "") == "" &&
		config.StringSetting("path", "") == "" &&
		config.StringSetting("url", "") == "" {
		return base.NewError(base.CodeInvalidConfig, k, "Validate",
			`a "source" setting is required`, nil)
	}

	// A file connection needs an explicit type unless the kind spelling
	// itself names one (json, xml, csv, tsv).
	if canon == "file" && !fileTypeAliases[k] {
		t := strings.ToLower(config.StringSetting("type", ""))
		if t == "" {
			return base.NewError(base.CodeInvalidConfig, k, "Validate",
				`required setting "type" is missing`, nil)
		}
		if !fileTypeAliases[t] {
			return base.NewError(base.CodeUnsupportedType, k, "Validate",
				fmt.Sprintf("unsupported file type %q", t), nil)
		}
	}

	return nil
}
