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

package factory

import (
	"context"
	"testing"

	"datalink/connections/base"
	"datalink/connections/cache"
)

type fakeConnector struct{}

func (fakeConnector) Connect(ctx context.Context, config *base.ConnectorConfig) error { return nil }
func (fakeConnector) Disconnect(ctx context.Context) error                            { return nil }
func (fakeConnector) Test(ctx context.Context) (*base.TestReport, error) {
	return &base.TestReport{Healthy: true}, nil
}
func (fakeConnector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	return &base.QueryResult{}, nil
}
func (fakeConnector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	return &base.CommandResult{Success: true}, nil
}
func (fakeConnector) Kind() string                 { return "fake" }
func (fakeConnector) Info() map[string]interface{} { return map[string]interface{}{} }
func (fakeConnector) Cache() *cache.Cache          { return nil }

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"postgres":   "postgres",
		"postgresql": "postgres",
		"pg":         "postgres",
		"PG":         "postgres",
		"rest":       "rest",
		"http":       "rest",
		"https":      "rest",
		"forge":      "forge",
		"soap":       "soap",
		"file":       "file",
		"json":       "file",
		"xml":        "file",
		"csv":        "file",
		"tsv":        "file",
	}
	for spelling, want := range cases {
		got, err := Canonical(spelling)
		if err != nil {
			t.Errorf("Canonical(%q): unexpected error %v", spelling, err)
			continue
		}
		if got != want {
			t.Errorf("Canonical(%q) = %q, want %q", spelling, got, want)
		}
	}
}

func TestCanonicalUnknownKind(t *testing.T) {
	_, err := Canonical("mongodb")
	if base.CodeOf(err) != base.CodeUnknownKind {
		t.Errorf("expected UNKNOWN_KIND, got %v", err)
	}
}

func TestResolveBuiltins(t *testing.T) {
	f := New()
	for _, kind := range []string{"postgres", "forge", "rest", "soap", "file"} {
		ctor, err := f.Resolve(kind)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", kind, err)
		}
		if ctor() == nil {
			t.Errorf("Resolve(%q): constructor returned nil", kind)
		}
	}
}

func TestResolveAlias(t *testing.T) {
	f := New()
	ctor, err := f.Resolve("postgresql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctor().Kind() != "postgres" {
		t.Errorf("expected postgres connector, got %s", ctor().Kind())
	}
}

func TestRegisterOverride(t *testing.T) {
	f := New()
	f.Register("rest", func() base.Connector { return fakeConnector{} })

	ctor, err := f.Resolve("rest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctor().Kind() != "fake" {
		t.Error("override must be authoritative for subsequent resolutions")
	}
}

func TestDirectRegistrationBeatsAlias(t *testing.T) {
	f := New()
	// "http" normally aliases to rest; a direct registration wins.
	f.Register("http", func() base.Connector { return fakeConnector{} })

	ctor, err := f.Resolve("http")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctor().Kind() != "fake" {
		t.Error("directly registered kind must take precedence over alias")
	}
}

func TestValidatePostgres(t *testing.T) {
	f := New()

	err := f.Validate("postgres", &base.ConnectorConfig{
		Settings:    map[string]interface{}{"host": "localhost", "database": "app"},
		Credentials: map[string]string{"user": "u", "password": "p"},
	})
	if err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	err = f.Validate("postgres", &base.ConnectorConfig{
		Settings:    map[string]interface{}{"host": "localhost"},
		Credentials: map[string]string{"user": "u", "password": "p"},
	})
	if base.CodeOf(err) != base.CodeInvalidConfig {
		t.Errorf("expected INVALID_CONFIG for missing database, got %v", err)
	}

	err = f.Validate("postgres", &base.ConnectorConfig{
		Settings: map[string]interface{}{"host": "localhost", "database": "app"},
	})
	if base.CodeOf(err) != base.CodeInvalidConfig {
		t.Errorf("expected INVALID_CONFIG for missing credentials, got %v", err)
	}
}

func TestValidateFileTypeFromAlias(t *testing.T) {
	f := New()

	// Kind alias "csv" supplies the file type.
	err := f.Validate("csv", &base.ConnectorConfig{
		Settings: map[string]interface{}{"path": "/data/users.csv"},
	})
	if err != nil {
		t.Errorf("csv alias should not require an explicit type: %v", err)
	}

	// Bare "file" kind requires one.
	err = f.Validate("file", &base.ConnectorConfig{
		Settings: map[string]interface{}{"path": "/data/users.csv"},
	})
	if base.CodeOf(err) != base.CodeInvalidConfig {
		t.Errorf("expected INVALID_CONFIG for missing type, got %v", err)
	}
}

func TestValidateFileSource(t *testing.T) {
	f := New()

	if err := f.Validate("json", &base.ConnectorConfig{
		Settings: map[string]interface{}{"source": "./x.json"},
	}); err != nil {
		t.Errorf("source setting should satisfy validation: %v", err)
	}

	err := f.Validate("json", &base.ConnectorConfig{Settings: map[string]interface{}{}})
	if base.CodeOf(err) != base.CodeInvalidConfig {
		t.Errorf("expected INVALID_CONFIG for missing source, got %v", err)
	}
}

func TestValidateUnsupportedFileType(t *testing.T) {
	f := New()
	err := f.Validate("file", &base.ConnectorConfig{
		Settings: map[string]interface{}{"path": "/data/users.parquet", "type": "parquet"},
	})
	if base.CodeOf(err) != base.CodeUnsupportedType {
		t.Errorf("expected UNSUPPORTED_TYPE, got %v", err)
	}
}

func TestValidateUnknownKind(t *testing.T) {
	f := New()
	err := f.Validate("cassandra", &base.ConnectorConfig{})
	if base.CodeOf(err) != base.CodeUnknownKind {
		t.Errorf("expected UNKNOWN_KIND, got %v", err)
	}
}

func TestValidateRuntimeKindAccepted(t *testing.T) {
	f := New()
	f.Register("custom", func() base.Connector { return fakeConnector{} })

	// No validation table entry; its constructor validates on Connect.
	if err := f.Validate("custom", &base.ConnectorConfig{}); err != nil {
		t.Errorf("runtime-registered kind must pass validation: %v", err)
	}
}

func TestKinds(t *testing.T) {
	f := New()
	kinds := f.Kinds()
	if len(kinds) != 5 {
		t.Fatalf("expected 5 builtin kinds, got %d: %v", len(kinds), kinds)
	}
	for i := 1; i < len(kinds); i++ {
		if kinds[i-1] >= kinds[i] {
			t.Errorf("kinds not sorted: %v", kinds)
		}
	}
}
