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

package base

import (
	"context"
	"time"

	"datalink/connections/cache"
)

// Connector is the uniform contract every backend adapter implements.
// Reads go through Query, writes through Execute. Info must not block
// on I/O and must not count as a use of the connection.
type Connector interface {
	// Lifecycle
	Connect(ctx context.Context, config *ConnectorConfig) error
	Disconnect(ctx context.Context) error
	Test(ctx context.Context) (*TestReport, error)

	// Data operations
	Query(ctx context.Context, query *Query) (*QueryResult, error)
	Execute(ctx context.Context, cmd *Command) (*CommandResult, error)

	// Metadata
	Kind() string
	Info() map[string]interface{}

	// Cache returns the connector's response cache. It may be nil when
	// caching is disabled for the connection.
	Cache() *cache.Cache
}

// Constructor builds a fresh, unconnected connector instance.
type Constructor func() Connector

// ConnectorConfig holds the configuration for a single connection.
// Settings carries kind-specific knobs; Credentials carries secret
// material and is never logged.
type ConnectorConfig struct {
	ID           string                 `json:"id" yaml:"id"`
	Kind         string                 `json:"kind" yaml:"kind"`
	Settings     map[string]interface{} `json:"settings" yaml:"settings"`
	Credentials  map[string]string      `json:"credentials" yaml:"credentials"`
	Timeout      time.Duration          `json:"timeout" yaml:"timeout"`
	CacheEnabled bool                   `json:"cache_enabled" yaml:"cache_enabled"`
	CacheTTL     time.Duration          `json:"cache_ttl" yaml:"cache_ttl"`
}

// DefaultTimeout bounds a single outbound call when the config does
// not say otherwise.
const DefaultTimeout = 30 * time.Second

// EffectiveTimeout returns the configured timeout or the default.
func (c *ConnectorConfig) EffectiveTimeout() time.Duration {
	if c != nil && c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// StringSetting returns a string setting or the default.
func (c *ConnectorConfig) StringSetting(key, def string) string {
	if c == nil || c.Settings == nil {
		return def
	}
	if s, ok := c.Settings[key].(string); ok && s != "" {
		return s
	}
	return def
}

// IntSetting returns an integer setting or the default. JSON and YAML
// decoders may deliver numbers as float64 or int64.
func (c *ConnectorConfig) IntSetting(key string, def int) int {
	if c == nil || c.Settings == nil {
		return def
	}
	switch v := c.Settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// BoolSetting returns a boolean setting or the default.
func (c *ConnectorConfig) BoolSetting(key string, def bool) bool {
	if c == nil || c.Settings == nil {
		return def
	}
	if b, ok := c.Settings[key].(bool); ok {
		return b
	}
	return def
}

// Credential returns a credential value or the empty string.
func (c *ConnectorConfig) Credential(key string) string {
	if c == nil || c.Credentials == nil {
		return ""
	}
	return c.Credentials[key]
}

// Query represents a read operation. Statement carries the per-kind
// verb: SQL text for relational backends, a path for REST, an operation
// name for Forge and File, a method name for SOAP. Parameters carries
// everything else; keys with a leading underscore are transport hints
// and are never forwarded to the backend as data.
type Query struct {
	Statement  string                 `json:"statement"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Args       []interface{}          `json:"args,omitempty"` // positional SQL parameters
	CacheKey   string                 `json:"cache_key,omitempty"`
	Timeout    time.Duration          `json:"timeout,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

// QueryResult contains the outcome of a Query.
type QueryResult struct {
	Rows      []map[string]interface{} `json:"rows"`
	RowCount  int                      `json:"row_count"`
	Fields    []string                 `json:"fields,omitempty"`
	Total     int                      `json:"total,omitempty"`
	Limit     int                      `json:"limit,omitempty"`
	Offset    int                      `json:"offset,omitempty"`
	HasMore   bool                     `json:"has_more,omitempty"`
	Duration  time.Duration            `json:"duration"`
	Cached    bool                     `json:"cached"`
	Connector string                   `json:"connector"`
	Metadata  map[string]interface{}   `json:"metadata,omitempty"`
}

// Command represents a write operation.
type Command struct {
	Action     string                 `json:"action"`
	Statement  string                 `json:"statement"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Args       []interface{}          `json:"args,omitempty"`
	Timeout    time.Duration          `json:"timeout,omitempty"`
}

// CommandResult contains the outcome of a Command.
type CommandResult struct {
	Success      bool                   `json:"success"`
	RowsAffected int                    `json:"rows_affected"`
	Duration     time.Duration          `json:"duration"`
	Message      string                 `json:"message"`
	Connector    string                 `json:"connector"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// TestReport describes the outcome of a connectivity probe.
type TestReport struct {
	Healthy   bool              `json:"healthy"`
	Latency   time.Duration     `json:"latency"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Error     string            `json:"error,omitempty"`
}
