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

// Package manager exposes the single entry point for working with
// heterogeneous connections. It owns the factory, the registry, and
// the supervisor, and presents one uniform surface regardless of what
// kind of backend sits behind a connection ID.
//
// Typical use:
//
//	mgr := manager.New()
//	_, err := mgr.CreateConnection(ctx, "orders-db", "postgres", cfg)
//	...
//	result, err := mgr.Query(ctx, "orders-db", &base.Query{Statement: "SELECT * FROM orders"})
package manager

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"datalink/connections/base"
	"datalink/connections/factory"
	"datalink/connections/registry"
	"datalink/connections/supervisor"
)

// Manager is the uniform connection surface.
type Manager struct {
	factory    *factory.Factory
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	metrics    *metrics
	logger     *log.Logger
}

// New creates a manager with the builtin connector kinds installed.
func New() *Manager {
	f := factory.New()
	reg := registry.New(f)
	return &Manager{
		factory:    f,
		registry:   reg,
		supervisor: supervisor.New(reg),
		metrics:    newMetrics(),
		logger:     log.New(os.Stdout, "[DL_MANAGER] ", log.LstdFlags),
	}
}

// RegisterConnector installs a connector kind at runtime. Registering
// an existing kind overrides it.
func (m *Manager) RegisterConnector(kind string, ctor base.Constructor) {
	m.registry.Register(kind, ctor)
}

// Kinds returns the registered connector kinds.
func (m *Manager) Kinds() []string {
	return m.factory.Kinds()
}

// CreateConnection creates, connects, and registers a connection.
func (m *Manager) CreateConnection(ctx context.Context, id, kind string, config *base.ConnectorConfig) (*registry.Connection, error) {
	conn, err := m.registry.Create(ctx, id, kind, config)
	if err != nil {
		m.metrics.createFailures.Inc()
		return nil, err
	}
	m.metrics.created.Inc()
	m.metrics.active.Set(float64(m.registry.Len()))
	return conn, nil
}

// DataSource is a connection definition as it appears in bootstrap
// files and request payloads.
type DataSource struct {
	ID           string                 `json:"id" yaml:"id"`
	Kind         string                 `json:"kind" yaml:"kind"`
	Settings     map[string]interface{} `json:"settings" yaml:"settings"`
	Credentials  map[string]string      `json:"credentials" yaml:"credentials"`
	Timeout      time.Duration          `json:"timeout" yaml:"timeout"`
	CacheEnabled bool                   `json:"cache_enabled" yaml:"cache_enabled"`
	CacheTTL     time.Duration          `json:"cache_ttl" yaml:"cache_ttl"`
}

// CreateFromDataSource creates a connection from a data source
// definition, generating an ID when the definition omits one.
func (m *Manager) CreateFromDataSource(ctx context.Context, ds *DataSource) (*registry.Connection, error) {
	id := ds.ID
	if id == "" {
		id = uuid.NewString()
	}
	config := &base.ConnectorConfig{
		ID:           id,
		Kind:         ds.Kind,
		Settings:     ds.Settings,
		Credentials:  ds.Credentials,
		Timeout:      ds.Timeout,
		CacheEnabled: ds.CacheEnabled,
		CacheTTL:     ds.CacheTTL,
	}
	return m.CreateConnection(ctx, id, ds.Kind, config)
}

// GetConnector returns the connector behind a connection ID and marks
// the connection used.
func (m *Manager) GetConnector(id string) (base.Connector, error) {
	conn, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return conn.Connector, nil
}

// HasConnection reports whether the connection exists without touching
// its usage bookkeeping.
func (m *Manager) HasConnection(id string) bool {
	return m.registry.Has(id)
}

// RemoveConnection removes the connection and disconnects its
// connector. The entry is gone even when disconnect fails.
func (m *Manager) RemoveConnection(ctx context.Context, id string) error {
	err := m.registry.Remove(ctx, id)
	m.metrics.active.Set(float64(m.registry.Len()))
	if err == nil {
		m.metrics.removed.Inc()
	}
	return err
}

// Query runs a read on the named connection.
func (m *Manager) Query(ctx context.Context, id string, query *base.Query) (*base.QueryResult, error) {
	conn, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := m.deadline(ctx, query.Timeout, conn.Config)
	defer cancel()

	start := time.Now()
	result, err := conn.Connector.Query(ctx, query)
	m.metrics.queryDuration.WithLabelValues(conn.Kind).Observe(time.Since(start).Seconds())
	if err != nil {
		m.metrics.queryFailures.WithLabelValues(conn.Kind).Inc()
		return nil, err
	}
	m.metrics.queries.WithLabelValues(conn.Kind).Inc()
	return result, nil
}

// Execute runs a write on the named connection.
func (m *Manager) Execute(ctx context.Context, id string, cmd *base.Command) (*base.CommandResult, error) {
	conn, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := m.deadline(ctx, cmd.Timeout, conn.Config)
	defer cancel()

	start := time.Now()
	result, err := conn.Connector.Execute(ctx, cmd)
	m.metrics.queryDuration.WithLabelValues(conn.Kind).Observe(time.Since(start).Seconds())
	if err != nil {
		m.metrics.queryFailures.WithLabelValues(conn.Kind).Inc()
		return nil, err
	}
	m.metrics.queries.WithLabelValues(conn.Kind).Inc()
	return result, nil
}

func (m *Manager) deadline(ctx context.Context, override time.Duration, config *base.ConnectorConfig) (context.Context, context.CancelFunc) {
	timeout := config.EffectiveTimeout()
	if override > 0 {
		timeout = override
	}
	return context.WithTimeout(ctx, timeout)
}

// TestConnection probes the named connection's health. A health probe
// counts as a use.
func (m *Manager) TestConnection(ctx context.Context, id string) (*base.TestReport, error) {
	conn, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return conn.Connector.Test(ctx)
}

// ClearCache invalidates the named connection's response cache (or one
// key, when given) and counts as a use. Connections without a cache
// are a no-op.
func (m *Manager) ClearCache(id, key string) error {
	conn, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	conn.Connector.Cache().Invalidate(key)
	return nil
}

// GetConnectionInfo returns connection metadata without counting as a
// use.
func (m *Manager) GetConnectionInfo(id string) (map[string]interface{}, error) {
	conn, err := m.registry.Peek(id)
	if err != nil {
		return nil, err
	}

	info := conn.Connector.Info()
	info["id"] = conn.ID
	info["created_at"] = conn.CreatedAt
	info["last_used_at"] = conn.LastUsedAt
	if c := conn.Connector.Cache(); c != nil {
		info["cache"] = c.GetStats()
	}
	return info, nil
}

// ListConnections returns the registered connection IDs.
func (m *Manager) ListConnections() []string {
	return m.registry.List()
}

// CloseAll removes every connection.
func (m *Manager) CloseAll(ctx context.Context) error {
	err := m.supervisor.CloseAll(ctx)
	m.metrics.active.Set(float64(m.registry.Len()))
	return err
}

// CleanupIdle removes connections idle for longer than threshold and
// returns the removed IDs. A negative threshold selects the one hour
// default; zero reaps everything not in active use.
func (m *Manager) CleanupIdle(ctx context.Context, threshold time.Duration) ([]string, error) {
	removed, err := m.supervisor.CleanupIdle(ctx, threshold)
	m.metrics.active.Set(float64(m.registry.Len()))
	return removed, err
}

// Batch runs queries across connections sequentially; per-query
// failures are captured in-band.
func (m *Manager) Batch(ctx context.Context, queries []supervisor.BatchQuery) []supervisor.BatchResult {
	results := m.supervisor.Batch(ctx, queries)
	for i := range results {
		kind := "unknown"
		if conn, err := m.registry.Peek(results[i].ConnectionID); err == nil {
			kind = conn.Kind
		}
		if results[i].Error != "" {
			m.metrics.queryFailures.WithLabelValues(kind).Inc()
		} else {
			m.metrics.queries.WithLabelValues(kind).Inc()
		}
	}
	return results
}

// GetStats summarizes the connection fleet.
func (m *Manager) GetStats() *supervisor.Stats {
	return m.supervisor.Stats()
}
