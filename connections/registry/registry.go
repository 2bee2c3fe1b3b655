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

// Package registry tracks live connections by identifier. A connection
// enters the registry only after its connector has connected; a failed
// creation leaves no trace.
package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"datalink/connections/base"
	"datalink/connections/factory"
)

// Connection is one registered connection and its bookkeeping.
// Accessors return copies; the registry owns the live entry and all
// timestamp updates happen under its lock.
type Connection struct {
	ID         string
	Kind       string // canonical kind
	Config     *base.ConnectorConfig
	Connector  base.Connector
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Registry holds live connections keyed by ID.
type Registry struct {
	factory *factory.Factory
	conns   map[string]*Connection
	logger  *log.Logger
	mu      sync.RWMutex
}

// New creates an empty registry backed by the given factory.
func New(f *factory.Factory) *Registry {
	return &Registry{
		factory: f,
		conns:   make(map[string]*Connection),
		logger:  log.New(os.Stdout, "[DL_REGISTRY] ", log.LstdFlags),
	}
}

// Create validates the config, builds the connector, connects it, and
// registers the connection. The steps run in a fixed order: duplicate
// check, kind resolution, validation, construction, connect, insert.
// Any failure before insert leaves the registry unchanged; a connector
// that partially connected is disconnected before the error returns.
func (r *Registry) Create(ctx context.Context, id, kind string, config *base.ConnectorConfig) (*Connection, error) {
	if id == "" {
		return nil, base.NewError(base.CodeInvalidConfig, id, "Create", "connection id is required", nil)
	}

	if r.Has(id) {
		return nil, base.NewError(base.CodeDuplicateID, id, "Create",
			fmt.Sprintf("connection %q already exists", id), nil)
	}

	canon, err := factory.Canonical(kind)
	if err != nil {
		// Runtime-registered kinds have no alias entry.
		if _, rerr := r.factory.Resolve(kind); rerr != nil {
			return nil, err
		}
		canon = strings.ToLower(strings.TrimSpace(kind))
	}

	if err := r.factory.Validate(kind, config); err != nil {
		return nil, err
	}

	ctor, err := r.factory.Resolve(kind)
	if err != nil {
		return nil, err
	}
	connector := ctor()

	// The connector sees the spelling the connection was created with,
	// so a "csv" connection can default its file type from its kind.
	config.ID = id
	config.Kind = strings.ToLower(strings.TrimSpace(kind))

	if err := connector.Connect(ctx, config); err != nil {
		_ = connector.Disconnect(ctx)
		if base.CodeOf(err) != "" {
			return nil, err
		}
		return nil, base.NewError(base.CodeConnectFailed, id, "Create", "failed to connect", err)
	}

	now := time.Now()
	conn := &Connection{
		ID:         id,
		Kind:       canon,
		Config:     config,
		Connector:  connector,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	r.mu.Lock()
	if _, exists := r.conns[id]; exists {
		r.mu.Unlock()
		// Lost the race to another creator with the same id.
		_ = connector.Disconnect(ctx)
		return nil, base.NewError(base.CodeDuplicateID, id, "Create",
			fmt.Sprintf("connection %q already exists", id), nil)
	}
	r.conns[id] = conn
	snapshot := *conn
	r.mu.Unlock()

	r.logger.Printf("Created connection: %s (kind=%s)", id, canon)
	return &snapshot, nil
}

// Get returns a copy of the connection and marks it used.
func (r *Registry) Get(id string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil, base.NewError(base.CodeNotFound, id, "Get",
			fmt.Sprintf("connection %q not found", id), nil)
	}
	conn.LastUsedAt = time.Now()
	snapshot := *conn
	return &snapshot, nil
}

// Peek returns a copy of the connection without marking it used.
func (r *Registry) Peek(id string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil, base.NewError(base.CodeNotFound, id, "Peek",
			fmt.Sprintf("connection %q not found", id), nil)
	}
	snapshot := *conn
	return &snapshot, nil
}

// Has reports whether the connection exists. It never touches usage
// bookkeeping.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// Remove unregisters the connection, then disconnects its connector.
// The entry is gone even when disconnect fails; the failure is
// reported as DISCONNECT_FAILED.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return base.NewError(base.CodeNotFound, id, "Remove",
			fmt.Sprintf("connection %q not found", id), nil)
	}
	delete(r.conns, id)
	r.mu.Unlock()

	if err := conn.Connector.Disconnect(ctx); err != nil {
		if base.CodeOf(err) != "" {
			return err
		}
		return base.NewError(base.CodeDisconnectFailed, id, "Remove", "failed to disconnect", err)
	}

	r.logger.Printf("Removed connection: %s", id)
	return nil
}

// List returns the IDs of all registered connections.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a consistent copy of every connection entry.
func (r *Registry) Snapshot() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, *conn)
	}
	return conns
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Touch marks the connection used, if present.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		conn.LastUsedAt = time.Now()
	}
}

// SetLastUsed overrides the connection's last-use timestamp, if
// present. Housekeeping that replays recorded usage goes through here;
// normal callers rely on Get.
func (r *Registry) SetLastUsed(id string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		conn.LastUsedAt = t
	}
}

// Register installs a connector kind on the underlying factory.
func (r *Registry) Register(kind string, ctor base.Constructor) {
	r.factory.Register(kind, ctor)
}
