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

package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"datalink/connections/base"
	"datalink/connections/cache"
	"datalink/connections/factory"
)

// mockConnector implements base.Connector for registry tests.
type mockConnector struct {
	connected     bool
	connectErr    error
	disconnectErr error
	disconnects   int
}

func (m *mockConnector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockConnector) Disconnect(ctx context.Context) error {
	m.disconnects++
	m.connected = false
	return m.disconnectErr
}

func (m *mockConnector) Test(ctx context.Context) (*base.TestReport, error) {
	return &base.TestReport{Healthy: m.connected, Timestamp: time.Now()}, nil
}

func (m *mockConnector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	return &base.QueryResult{Rows: []map[string]interface{}{{"ok": true}}, RowCount: 1}, nil
}

func (m *mockConnector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	return &base.CommandResult{Success: true}, nil
}

func (m *mockConnector) Kind() string                 { return "mock" }
func (m *mockConnector) Info() map[string]interface{} { return map[string]interface{}{"kind": "mock"} }
func (m *mockConnector) Cache() *cache.Cache          { return nil }

func newTestRegistry(t *testing.T) (*Registry, *mockConnector) {
	t.Helper()
	mock := &mockConnector{}
	f := factory.New()
	f.Register("mock", func() base.Connector { return mock })
	return New(f), mock
}

func TestCreateAndGet(t *testing.T) {
	r, mock := newTestRegistry(t)

	conn, err := r.Create(context.Background(), "c1", "mock", &base.ConnectorConfig{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !mock.connected {
		t.Error("connector must be connected after create")
	}
	if conn.ID != "c1" || conn.Kind != "mock" {
		t.Errorf("unexpected connection: %+v", conn)
	}
	if conn.Config.ID != "c1" {
		t.Error("config must carry the connection id")
	}

	got, err := r.Get("c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != conn.ID || got.Connector != conn.Connector {
		t.Error("get must return the registered connection")
	}
}

func TestCreateDuplicateID(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, err := r.Create(context.Background(), "c1", "mock", &base.ConnectorConfig{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := r.Create(context.Background(), "c1", "mock", &base.ConnectorConfig{})
	if base.CodeOf(err) != base.CodeDuplicateID {
		t.Errorf("expected DUPLICATE_ID, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("failed create must not change the registry, len=%d", r.Len())
	}
}

func TestCreateUnknownKind(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Create(context.Background(), "c1", "cassandra", &base.ConnectorConfig{})
	if base.CodeOf(err) != base.CodeUnknownKind {
		t.Errorf("expected UNKNOWN_KIND, got %v", err)
	}
	if r.Len() != 0 {
		t.Error("failed create must leave the registry empty")
	}
}

func TestCreateInvalidConfigNoSideEffects(t *testing.T) {
	r, mock := newTestRegistry(t)

	// Builtin postgres validation fails before any connector is built.
	_, err := r.Create(context.Background(), "pg", "postgres", &base.ConnectorConfig{})
	if base.CodeOf(err) != base.CodeInvalidConfig {
		t.Errorf("expected INVALID_CONFIG, got %v", err)
	}
	if mock.connected || r.Len() != 0 {
		t.Error("validation failure must leave no trace")
	}
}

func TestCreateConnectFailureDisposesConnector(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.connectErr = errors.New("backend down")

	_, err := r.Create(context.Background(), "c1", "mock", &base.ConnectorConfig{})
	if base.CodeOf(err) != base.CodeConnectFailed {
		t.Errorf("expected CONNECT_FAILED wrap, got %v", err)
	}
	if mock.disconnects != 1 {
		t.Errorf("partial connector must be disposed, disconnects=%d", mock.disconnects)
	}
	if r.Has("c1") {
		t.Error("failed connection must not be registered")
	}
}

func TestCreatePreservesCodedConnectError(t *testing.T) {
	r, mock := newTestRegistry(t)
	mock.connectErr = base.NewError(base.CodeAuthFailed, "c1", "Connect", "bad credentials", nil)

	_, err := r.Create(context.Background(), "c1", "mock", &base.ConnectorConfig{})
	if base.CodeOf(err) != base.CodeAuthFailed {
		t.Errorf("coded connect errors must pass through, got %v", err)
	}
}

func TestCreateAliasCanonicalization(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("postgres", func() base.Connector { return &mockConnector{} })

	conn, err := r.Create(context.Background(), "db", "PostgreSQL", &base.ConnectorConfig{
		Settings:    map[string]interface{}{"host": "h", "database": "d"},
		Credentials: map[string]string{"user": "u", "password": "p"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conn.Kind != "postgres" {
		t.Errorf("expected canonical kind postgres, got %s", conn.Kind)
	}
	if conn.Config.Kind != "postgresql" {
		t.Errorf("config must keep the lowercased spelling, got %s", conn.Config.Kind)
	}
}

func TestGetTouchesLastUsed(t *testing.T) {
	r, _ := newTestRegistry(t)
	conn, _ := r.Create(context.Background(), "c1", "mock", &base.ConnectorConfig{})

	before := conn.LastUsedAt
	time.Sleep(5 * time.Millisecond)
	if _, err := r.Get("c1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	after, _ := r.Peek("c1")
	if !after.LastUsedAt.After(before) {
		t.Error("get must refresh LastUsedAt")
	}
}

func TestPeekAndHasDoNotTouch(t *testing.T) {
	r, _ := newTestRegistry(t)
	conn, _ := r.Create(context.Background(), "c1", "mock", &base.ConnectorConfig{})

	before := conn.LastUsedAt
	time.Sleep(5 * time.Millisecond)
	if !r.Has("c1") {
		t.Fatal("expected Has to find c1")
	}
	if _, err := r.Peek("c1"); err != nil {
		t.Fatalf("peek: %v", err)
	}
	after, _ := r.Peek("c1")
	if !after.LastUsedAt.Equal(before) {
		t.Error("Has and Peek must not refresh LastUsedAt")
	}
}

func TestReadPathsReturnCopies(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, _ = r.Create(context.Background(), "c1", "mock", &base.ConnectorConfig{})

	// Writes to returned entries must not leak into the registry.
	peeked, _ := r.Peek("c1")
	peeked.LastUsedAt = time.Now().Add(-24 * time.Hour)
	snap := r.Snapshot()
	snap[0].Kind = "tampered"

	fresh, _ := r.Peek("c1")
	if fresh.LastUsedAt.Equal(peeked.LastUsedAt) || fresh.Kind != "mock" {
		t.Error("registry state must be isolated from returned entries")
	}
}

func TestSetLastUsed(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, _ = r.Create(context.Background(), "c1", "mock", &base.ConnectorConfig{})

	marker := time.Now().Add(-90 * time.Minute)
	r.SetLastUsed("c1", marker)
	conn, _ := r.Peek("c1")
	if !conn.LastUsedAt.Equal(marker) {
		t.Errorf("expected last use %v, got %v", marker, conn.LastUsedAt)
	}

	// Unknown ids are ignored.
	r.SetLastUsed("ghost", marker)
}

func TestRemove(t *testing.T) {
	r, mock := newTestRegistry(t)
	_, _ = r.Create(context.Background(), "c1", "mock", &base.ConnectorConfig{})

	if err := r.Remove(context.Background(), "c1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if mock.connected {
		t.Error("remove must disconnect the connector")
	}
	if r.Has("c1") {
		t.Error("remove must unregister the connection")
	}

	err := r.Remove(context.Background(), "c1")
	if base.CodeOf(err) != base.CodeNotFound {
		t.Errorf("expected NOT_FOUND on second remove, got %v", err)
	}
}

func TestRemoveSurfacesDisconnectFailure(t *testing.T) {
	r, mock := newTestRegistry(t)
	_, _ = r.Create(context.Background(), "c1", "mock", &base.ConnectorConfig{})
	mock.disconnectErr = errors.New("socket stuck")

	err := r.Remove(context.Background(), "c1")
	if base.CodeOf(err) != base.CodeDisconnectFailed {
		t.Errorf("expected DISCONNECT_FAILED, got %v", err)
	}
	// The entry is gone regardless.
	if r.Has("c1") {
		t.Error("entry must be removed even when disconnect fails")
	}
}

func TestList(t *testing.T) {
	r, _ := newTestRegistry(t)

	for _, id := range []string{"a", "b", "c"} {
		mock := &mockConnector{}
		r.Register("mock-"+id, func() base.Connector { return mock })
		if _, err := r.Create(context.Background(), id, "mock-"+id, &base.ConnectorConfig{}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	ids := r.List()
	if len(ids) != 3 {
		t.Errorf("expected 3 ids, got %v", ids)
	}
}
