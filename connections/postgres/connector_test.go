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

package postgres

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"datalink/connections/base"
	"datalink/connections/cache"
)

// newMockConnector wires a sqlmock pool into a connector, bypassing
// Connect so no real handshake happens.
func newMockConnector(t *testing.T) (*Connector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c := New()
	c.db = db
	c.config = &base.ConnectorConfig{ID: "pg-test", Kind: "postgres"}
	c.cache = cache.New(time.Minute, true)
	return c, mock
}

func TestQueryRows(t *testing.T) {
	c, mock := newMockConnector(t)

	mock.ExpectQuery("SELECT id, name FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(1, "ada").
			AddRow(2, "grace"))

	result, err := c.Query(context.Background(), &base.Query{Statement: "SELECT id, name FROM users"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowCount != 2 {
		t.Errorf("expected 2 rows, got %d", result.RowCount)
	}
	if result.Rows[0]["name"] != "ada" {
		t.Errorf("expected ada, got %v", result.Rows[0]["name"])
	}
	if len(result.Fields) != 2 || result.Fields[0] != "id" {
		t.Errorf("unexpected fields: %v", result.Fields)
	}
	if result.Connector != "pg-test" {
		t.Errorf("unexpected connector id %q", result.Connector)
	}
}

func TestQueryByteSliceScansToString(t *testing.T) {
	c, mock := newMockConnector(t)

	mock.ExpectQuery("SELECT payload FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{"a":1}`)))

	result, err := c.Query(context.Background(), &base.Query{Statement: "SELECT payload FROM events"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := result.Rows[0]["payload"].(string); !ok {
		t.Errorf("expected []byte column to scan as string, got %T", result.Rows[0]["payload"])
	}
}

func TestQueryLimit(t *testing.T) {
	c, mock := newMockConnector(t)

	mock.ExpectQuery("SELECT n FROM seq").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1).AddRow(2).AddRow(3))

	result, err := c.Query(context.Background(), &base.Query{Statement: "SELECT n FROM seq", Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowCount != 2 {
		t.Errorf("expected limit to cap at 2 rows, got %d", result.RowCount)
	}
}

func TestQueryCacheInterposition(t *testing.T) {
	c, mock := newMockConnector(t)

	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	q := &base.Query{Statement: "SELECT count(*) FROM t", CacheKey: "t-count"}

	first, err := c.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Cached {
		t.Error("first result must not be cached")
	}

	// No second expectation: a backend round trip would fail the mock.
	second, err := c.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Cached {
		t.Error("second result should come from cache")
	}
	if second.RowCount != first.RowCount {
		t.Errorf("cached result differs: %d vs %d", second.RowCount, first.RowCount)
	}
}

func TestQueryNotConnected(t *testing.T) {
	c := New()
	_, err := c.Query(context.Background(), &base.Query{Statement: "SELECT 1"})
	if base.CodeOf(err) != base.CodeNotConnected {
		t.Errorf("expected NOT_CONNECTED, got %v", err)
	}
}

func TestQueryErrDeadlineMapsToTimeout(t *testing.T) {
	c := New()
	err := c.wrapQueryErr("Query", fmt.Errorf("pq: %w", context.DeadlineExceeded))
	if base.CodeOf(err) != base.CodeTimeout {
		t.Errorf("expected TIMEOUT for wrapped deadline, got %v", err)
	}
	err = c.wrapQueryErr("Query", fmt.Errorf("pq: syntax error"))
	if base.CodeOf(err) != base.CodeBackendError {
		t.Errorf("expected BACKEND_ERROR, got %v", err)
	}
}

func TestExecuteRaw(t *testing.T) {
	c, mock := newMockConnector(t)

	mock.ExpectExec("UPDATE users SET active").
		WillReturnResult(sqlmock.NewResult(0, 3))

	result, err := c.Execute(context.Background(), &base.Command{
		Statement: "UPDATE users SET active = false",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.RowsAffected != 3 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestExecuteUnknownAction(t *testing.T) {
	c, _ := newMockConnector(t)
	_, err := c.Execute(context.Background(), &base.Command{Action: "truncate", Statement: "users"})
	if base.CodeOf(err) != base.CodeUnknownOperation {
		t.Errorf("expected UNKNOWN_OPERATION, got %v", err)
	}
}

func TestExecuteDeleteWithoutPredicate(t *testing.T) {
	c, _ := newMockConnector(t)
	_, err := c.Execute(context.Background(), &base.Command{
		Action:     "delete",
		Statement:  "users",
		Parameters: map[string]interface{}{},
	})
	if base.CodeOf(err) != base.CodeUnsafeDelete {
		t.Errorf("expected UNSAFE_DELETE, got %v", err)
	}
}

func TestBuildInsert(t *testing.T) {
	stmt, args, err := buildInsert(&base.Command{
		Statement:  "users",
		Parameters: map[string]interface{}{"name": "ada", "email": "ada@example.com"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Columns are sorted for determinism.
	want := "INSERT INTO users (email, name) VALUES ($1, $2)"
	if stmt != want {
		t.Errorf("got %q, want %q", stmt, want)
	}
	if len(args) != 2 || args[0] != "ada@example.com" {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestBuildUpdate(t *testing.T) {
	stmt, args, err := buildUpdate(&base.Command{
		Statement: "users",
		Parameters: map[string]interface{}{
			"set":   map[string]interface{}{"name": "grace"},
			"where": map[string]interface{}{"id": 2},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "UPDATE users SET name = $1 WHERE id = $2"
	if stmt != want {
		t.Errorf("got %q, want %q", stmt, want)
	}
	if len(args) != 2 {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestBuildDelete(t *testing.T) {
	stmt, args, err := buildDelete(&base.Command{
		Statement: "sessions",
		Parameters: map[string]interface{}{
			"where": map[string]interface{}{"user_id": 5, "expired": true},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(stmt, "DELETE FROM sessions WHERE ") {
		t.Errorf("unexpected statement %q", stmt)
	}
	if len(args) != 2 {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	c, mock := newMockConnector(t)
	mock.ExpectClose()
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Disconnect(context.Background()); err != nil {
		t.Errorf("second disconnect must be a no-op: %v", err)
	}
}

func TestBuildDSN(t *testing.T) {
	config := &base.ConnectorConfig{
		Settings: map[string]interface{}{
			"host":     "db.internal",
			"port":     5433,
			"database": "app",
			"tls":      true,
		},
		Credentials: map[string]string{"user": "svc", "password": "secret"},
	}
	dsn := buildDSN(config)
	for _, part := range []string{"host=db.internal", "port=5433", "dbname=app", "user=svc", "sslmode=require"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("DSN missing %q: %s", part, dsn)
		}
	}
}
