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
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"datalink/connections/base"
	"datalink/connections/cache"
)

const (
	// DefaultPort is the default PostgreSQL port.
	DefaultPort = 5432
	// DefaultPoolSize is the default maximum number of pooled connections.
	DefaultPoolSize = 10
	// DefaultIdleTimeout is the default idle connection lifetime.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds the initial handshake.
	DefaultConnectTimeout = 5 * time.Second
)

// Connector adapts a PostgreSQL database to the uniform connection
// contract. It owns one connection pool for the lifetime of the
// connection; individual query failures never tear the pool down.
type Connector struct {
	config *base.ConnectorConfig
	db     *sql.DB
	cache  *cache.Cache
	logger *log.Logger
}

// New creates an unconnected PostgreSQL connector.
func New() *Connector {
	return &Connector{
		logger: log.New(os.Stdout, "[DL_POSTGRES] ", log.LstdFlags),
	}
}

// Kind returns the connector kind.
func (c *Connector) Kind() string { return "postgres" }

// Cache returns the connector's response cache.
func (c *Connector) Cache() *cache.Cache { return c.cache }

// Connect opens the connection pool and verifies the handshake.
// Calling Connect on an already connected connector is a no-op.
func (c *Connector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	if c.db != nil {
		return nil
	}
	c.config = config
	c.cache = cache.New(config.CacheTTL, config.CacheEnabled)

	db, err := sql.Open("postgres", buildDSN(config))
	if err != nil {
		return base.NewError(base.CodeConnectFailed, config.ID, "Connect", "failed to open connection", err)
	}

	poolSize := config.IntSetting("pool_size", DefaultPoolSize)
	idleTimeout := time.Duration(config.IntSetting("idle_timeout_ms", int(DefaultIdleTimeout/time.Millisecond))) * time.Millisecond

	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxIdleTime(idleTimeout)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout(config))
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return base.NewError(base.CodeConnectFailed, config.ID, "Connect", "handshake failed", err)
	}

	c.db = db
	c.logger.Printf("Connected to PostgreSQL: %s (pool_size=%d)", config.ID, poolSize)
	return nil
}

// buildDSN assembles a keyword/value DSN from the config. The password
// never passes through a logger.
func buildDSN(config *base.ConnectorConfig) string {
	parts := []string{
		"host=" + config.StringSetting("host", "localhost"),
		fmt.Sprintf("port=%d", config.IntSetting("port", DefaultPort)),
		"dbname=" + config.StringSetting("database", ""),
		"user=" + config.Credential("user"),
		"password=" + config.Credential("password"),
		fmt.Sprintf("connect_timeout=%d", int(connectTimeout(config)/time.Second)),
	}
	if config.BoolSetting("tls", false) {
		parts = append(parts, "sslmode=require")
	} else {
		parts = append(parts, "sslmode=disable")
	}
	return strings.Join(parts, " ")
}

func connectTimeout(config *base.ConnectorConfig) time.Duration {
	ms := config.IntSetting("connect_timeout_ms", int(DefaultConnectTimeout/time.Millisecond))
	if ms <= 0 {
		ms = int(DefaultConnectTimeout / time.Millisecond)
	}
	return time.Duration(ms) * time.Millisecond
}

// Disconnect closes the connection pool.
func (c *Connector) Disconnect(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	db := c.db
	c.db = nil
	if err := db.Close(); err != nil {
		return base.NewError(base.CodeDisconnectFailed, c.id(), "Disconnect", "failed to close pool", err)
	}
	c.logger.Printf("Disconnected from PostgreSQL: %s", c.id())
	return nil
}

// Test pings the database and reports pool gauges.
func (c *Connector) Test(ctx context.Context) (*base.TestReport, error) {
	if c.db == nil {
		return &base.TestReport{
			Healthy:   false,
			Timestamp: time.Now(),
			Error:     "not connected",
		}, nil
	}

	start := time.Now()
	err := c.db.PingContext(ctx)
	latency := time.Since(start)

	if err != nil {
		return &base.TestReport{
			Healthy:   false,
			Latency:   latency,
			Timestamp: time.Now(),
			Error:     err.Error(),
		}, nil
	}

	stats := c.db.Stats()
	return &base.TestReport{
		Healthy:   true,
		Latency:   latency,
		Timestamp: time.Now(),
		Details: map[string]string{
			"open_connections": fmt.Sprintf("%d", stats.OpenConnections),
			"idle":             fmt.Sprintf("%d", stats.Idle),
			"wait_count":       fmt.Sprintf("%d", stats.WaitCount),
		},
	}, nil
}

// Query runs a SQL statement and returns the rows as key/value maps.
// When the query carries a cache key, the result is interposed through
// the connector cache.
func (c *Connector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if c.db == nil {
		return nil, base.NewError(base.CodeNotConnected, c.id(), "Query", "not connected", nil)
	}

	if query.CacheKey != "" {
		if cached, ok := c.cache.Get(query.CacheKey); ok {
			res := cached.(*base.QueryResult)
			out := *res
			out.Cached = true
			return &out, nil
		}
	}

	timeout := query.Timeout
	if timeout == 0 {
		timeout = c.config.EffectiveTimeout()
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rows, err := c.db.QueryContext(queryCtx, query.Statement, query.Args...)
	if err != nil {
		return nil, c.wrapQueryErr("Query", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, base.NewError(base.CodeBackendError, c.id(), "Query", "failed to read columns", err)
	}

	results := make([]map[string]interface{}, 0)
	for rows.Next() {
		if query.Limit > 0 && len(results) >= query.Limit {
			break
		}

		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, base.NewError(base.CodeBackendError, c.id(), "Query", "failed to scan row", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, c.wrapQueryErr("Query", err)
	}

	result := &base.QueryResult{
		Rows:      results,
		RowCount:  len(results),
		Fields:    columns,
		Duration:  time.Since(start),
		Connector: c.id(),
	}

	if query.CacheKey != "" {
		c.cache.Put(query.CacheKey, result)
	}
	return result, nil
}

// Execute runs a write operation. Action selects either a raw statement
// ("exec") or a builder verb ("insert", "update", "delete") that
// constructs a parameterized statement from the parameters map.
// A delete without a predicate fails UNSAFE_DELETE.
func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	if c.db == nil {
		return nil, base.NewError(base.CodeNotConnected, c.id(), "Execute", "not connected", nil)
	}

	statement := cmd.Statement
	args := cmd.Args
	var err error

	switch strings.ToLower(cmd.Action) {
	case "", "exec":
		// Statement is already SQL.
	case "insert":
		statement, args, err = buildInsert(cmd)
	case "update":
		statement, args, err = buildUpdate(cmd)
	case "delete":
		statement, args, err = buildDelete(cmd)
	default:
		return nil, base.NewError(base.CodeUnknownOperation, c.id(), "Execute",
			fmt.Sprintf("unknown action %q", cmd.Action), nil)
	}
	if err != nil {
		if be, ok := err.(*base.Error); ok {
			be.Connector = c.id()
			return nil, be
		}
		return nil, base.NewError(base.CodeBackendError, c.id(), "Execute", "failed to build statement", err)
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = c.config.EffectiveTimeout()
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := c.db.ExecContext(execCtx, statement, args...)
	if err != nil {
		return nil, c.wrapQueryErr("Execute", err)
	}

	affected, _ := res.RowsAffected()
	return &base.CommandResult{
		Success:      true,
		RowsAffected: int(affected),
		Duration:     time.Since(start),
		Message:      fmt.Sprintf("%d row(s) affected", affected),
		Connector:    c.id(),
	}, nil
}

// Transaction acquires one pooled session, runs body inside BEGIN/COMMIT,
// and rolls back before surfacing any failure.
func (c *Connector) Transaction(ctx context.Context, body func(tx *sql.Tx) error) error {
	if c.db == nil {
		return base.NewError(base.CodeNotConnected, c.id(), "Transaction", "not connected", nil)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return base.NewError(base.CodeBackendError, c.id(), "Transaction", "failed to begin", err)
	}

	if err := body(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.Printf("Rollback failed for %s: %v", c.id(), rbErr)
		}
		return base.NewError(base.CodeBackendError, c.id(), "Transaction", "transaction body failed", err)
	}

	if err := tx.Commit(); err != nil {
		return base.NewError(base.CodeBackendError, c.id(), "Transaction", "failed to commit", err)
	}
	return nil
}

// Info surfaces pool gauges without touching the backend.
func (c *Connector) Info() map[string]interface{} {
	info := map[string]interface{}{
		"kind":      "postgres",
		"connected": c.db != nil,
	}
	if c.db != nil {
		stats := c.db.Stats()
		info["total_count"] = stats.OpenConnections
		info["idle_count"] = stats.Idle
		info["waiting_count"] = int(stats.WaitCount)
	}
	return info
}

func (c *Connector) id() string {
	if c.config != nil {
		return c.config.ID
	}
	return "postgres"
}

func (c *Connector) wrapQueryErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return base.NewError(base.CodeTimeout, c.id(), op, "statement timed out", err)
	}
	return base.NewError(base.CodeBackendError, c.id(), op, "statement failed", err)
}

// buildInsert constructs INSERT INTO <table> (cols...) VALUES ($1...).
// Statement names the table; Parameters holds the column values.
// Columns are sorted so the generated SQL is deterministic.
func buildInsert(cmd *base.Command) (string, []interface{}, error) {
	if len(cmd.Parameters) == 0 {
		return "", nil, fmt.Errorf("insert requires values")
	}
	cols := sortedKeys(cmd.Parameters)
	placeholders := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = cmd.Parameters[col]
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		cmd.Statement, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return stmt, args, nil
}

// buildUpdate constructs UPDATE <table> SET ... WHERE ... from the
// "set" and "where" parameter maps.
func buildUpdate(cmd *base.Command) (string, []interface{}, error) {
	set, _ := cmd.Parameters["set"].(map[string]interface{})
	where, _ := cmd.Parameters["where"].(map[string]interface{})
	if len(set) == 0 {
		return "", nil, fmt.Errorf(`update requires a "set" map`)
	}

	var args []interface{}
	setCols := sortedKeys(set)
	setParts := make([]string, len(setCols))
	for i, col := range setCols {
		args = append(args, set[col])
		setParts[i] = fmt.Sprintf("%s = $%d", col, len(args))
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s", cmd.Statement, strings.Join(setParts, ", "))
	if len(where) > 0 {
		whereCols := sortedKeys(where)
		whereParts := make([]string, len(whereCols))
		for i, col := range whereCols {
			args = append(args, where[col])
			whereParts[i] = fmt.Sprintf("%s = $%d", col, len(args))
		}
		stmt += " WHERE " + strings.Join(whereParts, " AND ")
	}
	return stmt, args, nil
}

// buildDelete constructs DELETE FROM <table> WHERE ... and refuses to
// run without a predicate.
func buildDelete(cmd *base.Command) (string, []interface{}, error) {
	where, _ := cmd.Parameters["where"].(map[string]interface{})
	if len(where) == 0 {
		return "", nil, base.NewError(base.CodeUnsafeDelete, "", "Execute",
			"delete without a predicate is not allowed", nil)
	}

	var args []interface{}
	whereCols := sortedKeys(where)
	whereParts := make([]string, len(whereCols))
	for i, col := range whereCols {
		args = append(args, where[col])
		whereParts[i] = fmt.Sprintf("%s = $%d", col, len(args))
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", cmd.Statement, strings.Join(whereParts, " AND "))
	return stmt, args, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
