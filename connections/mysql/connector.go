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

// Package mysql provides a MySQL connector. It is not part of the
// builtin kind table; install it at runtime:
//
//	mgr.RegisterConnector("mysql", func() base.Connector { return mysql.New() })
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	godriver "github.com/go-sql-driver/mysql"

	"datalink/connections/base"
	"datalink/connections/cache"
)

const (
	// DefaultPort is the default MySQL port.
	DefaultPort = 3306
	// DefaultPoolSize is the default maximum number of pooled connections.
	DefaultPoolSize = 10
	// DefaultConnectTimeout bounds the dial and handshake.
	DefaultConnectTimeout = 5 * time.Second
)

// Connector adapts a MySQL database to the uniform connection contract.
type Connector struct {
	config *base.ConnectorConfig
	db     *sql.DB
	cache  *cache.Cache
	logger *log.Logger
}

// New creates an unconnected MySQL connector.
func New() *Connector {
	return &Connector{
		logger: log.New(os.Stdout, "[DL_MYSQL] ", log.LstdFlags),
	}
}

// Kind returns the connector kind.
func (c *Connector) Kind() string { return "mysql" }

// Cache returns the connector's response cache.
func (c *Connector) Cache() *cache.Cache { return c.cache }

// Connect opens the connection pool and verifies the handshake.
func (c *Connector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	if c.db != nil {
		return nil
	}
	if config.StringSetting("host", "") == "" || config.StringSetting("database", "") == "" {
		return base.NewError(base.CodeInvalidConfig, config.ID, "Connect",
			`settings "host" and "database" are required`, nil)
	}

	c.config = config
	c.cache = cache.New(config.CacheTTL, config.CacheEnabled)

	dsnCfg := godriver.NewConfig()
	dsnCfg.Net = "tcp"
	dsnCfg.Addr = fmt.Sprintf("%s:%d", config.StringSetting("host", "localhost"), config.IntSetting("port", DefaultPort))
	dsnCfg.DBName = config.StringSetting("database", "")
	dsnCfg.User = config.Credential("user")
	dsnCfg.Passwd = config.Credential("password")
	dsnCfg.ParseTime = true
	dsnCfg.Timeout = DefaultConnectTimeout

	db, err := sql.Open("mysql", dsnCfg.FormatDSN())
	if err != nil {
		return base.NewError(base.CodeConnectFailed, config.ID, "Connect", "failed to open connection", err)
	}

	poolSize := config.IntSetting("pool_size", DefaultPoolSize)
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	pingCtx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return base.NewError(base.CodeConnectFailed, config.ID, "Connect", "handshake failed", err)
	}

	c.db = db
	c.logger.Printf("Connected to MySQL: %s", config.ID)
	return nil
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
	return nil
}

// Test pings the database.
func (c *Connector) Test(ctx context.Context) (*base.TestReport, error) {
	if c.db == nil {
		return &base.TestReport{Healthy: false, Timestamp: time.Now(), Error: "not connected"}, nil
	}

	start := time.Now()
	err := c.db.PingContext(ctx)
	report := &base.TestReport{
		Healthy:   err == nil,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		report.Error = err.Error()
	}
	return report, nil
}

// Query runs a SQL statement with ? placeholders.
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
		return nil, base.NewError(base.CodeBackendError, c.id(), "Query", "statement failed", err)
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
		return nil, base.NewError(base.CodeBackendError, c.id(), "Query", "statement failed", err)
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

// Execute runs a raw write statement.
func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	if c.db == nil {
		return nil, base.NewError(base.CodeNotConnected, c.id(), "Execute", "not connected", nil)
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = c.config.EffectiveTimeout()
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := c.db.ExecContext(execCtx, cmd.Statement, cmd.Args...)
	if err != nil {
		return nil, base.NewError(base.CodeBackendError, c.id(), "Execute", "statement failed", err)
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

// Info surfaces pool gauges.
func (c *Connector) Info() map[string]interface{} {
	info := map[string]interface{}{
		"kind":      "mysql",
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
	return "mysql"
}
