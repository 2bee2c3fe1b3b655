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

// Package forge provides the connector for Forge business-object APIs.
// Forge authenticates with short-lived service tokens issued by a
// certificate-authority endpoint; the connector refreshes its token
// before any call made after the local expiry.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"datalink/connections/base"
	"datalink/connections/cache"
)

const (
	// DefaultCAURL is where service tokens are issued when the config
	// does not name a CA.
	DefaultCAURL = "http://localhost:3000"
	// TokenTTLSeconds is the requested token lifetime.
	TokenTTLSeconds = 3600
	// TokenLifetime is the local validity window. The CA may advertise
	// its own expiry; it is not authoritative here.
	TokenLifetime = time.Hour
	// DefaultServiceName identifies this service to the CA.
	DefaultServiceName = "datalink"
)

// Permissions is the permission profile requested with each token.
type Permissions struct {
	Read   bool `json:"read"`
	Write  bool `json:"write"`
	Update bool `json:"update"`
	Delete bool `json:"delete"`
}

// DefaultPermissions is the profile used when the config is silent.
var DefaultPermissions = Permissions{Read: true, Write: true, Update: true, Delete: false}

// Connector adapts a Forge business-object API to the uniform
// connection contract. Entity reads (list, get, search, schema) flow
// through Query; create/update/delete flow through Execute.
type Connector struct {
	config      *base.ConnectorConfig
	client      *http.Client
	cache       *cache.Cache
	logger      *log.Logger
	forgeURL    string
	caURL       string
	serviceName string
	permissions Permissions
	connected   bool

	token     string
	tokenExp  time.Time
	tokenSub  string
	tokenMu   sync.Mutex
	caIssued  int // token-endpoint call count, surfaced in Info
}

// New creates an unconnected Forge connector.
func New() *Connector {
	return &Connector{
		logger: log.New(os.Stdout, "[DL_FORGE] ", log.LstdFlags),
	}
}

// Kind returns the connector kind.
func (c *Connector) Kind() string { return "forge" }

// Cache returns the connector's response cache.
func (c *Connector) Cache() *cache.Cache { return c.cache }

// Connect validates the config and obtains the first service token.
// Token acquisition failure surfaces as AUTH_FAILED with no retry.
func (c *Connector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	if c.connected {
		return nil
	}
	c.config = config
	c.cache = cache.New(config.CacheTTL, config.CacheEnabled)

	forgeURL := config.StringSetting("forge_url", "")
	parsed, err := url.Parse(forgeURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return base.NewError(base.CodeInvalidConfig, config.ID, "Connect",
			"forge_url must be an http or https URL", err)
	}
	c.forgeURL = strings.TrimSuffix(forgeURL, "/")
	c.caURL = strings.TrimSuffix(config.StringSetting("ca_url", DefaultCAURL), "/")
	c.serviceName = config.StringSetting("service_name", DefaultServiceName)
	c.permissions = readPermissions(config)
	c.client = &http.Client{Timeout: config.EffectiveTimeout()}

	if err := c.acquireToken(ctx); err != nil {
		return err
	}

	c.connected = true
	c.logger.Printf("Connected to Forge: %s (ca=%s)", config.ID, c.caURL)
	return nil
}

func readPermissions(config *base.ConnectorConfig) Permissions {
	perms := DefaultPermissions
	raw, ok := config.Settings["permissions"].(map[string]interface{})
	if !ok {
		return perms
	}
	if v, ok := raw["read"].(bool); ok {
		perms.Read = v
	}
	if v, ok := raw["write"].(bool); ok {
		perms.Write = v
	}
	if v, ok := raw["update"].(bool); ok {
		perms.Update = v
	}
	if v, ok := raw["delete"].(bool); ok {
		perms.Delete = v
	}
	return perms
}

// acquireToken posts the service identity and permission profile to the
// CA. Whatever validity the CA advertises, the local expiry is fixed at
// one hour from issuance.
func (c *Connector) acquireToken(ctx context.Context) error {
	body, _ := json.Marshal(map[string]interface{}{
		"serviceName": c.serviceName,
		"resource":    c.config.StringSetting("resource", "*"),
		"permissions": c.permissions,
		"ttl":         TokenTTLSeconds,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.caURL+"/api/tokens/service", bytes.NewReader(body))
	if err != nil {
		return base.NewError(base.CodeAuthFailed, c.id(), "Auth", "failed to create token request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return base.NewError(base.CodeAuthFailed, c.id(), "Auth", "token request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return base.NewError(base.CodeAuthFailed, c.id(), "Auth",
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode), nil)
	}

	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil || tokenResp.Token == "" {
		return base.NewError(base.CodeAuthFailed, c.id(), "Auth", "token response missing token", err)
	}

	c.token = tokenResp.Token
	c.tokenExp = time.Now().Add(TokenLifetime)
	c.caIssued++

	// Diagnostics only: surface the subject claim when the token is a
	// JWT. The claims are not verified and the embedded expiry is
	// ignored in favor of the fixed local window.
	if claims := decodeClaims(tokenResp.Token); claims != nil {
		if sub, err := claims.GetSubject(); err == nil {
			c.tokenSub = sub
		}
	}
	return nil
}

func decodeClaims(token string) jwt.Claims {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	return parsed.Claims
}

// ensureToken refreshes the token when the local window has elapsed.
func (c *Connector) ensureToken(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return nil
	}
	return c.acquireToken(ctx)
}

// Disconnect drops the token and pooled connections.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.connected = false
	c.token = ""
	c.tokenExp = time.Time{}
	if c.client != nil {
		if transport, ok := c.client.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
	c.logger.Printf("Disconnected from Forge: %s", c.id())
	return nil
}

// Test probes the Forge health endpoint.
func (c *Connector) Test(ctx context.Context) (*base.TestReport, error) {
	if !c.connected {
		return &base.TestReport{Healthy: false, Timestamp: time.Now(), Error: "not connected"}, nil
	}

	start := time.Now()
	status, raw, err := c.call(ctx, http.MethodGet, "/health", nil, nil)
	latency := time.Since(start)

	report := &base.TestReport{
		Latency:   latency,
		Timestamp: time.Now(),
		Details:   map[string]string{"forge_url": c.forgeURL},
	}
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}
	_ = raw
	report.Healthy = status >= 200 && status < 400
	report.Details["status_code"] = fmt.Sprintf("%d", status)
	return report, nil
}

// Query runs an entity read. Statement is the operation: "list", "get",
// "search", or "schema". Parameters carry the entity name and, for get,
// the record id. Schema and plain entity lists are cached by default;
// get/search cache only when the query carries a cache key.
func (c *Connector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if !c.connected {
		return nil, base.NewError(base.CodeNotConnected, c.id(), "Query", "not connected", nil)
	}
	if !c.permissions.Read {
		return nil, base.NewError(base.CodeAuthFailed, c.id(), "Query", "read permission not granted", nil)
	}

	op := strings.ToLower(query.Statement)
	cacheKey := query.CacheKey
	if cacheKey == "" {
		switch op {
		case "schema":
			cacheKey = "schema"
		case "list":
			// Only an unparameterized list is safe to key on the
			// entity name alone.
			if entity, ok := query.Parameters["entity"].(string); ok && entity != "" && len(query.Parameters) == 1 {
				cacheKey = "list:" + entity
			}
		}
	}
	if cacheKey != "" {
		if cached, ok := c.cache.Get(cacheKey); ok {
			res := cached.(*base.QueryResult)
			out := *res
			out.Cached = true
			return &out, nil
		}
	}

	var (
		method = http.MethodGet
		path   string
		body   interface{}
	)
	switch op {
	case "schema":
		path = "/api/schema"
	case "list":
		entity, err := entityOf(c.id(), query.Parameters)
		if err != nil {
			return nil, err
		}
		path = "/api/" + entity
	case "get":
		entity, err := entityOf(c.id(), query.Parameters)
		if err != nil {
			return nil, err
		}
		id, _ := query.Parameters["id"].(string)
		if id == "" {
			return nil, base.NewError(base.CodeBackendError, c.id(), "Query", `get requires an "id" parameter`, nil)
		}
		path = "/api/" + entity + "/" + url.PathEscape(id)
	case "search":
		entity, err := entityOf(c.id(), query.Parameters)
		if err != nil {
			return nil, err
		}
		path = "/api/" + entity + "/search"
		method = http.MethodPost
		body = query.Parameters["criteria"]
	default:
		return nil, base.NewError(base.CodeUnknownOperation, c.id(), "Query",
			fmt.Sprintf("unknown operation %q", query.Statement), nil)
	}

	params := url.Values{}
	for k, v := range query.Parameters {
		if k == "entity" || k == "id" || k == "criteria" || strings.HasPrefix(k, "_") {
			continue
		}
		params.Set(k, fmt.Sprintf("%v", v))
	}

	start := time.Now()
	status, raw, err := c.authedCall(ctx, method, path, params, body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, c.statusError("Query", status, raw)
	}

	envelope := unwrapEnvelope(raw)
	result := &base.QueryResult{
		Rows:      envelope.rows,
		RowCount:  len(envelope.rows),
		Total:     envelope.total,
		HasMore:   envelope.hasMore,
		Duration:  time.Since(start),
		Connector: c.id(),
	}

	if cacheKey != "" {
		c.cache.Put(cacheKey, result)
	}
	return result, nil
}

// Execute runs an entity write. Action is "create", "update", or
// "delete"; Statement names the entity. Writes check the local
// permission profile before leaving the process.
func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	if !c.connected {
		return nil, base.NewError(base.CodeNotConnected, c.id(), "Execute", "not connected", nil)
	}

	entity := cmd.Statement
	if entity == "" {
		return nil, base.NewError(base.CodeBackendError, c.id(), "Execute", "entity is required", nil)
	}

	var (
		method string
		path   string
		body   interface{}
	)
	switch strings.ToLower(cmd.Action) {
	case "create":
		if !c.permissions.Write {
			return nil, base.NewError(base.CodeAuthFailed, c.id(), "Execute", "write permission not granted", nil)
		}
		method = http.MethodPost
		path = "/api/" + entity
		body = cmd.Parameters
	case "update":
		if !c.permissions.Update {
			return nil, base.NewError(base.CodeAuthFailed, c.id(), "Execute", "update permission not granted", nil)
		}
		id, _ := cmd.Parameters["id"].(string)
		if id == "" {
			return nil, base.NewError(base.CodeBackendError, c.id(), "Execute", `update requires an "id" parameter`, nil)
		}
		method = http.MethodPut
		path = "/api/" + entity + "/" + url.PathEscape(id)
		data, _ := cmd.Parameters["data"].(map[string]interface{})
		if data == nil {
			data = cmd.Parameters
		}
		body = data
	case "delete":
		if !c.permissions.Delete {
			return nil, base.NewError(base.CodeAuthFailed, c.id(), "Execute", "delete permission not granted", nil)
		}
		id, _ := cmd.Parameters["id"].(string)
		if id == "" {
			return nil, base.NewError(base.CodeBackendError, c.id(), "Execute", `delete requires an "id" parameter`, nil)
		}
		method = http.MethodDelete
		path = "/api/" + entity + "/" + url.PathEscape(id)
	default:
		return nil, base.NewError(base.CodeUnknownOperation, c.id(), "Execute",
			fmt.Sprintf("unknown action %q", cmd.Action), nil)
	}

	start := time.Now()
	status, raw, err := c.authedCall(ctx, method, path, nil, body)
	if err != nil {
		return nil, err
	}

	success := status >= 200 && status < 300
	message := fmt.Sprintf("HTTP %d", status)
	if !success && len(raw) > 0 {
		if len(raw) > 200 {
			raw = raw[:200]
		}
		message = fmt.Sprintf("HTTP %d: %s", status, string(raw))
	}

	affected := 0
	if success {
		affected = 1
	}
	return &base.CommandResult{
		Success:      success,
		RowsAffected: affected,
		Duration:     time.Since(start),
		Message:      message,
		Connector:    c.id(),
	}, nil
}

// authedCall refreshes the token if needed, then performs the request
// with the bearer token attached.
func (c *Connector) authedCall(ctx context.Context, method, path string, params url.Values, body interface{}) (int, []byte, error) {
	if err := c.ensureToken(ctx); err != nil {
		return 0, nil, err
	}
	return c.call(ctx, method, path, params, body)
}

func (c *Connector) call(ctx context.Context, method, path string, params url.Values, body interface{}) (int, []byte, error) {
	reqURL := c.forgeURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, base.NewError(base.CodeBackendError, c.id(), method, "failed to marshal body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return 0, nil, base.NewError(base.CodeBackendError, c.id(), method, "failed to create request", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, base.NewError(base.CodeTimeout, c.id(), method, "request timed out", err)
		}
		return 0, nil, base.NewError(base.CodeBackendError, c.id(), method, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, base.NewError(base.CodeBackendError, c.id(), method, "failed to read response", err)
	}
	return resp.StatusCode, raw, nil
}

func (c *Connector) statusError(op string, status int, body []byte) error {
	code := base.CodeBackendError
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		code = base.CodeAuthFailed
	}
	msg := fmt.Sprintf("HTTP %d", status)
	if len(body) > 0 {
		s := string(body)
		if len(s) > 200 {
			s = s[:200] + "..."
		}
		msg = fmt.Sprintf("HTTP %d: %s", status, s)
	}
	return base.NewError(code, c.id(), op, msg, nil)
}

// Info returns connection metadata without touching the backend.
func (c *Connector) Info() map[string]interface{} {
	info := map[string]interface{}{
		"kind":      "forge",
		"forge_url": c.forgeURL,
		"ca_url":    c.caURL,
		"connected": c.connected,
		"permissions": map[string]bool{
			"read":   c.permissions.Read,
			"write":  c.permissions.Write,
			"update": c.permissions.Update,
			"delete": c.permissions.Delete,
		},
		"tokens_issued": c.caIssued,
	}
	if !c.tokenExp.IsZero() {
		info["token_expires_at"] = c.tokenExp
	}
	if c.tokenSub != "" {
		info["token_subject"] = c.tokenSub
	}
	return info
}

// envelope is the Forge response wrapper {data, total, hasMore}.
type envelope struct {
	rows    []map[string]interface{}
	total   int
	hasMore bool
}

// unwrapEnvelope accepts both enveloped and bare payloads; a bare array
// or object is treated as the data field.
func unwrapEnvelope(raw []byte) envelope {
	var wrapper struct {
		Data    json.RawMessage `json:"data"`
		Total   *int            `json:"total"`
		HasMore bool            `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Data != nil {
		rows := toRows(wrapper.Data)
		total := len(rows)
		if wrapper.Total != nil {
			total = *wrapper.Total
		}
		return envelope{rows: rows, total: total, hasMore: wrapper.HasMore}
	}
	rows := toRows(raw)
	return envelope{rows: rows, total: len(rows)}
}

func toRows(raw []byte) []map[string]interface{} {
	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return []map[string]interface{}{}
	}
	switch v := parsed.(type) {
	case []interface{}:
		rows := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				rows = append(rows, m)
			} else {
				rows = append(rows, map[string]interface{}{"value": item})
			}
		}
		return rows
	case map[string]interface{}:
		return []map[string]interface{}{v}
	case nil:
		return []map[string]interface{}{}
	default:
		return []map[string]interface{}{{"value": v}}
	}
}

func entityOf(id string, params map[string]interface{}) (string, error) {
	entity, _ := params["entity"].(string)
	if entity == "" {
		return "", base.NewError(base.CodeBackendError, id, "Query", `an "entity" parameter is required`, nil)
	}
	return entity, nil
}

func (c *Connector) id() string {
	if c.config != nil {
		return c.config.ID
	}
	return "forge"
}
