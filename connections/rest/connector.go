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

package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"datalink/connections/base"
	"datalink/connections/cache"
)

const (
	// DefaultHealthEndpoint is probed on connect.
	DefaultHealthEndpoint = "/health"
	// DefaultMaxResponseSize caps response bodies (10MB).
	DefaultMaxResponseSize = 10 * 1024 * 1024
	// DefaultMaxRetries is the retry budget for idempotent requests.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the initial backoff interval.
	DefaultRetryDelay = 100 * time.Millisecond
	// MaxRetryDelay caps the backoff interval.
	MaxRetryDelay = 5 * time.Second
)

// Connector adapts a generic REST API to the uniform connection
// contract. Authentication is applied as a pre-request mutation of the
// outbound header set; credential material is never logged.
type Connector struct {
	config          *base.ConnectorConfig
	client          *http.Client
	cache           *cache.Cache
	logger          *log.Logger
	baseURL         string
	headers         map[string]string
	auth            AuthProvider
	maxResponseSize int64
	maxRetries      int
	retryDelay      time.Duration
	connected       bool
}

// New creates an unconnected REST connector.
func New() *Connector {
	return &Connector{
		logger:          log.New(os.Stdout, "[DL_REST] ", log.LstdFlags),
		headers:         make(map[string]string),
		maxResponseSize: DefaultMaxResponseSize,
		maxRetries:      DefaultMaxRetries,
		retryDelay:      DefaultRetryDelay,
	}
}

// Kind returns the connector kind.
func (c *Connector) Kind() string { return "rest" }

// Cache returns the connector's response cache.
func (c *Connector) Cache() *cache.Cache { return c.cache }

// Connect validates the base URL, builds the HTTP client, and probes
// the health endpoint unless test_on_connect is false. A 404 on the
// health endpoint falls back to the root path; only when both fail does
// Connect return CONNECT_FAILED.
func (c *Connector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	if c.connected {
		return nil
	}
	c.config = config
	c.cache = cache.New(config.CacheTTL, config.CacheEnabled)

	baseURL := config.StringSetting("base_url", "")
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return base.NewError(base.CodeInvalidConfig, config.ID, "Connect",
			"base_url must be an http or https URL", err)
	}
	c.baseURL = strings.TrimSuffix(baseURL, "/")

	if raw, ok := config.Settings["headers"].(map[string]interface{}); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				c.headers[k] = s
			}
		}
	}

	if retries := config.IntSetting("max_retries", -1); retries >= 0 {
		c.maxRetries = retries
	}
	if size := config.IntSetting("max_response_size", 0); size > 0 {
		c.maxResponseSize = int64(size)
	}

	c.auth, err = buildAuth(config)
	if err != nil {
		return err
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.BoolSetting("tls_skip_verify", false) {
		tlsConfig.InsecureSkipVerify = true
		c.logger.Printf("WARNING: TLS verification disabled for %s", config.ID)
	}

	c.client = &http.Client{
		Timeout: config.EffectiveTimeout(),
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
			MaxIdleConns:    100,
			MaxConnsPerHost: 10,
			IdleConnTimeout: 90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	if config.BoolSetting("test_on_connect", true) {
		healthPath := config.StringSetting("health_endpoint", DefaultHealthEndpoint)
		status, probeErr := c.probe(ctx, healthPath)
		if probeErr != nil || status == http.StatusNotFound {
			if status2, probeErr2 := c.probe(ctx, "/"); probeErr2 != nil || status2 >= http.StatusBadRequest {
				return base.NewError(base.CodeConnectFailed, config.ID, "Connect",
					fmt.Sprintf("health probe failed on %s and /", healthPath), firstErr(probeErr, probeErr2))
			}
		} else if status >= http.StatusBadRequest {
			return base.NewError(base.CodeConnectFailed, config.ID, "Connect",
				fmt.Sprintf("health probe returned status %d", status), nil)
		}
	}

	c.connected = true
	authType := "none"
	if c.auth != nil {
		authType = c.auth.Type()
	}
	c.logger.Printf("Connected to REST API: %s (auth=%s)", config.ID, authType)
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) probe(ctx context.Context, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	if err := c.applyAuth(ctx, req); err != nil {
		return 0, err
	}
	c.applyHeaders(req, nil)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, nil
}

// Disconnect drops pooled connections.
func (c *Connector) Disconnect(ctx context.Context) error {
	if c.client != nil {
		if transport, ok := c.client.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
	c.connected = false
	c.logger.Printf("Disconnected from REST API: %s", c.id())
	return nil
}

// Test probes the health endpoint and reports latency.
func (c *Connector) Test(ctx context.Context) (*base.TestReport, error) {
	if !c.connected {
		return &base.TestReport{Healthy: false, Timestamp: time.Now(), Error: "not connected"}, nil
	}

	healthPath := c.config.StringSetting("health_endpoint", DefaultHealthEndpoint)
	start := time.Now()
	status, err := c.probe(ctx, healthPath)
	latency := time.Since(start)

	report := &base.TestReport{
		Latency:   latency,
		Timestamp: time.Now(),
		Details:   map[string]string{"base_url": c.baseURL},
	}
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}
	report.Healthy = status >= 200 && status < 400
	report.Details["status_code"] = fmt.Sprintf("%d", status)
	return report, nil
}

// Query dispatches an HTTP request. Statement is the endpoint path.
// Parameters become the query string; keys with a leading underscore
// are transport hints: _method overrides the verb, _headers adds
// per-request headers, _body supplies a JSON body for non-GET verbs.
// GET responses are cached when the query carries a cache key.
func (c *Connector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if !c.connected {
		return nil, base.NewError(base.CodeNotConnected, c.id(), "Query", "not connected", nil)
	}

	method := http.MethodGet
	if m, ok := query.Parameters["_method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	cacheable := method == http.MethodGet && query.CacheKey != ""
	if cacheable {
		if cached, ok := c.cache.Get(query.CacheKey); ok {
			res := cached.(*base.QueryResult)
			out := *res
			out.Cached = true
			return &out, nil
		}
	}

	reqURL, err := c.buildURL(query.Statement, query.Parameters)
	if err != nil {
		return nil, base.NewError(base.CodeBackendError, c.id(), "Query", "invalid endpoint", err)
	}

	var bodyBytes []byte
	if body, ok := query.Parameters["_body"]; ok && method != http.MethodGet {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, base.NewError(base.CodeBackendError, c.id(), "Query", "failed to marshal body", err)
		}
	}

	start := time.Now()
	resp, raw, err := c.doWithRetry(ctx, method, reqURL, bodyBytes, query.Parameters)
	if err != nil {
		return nil, err
	}
	duration := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError("Query", resp.StatusCode, raw)
	}

	rows, parsed := c.toRows(raw)
	result := &base.QueryResult{
		Rows:      rows,
		RowCount:  len(rows),
		Duration:  duration,
		Connector: c.id(),
		Metadata:  map[string]interface{}{"status_code": resp.StatusCode},
	}
	if !parsed {
		result.Metadata["content_type"] = resp.Header.Get("Content-Type")
	}

	if cacheable {
		c.cache.Put(query.CacheKey, result)
	}
	return result, nil
}

// Execute dispatches a write request. Action is the HTTP verb (default
// POST); Parameters marshal to the JSON body.
func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	if !c.connected {
		return nil, base.NewError(base.CodeNotConnected, c.id(), "Execute", "not connected", nil)
	}

	method := strings.ToUpper(cmd.Action)
	if method == "" {
		method = http.MethodPost
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, base.NewError(base.CodeUnknownOperation, c.id(), "Execute",
			fmt.Sprintf("unsupported HTTP method %q", method), nil)
	}

	reqURL := c.baseURL + normalizePath(cmd.Statement)

	var bodyBytes []byte
	if len(cmd.Parameters) > 0 {
		var err error
		bodyBytes, err = json.Marshal(cmd.Parameters)
		if err != nil {
			return nil, base.NewError(base.CodeBackendError, c.id(), "Execute", "failed to marshal body", err)
		}
	}

	start := time.Now()
	resp, raw, err := c.doWithRetry(ctx, method, reqURL, bodyBytes, nil)
	if err != nil {
		return nil, err
	}
	duration := time.Since(start)

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	message := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if len(raw) > 0 && !success {
		message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	affected := 0
	if success {
		affected = 1
	}
	return &base.CommandResult{
		Success:      success,
		RowsAffected: affected,
		Duration:     duration,
		Message:      message,
		Connector:    c.id(),
	}, nil
}

// Info returns connection metadata without touching the backend.
func (c *Connector) Info() map[string]interface{} {
	authType := "none"
	if c.auth != nil {
		authType = c.auth.Type()
	}
	return map[string]interface{}{
		"kind":      "rest",
		"base_url":  c.baseURL,
		"auth_type": authType,
		"connected": c.connected,
	}
}

func (c *Connector) buildURL(endpoint string, params map[string]interface{}) (string, error) {
	reqURL, err := url.Parse(c.baseURL + normalizePath(endpoint))
	if err != nil {
		return "", err
	}
	if len(params) > 0 {
		values := url.Values{}
		for key, val := range params {
			if strings.HasPrefix(key, "_") {
				continue
			}
			values.Set(key, fmt.Sprintf("%v", val))
		}
		reqURL.RawQuery = values.Encode()
	}
	return reqURL.String(), nil
}

// doWithRetry sends the request, retrying transient failures for
// idempotent verbs with exponential backoff. It returns the final
// response together with its drained body.
func (c *Connector) doWithRetry(ctx context.Context, method, reqURL string, body []byte, params map[string]interface{}) (*http.Response, []byte, error) {
	retries := c.maxRetries
	if method != http.MethodGet && method != http.MethodPut && method != http.MethodDelete {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			select {
			case <-ctx.Done():
				return nil, nil, base.NewError(base.CodeTimeout, c.id(), method, "cancelled during retry", ctx.Err())
			case <-time.After(delay):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return nil, nil, base.NewError(base.CodeBackendError, c.id(), method, "failed to create request", err)
		}
		if err := c.applyAuth(ctx, req); err != nil {
			return nil, nil, err
		}
		c.applyHeaders(req, params)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize+1))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if int64(len(raw)) > c.maxResponseSize {
			return nil, nil, base.NewError(base.CodeBackendError, c.id(), method,
				fmt.Sprintf("response exceeds %d bytes", c.maxResponseSize), nil)
		}

		if retryableStatus(resp.StatusCode) && attempt < retries {
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			continue
		}
		return resp, raw, nil
	}

	code := base.CodeBackendError
	if isTimeout(lastErr) {
		code = base.CodeTimeout
	}
	return nil, nil, base.NewError(code, c.id(), method, "request failed after retries", lastErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Connector) applyAuth(ctx context.Context, req *http.Request) error {
	if c.auth == nil {
		return nil
	}
	if err := c.auth.Apply(ctx, req); err != nil {
		if be, ok := err.(*base.Error); ok && be.Connector == "" {
			be.Connector = c.id()
		}
		return err
	}
	return nil
}

func (c *Connector) applyHeaders(req *http.Request, params map[string]interface{}) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "Datalink-REST/1.0")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if params != nil {
		if extra, ok := params["_headers"].(map[string]interface{}); ok {
			for k, v := range extra {
				if s, ok := v.(string); ok {
					req.Header.Set(k, s)
				}
			}
		}
	}
}

func (c *Connector) statusError(op string, status int, body []byte) error {
	code := base.CodeBackendError
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		code = base.CodeAuthFailed
	}
	return base.NewError(code, c.id(), op,
		fmt.Sprintf("HTTP %d: %s", status, truncate(string(body), 200)), nil)
}

// toRows converts a response body to row maps. Non-JSON payloads come
// back as a single value row.
func (c *Connector) toRows(raw []byte) ([]map[string]interface{}, bool) {
	var parsed interface{}
	if len(raw) == 0 {
		return []map[string]interface{}{}, true
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return []map[string]interface{}{{"response": string(raw)}}, false
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
		return rows, true
	case map[string]interface{}:
		return []map[string]interface{}{v}, true
	case nil:
		return []map[string]interface{}{}, true
	default:
		return []map[string]interface{}{{"value": v}}, true
	}
}

func (c *Connector) backoff(attempt int) time.Duration {
	delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}
	return delay
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func (c *Connector) id() string {
	if c.config != nil {
		return c.config.ID
	}
	return "rest"
}
