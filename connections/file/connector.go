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

// Package file provides the read-only connector for structured data
// files: JSON, XML, CSV, and TSV, from local paths or http(s) URLs.
//
// The document is parsed once on connect and served from memory. A
// query chooses an operation (read, count, find, findOne) and may carry
// a Mongo-style filter document; see filter.go for the operator set.
package file

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"datalink/connections/base"
	"datalink/connections/cache"
)

// MaxFileSize bounds how much of a source is read into memory.
const MaxFileSize = 50 * 1024 * 1024

// Connector serves queries over one parsed data file.
type Connector struct {
	config    *base.ConnectorConfig
	cache     *cache.Cache
	logger    *log.Logger
	client    *http.Client
	source    string
	remote    bool
	fileType  string
	records   []map[string]interface{}
	loadedAt  time.Time
	modTime   time.Time
	connected bool
}

// New creates an unconnected file connector.
func New() *Connector {
	return &Connector{
		logger: log.New(os.Stdout, "[DL_FILE] ", log.LstdFlags),
	}
}

// Kind returns the connector kind.
func (c *Connector) Kind() string { return "file" }

// Cache returns the connector's response cache.
func (c *Connector) Cache() *cache.Cache { return c.cache }

// Connect resolves the source and file type, then parses the document.
// The type comes from the "type" setting, or from the kind alias the
// connection was created with (a "csv" connection defaults to csv), or
// from the source extension.
func (c *Connector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	if c.connected {
		return nil
	}
	c.config = config
	c.cache = cache.New(config.CacheTTL, config.CacheEnabled)

	source := config.StringSetting("source", "")
	if source == "" {
		// "path" and "url" are accepted spellings for the same setting.
		source = config.StringSetting("path", config.StringSetting("url", ""))
	}
	if source == "" {
		return base.NewError(base.CodeInvalidConfig, config.ID, "Connect", "a source setting is required", nil)
	}
	c.source = source
	c.remote = isRemote(source)
	if c.remote {
		c.client = &http.Client{Timeout: config.EffectiveTimeout()}
	}

	fileType, err := resolveType(config, source)
	if err != nil {
		return err
	}
	c.fileType = fileType

	if err := c.load(ctx); err != nil {
		return err
	}

	c.connected = true
	c.logger.Printf("Loaded %s source: %s (%d records, type=%s)", config.ID, source, len(c.records), fileType)
	return nil
}

func isRemote(source string) bool {
	parsed, err := url.Parse(source)
	return err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https")
}

func resolveType(config *base.ConnectorConfig, source string) (string, error) {
	fileType := strings.ToLower(config.StringSetting("type", ""))
	if fileType == "" {
		// A connection created under a type alias carries it as Kind.
		switch strings.ToLower(config.Kind) {
		case "json", "xml", "csv", "tsv":
			fileType = strings.ToLower(config.Kind)
		}
	}
	if fileType == "" {
		ext := strings.TrimPrefix(strings.ToLower(pathExt(source)), ".")
		switch ext {
		case "json", "xml", "csv", "tsv":
			fileType = ext
		}
	}
	switch fileType {
	case "json", "xml", "csv", "tsv":
		return fileType, nil
	case "":
		return "", base.NewError(base.CodeInvalidConfig, config.ID, "Connect",
			"file type could not be determined; set the type setting", nil)
	default:
		return "", base.NewError(base.CodeUnsupportedType, config.ID, "Connect",
			fmt.Sprintf("unsupported file type %q", fileType), nil)
	}
}

func pathExt(source string) string {
	if parsed, err := url.Parse(source); err == nil && parsed.Path != "" {
		source = parsed.Path
	}
	if i := strings.LastIndex(source, "."); i >= 0 {
		return source[i:]
	}
	return ""
}

// load reads and parses the source, replacing the in-memory records.
func (c *Connector) load(ctx context.Context) error {
	raw, modTime, err := c.read(ctx)
	if err != nil {
		return err
	}

	var records []map[string]interface{}
	switch c.fileType {
	case "json":
		records, err = c.parseJSON(raw)
	case "xml":
		records, err = parseXMLRecords(raw)
	case "csv":
		records, err = c.parseCSV(raw, ',')
	case "tsv":
		records, err = c.parseCSV(raw, '\t')
	}
	if err != nil {
		return base.NewError(base.CodeParseError, c.id(), "load",
			fmt.Sprintf("failed to parse %s source", c.fileType), err)
	}

	c.records = records
	c.loadedAt = time.Now()
	c.modTime = modTime
	return nil
}

func (c *Connector) read(ctx context.Context) ([]byte, time.Time, error) {
	if c.remote {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.source, nil)
		if err != nil {
			return nil, time.Time{}, base.NewError(base.CodeConnectFailed, c.id(), "read", "failed to create request", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, time.Time{}, base.NewError(base.CodeConnectFailed, c.id(), "read", "failed to fetch source", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return nil, time.Time{}, base.NewError(base.CodeConnectFailed, c.id(), "read",
				fmt.Sprintf("source returned status %d", resp.StatusCode), nil)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileSize))
		if err != nil {
			return nil, time.Time{}, base.NewError(base.CodeConnectFailed, c.id(), "read", "failed to read source", err)
		}
		modTime := time.Now()
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, err := http.ParseTime(lm); err == nil {
				modTime = t
			}
		}
		return raw, modTime, nil
	}

	info, err := os.Stat(c.source)
	if err != nil {
		return nil, time.Time{}, base.NewError(base.CodeConnectFailed, c.id(), "read", "source file not accessible", err)
	}
	if info.Size() > MaxFileSize {
		return nil, time.Time{}, base.NewError(base.CodeConnectFailed, c.id(), "read",
			fmt.Sprintf("source exceeds the %d byte limit", MaxFileSize), nil)
	}
	raw, err := os.ReadFile(c.source)
	if err != nil {
		return nil, time.Time{}, base.NewError(base.CodeConnectFailed, c.id(), "read", "failed to read source file", err)
	}
	return raw, info.ModTime(), nil
}

// parseJSON coerces the document to records: a top-level array yields
// one record per element, anything else yields a single record. The
// json_path setting drills into a nested field first.
func (c *Connector) parseJSON(raw []byte) ([]map[string]interface{}, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	if jsonPath := c.config.StringSetting("json_path", ""); jsonPath != "" {
		m, ok := doc.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("json_path %q: document is not an object", jsonPath)
		}
		nested, found := getNestedValue(m, jsonPath)
		if !found {
			return nil, fmt.Errorf("json_path %q not found in document", jsonPath)
		}
		doc = nested
	}

	return coerceRecords(doc), nil
}

func coerceRecords(doc interface{}) []map[string]interface{} {
	switch v := doc.(type) {
	case []interface{}:
		records := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				records = append(records, m)
			} else {
				records = append(records, map[string]interface{}{"value": item})
			}
		}
		return records
	case map[string]interface{}:
		return []map[string]interface{}{v}
	case nil:
		return []map[string]interface{}{}
	default:
		return []map[string]interface{}{{"value": v}}
	}
}

// parseCSV reads delimited text. The first row is a header by default;
// with csv_headers=false columns get positional names (col_0, col_1).
// Empty lines are skipped and cell values are trimmed. Numeric-looking
// cells stay strings; the filter layer compares them numerically.
func (c *Connector) parseCSV(raw []byte, delimiter rune) ([]map[string]interface{}, error) {
	reader := csv.NewReader(strings.NewReader(string(raw)))
	reader.Comma = delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	nonEmpty := rows[:0]
	for _, row := range rows {
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		nonEmpty = append(nonEmpty, row)
	}
	if len(nonEmpty) == 0 {
		return []map[string]interface{}{}, nil
	}

	hasHeaders := c.config.BoolSetting("csv_headers", true)
	var headers []string
	var dataRows [][]string
	if hasHeaders {
		for _, h := range nonEmpty[0] {
			headers = append(headers, strings.TrimSpace(h))
		}
		dataRows = nonEmpty[1:]
	} else {
		for i := range nonEmpty[0] {
			headers = append(headers, "col_"+strconv.Itoa(i))
		}
		dataRows = nonEmpty
	}

	records := make([]map[string]interface{}, 0, len(dataRows))
	for _, row := range dataRows {
		record := make(map[string]interface{}, len(headers))
		for i, header := range headers {
			if i < len(row) {
				record[header] = strings.TrimSpace(row[i])
			} else {
				record[header] = ""
			}
		}
		records = append(records, record)
	}
	return records, nil
}

// parseXMLRecords treats the document root's repeated children as
// records, reusing the generic element-to-map conversion.
func parseXMLRecords(raw []byte) ([]map[string]interface{}, error) {
	var root xmlRecordNode
	if err := xml.Unmarshal(raw, &root); err != nil {
		return nil, err
	}
	if len(root.Children) == 0 {
		return []map[string]interface{}{}, nil
	}
	records := make([]map[string]interface{}, 0, len(root.Children))
	for i := range root.Children {
		value := xmlValue(&root.Children[i])
		if m, ok := value.(map[string]interface{}); ok {
			records = append(records, m)
		} else {
			records = append(records, map[string]interface{}{root.Children[i].XMLName.Local: value})
		}
	}
	return records, nil
}

type xmlRecordNode struct {
	XMLName  xml.Name
	Content  string          `xml:",chardata"`
	Children []xmlRecordNode `xml:",any"`
}

func xmlValue(node *xmlRecordNode) interface{} {
	if len(node.Children) == 0 {
		return strings.TrimSpace(node.Content)
	}
	out := make(map[string]interface{})
	for i := range node.Children {
		child := &node.Children[i]
		value := xmlValue(child)
		name := child.XMLName.Local
		if existing, ok := out[name]; ok {
			if list, ok := existing.([]interface{}); ok {
				out[name] = append(list, value)
			} else {
				out[name] = []interface{}{existing, value}
			}
		} else {
			out[name] = value
		}
	}
	return out
}

// Disconnect releases the parsed records.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.connected = false
	c.records = nil
	c.logger.Printf("Released file source: %s", c.id())
	return nil
}

// Test reports whether the source is still readable. Local sources are
// stat'ed; remote sources get a HEAD request.
func (c *Connector) Test(ctx context.Context) (*base.TestReport, error) {
	if !c.connected {
		return &base.TestReport{Healthy: false, Timestamp: time.Now(), Error: "not connected"}, nil
	}

	start := time.Now()
	report := &base.TestReport{
		Timestamp: time.Now(),
		Details: map[string]string{
			"source":  c.source,
			"type":    c.fileType,
			"records": strconv.Itoa(len(c.records)),
		},
	}

	if c.remote {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.source, nil)
		if err != nil {
			report.Error = err.Error()
			return report, nil
		}
		resp, err := c.client.Do(req)
		report.Latency = time.Since(start)
		if err != nil {
			report.Error = err.Error()
			return report, nil
		}
		_ = resp.Body.Close()
		report.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 400
		return report, nil
	}

	_, err := os.Stat(c.source)
	report.Latency = time.Since(start)
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}
	report.Healthy = true
	return report, nil
}

// Query runs one operation over the parsed records. Statement is
// "read", "count", "find", or "findOne". Parameters may carry filter,
// sort, limit, offset, and reload.
func (c *Connector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if !c.connected {
		return nil, base.NewError(base.CodeNotConnected, c.id(), "Query", "not connected", nil)
	}

	if reload, _ := query.Parameters["reload"].(bool); reload {
		if err := c.load(ctx); err != nil {
			return nil, err
		}
	}

	if query.CacheKey != "" {
		if cached, ok := c.cache.Get(query.CacheKey); ok {
			res := cached.(*base.QueryResult)
			out := *res
			out.Cached = true
			return &out, nil
		}
	}

	op := query.Statement
	if op == "" {
		op = "read"
	}

	start := time.Now()
	matched, err := c.selectRecords(query.Parameters)
	if err != nil {
		return nil, err
	}

	var result *base.QueryResult
	switch op {
	case "read", "find":
		result, err = c.page(matched, query)
	case "count":
		result = &base.QueryResult{
			Rows:     []map[string]interface{}{{"count": len(matched)}},
			RowCount: 1,
			Total:    len(matched),
		}
	case "findOne":
		rows := []map[string]interface{}{}
		if len(matched) > 0 {
			rows = matched[:1]
		}
		result = &base.QueryResult{Rows: rows, RowCount: len(rows), Total: len(matched)}
	default:
		return nil, base.NewError(base.CodeUnknownOperation, c.id(), "Query",
			fmt.Sprintf("unknown operation %q", query.Statement), nil)
	}
	if err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	result.Connector = c.id()

	if query.CacheKey != "" {
		c.cache.Put(query.CacheKey, result)
	}
	return result, nil
}

// selectRecords applies the filter and sort, returning a fresh slice so
// pagination never aliases the parsed document.
func (c *Connector) selectRecords(params map[string]interface{}) ([]map[string]interface{}, error) {
	filter, _ := params["filter"].(map[string]interface{})

	matched := make([]map[string]interface{}, 0, len(c.records))
	for _, record := range c.records {
		if filter == nil || matchRecord(record, filter) {
			matched = append(matched, record)
		}
	}

	specs, err := parseSort(params["sort"])
	if err != nil {
		return nil, base.NewError(base.CodeParseError, c.id(), "Query", err.Error(), nil)
	}
	sortRecords(matched, specs)
	return matched, nil
}

func (c *Connector) page(matched []map[string]interface{}, query *base.Query) (*base.QueryResult, error) {
	total := len(matched)
	offset := intParam(query.Parameters, "offset", 0)
	limit := query.Limit
	if limit == 0 {
		limit = intParam(query.Parameters, "limit", 0)
	}
	if offset < 0 || limit < 0 {
		return nil, base.NewError(base.CodeParseError, c.id(), "Query", "limit and offset must be non-negative", nil)
	}

	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	rows := matched[offset:end]

	return &base.QueryResult{
		Rows:     rows,
		RowCount: len(rows),
		Total:    total,
		Limit:    limit,
		Offset:   offset,
		HasMore:  limit > 0 && offset+limit < total,
	}, nil
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Execute is not supported; file sources are read-only.
func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	return nil, base.NewError(base.CodeUnknownOperation, c.id(), "Execute", "file sources are read-only", nil)
}

// Info returns connection metadata without re-reading the source.
func (c *Connector) Info() map[string]interface{} {
	info := map[string]interface{}{
		"kind":      "file",
		"source":    c.source,
		"type":      c.fileType,
		"remote":    c.remote,
		"records":   len(c.records),
		"connected": c.connected,
	}
	if !c.loadedAt.IsZero() {
		info["loadedAt"] = c.loadedAt
	}
	if !c.modTime.IsZero() {
		info["lastModifiedAt"] = c.modTime
	}
	return info
}

func (c *Connector) id() string {
	if c.config != nil {
		return c.config.ID
	}
	return "file"
}
