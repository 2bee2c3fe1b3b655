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

// Package soap provides the connector for WSDL-described SOAP services.
//
// On connect the WSDL document is fetched and indexed into a catalog of
// service/port endpoints. A query invokes one operation: the Statement
// names the operation and the Parameters become the body element's
// children. When the WSDL declares a single service with a single port
// that endpoint is used without any selection; otherwise the config (or
// the query's _service/_port parameters) must disambiguate.
package soap

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"datalink/connections/base"
	"datalink/connections/cache"
)

const (
	soap11Namespace = "http://schemas.xmlsoap.org/soap/envelope/"
	soap12Namespace = "http://www.w3.org/2003/05/soap-envelope"
	wssNamespace    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"

	// MaxResponseSize bounds response bodies read into memory.
	MaxResponseSize = 10 * 1024 * 1024
)

// Connector adapts a WSDL-described SOAP service to the uniform
// connection contract.
type Connector struct {
	config    *base.ConnectorConfig
	client    *http.Client
	cache     *cache.Cache
	logger    *log.Logger
	catalog   *Catalog
	endpoint  *Endpoint
	soap12    bool
	connected bool
}

// New creates an unconnected SOAP connector.
func New() *Connector {
	return &Connector{
		logger: log.New(os.Stdout, "[DL_SOAP] ", log.LstdFlags),
	}
}

// Kind returns the connector kind.
func (c *Connector) Kind() string { return "soap" }

// Cache returns the connector's response cache.
func (c *Connector) Cache() *cache.Cache { return c.cache }

// Connect fetches and indexes the WSDL, then resolves the default
// endpoint from the service/port settings.
func (c *Connector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	if c.connected {
		return nil
	}
	c.config = config
	c.cache = cache.New(config.CacheTTL, config.CacheEnabled)
	c.soap12 = config.StringSetting("soap_version", "1.1") == "1.2"

	wsdlURL := config.StringSetting("wsdl_url", "")
	if wsdlURL == "" {
		return base.NewError(base.CodeInvalidConfig, config.ID, "Connect", "wsdl_url is required", nil)
	}

	client, err := c.buildClient(config)
	if err != nil {
		return err
	}
	c.client = client

	raw, err := c.fetchWSDL(ctx, wsdlURL)
	if err != nil {
		return err
	}
	catalog, err := parseWSDL(raw)
	if err != nil {
		return base.NewError(base.CodeParseError, config.ID, "Connect", "failed to parse WSDL", err)
	}
	c.catalog = catalog

	endpoint, err := catalog.Resolve(config.StringSetting("service", ""), config.StringSetting("port", ""))
	if err != nil {
		return base.NewError(base.CodeAmbiguousEndpoint, config.ID, "Connect", err.Error(), nil)
	}
	if override := config.StringSetting("endpoint_url", ""); override != "" {
		endpoint.Address = override
	}
	if endpoint.Address == "" {
		return base.NewError(base.CodeInvalidConfig, config.ID, "Connect",
			"WSDL port declares no address and no endpoint_url override is set", nil)
	}
	c.endpoint = endpoint

	c.connected = true
	c.logger.Printf("Connected to SOAP service: %s (service=%s port=%s, %d operations)",
		config.ID, endpoint.Service, endpoint.Port, len(endpoint.Operations))
	return nil
}

func (c *Connector) buildClient(config *base.ConnectorConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.BoolSetting("tls_skip_verify", false) {
		tlsConfig.InsecureSkipVerify = true
	}

	if certPEM := config.Credential("client_cert"); certPEM != "" {
		keyPEM := config.Credential("client_key")
		cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
		if err != nil {
			return nil, base.NewError(base.CodeInvalidConfig, config.ID, "Connect",
				"invalid client certificate or key", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return &http.Client{
		Timeout: config.EffectiveTimeout(),
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

func (c *Connector) fetchWSDL(ctx context.Context, wsdlURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wsdlURL, nil)
	if err != nil {
		return nil, base.NewError(base.CodeConnectFailed, c.id(), "Connect", "failed to create WSDL request", err)
	}
	c.applyAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, base.NewError(base.CodeConnectFailed, c.id(), "Connect", "failed to fetch WSDL", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, base.NewError(base.CodeConnectFailed, c.id(), "Connect",
			fmt.Sprintf("WSDL fetch returned status %d", resp.StatusCode), nil)
	}
	return io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
}

// Disconnect drops the catalog and pooled connections.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.connected = false
	if c.client != nil {
		if transport, ok := c.client.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
	c.logger.Printf("Disconnected from SOAP service: %s", c.id())
	return nil
}

// Test probes the endpoint address with a HEAD request. Many SOAP
// stacks reject HEAD; any response at all proves reachability.
func (c *Connector) Test(ctx context.Context) (*base.TestReport, error) {
	if !c.connected {
		return &base.TestReport{Healthy: false, Timestamp: time.Now(), Error: "not connected"}, nil
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.endpoint.Address, nil)
	if err != nil {
		return &base.TestReport{Healthy: false, Timestamp: time.Now(), Error: err.Error()}, nil
	}
	resp, err := c.client.Do(req)
	latency := time.Since(start)

	report := &base.TestReport{
		Latency:   latency,
		Timestamp: time.Now(),
		Details: map[string]string{
			"service": c.endpoint.Service,
			"port":    c.endpoint.Port,
			"address": c.endpoint.Address,
		},
	}
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}
	_ = resp.Body.Close()
	report.Healthy = true
	report.Details["status_code"] = fmt.Sprintf("%d", resp.StatusCode)
	return report, nil
}

// Query invokes an operation. Statement is the operation name;
// Parameters become child elements of the body element. The reserved
// _service and _port parameters reroute the call to another endpoint
// from the same WSDL.
func (c *Connector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if !c.connected {
		return nil, base.NewError(base.CodeNotConnected, c.id(), "Query", "not connected", nil)
	}
	if query.Statement == "" {
		return nil, base.NewError(base.CodeUnknownOperation, c.id(), "Query", "an operation name is required", nil)
	}

	if query.CacheKey != "" {
		if cached, ok := c.cache.Get(query.CacheKey); ok {
			res := cached.(*base.QueryResult)
			out := *res
			out.Cached = true
			return &out, nil
		}
	}

	endpoint, err := c.route(query.Parameters)
	if err != nil {
		return nil, err
	}
	if !endpoint.HasOperation(query.Statement) {
		return nil, base.NewError(base.CodeUnknownOperation, c.id(), "Query",
			fmt.Sprintf("operation %q is not declared by port %s", query.Statement, endpoint.Port), nil)
	}

	start := time.Now()
	payload, raw, headers, err := c.invoke(ctx, endpoint, query.Statement, query.Parameters)
	if err != nil {
		return nil, err
	}

	rows := payloadRows(payload)
	result := &base.QueryResult{
		Rows:      rows,
		RowCount:  len(rows),
		Total:     len(rows),
		Duration:  time.Since(start),
		Connector: c.id(),
		Metadata: map[string]interface{}{
			"data":    payload,
			"xml":     string(raw),
			"headers": flattenHeaders(headers),
		},
	}

	if query.CacheKey != "" {
		c.cache.Put(query.CacheKey, result)
	}
	return result, nil
}

// Execute invokes an operation whose result is a status rather than a
// row set. Action is unused beyond routing; Statement is the operation.
func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	if !c.connected {
		return nil, base.NewError(base.CodeNotConnected, c.id(), "Execute", "not connected", nil)
	}
	if cmd.Statement == "" {
		return nil, base.NewError(base.CodeUnknownOperation, c.id(), "Execute", "an operation name is required", nil)
	}

	endpoint, err := c.route(cmd.Parameters)
	if err != nil {
		return nil, err
	}
	if !endpoint.HasOperation(cmd.Statement) {
		return nil, base.NewError(base.CodeUnknownOperation, c.id(), "Execute",
			fmt.Sprintf("operation %q is not declared by port %s", cmd.Statement, endpoint.Port), nil)
	}

	start := time.Now()
	payload, _, _, err := c.invoke(ctx, endpoint, cmd.Statement, cmd.Parameters)
	if err != nil {
		return nil, err
	}

	return &base.CommandResult{
		Success:      true,
		RowsAffected: len(payloadRows(payload)),
		Duration:     time.Since(start),
		Message:      "operation " + cmd.Statement + " completed",
		Connector:    c.id(),
	}, nil
}

func (c *Connector) route(params map[string]interface{}) (*Endpoint, error) {
	service, _ := params["_service"].(string)
	port, _ := params["_port"].(string)
	if service == "" && port == "" {
		return c.endpoint, nil
	}
	if service == "" {
		service = c.endpoint.Service
	}
	endpoint, err := c.catalog.Resolve(service, port)
	if err != nil {
		return nil, base.NewError(base.CodeAmbiguousEndpoint, c.id(), "route", err.Error(), nil)
	}
	return endpoint, nil
}

// invoke builds the envelope, posts it, and unwraps the body. A SOAP
// fault in the response maps to BACKEND_ERROR carrying the fault string.
func (c *Connector) invoke(ctx context.Context, endpoint *Endpoint, operation string, params map[string]interface{}) (map[string]interface{}, []byte, http.Header, error) {
	envelope := c.buildEnvelope(operation, params)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.Address, strings.NewReader(envelope))
	if err != nil {
		return nil, nil, nil, base.NewError(base.CodeBackendError, c.id(), operation, "failed to create request", err)
	}
	if c.soap12 {
		action := endpoint.Actions[operation]
		req.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, action))
	} else {
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
		req.Header.Set("SOAPAction", fmt.Sprintf("%q", endpoint.Actions[operation]))
	}
	c.applyAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, nil, base.NewError(base.CodeTimeout, c.id(), operation, "request timed out", err)
		}
		return nil, nil, nil, base.NewError(base.CodeBackendError, c.id(), operation, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, nil, nil, base.NewError(base.CodeBackendError, c.id(), operation, "failed to read response", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, nil, nil, base.NewError(base.CodeAuthFailed, c.id(), operation,
			fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}

	payload, fault, err := parseResponse(raw)
	if err != nil {
		return nil, nil, nil, base.NewError(base.CodeParseError, c.id(), operation, "failed to parse SOAP response", err)
	}
	if fault != "" {
		return nil, nil, nil, base.NewError(base.CodeBackendError, c.id(), operation, "SOAP fault: "+fault, nil)
	}
	// Faults come back as HTTP 500 in SOAP 1.1; anything else non-2xx
	// without a fault element is a transport-level failure.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, nil, base.NewError(base.CodeBackendError, c.id(), operation,
			fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}
	return payload, raw, resp.Header, nil
}

// flattenHeaders collapses single-valued response headers for the
// result metadata.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func (c *Connector) buildEnvelope(operation string, params map[string]interface{}) string {
	ns := soap11Namespace
	if c.soap12 {
		ns = soap12Namespace
	}
	targetNS := c.config.StringSetting("namespace", c.catalog.TargetNamespace)

	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	body.WriteString(fmt.Sprintf(`<soap:Envelope xmlns:soap="%s">`, ns))
	body.WriteString(c.securityHeader())
	body.WriteString("<soap:Body>")
	body.WriteString(fmt.Sprintf(`<%s xmlns="%s">`, operation, targetNS))
	writeParams(&body, params)
	body.WriteString(fmt.Sprintf("</%s>", operation))
	body.WriteString("</soap:Body></soap:Envelope>")
	return body.String()
}

// securityHeader emits a WS-Security UsernameToken header when the
// auth type asks for one. Basic and bearer auth travel as HTTP headers
// instead and produce no envelope header.
func (c *Connector) securityHeader() string {
	if c.config.StringSetting("auth_type", "none") != "wss" {
		return ""
	}
	username := xmlEscape(c.config.Credential("username"))
	password := xmlEscape(c.config.Credential("password"))
	return fmt.Sprintf(`<soap:Header><wsse:Security xmlns:wsse="%s"><wsse:UsernameToken>`+
		`<wsse:Username>%s</wsse:Username>`+
		`<wsse:Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText">%s</wsse:Password>`+
		`</wsse:UsernameToken></wsse:Security></soap:Header>`,
		wssNamespace, username, password)
}

func (c *Connector) applyAuth(req *http.Request) {
	switch c.config.StringSetting("auth_type", "none") {
	case "basic":
		creds := c.config.Credential("username") + ":" + c.config.Credential("password")
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+c.config.Credential("token"))
	}
}

func writeParams(buf *bytes.Buffer, params map[string]interface{}) {
	for key, value := range params {
		if strings.HasPrefix(key, "_") {
			continue
		}
		writeElement(buf, key, value)
	}
}

func writeElement(buf *bytes.Buffer, name string, value interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		buf.WriteString("<" + name + ">")
		for k, nested := range v {
			writeElement(buf, k, nested)
		}
		buf.WriteString("</" + name + ">")
	case []interface{}:
		for _, item := range v {
			writeElement(buf, name, item)
		}
	default:
		buf.WriteString(fmt.Sprintf("<%s>%s</%s>", name, xmlEscape(fmt.Sprintf("%v", v)), name))
	}
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// xmlNode is a generic element tree used to unwrap response bodies
// without generated types.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  string     `xml:",chardata"`
	Children []xmlNode  `xml:",any"`
}

// parseResponse extracts the first body child as a generic map, or the
// fault string when the body is a fault.
func parseResponse(raw []byte) (map[string]interface{}, string, error) {
	var env xmlNode
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil, "", err
	}

	var body *xmlNode
	for i := range env.Children {
		if env.Children[i].XMLName.Local == "Body" {
			body = &env.Children[i]
			break
		}
	}
	if body == nil || len(body.Children) == 0 {
		return map[string]interface{}{}, "", nil
	}

	first := &body.Children[0]
	if first.XMLName.Local == "Fault" {
		return nil, faultString(first), nil
	}
	payload, _ := nodeValue(first).(map[string]interface{})
	if payload == nil {
		payload = map[string]interface{}{first.XMLName.Local: nodeValue(first)}
	}
	return payload, "", nil
}

func faultString(fault *xmlNode) string {
	// SOAP 1.1 uses faultstring; 1.2 nests Reason/Text.
	for i := range fault.Children {
		child := &fault.Children[i]
		switch child.XMLName.Local {
		case "faultstring":
			return strings.TrimSpace(child.Content)
		case "Reason":
			for j := range child.Children {
				if child.Children[j].XMLName.Local == "Text" {
					return strings.TrimSpace(child.Children[j].Content)
				}
			}
		}
	}
	return "unknown fault"
}

// nodeValue converts an element to a map of its children, collapsing
// leaf elements to their text and repeated names to slices.
func nodeValue(node *xmlNode) interface{} {
	if len(node.Children) == 0 {
		return strings.TrimSpace(node.Content)
	}
	out := make(map[string]interface{})
	for i := range node.Children {
		child := &node.Children[i]
		value := nodeValue(child)
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

// payloadRows flattens the unwrapped payload into row maps. A payload
// whose single field holds a slice of maps becomes one row per element;
// anything else becomes a single row.
func payloadRows(payload map[string]interface{}) []map[string]interface{} {
	if len(payload) == 1 {
		for _, value := range payload {
			if inner, ok := value.(map[string]interface{}); ok {
				payload = inner
			}
		}
	}
	if len(payload) == 1 {
		for _, value := range payload {
			if list, ok := value.([]interface{}); ok {
				rows := make([]map[string]interface{}, 0, len(list))
				for _, item := range list {
					if m, ok := item.(map[string]interface{}); ok {
						rows = append(rows, m)
					} else {
						rows = append(rows, map[string]interface{}{"value": item})
					}
				}
				return rows
			}
		}
	}
	if len(payload) == 0 {
		return []map[string]interface{}{}
	}
	return []map[string]interface{}{payload}
}

// Info returns connection metadata without touching the backend.
func (c *Connector) Info() map[string]interface{} {
	info := map[string]interface{}{
		"kind":      "soap",
		"connected": c.connected,
	}
	if c.endpoint != nil {
		info["service"] = c.endpoint.Service
		info["port"] = c.endpoint.Port
		info["address"] = c.endpoint.Address
		info["operations"] = c.endpoint.Operations
	}
	if c.catalog != nil {
		info["services"] = len(c.catalog.Services)
	}
	return info
}

func (c *Connector) id() string {
	if c.config != nil {
		return c.config.ID
	}
	return "soap"
}
