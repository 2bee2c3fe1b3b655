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
	"context"
	"fmt"

	"datalink/connections/base"
)

// PageOptions configures a paginated walk over an endpoint.
type PageOptions struct {
	// PageSize is the requested page size (default 100).
	PageSize int
	// StartPage is the first page number (default 1).
	StartPage int
	// PageParam and SizeParam name the pagination query parameters
	// (default "page" and "limit").
	PageParam string
	SizeParam string
	// MaxPages bounds the walk; zero means unbounded.
	MaxPages int
	// Params are extra query parameters carried on every page request.
	Params map[string]string
	// Done, when set, stops the walk after a page for which it returns
	// true. The default termination rule (a page shorter than PageSize)
	// still applies.
	Done func(page *base.QueryResult) bool
}

// Pager walks pages lazily. Usage follows the sql.Rows pattern:
//
//	pager := conn.Paginate("/items", &rest.PageOptions{PageSize: 50})
//	for pager.Next(ctx) {
//	    page := pager.Page()
//	    ...
//	}
//	if err := pager.Err(); err != nil { ... }
//
// Pages surface in backend response order; the pager never reorders or
// de-duplicates.
type Pager struct {
	conn     *Connector
	endpoint string
	opts     PageOptions
	page     int
	fetched  int
	current  *base.QueryResult
	done     bool
	err      error
}

// Paginate creates a pager over endpoint. Options may be nil.
func (c *Connector) Paginate(endpoint string, opts *PageOptions) *Pager {
	o := PageOptions{}
	if opts != nil {
		o = *opts
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	if o.StartPage <= 0 {
		o.StartPage = 1
	}
	if o.PageParam == "" {
		o.PageParam = "page"
	}
	if o.SizeParam == "" {
		o.SizeParam = "limit"
	}
	return &Pager{
		conn:     c,
		endpoint: endpoint,
		opts:     o,
		page:     o.StartPage,
	}
}

// Next fetches the next page. It returns false when the walk is over,
// either normally or because of an error; check Err afterwards.
func (p *Pager) Next(ctx context.Context) bool {
	if p.done || p.err != nil {
		return false
	}
	if p.opts.MaxPages > 0 && p.fetched >= p.opts.MaxPages {
		p.done = true
		return false
	}

	params := map[string]interface{}{
		p.opts.PageParam: fmt.Sprintf("%d", p.page),
		p.opts.SizeParam: fmt.Sprintf("%d", p.opts.PageSize),
	}
	for k, v := range p.opts.Params {
		params[k] = v
	}

	result, err := p.conn.Query(ctx, &base.Query{Statement: p.endpoint, Parameters: params})
	if err != nil {
		p.err = err
		return false
	}

	p.current = result
	p.page++
	p.fetched++

	if len(result.Rows) < p.opts.PageSize {
		p.done = true
	}
	if p.opts.Done != nil && p.opts.Done(result) {
		p.done = true
	}
	return true
}

// Page returns the page fetched by the last successful Next.
func (p *Pager) Page() *base.QueryResult {
	return p.current
}

// Err returns the first error encountered during the walk.
func (p *Pager) Err() error {
	return p.err
}
