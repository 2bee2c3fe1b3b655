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

// Package supervisor provides housekeeping over a connection registry:
// bulk shutdown, idle cleanup, batch execution, and fleet statistics.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"datalink/connections/base"
	"datalink/connections/registry"
)

// DefaultIdleThreshold is how long a connection may sit unused before
// idle cleanup removes it.
const DefaultIdleThreshold = time.Hour

// Supervisor runs maintenance operations over a registry.
type Supervisor struct {
	registry *registry.Registry
	logger   *log.Logger
}

// New creates a supervisor for the registry.
func New(reg *registry.Registry) *Supervisor {
	return &Supervisor{
		registry: reg,
		logger:   log.New(os.Stdout, "[DL_SUPERVISOR] ", log.LstdFlags),
	}
}

// CloseAll removes every connection. The registry is empty afterward
// unconditionally; disconnect failures are collected and returned
// together rather than stopping the sweep.
func (s *Supervisor) CloseAll(ctx context.Context) error {
	ids := s.registry.List()

	var failures []string
	for _, id := range ids {
		if err := s.registry.Remove(ctx, id); err != nil {
			if base.CodeOf(err) == base.CodeNotFound {
				continue
			}
			failures = append(failures, fmt.Sprintf("%s: %v", id, err))
		}
	}

	s.logger.Printf("Closed all connections: %d total, %d failures", len(ids), len(failures))
	if len(failures) > 0 {
		return base.NewError(base.CodeDisconnectFailed, "", "CloseAll",
			fmt.Sprintf("%d connection(s) failed to disconnect: %v", len(failures), failures), nil)
	}
	return nil
}

// CleanupIdle removes connections unused for longer than threshold
// and returns the removed IDs. A negative threshold selects the one
// hour default; zero removes everything not used in the current
// instant. The scan works over a snapshot and never counts as a use.
func (s *Supervisor) CleanupIdle(ctx context.Context, threshold time.Duration) ([]string, error) {
	if threshold < 0 {
		threshold = DefaultIdleThreshold
	}
	cutoff := time.Now().Add(-threshold)

	var stale []string
	for _, conn := range s.registry.Snapshot() {
		if conn.LastUsedAt.Before(cutoff) {
			stale = append(stale, conn.ID)
		}
	}

	var removed []string
	var failures []string
	for _, id := range stale {
		if err := s.registry.Remove(ctx, id); err != nil {
			if base.CodeOf(err) == base.CodeNotFound {
				continue
			}
			failures = append(failures, fmt.Sprintf("%s: %v", id, err))
			removed = append(removed, id) // entry is gone even on disconnect failure
			continue
		}
		removed = append(removed, id)
	}

	if len(removed) > 0 {
		s.logger.Printf("Idle cleanup removed %d connection(s): %v", len(removed), removed)
	}
	if len(failures) > 0 {
		return removed, base.NewError(base.CodeDisconnectFailed, "", "CleanupIdle",
			fmt.Sprintf("%d connection(s) failed to disconnect: %v", len(failures), failures), nil)
	}
	return removed, nil
}

// BatchQuery pairs a connection ID with the query to run on it.
type BatchQuery struct {
	ConnectionID string      `json:"connection_id"`
	Query        *base.Query `json:"query"`
}

// BatchResult carries one query's outcome. Exactly one of Result and
// Error is set.
type BatchResult struct {
	ConnectionID string            `json:"connection_id"`
	Result       *base.QueryResult `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	ErrorCode    base.Code         `json:"error_code,omitempty"`
}

// Batch runs the queries sequentially, in input order. Failures are
// captured in the corresponding result slot and never abort the batch;
// an unknown connection ID yields a NOT_FOUND entry.
func (s *Supervisor) Batch(ctx context.Context, queries []BatchQuery) []BatchResult {
	results := make([]BatchResult, 0, len(queries))
	for _, bq := range queries {
		entry := BatchResult{ConnectionID: bq.ConnectionID}

		conn, err := s.registry.Get(bq.ConnectionID)
		if err != nil {
			entry.Error = err.Error()
			entry.ErrorCode = base.CodeOf(err)
			results = append(results, entry)
			continue
		}

		result, err := conn.Connector.Query(ctx, bq.Query)
		if err != nil {
			entry.Error = err.Error()
			entry.ErrorCode = base.CodeOf(err)
		} else {
			entry.Result = result
		}
		results = append(results, entry)
	}
	return results
}

// Stats summarizes the fleet at one instant.
type Stats struct {
	Total              int            `json:"total"`
	ByKind             map[string]int `json:"by_kind"`
	Oldest             string         `json:"oldest,omitempty"`
	Newest             string         `json:"newest,omitempty"`
	MostRecentlyUsed   string         `json:"most_recently_used,omitempty"`
	LeastRecentlyUsed  string         `json:"least_recently_used,omitempty"`
	OldestCreatedAt    time.Time      `json:"oldest_created_at,omitempty"`
	NewestCreatedAt    time.Time      `json:"newest_created_at,omitempty"`
}

// Stats computes fleet statistics from a snapshot. It never counts as
// a use of any connection.
func (s *Supervisor) Stats() *Stats {
	snapshot := s.registry.Snapshot()

	stats := &Stats{
		Total:  len(snapshot),
		ByKind: make(map[string]int),
	}
	if len(snapshot) == 0 {
		return stats
	}

	oldest, newest, mru, lru := snapshot[0], snapshot[0], snapshot[0], snapshot[0]
	for _, conn := range snapshot {
		stats.ByKind[conn.Kind]++
		if conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
		if conn.CreatedAt.After(newest.CreatedAt) {
			newest = conn
		}
		if conn.LastUsedAt.After(mru.LastUsedAt) {
			mru = conn
		}
		if conn.LastUsedAt.Before(lru.LastUsedAt) {
			lru = conn
		}
	}

	stats.Oldest = oldest.ID
	stats.OldestCreatedAt = oldest.CreatedAt
	stats.Newest = newest.ID
	stats.NewestCreatedAt = newest.CreatedAt
	stats.MostRecentlyUsed = mru.ID
	stats.LeastRecentlyUsed = lru.ID
	return stats
}
