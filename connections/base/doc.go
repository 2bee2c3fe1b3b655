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

/*
Package base defines the uniform contract shared by every Datalink
connection backend.

# Overview

A Connector adapts one backend kind (a relational database, the Forge
business-object API, a generic REST or SOAP service, or a file/URL data
source) to a single surface:

	type Connector interface {
	    // Lifecycle
	    Connect(ctx context.Context, config *ConnectorConfig) error
	    Disconnect(ctx context.Context) error
	    Test(ctx context.Context) (*TestReport, error)

	    // Data operations
	    Query(ctx context.Context, query *Query) (*QueryResult, error)
	    Execute(ctx context.Context, cmd *Command) (*CommandResult, error)

	    // Metadata
	    Kind() string
	    Info() map[string]interface{}
	    Cache() *cache.Cache
	}

Reads flow through Query and writes through Execute. Query.Statement is
kind-specific: SQL for relational backends, a request path for REST, an
operation name for Forge and File connections, a method name for SOAP.

# Errors

Every failing operation surfaces a *base.Error carrying a Code from a
closed set, the connection it belongs to, and the action that failed.
Callers match on base.CodeOf(err) rather than on message text:

	if base.IsCode(err, base.CodeNotFound) {
	    // connection was removed
	}

Query errors never tear down a connection; the caller may keep using it.
*/
package base
