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

package file

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNestedValue(t *testing.T) {
	record := map[string]interface{}{
		"name": "ada",
		"profile": map[string]interface{}{
			"address": map[string]interface{}{"city": "london"},
			"age":     36.0,
		},
		"note": nil,
	}

	tests := []struct {
		path  string
		want  interface{}
		found bool
	}{
		{"name", "ada", true},
		{"profile.age", 36.0, true},
		{"profile.address.city", "london", true},
		{"note", nil, true},
		{"profile.height", nil, false},
		{"name.first", nil, false},
		{"missing.deep.path", nil, false},
	}
	for _, tt := range tests {
		got, found := getNestedValue(record, tt.path)
		assert.Equal(t, tt.found, found, "path %q", tt.path)
		assert.Equal(t, tt.want, got, "path %q", tt.path)
	}
}

func TestMatchRecordOperators(t *testing.T) {
	record := map[string]interface{}{
		"name":  "ada",
		"age":   36.0,
		"tags":  []interface{}{"math"},
		"score": "85",
	}

	tests := []struct {
		name   string
		filter map[string]interface{}
		want   bool
	}{
		{"implicit eq", map[string]interface{}{"name": "ada"}, true},
		{"implicit eq miss", map[string]interface{}{"name": "grace"}, false},
		{"eq", map[string]interface{}{"age": map[string]interface{}{"$eq": 36.0}}, true},
		{"eq cross-type", map[string]interface{}{"score": map[string]interface{}{"$eq": 85.0}}, true},
		{"ne", map[string]interface{}{"name": map[string]interface{}{"$ne": "grace"}}, true},
		{"ne on missing field", map[string]interface{}{"ghost": map[string]interface{}{"$ne": 1.0}}, true},
		{"gt", map[string]interface{}{"age": map[string]interface{}{"$gt": 30.0}}, true},
		{"gt equal boundary", map[string]interface{}{"age": map[string]interface{}{"$gt": 36.0}}, false},
		{"gte boundary", map[string]interface{}{"age": map[string]interface{}{"$gte": 36.0}}, true},
		{"lt", map[string]interface{}{"age": map[string]interface{}{"$lt": 40.0}}, true},
		{"lte", map[string]interface{}{"age": map[string]interface{}{"$lte": 36.0}}, true},
		{"gt string number", map[string]interface{}{"score": map[string]interface{}{"$gt": 80.0}}, true},
		{"in", map[string]interface{}{"name": map[string]interface{}{"$in": []interface{}{"ada", "grace"}}}, true},
		{"in miss", map[string]interface{}{"name": map[string]interface{}{"$in": []interface{}{"grace"}}}, false},
		{"nin", map[string]interface{}{"name": map[string]interface{}{"$nin": []interface{}{"grace"}}}, true},
		{"nin on missing field", map[string]interface{}{"ghost": map[string]interface{}{"$nin": []interface{}{1.0}}}, true},
		{"regex", map[string]interface{}{"name": map[string]interface{}{"$regex": "^ad"}}, true},
		{"regex miss", map[string]interface{}{"name": map[string]interface{}{"$regex": "^gr"}}, false},
		{"regex on number", map[string]interface{}{"age": map[string]interface{}{"$regex": "^3"}}, true},
		{"regex on number miss", map[string]interface{}{"age": map[string]interface{}{"$regex": "^4"}}, false},
		{"regex on missing field", map[string]interface{}{"ghost": map[string]interface{}{"$regex": ".*"}}, false},
		{"gt on missing field", map[string]interface{}{"ghost": map[string]interface{}{"$gt": 0.0}}, false},
		{"multiple clauses", map[string]interface{}{
			"name": "ada",
			"age":  map[string]interface{}{"$gte": 30.0, "$lt": 40.0},
		}, true},
		{"one clause fails", map[string]interface{}{
			"name": "ada",
			"age":  map[string]interface{}{"$gt": 40.0},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchRecord(record, tt.filter))
		})
	}
}

func TestParseSortForms(t *testing.T) {
	specs, err := parseSort("name")
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "name", specs[0].path)
	assert.False(t, specs[0].desc)

	specs, err = parseSort([]interface{}{"age", "desc"})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.True(t, specs[0].desc)

	specs, err = parseSort([]interface{}{
		[]interface{}{"role", "asc"},
		[]interface{}{"age", "desc"},
	})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "role", specs[0].path)
	assert.Equal(t, "age", specs[1].path)

	_, err = parseSort(42)
	assert.Error(t, err)
}

func TestSortRecords(t *testing.T) {
	records := []map[string]interface{}{
		{"name": "grace", "age": 45.0},
		{"name": "ada", "age": 36.0},
		{"name": "alan"},
		{"name": "edsger", "age": 72.0},
	}

	sortRecords(records, []sortSpec{{path: "age"}})

	require.Len(t, records, 4)
	assert.Equal(t, "ada", records[0]["name"])
	assert.Equal(t, "grace", records[1]["name"])
	assert.Equal(t, "edsger", records[2]["name"])
	// Records missing the sort path sink to the end.
	assert.Equal(t, "alan", records[3]["name"])

	sortRecords(records, []sortSpec{{path: "age", desc: true}})
	assert.Equal(t, "edsger", records[0]["name"])
	assert.Equal(t, "alan", records[3]["name"])
}
