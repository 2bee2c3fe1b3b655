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
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// matchRecord evaluates a filter document against one record. Each
// top-level key is a dot path; its value is either a literal (implicit
// equality) or an operator document. All clauses must match.
func matchRecord(record map[string]interface{}, filter map[string]interface{}) bool {
	for path, condition := range filter {
		value, found := getNestedValue(record, path)
		if !matchCondition(value, found, condition) {
			return false
		}
	}
	return true
}

func matchCondition(value interface{}, found bool, condition interface{}) bool {
	ops, isOps := condition.(map[string]interface{})
	if !isOps || !hasOperator(ops) {
		return found && looseEqual(value, condition)
	}
	for op, operand := range ops {
		if !applyOperator(op, value, found, operand) {
			return false
		}
	}
	return true
}

func hasOperator(doc map[string]interface{}) bool {
	for key := range doc {
		if strings.HasPrefix(key, "$") {
			return true
		}
	}
	return false
}

func applyOperator(op string, value interface{}, found bool, operand interface{}) bool {
	switch op {
	case "$eq":
		return found && looseEqual(value, operand)
	case "$ne":
		// A missing field is not equal to anything.
		return !found || !looseEqual(value, operand)
	case "$gt":
		cmp, ok := compare(value, operand)
		return found && ok && cmp > 0
	case "$gte":
		cmp, ok := compare(value, operand)
		return found && ok && cmp >= 0
	case "$lt":
		cmp, ok := compare(value, operand)
		return found && ok && cmp < 0
	case "$lte":
		cmp, ok := compare(value, operand)
		return found && ok && cmp <= 0
	case "$in":
		if !found {
			return false
		}
		list, ok := operand.([]interface{})
		if !ok {
			return false
		}
		for _, candidate := range list {
			if looseEqual(value, candidate) {
				return true
			}
		}
		return false
	case "$nin":
		list, ok := operand.([]interface{})
		if !ok {
			return false
		}
		if !found {
			return true
		}
		for _, candidate := range list {
			if looseEqual(value, candidate) {
				return false
			}
		}
		return true
	case "$regex":
		if !found {
			return false
		}
		pattern, ok := operand.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		// Non-string values match over their string rendering.
		return re.MatchString(fmt.Sprintf("%v", value))
	default:
		return false
	}
}

// getNestedValue walks a dot path through nested maps. A missing
// segment or a non-map intermediate stops the walk; the second return
// distinguishes "present with nil value" from absent.
func getNestedValue(record map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = record
	for _, segment := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares across the numeric representations JSON and CSV
// parsing produce, so 2 matches 2.0 and "2" from a CSV column.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// compare orders two values numerically when both convert, otherwise
// lexically when both are strings. The second return is false when the
// values are not comparable.
func compare(a, b interface{}) (int, bool) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// sortSpec is a parsed sort directive: a dot path and a direction.
type sortSpec struct {
	path string
	desc bool
}

// parseSort accepts a bare path string (ascending), or a two-element
// [path, order] pair where order is "asc" or "desc", or a list of
// either form applied in priority order.
func parseSort(raw interface{}) ([]sortSpec, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return []sortSpec{{path: v}}, nil
	case []interface{}:
		if len(v) == 2 {
			if path, ok := v[0].(string); ok {
				if order, ok := v[1].(string); ok && (order == "asc" || order == "desc") {
					return []sortSpec{{path: path, desc: order == "desc"}}, nil
				}
			}
		}
		specs := make([]sortSpec, 0, len(v))
		for _, item := range v {
			nested, err := parseSort(item)
			if err != nil {
				return nil, err
			}
			specs = append(specs, nested...)
		}
		return specs, nil
	default:
		return nil, fmt.Errorf("unsupported sort directive %T", raw)
	}
}

// sortRecords orders records by the specs. Records missing the sort
// path sink to the end regardless of direction.
func sortRecords(records []map[string]interface{}, specs []sortSpec) {
	if len(specs) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, spec := range specs {
			av, afound := getNestedValue(records[i], spec.path)
			bv, bfound := getNestedValue(records[j], spec.path)
			if !afound && !bfound {
				continue
			}
			if !afound {
				return false
			}
			if !bfound {
				return true
			}
			cmp, ok := compare(av, bv)
			if !ok || cmp == 0 {
				continue
			}
			if spec.desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}
