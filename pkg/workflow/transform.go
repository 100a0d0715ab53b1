// Copyright 2025 Tom Barlow
//
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

package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"
	"github.com/tombee/foreman/pkg/errors"
	"github.com/tombee/foreman/pkg/executor"
)

// TransformFunc computes a transform operation from its configuration and
// resolved inputs.
type TransformFunc func(ctx context.Context, config, inputs map[string]interface{}) (interface{}, error)

// TransformRegistry maps operation names to handlers. Custom handlers
// register at startup; an unknown name with no script present fails the
// step with a not-found error when it executes (definition validation does
// not consult the registry).
type TransformRegistry struct {
	mu  sync.RWMutex
	ops map[string]TransformFunc
}

// NewTransformRegistry creates a registry preloaded with the built-in
// operations: aggregate, filter, map, compare_results, verify_consensus, and
// jq.
func NewTransformRegistry() *TransformRegistry {
	r := &TransformRegistry{ops: make(map[string]TransformFunc)}
	r.Register("aggregate", transformAggregate)
	r.Register("filter", transformFilter)
	r.Register("map", transformMap)
	r.Register("compare_results", transformCompareResults)
	r.Register("verify_consensus", transformVerifyConsensus)
	r.Register("jq", transformJQ)
	return r
}

// Register adds a named operation, replacing any previous registration.
func (r *TransformRegistry) Register(name string, fn TransformFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = fn
}

// Get returns the handler for a name.
func (r *TransformRegistry) Get(name string) (TransformFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.ops[name]
	return fn, ok
}

// Names returns the registered operation names.
func (r *TransformRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterCommandOperations wires the command executor into the registry as
// the "run_command" operation, so workflow steps can launch shell commands
// through the full admission and capture pipeline.
func (r *TransformRegistry) RegisterCommandOperations(exec *executor.CommandExecutor) {
	r.Register("run_command", func(ctx context.Context, config, inputs map[string]interface{}) (interface{}, error) {
		command, _ := inputs["command"].(string)
		if command == "" {
			return nil, &errors.ValidationError{Field: "inputs.command", Message: "command is required"}
		}
		var timeout time.Duration
		if secs, ok := toFloat(config["timeout"]); ok {
			timeout = time.Duration(secs * float64(time.Second))
		}
		result, err := exec.Execute(ctx, command, timeout)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"success":     result.Success,
			"return_code": result.ReturnCode,
			"stdout":      result.Stdout,
			"stderr":      result.Stderr,
			"duration_ms": result.Duration.Milliseconds(),
		}, nil
	})
}

// itemsFromInputs extracts the list a collection transform operates on.
func itemsFromInputs(inputs map[string]interface{}) ([]interface{}, error) {
	raw, ok := inputs["items"]
	if !ok {
		return nil, &errors.ValidationError{Field: "inputs.items", Message: "items is required"}
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "inputs.items",
			Message: fmt.Sprintf("items must be a list, got %T", raw),
		}
	}
	return items, nil
}

// fieldValue extracts a (possibly dotted) field from an item.
func fieldValue(item interface{}, field string) (interface{}, bool) {
	if field == "" {
		return item, true
	}
	return resolveDotPath(item, field)
}

// toFloat coerces JSON/YAML-shaped numbers.
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
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// transformAggregate implements sum, avg, count, min, max, group_by, and
// concat over an item list.
func transformAggregate(_ context.Context, config, inputs map[string]interface{}) (interface{}, error) {
	items, err := itemsFromInputs(inputs)
	if err != nil {
		return nil, err
	}
	op, _ := config["operation"].(string)
	field, _ := config["field"].(string)

	switch op {
	case "count":
		return len(items), nil

	case "sum", "avg", "min", "max":
		var nums []float64
		for _, item := range items {
			v, ok := fieldValue(item, field)
			if !ok {
				continue
			}
			if n, ok := toFloat(v); ok {
				nums = append(nums, n)
			}
		}
		if len(nums) == 0 {
			return nil, &errors.ValidationError{Field: "inputs.items", Message: "no numeric values to aggregate"}
		}
		switch op {
		case "sum", "avg":
			total := 0.0
			for _, n := range nums {
				total += n
			}
			if op == "avg" {
				return total / float64(len(nums)), nil
			}
			return total, nil
		case "min":
			m := nums[0]
			for _, n := range nums[1:] {
				if n < m {
					m = n
				}
			}
			return m, nil
		default:
			m := nums[0]
			for _, n := range nums[1:] {
				if n > m {
					m = n
				}
			}
			return m, nil
		}

	case "group_by":
		key, _ := config["key"].(string)
		if key == "" {
			key = field
		}
		groups := make(map[string][]interface{})
		for _, item := range items {
			v, ok := fieldValue(item, key)
			if !ok {
				continue
			}
			groups[fmt.Sprintf("%v", v)] = append(groups[fmt.Sprintf("%v", v)], item)
		}
		return groups, nil

	case "concat":
		sep, _ := config["separator"].(string)
		parts := make([]string, 0, len(items))
		for _, item := range items {
			v, ok := fieldValue(item, field)
			if !ok {
				continue
			}
			parts = append(parts, fmt.Sprintf("%v", v))
		}
		return strings.Join(parts, sep), nil

	default:
		return nil, &errors.ValidationError{
			Field:      "config.operation",
			Message:    fmt.Sprintf("unknown aggregate operation %q", op),
			Suggestion: "valid operations: sum, avg, count, min, max, group_by, concat",
		}
	}
}

// transformFilter keeps items whose field satisfies the configured condition.
func transformFilter(_ context.Context, config, inputs map[string]interface{}) (interface{}, error) {
	items, err := itemsFromInputs(inputs)
	if err != nil {
		return nil, err
	}
	condition, _ := config["condition"].(string)
	field, _ := config["field"].(string)
	want := config["value"]

	var kept []interface{}
	for _, item := range items {
		have, ok := fieldValue(item, field)
		if !ok {
			continue
		}
		match, err := compareValues(condition, have, want)
		if err != nil {
			return nil, err
		}
		if match {
			kept = append(kept, item)
		}
	}
	if kept == nil {
		kept = []interface{}{}
	}
	return kept, nil
}

// compareValues applies one filter condition.
func compareValues(condition string, have, want interface{}) (bool, error) {
	switch condition {
	case "eq", "":
		return fmt.Sprintf("%v", have) == fmt.Sprintf("%v", want), nil
	case "ne":
		return fmt.Sprintf("%v", have) != fmt.Sprintf("%v", want), nil
	case "contains":
		return strings.Contains(fmt.Sprintf("%v", have), fmt.Sprintf("%v", want)), nil
	case "gt", "lt", "ge", "le":
		a, aok := toFloat(have)
		b, bok := toFloat(want)
		if !aok || !bok {
			return false, nil
		}
		switch condition {
		case "gt":
			return a > b, nil
		case "lt":
			return a < b, nil
		case "ge":
			return a >= b, nil
		default:
			return a <= b, nil
		}
	default:
		return false, &errors.ValidationError{
			Field:      "config.condition",
			Message:    fmt.Sprintf("unknown filter condition %q", condition),
			Suggestion: "valid conditions: eq, ne, gt, lt, ge, le, contains",
		}
	}
}

// transformMap implements extract, project, and compute over an item list.
func transformMap(_ context.Context, config, inputs map[string]interface{}) (interface{}, error) {
	items, err := itemsFromInputs(inputs)
	if err != nil {
		return nil, err
	}
	op, _ := config["operation"].(string)

	switch op {
	case "extract", "":
		field, _ := config["field"].(string)
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			v, _ := fieldValue(item, field)
			out = append(out, v)
		}
		return out, nil

	case "project":
		fieldsRaw, _ := config["fields"].([]interface{})
		fields := make([]string, 0, len(fieldsRaw))
		for _, f := range fieldsRaw {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			row := make(map[string]interface{}, len(fields))
			for _, f := range fields {
				if v, ok := fieldValue(item, f); ok {
					row[f] = v
				}
			}
			out = append(out, row)
		}
		return out, nil

	case "compute":
		// Computed fields are produced by a script step; map/compute keeps
		// only the renamed-field form here.
		from, _ := config["from"].(string)
		to, _ := config["to"].(string)
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			row, ok := item.(map[string]interface{})
			if !ok {
				out = append(out, item)
				continue
			}
			copied := make(map[string]interface{}, len(row)+1)
			for k, v := range row {
				copied[k] = v
			}
			if v, ok := fieldValue(item, from); ok && to != "" {
				copied[to] = v
			}
			out = append(out, copied)
		}
		return out, nil

	default:
		return nil, &errors.ValidationError{
			Field:      "config.operation",
			Message:    fmt.Sprintf("unknown map operation %q", op),
			Suggestion: "valid operations: extract, project, compute",
		}
	}
}

// transformCompareResults computes pairwise text similarity across a list of
// results, for multi-agent consensus checks.
func transformCompareResults(_ context.Context, _, inputs map[string]interface{}) (interface{}, error) {
	results, err := resultTexts(inputs)
	if err != nil {
		return nil, err
	}

	var pairs []map[string]interface{}
	total := 0.0
	count := 0
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			score := textSimilarity(results[i], results[j])
			pairs = append(pairs, map[string]interface{}{
				"a":          i,
				"b":          j,
				"similarity": score,
			})
			total += score
			count++
		}
	}

	avg := 1.0
	if count > 0 {
		avg = total / float64(count)
	}
	return map[string]interface{}{
		"pairs":              pairs,
		"average_similarity": avg,
		"result_count":       len(results),
	}, nil
}

// transformVerifyConsensus reports whether pairwise similarity across results
// meets the configured threshold (default 0.7).
func transformVerifyConsensus(_ context.Context, config, inputs map[string]interface{}) (interface{}, error) {
	results, err := resultTexts(inputs)
	if err != nil {
		return nil, err
	}
	threshold := 0.7
	if t, ok := toFloat(config["threshold"]); ok {
		threshold = t
	}

	total := 0.0
	count := 0
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			total += textSimilarity(results[i], results[j])
			count++
		}
	}
	score := 1.0
	if count > 0 {
		score = total / float64(count)
	}
	return map[string]interface{}{
		"consensus":       score >= threshold,
		"agreement_score": score,
		"threshold":       threshold,
		"result_count":    len(results),
	}, nil
}

// resultTexts extracts the result strings a consensus transform compares.
func resultTexts(inputs map[string]interface{}) ([]string, error) {
	raw, ok := inputs["results"]
	if !ok {
		return nil, &errors.ValidationError{Field: "inputs.results", Message: "results is required"}
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "inputs.results",
			Message: fmt.Sprintf("results must be a list, got %T", raw),
		}
	}
	texts := make([]string, 0, len(list))
	for _, item := range list {
		texts = append(texts, fmt.Sprintf("%v", item))
	}
	return texts, nil
}

// textSimilarity computes token-set Jaccard similarity of two strings.
func textSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	intersection := 0
	for token := range setA {
		if setB[token] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, token := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(token, ".,;:!?\"'()")] = true
	}
	delete(set, "")
	return set
}

// transformJQ runs a jq query over the "data" input.
func transformJQ(ctx context.Context, config, inputs map[string]interface{}) (interface{}, error) {
	queryStr, _ := config["query"].(string)
	if queryStr == "" {
		return nil, &errors.ValidationError{Field: "config.query", Message: "query is required"}
	}
	query, err := gojq.Parse(queryStr)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "config.query",
			Message: fmt.Sprintf("invalid jq query: %v", err),
		}
	}

	var results []interface{}
	iter := query.RunWithContext(ctx, inputs["data"])
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq evaluation failed: %w", err)
		}
		results = append(results, v)
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}
