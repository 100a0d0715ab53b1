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
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// templatePattern matches {{ expr }} substrings.
var templatePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// contextGetPattern matches context.get("PATH") and context.get("PATH", DEFAULT).
var contextGetPattern = regexp.MustCompile(`^context\.get\(\s*"([^"]*)"\s*(?:,\s*(.+?)\s*)?\)$`)

// ResolveTemplates replaces every {{ expr }} in s. When the entire string is
// a single template the raw resolved value is returned, preserving non-string
// types; otherwise resolved values are stringified into the surrounding text.
// Missing paths resolve to the supplied default (context.get form) or an
// empty string; a pure template with no value resolves to nil. Resolution is
// idempotent: resolving an already-resolved string is a no-op.
func (c *Context) ResolveTemplates(s string) interface{} {
	matches := templatePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Whole-string single template: return the raw value.
	if len(matches) == 1 && strings.TrimSpace(s[:matches[0][0]]) == "" && strings.TrimSpace(s[matches[0][1]:]) == "" {
		expr := strings.TrimSpace(s[matches[0][2]:matches[0][3]])
		value, _ := c.resolveExpr(expr)
		return value
	}

	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		expr := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := c.resolveExpr(expr)
		if !ok || value == nil {
			return ""
		}
		return stringify(value)
	})
}

// ResolveValue recursively resolves templates inside strings, maps, and
// slices, leaving other values untouched.
func (c *Context) ResolveValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return c.ResolveTemplates(v)
	case map[string]interface{}:
		resolved := make(map[string]interface{}, len(v))
		for k, item := range v {
			resolved[k] = c.ResolveValue(item)
		}
		return resolved
	case []interface{}:
		resolved := make([]interface{}, len(v))
		for i, item := range v {
			resolved[i] = c.ResolveValue(item)
		}
		return resolved
	default:
		return value
	}
}

// ResolveInputs resolves every value of a step's input map.
func (c *Context) ResolveInputs(inputs map[string]interface{}) map[string]interface{} {
	resolved := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		resolved[k] = c.ResolveValue(v)
	}
	return resolved
}

// resolveExpr evaluates one template expression: a dot path into the context
// tree, or the context.get("PATH", DEFAULT?) form.
func (c *Context) resolveExpr(expr string) (interface{}, bool) {
	if m := contextGetPattern.FindStringSubmatch(expr); m != nil {
		if value, ok := c.Resolve(m[1]); ok {
			return value, true
		}
		if m[2] != "" {
			return parseLiteral(m[2]), true
		}
		return nil, false
	}
	return c.Resolve(expr)
}

// parseLiteral interprets a default literal: quoted string, number, boolean,
// or nil. Unparseable text is kept verbatim.
func parseLiteral(s string) interface{} {
	s = strings.TrimSpace(s)
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if s == "nil" || s == "null" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// stringify renders a resolved value into surrounding template text.
func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
