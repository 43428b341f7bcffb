package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nuetzliches/toolhub/internal/toolkit"
)

// ErrValidation wraps every input or output schema violation. Messages read
// "validation error: ...".
var ErrValidation = errors.New("validation error")

// Validation coerces arguments to the tool's input schema, validates them,
// and validates the result when the tool declares an output schema.
func Validation() toolkit.Middleware {
	cache := &schemaCache{}
	return func(ctx context.Context, call *toolkit.Call, name string, args map[string]any, next toolkit.Next) (any, error) {
		coerced, err := Coerce(call.Spec.InputSchema, args)
		if err != nil {
			return nil, err
		}
		if err := cache.validate(call.Spec.InputSchema, toJSONValue(coerced)); err != nil {
			return nil, fmt.Errorf("%w: arguments: %s", ErrValidation, err.Error())
		}

		out, err := next(ctx, call, name, coerced)
		if err != nil || len(call.Spec.OutputSchema) == 0 {
			return out, err
		}
		if err := cache.validate(call.Spec.OutputSchema, toJSONValue(out)); err != nil {
			return nil, fmt.Errorf("%w: result: %s", ErrValidation, err.Error())
		}
		return out, nil
	}
}

// Coerce converts top-level argument values to the types their schema
// properties declare. Arguments without a property entry pass through.
func Coerce(schema map[string]any, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	props, _ := schema["properties"].(map[string]any)
	for key, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		v, present := out[key]
		if !present || v == nil {
			continue
		}
		coerced, err := coerceProperty(prop, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrValidation, key, err.Error())
		}
		out[key] = coerced
	}
	return out, nil
}

func coerceProperty(prop map[string]any, v any) (any, error) {
	alts, _ := prop["anyOf"].([]any)
	if len(alts) == 0 {
		return coerceType(schemaType(prop), prop, v)
	}
	// An alternative the raw value already satisfies wins over coercion.
	for _, alt := range alts {
		m, ok := alt.(map[string]any)
		if ok && matchesType(schemaType(m), v) {
			return v, nil
		}
	}
	var lastErr error
	for _, alt := range alts {
		m, ok := alt.(map[string]any)
		if !ok {
			continue
		}
		out, err := coerceType(schemaType(m), m, v)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return v, nil
	}
	return nil, lastErr
}

func schemaType(prop map[string]any) string {
	switch t := prop["type"].(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s != "null" {
				return s
			}
		}
	}
	return ""
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case "number":
		_, ok := toFloat(v)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "null":
		return v == nil
	}
	return false
}

func coerceType(typ string, prop map[string]any, v any) (any, error) {
	if typ == "" || matchesType(typ, v) {
		if typ == "array" {
			return coerceArray(prop, v)
		}
		return v, nil
	}
	switch typ {
	case "string":
		switch x := v.(type) {
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case int, int64, bool:
			return fmt.Sprint(x), nil
		}
	case "integer":
		if s, ok := v.(string); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", s)
			}
			return float64(n), nil
		}
	case "number":
		if s, ok := v.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", s)
			}
			return f, nil
		}
	case "boolean":
		if s, ok := v.(string); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(s))
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", s)
			}
			return b, nil
		}
	case "array":
		return coerceArray(prop, v)
	case "object":
		if s, ok := v.(string); ok {
			var m map[string]any
			if err := json.Unmarshal([]byte(s), &m); err != nil || m == nil {
				return nil, fmt.Errorf("expected object, got %q", s)
			}
			return m, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %s", typ, jsonTypeName(v))
}

// coerceArray accepts a JSON array string or a comma separated list and
// converts elements to strings when items are declared as strings.
func coerceArray(prop map[string]any, v any) (any, error) {
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case []string:
		items = make([]any, 0, len(x))
		for _, s := range x {
			items = append(items, s)
		}
	case string:
		s := strings.TrimSpace(x)
		switch {
		case strings.HasPrefix(s, "["):
			if err := json.Unmarshal([]byte(s), &items); err != nil {
				return nil, fmt.Errorf("expected array, got %q", x)
			}
		case s == "":
			items = []any{}
		default:
			for _, part := range strings.Split(s, ",") {
				items = append(items, strings.TrimSpace(part))
			}
		}
	default:
		items = []any{v}
	}

	itemSchema, _ := prop["items"].(map[string]any)
	if schemaType(itemSchema) != "string" {
		return items, nil
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		s, err := coerceType("string", itemSchema, item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

// toJSONValue converts arbitrary Go values to the generic JSON form the
// schema validator expects.
func toJSONValue(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func (c *schemaCache) validate(schema map[string]any, v any) error {
	if len(schema) == 0 {
		return nil
	}
	sch, err := c.compile(schema)
	if err != nil {
		return err
	}
	if err := sch.Validate(v); err != nil {
		return errors.New(flattenValidation(err))
	}
	return nil
}

func (c *schemaCache) compile(schema map[string]any) (*jsonschema.Schema, error) {
	key, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	c.mu.Lock()
	if sch, ok := c.compiled[string(key)]; ok {
		c.mu.Unlock()
		return sch, nil
	}
	c.mu.Unlock()

	var doc any
	if err := json.Unmarshal(key, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	c.mu.Lock()
	if c.compiled == nil {
		c.compiled = make(map[string]*jsonschema.Schema)
	}
	c.compiled[string(key)] = sch
	c.mu.Unlock()
	return sch, nil
}

func flattenValidation(err error) string {
	var parts []string
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "jsonschema validation failed") {
			continue
		}
		parts = append(parts, strings.TrimPrefix(line, "- "))
	}
	if len(parts) == 0 {
		return err.Error()
	}
	return strings.Join(parts, "; ")
}
