// Package template provides placeholder interpolation for workflow
// configuration. A placeholder {{ expr }} is resolved against the run
// context with dot-separated identifiers and optional [n] array indexing,
// e.g. {{ steps.fetch-stories.data[0].title }}. Missing values resolve to
// the empty string.
package template

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/weavr-dev/weavr/pkg/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Context is the data placeholders are resolved against.
type Context map[string]any

// NewContext builds the base interpolation context for a run: trigger
// data, completed step outputs, workflow-local env, assembled memory, and
// the derived now-fields.
func NewContext(triggerData map[string]any, steps map[string]any, env map[string]string, memory *models.MemorySnapshot) Context {
	now := time.Now()

	envMap := make(map[string]any, len(env))
	for k, v := range env {
		envMap[k] = v
	}

	ctx := Context{
		"trigger":          triggerData,
		"steps":            steps,
		"env":              envMap,
		"currentDate":      now.Format("2006-01-02"),
		"currentTime":      now.Format("15:04:05"),
		"currentTimestamp": now.UnixMilli(),
		"currentISODate":   now.Format(time.RFC3339),
	}

	if memory != nil {
		ctx["memory"] = map[string]any{
			"blocks":  memory.Blocks,
			"sources": memory.Sources,
		}
	}

	return ctx
}

// Interpolate replaces every placeholder in input with the stringified
// resolution of its expression.
func Interpolate(input string, ctx Context) string {
	return placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		expr := placeholderPattern.FindStringSubmatch(match)[1]

		return Stringify(Resolve(expr, ctx))
	})
}

// Expressions returns the placeholder expressions found in input, trimmed
// of the surrounding braces and whitespace.
func Expressions(input string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(input, -1)

	exprs := make([]string, 0, len(matches))
	for _, match := range matches {
		exprs = append(exprs, match[1])
	}

	return exprs
}

// InterpolateValue interpolates a config value: strings are interpolated,
// arrays and maps recurse element-wise, everything else passes through.
func InterpolateValue(value any, ctx Context) any {
	switch v := value.(type) {
	case string:
		return Interpolate(v, ctx)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = InterpolateValue(item, ctx)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = InterpolateValue(item, ctx)
		}

		return out
	default:
		return value
	}
}

// InterpolateConfig interpolates every value of a step config map.
func InterpolateConfig(config map[string]any, ctx Context) map[string]any {
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = InterpolateValue(v, ctx)
	}

	return out
}

// Resolve walks the context along a dotted path. Missing intermediate
// nodes resolve to nil.
func Resolve(expr string, ctx Context) any {
	var current any = map[string]any(ctx)

	for _, seg := range splitPath(expr) {
		if seg.key != "" {
			current = lookupKey(current, seg.key)
		}

		for _, idx := range seg.indexes {
			current = lookupIndex(current, idx)
		}

		if current == nil {
			return nil
		}
	}

	return current
}

// Stringify renders a resolved value into template output. Maps and
// slices are JSON-encoded, scalars use their natural form, nil is the
// empty string.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}

		return string(encoded)
	}
}

// Truthy implements the condition action's falsy set: "", "false", "0".
func Truthy(s string) bool {
	return s != "" && s != "false" && s != "0"
}

type pathSegment struct {
	key     string
	indexes []int
}

// splitPath splits on '.' outside brackets and peels trailing [n]
// indexes off each segment.
func splitPath(expr string) []pathSegment {
	var segments []pathSegment

	depth := 0
	start := 0

	flush := func(raw string) {
		if raw == "" {
			return
		}

		seg := pathSegment{}
		for {
			open := lastIndexByte(raw, '[')
			if open == -1 || raw[len(raw)-1] != ']' {
				break
			}

			idx, err := strconv.Atoi(raw[open+1 : len(raw)-1])
			if err != nil {
				break
			}

			seg.indexes = append([]int{idx}, seg.indexes...)
			raw = raw[:open]
		}

		seg.key = raw
		segments = append(segments, seg)
	}

	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '[':
			depth++
		case ']':
			depth--
		case '.':
			if depth == 0 {
				flush(expr[start:i])
				start = i + 1
			}
		}
	}

	flush(expr[start:])

	return segments
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}

	return -1
}

func lookupKey(value any, key string) any {
	switch v := value.(type) {
	case map[string]any:
		return v[key]
	case map[string]string:
		if s, ok := v[key]; ok {
			return s
		}

		return nil
	case map[string]map[string]string:
		if m, ok := v[key]; ok {
			return m
		}

		return nil
	case Context:
		return v[key]
	default:
		return nil
	}
}

func lookupIndex(value any, idx int) any {
	list, ok := value.([]any)
	if !ok || idx < 0 || idx >= len(list) {
		return nil
	}

	return list[idx]
}
