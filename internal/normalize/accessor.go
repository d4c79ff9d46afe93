package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
)

// accessor probes one candidate location in a raw event and reports
// whether a non-empty value was found there.
type accessor func(raw map[string]any) (any, bool)

// chain is an ordered list of accessors; the first hit wins.
type chain []accessor

func (c chain) lookup(raw map[string]any) (any, bool) {
	for _, a := range c {
		if v, ok := a(raw); ok {
			return v, true
		}
	}
	return nil, false
}

// key probes a single top-level key.
func key(name string) accessor {
	return func(raw map[string]any) (any, bool) {
		v, ok := raw[name]
		return v, ok && !isEmpty(v)
	}
}

// path traverses nested maps.
func path(keys ...string) accessor {
	return func(raw map[string]any) (any, bool) {
		var cur any = raw
		for _, k := range keys {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[k]
			if !ok {
				return nil, false
			}
		}
		if isEmpty(cur) {
			return nil, false
		}
		return cur, true
	}
}

// jsonPayload parses a JSON-string payload held under name and then
// traverses it. Some gateways double-encode the request body.
func jsonPayload(name string, keys ...string) accessor {
	inner := path(keys...)
	return func(raw map[string]any) (any, bool) {
		s, ok := raw[name].(string)
		if !ok || s == "" {
			return nil, false
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, false
		}
		return inner(decoded)
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}

func asString(v any, ok bool) string {
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func asInt64(v any, ok bool) (int64, bool) {
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

func asFloat64(v any, ok bool) (float64, bool) {
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func asBool(v any, ok bool) (bool, bool) {
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b, true
		}
	case float64:
		return t != 0, true
	}
	return false, false
}
