// Package correlation pulls request and trace identifiers out of service
// responses so client log lines can be matched with service log lines.
package correlation

import (
	"net/http"
	"regexp"
	"sort"
	"strings"
)

// Key is a normalized correlation identifier.
type Key struct {
	Type  string
	Value string
}

func (k Key) String() string {
	return k.Type + "=" + k.Value
}

var (
	traceparentPattern = regexp.MustCompile(`(?i)^\s*([0-9a-f]{2})-([0-9a-f]{32})-([0-9a-f]{16})-([0-9a-f]{2})\s*$`)
	b3SinglePattern    = regexp.MustCompile(`(?i)^\s*([0-9a-f]{16,32})-[0-9a-f]{16}(?:-[01d](?:-[0-9a-f]{16})?)?\s*$`)

	requestIDPattern = regexp.MustCompile(`(?i)\b(?:x-request-id|request[_-]?id|call[_-]?id)\b["']?\s*(?:=|:)\s*["']?([a-z0-9][a-z0-9._:/\-]{5,127})`)
	traceIDPattern   = regexp.MustCompile(`(?i)\b(?:x-trace-id|trace[_-]?id)\b["']?\s*(?:=|:)\s*["']?([0-9a-f]{16,64})`)
)

// FromHeader extracts keys from a single response header.
func FromHeader(name, value string) []Key {
	headerName := strings.ToLower(strings.TrimSpace(name))
	headerValue := normalizeValue(value)
	if headerName == "" || headerValue == "" {
		return nil
	}

	switch headerName {
	case "x-request-id", "request-id", "x-call-id":
		return []Key{{Type: "request_id", Value: headerValue}}
	case "x-correlation-id", "correlation-id":
		return []Key{{Type: "correlation_id", Value: headerValue}}
	case "x-trace-id", "trace-id":
		return []Key{{Type: "trace_id", Value: headerValue}}
	case "traceparent":
		if m := traceparentPattern.FindStringSubmatch(headerValue); len(m) == 5 {
			return []Key{{Type: "trace_id", Value: m[2]}}
		}
	case "b3":
		if m := b3SinglePattern.FindStringSubmatch(headerValue); len(m) == 2 {
			return []Key{{Type: "trace_id", Value: m[1]}}
		}
	}
	return nil
}

// FromHeaders extracts keys from all response headers, in header-name order.
func FromHeaders(h http.Header) []Key {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var keys []Key
	for _, name := range names {
		for _, v := range h[name] {
			keys = append(keys, FromHeader(name, v)...)
		}
	}
	return dedupe(keys)
}

// FromMessage extracts keys embedded in free text such as a service error message.
func FromMessage(message string) []Key {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return nil
	}

	var keys []Key
	for _, match := range requestIDPattern.FindAllStringSubmatch(msg, -1) {
		if value := normalizeValue(match[1]); value != "" {
			keys = append(keys, Key{Type: "request_id", Value: value})
		}
	}
	for _, match := range traceIDPattern.FindAllStringSubmatch(msg, -1) {
		if value := normalizeValue(match[1]); value != "" {
			keys = append(keys, Key{Type: "trace_id", Value: value})
		}
	}
	return dedupe(keys)
}

// Join renders keys as "type=value" pairs for a log line.
func Join(keys []Key) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, " ")
}

func normalizeValue(value string) string {
	normalized := strings.TrimSpace(strings.ToLower(value))
	normalized = strings.Trim(normalized, "\"'`")
	normalized = strings.TrimRight(normalized, ".,;:)]}")
	return normalized
}

func dedupe(keys []Key) []Key {
	if len(keys) <= 1 {
		return keys
	}

	seen := make(map[string]struct{}, len(keys))
	uniq := make([]Key, 0, len(keys))
	for _, key := range keys {
		if key.Type == "" || key.Value == "" {
			continue
		}
		token := key.String()
		if _, exists := seen[token]; exists {
			continue
		}
		seen[token] = struct{}{}
		uniq = append(uniq, key)
	}
	return uniq
}
