package common

import (
	"strings"
)

var requiredRawNames = map[string]string{
	"connection":          "Connection",
	"proxy-authorization": "Proxy-Authorization",
}

// RawHeaderNames maps each lower-cased header name in raw (alternating
// name/value entries as read off the wire) to its original spelling. The
// first spelling of a repeated header wins. An absent or malformed list
// yields only the required defaults.
func RawHeaderNames(raw []string) map[string]string {
	names := make(map[string]string, len(raw)/2+len(requiredRawNames))
	if len(raw)%2 == 0 {
		for i := 0; i < len(raw); i += 2 {
			name := strings.TrimSpace(raw[i])
			if name == "" {
				continue
			}
			key := strings.ToLower(name)
			if _, ok := names[key]; !ok {
				names[key] = name
			}
		}
	}
	return EnsureRequiredRawNames(names)
}

// EnsureRequiredRawNames adds the defaults for connection and
// proxy-authorization when m lacks them. It is idempotent.
func EnsureRequiredRawNames(m map[string]string) map[string]string {
	if m == nil {
		m = make(map[string]string, len(requiredRawNames))
	}
	for key, name := range requiredRawNames {
		if m[key] == "" {
			m[key] = name
		}
	}
	return m
}

// RawName returns the wire spelling for header key, falling back to key itself.
func RawName(names map[string]string, key string) string {
	if name := names[strings.ToLower(key)]; name != "" {
		return name
	}
	return key
}
