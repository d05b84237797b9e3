// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// ParseCustomAttributes parses "key=value" pairs separated by commas, as
// accepted by the --otel-custom-attributes flag. Empty pairs are skipped and
// values may themselves contain '='.
func ParseCustomAttributes(input string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(input, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid attribute %q: expected key=value", pair)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid attribute %q: empty key", pair)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

// ConvertMapToAttributes converts attrs to string attributes sorted by key.
func ConvertMapToAttributes(attrs map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		result = append(result, attribute.String(k, attrs[k]))
	}
	return result
}
