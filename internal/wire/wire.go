// Package wire converts between the service's snake_case JSON and the
// compact-case field names used by internal records. The conversion only
// renames keys; values and unknown fields pass through untouched.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode"
)

type noContent struct{}

func (noContent) String() string { return "NoContent" }

// NoContent is returned by Parse for bodiless responses (204, 502, empty).
var NoContent any = noContent{}

// IsNoContent reports whether v is the NoContent sentinel.
func IsNoContent(v any) bool {
	_, ok := v.(noContent)
	return ok
}

// ToWire encodes a record through its JSON tags and renames every object key
// to snake_case, recursively.
func ToWire(record any) (any, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	var generic any
	if err := unmarshalNumber(raw, &generic); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return renameKeys(generic, SnakeCase), nil
}

// FromWire renames every object key of a decoded wire value to compact case.
func FromWire(obj any) any {
	return renameKeys(obj, CamelCase)
}

// Decode converts a wire object and decodes it into dst.
func Decode(obj any, dst any) error {
	if IsNoContent(obj) {
		return fmt.Errorf("wire: decode %T: no content", dst)
	}
	raw, err := json.Marshal(FromWire(obj))
	if err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	if err := unmarshalNumber(raw, dst); err != nil {
		return fmt.Errorf("wire: decode %T: %w", dst, err)
	}
	return nil
}

// Marshal renders a record as a snake_case JSON body.
func Marshal(record any) ([]byte, error) {
	obj, err := ToWire(record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// Parse decodes a response body. Bodiless statuses and empty bodies yield
// NoContent rather than a parse error.
func Parse(status int, body []byte) (any, error) {
	if status == http.StatusNoContent || status == http.StatusBadGateway || len(bytes.TrimSpace(body)) == 0 {
		return NoContent, nil
	}
	var obj any
	if err := unmarshalNumber(body, &obj); err != nil {
		return nil, fmt.Errorf("wire: parse body: %w", err)
	}
	return obj, nil
}

func unmarshalNumber(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(dst)
}

func renameKeys(v any, rename func(string) string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[rename(k)] = renameKeys(val, rename)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = renameKeys(val, rename)
		}
		return out
	default:
		return v
	}
}

// SnakeCase turns "startTimezone" into "start_timezone". Keys already in
// snake_case are returned unchanged.
func SnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CamelCase turns "start_timezone" into "startTimezone". Leading and doubled
// underscores are kept so that unusual keys survive a round trip.
func CamelCase(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '_' && i > 0 && runes[i-1] != '_' && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
			b.WriteRune(unicode.ToUpper(runes[i+1]))
			i++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
