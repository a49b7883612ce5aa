package types

import (
	"encoding/json"
	"fmt"
	"strings"

	sqlxtypes "github.com/jmoiron/sqlx/types"
)

// sensitiveKeys are removed from persisted payloads wherever they appear,
// at any nesting depth. Matching is case-insensitive.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"secret":        {},
	"signature":     {},
	"api_key":       {},
	"password":      {},
	"authorization": {},
}

// maxScrubStringLen bounds any single string value stored in raw_payload_json.
const maxScrubStringLen = 2048

const truncationMarker = "…"

// MarshalScrubbed serializes v for storage in raw_payload_json: sensitive
// keys are dropped recursively and oversized strings are truncated with a
// marker. Values that cannot be marshalled (channels, cycles) degrade to a
// string representation instead of failing the write path.
func MarshalScrubbed(v any) sqlxtypes.JSONText {
	if v == nil {
		return sqlxtypes.JSONText(`{}`)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		fallback, _ := json.Marshal(map[string]string{"_unserializable": truncateString(fmt.Sprint(v))})
		return sqlxtypes.JSONText(fallback)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return sqlxtypes.JSONText(`{}`)
	}
	scrubbed, err := json.Marshal(scrubValue(decoded))
	if err != nil {
		return sqlxtypes.JSONText(`{}`)
	}
	return sqlxtypes.JSONText(scrubbed)
}

func scrubValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if _, drop := sensitiveKeys[strings.ToLower(k)]; drop {
				continue
			}
			out[k] = scrubValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = scrubValue(inner)
		}
		return out
	case string:
		return truncateString(val)
	default:
		return v
	}
}

func truncateString(s string) string {
	runes := []rune(s)
	if len(runes) <= maxScrubStringLen {
		return s
	}
	return string(runes[:maxScrubStringLen]) + truncationMarker
}
