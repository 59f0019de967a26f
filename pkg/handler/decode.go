package handler

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// maxSafeInt is the largest integer magnitude a float64 can represent
// exactly (spec.md 4.2 step 4: "safe-integer range").
const maxSafeInt = 1<<53 - 1

// decode runs the size-guard/decode/canonicalize cascade of spec.md 4.2
// steps 2-4 and returns the resulting payload object plus whether
// Sparkplug decoding was used.
func (h *Handler) decode(topic string, raw []byte) (map[string]interface{}, bool) {
	if len(raw) > maxPayloadBytes {
		return map[string]interface{}{
			"error":               "PAYLOAD_TOO_LARGE",
			"original_size_bytes": len(raw),
			"message":             "Payload exceeded safe limit (2MB) and was discarded.",
		}, false
	}

	if h.sparkplugEnabled && strings.HasPrefix(topic, "spBv1.0/") {
		return h.decodeSparkplug(raw)
	}

	if !utf8.Valid(raw) {
		return map[string]interface{}{
			"raw_payload_hex": hex.EncodeToString(raw),
			"decode_error":    "invalid UTF-8",
		}, false
	}

	return decodeJSON(raw), false
}

func (h *Handler) decodeSparkplug(raw []byte) (map[string]interface{}, bool) {
	if h.sparkplug == nil {
		return map[string]interface{}{
			"raw_payload_hex": hex.EncodeToString(raw),
			"decode_error":    "sparkplug decoding not configured",
		}, false
	}
	decoded, err := h.sparkplug.Decode(raw)
	if err != nil {
		return map[string]interface{}{
			"raw_payload_hex": hex.EncodeToString(raw),
			"decode_error":    err.Error(),
		}, false
	}
	obj, _ := canonicalizeNumbers(decoded).(map[string]interface{})
	if obj == nil {
		obj = map[string]interface{}{}
	}
	return obj, true
}

// decodeJSON attempts a JSON parse, using json.Number so large integers can
// be identified before they lose precision in a float64. A parse failure,
// or a parse that doesn't yield an object, falls back to spec.md 4.2 step
// 3's raw_payload wrapper.
func decodeJSON(raw []byte) map[string]interface{} {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()

	var parsed interface{}
	if err := dec.Decode(&parsed); err != nil {
		return map[string]interface{}{"raw_payload": string(raw)}
	}

	obj, ok := canonicalizeNumbers(parsed).(map[string]interface{})
	if !ok {
		return map[string]interface{}{"raw_payload": string(raw)}
	}
	return obj
}

// canonicalizeNumbers walks a decoded JSON value, converting each
// json.Number into the single canonical form spec.md 4.2 step 4 requires
// everywhere (store, broadcast, transform input): a float64 when it's
// exactly representable, a decimal string otherwise.
func canonicalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = canonicalizeNumbers(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = canonicalizeNumbers(val)
		}
		return out
	case json.Number:
		return canonicalizeNumber(t)
	default:
		return v
	}
}

func canonicalizeNumber(n json.Number) interface{} {
	if i, err := n.Int64(); err == nil {
		if i >= -maxSafeInt && i <= maxSafeInt {
			return float64(i)
		}
		return n.String()
	}
	if !strings.ContainsAny(n.String(), ".eE") {
		// An integer literal too large for int64 is beyond the safe range.
		return n.String()
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
