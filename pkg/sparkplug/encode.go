package sparkplug

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encoder re-encodes a derived message as Sparkplug B payload bytes,
// used by the Transformation Engine (D) when a target's rendered output
// topic begins with "spBv1.0/" (spec.md 4.4: "Sparkplug round-trip").
type Encoder struct{}

// NewEncoder builds a stateless Sparkplug encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Encode implements pkg/transform.SparkplugEncoder. msg is expected to
// carry a "metrics" map of name to scalar value, plus optional numeric
// "timestamp"/"seq" fields — the same canonical shape Decode produces,
// so a transform target that passes its decoded input straight through
// round-trips losslessly for the metric types this codec supports.
func (e *Encoder) Encode(_ string, msg map[string]interface{}) ([]byte, error) {
	var b []byte

	if ts, ok := numericField(msg, "timestamp"); ok {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ts))
	}

	metrics, _ := msg["metrics"].(map[string]interface{})
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		encoded, err := encodeMetric(name, metrics[name])
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, encoded)
	}

	if seq, ok := numericField(msg, "seq"); ok {
		b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(seq))
	}

	if uuid, ok := msg["uuid"].(string); ok && uuid != "" {
		b = protowire.AppendTag(b, fieldUUID, protowire.BytesType)
		b = protowire.AppendString(b, uuid)
	}

	return b, nil
}

func encodeMetric(name string, value interface{}) ([]byte, error) {
	var b []byte

	b = protowire.AppendTag(b, metricFieldName, protowire.BytesType)
	b = protowire.AppendString(b, name)

	switch v := value.(type) {
	case float64:
		if v == math.Trunc(v) {
			b = protowire.AppendTag(b, metricFieldDatatype, protowire.VarintType)
			b = protowire.AppendVarint(b, dataTypeInt64)
			b = protowire.AppendTag(b, metricFieldLongValue, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(int64(v)))
			return b, nil
		}
		b = protowire.AppendTag(b, metricFieldDatatype, protowire.VarintType)
		b = protowire.AppendVarint(b, dataTypeDouble)
		b = protowire.AppendTag(b, metricFieldDoubleValue, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
		return b, nil
	case bool:
		b = protowire.AppendTag(b, metricFieldDatatype, protowire.VarintType)
		b = protowire.AppendVarint(b, dataTypeBoolean)
		b = protowire.AppendTag(b, metricFieldBoolValue, protowire.VarintType)
		boolVal := uint64(0)
		if v {
			boolVal = 1
		}
		b = protowire.AppendVarint(b, boolVal)
		return b, nil
	case string:
		b = protowire.AppendTag(b, metricFieldDatatype, protowire.VarintType)
		b = protowire.AppendVarint(b, dataTypeString)
		b = protowire.AppendTag(b, metricFieldStringValue, protowire.BytesType)
		b = protowire.AppendString(b, v)
		return b, nil
	default:
		return nil, fmt.Errorf("sparkplug: metric %q has unsupported value type %T", name, value)
	}
}

func numericField(msg map[string]interface{}, key string) (float64, bool) {
	v, ok := msg[key].(float64)
	return v, ok
}
