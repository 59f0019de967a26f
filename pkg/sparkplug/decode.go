package sparkplug

import (
	"errors"
	"math"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

var errTruncated = errors.New("sparkplug: truncated protobuf payload")

// Decoder decodes Sparkplug B NDATA/DDATA payloads into the canonical map
// shape the Message Handler (B) uses everywhere else in the pipeline:
// metric values alongside other decoded payloads (spec.md 4.2 step 3).
type Decoder struct{}

// NewDecoder builds a stateless Sparkplug decoder.
func NewDecoder() *Decoder { return &Decoder{} }

// Decode implements pkg/handler.SparkplugDecoder.
func (d *Decoder) Decode(payload []byte) (map[string]interface{}, error) {
	var (
		timestamp uint64
		seq       uint64
		uuid      string
		metrics   []Metric
	)

	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errTruncated
		}
		b = b[n:]

		switch num {
		case fieldTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errTruncated
			}
			timestamp = v
			b = b[n:]
		case fieldSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errTruncated
			}
			seq = v
			b = b[n:]
		case fieldUUID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errTruncated
			}
			uuid = v
			b = b[n:]
		case fieldMetrics:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errTruncated
			}
			m, err := decodeMetric(v)
			if err != nil {
				return nil, err
			}
			metrics = append(metrics, m)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errTruncated
			}
			b = b[n:]
		}
	}

	metricsOut := make(map[string]interface{}, len(metrics))
	for _, m := range metrics {
		metricsOut[m.Name] = m.Value
	}

	out := map[string]interface{}{
		"timestamp": float64(timestamp),
		"seq":       float64(seq),
		"metrics":   metricsOut,
	}
	if uuid != "" {
		out["uuid"] = uuid
	}
	return out, nil
}

func decodeMetric(b []byte) (Metric, error) {
	var m Metric

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, errTruncated
		}
		b = b[n:]

		switch num {
		case metricFieldName:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, errTruncated
			}
			m.Name = v
			b = b[n:]
		case metricFieldAlias:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, errTruncated
			}
			m.Alias = v
			b = b[n:]
		case metricFieldTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, errTruncated
			}
			m.Timestamp = v
			b = b[n:]
		case metricFieldDatatype:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, errTruncated
			}
			m.DataType = uint32(v)
			b = b[n:]
		case metricFieldIntValue, metricFieldLongValue:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, errTruncated
			}
			m.Value = canonicalInt(v, m.DataType)
			b = b[n:]
		case metricFieldFloatValue:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return m, errTruncated
			}
			m.Value = float64(math.Float32frombits(v))
			b = b[n:]
		case metricFieldDoubleValue:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return m, errTruncated
			}
			m.Value = math.Float64frombits(v)
			b = b[n:]
		case metricFieldBoolValue:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, errTruncated
			}
			m.Value = v != 0
			b = b[n:]
		case metricFieldStringValue:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, errTruncated
			}
			m.Value = v
			b = b[n:]
		case metricFieldBytesValue:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, errTruncated
			}
			m.Value = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, errTruncated
			}
			b = b[n:]
		}
	}

	return m, nil
}

// canonicalInt mirrors pkg/handler's number canonicalization: a value
// within float64's safe-integer range stays numeric, otherwise it
// becomes a decimal string so large uint64 metric values (e.g. 64-bit
// counters) never silently lose precision.
func canonicalInt(v uint64, dataType uint32) interface{} {
	const maxSafeInt = 1<<53 - 1

	if dataType == dataTypeInt64 {
		signed := int64(v)
		if signed >= -maxSafeInt && signed <= maxSafeInt {
			return float64(signed)
		}
		return strconv.FormatInt(signed, 10)
	}

	if v <= maxSafeInt {
		return float64(v)
	}
	return strconv.FormatUint(v, 10)
}
