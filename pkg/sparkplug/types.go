// Package sparkplug implements a minimal Sparkplug B payload codec: just
// enough of the Eclipse Tahu org.eclipse.tahu.protobuf.Payload wire
// schema to decode an inbound NDATA/DDATA message into a canonical
// metrics map, and to re-encode one for D's round-trip republish case.
//
// There is no generated .pb.go for this schema in the module (no .proto
// file ships in any of the retrieved examples), so the wire format is
// walked directly with google.golang.org/protobuf/encoding/protowire,
// the same low-level tag/varint primitives the teacher's pkg/grpc
// reflection tooling is built on top of.
package sparkplug

// Sparkplug B Payload field numbers (org.eclipse.tahu.protobuf.Payload).
const (
	fieldTimestamp = 1
	fieldMetrics   = 2
	fieldSeq       = 3
	fieldUUID      = 4
	fieldBody      = 5
)

// Sparkplug B Payload.Metric field numbers.
const (
	metricFieldName        = 1
	metricFieldAlias       = 2
	metricFieldTimestamp   = 3
	metricFieldDatatype    = 4
	metricFieldIntValue    = 10
	metricFieldLongValue   = 11
	metricFieldFloatValue  = 12
	metricFieldDoubleValue = 13
	metricFieldBoolValue   = 14
	metricFieldStringValue = 15
	metricFieldBytesValue  = 16
)

// Sparkplug B DataType enum values relevant to the scalar metric kinds
// this codec round-trips; DataSet/Template/File are out of scope.
const (
	dataTypeInt8     = 1
	dataTypeInt16    = 2
	dataTypeInt32    = 3
	dataTypeInt64    = 4
	dataTypeUInt8    = 5
	dataTypeUInt16   = 6
	dataTypeUInt32   = 7
	dataTypeUInt64   = 8
	dataTypeFloat    = 9
	dataTypeDouble   = 10
	dataTypeBoolean  = 11
	dataTypeString   = 12
	dataTypeDateTime = 13
	dataTypeText     = 14
)

// Metric is the canonical decoded shape of one Sparkplug metric.
type Metric struct {
	Name      string
	Alias     uint64
	Timestamp uint64
	DataType  uint32
	Value     interface{}
}
