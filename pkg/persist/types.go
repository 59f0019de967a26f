package persist

import (
	"encoding/json"
	"time"
)

// Event is one inbound message awaiting a batch insert. Timestamp is
// always serialized as RFC3339 with an explicit Z when the batch is
// written, regardless of the zone it arrived in.
type Event struct {
	Timestamp time.Time
	Topic     string
	BrokerID  string
	Payload   json.RawMessage

	// NeedsStoreForTransform marks an event whose matching transform
	// targets reference the store (pkg/transform.Engine.RequiresStore),
	// so it must be replayed to D only after its batch has committed —
	// this preserves the read-your-writes contract for those targets.
	NeedsStoreForTransform bool

	// DecodedPayload is the already-decoded form passed to D on replay,
	// avoiding a second JSON unmarshal of Payload.
	DecodedPayload map[string]interface{}

	// Sparkplug marks an event decoded via the Sparkplug B codec, so
	// replay can still take the Sparkplug round-trip branch in D's
	// encodeOutput after a NeedsStoreForTransform deferral.
	Sparkplug bool
}
