// Package transform implements the Transformation Engine (spec.md 4.4,
// module D): a versioned, atomically-swapped rule set matched against
// incoming events by MQTT wildcard topic, each match running one or more
// sandboxed scripts concurrently and republishing any derived message
// under ACL control.
//
// Grounded on the teacher's pkg/stateful executor/dispatch shape for the
// "compile once, run per event" discipline and on pkg/websocket's
// subscriber bookkeeping for the per-key debounce timers used by the
// metrics broadcast below. The rule matching itself reuses pkg/acl's MQTT
// wildcard matcher rather than reimplementing it.
package transform

import (
	"sync"
	"time"
)

// Target is one sandboxed transformation attached to a Rule (spec.md 3:
// "Transform Rule Set").
type Target struct {
	ID             string `json:"id"`
	Enabled        bool   `json:"enabled"`
	OutputTopic    string `json:"output_topic"`
	TargetBrokerID string `json:"target_broker_id,omitempty"`
	Code           string `json:"code"`
}

// Rule matches one source topic pattern against any number of targets.
type Rule struct {
	SourceTopic string   `json:"source_topic"`
	Targets     []Target `json:"targets"`
}

// Version is one immutable snapshot of the rule list.
type Version struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Rules     []Rule    `json:"rules"`
}

// RuleSet is the top-level versioned document (spec.md 3: "Transform Rule
// Set (versioned)"). Exactly one version is active at any time.
type RuleSet struct {
	Versions        []Version `json:"versions"`
	ActiveVersionID string    `json:"active_version_id"`
}

// activeVersion returns the Version whose ID matches ActiveVersionID, or
// the zero Version if none matches (an empty rule set).
func (rs *RuleSet) activeVersion() Version {
	for _, v := range rs.Versions {
		if v.ID == rs.ActiveVersionID {
			return v
		}
	}
	return Version{}
}

// RingEntry is one bounded log line for a (source_topic, target.id) pair
// (spec.md 3: "Transform Metrics").
type RingEntry struct {
	At         time.Time `json:"ts"`
	InTopic    string    `json:"in_topic"`
	OutTopic   string    `json:"out_topic,omitempty"`
	OutSnippet string    `json:"out_payload_snippet,omitempty"`
	Error      string    `json:"error,omitempty"`
	Debug      string    `json:"debug,omitempty"`
}

const ringSize = 20

// targetMetrics holds the live counters and bounded log ring for one
// (source_topic, target.id) pair, plus the debounce state for coalesced
// success/debug broadcasts.
type targetMetrics struct {
	mu           sync.Mutex
	successCount uint64
	ring         []RingEntry
	ringPos      int

	lastBroadcast time.Time
	pendingTimer  *time.Timer
}

func (tm *targetMetrics) pushLocked(e RingEntry) {
	if len(tm.ring) < ringSize {
		tm.ring = append(tm.ring, e)
		return
	}
	tm.ring[tm.ringPos] = e
	tm.ringPos = (tm.ringPos + 1) % ringSize
}

// Snapshot is the read-only view of targetMetrics exposed to callers
// (e.g. a future status API) without leaking the mutex.
type Snapshot struct {
	SuccessCount uint64      `json:"successCount"`
	Recent       []RingEntry `json:"recent"`
}
