package transform

import (
	"encoding/json"
	"testing"
)

// TestRuleSet_UnmarshalsSpecLiteralSchema guards the on-disk rules file
// format against drift: spec.md 3/6 requires the snake_case schema used
// here, not the camelCase shape pkg/config.BrokerConfig deliberately uses
// for its own document.
func TestRuleSet_UnmarshalsSpecLiteralSchema(t *testing.T) {
	doc := []byte(`{
		"versions": [
			{
				"id": "v1",
				"name": "initial",
				"created_at": "2026-01-01T00:00:00Z",
				"rules": [
					{
						"source_topic": "line1/+/temp",
						"targets": [
							{
								"id": "t1",
								"enabled": true,
								"output_topic": "line1/{{cell}}/tempF",
								"target_broker_id": "b2",
								"code": "msg.payload.tempF = msg.payload.tempC*9/5+32; return msg;"
							}
						]
					}
				]
			}
		],
		"active_version_id": "v1"
	}`)

	var rs RuleSet
	if err := json.Unmarshal(doc, &rs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if rs.ActiveVersionID != "v1" {
		t.Fatalf("expected active_version_id to populate ActiveVersionID, got %q", rs.ActiveVersionID)
	}
	if len(rs.Versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(rs.Versions))
	}
	v := rs.Versions[0]
	if v.CreatedAt.IsZero() {
		t.Fatal("expected created_at to populate Version.CreatedAt")
	}
	if len(v.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(v.Rules))
	}
	r := v.Rules[0]
	if r.SourceTopic != "line1/+/temp" {
		t.Fatalf("expected source_topic to populate Rule.SourceTopic, got %q", r.SourceTopic)
	}
	if len(r.Targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(r.Targets))
	}
	target := r.Targets[0]
	if target.OutputTopic != "line1/{{cell}}/tempF" {
		t.Fatalf("expected output_topic to populate Target.OutputTopic, got %q", target.OutputTopic)
	}
	if target.TargetBrokerID != "b2" {
		t.Fatalf("expected target_broker_id to populate Target.TargetBrokerID, got %q", target.TargetBrokerID)
	}
}
