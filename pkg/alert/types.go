// Package alert implements the Alert Engine (spec.md 4.5, module E):
// topic-pattern-to-regex compilation, sandboxed condition evaluation
// shared with the Transformation Engine, trigger/dedupe against the
// active-alerts table, webhook notification, and lifecycle status
// transitions.
//
// Grounded on pkg/transform for the overall "atomic rule snapshot +
// pkg/sandbox.Runner execution" shape (the two engines are siblings in
// spec.md's component table) and on pkg/logging's LokiHandler for the
// outbound-HTTP-POST-with-bounded-client idiom used by the webhook
// notifier.
package alert

import "time"

// Severity is the configured urgency of an alert rule.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Status is an active alert's lifecycle state (spec.md 4.5: "User
// lifecycle actions").
type Status string

const (
	StatusNew          Status = "new"
	StatusAnalyzing    Status = "analyzing"
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// validStatuses is the allowed transition target set for
// Engine.UpdateAlertStatus (spec.md 4.5: "allowed set {new, analyzing,
// open, acknowledged, resolved}").
var validStatuses = map[Status]bool{
	StatusNew:          true,
	StatusAnalyzing:    true,
	StatusOpen:         true,
	StatusAcknowledged: true,
	StatusResolved:     true,
}

// Notifications holds the optional notification channels for a rule
// (spec.md 3: "Alert Rule").
type Notifications struct {
	Webhook string
	Email   string
}

// Rule is an alert rule definition (spec.md 3: "Alert Rule"). Owner
// "global" means visible to all; owner-scoped visibility itself is part
// of the excluded user-management surface, so Rule carries OwnerID only
// for round-tripping persisted rows.
type Rule struct {
	ID             string
	Name           string
	OwnerID        string
	TopicPattern   string
	ConditionCode  string
	Severity       Severity
	WorkflowPrompt string
	Notifications  Notifications
	Enabled        bool
}

// ActiveAlert is a live or resolved alert instance (spec.md 3: "Active
// Alert").
type ActiveAlert struct {
	ID             string
	RuleID         string
	Topic          string
	BrokerID       string
	TriggerValue   string
	Status         Status
	HandledBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	AnalysisResult string
}

