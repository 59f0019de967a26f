package store

import (
	"context"
	"fmt"
	"time"
)

// AlertRule is the persisted form of an alert rule definition (spec.md 3:
// "Alert Rule").
type AlertRule struct {
	ID             string
	Name           string
	TopicPattern   string
	Condition      string
	Severity       string
	WebhookURL     string
	WorkflowPrompt string
	Enabled        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ActiveAlert is the persisted form of a live/resolved alert instance
// (spec.md 3: "Active Alert").
type ActiveAlert struct {
	ID            string
	RuleID        string
	Topic         string
	Status        string
	TriggerValue  string
	HandledBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ListAlertRules returns every enabled alert rule.
func (s *Store) ListAlertRules(ctx context.Context) ([]AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, topic_pattern, condition, severity, webhook_url, workflow_prompt, enabled, created_at, updated_at
		FROM alert_rules WHERE enabled = true
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list alert rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AlertRule
	for rows.Next() {
		var r AlertRule
		var webhook, prompt *string
		if err := rows.Scan(&r.ID, &r.Name, &r.TopicPattern, &r.Condition, &r.Severity, &webhook, &prompt, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan alert rule: %w", err)
		}
		if webhook != nil {
			r.WebhookURL = *webhook
		}
		if prompt != nil {
			r.WorkflowPrompt = *prompt
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveAlertExists reports whether an active-alerts row exists for
// (ruleID, topic) whose status is not "resolved" (spec.md 4.5: "Trigger
// and dedupe").
func (s *Store) ActiveAlertExists(ctx context.Context, ruleID, topic string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM active_alerts
		WHERE rule_id = ? AND topic = ? AND status != 'resolved'
	`, ruleID, topic)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("store: active alert lookup: %w", err)
	}
	return n > 0, nil
}

// InsertActiveAlert inserts a new active-alerts row with status "new"
// (spec.md 4.5: "insert a new row with status new, truncated payload
// snippet, and current timestamp").
func (s *Store) InsertActiveAlert(ctx context.Context, a ActiveAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_alerts (id, rule_id, topic, status, payload, handled_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.RuleID, a.Topic, a.Status, a.TriggerValue, a.HandledBy,
		a.CreatedAt.UTC().Format(time.RFC3339), a.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: insert active alert: %w", err)
	}
	return nil
}

// UpdateAlertStatus transitions an active alert's status and handler
// (spec.md 4.5: "updateAlertStatus(id, status, handler)").
func (s *Store) UpdateAlertStatus(ctx context.Context, id, status, handledBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE active_alerts SET status = ?, handled_by = ?, updated_at = ? WHERE id = ?
	`, status, handledBy, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("store: update alert status: %w", err)
	}
	return nil
}

// PurgeResolved deletes every resolved active alert and returns the number
// of rows removed (spec.md 4.5: "purgeResolved() that deletes and
// compacts").
func (s *Store) PurgeResolved(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM active_alerts WHERE status = 'resolved'`)
	if err != nil {
		return 0, fmt.Errorf("store: purge resolved alerts: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		return n, fmt.Errorf("store: checkpoint after purge: %w", err)
	}
	return n, nil
}
