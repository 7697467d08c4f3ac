package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stackwatch/stackwatch/pkg/types"
)

const ruleColumns = `id, user_id, name, rule_type, contract_id, function_name, asset_id,
	watched_address, amount_threshold::text AS amount_threshold, severity, cooldown_s,
	channels, emails, webhook_url, active, last_triggered_at, version, created_at, updated_at`

// ListActiveRules returns every active rule. The rule index rebuilds from
// this set only.
func ListActiveRules(ctx context.Context, q Querier) ([]types.AlertRule, error) {
	var rules []types.AlertRule
	err := q.SelectContext(ctx, &rules,
		`SELECT `+ruleColumns+` FROM alert_rule WHERE active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	return rules, nil
}

// GetRule fetches a rule by id.
func GetRule(ctx context.Context, q Querier, id int64) (*types.AlertRule, error) {
	var r types.AlertRule
	err := q.GetContext(ctx, &r,
		`SELECT `+ruleColumns+` FROM alert_rule WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return &r, nil
}

// CreateRule inserts a rule and fills in its id.
func CreateRule(ctx context.Context, q Querier, r *types.AlertRule) error {
	err := q.GetContext(ctx, &r.ID,
		`INSERT INTO alert_rule
		   (user_id, name, rule_type, contract_id, function_name, asset_id, watched_address,
		    amount_threshold, severity, cooldown_s, channels, emails, webhook_url, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14)
		 RETURNING id`,
		r.UserID, r.Name, r.Type, r.ContractID, r.FunctionName, r.AssetID, r.WatchedAddress,
		r.AmountThreshold, r.Severity, r.CooldownSeconds, r.Channels, r.Emails,
		r.WebhookURL, r.Active)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

// UpdateRule updates a rule under optimistic locking. The caller supplies
// the version it read; a stale version yields ErrVersionConflict and the
// command is retried at the caller's level.
func UpdateRule(ctx context.Context, q Querier, r *types.AlertRule) error {
	res, err := q.ExecContext(ctx,
		`UPDATE alert_rule SET
		   name = $2, contract_id = $3, function_name = $4, asset_id = $5,
		   watched_address = $6, amount_threshold = $7::numeric, severity = $8,
		   cooldown_s = $9, channels = $10, emails = $11, webhook_url = $12,
		   active = $13, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $14`,
		r.ID, r.Name, r.ContractID, r.FunctionName, r.AssetID, r.WatchedAddress,
		r.AmountThreshold, r.Severity, r.CooldownSeconds, r.Channels, r.Emails,
		r.WebhookURL, r.Active, r.Version)
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	r.Version++
	return nil
}

// SetRuleActive flips the active flag under optimistic locking.
func SetRuleActive(ctx context.Context, q Querier, id int64, active bool, version int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE alert_rule SET active = $2, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $3`, id, active, version)
	if err != nil {
		return fmt.Errorf("failed to set rule %d active=%v: %w", id, active, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// DeleteRule removes a rule.
func DeleteRule(ctx context.Context, q Querier, id int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM alert_rule WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	return nil
}

// TryCooldownGate attempts the atomic cooldown gate. Exactly one of any set
// of concurrent callers observes one affected row and may emit
// notifications; the rest must not. There is no read-check-write window:
// the condition and the write are a single UPDATE.
func TryCooldownGate(ctx context.Context, q Querier, ruleID int64, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE alert_rule SET last_triggered_at = $2
		 WHERE id = $1
		   AND (last_triggered_at IS NULL
		        OR last_triggered_at <= $2 - (cooldown_s * interval '1 second'))`,
		ruleID, now)
	if err != nil {
		return false, fmt.Errorf("failed to run cooldown gate for rule %d: %w", ruleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
