package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"trading-alerts/internal/model"
)

const ruleColumns = `id, owner, name, enabled, expires_at, universe, timeframe, condition,
	trigger_mode, throttle_seconds, cadence_seconds, market_hours_only, action_spec,
	last_evaluated_at, last_triggered_at, last_trigger_bar_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*model.Rule, error) {
	var (
		r                         model.Rule
		expires, evaluated        sql.NullInt64
		triggered, triggerBarTime sql.NullInt64
		universe, condition       string
		timeframe, mode           string
		action                    sql.NullString
		cadence                   int64
	)
	err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.Enabled, &expires, &universe, &timeframe, &condition,
		&mode, &r.ThrottleSeconds, &cadence, &r.MarketHoursOnly, &action,
		&evaluated, &triggered, &triggerBarTime)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(universe), &r.Universe); err != nil {
		return nil, fmt.Errorf("rule %s universe: %w", r.ID, err)
	}
	if action.Valid && action.String != "" {
		if err := json.Unmarshal([]byte(action.String), &r.Action); err != nil {
			return nil, fmt.Errorf("rule %s action: %w", r.ID, err)
		}
	}
	if r.Timeframe, err = model.ParseTimeframe(timeframe); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.TriggerMode, err = model.ParseTriggerMode(mode); err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	r.Condition = json.RawMessage(condition)
	r.EvaluationCadence = time.Duration(cadence) * time.Second
	r.ExpiresAt = fromNullNanos(expires)
	r.LastEvaluatedAt = fromNullNanos(evaluated)
	r.LastTriggeredAt = fromNullNanos(triggered)
	r.LastTriggerBarTime = fromNullNanos(triggerBarTime)
	return &r, nil
}

// LoadRules returns enabled rules that have not expired at now, ordered by id.
// Rows that fail to decode are logged and skipped so one corrupt rule does
// not hide the rest.
func (s *Store) LoadRules(ctx context.Context, now time.Time) ([]*model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE enabled = 1 AND (expires_at IS NULL OR expires_at >= ?)
		ORDER BY id
	`, nanos(now))
	if err != nil {
		return nil, fmt.Errorf("sqlite query rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			log.Printf("[sqlite] skipping malformed rule: %v", err)
			continue
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule loads one rule regardless of its enabled flag.
func (s *Store) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return r, err
}

// SaveRule inserts or replaces a rule definition. It stands in for the CRUD
// layer in tooling and tests; the engine itself only writes the Last* columns.
func (s *Store) SaveRule(ctx context.Context, r *model.Rule) error {
	universe, err := json.Marshal(r.Universe)
	if err != nil {
		return fmt.Errorf("marshal universe: %w", err)
	}
	var action sql.NullString
	if r.Action.Kind != model.ActionNone {
		b, err := json.Marshal(r.Action)
		if err != nil {
			return fmt.Errorf("marshal action: %w", err)
		}
		action = sql.NullString{String: string(b), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Owner, r.Name, r.Enabled, nullNanos(r.ExpiresAt), string(universe),
		string(r.Timeframe), string(r.Condition), string(r.TriggerMode), r.ThrottleSeconds,
		int64(r.EvaluationCadence/time.Second), r.MarketHoursOnly, action,
		nullNanos(r.LastEvaluatedAt), nullNanos(r.LastTriggeredAt), nullNanos(r.LastTriggerBarTime),
	)
	if err != nil {
		return fmt.Errorf("sqlite save rule %s: %w", r.ID, err)
	}
	return nil
}
