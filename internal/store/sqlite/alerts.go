package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trading-alerts/internal/model"
)

// onceKey mirrors emitter.OnceKey; ONCE markers survive retention.
const onceKey = "once"

// LastTrigger returns the most recent stored fire of rule for inst, or nil.
func (s *Store) LastTrigger(ctx context.Context, ruleID string, inst model.Instrument) (*model.TriggerRecord, error) {
	var (
		triggered int64
		barTime   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT triggered_at, bar_time FROM alerts
		WHERE rule_id = ? AND symbol = ? AND exchange = ?
		ORDER BY triggered_at DESC
		LIMIT 1
	`, ruleID, inst.Symbol, inst.Exchange).Scan(&triggered, &barTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite last trigger %s %s: %w", ruleID, inst.Key(), err)
	}
	return &model.TriggerRecord{TriggeredAt: fromNanos(triggered), BarTime: fromNullNanos(barTime)}, nil
}

// CommitTick writes one tick in a single transaction: every fire's alert
// (and intent), then last_evaluated_at for every processed rule and
// last_triggered_at for rules with at least one stored fire.
//
// Alerts are inserted with INSERT OR IGNORE against the dedup unique key; a
// fire that inserts nothing was already recorded (for example by an
// overlapping tick) and is reported as suppressed, without its intent.
func (s *Store) CommitTick(ctx context.Context, tick model.TickCommit) (model.CommitResult, error) {
	var res model.CommitResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("sqlite begin tick: %w", err)
	}
	defer tx.Rollback()

	alertStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO alerts (id, rule_id, owner, symbol, exchange, bar_time, triggered_at, reason, snapshot, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return res, err
	}
	defer alertStmt.Close()

	intentStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO order_intents (id, alert_id, rule_id, owner, symbol, exchange, side, qty, order_type, product, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return res, err
	}
	defer intentStmt.Close()

	// latest stored fire per rule
	lastFire := make(map[string]model.Fire)

	for _, f := range tick.Fires {
		a := f.Alert
		snapshot, err := json.Marshal(a.Snapshot)
		if err != nil {
			return model.CommitResult{}, fmt.Errorf("marshal snapshot: %w", err)
		}
		r, err := alertStmt.ExecContext(ctx, a.ID, a.RuleID, a.Owner, a.Symbol, a.Exchange,
			nullNanos(a.BarTime), nanos(a.TriggeredAt), a.Reason, string(snapshot), a.DedupKey)
		if err != nil {
			return model.CommitResult{}, fmt.Errorf("sqlite insert alert: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return model.CommitResult{}, err
		}
		if n == 0 {
			res.Suppressed = append(res.Suppressed, f)
			continue
		}
		if in := f.Intent; in != nil {
			_, err := intentStmt.ExecContext(ctx, in.ID, in.AlertID, in.RuleID, in.Owner, in.Symbol, in.Exchange,
				string(in.Side), in.Qty, in.OrderType, in.Product, in.Status, nanos(in.CreatedAt))
			if err != nil {
				return model.CommitResult{}, fmt.Errorf("sqlite insert order intent: %w", err)
			}
		}
		res.Emitted = append(res.Emitted, f)
		if prev, ok := lastFire[a.RuleID]; !ok || f.Stamp().After(prev.Stamp()) {
			lastFire[a.RuleID] = f
		}
	}

	for _, id := range tick.Evaluated {
		if _, err := tx.ExecContext(ctx, `UPDATE rules SET last_evaluated_at = ? WHERE id = ?`, nanos(tick.Now), id); err != nil {
			return model.CommitResult{}, fmt.Errorf("sqlite update rule %s: %w", id, err)
		}
	}
	for id, f := range lastFire {
		_, err := tx.ExecContext(ctx, `UPDATE rules SET last_triggered_at = ?, last_trigger_bar_time = ? WHERE id = ?`,
			nanos(f.Stamp()), nullNanos(f.Alert.BarTime), id)
		if err != nil {
			return model.CommitResult{}, fmt.Errorf("sqlite update rule %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.CommitResult{}, fmt.Errorf("sqlite commit tick: %w", err)
	}
	return res, nil
}

// PruneAlerts deletes alerts triggered before cutoff. ONCE markers stay so
// ONCE rules never re-fire, and so does the newest alert of every (rule,
// instrument): it backs the ONCE_PER_BAR bar key and the throttle. Intents
// are left to the broker bridge.
func (s *Store) PruneAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	r, err := s.db.ExecContext(ctx, `
		DELETE FROM alerts
		WHERE triggered_at < ? AND dedup_key != ?
		  AND EXISTS (
			SELECT 1 FROM alerts AS newer
			WHERE newer.rule_id = alerts.rule_id
			  AND newer.symbol = alerts.symbol
			  AND newer.exchange = alerts.exchange
			  AND newer.triggered_at > alerts.triggered_at
		  )
	`, nanos(cutoff), onceKey)
	if err != nil {
		return 0, fmt.Errorf("sqlite prune alerts: %w", err)
	}
	return r.RowsAffected()
}

// RecentAlerts returns the newest alerts, optionally for one rule.
func (s *Store) RecentAlerts(ctx context.Context, ruleID string, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, owner, symbol, exchange, bar_time, triggered_at, reason, snapshot, dedup_key
		FROM alerts
		WHERE ? = '' OR rule_id = ?
		ORDER BY triggered_at DESC
		LIMIT ?
	`, ruleID, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var (
			a         model.Alert
			barTime   sql.NullInt64
			triggered int64
			snapshot  string
		)
		if err := rows.Scan(&a.ID, &a.RuleID, &a.Owner, &a.Symbol, &a.Exchange, &barTime, &triggered,
			&a.Reason, &snapshot, &a.DedupKey); err != nil {
			return nil, fmt.Errorf("sqlite scan alert: %w", err)
		}
		a.BarTime = fromNullNanos(barTime)
		a.TriggeredAt = fromNanos(triggered)
		if err := json.Unmarshal([]byte(snapshot), &a.Snapshot); err != nil {
			return nil, fmt.Errorf("alert %s snapshot: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PendingIntents returns WAITING order intents, oldest first.
func (s *Store) PendingIntents(ctx context.Context) ([]model.OrderIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, rule_id, owner, symbol, exchange, side, qty, order_type, product, status, created_at
		FROM order_intents
		WHERE status = ?
		ORDER BY created_at ASC
	`, model.OrderStatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("sqlite query order intents: %w", err)
	}
	defer rows.Close()

	var out []model.OrderIntent
	for rows.Next() {
		var (
			in      model.OrderIntent
			side    string
			created int64
		)
		if err := rows.Scan(&in.ID, &in.AlertID, &in.RuleID, &in.Owner, &in.Symbol, &in.Exchange, &side,
			&in.Qty, &in.OrderType, &in.Product, &in.Status, &created); err != nil {
			return nil, fmt.Errorf("sqlite scan order intent: %w", err)
		}
		in.Side = model.OrderSide(side)
		in.CreatedAt = fromNanos(created)
		out = append(out, in)
	}
	return out, rows.Err()
}
