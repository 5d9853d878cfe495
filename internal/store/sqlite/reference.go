package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trading-alerts/internal/model"
)

// GroupMembers lists the members of groupID if the group is shared or owned
// by owner. Missing and inaccessible groups both yield an empty slice.
func (s *Store) GroupMembers(ctx context.Context, groupID, owner string) ([]model.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.symbol, m.exchange
		FROM group_members m
		JOIN symbol_groups g ON g.id = m.group_id
		WHERE g.id = ? AND (g.shared = 1 OR g.owner = ?)
		ORDER BY m.position, m.rowid
	`, groupID, owner)
	if err != nil {
		return nil, fmt.Errorf("sqlite query group %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var in model.Instrument
		if err := rows.Scan(&in.Symbol, &in.Exchange); err != nil {
			return nil, fmt.Errorf("sqlite scan group member: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// SaveGroup replaces a group and its members.
func (s *Store) SaveGroup(ctx context.Context, id, owner, name string, shared bool, members []model.Instrument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO symbol_groups (id, owner, name, shared) VALUES (?, ?, ?, ?)`,
		id, owner, name, shared); err != nil {
		return fmt.Errorf("sqlite save group %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite clear group %s: %w", id, err)
	}
	for i, m := range members {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO group_members (group_id, symbol, exchange, position) VALUES (?, ?, ?, ?)`,
			id, m.Symbol, m.Exchange, i); err != nil {
			return fmt.Errorf("sqlite add group member %s: %w", m.Key(), err)
		}
	}
	return tx.Commit()
}

// Holdings returns every holding line of owner, including zero quantities.
func (s *Store) Holdings(ctx context.Context, owner string) ([]model.Holding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, exchange, product, qty FROM holdings WHERE owner = ? ORDER BY exchange, symbol
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("sqlite query holdings: %w", err)
	}
	defer rows.Close()

	var out []model.Holding
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.Symbol, &h.Exchange, &h.Product, &h.Qty); err != nil {
			return nil, fmt.Errorf("sqlite scan holding: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ReplaceHoldings swaps owner's holdings for h, e.g. after a broker sync.
func (s *Store) ReplaceHoldings(ctx context.Context, owner string, h []model.Holding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM holdings WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("sqlite clear holdings: %w", err)
	}
	for _, x := range h {
		product := x.Product
		if product == "" {
			product = "CNC"
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO holdings (owner, symbol, exchange, product, qty) VALUES (?, ?, ?, ?, ?)`,
			owner, x.Symbol, x.Exchange, product, x.Qty); err != nil {
			return fmt.Errorf("sqlite insert holding %s: %w", x.Key(), err)
		}
	}
	return tx.Commit()
}

// PositionQty returns the quantity owner holds in symbol for product.
func (s *Store) PositionQty(ctx context.Context, owner, symbol, product string) (float64, bool, error) {
	var qty float64
	err := s.db.QueryRowContext(ctx, `
		SELECT qty FROM positions WHERE owner = ? AND symbol = ? AND product = ?
	`, owner, symbol, product).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlite query position %s: %w", symbol, err)
	}
	return qty, true, nil
}

// SetPosition upserts one position line.
func (s *Store) SetPosition(ctx context.Context, owner, symbol, exchange, product string, qty float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions (owner, symbol, exchange, product, qty) VALUES (?, ?, ?, ?, ?)
	`, owner, symbol, exchange, product, qty)
	if err != nil {
		return fmt.Errorf("sqlite set position %s: %w", symbol, err)
	}
	return nil
}

// SavedExpression returns the stored envelope for owner's named expression.
func (s *Store) SavedExpression(ctx context.Context, owner, name string) ([]byte, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM saved_expressions WHERE owner = ? AND name = ?`, owner, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("expression %s/%s: %w", owner, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite query expression %s: %w", name, err)
	}
	return []byte(body), nil
}

// SaveExpression upserts owner's named expression.
func (s *Store) SaveExpression(ctx context.Context, owner, name string, body []byte, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO saved_expressions (owner, name, body, updated_at) VALUES (?, ?, ?, ?)
	`, owner, name, string(body), nanos(now))
	if err != nil {
		return fmt.Errorf("sqlite save expression %s: %w", name, err)
	}
	return nil
}
