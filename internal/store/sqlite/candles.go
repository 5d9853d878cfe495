package sqlite

import (
	"context"
	"fmt"
	"time"

	"trading-alerts/internal/model"
)

// LoadCandles returns candles with start <= ts <= end, oldest first.
func (s *Store) LoadCandles(ctx context.Context, symbol, exchange string, tf model.Timeframe, start, end time.Time) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM candles
		WHERE exchange = ? AND symbol = ? AND tf = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, exchange, symbol, string(tf), start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		c := model.Candle{Symbol: symbol, Exchange: exchange, Timeframe: tf}
		var tsUnix int64
		if err := rows.Scan(&tsUnix, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		c.TS = time.Unix(tsUnix, 0).UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// UpsertCandles inserts or replaces candles in a single transaction.
func (s *Store) UpsertCandles(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, exchange, tf, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx, c.Symbol, c.Exchange, string(c.Timeframe), c.TS.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite upsert candle %s: %w", c.Key(), err)
		}
	}

	return tx.Commit()
}
