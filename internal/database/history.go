package database

import (
	"database/sql"
	"fmt"
	"time"

	"lnmarkets-alert-bot/internal/types"
)

// AddPriceSample persists one price history sample.
func AddPriceSample(price float64, at time.Time) error {
	if _, err := DB.Exec(`INSERT INTO price_history (ts, price) VALUES (?, ?);`, at.Unix(), price); err != nil {
		return fmt.Errorf("failed to insert price sample: %w", err)
	}
	return nil
}

// PriceAt returns the most recent persisted price at or before cutoff.
func PriceAt(cutoff time.Time) (float64, bool, error) {
	var price float64
	query := `SELECT price FROM price_history WHERE ts <= ? ORDER BY ts DESC LIMIT 1;`
	err := DB.QueryRow(query, cutoff.Unix()).Scan(&price)
	if err == sql.ErrNoRows {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("failed to query price at %v: %w", cutoff, err)
	}
	return price, true, nil
}

// PruneHistory evicts persisted samples older than cutoff.
func PruneHistory(cutoff time.Time) error {
	if _, err := DB.Exec(`DELETE FROM price_history WHERE ts < ?;`, cutoff.Unix()); err != nil {
		return fmt.Errorf("failed to prune price history: %w", err)
	}
	return nil
}

// SamplesSince returns persisted samples newer than since, oldest first.
func SamplesSince(since time.Time) ([]types.PriceSample, error) {
	rows, err := DB.Query(`SELECT ts, price FROM price_history WHERE ts >= ? ORDER BY ts ASC;`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var samples []types.PriceSample
	for rows.Next() {
		var ts int64
		var s types.PriceSample
		if err := rows.Scan(&ts, &s.Price); err != nil {
			return nil, fmt.Errorf("failed to scan price sample: %w", err)
		}
		s.Timestamp = time.Unix(ts, 0)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
