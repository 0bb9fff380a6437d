package usage

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/conductor/errors"
)

// Store persists backend state in the backend_state table
type Store struct {
	db *sql.DB
}

// NewStore creates a backend state store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveStates upserts every snapshot in one transaction
func (s *Store) SaveStates(ctx context.Context, states []Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin backend state tx")
	}

	query := `
		INSERT INTO backend_state (
			backend_key, provider, observed_tokens_per_minute, observed_requests_per_minute,
			success_rate, avg_latency_ms, last_rate_limit_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(backend_key) DO UPDATE SET
			provider = excluded.provider,
			observed_tokens_per_minute = excluded.observed_tokens_per_minute,
			observed_requests_per_minute = excluded.observed_requests_per_minute,
			success_rate = excluded.success_rate,
			avg_latency_ms = excluded.avg_latency_ms,
			last_rate_limit_at = excluded.last_rate_limit_at,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Format(time.RFC3339)
	for _, st := range states {
		var lastRateLimit interface{}
		if st.LastRateLimitAt != nil {
			lastRateLimit = st.LastRateLimitAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := tx.ExecContext(ctx, query,
			st.Key,
			st.Provider,
			st.ObservedTPM,
			st.ObservedRPM,
			st.SuccessRate,
			st.AvgLatency.Milliseconds(),
			lastRateLimit,
			now,
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "save backend state %s", st.Key)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit backend state")
	}
	return nil
}

// LoadStates returns every persisted snapshot. Only the adaptive fields are populated.
func (s *Store) LoadStates(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT backend_key, provider, observed_tokens_per_minute, observed_requests_per_minute,
		       success_rate, avg_latency_ms, last_rate_limit_at
		FROM backend_state
		ORDER BY backend_key
	`)
	if err != nil {
		return nil, errors.Wrap(err, "query backend state")
	}
	defer rows.Close()

	var states []Snapshot
	for rows.Next() {
		var st Snapshot
		var latencyMS int64
		var lastRateLimit sql.NullString
		if err := rows.Scan(
			&st.Key,
			&st.Provider,
			&st.ObservedTPM,
			&st.ObservedRPM,
			&st.SuccessRate,
			&latencyMS,
			&lastRateLimit,
		); err != nil {
			return nil, errors.Wrap(err, "scan backend state")
		}
		st.AvgLatency = time.Duration(latencyMS) * time.Millisecond
		if lastRateLimit.Valid {
			at, err := time.Parse(time.RFC3339Nano, lastRateLimit.String)
			if err != nil {
				return nil, errors.Wrapf(err, "parse last_rate_limit_at for %s", st.Key)
			}
			st.LastRateLimitAt = &at
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate backend state")
	}
	return states, nil
}
