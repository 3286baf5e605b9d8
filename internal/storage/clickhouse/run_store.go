package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"donut-notifier/internal/domain"
	"donut-notifier/internal/storage"
)

// RunStore implements storage.RunStore using ClickHouse.
type RunStore struct {
	conn *Conn
}

// NewRunStore creates a new RunStore.
func NewRunStore(conn *Conn) *RunStore {
	return &RunStore{conn: conn}
}

// Compile-time interface check.
var _ storage.RunStore = (*RunStore)(nil)

// Insert appends a run record.
func (s *RunStore) Insert(ctx context.Context, r *domain.RunRecord) error {
	if r == nil || r.RunID == "" {
		return storage.ErrInvalidInput
	}

	var evaluation string
	if r.Evaluation != nil {
		data, err := json.Marshal(r.Evaluation)
		if err != nil {
			return fmt.Errorf("encode evaluation: %w", err)
		}
		evaluation = string(data)
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO notifier_runs (
			run_id, trigger, started_at, duration_ms, outcome, error, miner, evaluation, recipients
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		r.RunID, string(r.Trigger), r.StartedAt.UTC(), r.Duration.Milliseconds(),
		string(r.Outcome), r.Error, r.Miner, evaluation, int32(r.Recipients),
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// Recent returns up to limit records, newest first.
func (s *RunStore) Recent(ctx context.Context, limit int) ([]*domain.RunRecord, error) {
	query := `
		SELECT run_id, trigger, started_at, duration_ms, outcome, error, miner, evaluation, recipients
		FROM notifier_runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?
	`

	rows, err := s.conn.Query(ctx, query, uint64(storage.NormalizeLimit(limit)))
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var result []*domain.RunRecord
	for rows.Next() {
		var (
			r          domain.RunRecord
			trigger    string
			outcome    string
			durationMs int64
			evaluation string
			recipients int32
		)
		if err := rows.Scan(&r.RunID, &trigger, &r.StartedAt, &durationMs, &outcome,
			&r.Error, &r.Miner, &evaluation, &recipients); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}

		r.Trigger = domain.Trigger(trigger)
		r.Outcome = domain.Outcome(outcome)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.Recipients = int(recipients)
		if evaluation != "" {
			var ev domain.Evaluation
			if err := json.Unmarshal([]byte(evaluation), &ev); err != nil {
				return nil, fmt.Errorf("decode evaluation for run %s: %w", r.RunID, err)
			}
			r.Evaluation = &ev
		}

		result = append(result, &r)
	}

	return result, rows.Err()
}
