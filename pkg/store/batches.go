package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/util"
)

// CreateBatch inserts a batch and its prechecks atomically.
func (s *Store) CreateBatch(ctx context.Context, b *model.Batch, prechecks []*model.PreCheck) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, created_at, status, total_devices, completed_devices, created_by)
			VALUES (?, ?, ?, ?, ?, ?)`,
			b.ID, unixNano(b.CreatedAt), string(b.Status), b.TotalDevices, b.CompletedDevices, b.CreatedBy)
		if err != nil {
			return fmt.Errorf("inserting batch %s: %w", b.ID, err)
		}

		for _, p := range prechecks {
			cmds, err := json.Marshal(p.Commands)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO prechecks (id, batch_id, device_ip, username, position, status, created_by, timestamp, commands, error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.ID, b.ID, p.DeviceAddress, p.Username, p.Position, string(p.Status),
				p.CreatedBy, unixNano(p.Timestamp), string(cmds), p.Error)
			if err != nil {
				return fmt.Errorf("inserting precheck for %s: %w", p.DeviceAddress, err)
			}
		}
		return nil
	})
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, id string) (*model.Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, status, total_devices, completed_devices, created_by
		FROM batches WHERE id = ?`, id)

	var b model.Batch
	var created int64
	var status string
	err := row.Scan(&b.ID, &created, &status, &b.TotalDevices, &b.CompletedDevices, &b.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, util.NewNotFoundError("batch", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading batch %s: %w", id, err)
	}
	b.CreatedAt = fromUnixNano(created)
	b.Status = model.BatchStatus(status)
	return &b, nil
}

// UpdateBatchStatus sets a batch's status without touching its counters.
func (s *Store) UpdateBatchStatus(ctx context.Context, id string, status model.BatchStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE batches SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("updating batch %s: %w", id, err)
	}
	return requireRow(res, "batch", id)
}

// UpdateBatchProgress sets a batch's status and completed-device count.
// The count is clamped to the batch's total.
func (s *Store) UpdateBatchProgress(ctx context.Context, id string, status model.BatchStatus, completed int) error {
	if completed < 0 {
		completed = 0
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, completed_devices = MIN(?, total_devices)
		WHERE id = ?`, string(status), completed, id)
	if err != nil {
		return fmt.Errorf("updating batch %s: %w", id, err)
	}
	return requireRow(res, "batch", id)
}

// DeleteBatch removes a batch with all of its checks and outputs.
func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting batch %s: %w", id, err)
	}
	return requireRow(res, "batch", id)
}

// SearchBatches lists batches created by username, newest first, with their
// precheck and postcheck counts. An empty username lists every batch.
func (s *Store) SearchBatches(ctx context.Context, username string, limit int) ([]model.BatchSummary, error) {
	query := `
		SELECT b.id, b.created_at, b.status, b.total_devices, b.completed_devices, b.created_by,
			(SELECT COUNT(*) FROM prechecks p WHERE p.batch_id = b.id),
			(SELECT COUNT(*) FROM postchecks pc JOIN prechecks p ON pc.precheck_id = p.id WHERE p.batch_id = b.id)
		FROM batches b`
	var args []interface{}
	if username != "" {
		query += " WHERE b.created_by = ?"
		args = append(args, username)
	}
	query += " ORDER BY b.created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching batches: %w", err)
	}
	defer rows.Close()

	var out []model.BatchSummary
	for rows.Next() {
		var bs model.BatchSummary
		var created int64
		var status string
		if err := rows.Scan(&bs.ID, &created, &status, &bs.TotalDevices, &bs.CompletedDevices,
			&bs.CreatedBy, &bs.PreCheckCount, &bs.PostCheckCount); err != nil {
			return nil, err
		}
		bs.CreatedAt = fromUnixNano(created)
		bs.Status = model.BatchStatus(status)
		out = append(out, bs)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return util.NewNotFoundError(kind, id)
	}
	return nil
}
