package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/util"
)

// Listing limits for ListChecks.
const (
	DefaultCheckLimit = 50
	MaxCheckLimit     = 100
)

// ListPrechecks returns a batch's prechecks in request order.
func (s *Store) ListPrechecks(ctx context.Context, batchID string) ([]*model.PreCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, device_ip, username, position, status, created_by, timestamp, commands, error
		FROM prechecks WHERE batch_id = ? ORDER BY position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("listing prechecks of %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []*model.PreCheck
	for rows.Next() {
		var p model.PreCheck
		var status, cmds string
		var ts int64
		if err := rows.Scan(&p.ID, &p.BatchID, &p.DeviceAddress, &p.Username, &p.Position,
			&status, &p.CreatedBy, &ts, &cmds, &p.Error); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(cmds), &p.Commands); err != nil {
			return nil, fmt.Errorf("decoding commands of precheck %s: %w", p.ID, err)
		}
		p.Status = model.CheckStatus(status)
		p.Timestamp = fromUnixNano(ts)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// CompletePrecheck records a precheck's final status and, on success, its
// outputs in one transaction.
func (s *Store) CompletePrecheck(ctx context.Context, id string, status model.CheckStatus, errText string, outputs []model.CommandOutput) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE prechecks SET status = ?, error = ? WHERE id = ?`,
			string(status), errText, id)
		if err != nil {
			return fmt.Errorf("updating precheck %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("precheck %s: %w", id, util.ErrNotFound)
		}
		return insertOutputs(ctx, tx, "precheck_outputs", "precheck_id", id, outputs)
	})
}

// CreatePostchecks inserts postchecks, replacing any earlier postcheck (and
// its outputs) of the same precheck.
func (s *Store) CreatePostchecks(ctx context.Context, posts []*model.PostCheck) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, pc := range posts {
			if _, err := tx.ExecContext(ctx, `DELETE FROM postchecks WHERE precheck_id = ?`, pc.PreCheckID); err != nil {
				return fmt.Errorf("replacing postcheck of %s: %w", pc.PreCheckID, err)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO postchecks (id, precheck_id, status, created_by, timestamp, error)
				VALUES (?, ?, ?, ?, ?, ?)`,
				pc.ID, pc.PreCheckID, string(pc.Status), pc.CreatedBy, unixNano(pc.Timestamp), pc.Error)
			if err != nil {
				return fmt.Errorf("inserting postcheck of %s: %w", pc.PreCheckID, err)
			}
		}
		return nil
	})
}

// CompletePostcheck records a postcheck's final status and outputs.
func (s *Store) CompletePostcheck(ctx context.Context, id string, status model.CheckStatus, errText string, outputs []model.CommandOutput) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE postchecks SET status = ?, error = ? WHERE id = ?`,
			string(status), errText, id)
		if err != nil {
			return fmt.Errorf("updating postcheck %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("postcheck %s: %w", id, util.ErrNotFound)
		}
		return insertOutputs(ctx, tx, "postcheck_outputs", "postcheck_id", id, outputs)
	})
}

// ListPostchecks returns a batch's postchecks keyed by precheck ID.
func (s *Store) ListPostchecks(ctx context.Context, batchID string) (map[string]*model.PostCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pc.id, pc.precheck_id, pc.status, pc.created_by, pc.timestamp, pc.error
		FROM postchecks pc JOIN prechecks p ON pc.precheck_id = p.id
		WHERE p.batch_id = ?`, batchID)
	if err != nil {
		return nil, fmt.Errorf("listing postchecks of %s: %w", batchID, err)
	}
	defer rows.Close()

	out := make(map[string]*model.PostCheck)
	for rows.Next() {
		var pc model.PostCheck
		var status string
		var ts int64
		if err := rows.Scan(&pc.ID, &pc.PreCheckID, &status, &pc.CreatedBy, &ts, &pc.Error); err != nil {
			return nil, err
		}
		pc.Status = model.CheckStatus(status)
		pc.Timestamp = fromUnixNano(ts)
		out[pc.PreCheckID] = &pc
	}
	return out, rows.Err()
}

// PrecheckOutputs returns a precheck's outputs in execution order.
func (s *Store) PrecheckOutputs(ctx context.Context, precheckID string) ([]model.CommandOutput, error) {
	return s.outputs(ctx, "precheck_outputs", "precheck_id", precheckID)
}

// PostcheckOutputs returns a postcheck's outputs in execution order.
func (s *Store) PostcheckOutputs(ctx context.Context, postcheckID string) ([]model.CommandOutput, error) {
	return s.outputs(ctx, "postcheck_outputs", "postcheck_id", postcheckID)
}

// table and column are package constants, never caller input.
func (s *Store) outputs(ctx context.Context, table, column, parentID string) ([]model.CommandOutput, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, command, output, execution_order FROM %s
		WHERE %s = ? ORDER BY execution_order`, column, table, column), parentID)
	if err != nil {
		return nil, fmt.Errorf("reading %s of %s: %w", table, parentID, err)
	}
	defer rows.Close()

	var out []model.CommandOutput
	for rows.Next() {
		var o model.CommandOutput
		if err := rows.Scan(&o.ParentID, &o.Command, &o.Output, &o.ExecutionOrder); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func insertOutputs(ctx context.Context, tx *sql.Tx, table, column, parentID string, outputs []model.CommandOutput) error {
	if len(outputs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s, execution_order, command, output) VALUES (?, ?, ?, ?)`, table, column))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range outputs {
		if _, err := stmt.ExecContext(ctx, parentID, o.ExecutionOrder, o.Command, o.Output); err != nil {
			return fmt.Errorf("inserting output of '%s': %w", o.Command, err)
		}
	}
	return nil
}

// CheckFilter selects rows for ListChecks. Zero values match everything.
type CheckFilter struct {
	DeviceAddress string
	Status        model.CheckStatus
	Type          model.CheckType
	Start         time.Time
	End           time.Time
	Page          int // 1-based
	Limit         int
}

// Normalize applies paging defaults and bounds.
func (f *CheckFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = DefaultCheckLimit
	}
	if f.Limit > MaxCheckLimit {
		f.Limit = MaxCheckLimit
	}
}

const checksView = `(
	SELECT p.id AS check_id, p.batch_id AS batch_id, 'precheck' AS type,
		p.device_ip AS device_ip, p.status AS status, p.timestamp AS timestamp
	FROM prechecks p
	UNION ALL
	SELECT pc.id, p.batch_id, 'postcheck', p.device_ip, pc.status, pc.timestamp
	FROM postchecks pc JOIN prechecks p ON pc.precheck_id = p.id
)`

// ListChecks returns one page of prechecks and postchecks, newest first, and
// the total number of matching rows.
func (s *Store) ListChecks(ctx context.Context, f CheckFilter) ([]model.CheckRecord, int, error) {
	f.Normalize()

	where := " WHERE 1=1"
	var args []interface{}
	if f.DeviceAddress != "" {
		where += " AND device_ip = ?"
		args = append(args, f.DeviceAddress)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if !f.Start.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, unixNano(f.Start))
	}
	if !f.End.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, unixNano(f.End))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+checksView+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting checks: %w", err)
	}

	query := "SELECT check_id, batch_id, type, device_ip, status, timestamp FROM " + checksView + where +
		" ORDER BY timestamp DESC, check_id LIMIT ? OFFSET ?"
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing checks: %w", err)
	}
	defer rows.Close()

	var out []model.CheckRecord
	for rows.Next() {
		var r model.CheckRecord
		var typ, status string
		var ts int64
		if err := rows.Scan(&r.CheckID, &r.BatchID, &typ, &r.DeviceAddress, &status, &ts); err != nil {
			return nil, 0, err
		}
		r.Type = model.CheckType(typ)
		r.Status = model.CheckStatus(status)
		r.Timestamp = fromUnixNano(ts)
		out = append(out, r)
	}
	return out, total, rows.Err()
}
