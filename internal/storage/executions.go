package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *DB) CreateExecution(ctx context.Context, r *ExecutionRecord) error {
	if r.Status == "" {
		r.Status = StatusRunning
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_records(id, task_id, status, started_at, completed_at,
		   error_message, item_count, result_json)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.ID, r.TaskID, string(r.Status), fmtTime(r.StartedAt), fmtTime(r.CompletedAt),
		nullStr(r.ErrorMessage), r.ItemCount, nullStr(r.ResultJSON),
	)
	return err
}

// FinishExecution performs the single terminal transition of an execution
// record. Records that already reached a terminal state are left untouched.
func (s *DB) FinishExecution(ctx context.Context, id string, status ExecStatus, errMsg string, itemCount int, resultJSON string, completedAt time.Time) error {
	if !status.Terminal() {
		return errors.New("storage: non-terminal execution status")
	}
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_records
		 SET status = ?, error_message = ?, item_count = ?, result_json = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), nullStr(errMsg), itemCount, nullStr(resultJSON),
		fmtTime(completedAt), id, string(StatusRunning),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *DB) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, executionCols+` WHERE id = ?`, id)
	return scanExecution(row)
}

func (s *DB) ListExecutions(ctx context.Context, taskID string) ([]*ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, executionCols+` WHERE task_id = ? ORDER BY started_at DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SeenVideoIDs returns the set of external video IDs linked to any successful
// execution of the given task. Every item that ever appeared in a successful
// batch was linked exactly once (on first sighting), so the union of link
// rows equals the union of all successful batches.
func (s *DB) SeenVideoIDs(ctx context.Context, taskID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT l.video_id
		 FROM video_execution_links l
		 JOIN execution_records e ON e.id = l.execution_record_id
		 WHERE e.task_id = ? AND e.status = ?`,
		taskID, string(StatusSuccess),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = struct{}{}
	}
	return seen, rows.Err()
}

// PruneExecutions deletes terminal execution records completed before the
// cutoff. Link rows cascade with them.
func (s *DB) PruneExecutions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_records
		 WHERE status != ? AND completed_at IS NOT NULL AND completed_at < ?`,
		string(StatusRunning), fmtTime(olderThan),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- ad-hoc executions ----

func (s *DB) CreateAdhocExecution(ctx context.Context, r *AdhocExecution) error {
	if r.Status == "" {
		r.Status = StatusRunning
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO adhoc_executions(id, spec_id, status, started_at, completed_at,
		   error_message, item_count, result_json)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.ID, r.SpecID, string(r.Status), fmtTime(r.StartedAt), fmtTime(r.CompletedAt),
		nullStr(r.ErrorMessage), r.ItemCount, nullStr(r.ResultJSON),
	)
	return err
}

func (s *DB) FinishAdhocExecution(ctx context.Context, id string, status ExecStatus, errMsg string, itemCount int, resultJSON string, completedAt time.Time) error {
	if !status.Terminal() {
		return errors.New("storage: non-terminal execution status")
	}
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE adhoc_executions
		 SET status = ?, error_message = ?, item_count = ?, result_json = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), nullStr(errMsg), itemCount, nullStr(resultJSON),
		fmtTime(completedAt), id, string(StatusRunning),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *DB) GetAdhocExecution(ctx context.Context, id string) (*AdhocExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, spec_id, status, started_at, completed_at, error_message, item_count, result_json
		 FROM adhoc_executions WHERE id = ?`, id)

	var r AdhocExecution
	var status string
	var ca, em, rj, sa sql.NullString
	err := row.Scan(&r.ID, &r.SpecID, &status, &sa, &ca, &em, &r.ItemCount, &rj)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = ExecStatus(status)
	r.StartedAt = parseTime(sa)
	r.CompletedAt = parseTime(ca)
	r.ErrorMessage = strOf(em)
	r.ResultJSON = strOf(rj)
	return &r, nil
}

const executionCols = `SELECT id, task_id, status, started_at, completed_at, error_message,
	item_count, result_json FROM execution_records`

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	var r ExecutionRecord
	var status string
	var sa, ca, em, rj sql.NullString
	err := row.Scan(&r.ID, &r.TaskID, &status, &sa, &ca, &em, &r.ItemCount, &rj)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = ExecStatus(status)
	r.StartedAt = parseTime(sa)
	r.CompletedAt = parseTime(ca)
	r.ErrorMessage = strOf(em)
	r.ResultJSON = strOf(rj)
	return &r, nil
}
