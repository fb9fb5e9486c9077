package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *DB) CreateSearchSpec(ctx context.Context, sp *SearchSpec) error {
	now := time.Now().UTC()
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = now
	}
	sp.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO search_specs(id, query, max_results, published_after, published_before,
		   region_code, relevance_language, video_duration, video_definition, video_type,
		   order_by, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sp.ID, sp.Query, sp.MaxResults, nullStr(sp.PublishedAfter), nullStr(sp.PublishedBefore),
		nullStr(sp.RegionCode), nullStr(sp.RelevanceLanguage), nullStr(sp.VideoDuration),
		nullStr(sp.VideoDefinition), nullStr(sp.VideoType), nullStr(sp.OrderBy),
		fmtTime(sp.CreatedAt), fmtTime(sp.UpdatedAt),
	)
	return err
}

func (s *DB) GetSearchSpec(ctx context.Context, id string) (*SearchSpec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, query, max_results, published_after, published_before, region_code,
		   relevance_language, video_duration, video_definition, video_type, order_by,
		   created_at, updated_at
		 FROM search_specs WHERE id = ?`, id)

	var sp SearchSpec
	var pa, pb, rc, rl, vd, vdef, vt, ob, ca, ua sql.NullString
	err := row.Scan(&sp.ID, &sp.Query, &sp.MaxResults, &pa, &pb, &rc, &rl, &vd, &vdef, &vt, &ob, &ca, &ua)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sp.PublishedAfter = strOf(pa)
	sp.PublishedBefore = strOf(pb)
	sp.RegionCode = strOf(rc)
	sp.RelevanceLanguage = strOf(rl)
	sp.VideoDuration = strOf(vd)
	sp.VideoDefinition = strOf(vdef)
	sp.VideoType = strOf(vt)
	sp.OrderBy = strOf(ob)
	sp.CreatedAt = parseTime(ca)
	sp.UpdatedAt = parseTime(ua)
	return &sp, nil
}

// DeleteSearchSpec removes a spec and, via FK cascade, its scheduled tasks
// and their execution history.
func (s *DB) DeleteSearchSpec(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM search_specs WHERE id = ?`, id)
	return err
}

func (s *DB) CreateScheduledTask(ctx context.Context, t *ScheduledTask) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks(id, spec_id, kind, interval_minutes, time_of_day,
		   weekdays, day_of_month, active, next_run, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SpecID, t.Kind, t.IntervalMinutes, nullStr(t.TimeOfDay),
		nullStr(t.Weekdays), t.DayOfMonth, boolInt(t.Active), fmtTime(t.NextRun),
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	return err
}

func (s *DB) GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, scheduledTaskCols+` WHERE id = ?`, id)
	return scanScheduledTask(row)
}

func (s *DB) ListActiveScheduledTasks(ctx context.Context) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, scheduledTaskCols+` WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *DB) ListScheduledTasksForSpec(ctx context.Context, specID string) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, scheduledTaskCols+` WHERE spec_id = ? ORDER BY created_at`, specID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *DB) SetScheduledTaskActive(ctx context.Context, id string, active bool, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET active = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), fmtTime(nextRun), fmtTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *DB) UpdateScheduledTaskNextRun(ctx context.Context, id string, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET next_run = ?, updated_at = ? WHERE id = ?`,
		fmtTime(nextRun), fmtTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteScheduledTask removes a task; execution history cascades with it.
func (s *DB) DeleteScheduledTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}

const scheduledTaskCols = `SELECT id, spec_id, kind, interval_minutes, time_of_day, weekdays,
	day_of_month, active, next_run, created_at, updated_at FROM scheduled_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var iv, dom sql.NullInt64
	var tod, wd, nr, ca, ua sql.NullString
	var active int
	err := row.Scan(&t.ID, &t.SpecID, &t.Kind, &iv, &tod, &wd, &dom, &active, &nr, &ca, &ua)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.IntervalMinutes = int(iv.Int64)
	t.TimeOfDay = strOf(tod)
	t.Weekdays = strOf(wd)
	t.DayOfMonth = int(dom.Int64)
	t.Active = active != 0
	t.NextRun = parseTime(nr)
	t.CreatedAt = parseTime(ca)
	t.UpdatedAt = parseTime(ua)
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
