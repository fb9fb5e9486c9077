package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertVideo inserts a video on first sighting and refreshes the volatile
// metadata (title, counters) on later sightings. Translated fields are never
// overwritten here; the translation backfill owns them.
func (s *DB) UpsertVideo(ctx context.Context, v *Video) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO videos(video_id, title, description, channel_title, channel_id,
		   published_at, thumbnails_json, duration, view_count, like_count, comment_count,
		   created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(video_id) DO UPDATE SET
		   title = excluded.title,
		   description = excluded.description,
		   channel_title = excluded.channel_title,
		   channel_id = excluded.channel_id,
		   published_at = excluded.published_at,
		   thumbnails_json = excluded.thumbnails_json,
		   duration = excluded.duration,
		   view_count = excluded.view_count,
		   like_count = excluded.like_count,
		   comment_count = excluded.comment_count`,
		v.VideoID, nullStr(v.Title), nullStr(v.Description), nullStr(v.ChannelTitle),
		nullStr(v.ChannelID), fmtTime(v.PublishedAt), nullStr(v.ThumbnailsJSON),
		nullStr(v.Duration), v.ViewCount, v.LikeCount, v.CommentCount, fmtTime(v.CreatedAt),
	)
	return err
}

func (s *DB) GetVideo(ctx context.Context, videoID string) (*Video, error) {
	row := s.db.QueryRowContext(ctx, videoCols+` WHERE video_id = ?`, videoID)
	return scanVideo(row)
}

// LinkExecutionVideos creates one link row per video with sequential rank
// (1-based, in slice order), all within one transaction so a partial link set
// never becomes visible.
func (s *DB) LinkExecutionVideos(ctx context.Context, executionID string, videoIDs []string) error {
	return s.linkVideos(ctx, "execution_record_id", executionID, videoIDs)
}

// LinkAdhocVideos is LinkExecutionVideos for ad-hoc executions.
func (s *DB) LinkAdhocVideos(ctx context.Context, adhocID string, videoIDs []string) error {
	return s.linkVideos(ctx, "adhoc_execution_id", adhocID, videoIDs)
}

func (s *DB) linkVideos(ctx context.Context, col, execID string, videoIDs []string) error {
	if len(videoIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO video_execution_links(video_id, `+col+`, rank) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, id := range videoIDs {
		if _, err := stmt.ExecContext(ctx, id, execID, i+1); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListExecutionVideos returns the videos linked to an execution in rank order.
func (s *DB) ListExecutionVideos(ctx context.Context, executionID string) ([]*Video, error) {
	rows, err := s.db.QueryContext(ctx,
		videoCols+` JOIN video_execution_links l ON l.video_id = videos.video_id
		 WHERE l.execution_record_id = ? ORDER BY l.rank`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListVideosMissingTranslation returns up to limit videos that have never
// been translated, oldest first.
func (s *DB) ListVideosMissingTranslation(ctx context.Context, limit int) ([]*Video, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		videoCols+` WHERE translation_updated_at IS NULL ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *DB) SetVideoTranslation(ctx context.Context, videoID, title, description string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE videos SET translated_title = ?, translated_description = ?, translation_updated_at = ?
		 WHERE video_id = ?`,
		nullStr(title), nullStr(description), fmtTime(at), videoID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const videoCols = `SELECT videos.video_id, videos.title, videos.description, videos.channel_title,
	videos.channel_id, videos.published_at, videos.thumbnails_json, videos.duration,
	videos.view_count, videos.like_count, videos.comment_count, videos.translated_title,
	videos.translated_description, videos.translation_updated_at, videos.created_at FROM videos`

func scanVideo(row rowScanner) (*Video, error) {
	var v Video
	var title, desc, ct, cid, pa, th, dur, tt, td, tu, ca sql.NullString
	err := row.Scan(&v.VideoID, &title, &desc, &ct, &cid, &pa, &th, &dur,
		&v.ViewCount, &v.LikeCount, &v.CommentCount, &tt, &td, &tu, &ca)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Title = strOf(title)
	v.Description = strOf(desc)
	v.ChannelTitle = strOf(ct)
	v.ChannelID = strOf(cid)
	v.PublishedAt = parseTime(pa)
	v.ThumbnailsJSON = strOf(th)
	v.Duration = strOf(dur)
	v.TranslatedTitle = strOf(tt)
	v.TranslatedDescription = strOf(td)
	v.TranslationUpdatedAt = parseTime(tu)
	v.CreatedAt = parseTime(ca)
	return &v, nil
}
