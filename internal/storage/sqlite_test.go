package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"tubewatch/pkg/logx"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedSpecAndTask(t *testing.T, db *DB) (*SearchSpec, *ScheduledTask) {
	t.Helper()
	ctx := context.Background()
	sp := &SearchSpec{ID: "spec-1", Query: "golang", MaxResults: 10}
	if err := db.CreateSearchSpec(ctx, sp); err != nil {
		t.Fatalf("CreateSearchSpec: %v", err)
	}
	task := &ScheduledTask{
		ID: "task-1", SpecID: sp.ID, Kind: "interval", IntervalMinutes: 30,
		Active: true, NextRun: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	if err := db.CreateScheduledTask(ctx, task); err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}
	return sp, task
}

func TestScheduledTaskRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	_, task := seedSpecAndTask(t, db)

	got, err := db.GetScheduledTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetScheduledTask: %v", err)
	}
	if got.SpecID != "spec-1" || got.Kind != "interval" || got.IntervalMinutes != 30 || !got.Active {
		t.Fatalf("task = %+v", got)
	}
	if !got.NextRun.Equal(task.NextRun) {
		t.Fatalf("next run = %v, want %v", got.NextRun, task.NextRun)
	}

	active, err := db.ListActiveScheduledTasks(ctx)
	if err != nil {
		t.Fatalf("ListActiveScheduledTasks: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active = %d", len(active))
	}

	if err := db.SetScheduledTaskActive(ctx, task.ID, false, time.Time{}); err != nil {
		t.Fatalf("SetScheduledTaskActive: %v", err)
	}
	got, err = db.GetScheduledTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetScheduledTask: %v", err)
	}
	if got.Active || !got.NextRun.IsZero() {
		t.Fatalf("deactivated task = %+v", got)
	}
}

func TestGetScheduledTaskNotFound(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	if _, err := db.GetScheduledTask(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := db.UpdateScheduledTaskNextRun(context.Background(), "ghost", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteSpecCascades(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	sp, task := seedSpecAndTask(t, db)

	rec := &ExecutionRecord{ID: "exec-1", TaskID: task.ID}
	if err := db.CreateExecution(ctx, rec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	if err := db.DeleteSearchSpec(ctx, sp.ID); err != nil {
		t.Fatalf("DeleteSearchSpec: %v", err)
	}
	if _, err := db.GetScheduledTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("task survived cascade: %v", err)
	}
	if _, err := db.GetExecution(ctx, "exec-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("execution survived cascade: %v", err)
	}
}

func TestExecutionLifecycle(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	_, task := seedSpecAndTask(t, db)

	rec := &ExecutionRecord{ID: "exec-1", TaskID: task.ID}
	if err := db.CreateExecution(ctx, rec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	got, err := db.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != StatusRunning || !got.CompletedAt.IsZero() {
		t.Fatalf("fresh record = %+v", got)
	}

	if err := db.FinishExecution(ctx, "exec-1", StatusRunning, "", 0, "", time.Now()); err == nil {
		t.Fatal("non-terminal transition accepted")
	}

	done := time.Date(2024, 3, 10, 12, 5, 0, 0, time.UTC)
	if err := db.FinishExecution(ctx, "exec-1", StatusSuccess, "", 3, `{"x":1}`, done); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}
	got, _ = db.GetExecution(ctx, "exec-1")
	if got.Status != StatusSuccess || got.ItemCount != 3 || !got.CompletedAt.Equal(done) {
		t.Fatalf("finished record = %+v", got)
	}

	// Terminal records are immutable: a second transition hits zero rows.
	if err := db.FinishExecution(ctx, "exec-1", StatusFailed, "late", 0, "", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second transition err = %v, want ErrNotFound", err)
	}
	got, _ = db.GetExecution(ctx, "exec-1")
	if got.Status != StatusSuccess {
		t.Fatalf("terminal record mutated: %+v", got)
	}
}

func TestSeenVideoIDsAcrossExecutions(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	_, task := seedSpecAndTask(t, db)

	for _, id := range []string{"a", "b", "c"} {
		if err := db.UpsertVideo(ctx, &Video{VideoID: id, Title: "t-" + id}); err != nil {
			t.Fatalf("UpsertVideo: %v", err)
		}
	}

	// First run delivered a and b.
	mustExec(t, db, ctx, task.ID, "exec-1", StatusSuccess, []string{"a", "b"})
	// A failed run linked nothing and must not count.
	mustExec(t, db, ctx, task.ID, "exec-2", StatusFailed, nil)
	// Second successful run delivered c.
	mustExec(t, db, ctx, task.ID, "exec-3", StatusSuccess, []string{"c"})

	seen, err := db.SeenVideoIDs(ctx, task.ID)
	if err != nil {
		t.Fatalf("SeenVideoIDs: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("seen = %v", seen)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, ok := seen[id]; !ok {
			t.Fatalf("missing %q in %v", id, seen)
		}
	}
}

func mustExec(t *testing.T, db *DB, ctx context.Context, taskID, execID string, status ExecStatus, linked []string) {
	t.Helper()
	if err := db.CreateExecution(ctx, &ExecutionRecord{ID: execID, TaskID: taskID}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if len(linked) > 0 {
		if err := db.LinkExecutionVideos(ctx, execID, linked); err != nil {
			t.Fatalf("LinkExecutionVideos: %v", err)
		}
	}
	if err := db.FinishExecution(ctx, execID, status, "", len(linked), "", time.Now()); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}
}

func TestLinkRankOrderPreserved(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	_, task := seedSpecAndTask(t, db)

	ids := []string{"z", "m", "a"}
	for _, id := range ids {
		if err := db.UpsertVideo(ctx, &Video{VideoID: id}); err != nil {
			t.Fatalf("UpsertVideo: %v", err)
		}
	}
	mustExec(t, db, ctx, task.ID, "exec-1", StatusSuccess, ids)

	got, err := db.ListExecutionVideos(ctx, "exec-1")
	if err != nil {
		t.Fatalf("ListExecutionVideos: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d videos", len(got))
	}
	for i, id := range ids {
		if got[i].VideoID != id {
			t.Fatalf("rank order broken: got %q at %d, want %q", got[i].VideoID, i, id)
		}
	}
}

func TestUpsertVideoKeepsTranslation(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpsertVideo(ctx, &Video{VideoID: "v1", Title: "old title", ViewCount: 10}); err != nil {
		t.Fatalf("UpsertVideo: %v", err)
	}
	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	if err := db.SetVideoTranslation(ctx, "v1", "translated", "desc", at); err != nil {
		t.Fatalf("SetVideoTranslation: %v", err)
	}

	// Re-sighting refreshes metadata but never the translation.
	if err := db.UpsertVideo(ctx, &Video{VideoID: "v1", Title: "new title", ViewCount: 20}); err != nil {
		t.Fatalf("UpsertVideo: %v", err)
	}
	got, err := db.GetVideo(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if got.Title != "new title" || got.ViewCount != 20 {
		t.Fatalf("metadata not refreshed: %+v", got)
	}
	if got.TranslatedTitle != "translated" || !got.TranslationUpdatedAt.Equal(at) {
		t.Fatalf("translation lost: %+v", got)
	}

	missing, err := db.ListVideosMissingTranslation(ctx, 10)
	if err != nil {
		t.Fatalf("ListVideosMissingTranslation: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("translated video still listed: %v", missing)
	}
}

func TestAdhocExecutionAndLinks(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	sp, _ := seedSpecAndTask(t, db)

	if err := db.CreateAdhocExecution(ctx, &AdhocExecution{ID: "adhoc-1", SpecID: sp.ID}); err != nil {
		t.Fatalf("CreateAdhocExecution: %v", err)
	}
	if err := db.UpsertVideo(ctx, &Video{VideoID: "v1"}); err != nil {
		t.Fatalf("UpsertVideo: %v", err)
	}
	if err := db.LinkAdhocVideos(ctx, "adhoc-1", []string{"v1"}); err != nil {
		t.Fatalf("LinkAdhocVideos: %v", err)
	}
	if err := db.FinishAdhocExecution(ctx, "adhoc-1", StatusSuccess, "", 1, "", time.Now()); err != nil {
		t.Fatalf("FinishAdhocExecution: %v", err)
	}

	got, err := db.GetAdhocExecution(ctx, "adhoc-1")
	if err != nil {
		t.Fatalf("GetAdhocExecution: %v", err)
	}
	if got.Status != StatusSuccess || got.ItemCount != 1 {
		t.Fatalf("adhoc = %+v", got)
	}
}

func TestPruneExecutions(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	_, task := seedSpecAndTask(t, db)

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := db.CreateExecution(ctx, &ExecutionRecord{ID: "old", TaskID: task.ID}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := db.FinishExecution(ctx, "old", StatusSuccess, "", 0, "", old); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}
	if err := db.CreateExecution(ctx, &ExecutionRecord{ID: "recent", TaskID: task.ID}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := db.FinishExecution(ctx, "recent", StatusSuccess, "", 0, "", time.Now()); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}
	if err := db.CreateExecution(ctx, &ExecutionRecord{ID: "live", TaskID: task.ID}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	n, err := db.PruneExecutions(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneExecutions: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := db.GetExecution(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatal("old record survived prune")
	}
	for _, id := range []string{"recent", "live"} {
		if _, err := db.GetExecution(ctx, id); err != nil {
			t.Fatalf("%s wrongly pruned: %v", id, err)
		}
	}
}

func TestCredentialLifecycle(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	c := &Credential{
		UserID:       "u1",
		AccessToken:  "tok-1",
		RefreshToken: "ref-1",
		TokenURI:     "https://oauth.example/token",
		ClientID:     "cid",
		ClientSecret: "secret",
		ScopesJSON:   `["youtube.readonly"]`,
		ExpiresAt:    time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC),
	}
	if err := db.UpsertCredential(ctx, c); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}

	got, err := db.ActiveCredential(ctx, "u1")
	if err != nil {
		t.Fatalf("ActiveCredential: %v", err)
	}
	if got.AccessToken != "tok-1" || !got.ExpiresAt.Equal(c.ExpiresAt) || !got.Active {
		t.Fatalf("credential = %+v", got)
	}

	newExp := c.ExpiresAt.Add(time.Hour)
	if err := db.UpdateCredentialToken(ctx, "u1", "tok-2", newExp); err != nil {
		t.Fatalf("UpdateCredentialToken: %v", err)
	}
	got, _ = db.ActiveCredential(ctx, "u1")
	if got.AccessToken != "tok-2" || !got.ExpiresAt.Equal(newExp) {
		t.Fatalf("refreshed credential = %+v", got)
	}
	if got.RefreshToken != "ref-1" {
		t.Fatal("refresh token lost on update")
	}

	if err := db.DeactivateCredential(ctx, "u1"); err != nil {
		t.Fatalf("DeactivateCredential: %v", err)
	}
	if _, err := db.ActiveCredential(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deactivated credential still served: %v", err)
	}
	users, err := db.ActiveCredentialUsers(ctx)
	if err != nil || len(users) != 0 {
		t.Fatalf("users = %v, %v", users, err)
	}

	// A new authorization reactivates the same row.
	if err := db.UpsertCredential(ctx, c); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}
	if _, err := db.ActiveCredential(ctx, "u1"); err != nil {
		t.Fatalf("reactivated credential missing: %v", err)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	// Enforcement comes from the connection string, so it survives the pool
	// replacing a connection.
	_, err := db.db.Exec(
		`INSERT INTO video_execution_links (video_id, execution_record_id, rank)
		 VALUES ('ghost-video', 'ghost-exec', 0)`)
	if err == nil {
		t.Fatal("link row with dangling references was accepted")
	}
}
