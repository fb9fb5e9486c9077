// Package executor drives single executions through their state machine:
// a running record is created first, then exactly one terminal transition
// to success, failed, or skipped.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tubewatch/internal/auth"
	"tubewatch/internal/dedup"
	"tubewatch/internal/eventbus"
	"tubewatch/internal/provider"
	"tubewatch/internal/storage"
	"tubewatch/pkg/logx"
)

// EventRunCompleted is published after a successful run that delivered at
// least one new item. Data is a *RunCompleted.
const EventRunCompleted = "run.completed"

// RunCompleted is the payload carried by EventRunCompleted.
type RunCompleted struct {
	TaskID      string
	ExecutionID string
	Query       string
	NewItems    []provider.Item
	TotalCount  int64
}

// Store is the persistence surface the engine needs.
type Store interface {
	GetScheduledTask(ctx context.Context, id string) (*storage.ScheduledTask, error)
	GetSearchSpec(ctx context.Context, id string) (*storage.SearchSpec, error)
	CreateExecution(ctx context.Context, r *storage.ExecutionRecord) error
	FinishExecution(ctx context.Context, id string, status storage.ExecStatus, errMsg string, itemCount int, resultJSON string, completedAt time.Time) error
	UpsertVideo(ctx context.Context, v *storage.Video) error
	LinkExecutionVideos(ctx context.Context, executionID string, videoIDs []string) error
	CreateAdhocExecution(ctx context.Context, r *storage.AdhocExecution) error
	FinishAdhocExecution(ctx context.Context, id string, status storage.ExecStatus, errMsg string, itemCount int, resultJSON string, completedAt time.Time) error
	LinkAdhocVideos(ctx context.Context, adhocID string, videoIDs []string) error
}

// TokenSource yields a valid bearer token for the searching user.
type TokenSource interface {
	Token(ctx context.Context, userID string) (string, error)
}

type Options struct {
	// UserID owns the credential all searches run under.
	UserID string
	// RetryMax bounds provider call attempts per execution.
	RetryMax int
	// RetryBase is the first backoff delay; it doubles per attempt.
	RetryBase time.Duration
}

type Engine struct {
	store  Store
	tokens TokenSource
	search provider.SearchProvider
	filter *dedup.Filter
	bus    eventbus.Bus
	opts   Options
	log    logx.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(store Store, tokens TokenSource, search provider.SearchProvider, filter *dedup.Filter, bus eventbus.Bus, opts Options, log logx.Logger) *Engine {
	if opts.RetryMax <= 0 {
		opts.RetryMax = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	return &Engine{
		store:  store,
		tokens: tokens,
		search: search,
		filter: filter,
		bus:    bus,
		opts:   opts,
		log:    log.With(logx.String("component", "executor")),
		sleep:  sleepCtx,
	}
}

// Run executes one scheduled task occurrence. The returned error reflects the
// terminal status; the execution record is always finished, panics included.
func (e *Engine) Run(ctx context.Context, taskID string) (err error) {
	execID := uuid.NewString()
	log := e.log.With(logx.String("task", taskID), logx.String("execution", execID))

	rec := &storage.ExecutionRecord{ID: execID, TaskID: taskID, Status: storage.StatusRunning}
	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return fmt.Errorf("create execution record: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panicked: %v", r)
			log.Error("execution panicked", logx.Any("panic", r))
			e.finish(ctx, execID, storage.StatusFailed, err.Error(), 0, "")
		}
	}()

	// Re-read the task at run time; it may have been deactivated or deleted
	// between dispatch and now.
	task, terr := e.store.GetScheduledTask(ctx, taskID)
	if errors.Is(terr, storage.ErrNotFound) {
		e.finish(ctx, execID, storage.StatusSkipped, "task deleted", 0, "")
		return nil
	}
	if terr != nil {
		e.finish(ctx, execID, storage.StatusFailed, terr.Error(), 0, "")
		return terr
	}
	if !task.Active {
		log.Debug("task inactive, skipping")
		e.finish(ctx, execID, storage.StatusSkipped, "task inactive", 0, "")
		return nil
	}

	spec, serr := e.store.GetSearchSpec(ctx, task.SpecID)
	if serr != nil {
		e.finish(ctx, execID, storage.StatusFailed, serr.Error(), 0, "")
		return serr
	}

	res, rerr := e.runSearch(ctx, log, spec)
	if rerr != nil {
		e.finish(ctx, execID, storage.StatusFailed, rerr.Error(), 0, "")
		return rerr
	}

	fresh, all, derr := e.filter.FilterNew(ctx, taskID, res.Items)
	if derr != nil {
		e.finish(ctx, execID, storage.StatusFailed, derr.Error(), 0, "")
		return derr
	}

	if err := e.persistItems(ctx, all); err != nil {
		e.finish(ctx, execID, storage.StatusFailed, err.Error(), 0, "")
		return err
	}
	if err := e.store.LinkExecutionVideos(ctx, execID, itemIDs(fresh)); err != nil {
		e.finish(ctx, execID, storage.StatusFailed, err.Error(), 0, "")
		return err
	}

	e.finish(ctx, execID, storage.StatusSuccess, "", len(fresh), resultSnapshot(res))
	log.Info("execution succeeded",
		logx.Int("new_items", len(fresh)),
		logx.Int("batch_size", len(all)),
		logx.Int64("total_count", res.TotalCount))

	if len(fresh) > 0 {
		e.bus.Publish(eventbus.Event{
			Topic: EventRunCompleted,
			Data: &RunCompleted{
				TaskID:      taskID,
				ExecutionID: execID,
				Query:       spec.Query,
				NewItems:    fresh,
				TotalCount:  res.TotalCount,
			},
		})
	}
	return nil
}

// RunAdhoc executes a spec immediately, outside any schedule. Ad-hoc runs do
// not participate in dedup history and publish no events.
func (e *Engine) RunAdhoc(ctx context.Context, specID string) (adhocID string, err error) {
	adhocID = uuid.NewString()
	log := e.log.With(logx.String("spec", specID), logx.String("adhoc", adhocID))

	rec := &storage.AdhocExecution{ID: adhocID, SpecID: specID, Status: storage.StatusRunning}
	if err := e.store.CreateAdhocExecution(ctx, rec); err != nil {
		return "", fmt.Errorf("create ad-hoc execution: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution panicked: %v", r)
			log.Error("ad-hoc execution panicked", logx.Any("panic", r))
			e.finishAdhoc(ctx, adhocID, storage.StatusFailed, err.Error(), 0, "")
		}
	}()

	spec, serr := e.store.GetSearchSpec(ctx, specID)
	if serr != nil {
		e.finishAdhoc(ctx, adhocID, storage.StatusFailed, serr.Error(), 0, "")
		return adhocID, serr
	}

	res, rerr := e.runSearch(ctx, log, spec)
	if rerr != nil {
		e.finishAdhoc(ctx, adhocID, storage.StatusFailed, rerr.Error(), 0, "")
		return adhocID, rerr
	}

	if err := e.persistItems(ctx, res.Items); err != nil {
		e.finishAdhoc(ctx, adhocID, storage.StatusFailed, err.Error(), 0, "")
		return adhocID, err
	}
	if err := e.store.LinkAdhocVideos(ctx, adhocID, itemIDs(res.Items)); err != nil {
		e.finishAdhoc(ctx, adhocID, storage.StatusFailed, err.Error(), 0, "")
		return adhocID, err
	}

	e.finishAdhoc(ctx, adhocID, storage.StatusSuccess, "", len(res.Items), resultSnapshot(res))
	log.Info("ad-hoc execution succeeded", logx.Int("items", len(res.Items)))
	return adhocID, nil
}

// runSearch acquires a token and calls the provider with bounded retries.
// Permanent provider errors and dead credentials short-circuit the loop.
func (e *Engine) runSearch(ctx context.Context, log logx.Logger, spec *storage.SearchSpec) (*provider.Result, error) {
	token, err := e.tokens.Token(ctx, e.opts.UserID)
	if errors.Is(err, auth.ErrNotAuthenticated) {
		return nil, errors.New("authentication required")
	}
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	q := queryOf(spec)
	delay := e.opts.RetryBase
	var lastErr error
	for attempt := 1; attempt <= e.opts.RetryMax; attempt++ {
		res, err := e.search.Search(ctx, token, q)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if provider.IsPermanent(err) {
			return nil, err
		}
		if attempt == e.opts.RetryMax {
			break
		}
		log.Warn("search attempt failed, retrying",
			logx.Int("attempt", attempt),
			logx.Duration("backoff", delay),
			logx.Err(err))
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
	return nil, fmt.Errorf("search failed after %d attempts: %w", e.opts.RetryMax, lastErr)
}

func (e *Engine) persistItems(ctx context.Context, items []provider.Item) error {
	for i := range items {
		if err := e.store.UpsertVideo(ctx, videoOf(&items[i])); err != nil {
			return fmt.Errorf("upsert video %s: %w", items[i].VideoID, err)
		}
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, id string, status storage.ExecStatus, errMsg string, count int, resultJSON string) {
	if err := e.store.FinishExecution(ctx, id, status, errMsg, count, resultJSON, time.Now().UTC()); err != nil {
		e.log.Error("finish execution record",
			logx.String("execution", id), logx.String("status", string(status)), logx.Err(err))
	}
}

func (e *Engine) finishAdhoc(ctx context.Context, id string, status storage.ExecStatus, errMsg string, count int, resultJSON string) {
	if err := e.store.FinishAdhocExecution(ctx, id, status, errMsg, count, resultJSON, time.Now().UTC()); err != nil {
		e.log.Error("finish ad-hoc execution record",
			logx.String("execution", id), logx.String("status", string(status)), logx.Err(err))
	}
}

func queryOf(sp *storage.SearchSpec) provider.Query {
	return provider.Query{
		Query:             sp.Query,
		MaxResults:        sp.MaxResults,
		PublishedAfter:    sp.PublishedAfter,
		PublishedBefore:   sp.PublishedBefore,
		RegionCode:        sp.RegionCode,
		RelevanceLanguage: sp.RelevanceLanguage,
		VideoDuration:     sp.VideoDuration,
		VideoDefinition:   sp.VideoDefinition,
		VideoType:         sp.VideoType,
		OrderBy:           sp.OrderBy,
	}
}

func videoOf(it *provider.Item) *storage.Video {
	return &storage.Video{
		VideoID:        it.VideoID,
		Title:          it.Title,
		Description:    it.Description,
		ChannelID:      it.ChannelID,
		ChannelTitle:   it.ChannelTitle,
		PublishedAt:    it.PublishedAt,
		ThumbnailsJSON: it.ThumbnailsJSON,
		Duration:       it.Duration,
		ViewCount:      it.ViewCount,
		LikeCount:      it.LikeCount,
		CommentCount:   it.CommentCount,
	}
}

func itemIDs(items []provider.Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.VideoID
	}
	return ids
}

// resultSnapshot is the full result batch stored in result_json. The raw
// provider response is kept verbatim when available so the record preserves
// everything the API returned, not just what this version extracts.
func resultSnapshot(res *provider.Result) string {
	if res.Raw != "" {
		return res.Raw
	}
	b, err := json.Marshal(struct {
		TotalCount int64           `json:"total_count"`
		Items      []provider.Item `json:"items"`
	}{
		TotalCount: res.TotalCount,
		Items:      res.Items,
	})
	if err != nil {
		return ""
	}
	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
