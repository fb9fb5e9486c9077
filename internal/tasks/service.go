// Package tasks is the management surface: it owns the lifecycle of search
// specs and scheduled tasks and keeps storage and the dispatch registry in
// step with each other.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tubewatch/internal/registry"
	"tubewatch/internal/schedule"
	"tubewatch/internal/storage"
	"tubewatch/pkg/logx"
)

// Store is the persistence surface the service needs.
type Store interface {
	CreateSearchSpec(ctx context.Context, sp *storage.SearchSpec) error
	GetSearchSpec(ctx context.Context, id string) (*storage.SearchSpec, error)
	DeleteSearchSpec(ctx context.Context, id string) error
	CreateScheduledTask(ctx context.Context, t *storage.ScheduledTask) error
	GetScheduledTask(ctx context.Context, id string) (*storage.ScheduledTask, error)
	ListActiveScheduledTasks(ctx context.Context) ([]*storage.ScheduledTask, error)
	ListScheduledTasksForSpec(ctx context.Context, specID string) ([]*storage.ScheduledTask, error)
	SetScheduledTaskActive(ctx context.Context, id string, active bool, nextRun time.Time) error
	UpdateScheduledTaskNextRun(ctx context.Context, id string, nextRun time.Time) error
	DeleteScheduledTask(ctx context.Context, id string) error
	ListExecutions(ctx context.Context, taskID string) ([]*storage.ExecutionRecord, error)
	GetExecution(ctx context.Context, id string) (*storage.ExecutionRecord, error)
	ListExecutionVideos(ctx context.Context, executionID string) ([]*storage.Video, error)
}

// Armer is the registry surface the service drives.
type Armer interface {
	Arm(t *storage.ScheduledTask) error
	Disarm(taskID string)
}

// AdhocRunner executes a spec immediately.
type AdhocRunner interface {
	RunAdhoc(ctx context.Context, specID string) (string, error)
}

type Service struct {
	store Store
	reg   Armer
	exec  AdhocRunner
	calc  *schedule.Calculator
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, reg Armer, exec AdhocRunner, calc *schedule.Calculator, log logx.Logger) *Service {
	return &Service{
		store: store,
		reg:   reg,
		exec:  exec,
		calc:  calc,
		log:   log.With(logx.String("component", "tasks")),
		now:   time.Now,
	}
}

// SpecParams are the user-facing fields of a search spec.
type SpecParams struct {
	Query             string
	MaxResults        int
	PublishedAfter    string
	PublishedBefore   string
	RegionCode        string
	RelevanceLanguage string
	VideoDuration     string
	VideoDefinition   string
	VideoType         string
	OrderBy           string
}

// CreateSpec validates and stores a search spec, returning it with its
// generated ID.
func (s *Service) CreateSpec(ctx context.Context, p SpecParams) (*storage.SearchSpec, error) {
	if strings.TrimSpace(p.Query) == "" {
		return nil, errors.New("tasks: search query is required")
	}
	if p.MaxResults <= 0 {
		p.MaxResults = 25
	}
	if p.MaxResults > 50 {
		return nil, fmt.Errorf("tasks: max results %d exceeds limit 50", p.MaxResults)
	}
	if err := validateDateRange(p.PublishedAfter, p.PublishedBefore); err != nil {
		return nil, err
	}

	sp := &storage.SearchSpec{
		ID:                uuid.NewString(),
		Query:             strings.TrimSpace(p.Query),
		MaxResults:        p.MaxResults,
		PublishedAfter:    p.PublishedAfter,
		PublishedBefore:   p.PublishedBefore,
		RegionCode:        p.RegionCode,
		RelevanceLanguage: p.RelevanceLanguage,
		VideoDuration:     p.VideoDuration,
		VideoDefinition:   p.VideoDefinition,
		VideoType:         p.VideoType,
		OrderBy:           p.OrderBy,
	}
	if err := s.store.CreateSearchSpec(ctx, sp); err != nil {
		return nil, err
	}
	s.log.Info("search spec created", logx.String("spec", sp.ID), logx.String("query", sp.Query))
	return sp, nil
}

// TaskParams describe one recurring schedule over an existing spec.
type TaskParams struct {
	SpecID          string
	Kind            schedule.Kind
	IntervalMinutes int
	TimeOfDay       string
	Weekdays        []int
	DayOfMonth      int
	Active          bool
}

// CreateTask validates the schedule, computes its first firing, persists the
// task, and arms it when active.
func (s *Service) CreateTask(ctx context.Context, p TaskParams) (*storage.ScheduledTask, error) {
	spec := schedule.Spec{
		Kind:            p.Kind,
		IntervalMinutes: p.IntervalMinutes,
		TimeOfDay:       p.TimeOfDay,
		Weekdays:        p.Weekdays,
		DayOfMonth:      p.DayOfMonth,
	}
	if err := s.calc.Validate(spec); err != nil {
		return nil, fmt.Errorf("tasks: %w", err)
	}
	if _, err := s.store.GetSearchSpec(ctx, p.SpecID); err != nil {
		return nil, fmt.Errorf("tasks: spec %s: %w", p.SpecID, err)
	}

	t := &storage.ScheduledTask{
		ID:              uuid.NewString(),
		SpecID:          p.SpecID,
		Kind:            string(p.Kind),
		IntervalMinutes: p.IntervalMinutes,
		TimeOfDay:       p.TimeOfDay,
		Weekdays:        schedule.FormatWeekdays(p.Weekdays),
		DayOfMonth:      p.DayOfMonth,
		Active:          p.Active,
	}
	if p.Active {
		next, err := s.calc.NextRun(spec, s.now())
		if err != nil {
			return nil, err
		}
		t.NextRun = next
	}
	if err := s.store.CreateScheduledTask(ctx, t); err != nil {
		return nil, err
	}
	if p.Active {
		if err := s.reg.Arm(t); err != nil {
			return nil, err
		}
	}
	s.log.Info("task created",
		logx.String("task", t.ID),
		logx.String("kind", t.Kind),
		logx.Bool("active", t.Active),
		logx.Time("next_run", t.NextRun))
	return t, nil
}

// SetActive toggles a task. Activation always recomputes next_run from now;
// a stale instant from before deactivation must not fire immediately.
func (s *Service) SetActive(ctx context.Context, taskID string, active bool) error {
	t, err := s.store.GetScheduledTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Active == active {
		return nil
	}

	if !active {
		if err := s.store.SetScheduledTaskActive(ctx, taskID, false, time.Time{}); err != nil {
			return err
		}
		s.reg.Disarm(taskID)
		s.log.Info("task deactivated", logx.String("task", taskID))
		return nil
	}

	spec, err := registry.SpecOf(t)
	if err != nil {
		return err
	}
	next, err := s.calc.NextRun(spec, s.now())
	if err != nil {
		return err
	}
	if err := s.store.SetScheduledTaskActive(ctx, taskID, true, next); err != nil {
		return err
	}
	t.Active = true
	t.NextRun = next
	if err := s.reg.Arm(t); err != nil {
		return err
	}
	s.log.Info("task activated", logx.String("task", taskID), logx.Time("next_run", next))
	return nil
}

// DeleteTask disarms and removes a task; its execution history cascades away.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	s.reg.Disarm(taskID)
	return s.store.DeleteScheduledTask(ctx, taskID)
}

// DeleteSpec removes a spec with all its tasks, disarming them first.
func (s *Service) DeleteSpec(ctx context.Context, specID string) error {
	ts, err := s.store.ListScheduledTasksForSpec(ctx, specID)
	if err != nil {
		return err
	}
	for _, t := range ts {
		s.reg.Disarm(t.ID)
	}
	return s.store.DeleteSearchSpec(ctx, specID)
}

// RunSpecNow executes a spec immediately, outside any schedule, and returns
// the ad-hoc execution ID.
func (s *Service) RunSpecNow(ctx context.Context, specID string) (string, error) {
	return s.exec.RunAdhoc(ctx, specID)
}

// RestoreArmed arms every active task from storage, recomputing firings that
// went stale while the process was down. Called once at startup.
func (s *Service) RestoreArmed(ctx context.Context) error {
	ts, err := s.store.ListActiveScheduledTasks(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, t := range ts {
		if !t.NextRun.IsZero() && !t.NextRun.After(now) {
			spec, err := registry.SpecOf(t)
			if err != nil {
				s.log.Error("skipping malformed task", logx.String("task", t.ID), logx.Err(err))
				continue
			}
			next, err := s.calc.NextRun(spec, now)
			if err != nil {
				s.log.Error("skipping malformed task", logx.String("task", t.ID), logx.Err(err))
				continue
			}
			t.NextRun = next
			if err := s.store.UpdateScheduledTaskNextRun(ctx, t.ID, next); err != nil {
				return err
			}
		}
		if err := s.reg.Arm(t); err != nil {
			s.log.Error("skipping malformed task", logx.String("task", t.ID), logx.Err(err))
		}
	}
	s.log.Info("armed tasks restored", logx.Int("count", len(ts)))
	return nil
}

// Executions returns a task's history, newest first.
func (s *Service) Executions(ctx context.Context, taskID string) ([]*storage.ExecutionRecord, error) {
	return s.store.ListExecutions(ctx, taskID)
}

// ExecutionVideos returns the new items an execution delivered, in rank order.
func (s *Service) ExecutionVideos(ctx context.Context, executionID string) ([]*storage.Video, error) {
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return s.store.ListExecutionVideos(ctx, executionID)
}

func validateDateRange(after, before string) error {
	if after == "" || before == "" {
		return nil
	}
	a, err := time.Parse(time.RFC3339, after)
	if err != nil {
		return fmt.Errorf("tasks: published_after: %w", err)
	}
	b, err := time.Parse(time.RFC3339, before)
	if err != nil {
		return fmt.Errorf("tasks: published_before: %w", err)
	}
	if a.After(b) {
		return errors.New("tasks: published_after is later than published_before")
	}
	return nil
}
