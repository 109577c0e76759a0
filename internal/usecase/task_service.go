package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"distributed-tasks/internal/domain"
	httpbody "distributed-tasks/internal/infra/http"
	"distributed-tasks/internal/infra/shell"
	"distributed-tasks/internal/schedule"
	"distributed-tasks/internal/scheduler"
	"distributed-tasks/internal/task"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TaskScheduler is the part of the scheduler the task service drives.
type TaskScheduler interface {
	Node() domain.Node
	AddTask(ctx context.Context, t *task.Task) error
	RemoveTask(ctx context.Context, name string) error
	Subscribe(buffer int) (<-chan domain.Notification, func())

	Info(ctx context.Context, name string) (scheduler.TaskInfo, error)
	Tasks(ctx context.Context) ([]scheduler.TaskInfo, error)
	Status() scheduler.Status

	ScheduleNow(ctx context.Context, name string, start time.Time) (time.Time, error)
	StopTask(ctx context.Context, name string) (bool, error)
	ReleaseClusterLock(ctx context.Context, name string) error
	Enable(name string) error
	Disable(name string) error
	Block(name string) error
	Unblock(name string) error
	Suspend()
	Resume()
}

var _ TaskScheduler = (*scheduler.Scheduler)(nil)

// TaskView is a registered task with the definition it was built from.
type TaskView struct {
	scheduler.TaskInfo
	Definition *domain.TaskDefinition `json:"definition,omitempty"`
}

// TaskService turns task definitions into scheduled tasks and exposes the
// administrative operations on them.
type TaskService struct {
	defs      domain.DefinitionRepository
	history   domain.HistoryRepository
	scheduler TaskScheduler
	loc       *time.Location
	logger    *slog.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	defined map[string]*domain.TaskDefinition
}

// NewTaskService creates a task service. defs and history may be nil when
// definitions only come from configuration or no history is archived.
func NewTaskService(defs domain.DefinitionRepository, history domain.HistoryRepository, sched TaskScheduler, loc *time.Location, logger *slog.Logger) *TaskService {
	if loc == nil {
		loc = time.Local
	}
	return &TaskService{
		defs:      defs,
		history:   history,
		scheduler: sched,
		loc:       loc,
		logger:    logger.With("component", "task-service"),
		tracer:    otel.Tracer("distributed-tasks-usecase"),
		defined:   make(map[string]*domain.TaskDefinition),
	}
}

// BuildTask creates the task described by def.
func BuildTask(def *domain.TaskDefinition, loc *time.Location) (*task.Task, error) {
	sched, err := schedule.BuildAll(def.Schedules, loc)
	if err != nil {
		return nil, fmt.Errorf("failed to build schedule of task %s: %w", def.Name, err)
	}
	var body task.Body
	switch def.Action.Type {
	case domain.ActionTypeShell:
		body = shell.NewBody(def.Action)
	case domain.ActionTypeHTTP:
		body = httpbody.NewBody(def.Action, nil)
	default:
		return nil, fmt.Errorf("task %s: unsupported action type %q", def.Name, def.Action.Type)
	}
	return task.New(task.Options{
		Name:                   def.Name,
		Schedule:               sched,
		NodeLocal:              def.NodeLocal,
		RunOnStartup:           def.RunsOnStartup(),
		NeedsMaintenanceWindow: def.NeedsMaintenanceWindow,
		MaintenanceDelay:       def.MaintenanceDelay,
		MaintenanceSafe:        def.MaintenanceSafe,
		BlockingAllowed:        def.BlockingAllowed,
		BlockedByDefault:       def.BlockedByDefault,
	}, body)
}

// Register schedules def on this node, replacing an earlier version of the
// same task. An unchanged definition is left alone.
func (s *TaskService) Register(ctx context.Context, def *domain.TaskDefinition) error {
	ctx, span := s.tracer.Start(ctx, "service.Register")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", def.Name))

	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.defined[def.Name]; ok {
		if sameDefinition(old, def) {
			return nil
		}
		if err := s.scheduler.RemoveTask(ctx, def.Name); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to remove previous version of task")
			return err
		}
		delete(s.defined, def.Name)
	}

	t, err := BuildTask(def, s.loc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build task")
		return err
	}
	if err := s.scheduler.AddTask(ctx, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to add task to scheduler")
		return err
	}
	if def.Disabled {
		if err := s.scheduler.Disable(def.Name); err != nil {
			return err
		}
	}
	s.defined[def.Name] = def
	s.logger.Info("task registered", "task", def.Name, "action", def.Action.Type, "node_local", def.NodeLocal)
	return nil
}

// Unregister removes a task built from a definition from this node.
func (s *TaskService) Unregister(ctx context.Context, name string) error {
	ctx, span := s.tracer.Start(ctx, "service.Unregister")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", name))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defined[name]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, name)
	}
	delete(s.defined, name)
	if err := s.scheduler.RemoveTask(ctx, name); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to remove task from scheduler")
		return err
	}
	s.logger.Info("task unregistered", "task", name)
	return nil
}

// sameDefinition ignores the bookkeeping timestamps.
func sameDefinition(a, b *domain.TaskDefinition) bool {
	x, y := *a, *b
	x.CreatedAt, x.UpdatedAt = time.Time{}, time.Time{}
	y.CreatedAt, y.UpdatedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(x, y)
}

// SaveDefinition persists def for the whole cluster and schedules it here.
func (s *TaskService) SaveDefinition(ctx context.Context, def *domain.TaskDefinition) error {
	ctx, span := s.tracer.Start(ctx, "service.SaveDefinition")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", def.Name))

	if err := def.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	if s.defs != nil {
		if old, err := s.defs.Get(ctx, def.Name); err == nil {
			def.CreatedAt = old.CreatedAt
		} else if !errors.Is(err, domain.ErrTaskNotFound) {
			span.RecordError(err)
			return err
		}
	}
	def.UpdatedAt = now

	if s.defs != nil {
		if err := s.defs.Save(ctx, def); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to save task definition to repository")
			return err
		}
	}
	return s.Register(ctx, def)
}

// DeleteDefinition removes def from the cluster and from this node.
func (s *TaskService) DeleteDefinition(ctx context.Context, name string) error {
	ctx, span := s.tracer.Start(ctx, "service.DeleteDefinition")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", name))

	if s.defs != nil {
		if err := s.defs.Delete(ctx, name); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to delete task definition from repository")
			return err
		}
	}
	return s.Unregister(ctx, name)
}

// LoadDefinitions registers the static definitions and everything stored in
// the definition repository. Stored definitions win over static ones with the
// same name. Invalid definitions are logged and skipped.
func (s *TaskService) LoadDefinitions(ctx context.Context, static []*domain.TaskDefinition) error {
	ctx, span := s.tracer.Start(ctx, "service.LoadDefinitions")
	defer span.End()

	byName := make(map[string]*domain.TaskDefinition, len(static))
	order := make([]string, 0, len(static))
	add := func(def *domain.TaskDefinition) {
		if _, ok := byName[def.Name]; !ok {
			order = append(order, def.Name)
		}
		byName[def.Name] = def
	}
	for _, def := range static {
		add(def)
	}
	if s.defs != nil {
		stored, err := s.defs.List(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to list task definitions")
			return err
		}
		for _, def := range stored {
			add(def)
		}
	}

	for _, name := range order {
		if err := s.Register(ctx, byName[name]); err != nil {
			s.logger.Error("failed to register task definition", "task", name, "error", err)
		}
	}
	span.SetAttributes(attribute.Int("tasks.loaded", len(order)))
	return nil
}

// SyncDefinitions applies changes of the definition repository until ctx is
// canceled, so that every node runs the same set of tasks.
func (s *TaskService) SyncDefinitions(ctx context.Context) error {
	if s.defs == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	events, err := s.defs.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch task definitions: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("task definition watch closed")
			}
			s.apply(ctx, ev)
		}
	}
}

func (s *TaskService) apply(ctx context.Context, ev domain.DefinitionEvent) {
	switch ev.Type {
	case domain.DefinitionPut:
		if err := s.Register(ctx, ev.Definition); err != nil {
			s.logger.Error("failed to apply task definition", "task", ev.Name, "error", err)
		}
	case domain.DefinitionDelete:
		if err := s.Unregister(ctx, ev.Name); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
			s.logger.Error("failed to remove deleted task", "task", ev.Name, "error", err)
		}
	}
}

// RecordHistory archives every finished result observed on this node until
// ctx is canceled.
func (s *TaskService) RecordHistory(ctx context.Context) {
	if s.history == nil {
		return
	}
	ch, cancel := s.scheduler.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if n.Result == nil || !n.Result.Finished() || n.NewState != domain.StateInactive {
				continue
			}
			if err := s.history.Save(context.WithoutCancel(ctx), n.Result); err != nil {
				s.logger.Error("failed to archive task result", "task", n.Task, "result", n.Result.ID, "error", err)
			}
		}
	}
}

// List describes every task registered on this node.
func (s *TaskService) List(ctx context.Context) ([]TaskView, error) {
	ctx, span := s.tracer.Start(ctx, "service.List")
	defer span.End()

	infos, err := s.scheduler.Tasks(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list tasks")
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	views := make([]TaskView, 0, len(infos))
	for _, info := range infos {
		views = append(views, TaskView{TaskInfo: info, Definition: s.defined[info.Name]})
	}
	return views, nil
}

// Get describes one task.
func (s *TaskService) Get(ctx context.Context, name string) (TaskView, error) {
	ctx, span := s.tracer.Start(ctx, "service.Get")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", name))

	info, err := s.scheduler.Info(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get task")
		return TaskView{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return TaskView{TaskInfo: info, Definition: s.defined[name]}, nil
}

// History lists archived results of a task, newest first.
func (s *TaskService) History(ctx context.Context, name string, page, pageSize int) ([]*domain.TaskResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.History")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.name", name),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)
	if s.history == nil {
		return []*domain.TaskResult{}, nil
	}
	results, err := s.history.ListByTask(ctx, name, page, pageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list task history from repository")
	}
	return results, err
}

// HistoryResult returns one archived result.
func (s *TaskService) HistoryResult(ctx context.Context, name, id string) (*domain.TaskResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.HistoryResult")
	defer span.End()
	if s.history == nil {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrResultNotFound, name, id)
	}
	return s.history.Get(ctx, name, id)
}

// ScheduleNow forces a run of name at start, or now when start is zero.
func (s *TaskService) ScheduleNow(ctx context.Context, name string, start time.Time) (time.Time, error) {
	ctx, span := s.tracer.Start(ctx, "service.ScheduleNow")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", name), attribute.String("actor", string(domain.ActorFrom(ctx))))

	at, err := s.scheduler.ScheduleNow(ctx, name, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to schedule task")
	}
	return at, err
}

// Stop asks the running task name to stop.
func (s *TaskService) Stop(ctx context.Context, name string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "service.Stop")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", name), attribute.String("actor", string(domain.ActorFrom(ctx))))

	ok, err := s.scheduler.StopTask(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to stop task")
	}
	span.SetAttributes(attribute.Bool("task.stop_confirmed", ok))
	return ok, err
}

// ReleaseLock force-releases the cluster lock of name.
func (s *TaskService) ReleaseLock(ctx context.Context, name string) error {
	ctx, span := s.tracer.Start(ctx, "service.ReleaseLock")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", name), attribute.String("actor", string(domain.ActorFrom(ctx))))

	if err := s.scheduler.ReleaseClusterLock(ctx, name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to release cluster lock")
		return err
	}
	return nil
}

func (s *TaskService) Enable(ctx context.Context, name string) error {
	return s.toggle(ctx, "service.Enable", name, s.scheduler.Enable)
}

func (s *TaskService) Disable(ctx context.Context, name string) error {
	return s.toggle(ctx, "service.Disable", name, s.scheduler.Disable)
}

func (s *TaskService) Block(ctx context.Context, name string) error {
	return s.toggle(ctx, "service.Block", name, s.scheduler.Block)
}

func (s *TaskService) Unblock(ctx context.Context, name string) error {
	return s.toggle(ctx, "service.Unblock", name, s.scheduler.Unblock)
}

func (s *TaskService) toggle(ctx context.Context, op, name string, fn func(string) error) error {
	_, span := s.tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("task.name", name), attribute.String("actor", string(domain.ActorFrom(ctx))))
	if err := fn(name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task update failed")
		return err
	}
	return nil
}

// Suspend pauses automatic scheduling on this node.
func (s *TaskService) Suspend(ctx context.Context) {
	_, span := s.tracer.Start(ctx, "service.Suspend")
	defer span.End()
	s.scheduler.Suspend()
}

// Resume restarts automatic scheduling on this node.
func (s *TaskService) Resume(ctx context.Context) {
	_, span := s.tracer.Start(ctx, "service.Resume")
	defer span.End()
	s.scheduler.Resume()
}

// Status summarises the scheduler of this node.
func (s *TaskService) Status() scheduler.Status {
	return s.scheduler.Status()
}
