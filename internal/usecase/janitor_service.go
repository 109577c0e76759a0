package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/task"
	"distributed-tasks/internal/tasklog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JanitorConfig tunes the housekeeping loop.
type JanitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// Grace is how long a lock or run must exist before its node may be
	// declared gone. It covers the delay of the membership watch.
	Grace            time.Duration `mapstructure:"grace"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	RunLogRetention  time.Duration `mapstructure:"runlog_retention"`
	CampaignBackoff  time.Duration `mapstructure:"campaign_backoff"`
}

func (c JanitorConfig) withDefaults() JanitorConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Grace <= 0 {
		c.Grace = 2 * c.Interval
	}
	if c.CampaignBackoff <= 0 {
		c.CampaignBackoff = 5 * time.Second
	}
	return c
}

// DeadNodeMessage closes runs whose node disappeared.
const DeadNodeMessage = "node %s left the cluster while holding the task"

// SweepReport is the outcome of one cluster sweep.
type SweepReport struct {
	Scanned        int      `json:"scanned"`
	Released       []string `json:"released,omitempty"`
	HistoryDeleted int      `json:"history_deleted"`
}

// JanitorService repairs cluster task logs left behind by dead nodes and
// prunes old history. Only the elected leader sweeps the cluster; every node
// prunes its own run log files.
type JanitorService struct {
	leader  domain.LeaderElectionManager
	members domain.Membership
	store   domain.Store
	history domain.HistoryRepository
	runLogs *task.LogFiles
	logOpts tasklog.Options
	cfg     JanitorConfig
	clock   func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewJanitorService creates the janitor. history and runLogs may be nil.
func NewJanitorService(leader domain.LeaderElectionManager, members domain.Membership, store domain.Store,
	history domain.HistoryRepository, runLogs *task.LogFiles, logOpts tasklog.Options, cfg JanitorConfig, logger *slog.Logger) *JanitorService {
	return &JanitorService{
		leader:  leader,
		members: members,
		store:   store,
		history: history,
		runLogs: runLogs,
		logOpts: logOpts,
		cfg:     cfg.withDefaults(),
		clock:   time.Now,
		logger:  logger.With("component", "janitor"),
		tracer:  otel.Tracer("distributed-tasks-janitor"),
	}
}

// Start prunes local run logs and campaigns for leadership until ctx is
// canceled. While leading it sweeps the cluster every interval.
func (j *JanitorService) Start(ctx context.Context) error {
	go j.pruneLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		j.logger.Debug("campaigning for janitor leadership")
		lost, err := j.leader.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			j.logger.Error("error during leadership campaign, retrying", "error", err, "wait", j.cfg.CampaignBackoff)
			select {
			case <-time.After(j.cfg.CampaignBackoff):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		j.logger.Info("became janitor leader")
		err = j.lead(ctx, lost)
		resignCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if rerr := j.leader.Resign(resignCtx); rerr != nil {
			j.logger.Warn("failed to resign leadership", "error", rerr)
		}
		cancel()
		if err != nil {
			return err
		}
		j.logger.Warn("lost janitor leadership")
	}
}

// lead sweeps until leadership is lost (nil) or ctx ends (ctx.Err()).
func (j *JanitorService) lead(ctx context.Context, lost <-chan struct{}) error {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error("cluster sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return nil
		case <-ticker.C:
		}
	}
}

func (j *JanitorService) pruneLoop(ctx context.Context) {
	if j.runLogs == nil || j.cfg.RunLogRetention <= 0 {
		return
	}
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := j.PruneRunLogs(ctx); err != nil {
			j.logger.Error("failed to prune run logs", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PruneRunLogs removes run log files of this node older than the retention.
func (j *JanitorService) PruneRunLogs(ctx context.Context) (int, error) {
	if j.runLogs == nil || j.cfg.RunLogRetention <= 0 {
		return 0, nil
	}
	_, span := j.tracer.Start(ctx, "janitor.PruneRunLogs")
	defer span.End()

	n, err := j.runLogs.Prune(j.clock().Add(-j.cfg.RunLogRetention))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to prune run logs")
		return n, err
	}
	if n > 0 {
		j.logger.Info("pruned run log files", "count", n)
	}
	return n, nil
}

// Sweep force-releases cluster tasks held by nodes that are no longer members
// and deletes archived results older than the retention.
func (j *JanitorService) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := j.tracer.Start(ctx, "janitor.Sweep")
	defer span.End()

	var report SweepReport
	logs, err := j.store.List(ctx, tasklog.LogPrefix)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list task logs")
		return report, fmt.Errorf("failed to list task logs: %w", err)
	}

	now := j.clock()
	for key := range logs {
		report.Scanned++
		name := tasklog.TaskFromKey(key)
		released, err := j.releaseIfOrphaned(ctx, name, now)
		if err != nil {
			j.logger.Error("failed to inspect task log", "task", name, "error", err)
			continue
		}
		if released {
			report.Released = append(report.Released, name)
		}
	}

	report.HistoryDeleted = j.pruneHistory(ctx, now)

	span.SetAttributes(
		attribute.Int("janitor.scanned", report.Scanned),
		attribute.Int("janitor.released", len(report.Released)),
		attribute.Int("janitor.history_deleted", report.HistoryDeleted),
	)
	return report, nil
}

func (j *JanitorService) pruneHistory(ctx context.Context, now time.Time) int {
	if j.history == nil || j.cfg.HistoryRetention <= 0 {
		return 0
	}
	n, err := j.history.DeleteBefore(ctx, now.Add(-j.cfg.HistoryRetention))
	if err != nil {
		j.logger.Error("failed to prune task history", "error", err)
	}
	return n
}

// StartStandalone is Start for a node without a cluster: there is nobody to
// campaign against and no foreign lock to release, so it only prunes run logs
// and history.
func (j *JanitorService) StartStandalone(ctx context.Context) error {
	go j.pruneLoop(ctx)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		if n := j.pruneHistory(ctx, j.clock()); n > 0 {
			j.logger.Info("pruned task history", "count", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (j *JanitorService) releaseIfOrphaned(ctx context.Context, name string, now time.Time) (bool, error) {
	log := tasklog.NewCluster(name, j.store, j.logOpts)
	lock, err := log.Lock(ctx)
	if err != nil {
		return false, err
	}
	state, err := log.State(ctx)
	if err != nil {
		return false, err
	}
	current, err := log.CurrentResult(ctx)
	if err != nil {
		return false, err
	}

	var gone *domain.Node
	switch {
	case lock != nil && now.Sub(lock.Since) >= j.cfg.Grace && !j.members.IsAlive(lock.Node):
		gone = &lock.Node
	case state.Active() && current != nil && now.Sub(current.StartTime) >= j.cfg.Grace && !j.members.IsAlive(current.Node):
		gone = &current.Node
	}
	if gone == nil {
		return false, nil
	}

	err = log.ForceInactiveIf(ctx, *gone, fmt.Sprintf(DeadNodeMessage, gone.Name))
	if errors.Is(err, domain.ErrNoClusterLock) {
		j.logger.Debug("task changed hands before it could be released", "task", name, "node", gone.Name)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	j.logger.Warn("released task held by a node that left the cluster", "task", name, "node", gone.Name, "node_id", gone.ID)
	return true, nil
}
