// internal/infra/etcd/etcd_history_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"distributed-tasks/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	HistoryDir = "/tasks/history/"
)

type etcdHistoryRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdHistoryRepository creates a repository for finished task results backed by etcd.
func NewEtcdHistoryRepository(client *clientv3.Client, logger *slog.Logger) domain.HistoryRepository {
	return &etcdHistoryRepository{
		client: client,
		logger: logger.With("component", "history-repo"),
		tracer: otel.Tracer("distributed-tasks-etcd-history-repo"),
	}
}

// Save persists a finished result. The key is /tasks/history/{task}/{resultID}.
func (r *etcdHistoryRepository) Save(ctx context.Context, res *domain.TaskResult) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveResult")
	defer span.End()

	data, err := json.Marshal(res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal task result")
		return fmt.Errorf("failed to marshal task result %s to JSON: %w", res.ID, err)
	}

	key := path.Join(HistoryDir, res.Task, res.ID)
	span.SetAttributes(
		attribute.String("result.id", res.ID),
		attribute.String("task.name", res.Task),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(data)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put task result to etcd")
		return fmt.Errorf("failed to save task result %s to etcd: %w", res.ID, err)
	}
	return nil
}

// Get retrieves a single result of task.
func (r *etcdHistoryRepository) Get(ctx context.Context, task, id string) (*domain.TaskResult, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetResult")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.name", task),
		attribute.String("result.id", id),
	)

	resp, err := r.client.Get(ctx, path.Join(HistoryDir, task, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get task result from etcd")
		return nil, fmt.Errorf("failed to get task result %s/%s from etcd: %w", task, id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrResultNotFound, task, id)
	}

	var res domain.TaskResult
	if err := json.Unmarshal(resp.Kvs[0].Value, &res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal task result")
		return nil, fmt.Errorf("failed to unmarshal task result %s/%s from JSON: %w", task, id, err)
	}
	return &res, nil
}

// ListByTask returns results of task, newest first, one page at a time.
func (r *etcdHistoryRepository) ListByTask(ctx context.Context, task string, page, pageSize int) ([]*domain.TaskResult, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListResults")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.name", task),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)
	if page < 1 {
		page = 1
	}

	prefix := path.Join(HistoryDir, task) + "/"
	resp, err := r.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list task results from etcd")
		return nil, fmt.Errorf("failed to list task results for %s from etcd: %w", task, err)
	}

	// etcd limits count keys, not offsets, so pages are cut client side.
	startIdx := (page - 1) * pageSize
	endIdx := startIdx + pageSize
	results := make([]*domain.TaskResult, 0, pageSize)
	for i, kv := range resp.Kvs {
		if i < startIdx {
			continue
		}
		if i >= endIdx {
			break
		}
		var res domain.TaskResult
		if err := json.Unmarshal(kv.Value, &res); err != nil {
			r.logger.Warn("failed to unmarshal task result from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		results = append(results, &res)
	}
	span.SetAttributes(attribute.Int("results_returned", len(results)))
	return results, nil
}

// DeleteBefore removes every result that started before cutoff.
func (r *etcdHistoryRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.DeleteResultsBefore")
	defer span.End()

	resp, err := r.client.Get(ctx, HistoryDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list task results from etcd")
		return 0, fmt.Errorf("failed to list task results from etcd: %w", err)
	}

	deleted := 0
	for _, kv := range resp.Kvs {
		var res domain.TaskResult
		if err := json.Unmarshal(kv.Value, &res); err != nil {
			r.logger.Warn("failed to unmarshal task result from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		if !res.StartTime.Before(cutoff) {
			continue
		}
		// Only delete the version that was inspected.
		txnResp, err := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision)).
			Then(clientv3.OpDelete(string(kv.Key))).
			Commit()
		if err != nil {
			span.RecordError(err)
			return deleted, fmt.Errorf("failed to delete task result %s: %w", kv.Key, err)
		}
		if txnResp.Succeeded {
			deleted++
		}
	}
	span.SetAttributes(attribute.Int("results_deleted", deleted))
	return deleted, nil
}
