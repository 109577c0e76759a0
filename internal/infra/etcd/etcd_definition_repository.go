// internal/infra/etcd/etcd_definition_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"distributed-tasks/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefinitionSaveDir = "/tasks/definitions/"
)

type etcdDefinitionRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdDefinitionRepository creates a repository for task definitions backed by etcd.
func NewEtcdDefinitionRepository(client *clientv3.Client, logger *slog.Logger) domain.DefinitionRepository {
	return &etcdDefinitionRepository{
		client: client,
		logger: logger.With("component", "definition-repo"),
		tracer: otel.Tracer("distributed-tasks-etcd-definition-repo"),
	}
}

// Save persists the definition to etcd.
func (r *etcdDefinitionRepository) Save(ctx context.Context, def *domain.TaskDefinition) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveDefinition")
	defer span.End()

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal task definition to JSON: %w", err)
	}

	key := path.Join(DefinitionSaveDir, def.Name)
	span.SetAttributes(
		attribute.String("task.name", def.Name),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(data)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put task definition to etcd")
		return fmt.Errorf("failed to save task definition %s to etcd: %w", def.Name, err)
	}
	return nil
}

// Delete removes a definition from etcd.
func (r *etcdDefinitionRepository) Delete(ctx context.Context, name string) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.DeleteDefinition")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", name))

	resp, err := r.client.Delete(ctx, path.Join(DefinitionSaveDir, name))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete task definition from etcd")
		return fmt.Errorf("failed to delete task definition %s from etcd: %w", name, err)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, name)
	}
	return nil
}

// Get retrieves a definition from etcd.
func (r *etcdDefinitionRepository) Get(ctx context.Context, name string) (*domain.TaskDefinition, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetDefinition")
	defer span.End()
	span.SetAttributes(attribute.String("task.name", name))

	resp, err := r.client.Get(ctx, path.Join(DefinitionSaveDir, name))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get task definition from etcd")
		return nil, fmt.Errorf("failed to get task definition %s from etcd: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, name)
	}

	var def domain.TaskDefinition
	if err := json.Unmarshal(resp.Kvs[0].Value, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task definition %s from JSON: %w", name, err)
	}
	return &def, nil
}

// List retrieves all definitions from etcd.
func (r *etcdDefinitionRepository) List(ctx context.Context) ([]*domain.TaskDefinition, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListDefinitions")
	defer span.End()

	resp, err := r.client.Get(ctx, DefinitionSaveDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list task definitions from etcd")
		return nil, fmt.Errorf("failed to list task definitions from etcd: %w", err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	defs := make([]*domain.TaskDefinition, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var def domain.TaskDefinition
		if err := json.Unmarshal(kv.Value, &def); err != nil {
			r.logger.Warn("failed to unmarshal task definition from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// Watch streams definition changes until ctx is canceled.
func (r *etcdDefinitionRepository) Watch(ctx context.Context) (<-chan domain.DefinitionEvent, error) {
	out := make(chan domain.DefinitionEvent)
	watchChan := r.client.Watch(ctx, DefinitionSaveDir, clientv3.WithPrefix())

	go func() {
		defer close(out)
		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				r.logger.Error("task definition watch failed", "error", err)
				return
			}
			for _, event := range watchResp.Events {
				name := strings.TrimPrefix(string(event.Kv.Key), DefinitionSaveDir)
				ev := domain.DefinitionEvent{Name: name}
				switch event.Type {
				case clientv3.EventTypePut:
					var def domain.TaskDefinition
					if err := json.Unmarshal(event.Kv.Value, &def); err != nil {
						r.logger.Warn("failed to unmarshal watched task definition", "key", string(event.Kv.Key), "error", err)
						continue
					}
					ev.Type = domain.DefinitionPut
					ev.Definition = &def
				case clientv3.EventTypeDelete:
					ev.Type = domain.DefinitionDelete
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
