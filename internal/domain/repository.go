package domain

import (
	"context"
	"time"
)

// DefinitionEventType tells whether a definition was saved or deleted.
type DefinitionEventType string

const (
	DefinitionPut    DefinitionEventType = "put"
	DefinitionDelete DefinitionEventType = "delete"
)

// DefinitionEvent is a change of the shared definition set.
type DefinitionEvent struct {
	Type       DefinitionEventType
	Name       string
	Definition *TaskDefinition // nil on delete
}

// DefinitionRepository persists task definitions shared by all nodes.
type DefinitionRepository interface {
	Save(ctx context.Context, def *TaskDefinition) error
	Delete(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (*TaskDefinition, error)
	List(ctx context.Context) ([]*TaskDefinition, error)
	// Watch streams changes until ctx is canceled.
	Watch(ctx context.Context) (<-chan DefinitionEvent, error)
}

// HistoryRepository archives finished task results beyond the few kept in
// the task log.
type HistoryRepository interface {
	// Save stores a finished result. Saving the same result twice is not an error.
	Save(ctx context.Context, res *TaskResult) error
	// ListByTask returns results of task, newest first. page starts at 1.
	ListByTask(ctx context.Context, task string, page, pageSize int) ([]*TaskResult, error)
	Get(ctx context.Context, task, id string) (*TaskResult, error)
	// DeleteBefore removes results that started before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}
