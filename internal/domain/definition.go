// internal/domain/definition.go
package domain

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"distributed-tasks/internal/schedule"

	"github.com/go-playground/validator/v10"
)

// ActionType defines what a task does when it runs.
type ActionType string

const (
	ActionTypeHTTP  ActionType = "http"
	ActionTypeShell ActionType = "shell"
)

// Action is the work performed by a configured task.
type Action struct {
	Type ActionType `json:"type" mapstructure:"type" validate:"required,oneof=http shell"`

	// HTTP
	URL     string            `json:"url,omitempty" mapstructure:"url" validate:"required_if=Type http,omitempty,url"`
	Method  string            `json:"method,omitempty" mapstructure:"method"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Body    string            `json:"body,omitempty" mapstructure:"body"`
	// Retries is the number of additional attempts on 5xx responses and transport errors.
	Retries int `json:"retries,omitempty" mapstructure:"retries" validate:"gte=0,lte=10"`

	// Shell
	Command string   `json:"command,omitempty" mapstructure:"command" validate:"required_if=Type shell"`
	Args    []string `json:"args,omitempty" mapstructure:"args"`
	WorkDir string   `json:"work_dir,omitempty" mapstructure:"work_dir"`

	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout" validate:"gte=0"`
}

// TaskDefinition is the persisted description of a task.
type TaskDefinition struct {
	Name        string            `json:"name" mapstructure:"name" validate:"required,max=128,excludesall=/\\"`
	Description string            `json:"description,omitempty" mapstructure:"description"`
	Schedules   []schedule.Config `json:"schedules,omitempty" mapstructure:"schedules" validate:"dive"`
	Action      Action            `json:"action" mapstructure:"action"`

	NodeLocal              bool          `json:"node_local,omitempty" mapstructure:"node_local"`
	RunOnStartup           *bool         `json:"run_on_startup,omitempty" mapstructure:"run_on_startup"`
	NeedsMaintenanceWindow bool          `json:"needs_maintenance_window,omitempty" mapstructure:"needs_maintenance_window"`
	MaintenanceDelay       time.Duration `json:"maintenance_delay,omitempty" mapstructure:"maintenance_delay" validate:"gte=0"`
	MaintenanceSafe        bool          `json:"maintenance_safe,omitempty" mapstructure:"maintenance_safe"`
	BlockingAllowed        bool          `json:"blocking_allowed,omitempty" mapstructure:"blocking_allowed"`
	BlockedByDefault       bool          `json:"blocked_by_default,omitempty" mapstructure:"blocked_by_default"`
	Disabled               bool          `json:"disabled,omitempty" mapstructure:"disabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunsOnStartup reports whether an overdue first trigger fires right after
// registration. Unset means true.
func (d *TaskDefinition) RunsOnStartup() bool {
	return d.RunOnStartup == nil || *d.RunOnStartup
}

var validate = func() *validator.Validate {
	v := validator.New()
	schedule.RegisterValidations(v)
	return v
}()

// Validate checks the definition and fills defaults.
func (d *TaskDefinition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidDefinition, d.Name, err)
	}
	for i, s := range d.Schedules {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w %q: schedule %d: %w", ErrInvalidDefinition, d.Name, i, err)
		}
	}
	switch d.Action.Type {
	case ActionTypeHTTP:
		if d.Action.Method == "" {
			d.Action.Method = http.MethodGet
		}
		d.Action.Method = strings.ToUpper(d.Action.Method)
	case ActionTypeShell:
		if d.Action.Retries != 0 {
			return fmt.Errorf("%w %q: retries are only supported for http actions", ErrInvalidDefinition, d.Name)
		}
	}
	if d.BlockedByDefault && !d.BlockingAllowed {
		return fmt.Errorf("%w %q: blocked_by_default requires blocking_allowed", ErrInvalidDefinition, d.Name)
	}
	return nil
}
