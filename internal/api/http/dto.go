package http

import (
	"time"

	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/schedule"
)

// ScheduleRequest is the DTO for one schedule of a task.
type ScheduleRequest struct {
	Kind      string     `json:"kind" validate:"required,oneof=once date daily weekly monthly periodic cron"`
	At        string     `json:"at,omitempty"`
	Date      string     `json:"date,omitempty"`
	Weekdays  []string   `json:"weekdays,omitempty"`
	MonthDays []int      `json:"month_days,omitempty"`
	Every     string     `json:"every,omitempty" validate:"omitempty,duration"`
	Until     string     `json:"until,omitempty"`
	Anchor    *time.Time `json:"anchor,omitempty"`
	Expr      string     `json:"expr,omitempty"`
}

// ActionRequest is the DTO for the work a task performs.
type ActionRequest struct {
	Type    string            `json:"type" validate:"required,oneof=http shell"`
	URL     string            `json:"url,omitempty" validate:"required_if=Type http,omitempty,url"`
	Method  string            `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD get post put patch delete head"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Retries int               `json:"retries,omitempty" validate:"gte=0,lte=10"`
	Command string            `json:"command,omitempty" validate:"required_if=Type shell"`
	Args    []string          `json:"args,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Timeout string            `json:"timeout,omitempty" validate:"omitempty,duration"`
}

// SaveTaskRequest is the Data Transfer Object for creating or updating a task.
type SaveTaskRequest struct {
	Name                   string            `json:"name" validate:"required,min=1,max=128,excludesall=/\\"`
	Description            string            `json:"description,omitempty"`
	Schedules              []ScheduleRequest `json:"schedules,omitempty" validate:"dive"`
	Action                 ActionRequest     `json:"action" validate:"required"`
	NodeLocal              bool              `json:"node_local,omitempty"`
	RunOnStartup           *bool             `json:"run_on_startup,omitempty"`
	NeedsMaintenanceWindow bool              `json:"needs_maintenance_window,omitempty"`
	MaintenanceDelay       string            `json:"maintenance_delay,omitempty" validate:"omitempty,duration"`
	MaintenanceSafe        bool              `json:"maintenance_safe,omitempty"`
	BlockingAllowed        bool              `json:"blocking_allowed,omitempty"`
	BlockedByDefault       bool              `json:"blocked_by_default,omitempty"`
	Disabled               bool              `json:"disabled,omitempty"`
}

// ToDomainDefinition converts the request to a domain.TaskDefinition. Durations
// were validated before.
func (r *SaveTaskRequest) ToDomainDefinition() *domain.TaskDefinition {
	schedules := make([]schedule.Config, 0, len(r.Schedules))
	for _, s := range r.Schedules {
		c := schedule.Config{
			Kind:      schedule.Kind(s.Kind),
			At:        s.At,
			Date:      s.Date,
			Weekdays:  s.Weekdays,
			MonthDays: s.MonthDays,
			Every:     parseDuration(s.Every),
			Until:     s.Until,
			Expr:      s.Expr,
		}
		if s.Anchor != nil {
			c.Anchor = *s.Anchor
		}
		schedules = append(schedules, c)
	}

	return &domain.TaskDefinition{
		Name:        r.Name,
		Description: r.Description,
		Schedules:   schedules,
		Action: domain.Action{
			Type:    domain.ActionType(r.Action.Type),
			URL:     r.Action.URL,
			Method:  r.Action.Method,
			Headers: r.Action.Headers,
			Body:    r.Action.Body,
			Retries: r.Action.Retries,
			Command: r.Action.Command,
			Args:    r.Action.Args,
			WorkDir: r.Action.WorkDir,
			Timeout: parseDuration(r.Action.Timeout),
		},
		NodeLocal:              r.NodeLocal,
		RunOnStartup:           r.RunOnStartup,
		NeedsMaintenanceWindow: r.NeedsMaintenanceWindow,
		MaintenanceDelay:       parseDuration(r.MaintenanceDelay),
		MaintenanceSafe:        r.MaintenanceSafe,
		BlockingAllowed:        r.BlockingAllowed,
		BlockedByDefault:       r.BlockedByDefault,
		Disabled:               r.Disabled,
	}
}

func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// ScheduleNowRequest asks for a forced run. A missing start means now.
type ScheduleNowRequest struct {
	Start *time.Time `json:"start,omitempty"`
}

// ScheduleNowResponse reports the start the forced run was scheduled for.
type ScheduleNowResponse struct {
	Task  string    `json:"task"`
	Start time.Time `json:"start"`
}

// StopResponse reports whether the stop request was confirmed.
type StopResponse struct {
	Task      string `json:"task"`
	Confirmed bool   `json:"confirmed"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
