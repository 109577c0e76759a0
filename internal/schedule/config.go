package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind names a schedule shape.
type Kind string

const (
	KindOnce     Kind = "once"
	KindDate     Kind = "date"
	KindDaily    Kind = "daily"
	KindWeekly   Kind = "weekly"
	KindMonthly  Kind = "monthly"
	KindPeriodic Kind = "periodic"
	KindCron     Kind = "cron"
)

// DateLayout is the layout of Config.Date.
const DateLayout = "2006-01-02"

// Config is the declarative form of a schedule as it appears in task definitions.
//
// At is the time of day for once/date/daily/weekly/monthly. Every turns the
// calendar kinds into a window repeating from At until Until, and is the
// interval of the periodic kind.
type Config struct {
	Kind      Kind          `json:"kind" mapstructure:"kind" validate:"required,oneof=once date daily weekly monthly periodic cron"`
	At        string        `json:"at,omitempty" mapstructure:"at" validate:"omitempty,timeofday"`
	Date      string        `json:"date,omitempty" mapstructure:"date" validate:"required_if=Kind date,omitempty,datetime=2006-01-02"`
	Weekdays  []string      `json:"weekdays,omitempty" mapstructure:"weekdays" validate:"required_if=Kind weekly,dive,weekday"`
	MonthDays []int         `json:"month_days,omitempty" mapstructure:"month_days" validate:"required_if=Kind monthly,dive,min=1,max=31"`
	Every     time.Duration `json:"every,omitempty" mapstructure:"every" validate:"gte=0"`
	Until     string        `json:"until,omitempty" mapstructure:"until" validate:"omitempty,timeofday"`
	Anchor    time.Time     `json:"anchor,omitempty" mapstructure:"anchor"`
	Expr      string        `json:"expr,omitempty" mapstructure:"expr" validate:"required_if=Kind cron,omitempty,cron"`
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// RegisterValidations adds the tags used by Config to v.
func RegisterValidations(v *validator.Validate) {
	_ = v.RegisterValidation("timeofday", func(fl validator.FieldLevel) bool {
		_, err := ParseTimeOfDay(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("weekday", func(fl validator.FieldLevel) bool {
		_, ok := weekdays[strings.ToLower(fl.Field().String())]
		return ok
	})
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := CronParser.Parse(fl.Field().String())
		return err == nil
	})
}

var validate = func() *validator.Validate {
	v := validator.New()
	RegisterValidations(v)
	return v
}()

// Validate checks the configuration without building it.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid %s schedule: %w", c.Kind, err)
	}
	if c.Kind == KindPeriodic && c.Every <= 0 {
		return errors.New("invalid periodic schedule: every must be positive")
	}
	return nil
}

// Build turns the configuration into an Algorithm evaluated in loc.
func (c Config) Build(loc *time.Location) (Algorithm, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}

	var at TimeOfDay
	if c.At != "" {
		at, _ = ParseTimeOfDay(c.At)
	}

	switch c.Kind {
	case KindOnce:
		return Once(loc, at), nil
	case KindDate:
		day, err := time.ParseInLocation(DateLayout, c.Date, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", c.Date, err)
		}
		return Date(at.On(day)), nil
	case KindDaily:
		return Daily(loc, at, c.window()), nil
	case KindWeekly:
		days := make([]time.Weekday, 0, len(c.Weekdays))
		for _, d := range c.Weekdays {
			days = append(days, weekdays[strings.ToLower(d)])
		}
		return Weekly(loc, days, at, c.window()), nil
	case KindMonthly:
		return Monthly(loc, c.MonthDays, at, c.window()), nil
	case KindPeriodic:
		return Periodic(c.Every, c.Anchor), nil
	case KindCron:
		return Cron(c.Expr, loc)
	}
	return nil, fmt.Errorf("unknown schedule kind %q", c.Kind)
}

func (c Config) window() *Window {
	if c.Every <= 0 {
		return nil
	}
	until := TimeOfDay{Hour: 23, Minute: 59}
	if c.Until != "" {
		until, _ = ParseTimeOfDay(c.Until)
	}
	return &Window{Interval: c.Every, Until: until}
}

// BuildAll combines the schedules of a task. No schedules means the task only runs on demand.
func BuildAll(configs []Config, loc *time.Location) (Algorithm, error) {
	members := make([]Algorithm, 0, len(configs))
	for i, c := range configs {
		a, err := c.Build(loc)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
		members = append(members, a)
	}
	return Combine(members...), nil
}
