package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Day type bits of the legacy positional schedule format.
const (
	LegacyOnce         = 0x01
	LegacyDaily        = 0x02
	LegacyWeekly       = 0x04
	LegacyMonthly      = 0x08
	LegacyDate         = 0x10
	LegacyPeriodically = 0x80

	legacyDayMask = 0x1f
)

// LegacyParams is the positional schedule description used by older task
// definitions. DayMask bits are weekday numbers 1 (Sunday) to 7 (Saturday) for
// weekly schedules and days of the month for monthly ones. Interval is in
// milliseconds and only used with LegacyPeriodically.
type LegacyParams struct {
	DayType    int
	Date       time.Time
	DayMask    int
	Hour       int
	Minute     int
	Interval   int64
	StopHour   int
	StopMinute int
}

// FromLegacy converts the legacy positional parameters into a Config.
func FromLegacy(p LegacyParams) (Config, error) {
	at := TimeOfDay{Hour: p.Hour, Minute: p.Minute}.String()
	cfg := Config{At: at}
	if p.DayType&LegacyPeriodically != 0 {
		if p.Interval <= 0 {
			return Config{}, fmt.Errorf("periodic legacy schedule needs a positive interval, got %d", p.Interval)
		}
		cfg.Every = time.Duration(p.Interval) * time.Millisecond
		cfg.Until = TimeOfDay{Hour: p.StopHour, Minute: p.StopMinute}.String()
	}

	switch p.DayType & legacyDayMask {
	case LegacyOnce:
		cfg.Kind, cfg.Every, cfg.Until = KindOnce, 0, ""
	case LegacyDate:
		if p.Date.IsZero() {
			return Config{}, fmt.Errorf("date legacy schedule without a date")
		}
		cfg.Kind, cfg.Every, cfg.Until = KindDate, 0, ""
		cfg.Date = p.Date.Format(DateLayout)
	case LegacyDaily:
		cfg.Kind = KindDaily
	case LegacyWeekly:
		cfg.Kind = KindWeekly
		for bit := 1; bit <= 7; bit++ {
			if p.DayMask&(1<<bit) != 0 {
				cfg.Weekdays = append(cfg.Weekdays, strings.ToLower(time.Weekday(bit - 1).String()[:3]))
			}
		}
		if len(cfg.Weekdays) == 0 {
			return Config{}, fmt.Errorf("weekly legacy schedule with empty day mask")
		}
	case LegacyMonthly:
		cfg.Kind = KindMonthly
		for bit := 1; bit <= 31; bit++ {
			if p.DayMask&(1<<bit) != 0 {
				cfg.MonthDays = append(cfg.MonthDays, bit)
			}
		}
		if len(cfg.MonthDays) == 0 {
			return Config{}, fmt.Errorf("monthly legacy schedule with empty day mask")
		}
	default:
		return Config{}, fmt.Errorf("illegal legacy day type %b", p.DayType)
	}
	return cfg, cfg.Validate()
}

// FromLegacyProperties converts the flat key/value form of legacy definitions
// (daytype, timetype, daymask, when, hour, minute, startHour, startMinute,
// interval, stopHour, stopMinute).
func FromLegacyProperties(props map[string]string) (Config, error) {
	var p LegacyParams
	dayType, ok := props["daytype"]
	if !ok {
		return Config{}, fmt.Errorf("missing 'daytype' parameter")
	}
	needMask := false
	switch strings.ToUpper(dayType) {
	case "ONCE":
		p.DayType = LegacyOnce
	case "DAILY":
		p.DayType = LegacyDaily
	case "WEEKLY":
		p.DayType, needMask = LegacyWeekly, true
	case "MONTHLY":
		p.DayType, needMask = LegacyMonthly, true
	case "DATE":
		p.DayType = LegacyDate
	default:
		return Config{}, fmt.Errorf("unknown daytype: %s", dayType)
	}

	var err error
	if needMask {
		if p.DayMask, err = maskParam(props, "daymask"); err != nil {
			return Config{}, err
		}
	}
	if p.DayType == LegacyDate {
		when, ok := props["when"]
		if !ok {
			return Config{}, fmt.Errorf("missing 'when' parameter")
		}
		if p.Date, err = time.Parse(DateLayout, when); err != nil {
			return Config{}, fmt.Errorf("invalid 'when' parameter: %w", err)
		}
	}

	ints := map[string]*int{"hour": &p.Hour, "minute": &p.Minute}
	if strings.EqualFold(props["timetype"], "PERIODICALLY") {
		p.DayType |= LegacyPeriodically
		ints = map[string]*int{
			"startHour":   &p.Hour,
			"startMinute": &p.Minute,
			"stopHour":    &p.StopHour,
			"stopMinute":  &p.StopMinute,
		}
		if p.Interval, err = strconv.ParseInt(props["interval"], 10, 64); err != nil {
			return Config{}, fmt.Errorf("invalid 'interval' parameter: %w", err)
		}
	}
	for key, dst := range ints {
		v, ok := props[key]
		if !ok {
			return Config{}, fmt.Errorf("missing '%s' parameter", key)
		}
		if *dst, err = strconv.Atoi(strings.TrimSpace(v)); err != nil {
			return Config{}, fmt.Errorf("invalid '%s' parameter: %w", key, err)
		}
	}
	return FromLegacy(p)
}

func maskParam(props map[string]string, key string) (int, error) {
	val, ok := props[key]
	if !ok {
		return 0, fmt.Errorf("missing '%s' parameter", key)
	}
	mask := 0
	for _, item := range strings.Split(val, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(item))
		if err != nil || n < 0 || n > 31 {
			return 0, fmt.Errorf("invalid '%s' parameter: %s", key, val)
		}
		mask |= 1 << n
	}
	if mask == 0 {
		return 0, fmt.Errorf("invalid '%s' parameter: %s", key, val)
	}
	return mask, nil
}
