package backup

import (
	"errors"
	"fmt"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/robfig/cron/v3"
)

var (
	// ErrManualSchedule is returned when a trigger is requested for a manual job.
	ErrManualSchedule = errors.New("manual jobs are not scheduled")
	// ErrInvalidSchedule is returned for schedule specifications that cannot
	// be turned into a trigger.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// intervalExpressions maps the named interval shorthands to cron expressions.
var intervalExpressions = map[string]string{
	"hourly":         "0 * * * *",
	"every_6_hours":  "0 */6 * * *",
	"every_12_hours": "0 */12 * * *",
	"daily":          "0 0 * * *",
	"weekly":         "0 0 * * 0",
	"monthly":        "0 0 1 * *",
}

// cronParser accepts standard 5-field expressions and @descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronExpression returns the cron expression that drives a recurring job.
func CronExpression(job *models.BackupJob) (string, error) {
	switch job.ScheduleType {
	case models.ScheduleTypeManual, "":
		return "", ErrManualSchedule
	case models.ScheduleTypeInterval:
		expr, ok := intervalExpressions[job.Interval]
		if !ok {
			return "", fmt.Errorf("%w: unknown interval %q", ErrInvalidSchedule, job.Interval)
		}
		return expr, nil
	case models.ScheduleTypeCron:
		if job.CronExpression == "" {
			return "", fmt.Errorf("%w: cron expression is required", ErrInvalidSchedule)
		}
		return job.CronExpression, nil
	default:
		return "", fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, job.ScheduleType)
	}
}

// ParseSchedule converts a job's schedule specification into a cron schedule.
func ParseSchedule(job *models.BackupJob) (cron.Schedule, error) {
	expr, err := CronExpression(job)
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: parse cron expression %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// NextRunAt computes when a job should next run, evaluated in loc against the
// job's last completion or its creation time. Manual jobs return nil.
func NextRunAt(job *models.BackupJob, loc *time.Location) (*time.Time, error) {
	if !job.IsRecurring() {
		return nil, nil
	}
	sched, err := ParseSchedule(job)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	next := sched.Next(job.ScheduleBase().In(loc))
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}
