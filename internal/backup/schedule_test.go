package backup

import (
	"errors"
	"testing"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/models"
	"github.com/google/uuid"
)

func TestCronExpression(t *testing.T) {
	tests := []struct {
		name     string
		schedule models.ScheduleType
		interval string
		cron     string
		want     string
		wantErr  bool
	}{
		{"hourly", models.ScheduleTypeInterval, "hourly", "", "0 * * * *", false},
		{"every 6 hours", models.ScheduleTypeInterval, "every_6_hours", "", "0 */6 * * *", false},
		{"every 12 hours", models.ScheduleTypeInterval, "every_12_hours", "", "0 */12 * * *", false},
		{"daily", models.ScheduleTypeInterval, "daily", "", "0 0 * * *", false},
		{"weekly", models.ScheduleTypeInterval, "weekly", "", "0 0 * * 0", false},
		{"monthly", models.ScheduleTypeInterval, "monthly", "", "0 0 1 * *", false},
		{"unknown interval", models.ScheduleTypeInterval, "fortnightly", "", "", true},
		{"cron", models.ScheduleTypeCron, "", "30 2 * * 1-5", "30 2 * * 1-5", false},
		{"empty cron", models.ScheduleTypeCron, "", "", "", true},
		{"unknown type", models.ScheduleType("rrule"), "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &models.BackupJob{ScheduleType: tt.schedule, Interval: tt.interval, CronExpression: tt.cron}
			got, err := CronExpression(job)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CronExpression() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("CronExpression() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCronExpression_Manual(t *testing.T) {
	_, err := CronExpression(&models.BackupJob{ScheduleType: models.ScheduleTypeManual})
	if !errors.Is(err, ErrManualSchedule) {
		t.Errorf("CronExpression() error = %v, want ErrManualSchedule", err)
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	job := &models.BackupJob{ScheduleType: models.ScheduleTypeCron, CronExpression: "61 * * * *"}
	if _, err := ParseSchedule(job); !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("ParseSchedule() error = %v, want ErrInvalidSchedule", err)
	}
	job.CronExpression = "@daily"
	if _, err := ParseSchedule(job); err != nil {
		t.Errorf("ParseSchedule(@daily) error = %v", err)
	}
}

func TestNextRunAt(t *testing.T) {
	created := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC) // a Wednesday
	lastRun := time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC)

	tests := []struct {
		name     string
		job      models.BackupJob
		loc      *time.Location
		want     time.Time
		wantNone bool
	}{
		{
			name: "daily from creation",
			job:  models.BackupJob{ScheduleType: models.ScheduleTypeInterval, Interval: "daily", CreatedAt: created},
			want: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "daily from last run",
			job:  models.BackupJob{ScheduleType: models.ScheduleTypeInterval, Interval: "daily", CreatedAt: created, LastRunAt: &lastRun},
			want: time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly runs on sunday",
			job:  models.BackupJob{ScheduleType: models.ScheduleTypeInterval, Interval: "weekly", CreatedAt: created},
			want: time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "every 6 hours",
			job:  models.BackupJob{ScheduleType: models.ScheduleTypeInterval, Interval: "every_6_hours", CreatedAt: created},
			want: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "cron expression",
			job:  models.BackupJob{ScheduleType: models.ScheduleTypeCron, CronExpression: "*/15 * * * *", CreatedAt: created},
			want: time.Date(2026, 3, 4, 10, 45, 0, 0, time.UTC),
		},
		{
			name: "evaluated in the configured timezone",
			job:  models.BackupJob{ScheduleType: models.ScheduleTypeInterval, Interval: "daily", CreatedAt: created},
			loc:  time.FixedZone("UTC+2", 2*60*60),
			want: time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC),
		},
		{
			name:     "manual",
			job:      models.BackupJob{ScheduleType: models.ScheduleTypeManual, CreatedAt: created},
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRunAt(&tt.job, tt.loc)
			if err != nil {
				t.Fatalf("NextRunAt() error = %v", err)
			}
			if tt.wantNone {
				if got != nil {
					t.Errorf("NextRunAt() = %v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("NextRunAt() = nil")
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRunAt() = %v, want %v", got.UTC(), tt.want)
			}
		})
	}
}

func TestJobStates(t *testing.T) {
	var s jobStates
	jobID := uuid.New()

	if got := s.state(jobID); got != JobStateIdle {
		t.Errorf("state() = %q, want idle", got)
	}
	if !s.acquire(jobID) {
		t.Fatal("acquire() = false on idle job")
	}
	if s.acquire(jobID) {
		t.Error("acquire() = true on busy job")
	}
	if got := s.state(jobID); got != JobStateTriggered {
		t.Errorf("state() = %q, want triggered", got)
	}

	s.running(jobID, uuid.New())
	if got := s.state(jobID); got != JobStateRunning {
		t.Errorf("state() = %q, want running", got)
	}

	other := uuid.New()
	if !s.acquire(other) {
		t.Error("acquire() of an unrelated job should not contend")
	}
	if got := s.busy(); got != 2 {
		t.Errorf("busy() = %d, want 2", got)
	}

	s.release(jobID)
	if got := s.state(jobID); got != JobStateIdle {
		t.Errorf("state() after release = %q, want idle", got)
	}
	if !s.acquire(jobID) {
		t.Error("acquire() after release = false")
	}
}
