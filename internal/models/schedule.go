package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Frequency represents how often a backup schedule recurs.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"
)

// IsValidFrequency checks if the frequency is valid.
func IsValidFrequency(f Frequency) bool {
	return f == FrequencyDaily || f == FrequencyWeekly || f == FrequencyMonthly || f == FrequencyCustom
}

// BackupSchedule is a recurring backup policy definition.
type BackupSchedule struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Frequency      Frequency       `json:"frequency"`
	Interval       int             `json:"interval"`
	TimeOfDay      string          `json:"time_of_day"` // HH:MM, 24h
	DaysOfWeek     []time.Weekday  `json:"days_of_week,omitempty"`
	DayOfMonth     *int            `json:"day_of_month,omitempty"`
	BackupType     BackupKind      `json:"backup_type"`
	Location       StorageLocation `json:"location"`
	IsEncrypted    bool            `json:"is_encrypted"`
	RetentionDays  int             `json:"retention_days"`
	IsActive       bool            `json:"is_active"`
	LastRun        *time.Time      `json:"last_run,omitempty"`
	NextRun        time.Time       `json:"next_run"`
	TotalRuns      int             `json:"total_runs"`
	SuccessfulRuns int             `json:"successful_runs"`
	FailedRuns     int             `json:"failed_runs"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewBackupSchedule creates a new active schedule with nextRun computed from now.
func NewBackupSchedule(name string, frequency Frequency, interval int, timeOfDay string, createdBy string) *BackupSchedule {
	now := time.Now().UTC()
	return &BackupSchedule{
		ID:            uuid.New(),
		Name:          name,
		Frequency:     frequency,
		Interval:      interval,
		TimeOfDay:     timeOfDay,
		BackupType:    BackupKindFull,
		Location:      StorageLocationLocal,
		RetentionDays: 30,
		IsActive:      true,
		CreatedBy:     createdBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate checks the schedule definition. Invalid day-of-month or a
// malformed time string is rejected here, at create/update time, never
// silently clamped.
func (s *BackupSchedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if !IsValidFrequency(s.Frequency) {
		return fmt.Errorf("%w: invalid frequency %q", ErrValidation, s.Frequency)
	}
	if s.Interval < 1 {
		return fmt.Errorf("%w: interval must be a positive integer", ErrValidation)
	}
	if _, _, err := ParseTimeOfDay(s.TimeOfDay); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if s.DayOfMonth != nil && (*s.DayOfMonth < 1 || *s.DayOfMonth > 31) {
		return fmt.Errorf("%w: day of month must be between 1 and 31", ErrValidation)
	}
	for _, d := range s.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: invalid day of week %d", ErrValidation, d)
		}
	}
	if !IsValidBackupKind(s.BackupType) {
		return fmt.Errorf("%w: invalid backup type %q", ErrValidation, s.BackupType)
	}
	if !IsValidStorageLocation(s.Location) {
		return fmt.Errorf("%w: invalid storage location %q", ErrValidation, s.Location)
	}
	if s.RetentionDays < 0 {
		return fmt.Errorf("%w: retention days cannot be negative", ErrValidation)
	}
	return nil
}

// ParseTimeOfDay parses an HH:MM 24-hour time string.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("malformed time of day %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("malformed time of day %q: invalid hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("malformed time of day %q: invalid minute", s)
	}
	return hour, minute, nil
}

// NextRunAfter computes the next run time strictly from the schedule
// definition and the supplied clock value. It is deterministic: identical
// inputs always yield identical output.
func (s *BackupSchedule) NextRunAfter(now time.Time) (time.Time, error) {
	hour, minute, err := ParseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return time.Time{}, err
	}

	atTimeOfDay := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, t.Location())
	}

	switch s.Frequency {
	case FrequencyDaily:
		next := atTimeOfDay(now)
		if next.Before(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next.AddDate(0, 0, s.Interval-1), nil

	case FrequencyWeekly:
		if len(s.DaysOfWeek) == 0 {
			return atTimeOfDay(now).AddDate(0, 0, 7*s.Interval), nil
		}
		days := append([]time.Weekday(nil), s.DaysOfWeek...)
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		// Earliest configured weekday strictly after today's weekday,
		// wrapping to next week when none remain this week.
		best := 7
		for _, d := range days {
			offset := (int(d) - int(now.Weekday()) + 7) % 7
			if offset == 0 {
				offset = 7
			}
			if offset < best {
				best = offset
			}
		}
		return atTimeOfDay(now.AddDate(0, 0, best)), nil

	case FrequencyMonthly:
		if s.DayOfMonth != nil {
			next := monthlyAt(now.Year(), now.Month(), *s.DayOfMonth, hour, minute, now.Location())
			if !next.After(now) {
				next = monthlyAt(now.Year(), now.Month()+time.Month(s.Interval), *s.DayOfMonth, hour, minute, now.Location())
			}
			return next, nil
		}
		return now.AddDate(0, s.Interval, 0), nil

	case FrequencyCustom:
		return now.AddDate(0, 0, s.Interval), nil
	}

	return time.Time{}, fmt.Errorf("invalid frequency %q", s.Frequency)
}

// monthlyAt places day within the given month, clamped to the month's last
// day so day 31 fires on Feb 28/29 instead of normalizing into March.
func monthlyAt(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	if last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day(); day > last {
		day = last
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

// RecordRun updates counters and recomputes nextRun after an execution.
// Counters are monotonically non-decreasing; a failed run still advances
// nextRun so a failure never wedges the schedule.
func (s *BackupSchedule) RecordRun(success bool, now time.Time) {
	s.TotalRuns++
	if success {
		s.SuccessfulRuns++
		t := now
		s.LastRun = &t
	} else {
		s.FailedRuns++
	}
	if next, err := s.NextRunAfter(now); err == nil {
		s.NextRun = next
	}
	s.UpdatedAt = now
}

// Activate re-enables the schedule and recomputes nextRun.
func (s *BackupSchedule) Activate(now time.Time) error {
	next, err := s.NextRunAfter(now)
	if err != nil {
		return err
	}
	s.IsActive = true
	s.NextRun = next
	s.UpdatedAt = now
	return nil
}

// Deactivate disables the schedule, freezing nextRun until reactivation.
func (s *BackupSchedule) Deactivate(now time.Time) {
	s.IsActive = false
	s.UpdatedAt = now
}

// IsDue returns true if the schedule is active and its nextRun has arrived.
func (s *BackupSchedule) IsDue(now time.Time) bool {
	return s.IsActive && !s.NextRun.After(now)
}
