// Copyright (c) 2025, the Huntarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/plexguide/huntarr/internal/models"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

var dayNumbers = map[string]int{
	"sun": 0, "sunday": 0,
	"mon": 1, "monday": 1,
	"tue": 2, "tuesday": 2,
	"wed": 3, "wednesday": 3,
	"thu": 4, "thursday": 4,
	"fri": 5, "friday": 5,
	"sat": 6, "saturday": 6,
}

// cronSpec turns the rule trigger into a 5-field cron expression. Time+Days
// becomes "M H * * dow"; an empty Days list means every day.
func cronSpec(rule *models.ScheduleRule) (string, error) {
	hasCron := strings.TrimSpace(rule.Cron) != ""
	hasTime := strings.TrimSpace(rule.Time) != ""

	switch {
	case hasCron && hasTime:
		return "", fmt.Errorf("%w: set either time or cron, not both", ErrInvalidRule)
	case hasCron:
		return strings.TrimSpace(rule.Cron), nil
	case !hasTime:
		return "", fmt.Errorf("%w: time or cron is required", ErrInvalidRule)
	}

	hour, minute, err := parseClock(rule.Time)
	if err != nil {
		return "", err
	}

	dow := "*"
	if len(rule.Days) > 0 {
		seen := make(map[int]struct{}, len(rule.Days))
		var parts []string
		for _, day := range rule.Days {
			key := strings.ToLower(strings.TrimSpace(day))
			if key == "daily" || key == "everyday" {
				parts = nil
				break
			}
			n, ok := dayNumbers[key]
			if !ok {
				return "", fmt.Errorf("%w: unknown day %q", ErrInvalidRule, day)
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			parts = append(parts, strconv.Itoa(n))
		}
		if len(parts) > 0 {
			dow = strings.Join(parts, ",")
		}
	}

	return fmt.Sprintf("%d %d * * %s", minute, hour, dow), nil
}

func parseClock(raw string) (int, int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidRule, raw)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: invalid hour in %q", ErrInvalidRule, raw)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: invalid minute in %q", ErrInvalidRule, raw)
	}
	return hour, minute, nil
}

func parseSchedule(rule *models.ScheduleRule) (cron.Schedule, error) {
	spec, err := cronSpec(rule)
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return sched, nil
}
