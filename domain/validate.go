package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxBoardTitle       = 100
	MaxBoardDescription = 500
	MaxColumnTitle      = 100
	MaxTaskTitle        = 200
	MaxTaskDescription  = 2000
	MaxLabelName        = 50
)

func cleanTitle(field, v string, max int) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", invalid("%s is required", field)
	}
	if utf8.RuneCountInString(v) > max {
		return "", invalid("%s must be at most %d characters", field, max)
	}
	return v, nil
}

func cleanText(field, v string, max int) (string, error) {
	v = strings.TrimSpace(v)
	if utf8.RuneCountInString(v) > max {
		return "", invalid("%s must be at most %d characters", field, max)
	}
	return v, nil
}

func checkBoardLabels(labels []Label) error {
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if l.ID == "" {
			return invalid("label id is required")
		}
		if _, dup := seen[l.ID]; dup {
			return invalid("duplicate label id %s", l.ID)
		}
		seen[l.ID] = struct{}{}
		if _, err := cleanTitle("label name", l.Name, MaxLabelName); err != nil {
			return err
		}
		if l.Color == "" {
			return invalid("label %s needs a color", l.ID)
		}
	}
	return nil
}

func checkTaskLabels(b Board, labels []string) error {
	seen := make(map[string]struct{}, len(labels))
	for _, id := range labels {
		if _, dup := seen[id]; dup {
			return invalid("duplicate label %s", id)
		}
		seen[id] = struct{}{}
		if !b.HasLabel(id) {
			return invalid("label %s is not defined on the board", id)
		}
	}
	return nil
}

func checkDates(start, due *time.Time) error {
	if start != nil && due != nil && start.After(*due) {
		return invalid("start date must not be after due date")
	}
	return nil
}

func checkAssignee(b Board, userID string) error {
	if userID != "" && !b.Participant(userID) {
		return invalid("assignee %s is not a member of the board", userID)
	}
	return nil
}
