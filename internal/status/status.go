// Package status holds the rules that derive a task's status from the
// statuses of its businesses. Everything here is pure; persistence lives in
// the reconcile package.
package status

import (
	"time"

	"listing-curator/internal/models"
)

// Counts is the multiset of a task's (non soft-deleted) business statuses.
type Counts struct {
	Discarded    int `json:"discarded"`
	Pending      int `json:"pending"`
	Reviewed     int `json:"reviewed"`
	InProduction int `json:"in_production"`
}

// Add records one business with status s. Unknown statuses are ignored.
func (c *Counts) Add(s models.BusinessStatus, n int) {
	switch s {
	case models.BusinessDiscarded:
		c.Discarded += n
	case models.BusinessPending:
		c.Pending += n
	case models.BusinessReviewed:
		c.Reviewed += n
	case models.BusinessInProduction:
		c.InProduction += n
	}
}

// Total counts every business, discarded ones included.
func (c Counts) Total() int {
	return c.Discarded + c.Active()
}

// Active counts businesses that are not discarded.
func (c Counts) Active() int {
	return c.Pending + c.Reviewed + c.InProduction
}

// AllInProduction is the TASK_DONE condition: at least one active business
// and every active business is IN_PRODUCTION.
func AllInProduction(c Counts) bool {
	active := c.Active()
	return active > 0 && c.Pending == 0 && c.Reviewed == 0 && c.InProduction == active
}

// Derive computes the task status for the given counts. Rules are evaluated
// in order and the first match wins.
func Derive(c Counts) models.TaskStatus {
	if c.Total() == 0 {
		return models.TaskFailed
	}
	active := c.Active()
	if active == 0 {
		return models.TaskFailed
	}

	switch {
	case c.InProduction > 0:
		if AllInProduction(c) {
			return models.TaskTaskDone
		}
		return models.TaskInProgress
	case c.Pending == active:
		return models.TaskCompleted
	case c.Pending > 0:
		return models.TaskInProgress
	case c.Reviewed > 0:
		return models.TaskDone
	default:
		return models.TaskInProgress
	}
}

// ComputedStatus is the read-only projection used by reporting: TASK_DONE when
// the businesses satisfy AllInProduction, otherwise the stored status.
func ComputedStatus(stored models.TaskStatus, c Counts) models.TaskStatus {
	if AllInProduction(c) {
		return models.TaskTaskDone
	}
	return stored
}

// IsTaskDone is the boolean form of ComputedStatus. It is false when there are
// no active businesses, which is not the same as the task having failed.
func IsTaskDone(c Counts) bool {
	return AllInProduction(c)
}

// IsSettled reports whether s is a terminal status that carries completed_at.
func IsSettled(s models.TaskStatus) bool {
	switch s {
	case models.TaskDone, models.TaskTaskDone, models.TaskCompleted, models.TaskFailed:
		return true
	}
	return false
}

// IsDone reports whether reaching s should notify curators.
func IsDone(s models.TaskStatus) bool {
	return s == models.TaskDone || s == models.TaskTaskDone
}

// CompletedAtAction says what a transition does to completed_at.
type CompletedAtAction int

const (
	CompletedAtKeep CompletedAtAction = iota
	CompletedAtSet
	CompletedAtClear
)

// CompletedAtFor returns the completed_at action for a move from -> to.
// Entering a settled status stamps it. Leaving TASK_DONE, COMPLETED or FAILED
// for IN_PROGRESS clears it. Anything else leaves it alone.
func CompletedAtFor(from, to models.TaskStatus) CompletedAtAction {
	if IsSettled(to) {
		return CompletedAtSet
	}
	switch from {
	case models.TaskTaskDone, models.TaskCompleted, models.TaskFailed:
		if to == models.TaskInProgress || to == models.TaskDone {
			return CompletedAtClear
		}
	}
	return CompletedAtKeep
}

// Apply returns the completed_at value after action is applied at now.
func (a CompletedAtAction) Apply(current *time.Time, now time.Time) *time.Time {
	switch a {
	case CompletedAtSet:
		t := now
		return &t
	case CompletedAtClear:
		return nil
	default:
		return current
	}
}
