package fleetq

import (
	"fmt"
	"strconv"
	"strings"
)

// Status is the lifecycle state of a task.
// Use the exported constants (StatusQueued, StatusRunning, etc.) instead of
// raw strings to avoid typos.
type Status string

const (
	// StatusPending is a task that exists but is not yet eligible for placement.
	StatusPending Status = "pending"
	// StatusQueued is a task waiting in the priority queue or a device's pinned queue.
	StatusQueued Status = "queued"
	// StatusAssigned is a task placed on a device but not yet started.
	StatusAssigned Status = "assigned"
	// StatusRunning is a task the device reported as started.
	StatusRunning Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every task status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusQueued, StatusAssigned, StatusRunning,
	StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled,
}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// Terminal reports whether no further transition is possible (retry aside).
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	v := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range AllStatuses {
		if st == v {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// transitions lists the statuses reachable through Queue.UpdateTaskStatus.
// The FAILED -> PENDING cycle is owned by Queue.RetryFailedTask.
var transitions = map[Status][]Status{
	StatusPending:  {StatusQueued, StatusCancelled},
	StatusQueued:   {StatusAssigned, StatusCancelled},
	StatusAssigned: {StatusRunning, StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled},
	StatusRunning:  {StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Priority orders tasks in the queue; higher values are placed first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// AllPriorities lists the priorities from lowest to highest.
var AllPriorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "priority(" + strconv.Itoa(int(p)) + ")"
}

// Valid reports whether p is one of the four defined priorities.
func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

// ParsePriority accepts a priority name (case-insensitive) or its numeric value.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return PriorityLow, nil
	case "normal", "2":
		return PriorityNormal, nil
	case "high", "3":
		return PriorityHigh, nil
	case "urgent", "4":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
}

// MarshalJSON encodes the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPriority, int(p))
	}
	return []byte(strconv.Quote(p.String())), nil
}

// UnmarshalJSON accepts either a name ("high") or a number (3).
func (p *Priority) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		return nil
	}
	if uq, err := strconv.Unquote(s); err == nil {
		s = uq
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}
