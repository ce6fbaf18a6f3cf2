package fleetq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Submission is the wire shape of a task submission.
type Submission struct {
	TaskID         string          `json:"task_id,omitempty"`
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	Requirements   json.RawMessage `json:"requirements,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	TargetDeviceID string          `json:"target_device_id,omitempty"`
}

// DecodeSubmission shape-validates a JSON submission and builds the task.
// Requirement fields left out of the document keep their defaults.
func DecodeSubmission(data []byte) (*Task, error) {
	var enc Encoder = &JSONEncoder{}
	var s Submission
	if err := enc.Decode(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return s.Task()
}

// Task validates the submission and converts it into a PENDING task.
func (s Submission) Task() (*Task, error) {
	var enc Encoder = &JSONEncoder{}
	p := PriorityNormal
	if s.Priority != "" {
		v, err := ParsePriority(s.Priority)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
		p = v
	}
	req := DefaultRequirements()
	if len(s.Requirements) > 0 && string(s.Requirements) != "null" {
		if err := enc.Decode(s.Requirements, &req); err != nil {
			return nil, fmt.Errorf("%w: requirements: %v", ErrInvalidTask, err)
		}
	}
	id := s.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	t := &Task{
		ID:             id,
		Type:           s.TaskType,
		Payload:        s.Payload,
		Priority:       p,
		Requirements:   req,
		Metadata:       s.Metadata,
		TargetDeviceID: s.TargetDeviceID,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Task) validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: empty task id", ErrInvalidTask)
	case strings.TrimSpace(t.Type) == "":
		return fmt.Errorf("%w: empty task type", ErrInvalidTask)
	case !t.Priority.Valid():
		return fmt.Errorf("%w: %v", ErrInvalidTask, fmt.Errorf("%w: %d", ErrUnknownPriority, int(t.Priority)))
	case len(t.Payload) > 0 && !json.Valid(t.Payload):
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidTask)
	}
	r := t.Requirements
	switch {
	case r.MinCPUCores < 0, r.MinMemoryGB < 0, r.MinStorageGB < 0:
		return fmt.Errorf("%w: negative resource requirement", ErrInvalidTask)
	case r.TimeoutSeconds <= 0:
		return fmt.Errorf("%w: timeout_seconds must be positive", ErrInvalidTask)
	case r.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidTask)
	}
	return nil
}
