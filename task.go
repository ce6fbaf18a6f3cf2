package fleetq

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeoutSeconds bounds a handler run when Requirements does not say otherwise.
const DefaultTimeoutSeconds = 300

// DefaultMaxRetries is the retry budget of a task built without MaxRetries.
const DefaultMaxRetries = 3

// Task represents a unit of work placed on a device.
// The queue owns the canonical copy; every accessor hands out clones.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"task_id"`
	// Type selects the handler on the device, e.g. "echo".
	Type string `json:"task_type"`
	// Payload is the raw JSON handed to the handler.
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     Priority        `json:"priority"`
	Requirements Requirements    `json:"requirements"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	// TargetDeviceID pins the task to one device, bypassing general matching.
	TargetDeviceID string `json:"target_device_id,omitempty"`

	Status           Status      `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	AssignedAt       time.Time   `json:"assigned_at,omitzero"`
	StartedAt        time.Time   `json:"started_at,omitzero"`
	CompletedAt      time.Time   `json:"completed_at,omitzero"`
	AssignedDeviceID string      `json:"assigned_device_id,omitempty"`
	RetryCount       int         `json:"retry_count"`
	ErrorHistory     []string    `json:"error_history,omitempty"`
	Result           *TaskResult `json:"result,omitempty"`

	// arrival breaks priority ties in submission order.
	arrival uint64
}

// Clone returns a deep copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = slices.Clone(t.Payload)
	c.Requirements = t.Requirements.clone()
	c.Metadata = maps.Clone(t.Metadata)
	c.ErrorHistory = slices.Clone(t.ErrorHistory)
	c.Result = t.Result.Clone()
	return &c
}

// NewTask builds a PENDING task of the given type. payload is encoded with the
// default JSON encoder unless it already is a json.RawMessage or []byte.
func NewTask(taskType string, payload any, opts ...Option) (*Task, error) {
	var raw json.RawMessage
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = slices.Clone(v)
	case []byte:
		raw = slices.Clone(v)
	default:
		var enc Encoder = &JSONEncoder{}
		b, err := enc.Encode(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	cfg := &options{
		priority:     PriorityNormal,
		requirements: DefaultRequirements(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}
	t := &Task{
		ID:             id,
		Type:           taskType,
		Payload:        raw,
		Priority:       cfg.priority,
		Requirements:   cfg.requirements,
		Metadata:       cfg.metadata,
		TargetDeviceID: cfg.target,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Requirements are AND-combined placement constraints. Zero-valued fields
// impose nothing.
type Requirements struct {
	MinCPUCores      int      `json:"min_cpu_cores,omitempty" yaml:"min_cpu_cores"`
	MinMemoryGB      float64  `json:"min_memory_gb,omitempty" yaml:"min_memory_gb"`
	MinStorageGB     float64  `json:"min_storage_gb,omitempty" yaml:"min_storage_gb"`
	RequiredPlatform string   `json:"required_platform,omitempty" yaml:"required_platform"`
	RequiredRole     string   `json:"required_role,omitempty" yaml:"required_role"`
	RequiredTags     []string `json:"required_tags,omitempty" yaml:"required_tags"`
	GPURequired      bool     `json:"gpu_required,omitempty" yaml:"gpu_required"`
	// InternetRequired is recorded but never checked.
	InternetRequired bool `json:"internet_required,omitempty" yaml:"internet_required"`
	TimeoutSeconds   int  `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries       int  `json:"max_retries" yaml:"max_retries"`
}

// DefaultRequirements returns an unconstrained requirement set with the
// default timeout and retry budget.
func DefaultRequirements() Requirements {
	return Requirements{TimeoutSeconds: DefaultTimeoutSeconds, MaxRetries: DefaultMaxRetries}
}

// Timeout is the wall-clock budget for one execution attempt.
func (r Requirements) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

func (r Requirements) clone() Requirements {
	r.RequiredTags = slices.Clone(r.RequiredTags)
	return r
}

// Capabilities are the facts a device declares at registration.
type Capabilities struct {
	CPUCount       int      `json:"cpu_count" yaml:"cpu_count"`
	MemoryTotalGB  float64  `json:"memory_total_gb" yaml:"memory_total_gb"`
	StorageTotalGB float64  `json:"storage_total_gb" yaml:"storage_total_gb"`
	Tags           []string `json:"tags,omitempty" yaml:"tags"`
	HasGPU         bool     `json:"has_gpu" yaml:"has_gpu"`
	// Platform and Role mirror the device record so matching needs only this struct.
	Platform string `json:"platform,omitempty" yaml:"platform"`
	Role     string `json:"role,omitempty" yaml:"role"`
	// Features holds named capability lists, e.g. "task_types": ["echo", "sleep"].
	Features map[string][]string `json:"features,omitempty" yaml:"features"`
}

// Clone returns a deep copy of c.
func (c Capabilities) Clone() Capabilities {
	c.Tags = slices.Clone(c.Tags)
	if c.Features != nil {
		f := make(map[string][]string, len(c.Features))
		for k, v := range c.Features {
			f[k] = slices.Clone(v)
		}
		c.Features = f
	}
	return c
}

// TaskResult is the outcome of one execution attempt.
type TaskResult struct {
	TaskID         string          `json:"task_id"`
	Status         Status          `json:"status"`
	ResultData     json.RawMessage `json:"result_data,omitempty"`
	Error          string          `json:"error,omitempty"`
	Traceback      string          `json:"traceback,omitempty"`
	ExecutionTime  float64         `json:"execution_time"`
	WorkerDeviceID string          `json:"worker_device_id,omitempty"`
	StartedAt      time.Time       `json:"started_at,omitzero"`
	CompletedAt    time.Time       `json:"completed_at,omitzero"`
	Logs           []string        `json:"logs,omitempty"`
}

// Clone returns a deep copy of r.
func (r *TaskResult) Clone() *TaskResult {
	if r == nil {
		return nil
	}
	c := *r
	c.ResultData = slices.Clone(r.ResultData)
	c.Logs = slices.Clone(r.Logs)
	return &c
}
