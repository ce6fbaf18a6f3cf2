package fleetq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTask_Defaults(t *testing.T) {
	task, err := NewTask("echo", map[string]string{"msg": "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	require.Equal(t, "echo", task.Type)
	require.Equal(t, PriorityNormal, task.Priority)
	require.Equal(t, StatusPending, task.Status)
	require.Equal(t, DefaultTimeoutSeconds, task.Requirements.TimeoutSeconds)
	require.Equal(t, DefaultMaxRetries, task.Requirements.MaxRetries)
	require.JSONEq(t, `{"msg":"hi"}`, string(task.Payload))
	require.False(t, task.CreatedAt.IsZero())
}

func TestNewTask_Options(t *testing.T) {
	task, err := NewTask("sleep", json.RawMessage(`{"duration":1}`),
		TaskID("custom-id"),
		WithPriority(PriorityUrgent),
		WithRequirements(Requirements{MinMemoryGB: 4, RequiredTags: []string{"gpu"}, MaxRetries: -1}),
		Timeout(1500*time.Millisecond),
		MaxRetries(5),
		WithMetadata("owner", "lab"),
		PinTo("phone-1"),
	)
	require.NoError(t, err)
	require.Equal(t, "custom-id", task.ID)
	require.Equal(t, PriorityUrgent, task.Priority)
	require.Equal(t, 4.0, task.Requirements.MinMemoryGB)
	require.Equal(t, []string{"gpu"}, task.Requirements.RequiredTags)
	require.Equal(t, 2, task.Requirements.TimeoutSeconds, "timeout rounds up to whole seconds")
	require.Equal(t, 5, task.Requirements.MaxRetries)
	require.Equal(t, "lab", task.Metadata["owner"])
	require.Equal(t, "phone-1", task.TargetDeviceID)
}

func TestNewTask_TimeoutFloorAndRequirementDefaults(t *testing.T) {
	task, err := NewTask("echo", nil, Timeout(10*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 1, task.Requirements.TimeoutSeconds)
	require.Empty(t, task.Payload)

	task, err = NewTask("echo", nil, WithRequirements(Requirements{}))
	require.NoError(t, err)
	require.Equal(t, DefaultTimeoutSeconds, task.Requirements.TimeoutSeconds)
	require.Equal(t, DefaultMaxRetries, task.Requirements.MaxRetries)

	task, err = NewTask("echo", nil, WithRequirements(Requirements{MinCPUCores: 1}))
	require.NoError(t, err)
	require.Equal(t, 1, task.Requirements.MinCPUCores)
	require.Equal(t, DefaultMaxRetries, task.Requirements.MaxRetries, "unset budget is not silently zero")

	task, err = NewTask("echo", nil, WithRequirements(Requirements{MinCPUCores: 1}), MaxRetries(0))
	require.NoError(t, err)
	require.Equal(t, 0, task.Requirements.MaxRetries)
}

func TestNewTask_Invalid(t *testing.T) {
	_, err := NewTask("", nil)
	require.ErrorIs(t, err, ErrInvalidTask)

	_, err = NewTask("echo", nil, WithPriority(Priority(9)))
	require.ErrorIs(t, err, ErrInvalidTask)

	_, err = NewTask("echo", []byte("{not json"))
	require.ErrorIs(t, err, ErrInvalidTask)

	_, err = NewTask("echo", nil, MaxRetries(-1))
	require.ErrorIs(t, err, ErrInvalidTask)

	_, err = NewTask("echo", func() {})
	require.Error(t, err)
}

func TestTask_CloneIsDeep(t *testing.T) {
	task, err := NewTask("echo", []byte(`{"a":1}`),
		WithRequirements(Requirements{RequiredTags: []string{"x"}}),
		WithMetadata("k", "v"))
	require.NoError(t, err)
	task.ErrorHistory = []string{"boom"}
	task.Result = &TaskResult{Logs: []string{"l1"}}

	c := task.Clone()
	c.Payload[0] = '['
	c.Requirements.RequiredTags[0] = "y"
	c.Metadata["k"] = "changed"
	c.ErrorHistory[0] = "other"
	c.Result.Logs[0] = "l2"

	require.Equal(t, byte('{'), task.Payload[0])
	require.Equal(t, "x", task.Requirements.RequiredTags[0])
	require.Equal(t, "v", task.Metadata["k"])
	require.Equal(t, "boom", task.ErrorHistory[0])
	require.Equal(t, "l1", task.Result.Logs[0])

	var nilTask *Task
	require.Nil(t, nilTask.Clone())
}
