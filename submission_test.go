package fleetq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeSubmission(t *testing.T) {
	task, err := DecodeSubmission([]byte(`{
		"task_id": "s-1",
		"task_type": "echo",
		"payload": {"message": "hi"},
		"priority": "urgent",
		"requirements": {"min_memory_gb": 2, "required_tags": ["lab"]},
		"metadata": {"owner": "ops"},
		"target_device_id": "dev-1"
	}`))
	require.NoError(t, err)
	require.Equal(t, "s-1", task.ID)
	require.Equal(t, PriorityUrgent, task.Priority)
	require.Equal(t, 2.0, task.Requirements.MinMemoryGB)
	require.Equal(t, []string{"lab"}, task.Requirements.RequiredTags)
	require.Equal(t, DefaultTimeoutSeconds, task.Requirements.TimeoutSeconds, "omitted fields keep defaults")
	require.Equal(t, DefaultMaxRetries, task.Requirements.MaxRetries)
	require.Equal(t, "ops", task.Metadata["owner"])
	require.Equal(t, "dev-1", task.TargetDeviceID)
	require.Equal(t, StatusPending, task.Status)
	require.JSONEq(t, `{"message":"hi"}`, string(task.Payload))
}

func TestDecodeSubmission_Defaults(t *testing.T) {
	task, err := DecodeSubmission([]byte(`{"task_type":"echo","requirements":null}`))
	require.NoError(t, err)
	require.NotEmpty(t, task.ID)
	require.Equal(t, PriorityNormal, task.Priority)
	require.Equal(t, DefaultRequirements(), task.Requirements)
}

func TestDecodeSubmission_Rejects(t *testing.T) {
	for name, doc := range map[string]string{
		"not json":         `{`,
		"missing type":     `{"task_id":"x"}`,
		"bad priority":     `{"task_type":"echo","priority":"critical"}`,
		"bad requirements": `{"task_type":"echo","requirements":"fast"}`,
		"zero timeout":     `{"task_type":"echo","requirements":{"timeout_seconds":0}}`,
		"negative memory":  `{"task_type":"echo","requirements":{"min_memory_gb":-1}}`,
		"negative retries": `{"task_type":"echo","requirements":{"max_retries":-2}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSubmission([]byte(doc))
			require.ErrorIs(t, err, ErrInvalidTask)
		})
	}
}
