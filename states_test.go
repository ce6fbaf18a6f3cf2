package fleetq

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatus_StringAndParse(t *testing.T) {
	for _, s := range AllStatuses {
		got, err := ParseStatus(s.String())
		if err != nil {
			t.Fatalf("parse valid status %q failed: %v", s, err)
		}
		if got != s {
			t.Fatalf("parse %q: got %q", s, got)
		}
	}
	got, err := ParseStatus("  RUNNING ")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got)

	if _, err := ParseStatus("weird"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := map[Status]bool{StatusSuccess: true, StatusFailed: true, StatusTimeout: true, StatusCancelled: true}
	for _, s := range AllStatuses {
		require.Equal(t, terminal[s], s.Terminal(), s)
	}
}

func TestCanTransition(t *testing.T) {
	require.True(t, canTransition(StatusQueued, StatusAssigned))
	require.True(t, canTransition(StatusAssigned, StatusSuccess))
	require.True(t, canTransition(StatusRunning, StatusTimeout))
	require.False(t, canTransition(StatusQueued, StatusRunning))
	require.False(t, canTransition(StatusPending, StatusSuccess))
	for _, from := range []Status{StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled} {
		for _, to := range AllStatuses {
			require.False(t, canTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestPriority_ParseAndString(t *testing.T) {
	for _, p := range AllPriorities {
		got, err := ParsePriority(p.String())
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	got, err := ParsePriority("4")
	require.NoError(t, err)
	require.Equal(t, PriorityUrgent, got)

	_, err = ParsePriority("critical")
	require.ErrorIs(t, err, ErrUnknownPriority)
	require.False(t, Priority(0).Valid())
	require.Equal(t, "priority(9)", Priority(9).String())
}

func TestPriority_JSON(t *testing.T) {
	raw, err := json.Marshal(PriorityHigh)
	require.NoError(t, err)
	require.JSONEq(t, `"high"`, string(raw))

	var v struct {
		P Priority `json:"p"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"p":"URGENT"}`), &v))
	require.Equal(t, PriorityUrgent, v.P)
	require.NoError(t, json.Unmarshal([]byte(`{"p":1}`), &v))
	require.Equal(t, PriorityLow, v.P)
	require.Error(t, json.Unmarshal([]byte(`{"p":7}`), &v))

	_, err = json.Marshal(Priority(0))
	require.Error(t, err)
}
