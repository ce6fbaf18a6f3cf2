package fleetq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequirements_Matches(t *testing.T) {
	laptop := Capabilities{CPUCount: 8, MemoryTotalGB: 16, StorageTotalGB: 256, Tags: []string{"gpu", "lab"}, HasGPU: true, Platform: "linux", Role: "worker"}
	phone := Capabilities{CPUCount: 4, MemoryTotalGB: 4, StorageTotalGB: 64, Platform: "android", Role: "worker"}

	cases := []struct {
		name string
		req  Requirements
		caps Capabilities
		want bool
	}{
		{"empty matches anything", Requirements{}, phone, true},
		{"cpu", Requirements{MinCPUCores: 8}, phone, false},
		{"memory", Requirements{MinMemoryGB: 8}, laptop, true},
		{"memory too large", Requirements{MinMemoryGB: 64}, laptop, false},
		{"storage", Requirements{MinStorageGB: 100}, phone, false},
		{"platform", Requirements{RequiredPlatform: "android"}, laptop, false},
		{"platform case-insensitive", Requirements{RequiredPlatform: "Android"}, phone, true},
		{"role", Requirements{RequiredRole: "coordinator"}, laptop, false},
		{"gpu", Requirements{GPURequired: true}, phone, false},
		{"gpu present", Requirements{GPURequired: true}, laptop, true},
		{"tags subset", Requirements{RequiredTags: []string{"lab"}}, laptop, true},
		{"tags missing", Requirements{RequiredTags: []string{"lab", "edge"}}, laptop, false},
		{"internet ignored", Requirements{InternetRequired: true}, phone, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.req.Matches(tc.caps))
		})
	}
}
