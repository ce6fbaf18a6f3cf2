package fleetq

import "strings"

// Matches reports whether a device with capabilities c satisfies every
// populated requirement. The scheduler and the executor share this predicate
// so a worker can reject misrouted work.
func (r Requirements) Matches(c Capabilities) bool {
	if r.MinCPUCores > 0 && c.CPUCount < r.MinCPUCores {
		return false
	}
	if r.MinMemoryGB > 0 && c.MemoryTotalGB < r.MinMemoryGB {
		return false
	}
	if r.MinStorageGB > 0 && c.StorageTotalGB < r.MinStorageGB {
		return false
	}
	if r.RequiredPlatform != "" && !strings.EqualFold(r.RequiredPlatform, c.Platform) {
		return false
	}
	if r.RequiredRole != "" && r.RequiredRole != c.Role {
		return false
	}
	if r.GPURequired && !c.HasGPU {
		return false
	}
	return hasAll(c.Tags, r.RequiredTags)
}

func hasAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}
