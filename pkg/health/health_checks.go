package health

import (
	"fmt"
	"runtime"
	"time"
)

// Check names registered by replica processes.
const (
	CheckReplicaFault = "replica_fault"
	CheckGroupCommit  = "group_commit"
	CheckLogUsage     = "log_usage"
	CheckMemory       = "memory"
)

// SimpleCheck returns a check that always reports healthy.
func SimpleCheck(name string) Check {
	return Check{
		Name:      name,
		Status:    StatusHealthy,
		CheckedAt: time.Now(),
	}
}

// ReplicaFaultCheck reports unhealthy once the replica has faulted.
// getFaults returns the fault count and the most recent cause.
func ReplicaFaultCheck(getFaults func() (int, error)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    CheckReplicaFault,
			Details: make(map[string]any),
		}

		faults, last := getFaults()
		check.Details["faults"] = faults

		if faults == 0 {
			check.Status = StatusHealthy
			check.Message = "No faults reported"
			return check
		}
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("%d fault(s) reported", faults)
		if last != nil {
			check.Details["last_error"] = last.Error()
		}
		return check
	}
}

// GroupCommitCheck reports degraded while group commit is backing off
// after failed barriers.
func GroupCommitCheck(getStatus func() (backingOff bool, delay time.Duration)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    CheckGroupCommit,
			Details: make(map[string]any),
		}

		backingOff, delay := getStatus()
		check.Details["delay_ms"] = delay.Milliseconds()

		if backingOff {
			check.Status = StatusDegraded
			check.Message = "Barriers failing, backing off"
		} else {
			check.Status = StatusHealthy
			check.Message = "Committing"
		}
		return check
	}
}

// LogUsageCheck compares the bytes between log head and tail against the
// truncation and throttling thresholds.
func LogUsageCheck(getUsage func() uint64, truncationBytes, throttlingBytes uint64) CheckFunc {
	return func() Check {
		check := Check{
			Name:    CheckLogUsage,
			Details: make(map[string]any),
		}

		used := getUsage()
		check.Details["used_bytes"] = used
		check.Details["truncation_threshold_bytes"] = truncationBytes
		check.Details["throttling_threshold_bytes"] = throttlingBytes

		switch {
		case throttlingBytes > 0 && used >= throttlingBytes:
			check.Status = StatusUnhealthy
			check.Message = "Log usage above throttling threshold, writes blocked"
		case truncationBytes > 0 && used >= truncationBytes:
			check.Status = StatusDegraded
			check.Message = "Log usage above truncation threshold"
		default:
			check.Status = StatusHealthy
			check.Message = "Log usage normal"
		}
		return check
	}
}

// MemoryCheck reports degraded when the heap in use exceeds 90% of the
// memory obtained from the OS.
func MemoryCheck(getUsage func() (alloc, sys uint64)) CheckFunc {
	return func() Check {
		check := Check{
			Name:    CheckMemory,
			Details: make(map[string]any),
		}

		alloc, sys := getUsage()
		check.Details["alloc_bytes"] = alloc
		check.Details["sys_bytes"] = sys

		if sys > 0 && float64(alloc)/float64(sys)*100 > 90 {
			check.Status = StatusDegraded
			check.Message = "High memory usage"
		} else {
			check.Status = StatusHealthy
			check.Message = "Memory usage normal"
		}
		return check
	}
}

// RuntimeMemory reads heap usage from the Go runtime.
func RuntimeMemory() (alloc, sys uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc, m.Sys
}
