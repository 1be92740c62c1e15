package batch

import (
	"encoding/json"
	"strconv"
)

// Orchestrator-controlled keys inside a queue message's args.
const (
	argBatchID          = "batch_id"
	argJobPosition      = "job_position"
	argCompensation     = "compensation"
	argIsCallback       = "is_callback"
	argIsCompensation   = "is_compensation"
	argCompensationInfo = "_compensation"
	argStatus           = "status"
	argError            = "error"
)

// Keys written into the _compensation object of a compensation job.
const (
	compOriginalBatchID  = "original_batch_id"
	compOriginalJobClass = "original_job_class"
	compOriginalPosition = "original_position"
	compOriginalResult   = "original_result"
	compOrder            = "compensation_order"
)

// Context keys maintained on the original batch during compensation.
const (
	ctxCompensationBatchID     = "compensation_batch_id"
	ctxCompensationStatus      = "compensation_status"
	ctxCompensationStartedAt   = "compensation_started_at"
	ctxCompensationCompletedAt = "compensation_completed_at"
	ctxCompensationFailedAt    = "compensation_failed_at"
	ctxCompensationError       = "compensation_error"
)

// mergeArgs layers the given maps left to right; later maps win. A fresh
// map is always returned.
func mergeArgs(maps ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// stringArg reads a string value from a decoded args map.
func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// intArg reads an integer that may have travelled through JSON as a
// float64 or json.Number, or arrived natively from the memory queue.
func intArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// boolArg reads a boolean arg; absent means false.
func boolArg(args map[string]any, key string) bool {
	v, ok := args[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
