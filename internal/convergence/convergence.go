// Package convergence implements the cut-over eligibility oracle (spec
// C9), grounded on block-migration.c's is_stage2_completed /
// qemu_file_get_rate_limit-style bandwidth accounting.
package convergence

import "time"

// Eligible reports whether it is safe to cut over: the cross-device bulk
// phase must be complete, and either there is no residual dirty data, or
// the projected time to drain it fits within maxDowntime at the observed
// bandwidth. bandwidthOK must be false until at least one read has
// completed (spec.md §4.6: "the estimator is undefined until at least one
// read has completed"); callers must only consult this after the bulk
// phase, so a false bandwidthOK with residualDirtyBytes > 0 is treated as
// not yet eligible rather than as an error.
func Eligible(bulkCompleted bool, residualDirtyBytes uint64, bandwidthBps float64, bandwidthOK bool, maxDowntime time.Duration) bool {
	if !bulkCompleted {
		return false
	}
	if residualDirtyBytes == 0 {
		return true
	}
	if !bandwidthOK || bandwidthBps <= 0 {
		return false
	}
	projected := time.Duration(float64(residualDirtyBytes) / bandwidthBps * float64(time.Second))
	return projected <= maxDowntime
}
