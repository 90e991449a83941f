package convergence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEligibleRequiresBulkComplete(t *testing.T) {
	assert.False(t, Eligible(false, 0, 1e9, true, time.Second))
}

func TestEligibleZeroResidualAlwaysEligible(t *testing.T) {
	assert.True(t, Eligible(true, 0, 0, false, time.Millisecond))
}

func TestEligibleUndefinedBandwidth(t *testing.T) {
	assert.False(t, Eligible(true, 1024, 0, false, time.Second))
}

func TestEligibleProjectedTimeWithinBudget(t *testing.T) {
	// 10MB residual at 100MB/s projects to 100ms, within a 300ms budget.
	assert.True(t, Eligible(true, 10<<20, 100<<20, true, 300*time.Millisecond))
}

func TestEligibleProjectedTimeExceedsBudget(t *testing.T) {
	// 10MB residual at 1MB/s projects to 10s, well past a 300ms budget.
	assert.False(t, Eligible(true, 10<<20, 1<<20, true, 300*time.Millisecond))
}
