package chisq

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCritical_Table(t *testing.T) {
	assert.Equal(t, 3.841, Critical(1, Confidence95))
	assert.Equal(t, 7.815, Critical(3, Confidence95))
	assert.Equal(t, 9.210, Critical(2, Confidence99))
	assert.True(t, math.IsNaN(Critical(0, Confidence95)))
	assert.True(t, math.IsNaN(Critical(2, 1)))
	assert.True(t, math.IsNaN(Critical(2, 0)))
}

func TestQuantile_MatchesTable(t *testing.T) {
	for dof := 1; dof <= len(table95); dof++ {
		assert.InDelta(t, table95[dof-1], Quantile(dof, Confidence95), 1e-3, "dof %d", dof)
		assert.InDelta(t, table99[dof-1], Quantile(dof, Confidence99), 1e-3, "dof %d", dof)
	}
}

func TestCritical_BeyondTable(t *testing.T) {
	assert.InDelta(t, 55.758, Critical(40, Confidence95), 1e-3)
	assert.InDelta(t, 63.691, Critical(40, Confidence99), 1e-3)

	// levels without a table column go straight to the inverse CDF
	assert.InDelta(t, 4.605, Critical(2, 0.9), 1e-3)
	assert.InDelta(t, 2.706, Critical(1, 0.9), 1e-3)
}
