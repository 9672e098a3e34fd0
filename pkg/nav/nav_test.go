package nav

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiagQueue(t *testing.T) {
	var q DiagQueue
	assert.Equal(t, "a 1", q.Addf("a %d", 1))
	assert.Equal(t, []string{"a 1"}, q.Drain())
	assert.Empty(t, q.Drain())

	for i := 0; i < MaxDiagnostics+5; i++ {
		q.Addf("%d", i)
	}
	got := q.Drain()
	assert.Len(t, got, MaxDiagnostics)
	assert.Equal(t, "5", got[0])
	assert.Equal(t, fmt.Sprint(MaxDiagnostics+4), got[len(got)-1])
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "ONLINE", Online.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}
