package pidts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextIsMonotonicallyIncreasing(t *testing.T) {
	seen := make(map[string]bool)
	var prev string
	for i := 0; i < 2000; i++ {
		id := Next()
		assert.False(t, seen[id], "id %s repeated", id)
		seen[id] = true
		assert.True(t, prev == "" || id > prev, "expected %s > %s", id, prev)
		prev = id
	}
}
