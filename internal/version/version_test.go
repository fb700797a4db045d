package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringUsesStampedCommit(t *testing.T) {
	old := GitCommit
	t.Cleanup(func() { GitCommit = old })
	GitCommit = "abc1234"

	s := String()
	assert.Contains(t, s, "sourcefit "+Version)
	assert.Contains(t, s, "commit abc1234")
}
