package checks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckNil(t *testing.T) {
	assert.NotPanics(t, func() {
		Check(nil)
		CheckWithMessage(nil, "unused")
	})
}

// stackFor stands in for Check so the frame layout matches a real call.
func stackFor() string {
	return callerStack()
}

func TestCallerStack(t *testing.T) {
	stack := stackFor()
	assert.False(t, strings.HasPrefix(stack, "goroutine "), stack)
	assert.NotContains(t, stack, "runtime/debug.Stack")
	assert.NotContains(t, stack, "checks.callerStack")
	assert.NotContains(t, stack, "checks.stackFor")

	lines := strings.Split(stack, "\n")
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "checks.TestCallerStack", stack)
}
