package log

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	lines []string
}

func (c *captureSink) Emit(level int, line string) {
	c.lines = append(c.lines, line)
}

func TestVisibility(t *testing.T) {
	old := DebugVisible()
	defer SetDebugVisible(old)
	SetDebugVisible(2)

	capture := &captureSink{}
	key := AddSink(capture)
	defer RemoveSink(key)

	Lvl1("shallow")
	Lvl2("deep enough")
	Lvl3("too deep")
	require.Len(t, capture.lines, 2)
	assert.Contains(t, capture.lines[0], "shallow")
	assert.True(t, strings.HasPrefix(capture.lines[0], "1:"))
	assert.Contains(t, capture.lines[1], "deep enough")

	// warnings pass regardless of the visibility
	SetDebugVisible(0)
	Warn("watch out")
	require.Len(t, capture.lines, 3)
	assert.True(t, strings.HasPrefix(capture.lines[2], "W:"))
	assert.Contains(t, capture.lines[2], "log_test.go")
}

func TestSetDebugVisible(t *testing.T) {
	old := DebugVisible()
	defer SetDebugVisible(old)
	SetDebugVisible(3)
	assert.Equal(t, 3, DebugVisible())
}

func TestRemoveSink(t *testing.T) {
	capture := &captureSink{}
	key := AddSink(capture)
	RemoveSink(key)
	Warn("nobody captures this")
	assert.Len(t, capture.lines, 0)

	// the console sink stays
	RemoveSink(0)
	mu.RLock()
	_, ok := sinks[0]
	mu.RUnlock()
	assert.True(t, ok)
}
