package log

import (
	"flag"
	"os"
	"testing"
)

// MainTest is meant to be called from a package's TestMain. Debug output
// is turned off unless `go test -v` is given, in which case it is raised
// to the given level (default 2).
func MainTest(m *testing.M, level ...int) {
	flag.Parse()
	lvl := 2
	if len(level) > 0 {
		lvl = level[0]
	}
	if testing.Verbose() {
		SetDebugVisible(lvl)
	} else {
		SetDebugVisible(0)
	}
	os.Exit(m.Run())
}
