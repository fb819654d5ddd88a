// Package log is the leveled logger used across arbor. Debug lines carry
// a depth from 1 (terse) to 5 (very noisy) and are only shown up to the
// configured visibility; info, warnings and errors are always shown.
// Every line that passes the visibility check goes to all registered
// sinks. The default sink writes to the standard streams, colored when
// DEBUG_COLOR is set.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/daviddengcn/go-colortext"
)

// Levels at or below levelInfo bypass the visibility check. Positive
// levels are debug depths.
const (
	levelInfo  = 0
	levelWarn  = -1
	levelError = -2
	levelFatal = -3
	levelPanic = -4
)

// A Sink receives every emitted line, already formatted, together with
// its level.
type Sink interface {
	Emit(level int, line string)
}

var (
	mu         sync.RWMutex
	visibility = 1
	withTime   bool
	withColor  bool
	sinks      = map[int]Sink{0: consoleSink{}}
	nextSink   = 1
)

func init() {
	if v, err := strconv.Atoi(os.Getenv("DEBUG_LVL")); err == nil {
		visibility = v
	}
	if b, err := strconv.ParseBool(os.Getenv("DEBUG_TIME")); err == nil {
		withTime = b
	}
	if b, err := strconv.ParseBool(os.Getenv("DEBUG_COLOR")); err == nil {
		withColor = b
	}
}

// SetDebugVisible sets how deep the debug output goes, from 0 (none) to
// 5 (everything).
func SetDebugVisible(lvl int) {
	mu.Lock()
	visibility = lvl
	mu.Unlock()
}

// DebugVisible returns the current debug visibility.
func DebugVisible() int {
	mu.RLock()
	defer mu.RUnlock()
	return visibility
}

// AddSink registers an additional receiver for all emitted lines and
// returns the key under which it can be removed again.
func AddSink(s Sink) int {
	mu.Lock()
	defer mu.Unlock()
	key := nextSink
	nextSink++
	sinks[key] = s
	return key
}

// RemoveSink drops the sink registered under the given key. The default
// console sink (key 0) cannot be removed.
func RemoveSink(key int) {
	mu.Lock()
	defer mu.Unlock()
	if key != 0 {
		delete(sinks, key)
	}
}

// tag is the single-character class shown at the start of a line.
func tag(level int) string {
	switch level {
	case levelInfo:
		return "I"
	case levelWarn:
		return "W"
	case levelError:
		return "E"
	case levelFatal:
		return "F"
	case levelPanic:
		return "P"
	}
	return strconv.Itoa(level)
}

// output formats one line and hands it to the sinks. It expects to be
// called through exactly one exported function, so the user's call site
// is two frames up.
func output(level int, args ...interface{}) {
	if level > 0 && level > DebugVisible() {
		return
	}
	where := "?"
	if _, file, line, ok := runtime.Caller(2); ok {
		where = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	stamp := ""
	mu.RLock()
	if withTime {
		stamp = time.Now().Format("15:04:05.000 ")
	}
	line := tag(level) + ": " + stamp + where + " - " + fmt.Sprintln(args...)
	for _, s := range sinks {
		s.Emit(level, line)
	}
	mu.RUnlock()
}

// consoleSink is the always-present default sink: debug and info lines go
// to stdout, everything worse to stderr.
type consoleSink struct{}

func (consoleSink) Emit(level int, line string) {
	out := os.Stdout
	if level < levelInfo {
		out = os.Stderr
	}
	if withColor {
		ct.Foreground(consoleColor(level))
		fmt.Fprint(out, line)
		ct.ResetColor()
		return
	}
	fmt.Fprint(out, line)
}

func consoleColor(level int) (ct.Color, bool) {
	switch {
	case level > 0:
		return ct.Cyan, false
	case level == levelInfo:
		return ct.White, true
	case level == levelWarn:
		return ct.Yellow, false
	}
	return ct.Red, level <= levelFatal
}

// Lvl1 is for debug output that is always worth seeing
func Lvl1(args ...interface{}) { output(1, args...) }

// Lvl2 is for debug output of the protocol's larger steps
func Lvl2(args ...interface{}) { output(2, args...) }

// Lvl3 is for debug output of the per-packet work
func Lvl3(args ...interface{}) { output(3, args...) }

// Lvl4 is for debug output that floods the terminal
func Lvl4(args ...interface{}) { output(4, args...) }

// Lvl5 is for everything else
func Lvl5(args ...interface{}) { output(5, args...) }

// Info prints a line that is always shown
func Info(args ...interface{}) { output(levelInfo, args...) }

// Warn prints a warning
func Warn(args ...interface{}) { output(levelWarn, args...) }

// Warnf is Warn with a format string
func Warnf(f string, args ...interface{}) { output(levelWarn, fmt.Sprintf(f, args...)) }

// Error prints an error
func Error(args ...interface{}) { output(levelError, args...) }

// Errorf is Error with a format string
func Errorf(f string, args ...interface{}) { output(levelError, fmt.Sprintf(f, args...)) }

// Fatal prints the message and exits the process
func Fatal(args ...interface{}) {
	output(levelFatal, args...)
	os.Exit(1)
}

// Fatalf is Fatal with a format string
func Fatalf(f string, args ...interface{}) {
	output(levelFatal, fmt.Sprintf(f, args...))
	os.Exit(1)
}

// Panic prints the message and panics
func Panic(args ...interface{}) {
	output(levelPanic, args...)
	panic(fmt.Sprint(args...))
}

// ErrFatal quits with the error and the given context when err is not
// nil, and does nothing otherwise.
func ErrFatal(err error, args ...interface{}) {
	if err == nil {
		return
	}
	output(levelFatal, err.Error()+" "+fmt.Sprint(args...))
	os.Exit(1)
}
