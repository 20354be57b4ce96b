// Package dlog implements the leveled debug logger used throughout dissent,
// in the style of the cothority log package: numbered verbosity levels
// instead of named severities, toggled by DEBUG_LVL/DEBUG_TIME/DEBUG_COLOR.
package dlog

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

var (
	mu          sync.Mutex
	debugVisible = 1
	showTime     = false
	useColors    = true

	// Testing, when non-zero, redirects output into TestStr instead of
	// stderr, so package tests can assert on emitted log lines.
	Testing = 0
	// TestStr holds the last message logged while Testing != 0.
	TestStr string
)

func init() {
	ParseEnv()
}

// ParseEnv re-reads DEBUG_LVL, DEBUG_TIME and DEBUG_COLOR from the
// environment. Useful for tests that mutate the environment directly.
func ParseEnv() {
	mu.Lock()
	defer mu.Unlock()
	if lvl := os.Getenv("DEBUG_LVL"); lvl != "" {
		if n, err := strconv.Atoi(lvl); err == nil {
			debugVisible = n
		}
	}
	showTime = os.Getenv("DEBUG_TIME") == "true"
	useColors = os.Getenv("DEBUG_COLOR") != "false"
}

// SetDebugVisible sets the maximum level that will be printed.
func SetDebugVisible(lvl int) {
	mu.Lock()
	defer mu.Unlock()
	debugVisible = lvl
}

// DebugVisible returns the current maximum printed level.
func DebugVisible() int {
	mu.Lock()
	defer mu.Unlock()
	return debugVisible
}

// SetShowTime toggles timestamp prefixes.
func SetShowTime(b bool) {
	mu.Lock()
	defer mu.Unlock()
	showTime = b
}

// ShowTime reports whether timestamps are prefixed.
func ShowTime() bool {
	mu.Lock()
	defer mu.Unlock()
	return showTime
}

// SetUseColors records the coloring preference. The output itself never
// contains ANSI color codes; the flag is only stored and reported.
func SetUseColors(b bool) {
	mu.Lock()
	defer mu.Unlock()
	useColors = b
}

// UseColors reports the coloring preference set by SetUseColors.
func UseColors() bool {
	mu.Lock()
	defer mu.Unlock()
	return useColors
}

func out(lvl int, msg string) {
	mu.Lock()
	defer mu.Unlock()
	if lvl > debugVisible {
		return
	}
	prefix := fmt.Sprintf("%d : (", lvl)
	if showTime {
		prefix = fmt.Sprintf("%s%s ", prefix, time.Now().Format("15:04:05.000"))
	}
	line := fmt.Sprintf("%s%s", prefix, msg)
	if Testing != 0 {
		TestStr = line
		return
	}
	fmt.Fprintln(os.Stderr, line)
}

func sprint(args ...interface{}) string {
	return fmt.Sprint(args...)
}

// Lvl1 logs at verbosity 1 (always-on protocol milestones).
func Lvl1(args ...interface{}) { out(1, sprint(args...)) }

// Lvl2 logs at verbosity 2 (state transitions).
func Lvl2(args ...interface{}) { out(2, sprint(args...)) }

// Lvl3 logs at verbosity 3 (per-message detail).
func Lvl3(args ...interface{}) { out(3, sprint(args...)) }

// Lvl4 logs at verbosity 4 (wire-level detail).
func Lvl4(args ...interface{}) { out(4, sprint(args...)) }

// Lvl5 logs at verbosity 5 (everything).
func Lvl5(args ...interface{}) { out(5, sprint(args...)) }

// Lvlf1 is the Printf variant of Lvl1.
func Lvlf1(f string, args ...interface{}) { out(1, fmt.Sprintf(f, args...)) }

// Lvlf2 is the Printf variant of Lvl2.
func Lvlf2(f string, args ...interface{}) { out(2, fmt.Sprintf(f, args...)) }

// Lvlf3 is the Printf variant of Lvl3.
func Lvlf3(f string, args ...interface{}) { out(3, fmt.Sprintf(f, args...)) }

// Lvlf4 is the Printf variant of Lvl4.
func Lvlf4(f string, args ...interface{}) { out(4, fmt.Sprintf(f, args...)) }

// Error logs an error unconditionally (level 0).
func Error(args ...interface{}) { out(0, "ERROR: "+sprint(args...)) }

// Errorf is the Printf variant of Error.
func Errorf(f string, args ...interface{}) { out(0, "ERROR: "+fmt.Sprintf(f, args...)) }

// Panic logs an error and panics. Reserved for invariant violations that
// indicate a bug in this package, never for protocol-level misbehavior
// (that goes through ProtocolViolation/blame instead).
func Panic(args ...interface{}) {
	msg := sprint(args...)
	out(0, "PANIC: "+msg)
	panic(msg)
}
