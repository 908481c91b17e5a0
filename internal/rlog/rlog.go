// Package rlog is a thin wrapper around the standard library's log
// package, matching the plain log.Printf-with-a-tag style the teacher
// repo uses in its runtime and CLI entrypoints rather than pulling in a
// structured logging library the fuzz loop's hot path has no use for: a
// worker executing thousands of inputs a second cannot afford to log on
// every one, so logging here is reserved for lifecycle events (worker
// start/stop, grammar reload, fatal errors) where call overhead doesn't
// matter.
package rlog

import (
	"fmt"
	"log"
	"os"
)

// Logger tags every line with a worker or component name, e.g.
// "[worker-3] found new crash: ASAN_000000042_worker-3".
type Logger struct {
	tag string
	l   *log.Logger
}

// New returns a Logger that prefixes every line with tag.
func New(tag string) *Logger {
	return &Logger{tag: tag, l: log.New(os.Stderr, "", log.LstdFlags)}
}

func (lg *Logger) Printf(format string, args ...interface{}) {
	lg.l.Printf("[%s] %s", lg.tag, fmt.Sprintf(format, args...))
}

func (lg *Logger) Println(args ...interface{}) {
	lg.l.Println(append([]interface{}{"[" + lg.tag + "]"}, args...)...)
}

// Fatalf logs and then calls os.Exit(1), for conditions a worker cannot
// recover from (fork server failed to start, grammar file unreadable).
func (lg *Logger) Fatalf(format string, args ...interface{}) {
	lg.l.Fatalf("[%s] %s", lg.tag, fmt.Sprintf(format, args...))
}
