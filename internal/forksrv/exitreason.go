// Package forksrv implements the client side of the fork-server protocol:
// spawning an instrumented target once, then driving it through repeated
// executions via a shared-memory coverage bitmap and a SIGSTOP/SIGCONT
// handshake instead of a fresh fork+exec per input.
package forksrv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ExitReasonKind classifies how a single execution of the target ended.
type ExitReasonKind int

const (
	// Normal means the target ran to completion; Code holds its exit
	// status (223 is the ASan catch-all set via ASAN_OPTIONS=exitcode=223).
	Normal ExitReasonKind = iota
	// Timeouted means the target was terminated by SIGVTALRM, the signal
	// its own per-execution interval timer raises, before it could finish.
	Timeouted
	// Signaled means the target died to a signal other than the
	// SIGVTALRM timeout signal — typically a crash (SIGSEGV, SIGABRT).
	Signaled
	// Stopped means the target voluntarily raised SIGSTOP, signaling that
	// it's parked and ready for the next SIGCONT.
	Stopped
)

// ExitReason is the classified outcome of one run_on call.
type ExitReason struct {
	Kind ExitReasonKind
	// Code holds the exit status for Normal, or the signal number for
	// Signaled/Stopped. Unused for Timeouted.
	Code int32
}

func (r ExitReason) String() string {
	switch r.Kind {
	case Normal:
		return fmt.Sprintf("Normal(%d)", r.Code)
	case Timeouted:
		return "Timeouted"
	case Signaled:
		return fmt.Sprintf("Signaled(%d)", r.Code)
	case Stopped:
		return fmt.Sprintf("Stopped(%d)", r.Code)
	default:
		return "Unknown"
	}
}

// IsCrash reports whether this outcome should be treated as a crash: an
// ASan catch (exit code 223) or a fatal signal.
func (r ExitReason) IsCrash() bool {
	return (r.Kind == Normal && r.Code == 223) || r.Kind == Signaled
}

// ExitReasonFromStatus classifies the raw wait(2) status the fork-server
// stub recorded in shared memory after reaping one target execution.
func ExitReasonFromStatus(status int32) ExitReason {
	return classifyWaitStatus(unix.WaitStatus(status))
}

// classifyWaitStatus turns a raw wait(2) status into an ExitReason, the
// same decision tree as WIFSIGNALED/WIFSTOPPED/WIFEXITED: a termination
// by SIGVTALRM specifically means the target's own per-execution timer
// fired, everything else fatal is a genuine crash signal.
func classifyWaitStatus(status unix.WaitStatus) ExitReason {
	switch {
	case status.Signaled():
		sig := status.Signal()
		if sig == unix.SIGVTALRM {
			return ExitReason{Kind: Timeouted}
		}
		return ExitReason{Kind: Signaled, Code: int32(sig)}
	case status.Stopped():
		return ExitReason{Kind: Stopped, Code: int32(status.StopSignal())}
	case status.Exited():
		return ExitReason{Kind: Normal, Code: int32(status.ExitStatus())}
	default:
		panic("unreachable wait status")
	}
}
