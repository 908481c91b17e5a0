// Package fuzzer ties the grammar, mutator, queue, and fork-server
// packages together: Fuzzer executes a tree against the target and feeds
// interesting results into the shared queue, FuzzingState dispatches a
// queue item through its mutation stages, and Loop runs a pool of workers
// pulling items off the queue.
package fuzzer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orizon-lang/rofl/internal/forksrv"
	"github.com/orizon-lang/rofl/internal/grammar"
)

// ExecutionReason records which mutation strategy produced the candidate
// currently being executed, so a newly discovered bitmap edge or crash
// can be attributed back to the strategy that found it.
type ExecutionReason int

const (
	ReasonHavoc ExecutionReason = iota
	ReasonHavocRec
	ReasonMin
	ReasonMinRec
	ReasonSplice
	ReasonDet
	ReasonDetAFL
	ReasonGen
)

func (r ExecutionReason) String() string {
	switch r {
	case ReasonHavoc:
		return "havoc"
	case ReasonHavocRec:
		return "havoc_rec"
	case ReasonMin:
		return "min"
	case ReasonMinRec:
		return "min_rec"
	case ReasonSplice:
		return "splice"
	case ReasonDet:
		return "det"
	case ReasonDetAFL:
		return "det_afl"
	case ReasonGen:
		return "gen"
	default:
		return "unknown"
	}
}

// defaultDedupRingSize matches the Rust constant (Open Question #3 in
// DESIGN.md): a tunable, not a hard contract.
const defaultDedupRingSize = 10000

// defaultCheckRounds is how many times exec re-runs a candidate that
// touched a new bitmap edge to weed out nondeterministic ("flaky") bits
// before admitting it to the queue.
const defaultCheckRounds = 5

// Option configures a Fuzzer at construction time.
type Option func(*Fuzzer)

// WithDedupRingSize overrides the default 10000-entry recent-input dedup
// window.
func WithDedupRingSize(n int) Option {
	return func(f *Fuzzer) { f.dedupRingSize = n }
}

// WithDumpMode makes every executed input also get written under
// outputs/dumped_inputs/, capped at maxDumpedFiles entries on a rolling
// basis — useful for recording exactly what a target was fed without
// relying on the queue (which only keeps inputs that found new coverage).
func WithDumpMode(enabled bool) Option {
	return func(f *Fuzzer) { f.dumpMode = enabled }
}

// Fuzzer owns one fork-server-backed target process and executes
// candidate trees against it, deduplicating recently tried inputs and
// feeding genuinely new coverage into the shared queue.
type Fuzzer struct {
	forksrv *forksrv.ForkServer
	global  *SharedState
	timeout time.Duration
	workDir string

	lastTried     map[string]struct{}
	ring          []string
	dedupRingSize int

	dumpMode    bool
	dumpCounter uint64

	workerName string
}

// NewFuzzer spawns a fork server for path/args and returns a Fuzzer ready
// to execute candidates against it.
func NewFuzzer(path string, args []string, timeout time.Duration, global *SharedState, workDir, workerName string, opts ...Option) (*Fuzzer, error) {
	fs, err := forksrv.New(path, args, timeout)
	if err != nil {
		return nil, fmt.Errorf("start fork server for %s: %w", path, err)
	}
	f := &Fuzzer{
		forksrv:       fs,
		global:        global,
		timeout:       timeout,
		workDir:       workDir,
		lastTried:     make(map[string]struct{}),
		dedupRingSize: defaultDedupRingSize,
		workerName:    workerName,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Close releases the underlying fork server's resources.
func (f *Fuzzer) Close() error { return f.forksrv.Close() }

// RunOnWithDedup unparses t, skips it if it's a recent duplicate, and
// otherwise executes it, reporting whatever it found to the shared
// queue/stats under reason. FuzzingState wraps it in a mutator.RunFunc
// closure that fixes reason, which is the execution callback every
// mutation strategy calls.
func (f *Fuzzer) RunOnWithDedup(t grammar.TreeLike, ctx *grammar.Context, reason ExecutionReason) (bool, error) {
	code := grammar.UnparseToBytes(t, ctx)
	if f.inputIsKnown(code) {
		return false, nil
	}
	if err := f.runOn(code, t, ctx, reason); err != nil {
		return false, err
	}
	return true, nil
}

// RunOnWithoutDedup always executes t, bypassing the recent-input cache —
// used for has-bits checks during minimization, where re-executing the
// exact same bytes repeatedly is the point.
func (f *Fuzzer) RunOnWithoutDedup(t grammar.TreeLike, ctx *grammar.Context, reason ExecutionReason) error {
	code := grammar.UnparseToBytes(t, ctx)
	return f.runOn(code, t, ctx, reason)
}

// HasBits runs t and reports whether every bit in want was set in the
// resulting coverage bitmap — the predicate MinimizeTree/MinimizeRec use
// to decide whether a shrunk candidate still reaches everything it must.
func (f *Fuzzer) HasBits(t grammar.TreeLike, ctx *grammar.Context, want map[int]struct{}, reason ExecutionReason) (bool, error) {
	if err := f.RunOnWithoutDedup(t, ctx, reason); err != nil {
		return false, err
	}
	runBitmap := f.forksrv.Shm().RunBitmap()
	for bit := range want {
		if runBitmap[bit] == 0 {
			return false, nil
		}
	}
	return true, nil
}

// LastBitmap exposes the coverage bitmap from the most recent execution.
func (f *Fuzzer) LastBitmap() []byte { return f.forksrv.Shm().RunBitmap() }

// ExecRaw runs code through the fork server exactly once, with no
// dedup, dump, or queue bookkeeping, and returns the raw outcome plus the
// wall-clock execution time.
func (f *Fuzzer) ExecRaw(code []byte) (forksrv.ExitReason, time.Duration, error) {
	start := time.Now()
	reason, err := f.forksrv.RunOn(code, f.timeout)
	elapsed := time.Since(start)
	if err != nil {
		return forksrv.ExitReason{}, 0, err
	}
	f.global.addExecution(uint32(elapsed.Nanoseconds()))
	return reason, elapsed, nil
}

func (f *Fuzzer) runOn(code []byte, t grammar.TreeLike, ctx *grammar.Context, reason ExecutionReason) error {
	newBits, exitReason, _, err := f.exec(code, t, ctx)
	if err != nil {
		return err
	}
	if len(newBits) == 0 {
		return nil
	}

	now := time.Now()
	switch {
	case exitReason.Kind == forksrv.Normal && exitReason.Code == 223:
		f.global.recordAsanFound(reason, now)
		if err := f.writeCrashFile("signaled", fmt.Sprintf("ASAN_%09d_%s", f.global.Snapshot().Stats.ExecutionCount, f.workerName), t, ctx); err != nil {
			return err
		}
	case exitReason.Kind == forksrv.Normal:
		f.global.recordBitsFound(reason)
	case exitReason.Kind == forksrv.Timeouted:
		f.global.recordTimeout(now)
		if err := f.writeCrashFile("timeout", fmt.Sprintf("%09d", f.global.Snapshot().Stats.ExecutionCount), t, ctx); err != nil {
			return err
		}
	case exitReason.Kind == forksrv.Signaled:
		f.global.recordSignal(now)
		if err := f.writeCrashFile("signaled", fmt.Sprintf("sig%d_%09d", exitReason.Code, f.global.Snapshot().Stats.ExecutionCount), t, ctx); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fuzzer) writeCrashFile(subdir, name string, t grammar.TreeLike, ctx *grammar.Context) error {
	path := filepath.Join(f.workDir, "outputs", subdir, name)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create crash artifact %s: %w", path, err)
	}
	defer file.Close()
	_, err = t.Unparse(0, ctx, file)
	return err
}

// exec drives one full execution: optional dump-mode bookkeeping, the
// raw run, crash classification, new-bits detection, a flakiness recheck,
// and admission into the shared queue. Timeouts skip both the recheck and
// the queue; ASan catches are rechecked but not queued.
func (f *Fuzzer) exec(code []byte, t grammar.TreeLike, ctx *grammar.Context) ([]int, forksrv.ExitReason, time.Duration, error) {
	if f.dumpMode {
		f.dump(code)
	}

	exitReason, execTime, err := f.ExecRaw(code)
	if err != nil {
		return nil, forksrv.ExitReason{}, 0, err
	}

	isCrash := exitReason.IsCrash()
	newBits := f.global.NewBits(isCrash, f.forksrv.Shm().RunBitmap())
	if len(newBits) == 0 || exitReason.Kind == forksrv.Timeouted {
		return newBits, exitReason, execTime, nil
	}

	oldBitmap := make([]byte, len(f.forksrv.Shm().RunBitmap()))
	copy(oldBitmap, f.forksrv.Shm().RunBitmap())

	newBits, err = f.checkDeterministicBehaviour(oldBitmap, newBits, code)
	if err != nil {
		return nil, forksrv.ExitReason{}, 0, err
	}
	if len(newBits) == 0 {
		return nil, exitReason, execTime, nil
	}

	if !(exitReason.Kind == forksrv.Normal && exitReason.Code == 223) {
		tree := t.ToTree(ctx)
		if err := f.global.AddToQueue(tree, oldBitmap, newBits, exitReason, ctx, uint32(execTime.Nanoseconds())); err != nil {
			return nil, forksrv.ExitReason{}, 0, err
		}
	}
	return newBits, exitReason, execTime, nil
}

// checkDeterministicBehaviour re-runs code defaultCheckRounds times and
// drops any bit from newBits that didn't reproduce every time, so a
// target's own nondeterminism doesn't pollute the queue with edges that
// were never really "found".
func (f *Fuzzer) checkDeterministicBehaviour(oldBitmap []byte, newBits []int, code []byte) ([]int, error) {
	for i := 0; i < defaultCheckRounds; i++ {
		if _, _, err := f.ExecRaw(code); err != nil {
			return nil, err
		}
		runBitmap := f.forksrv.Shm().RunBitmap()
		stable := newBits[:0]
		for _, bit := range newBits {
			if runBitmap[bit] != 0 {
				stable = append(stable, bit)
			}
		}
		newBits = stable
	}
	return newBits, nil
}

// inputIsKnown reports whether code was tried recently, recording it (and
// evicting the oldest entry once the ring buffer is full) if not.
func (f *Fuzzer) inputIsKnown(code []byte) bool {
	key := string(code)
	if _, ok := f.lastTried[key]; ok {
		return true
	}
	f.lastTried[key] = struct{}{}
	f.ring = append(f.ring, key)
	if len(f.ring) > f.dedupRingSize {
		oldest := f.ring[0]
		f.ring = f.ring[1:]
		delete(f.lastTried, oldest)
	}
	return false
}

// dump writes code to outputs/dumped_inputs/, keeping at most
// maxDumpedFiles entries per worker on a rolling basis.
func (f *Fuzzer) dump(code []byte) {
	const maxDumpedFiles = 2000
	path := filepath.Join(f.workDir, "outputs", "dumped_inputs", fmt.Sprintf("%d_%s", f.dumpCounter, f.workerName))
	if file, err := os.Create(path); err == nil {
		file.Write(code)
		file.Close()
	}
	evict := f.dumpCounter - maxDumpedFiles
	if f.dumpCounter >= maxDumpedFiles {
		os.Remove(filepath.Join(f.workDir, "outputs", "dumped_inputs", fmt.Sprintf("%d_%s", evict, f.workerName)))
	}
	f.dumpCounter++
}
