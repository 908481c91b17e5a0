package fuzzer

import (
	"fmt"
	"sync"
	"time"

	"github.com/orizon-lang/rofl/internal/forksrv"
	"github.com/orizon-lang/rofl/internal/grammar"
	"github.com/orizon-lang/rofl/internal/queue"
)

// Stats mirrors the teacher's per-mutation-source bit/ASan counters
// (bits_found_by_*/asan_found_by_* in fuzzer.rs): how many previously
// unseen bitmap edges, and how many new crashes, each mutation strategy
// has produced so far. Supplemented per SPEC_FULL.md §4 — not named in
// spec.md's own invariants, but useful operational signal a status
// reporter or periodic log line can surface.
type Stats struct {
	ExecutionCount          uint64
	AverageExecutionsPerSec float32

	BitsFoundByHavoc    uint64
	BitsFoundByHavocRec uint64
	BitsFoundByMin      uint64
	BitsFoundByMinRec   uint64
	BitsFoundBySplice   uint64
	BitsFoundByDet      uint64
	BitsFoundByDetAFL   uint64
	BitsFoundByGen      uint64

	AsanFoundByHavoc    uint64
	AsanFoundByHavocRec uint64
	AsanFoundByMin      uint64
	AsanFoundByMinRec   uint64
	AsanFoundBySplice   uint64
	AsanFoundByDet      uint64
	AsanFoundByDetAFL   uint64
	AsanFoundByGen      uint64

	TotalFoundAsan uint64
	TotalFoundSig  uint64
}

// Snapshot is a point-in-time, lock-free copy of SharedState suitable for
// handing to an external status reporter (no TUI is implemented — out of
// scope — but nothing stops one reading this).
type Snapshot struct {
	Stats         Stats
	QueueLen      int
	ProcessedLen  int
	LastFoundAsan string
	LastFoundSig  string
	LastTimeout   string
	StateSaved    string
}

// SharedState is the single piece of state every fuzzing worker goroutine
// touches: the coverage-dominance queue, the per-(is_crash) bitmaps used
// to decide whether an execution touched a never-before-seen edge, the
// running counters, and a handful of human-readable status strings
// refreshed on each relevant event — all grounded on
// shared_state.rs's GlobalSharedState.
type SharedState struct {
	mu sync.Mutex

	Queue *queue.Queue

	// bitmaps is keyed by whether the owning input was a crash: false for
	// the non-crashing corpus's cumulative coverage, true for the
	// crashing corpus's.
	bitmaps map[bool][]byte
	stats   Stats

	lastFoundAsan string
	lastFoundSig  string
	lastTimeout   string
	stateSaved    string
}

// AddToQueue admits tree into the queue under lock if it still owns a bit
// no surviving item already covers; see queue.Queue.Add.
func (s *SharedState) AddToQueue(tree *grammar.Tree, allBits []byte, newBits []int, reason forksrv.ExitReason, ctx *grammar.Context, execTime uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Queue.Add(tree, allBits, newBits, reason, ctx, execTime)
}

// NewSharedState creates the shared state rooted at workDir, with
// human-readable status strings initialized exactly as the teacher does.
func NewSharedState(workDir string) *SharedState {
	return &SharedState{
		Queue:         queue.New(workDir),
		bitmaps:       make(map[bool][]byte),
		lastFoundAsan: "Not found yet.",
		lastFoundSig:  "Not found yet.",
		lastTimeout:   "No timeout yet.",
		stateSaved:    "State not saved yet.",
	}
}

// bitmapFor returns the cumulative coverage bitmap for isCrash, allocating
// it (sized bitmapSize, all zero) the first time it's needed.
func (s *SharedState) bitmapFor(isCrash bool, bitmapSize int) []byte {
	bm, ok := s.bitmaps[isCrash]
	if !ok {
		bm = make([]byte, bitmapSize)
		s.bitmaps[isCrash] = bm
	}
	return bm
}

// NewBits merges runBitmap into the cumulative bitmap for isCrash under
// lock and returns the indices that were newly set — the same
// "did this execution touch an edge nobody has touched before" check
// that gates both queue admission and crash/timeout bookkeeping.
func (s *SharedState) NewBits(isCrash bool, runBitmap []byte) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	bm := s.bitmapFor(isCrash, len(runBitmap))
	var fresh []int
	for i, v := range runBitmap {
		if v != 0 && bm[i] == 0 {
			bm[i] = v
			fresh = append(fresh, i)
		}
	}
	return fresh
}

// PopQueue removes and returns the next pending queue item under lock —
// the teacher holds the whole GlobalSharedState behind one Mutex, so every
// queue access (not just the bitmaps/stats this type also owns) goes
// through SharedState rather than touching Queue directly.
func (s *SharedState) PopQueue() (*queue.QueueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Queue.Pop()
}

// FinishQueue re-admits item into the queue's bookkeeping once a worker
// has exhausted its current mutation stage.
func (s *SharedState) FinishQueue(item *queue.QueueItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queue.Finished(item)
}

// NewQueueRound moves every processed item back into the pending set.
func (s *SharedState) NewQueueRound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queue.NewRound()
}

// QueueLen reports how many items are still pending mutation this round.
func (s *SharedState) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Queue.Len()
}

func (s *SharedState) addExecution(execTimeNanos uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ExecutionCount++
	if execTimeNanos > 0 {
		instantaneous := 1000000000.0 / float32(execTimeNanos)
		s.stats.AverageExecutionsPerSec = s.stats.AverageExecutionsPerSec*0.9 + instantaneous*0.1
	}
}

func (s *SharedState) recordBitsFound(reason ExecutionReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch reason {
	case ReasonHavoc:
		s.stats.BitsFoundByHavoc++
	case ReasonHavocRec:
		s.stats.BitsFoundByHavocRec++
	case ReasonMin:
		s.stats.BitsFoundByMin++
	case ReasonMinRec:
		s.stats.BitsFoundByMinRec++
	case ReasonSplice:
		s.stats.BitsFoundBySplice++
	case ReasonDet:
		s.stats.BitsFoundByDet++
	case ReasonDetAFL:
		s.stats.BitsFoundByDetAFL++
	case ReasonGen:
		s.stats.BitsFoundByGen++
	}
}

func (s *SharedState) recordAsanFound(reason ExecutionReason, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalFoundAsan++
	s.lastFoundAsan = now.Format("[2006-01-02] 15:04:05")
	switch reason {
	case ReasonHavoc:
		s.stats.AsanFoundByHavoc++
	case ReasonHavocRec:
		s.stats.AsanFoundByHavocRec++
	case ReasonMin:
		s.stats.AsanFoundByMin++
	case ReasonMinRec:
		s.stats.AsanFoundByMinRec++
	case ReasonSplice:
		s.stats.AsanFoundBySplice++
	case ReasonDet:
		s.stats.AsanFoundByDet++
	case ReasonDetAFL:
		s.stats.AsanFoundByDetAFL++
	case ReasonGen:
		s.stats.AsanFoundByGen++
	}
}

func (s *SharedState) recordSignal(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalFoundSig++
	s.lastFoundSig = now.Format("[2006-01-02] 15:04:05")
}

func (s *SharedState) recordTimeout(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTimeout = now.Format("[2006-01-02] 15:04:05")
}

// MarkStateSaved updates the human-readable status string a periodic
// snapshot-save routine reports through.
func (s *SharedState) MarkStateSaved(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateSaved = fmt.Sprintf("Saved at [%s]", now.Format("2006-01-02 15:04:05"))
}

// Snapshot returns a consistent point-in-time copy of the status fields
// an external reporter would want, without holding SharedState's lock for
// the reporter's own I/O.
func (s *SharedState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Stats:         s.stats,
		QueueLen:      s.Queue.Len(),
		ProcessedLen:  len(s.Queue.Processed),
		LastFoundAsan: s.lastFoundAsan,
		LastFoundSig:  s.lastFoundSig,
		LastTimeout:   s.lastTimeout,
		StateSaved:    s.stateSaved,
	}
}
