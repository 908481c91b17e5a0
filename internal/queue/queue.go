// Package queue holds the coverage-dominance corpus: inputs are kept only
// while they still own at least one bitmap edge no other surviving input
// also covers, and each kept input works through a fixed mutation-depth
// schedule before falling back to pure random havoc.
package queue

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/orizon-lang/rofl/internal/forksrv"
	"github.com/orizon-lang/rofl/internal/grammar"
)

// InputStateKind is the mutation-depth stage a queue item is at.
type InputStateKind int

const (
	// StateInit means the item hasn't started deterministic mutation yet.
	StateInit InputStateKind = iota
	// StateDet means deterministic rule-substitution mutation is under
	// way.
	StateDet
	// StateDetAFL means rule substitution is exhausted and only the
	// deterministic AFL byte mutator is still running.
	StateDetAFL
	// StateRandom means every deterministic pass is exhausted; only
	// random havoc, recursion growth, and splicing apply from here on.
	StateRandom
)

// InputState is the FSM an item walks through exactly once, in order:
// Init -> Det -> DetAFL -> Random, never backwards. The cursor fields are
// carried for on-disk fidelity only; nothing sets or reads them.
type InputState struct {
	Kind       InputStateKind
	Cursor     int // Init.cursor, DetAFL.cursor
	RuleCursor int // Det.rule_cursor
	AflCursor  int // Det.afl_cursor
}

// InitState builds the starting state for a freshly queued item.
func InitState() InputState { return InputState{Kind: StateInit} }

// QueueItem is one corpus entry together with its mutation-progress state.
type QueueItem struct {
	ID            int
	Tree          *grammar.Tree
	FreshBits     map[int]struct{}
	AllBits       []byte
	ExitReason    forksrv.ExitReason
	State         InputState
	Recursions    []grammar.RecursionPair
	ExecutionTime uint32
}

func newQueueItem(id int, tree *grammar.Tree, freshBits map[int]struct{}, allBits []byte, reason forksrv.ExitReason, execTime uint32) *QueueItem {
	return &QueueItem{
		ID:            id,
		Tree:          tree,
		FreshBits:     freshBits,
		AllBits:       allBits,
		ExitReason:    reason,
		State:         InitState(),
		ExecutionTime: execTime,
	}
}

// Queue is the coverage-dominance corpus. Inputs move from Inputs
// (pending mutation) to Processed (done with their current stage) and
// back again each NewRound, while BitToInputs tracks which queued input
// IDs still own each bitmap edge so dominated inputs can be dropped.
type Queue struct {
	Inputs      []*QueueItem
	Processed   []*QueueItem
	BitToInputs map[int][]int
	CurrentID   int
	WorkDir     string
}

// New creates an empty queue rooted at workDir. Add writes entries into
// outputs/queue/ under it, which must already exist; New does not
// create it.
func New(workDir string) *Queue {
	return &Queue{BitToInputs: make(map[int][]int), WorkDir: workDir}
}

func (q *Queue) queueFilePath(id int, reason forksrv.ExitReason) string {
	return filepath.Join(q.WorkDir, "outputs", "queue", fmt.Sprintf("id:%09d,er:%s", id, reason))
}

// isDominated reports whether every bit this input sets is already owned
// by some other surviving input — i.e. this input contributes nothing a
// rival doesn't already cover.
func (q *Queue) isDominated(allBits []byte) bool {
	for i, b := range allBits {
		if b == 0 {
			continue
		}
		if _, ok := q.BitToInputs[i]; !ok {
			return false
		}
	}
	return true
}

// Add admits tree into the corpus if it owns at least one bitmap bit no
// surviving input already covers, writing its unparsed form to disk under
// outputs/queue/. newBits is accepted for API symmetry with the mutation
// call sites that already computed it; dominance is recomputed from
// allBits directly since that's the ground truth the Rust original checks.
func (q *Queue) Add(tree *grammar.Tree, allBits []byte, newBits []int, reason forksrv.ExitReason, ctx *grammar.Context, execTime uint32) error {
	if q.isDominated(allBits) {
		return nil
	}

	freshBits := make(map[int]struct{})
	for i, b := range allBits {
		if b == 0 {
			continue
		}
		if _, ok := q.BitToInputs[i]; !ok {
			freshBits[i] = struct{}{}
		}
		q.BitToInputs[i] = append(q.BitToInputs[i], q.CurrentID)
	}

	path := q.queueFilePath(q.CurrentID, reason)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create queue entry %s: %w", path, err)
	}
	defer f.Close()
	if _, err := tree.Unparse(0, ctx, f); err != nil {
		return fmt.Errorf("unparse queue entry %s: %w", path, err)
	}

	q.Inputs = append(q.Inputs, newQueueItem(q.CurrentID, tree, freshBits, allBits, reason, execTime))

	if q.CurrentID == int(^uint(0)>>1) {
		q.CurrentID = 0
	} else {
		q.CurrentID++
	}
	return nil
}

// Pop removes and returns the last pending item (LIFO, matching the
// teacher's Vec::pop scheduling), scrubbing its ID out of every bit's
// owner list so a later dominance check never sees it as still present.
func (q *Queue) Pop() (*QueueItem, bool) {
	if len(q.Inputs) == 0 {
		return nil, false
	}
	item := q.Inputs[len(q.Inputs)-1]
	q.Inputs = q.Inputs[:len(q.Inputs)-1]

	for k, owners := range q.BitToInputs {
		filtered := owners[:0]
		for _, id := range owners {
			if id != item.ID {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) == 0 {
			delete(q.BitToInputs, k)
		} else {
			q.BitToInputs[k] = filtered
		}
	}
	return item, true
}

// Finished re-admits item into BitToInputs' bookkeeping once a worker is
// done with its current mutation stage. If it turned out to be fully dominated
// in the meantime its on-disk queue entry is removed; otherwise it moves
// to Processed until the next NewRound.
func (q *Queue) Finished(item *QueueItem) {
	if q.isDominated(item.AllBits) {
		path := q.queueFilePath(item.ID, item.ExitReason)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "error deleting queue entry: %v\n", err)
		}
		return
	}

	for i, b := range item.AllBits {
		if b == 0 {
			continue
		}
		q.BitToInputs[i] = append(q.BitToInputs[i], item.ID)
	}
	q.Processed = append(q.Processed, item)
}

// Len returns the number of items still pending mutation this round.
func (q *Queue) Len() int { return len(q.Inputs) }

// NewRound moves every processed item back into the pending set, starting
// a fresh pass over the whole corpus.
func (q *Queue) NewRound() {
	q.Inputs = append(q.Inputs, q.Processed...)
	q.Processed = nil
}
