package fuzzer

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/orizon-lang/rofl/internal/chunkstore"
	"github.com/orizon-lang/rofl/internal/grammar"
	"github.com/orizon-lang/rofl/internal/mutator"
	"github.com/orizon-lang/rofl/internal/queue"
)

// havocRounds/havocRecRounds/spliceRounds match the teacher's per-item
// iteration counts for each untargeted stage (state.rs's literal 100/
// 20/100 loops): enough passes to make a dent without starving other
// queue items of worker time.
const (
	havocRounds    = 100
	havocRecRounds = 20
	spliceRounds   = 100
)

// FuzzingState is the per-worker bundle of everything a single goroutine
// needs to carry a queue item through Init->Det->DetAFL->Random: its own
// grammar Context and Fuzzer (and therefore its own fork-server target
// process), plus shared references to the chunk store and run config.
type FuzzingState struct {
	Cks    *chunkstore.ChunkStoreWrapper
	ctx    atomic.Pointer[grammar.Context]
	Config Config
	Fuzzer *Fuzzer
}

// NewFuzzingState bundles an already-constructed Fuzzer (and its private
// Context) with the shared chunk store and config.
func NewFuzzingState(fuzzer *Fuzzer, ctx *grammar.Context, config Config, cks *chunkstore.ChunkStoreWrapper) *FuzzingState {
	s := &FuzzingState{Cks: cks, Config: config, Fuzzer: fuzzer}
	s.ctx.Store(ctx)
	return s
}

// Ctx returns the grammar Context currently in effect. It's an
// atomic.Pointer rather than a plain field because internal/watch can
// swap in a freshly reloaded Context from its own goroutine while a
// worker is mid-mutation against the previous one (SPEC_FULL.md §3's
// fsnotify-backed grammar reload).
func (s *FuzzingState) Ctx() *grammar.Context { return s.ctx.Load() }

// SetCtx installs a newly reloaded Context for subsequent mutation work.
// A call already running keeps the Context it loaded; every later
// generation/mutation call sees the swap, including calls on trees built
// against the previous Context.
func (s *FuzzingState) SetCtx(ctx *grammar.Context) { s.ctx.Store(ctx) }

// Minimize runs both shrink passes (rule substitution, then recursion
// collapse) against input, keeping a shrink exactly when the resulting
// tree still reaches every bit in input.FreshBits. Once both passes are
// exhausted it registers the now-minimal tree with the shared chunk
// store, refreshes its recursion-pair list, and rewrites its on-disk
// queue entry with a ".min" suffix — matching state.rs's minimize, which
// signals completion by returning true only once both sub-passes are
// done (mutator.rs's original start_index/end_index time-slicing is not
// reproduced: each worker goroutine already runs an item's whole
// minimization pass without blocking any other item's goroutine, so the
// time-slicing those indices existed for has no equivalent need here).
func (s *FuzzingState) Minimize(input *queue.QueueItem) error {
	// With no fresh bits there is nothing a shrink could be required to
	// preserve, so every candidate would trivially pass and minimize the
	// tree into meaninglessness; both shrink passes are skipped instead.
	if len(input.FreshBits) > 0 {
		runMin := func(t grammar.TreeLike, ctx *grammar.Context) (bool, error) {
			return s.Fuzzer.HasBits(t, ctx, input.FreshBits, ReasonMin)
		}
		if err := mutator.MinimizeTree(input.Tree, s.Ctx(), runMin); err != nil {
			return fmt.Errorf("minimize tree: %w", err)
		}

		runMinRec := func(t grammar.TreeLike, ctx *grammar.Context) (bool, error) {
			return s.Fuzzer.HasBits(t, ctx, input.FreshBits, ReasonMinRec)
		}
		if err := mutator.MinimizeRec(input.Tree, s.Ctx(), runMinRec); err != nil {
			return fmt.Errorf("minimize recursion: %w", err)
		}
	}

	s.Cks.WithWriteLock(func(cs *chunkstore.ChunkStore) {
		cs.AddTree(input.Tree, s.Ctx())
	})
	input.Recursions = input.Tree.HasRecursions(s.Ctx())

	path := filepath.Join(s.Config.PathToWorkdir, "outputs", "queue",
		fmt.Sprintf("id:%09d,er:%s.min", input.ID, input.ExitReason))
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create minimized queue entry %s: %w", path, err)
	}
	defer file.Close()
	if _, err := input.Tree.Unparse(0, s.Ctx(), file); err != nil {
		return fmt.Errorf("unparse minimized queue entry %s: %w", path, err)
	}
	return nil
}

// DeterministicRuleMutation runs the exhaustive per-node rule
// substitution pass over input's tree.
func (s *FuzzingState) DeterministicRuleMutation(input *queue.QueueItem) error {
	run := func(t grammar.TreeLike, ctx *grammar.Context) (bool, error) {
		return s.Fuzzer.RunOnWithDedup(t, ctx, ReasonDet)
	}
	if err := mutator.MutRules(input.Tree, s.Ctx(), run); err != nil {
		return fmt.Errorf("deterministic rule mutation: %w", err)
	}
	return nil
}

// DeterministicAflMutation runs the deterministic AFL byte-mutation
// stage machine over every terminal leaf of input's tree. The unmutated
// tree is executed once up front to capture a baseline coverage bitmap;
// a candidate counts as effective — the signal MutRulesAfl feeds into the
// effector map — only when its own bitmap differs from that baseline, so
// bytes whose flips never move coverage really do get pruned.
func (s *FuzzingState) DeterministicAflMutation(input *queue.QueueItem) error {
	if err := s.Fuzzer.RunOnWithoutDedup(input.Tree, s.Ctx(), ReasonDetAFL); err != nil {
		return fmt.Errorf("deterministic afl baseline: %w", err)
	}
	baseline := append([]byte(nil), s.Fuzzer.LastBitmap()...)

	run := func(t grammar.TreeLike, ctx *grammar.Context) (bool, error) {
		executed, err := s.Fuzzer.RunOnWithDedup(t, ctx, ReasonDetAFL)
		if err != nil || !executed {
			return false, err
		}
		return !bytes.Equal(s.Fuzzer.LastBitmap(), baseline), nil
	}
	if err := mutator.MutRulesAfl(input.Tree, s.Ctx(), run); err != nil {
		return fmt.Errorf("deterministic afl mutation: %w", err)
	}
	return nil
}

// Havoc runs havocRounds rounds of untargeted random mutation against
// input's tree.
func (s *FuzzingState) Havoc(input *queue.QueueItem, rng *rand.Rand) error {
	run := func(t grammar.TreeLike, ctx *grammar.Context) (bool, error) {
		return s.Fuzzer.RunOnWithDedup(t, ctx, ReasonHavoc)
	}
	for i := 0; i < havocRounds; i++ {
		if err := mutator.MutRandom(input.Tree, s.Ctx(), rng, run); err != nil {
			return fmt.Errorf("havoc: %w", err)
		}
	}
	return nil
}

// HavocRecursion runs havocRecRounds rounds of recursion-driven
// grow/shrink mutation. input.Recursions (populated by Minimize) only
// gates the pass: when it is empty this is a cheap no-op; otherwise each
// round's MutRandomRecursion finds its recursion pairs in the tree anew.
func (s *FuzzingState) HavocRecursion(input *queue.QueueItem, rng *rand.Rand) error {
	if len(input.Recursions) == 0 {
		return nil
	}
	run := func(t grammar.TreeLike, ctx *grammar.Context) (bool, error) {
		return s.Fuzzer.RunOnWithDedup(t, ctx, ReasonHavocRec)
	}
	for i := 0; i < havocRecRounds; i++ {
		if err := mutator.MutRandomRecursion(input.Tree, s.Ctx(), rng, run); err != nil {
			return fmt.Errorf("havoc recursion: %w", err)
		}
	}
	return nil
}

// Splice runs spliceRounds rounds of chunk-store-backed subtree
// splicing against input's tree.
func (s *FuzzingState) Splice(input *queue.QueueItem, rng *rand.Rand) error {
	run := func(t grammar.TreeLike, ctx *grammar.Context) (bool, error) {
		return s.Fuzzer.RunOnWithDedup(t, ctx, ReasonSplice)
	}
	for i := 0; i < spliceRounds; i++ {
		if err := mutator.MutSplice(input.Tree, s.Ctx(), s.Cks, rng, run); err != nil {
			return fmt.Errorf("splice: %w", err)
		}
	}
	return nil
}

// GenerateRandom generates a brand-new tree rooted at nt and executes it
// — the pure generation path no_feedback_mode and queue refills both use.
func (s *FuzzingState) GenerateRandom(nt string, rng *rand.Rand) error {
	nonterm := s.Ctx().NtID(nt)
	length := s.Ctx().GetRandomLenForNt(nonterm, rng)
	tree := s.Ctx().GenerateTreeFromNt(nonterm, length, rng)
	if _, err := s.Fuzzer.RunOnWithDedup(tree, s.Ctx(), ReasonGen); err != nil {
		return fmt.Errorf("generate random: %w", err)
	}
	return nil
}

// ImportSeed executes raw seed bytes as a single custom-terminal tree
// rooted at nt. The bytes bypass grammar derivation entirely (there is no
// parser to recover a real derivation from them); coverage feedback
// decides whether the wrapped tree earns a queue slot like any other
// candidate.
func (s *FuzzingState) ImportSeed(nt string, data []byte) error {
	ctx := s.Ctx()
	rule := grammar.NewRuleFromCustomTerm(ctx.NtID(nt), data)
	tree := grammar.NewTreeFromRules([]grammar.NormalOrCustomRule{grammar.CustomRule(&rule)}, ctx)
	if _, err := s.Fuzzer.RunOnWithDedup(tree, ctx, ReasonGen); err != nil {
		return fmt.Errorf("import seed: %w", err)
	}
	return nil
}

// Inspect renders input's tree to a string, for debugging/log output.
func (s *FuzzingState) Inspect(input *queue.QueueItem) string {
	return string(grammar.UnparseToBytes(input.Tree, s.Ctx()))
}
