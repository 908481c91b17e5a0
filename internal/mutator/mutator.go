// Package mutator implements the tree-level mutation strategies that drive
// a queue item through its Init->Det->DetAFL->Random schedule: rule
// substitution, AFL-style deterministic byte mutation of terminal leaves,
// random havoc, recursion-driven growth/shrink, subtree splicing, and the
// two minimization passes run on inputs newly admitted to the queue.
package mutator

import (
	"math/rand"

	"github.com/orizon-lang/rofl/internal/chunkstore"
	"github.com/orizon-lang/rofl/internal/grammar"
)

// RunFunc is called once per mutation candidate with the (possibly
// zero-copy) tree the candidate describes. It returns whether the
// candidate should be kept: minimization strategies use this to decide
// whether a shrink preserved the property under test (e.g. still
// crashing), and MutRulesAfl feeds it into the AFL effector map; the
// other strategies ignore the return value and always execute every
// candidate they generate.
type RunFunc func(t grammar.TreeLike, ctx *grammar.Context) (bool, error)

// havocMaxRecursionRepeats bounds how many times MutRandomRecursion will
// repeat a recursive subtree when growing it: 2^k for k in [1,7].
const havocMaxRecursionRepeats = 7

// MinimizeTree collapses each multi-node subtree down to a single
// terminating production of its nonterminal, keeping a collapse exactly
// when run reports the shrink preserved whatever it checks for
// (typically: does this still reach every fresh coverage bit). Each node
// tries its nonterminal's size-1 alternatives in min-size order
// (ntsToRules is sorted that way after Initialize); a committed collapse
// leaves a single node behind, and the whole walk repeats until a full
// pass commits nothing. Only strictly shrinking replacements are
// considered, so every commit reduces total tree size and the pass count
// is bounded.
func MinimizeTree(t *grammar.Tree, ctx *grammar.Context, run RunFunc) error {
	for changed := true; changed; {
		changed = false
		for i := 0; i < t.Size(); i++ {
			nodeID := grammar.NodeID(i)
			if t.SubtreeSize(nodeID) == 1 {
				continue
			}
			nt := t.GetRule(nodeID, ctx).Nonterm

			for _, alt := range ctx.GetRulesForNt(nt) {
				if ctx.GetMinLenForRule(alt) != 1 {
					continue
				}

				saved := cloneTree(t, ctx)
				t.ReplaceWithRule(nodeID, alt)

				keep, err := run(t, ctx)
				if err != nil {
					return err
				}
				if keep {
					changed = true
					break
				}
				*t = *saved
			}
		}
	}
	return nil
}

// MinimizeRec strips recursive repetition: for every (ancestor, descendant)
// pair sharing a nonterminal, tries collapsing the descendant's subtree
// directly onto the ancestor (deleting everything recursion built up in
// between) and keeps the collapse whenever run says to.
func MinimizeRec(t *grammar.Tree, ctx *grammar.Context, run RunFunc) error {
	for _, pair := range t.HasRecursions(ctx) {
		if int(pair.Ancestor) >= t.Size() || int(pair.Descendant) >= t.Size() {
			continue
		}

		saved := cloneTree(t, ctx)
		t.ReplaceSubtreeInPlace(pair.Ancestor, t, pair.Descendant, ctx)

		keep, err := run(t, ctx)
		if err != nil {
			return err
		}
		if !keep {
			*t = *saved
		}
	}
	return nil
}

// MutRules walks every node once, deterministically substituting each of
// the node's nonterminal's other productions in turn (skipping the node's
// own current rule) and running the target against every substitution.
// This is the Det stage: exhaustive, not shrink-seeking — every candidate
// is executed regardless of what run returns.
func MutRules(t *grammar.Tree, ctx *grammar.Context, run RunFunc) error {
	for i := 0; i < t.Size(); i++ {
		nodeID := grammar.NodeID(i)
		current, isNormal := t.GetRuleID(nodeID)
		nt := t.GetRule(nodeID, ctx).Nonterm

		for _, r := range ctx.GetRulesForNt(nt) {
			if isNormal && r == current {
				continue
			}
			mutation := treeMutationWithRegeneratedSubtree(t, ctx, nodeID, r)
			if _, err := run(mutation, ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// treeMutationWithRegeneratedSubtree builds the zero-copy view that
// replaces node's subtree with a freshly generated derivation of rule,
// sized to whatever length budget node's old subtree had (or rule's own
// minimum size, whichever is larger, so a rule with a bigger minimum
// derivation than the subtree it's replacing never runs out of budget).
// The budget counts the rule's own node, so GenerateTreeFromRule (whose
// length covers only the nodes below it) is given budget-1.
func treeMutationWithRegeneratedSubtree(t *grammar.Tree, ctx *grammar.Context, node grammar.NodeID, rule grammar.RuleID) *grammar.TreeMutation {
	budget := t.SubtreeSize(node)
	if min := ctx.GetMinLenForRule(rule); min > budget {
		budget = min
	}
	donor := ctx.GenerateTreeFromRule(rule, budget-1, rand.New(rand.NewSource(int64(rule)+int64(node))))
	return t.MutateReplaceFromTree(node, donor, 0)
}

// MutRulesAfl runs the deterministic AFL byte-mutation stage machine over
// every terminal leaf of the tree, feeding each candidate byte buffer to
// run as a synthesized single-node custom rule spliced in place of the
// leaf. Each leaf's mutator runs to exhaustion (Done()) before moving to
// the next leaf. run's bool return must report whether the candidate's
// coverage differed from the unmutated tree's — that signal is what
// MarkEffect accumulates into the effector map, so bytes whose flips
// never move the bitmap get skipped by every stage from Arith8 on.
func MutRulesAfl(t *grammar.Tree, ctx *grammar.Context, run RunFunc) error {
	for i := 0; i < t.Size(); i++ {
		nodeID := grammar.NodeID(i)
		rule := t.GetRule(nodeID, ctx)
		if len(rule.Children) != 1 || rule.Children[0].Kind == grammar.ChildNTerm {
			continue
		}
		original := rule.Children[0].Data
		if len(original) == 0 {
			continue
		}

		data := make([]byte, len(original))
		copy(data, original)
		m := NewAFLMutator(len(data))

		for !m.Done() {
			cb, ok := m.Next(data)
			if !ok {
				continue
			}

			candidate := make([]byte, len(data))
			copy(candidate, data)
			customRule := grammar.NewRuleFromCustomTerm(rule.Nonterm, candidate)

			view := singleNodeSplice(t, nodeID, &customRule)
			keep, err := run(view, ctx)
			if err != nil {
				return err
			}
			m.MarkEffect(cb.Offset, keep)

			// restore exactly the range the step touched, so every
			// candidate is a single mutation of the pristine leaf
			copy(data[cb.Offset:cb.Offset+cb.Len], original[cb.Offset:cb.Offset+cb.Len])
		}
	}
	return nil
}

// singleNodeSplice builds the TreeMutation view that replaces node's
// subtree with a single custom-rule node, without touching t.
func singleNodeSplice(t *grammar.Tree, node grammar.NodeID, newRule *grammar.Rule) *grammar.TreeMutation {
	oldSize := t.SubtreeSize(node)
	repl := []grammar.NormalOrCustomRule{grammar.CustomRule(newRule)}
	return grammar.NewTreeMutation(t.Rules()[:int(node)], repl, t.Rules()[int(node)+oldSize:])
}

// MutRandom performs a single havoc-round random mutation on a randomly
// chosen node: if the node is a plain terminal leaf it scribbles random
// AFL-style byte noise over it a handful of times; otherwise it replaces
// the node with a freshly generated subtree of a randomly chosen
// production of its nonterminal (which may be the node's current one).
// Exactly one candidate tree is built and run.
func MutRandom(t *grammar.Tree, ctx *grammar.Context, rng *rand.Rand, run RunFunc) error {
	if t.Size() == 0 {
		return nil
	}
	nodeID := grammar.NodeID(rng.Intn(t.Size()))
	rule := t.GetRule(nodeID, ctx)

	if len(rule.Children) == 1 && rule.Children[0].Kind != grammar.ChildNTerm && len(rule.Children[0].Data) > 0 {
		original := rule.Children[0].Data
		data := make([]byte, len(original))
		copy(data, original)
		havocByteNoise(data, rng)
		customRule := grammar.NewRuleFromCustomTerm(rule.Nonterm, data)
		view := singleNodeSplice(t, nodeID, &customRule)
		_, err := run(view, ctx)
		return err
	}

	nt := rule.Nonterm
	rules := ctx.GetRulesForNt(nt)
	if len(rules) == 0 {
		return nil
	}
	newRule := rules[rng.Intn(len(rules))]
	mutation := treeMutationWithRegeneratedSubtree(t, ctx, nodeID, newRule)
	_, err := run(mutation, ctx)
	return err
}

// havocByteNoise flips a handful of random bits in data in place,
// matching the coarse-grained randomness AFL's havoc stage applies
// between its deterministic passes.
func havocByteNoise(data []byte, rng *rand.Rand) {
	if len(data) == 0 {
		return
	}
	rounds := 1 + rng.Intn(4)
	for i := 0; i < rounds; i++ {
		byteOff := rng.Intn(len(data))
		bit := uint(rng.Intn(8))
		data[byteOff] ^= 1 << bit
	}
}

// MutRandomRecursion picks a random recursion pair and either grows it —
// substituting a copy of the ancestor's subtree for the descendant's 2^k
// times over for a random k in [1,7] — or shrinks it by collapsing
// descendant directly onto ancestor, with equal probability.
func MutRandomRecursion(t *grammar.Tree, ctx *grammar.Context, rng *rand.Rand, run RunFunc) error {
	pairs := t.HasRecursions(ctx)
	if len(pairs) == 0 {
		return nil
	}
	pair := pairs[rng.Intn(len(pairs))]

	if rng.Intn(2) == 0 {
		_, err := run(t.MutateReplaceFromTree(pair.Ancestor, t, pair.Descendant), ctx)
		return err
	}

	repeats := 1 << uint(1+rng.Intn(havocMaxRecursionRepeats))
	grown := growRecursion(t, ctx, pair.Ancestor, pair.Descendant, repeats)
	_, err := run(grown, ctx)
	return err
}

// growRecursion returns a copy of t where the descendant's subtree has
// been replaced by a copy of the ancestor's subtree `repeats` times over.
// Every substitution swaps a subtree for another subtree of the same
// nonterminal (the mirror image of the shrink above), so the result is a
// well-formed tree no matter how many nonterminal children the recursive
// rule carries. Because the donor subtree is placed in pre-order, its own
// descendant node lands a fixed offset past each substitution point,
// which is where the next round substitutes again.
func growRecursion(t *grammar.Tree, ctx *grammar.Context, ancestor, descendant grammar.NodeID, repeats int) *grammar.Tree {
	donor := cloneTree(t, ctx)
	grown := cloneTree(t, ctx)
	offset := descendant - ancestor
	target := descendant
	for i := 0; i < repeats; i++ {
		grown.ReplaceSubtreeInPlace(target, donor, ancestor, ctx)
		target += offset
	}
	return grown
}

// MutSplice grafts a donor subtree from store in place of a random node,
// preferring a donor whose root rule differs from the node's current one
// so the splice isn't a no-op. Does nothing if store has no donor for
// the chosen node's nonterminal.
func MutSplice(t *grammar.Tree, ctx *grammar.Context, store *chunkstore.ChunkStoreWrapper, rng *rand.Rand, run RunFunc) error {
	if t.Size() == 0 {
		return nil
	}
	nodeID := grammar.NodeID(rng.Intn(t.Size()))
	nt := t.GetRule(nodeID, ctx).Nonterm
	excludeRule, _ := t.GetRuleID(nodeID)

	var donor *grammar.Tree
	var donorNode grammar.NodeID
	var found bool
	store.WithReadLock(func(cs *chunkstore.ChunkStore) {
		donor, donorNode, found = cs.GetAlternativeTo(nt, excludeRule, ctx, rng)
	})
	if !found {
		return nil
	}

	mutation := t.MutateReplaceFromTree(nodeID, donor, donorNode)
	_, err := run(mutation, ctx)
	return err
}

// cloneTree returns an independent copy of t, used by the minimization
// passes to restore the pre-shrink tree when run rejects a candidate.
func cloneTree(t *grammar.Tree, ctx *grammar.Context) *grammar.Tree {
	rules := make([]grammar.NormalOrCustomRule, len(t.Rules()))
	copy(rules, t.Rules())
	return grammar.NewTreeFromRules(rules, ctx)
}
