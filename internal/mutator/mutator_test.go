package mutator

import (
	"math/rand"
	"testing"

	"github.com/orizon-lang/rofl/internal/chunkstore"
	"github.com/orizon-lang/rofl/internal/grammar"
)

// digitGrammar builds a tiny grammar with one recursive nonterminal (N)
// and one terminal alternative, used across the tests below.
func digitGrammar() *grammar.Context {
	ctx := grammar.NewContext()
	ctx.AddRule("N", "{N}{N}")
	ctx.AddTermRule("N", []byte("1"))
	ctx.AddTermRule("N", []byte("2"))
	ctx.Initialize(10)
	return ctx
}

func TestMinimizeTreeShrinksToCheapestForm(t *testing.T) {
	ctx := digitGrammar()
	rng := rand.New(rand.NewSource(1))
	tree := ctx.GenerateTreeFromNt(ctx.NtID("N"), 7, rng)

	keepAll := func(grammar.TreeLike, *grammar.Context) (bool, error) { return true, nil }
	if err := MinimizeTree(tree, ctx, keepAll); err != nil {
		t.Fatalf("MinimizeTree: %v", err)
	}
	if tree.Size() != 1 {
		t.Errorf("got size %d, want the minimal single-node form", tree.Size())
	}
}

func TestMinimizeTreeRejectsShrinkWhenRunSaysNo(t *testing.T) {
	ctx := digitGrammar()
	rng := rand.New(rand.NewSource(2))
	tree := ctx.GenerateTreeFromNt(ctx.NtID("N"), 7, rng)
	before := string(grammar.UnparseToBytes(tree, ctx))

	rejectAll := func(grammar.TreeLike, *grammar.Context) (bool, error) { return false, nil }
	if err := MinimizeTree(tree, ctx, rejectAll); err != nil {
		t.Fatalf("MinimizeTree: %v", err)
	}
	after := string(grammar.UnparseToBytes(tree, ctx))
	if before != after {
		t.Errorf("tree changed despite run always rejecting: %q -> %q", before, after)
	}
}

func TestMutRulesVisitsEveryAlternative(t *testing.T) {
	ctx := digitGrammar()
	rng := rand.New(rand.NewSource(3))
	tree := ctx.GenerateTreeFromNt(ctx.NtID("N"), 1, rng)
	if tree.Size() != 1 {
		t.Fatalf("expected a single-node tree, got size %d", tree.Size())
	}

	var seen []string
	record := func(view grammar.TreeLike, ctx *grammar.Context) (bool, error) {
		seen = append(seen, string(grammar.UnparseToBytes(view, ctx)))
		return false, nil
	}
	if err := MutRules(tree, ctx, record); err != nil {
		t.Fatalf("MutRules: %v", err)
	}
	// N has 3 productions (the recursive one plus two terminals); excluding
	// the node's own current rule leaves exactly 2 substitution candidates.
	if len(seen) != 2 {
		t.Fatalf("got %d candidates, want exactly 2", len(seen))
	}
	for _, s := range seen {
		if len(s) == 0 {
			t.Errorf("candidate unparsed to empty string")
		}
	}
}

func TestMutRulesAflMutatesTerminalLeaf(t *testing.T) {
	ctx := digitGrammar()
	tree := ctx.GenerateTreeFromRule(mustFindTermRule(ctx, "1"), 1, rand.New(rand.NewSource(4)))

	var candidates int
	record := func(view grammar.TreeLike, ctx *grammar.Context) (bool, error) {
		candidates++
		return false, nil
	}
	if err := MutRulesAfl(tree, ctx, record); err != nil {
		t.Fatalf("MutRulesAfl: %v", err)
	}
	if candidates == 0 {
		t.Error("expected at least one byte-mutation candidate for a 1-byte terminal leaf")
	}
	if got := string(grammar.UnparseToBytes(tree, ctx)); got != "1" {
		t.Errorf("original tree mutated in place: got %q, want %q", got, "1")
	}
}

func TestMutRandomProducesACandidate(t *testing.T) {
	ctx := digitGrammar()
	rng := rand.New(rand.NewSource(5))
	tree := ctx.GenerateTreeFromNt(ctx.NtID("N"), 5, rng)

	ran := false
	record := func(grammar.TreeLike, *grammar.Context) (bool, error) { ran = true; return false, nil }
	if err := MutRandom(tree, ctx, rng, record); err != nil {
		t.Fatalf("MutRandom: %v", err)
	}
	if !ran {
		t.Error("expected MutRandom to invoke run")
	}
}

func TestMutRandomRecursionGrowsOrShrinks(t *testing.T) {
	ctx := digitGrammar()
	rng := rand.New(rand.NewSource(6))
	tree := ctx.GenerateTreeFromNt(ctx.NtID("N"), 9, rng)

	if len(tree.HasRecursions(ctx)) == 0 {
		t.Skip("generated tree happened not to contain a recursion pair")
	}

	var gotSize int
	record := func(view grammar.TreeLike, ctx *grammar.Context) (bool, error) {
		gotSize = view.Size()
		return false, nil
	}
	if err := MutRandomRecursion(tree, ctx, rng, record); err != nil {
		t.Fatalf("MutRandomRecursion: %v", err)
	}
	if gotSize == 0 {
		t.Error("expected run to be invoked with a candidate")
	}
}

// TestGrowRecursionOnMultiChildRecursiveRule nests a recursion whose rule
// has two nonterminal children: every substitution must leave a
// well-formed tree, and the grown result must still unparse.
func TestGrowRecursionOnMultiChildRecursiveRule(t *testing.T) {
	ctx := grammar.NewContext()
	rPlus := ctx.AddRule("E", "({E}+{E})")
	rOne := ctx.AddRule("E", "1")
	ctx.Initialize(11)

	// ((1+1)+1): the root and its left child form an E/E recursion pair.
	tree := grammar.NewTreeFromRules([]grammar.NormalOrCustomRule{
		grammar.NormalRule(rPlus), grammar.NormalRule(rPlus),
		grammar.NormalRule(rOne), grammar.NormalRule(rOne), grammar.NormalRule(rOne),
	}, ctx)
	if got := string(grammar.UnparseToBytes(tree, ctx)); got != "((1+1)+1)" {
		t.Fatalf("fixture unparse = %q, want %q", got, "((1+1)+1)")
	}

	const repeats = 4
	grown := growRecursion(tree, ctx, 0, 1, repeats)

	// Each substitution swaps the 3-node descendant subtree for the
	// 5-node ancestor subtree, so the tree gains 2 nodes per round.
	if want := tree.Size() + 2*repeats; grown.Size() != want {
		t.Errorf("grown size = %d, want %d", grown.Size(), want)
	}
	out := string(grammar.UnparseToBytes(grown, ctx))
	opens, closes := 0, 0
	for _, c := range out {
		switch c {
		case '(':
			opens++
		case ')':
			closes++
		}
	}
	if opens == 0 || opens != closes {
		t.Errorf("grown tree unparsed to unbalanced %q", out)
	}
	if got := string(grammar.UnparseToBytes(tree, ctx)); got != "((1+1)+1)" {
		t.Errorf("original tree mutated by grow: %q", got)
	}
}

func TestMutSpliceSwapsInDonorSubtree(t *testing.T) {
	ctx := digitGrammar()
	rngA := rand.New(rand.NewSource(7))
	donorTree := ctx.GenerateTreeFromNt(ctx.NtID("N"), 5, rngA)

	store := chunkstore.NewWrapper()
	store.WithWriteLock(func(cs *chunkstore.ChunkStore) { cs.AddTree(donorTree, ctx) })

	rngB := rand.New(rand.NewSource(8))
	tree := ctx.GenerateTreeFromNt(ctx.NtID("N"), 5, rngB)

	ran := false
	record := func(grammar.TreeLike, *grammar.Context) (bool, error) { ran = true; return false, nil }
	if err := MutSplice(tree, ctx, store, rngB, record); err != nil {
		t.Fatalf("MutSplice: %v", err)
	}
	_ = ran // the chosen node's nonterminal may have no alternative donor; not invoking run is valid too
}

func mustFindTermRule(ctx *grammar.Context, term string) grammar.RuleID {
	nt := ctx.NtID("N")
	for _, r := range ctx.GetRulesForNt(nt) {
		rule := ctx.GetRule(r)
		if len(rule.Children) == 1 && rule.Children[0].Kind != grammar.ChildNTerm && string(rule.Children[0].Data) == term {
			return r
		}
	}
	panic("no such term rule: " + term)
}
