package grammar

import (
	"bytes"
	"math/rand"
	"testing"
)

func buildRecursiveGrammar(t *testing.T) *Context {
	t.Helper()
	ctx := NewContext()
	ctx.AddRule("C", "c{B}c3")
	ctx.AddRule("B", "b{A}b23")
	ctx.AddRule("A", "aasdf {A}")
	ctx.AddRule("A", "a2 {A}")
	ctx.AddRule("A", "a sdf{A}")
	ctx.AddRule("A", "a 34{A}")
	ctx.AddRule("A", "adfe {A}")
	ctx.AddRule("A", "a32")
	ctx.Initialize(50)
	return ctx
}

func TestCalcSizesMatchesRecursiveReference(t *testing.T) {
	ctx := buildRecursiveGrammar(t)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		tree := ctx.GenerateTreeFromNt(ctx.NtID("C"), 50, rng)
		want := append([]int(nil), tree.sizes...)
		tree.calcSizes()
		got := tree.sizes
		if len(got) != len(want) {
			t.Fatalf("size length mismatch")
		}
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("iteration %d, node %d: calcSizes gave %d, generation gave %d", i, j, got[j], want[j])
			}
		}
	}
}

func TestCalcParentsIsIdempotent(t *testing.T) {
	ctx := buildRecursiveGrammar(t)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		tree := ctx.GenerateTreeFromNt(ctx.NtID("C"), 50, rng)
		want := append([]NodeID(nil), tree.paren...)
		tree.calcParents(ctx)
		got := tree.paren
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("iteration %d, node %d: calcParents gave %v, want %v", i, j, got[j], want[j])
			}
		}
	}
}

func TestUnparseIterMatchesRecursiveUnparse(t *testing.T) {
	ctx := buildRecursiveGrammar(t)
	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 50; i++ {
		tree := ctx.GenerateTreeFromNt(ctx.NtID("C"), 50, rng)
		var viaRule bytes.Buffer
		if _, err := tree.Unparse(0, ctx, &viaRule); err != nil {
			t.Fatalf("recursive unparse: %v", err)
		}
		viaIter := UnparseToBytes(tree, ctx)
		if viaRule.String() != string(viaIter) {
			t.Errorf("iteration %d: recursive=%q iterative=%q", i, viaRule.String(), viaIter)
		}
	}
}

func TestFindRecursionsOnDeeplyRecursiveGrammar(t *testing.T) {
	ctx := NewContext()
	ctx.AddRule("C", "c{B}c")
	ctx.AddRule("B", "b{A}b")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a")
	ctx.Initialize(20)

	rng := rand.New(rand.NewSource(123))
	for i := 0; i < 50; i++ {
		tree := ctx.GenerateTreeFromNt(ctx.NtID("C"), 20, rng)
		recursions := tree.HasRecursions(ctx)
		if len(recursions) == 0 {
			t.Fatalf("iteration %d: expected recursions in a grammar with self-recursive A", i)
		}
		for _, p := range recursions {
			if !(p.Ancestor < p.Descendant) {
				t.Errorf("recursion pair %v: ancestor should precede descendant", p)
			}
		}
	}
}

func TestMutateReplaceFromTreeSplicesWithoutCopyingSurroundingNodes(t *testing.T) {
	ctx := NewContext()
	ra := ctx.AddRule("A", "a")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("C", "c{A}c")
	ctx.Initialize(10)

	rng := rand.New(rand.NewSource(5))
	donor := ctx.GenerateTreeFromNt(ctx.NtID("A"), 5, rng)
	host := NewTreeFromRules([]NormalOrCustomRule{
		NormalRule(ctx.GetRulesForNt(ctx.NtID("C"))[0]),
		NormalRule(ra),
	}, ctx)

	mut := host.MutateReplaceFromTree(1, donor, 0)
	if mut.Size() != 1+donor.Size() {
		t.Fatalf("mutation size = %d, want %d", mut.Size(), 1+donor.Size())
	}
	spliced := mut.ToTree(ctx)
	if spliced.Size() != mut.Size() {
		t.Fatalf("materialized tree size mismatch")
	}
	viaView := UnparseToBytes(mut, ctx)
	viaTree := UnparseToBytes(spliced, ctx)
	if string(viaView) != string(viaTree) {
		t.Errorf("zero-copy view unparsed to %q, materialized tree to %q", viaView, viaTree)
	}
}
