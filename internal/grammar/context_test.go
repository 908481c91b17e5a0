package grammar

import (
	"math/rand"
	"testing"
)

func TestSimpleRuleTokenization(t *testing.T) {
	ctx := NewContext()
	r := NewRuleFromFormat(ctx, "F", `foo{A:a}\{bar\}{B:b}asd{C}`)

	want := []RuleChild{
		TermChild("foo"),
		NTermChild(ctx, "{A:a}"),
		TermChild("{bar}"),
		NTermChild(ctx, "{B:b}"),
		TermChild("asd"),
		NTermChild(ctx, "{C}"),
	}
	if len(r.Children) != len(want) {
		t.Fatalf("got %d children, want %d", len(r.Children), len(want))
	}
	for i := range want {
		if r.Children[i].Kind != want[i].Kind || string(r.Children[i].Data) != string(want[i].Data) || r.Children[i].NTerm != want[i].NTerm {
			t.Errorf("child %d: got %+v, want %+v", i, r.Children[i], want[i])
		}
	}
	if r.Nonterms[0] != ctx.NtID("A") || r.Nonterms[1] != ctx.NtID("B") || r.Nonterms[2] != ctx.NtID("C") {
		t.Errorf("nonterms mismatch: %v", r.Nonterms)
	}
}

// TestContextGeneratesMinimalDerivation reproduces the spec's scenario
// (1): a small grammar generated with length budget 3 has exactly one
// possible derivation, which unparses to "cbabc".
func TestContextGeneratesMinimalDerivation(t *testing.T) {
	ctx := NewContext()
	r0 := ctx.AddRule("C", "c{B}c")
	r1 := ctx.AddRule("B", "b{A}b")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	r3 := ctx.AddRule("A", "a")
	ctx.Initialize(5)

	if got := ctx.GetMinLenForNt(ctx.NtID("A")); got != 1 {
		t.Errorf("min len A = %d, want 1", got)
	}
	if got := ctx.GetMinLenForNt(ctx.NtID("B")); got != 2 {
		t.Errorf("min len B = %d, want 2", got)
	}
	if got := ctx.GetMinLenForNt(ctx.NtID("C")); got != 3 {
		t.Errorf("min len C = %d, want 3", got)
	}

	rng := rand.New(rand.NewSource(1))
	tree := ctx.GenerateTreeFromNt(ctx.NtID("C"), 3, rng)

	wantRules := []NormalOrCustomRule{NormalRule(r0), NormalRule(r1), NormalRule(r3)}
	if len(tree.Rules()) != len(wantRules) {
		t.Fatalf("got %d rules, want %d", len(tree.Rules()), len(wantRules))
	}
	for i := range wantRules {
		if tree.Rules()[i] != wantRules[i] {
			t.Errorf("rule %d: got %v, want %v", i, tree.Rules()[i], wantRules[i])
		}
	}

	if got := string(UnparseToBytes(tree, ctx)); got != "cbabc" {
		t.Errorf("unparse = %q, want %q", got, "cbabc")
	}
}

// TestGenerateLenExpressionGrammar reproduces the spec's scenario (2): a
// 5-rule arithmetic-expression grammar, generated and also directly
// unparsed from an explicit rule sequence.
func TestGenerateLenExpressionGrammar(t *testing.T) {
	ctx := NewContext()
	r0 := ctx.AddRule("E", "({E}+{E})")
	r1 := ctx.AddRule("E", "({E}*{E})")
	r2 := ctx.AddRule("E", "({E}-{E})")
	r3 := ctx.AddRule("E", "({E}/{E})")
	r4 := ctx.AddRule("E", "1")
	ctx.Initialize(11)

	if got := ctx.GetMinLenForNt(ctx.NtID("E")); got != 1 {
		t.Fatalf("min len E = %d, want 1", got)
	}

	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 100; i++ {
		tree := ctx.GenerateTreeFromNt(ctx.NtID("E"), 9, rng)
		if tree.Size() < 1 || tree.Size() >= 10 {
			t.Fatalf("generated tree size %d out of expected [1,10) range", tree.Size())
		}
	}

	rules := []NormalOrCustomRule{
		NormalRule(r0), NormalRule(r1), NormalRule(r4), NormalRule(r4), NormalRule(r4),
	}
	tree := NewTreeFromRules(rules, ctx)
	if got := string(UnparseToBytes(tree, ctx)); got != "((1*1)+1)" {
		t.Errorf("unparse = %q, want %q", got, "((1*1)+1)")
	}

	rules2 := []NormalOrCustomRule{
		NormalRule(r0), NormalRule(r1), NormalRule(r2), NormalRule(r3),
		NormalRule(r4), NormalRule(r4), NormalRule(r4), NormalRule(r4), NormalRule(r4),
	}
	tree2 := NewTreeFromRules(rules2, ctx)
	if got := string(UnparseToBytes(tree2, ctx)); got != "((((1/1)-1)*1)+1)" {
		t.Errorf("unparse = %q, want %q", got, "((((1/1)-1)*1)+1)")
	}
}

func TestGetRandomLenForRuleIDBoundary(t *testing.T) {
	ctx := NewContext()
	ctx.AddRule("C", "c{B}c")
	ridB := ctx.AddRule("B", "b{D}b")
	ctx.AddRule("B", "b")
	ctx.AddRule("D", "{B}")
	ridA := ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {B}")
	ctx.AddRule("A", "a")
	ctx.Initialize(10)

	rng := rand.New(rand.NewSource(3))
	lensForA := make(map[int]bool)
	lensForB := make(map[int]bool)
	for i := 0; i < 200; i++ {
		lensForA[ctx.GetRandomLenForRuleID(ridA, rng)] = true
		lensForB[ctx.GetRandomLenForRuleID(ridB, rng)] = true
	}
	for l := 1; l <= 10; l++ {
		if !lensForA[l] {
			t.Errorf("expected length %d reachable for rule A1, not observed", l)
		}
	}
	if lensForA[11] {
		t.Errorf("length 11 should not be reachable within max_len 10")
	}
	for _, l := range []int{2, 4, 6, 8, 10} {
		if !lensForB[l] {
			t.Errorf("expected even length %d reachable for rule B -> b{D}b, not observed", l)
		}
	}
	for _, l := range []int{1, 3, 5, 7, 9} {
		if lensForB[l] {
			t.Errorf("odd length %d should not be reachable for rule B -> b{D}b", l)
		}
	}
}

func TestContextSerializationRoundTrip(t *testing.T) {
	ctx := NewContext()
	ctx.AddRule("C", "c{B}c")
	ctx.AddRule("B", "b{D}b")
	ctx.AddRule("B", "b")
	ctx.AddRule("D", "{B}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {A}")
	ctx.AddRule("A", "a {B}")
	ctx.AddRule("A", "a")
	ctx.Initialize(10)

	snap := ctx.CreateSerializableContext(1)
	data, err := snap.MarshalSnapshot()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	ctx2, err := LoadSerializedContext(data, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(ctx.rules) != len(ctx2.rules) {
		t.Fatalf("rule count mismatch: %d vs %d", len(ctx.rules), len(ctx2.rules))
	}
	if ctx.maxLen != ctx2.maxLen {
		t.Errorf("max_len mismatch: %d vs %d", ctx.maxLen, ctx2.maxLen)
	}
	for nt, min := range ctx.ntsMinSize {
		if ctx2.ntsMinSize[nt] != min {
			t.Errorf("nt %d min size mismatch: %d vs %d", nt, min, ctx2.ntsMinSize[nt])
		}
	}
}

func TestLoadSerializedContextRejectsIncompatibleVersion(t *testing.T) {
	ctx := NewContext()
	ctx.AddRule("A", "a")
	ctx.Initialize(3)
	snap := ctx.CreateSerializableContext(0)
	snap.FormatVersion = "2.0.0"
	data, _ := snap.MarshalSnapshot()

	if _, err := LoadSerializedContext(data, false); err == nil {
		t.Fatalf("expected incompatible format_version to be rejected")
	}
}
