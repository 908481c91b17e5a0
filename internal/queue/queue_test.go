package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/orizon-lang/rofl/internal/forksrv"
	"github.com/orizon-lang/rofl/internal/grammar"
)

func buildTestCtx(t *testing.T) *grammar.Context {
	t.Helper()
	ctx := grammar.NewContext()
	ctx.AddRule("A", "a")
	ctx.Initialize(5)
	return ctx
}

func buildTestTree(t *testing.T, ctx *grammar.Context) *grammar.Tree {
	t.Helper()
	rid := ctx.GetRulesForNt(ctx.NtID("A"))[0]
	return grammar.NewTreeFromRules([]grammar.NormalOrCustomRule{grammar.NormalRule(rid)}, ctx)
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "outputs", "queue"), 0o755); err != nil {
		t.Fatalf("mkdir queue dir: %v", err)
	}
	return New(dir + string(os.PathSeparator))
}

func TestAddRejectsFullyDominatedInput(t *testing.T) {
	ctx := buildTestCtx(t)
	q := newTestQueue(t)
	tree := buildTestTree(t, ctx)

	bits := make([]byte, 64)
	bits[3] = 1
	if err := q.Add(tree, bits, []int{3}, forksrv.ExitReason{Kind: forksrv.Normal}, ctx, 10); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1", q.Len())
	}

	// A second input covering exactly the same already-owned bit
	// contributes nothing new and must be rejected.
	if err := q.Add(tree, bits, nil, forksrv.ExitReason{Kind: forksrv.Normal}, ctx, 10); err != nil {
		t.Fatalf("Add (dominated): %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("dominated input was admitted: queue len = %d, want 1", q.Len())
	}
}

func TestAddAdmitsInputWithFreshBit(t *testing.T) {
	ctx := buildTestCtx(t)
	q := newTestQueue(t)
	tree := buildTestTree(t, ctx)

	bitsA := make([]byte, 64)
	bitsA[1] = 1
	bitsB := make([]byte, 64)
	bitsB[1] = 1
	bitsB[2] = 1

	if err := q.Add(tree, bitsA, nil, forksrv.ExitReason{Kind: forksrv.Normal}, ctx, 1); err != nil {
		t.Fatalf("Add A: %v", err)
	}
	if err := q.Add(tree, bitsB, nil, forksrv.ExitReason{Kind: forksrv.Normal}, ctx, 1); err != nil {
		t.Fatalf("Add B: %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("queue len = %d, want 2 (B owns fresh bit 2)", q.Len())
	}
}

func TestPopRemovesItemFromBitOwnership(t *testing.T) {
	ctx := buildTestCtx(t)
	q := newTestQueue(t)
	tree := buildTestTree(t, ctx)

	bits := make([]byte, 8)
	bits[0] = 1
	if err := q.Add(tree, bits, nil, forksrv.ExitReason{Kind: forksrv.Normal}, ctx, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	item, ok := q.Pop()
	if !ok {
		t.Fatalf("Pop returned nothing")
	}
	if _, stillOwned := q.BitToInputs[0]; stillOwned {
		t.Fatalf("bit 0 still attributed to popped item %d", item.ID)
	}
	if q.Len() != 0 {
		t.Fatalf("queue len = %d after pop, want 0", q.Len())
	}
}

func TestFinishedMovesToProcessedAndNewRoundRestores(t *testing.T) {
	ctx := buildTestCtx(t)
	q := newTestQueue(t)
	tree := buildTestTree(t, ctx)

	bits := make([]byte, 8)
	bits[4] = 1
	if err := q.Add(tree, bits, nil, forksrv.ExitReason{Kind: forksrv.Normal}, ctx, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	item, _ := q.Pop()
	q.Finished(item)

	if q.Len() != 0 {
		t.Fatalf("queue len = %d, want 0 (item moved to Processed)", q.Len())
	}
	if len(q.Processed) != 1 {
		t.Fatalf("processed len = %d, want 1", len(q.Processed))
	}

	q.NewRound()
	if q.Len() != 1 {
		t.Fatalf("queue len after NewRound = %d, want 1", q.Len())
	}
	if len(q.Processed) != 0 {
		t.Fatalf("processed not drained by NewRound: %d", len(q.Processed))
	}
}

func TestFinishedDeletesOnDiskEntryWhenDominated(t *testing.T) {
	ctx := buildTestCtx(t)
	q := newTestQueue(t)
	tree := buildTestTree(t, ctx)

	bits := make([]byte, 8)
	bits[6] = 1
	if err := q.Add(tree, bits, nil, forksrv.ExitReason{Kind: forksrv.Normal}, ctx, 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	item, _ := q.Pop()
	path := q.queueFilePath(item.ID, item.ExitReason)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected on-disk queue entry at %s: %v", path, err)
	}

	// Popping stripped this item's own bit ownership; admit another
	// input covering the same bit so Finished sees it as dominated.
	dominant := make([]byte, 8)
	dominant[6] = 1
	if err := q.Add(tree, dominant, nil, forksrv.ExitReason{Kind: forksrv.Normal}, ctx, 1); err != nil {
		t.Fatalf("Add dominant: %v", err)
	}

	q.Finished(item)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected on-disk queue entry to be removed once dominated, stat err = %v", err)
	}
}
