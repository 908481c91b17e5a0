package grammar

import (
	"bytes"
	"io"
	"math/rand"
)

// TreeLike is implemented by both a materialized Tree and a TreeMutation
// (a zero-copy view spliced together from three slices) so that unparsing
// and recursion-aware mutation code can operate on either without
// distinguishing them.
type TreeLike interface {
	GetRuleID(n NodeID) (RuleID, bool)
	Size() int
	ToTree(ctx *Context) *Tree
	GetRule(n NodeID, ctx *Context) *Rule
	Unparse(id NodeID, ctx *Context, w io.Writer) (NodeID, error)
}

func getNontermID(t TreeLike, n NodeID, ctx *Context) NTermID {
	return t.GetRule(n, ctx).Nonterm
}

// unparseIter renders t starting at id using an explicit stack instead of
// recursion, so that very deep trees don't blow the Go call stack. It
// panics with "not a valid tree for unparsing" if the rule sequence
// doesn't actually form a tree (a nonterminal child doesn't match the
// node that follows it) — the same invariant the dense/flat
// representation depends on elsewhere.
func unparseIter(t TreeLike, id NodeID, ctx *Context, w io.Writer) {
	var stack []RuleChild
	for i := int(id); i < t.Size(); i++ {
		var nextNterm *NTermID
		for len(stack) > 0 {
			rc := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			switch rc.Kind {
			case ChildTerm, ChildCustomTerm:
				if _, err := w.Write(rc.Data); err != nil {
					panic(err)
				}
			case ChildNTerm:
				nt := rc.NTerm
				nextNterm = &nt
			}
			if nextNterm != nil {
				break
			}
		}
		rule := t.GetRule(NodeID(i), ctx)
		if nextNterm != nil && *nextNterm != rule.Nonterm {
			panic("not a valid tree for unparsing")
		}
		for i := len(rule.Children) - 1; i >= 0; i-- {
			stack = append(stack, rule.Children[i])
		}
	}
	var nextNterm *NTermID
	for len(stack) > 0 {
		rc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch rc.Kind {
		case ChildTerm, ChildCustomTerm:
			if _, err := w.Write(rc.Data); err != nil {
				panic(err)
			}
		case ChildNTerm:
			nt := rc.NTerm
			nextNterm = &nt
		}
		if nextNterm != nil {
			break
		}
	}
	if nextNterm != nil {
		panic("not a valid tree for unparsing")
	}
}

// UnparseToWriter renders the full tree to w.
func UnparseToWriter(t TreeLike, ctx *Context, w io.Writer) {
	unparseIter(t, NodeID(0), ctx, w)
}

// UnparseToBytes renders the full tree and returns the result.
func UnparseToBytes(t TreeLike, ctx *Context) []byte {
	var buf bytes.Buffer
	unparseIter(t, NodeID(0), ctx, &buf)
	return buf.Bytes()
}

// UnparseNodeToBytes renders only the subtree rooted at n.
func UnparseNodeToBytes(t TreeLike, n NodeID, ctx *Context) []byte {
	var buf bytes.Buffer
	unparseIter(t, n, ctx, &buf)
	return buf.Bytes()
}

// Tree is the dense, pre-order flat representation of a derivation: three
// parallel slices indexed by node id rather than a pointer-based tree.
// rules[i] is the production used at node i; sizes[i] is the number of
// nodes in the subtree rooted at i (including i itself); paren[i] is the
// node id of i's parent (paren[0] is meaningless and left at 0).
type Tree struct {
	rules []NormalOrCustomRule
	sizes []int
	paren []NodeID
}

func NewTreeFromRules(rules []NormalOrCustomRule, ctx *Context) *Tree {
	t := &Tree{
		rules: rules,
		sizes: make([]int, len(rules)),
		paren: make([]NodeID, len(rules)),
	}
	if len(t.rules) > 0 {
		t.calcSubtreeSizesAndParents(ctx)
	}
	return t
}

func (t *Tree) Rules() []NormalOrCustomRule { return t.rules }

func (t *Tree) GetRuleID(n NodeID) (RuleID, bool) {
	r := t.rules[int(n)]
	if r.IsNormal() {
		return r.Normal, true
	}
	return 0, false
}

func (t *Tree) Size() int { return len(t.rules) }

func (t *Tree) ToTree(ctx *Context) *Tree { return t }

func (t *Tree) GetRule(n NodeID, ctx *Context) *Rule {
	r := t.rules[int(n)]
	if r.IsNormal() {
		return ctx.GetRule(r.Normal)
	}
	return r.Custom
}

func (t *Tree) Unparse(id NodeID, ctx *Context, w io.Writer) (NodeID, error) {
	return t.GetRule(id, ctx).Unparse(t, id, ctx, w)
}

func (t *Tree) GetNormalOrCustomRule(n NodeID) NormalOrCustomRule { return t.rules[int(n)] }

func (t *Tree) SubtreeSize(n NodeID) int { return t.sizes[int(n)] }

func (t *Tree) GetParent(n NodeID) (NodeID, bool) {
	if n != 0 {
		return t.paren[int(n)], true
	}
	return 0, false
}

func (t *Tree) slice(from, to NodeID) []NormalOrCustomRule {
	return t.rules[int(from):int(to)]
}

// MutateReplaceFromTree builds a TreeMutation that replaces the subtree
// rooted at n with the subtree rooted at otherNode in other, without
// copying any of the surrounding nodes.
func (t *Tree) MutateReplaceFromTree(n NodeID, other *Tree, otherNode NodeID) *TreeMutation {
	oldSize := t.SubtreeSize(n)
	newSize := other.SubtreeSize(otherNode)
	return &TreeMutation{
		prefix:  t.slice(0, n),
		repl:    other.slice(otherNode, otherNode+NodeID(newSize)),
		postfix: t.slice(n+NodeID(oldSize), NodeID(len(t.rules))),
	}
}

func (t *Tree) calcSubtreeSizesAndParents(ctx *Context) {
	t.calcParents(ctx)
	t.calcSizes()
}

func (t *Tree) calcParents(ctx *Context) {
	if t.Size() == 0 {
		return
	}
	type frame struct {
		nt   NTermID
		node NodeID
	}
	stack := []frame{{t.GetRule(0, ctx).Nonterm, 0}}
	for i := 0; i < t.Size(); i++ {
		nodeID := NodeID(i)
		nonterm := t.GetRule(nodeID, ctx).Nonterm
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.nt != nonterm {
			panic("not a valid tree for unparsing")
		}
		t.paren[i] = top.node
		rule := t.GetRule(nodeID, ctx)
		for j := len(rule.Children) - 1; j >= 0; j-- {
			if rule.Children[j].Kind == ChildNTerm {
				stack = append(stack, frame{rule.Children[j].NTerm, nodeID})
			}
		}
	}
}

func (t *Tree) calcSizes() {
	for i := range t.sizes {
		t.sizes[i] = 1
	}
	for i := t.Size() - 1; i >= 1; i-- {
		t.sizes[t.paren[i]] += t.sizes[i]
	}
}

func (t *Tree) Truncate() {
	t.rules = t.rules[:0]
	t.sizes = t.sizes[:0]
	t.paren = t.paren[:0]
}

// ReplaceWithCustomRule splices a single-node custom rule (always a bare
// terminal) in place of the subtree rooted at nodeID, shrinking every
// ancestor's recorded size by the number of nodes removed and dropping
// the now-orphaned descendant nodes from the flat arrays.
func (t *Tree) ReplaceWithCustomRule(nodeID NodeID, newRule *Rule) {
	t.replaceWithSingleNode(nodeID, CustomRule(newRule))
}

// ReplaceWithRule splices a single-node normal rule (a terminating,
// min-size-1 production of the node's own nonterminal) in place of the
// subtree rooted at nodeID — the shrink step minimization uses to try
// each of a node's smallest alternative productions in turn.
func (t *Tree) ReplaceWithRule(nodeID NodeID, ruleID RuleID) {
	t.replaceWithSingleNode(nodeID, NormalRule(ruleID))
}

func (t *Tree) replaceWithSingleNode(nodeID NodeID, newRule NormalOrCustomRule) {
	oldSize := t.sizes[int(nodeID)]
	sizeDifference := oldSize - 1

	cur := nodeID
	for int(cur) != 0 {
		t.sizes[int(cur)] -= sizeDifference
		cur = t.paren[int(cur)]
	}
	t.sizes[int(cur)] -= sizeDifference

	t.rules[int(nodeID)] = newRule

	start := int(nodeID) + 1
	end := int(nodeID) + oldSize
	if end > len(t.rules) {
		end = len(t.rules)
	}
	if end > start {
		t.rules = append(t.rules[:start], t.rules[end:]...)
		t.paren = append(t.paren[:start], t.paren[end:]...)
		t.sizes = append(t.sizes[:start], t.sizes[end:]...)
	}
}

// ReplaceSubtreeInPlace overwrites t with the tree that
// MutateReplaceFromTree(nodeID, donor, donorNode) would describe,
// materializing it via the ordinary ToTree path (which recomputes
// parent links and sizes from scratch in one linear pass). Used once a
// candidate splice or recursion-grow/shrink mutation has been accepted
// — the zero-copy TreeMutation view is for probing candidates, not for
// holding the accepted result.
func (t *Tree) ReplaceSubtreeInPlace(nodeID NodeID, donor *Tree, donorNode NodeID, ctx *Context) {
	materialized := t.MutateReplaceFromTree(nodeID, donor, donorNode).ToTree(ctx)
	*t = *materialized
}

// GenerateFromRule resets t and generates a fresh derivation of ruleID
// with up to maxLen remaining nodes.
func (t *Tree) GenerateFromRule(ruleID RuleID, maxLen int, ctx *Context, rng *rand.Rand) {
	t.Truncate()
	t.rules = append(t.rules, NormalRule(ruleID))
	t.sizes = append(t.sizes, 0)
	t.paren = append(t.paren, NodeID(0))
	ctx.GetRule(ruleID).Generate(t, ctx, maxLen, rng)
	t.sizes[0] = len(t.rules)
}

// HasRecursions reports the (ancestor, descendant) node pairs sharing a
// nonterminal, scanning at most the last 10000 nodes and walking at most
// 15 ancestors up from each — enough to find recursion opportunities in
// practice without an O(n^2) full scan on huge trees.
func (t *Tree) HasRecursions(ctx *Context) []RecursionPair {
	return t.findRecursionsIter(ctx)
}

type RecursionPair struct {
	Ancestor   NodeID
	Descendant NodeID
}

func (t *Tree) findRecursionsIter(ctx *Context) []RecursionPair {
	var found []RecursionPair
	limit := t.Size()
	if limit > 10000 {
		limit = 10000
	}
	for i := 1; i <= limit; i++ {
		nodeID := NodeID(t.Size() - i)
		currentNterm := t.GetRule(nodeID, ctx).Nonterm
		currentNodeID := t.paren[int(nodeID)]
		for depth := 0; int(currentNodeID) != 0 && depth < 15; depth++ {
			if t.GetRule(currentNodeID, ctx).Nonterm == currentNterm {
				found = append(found, RecursionPair{Ancestor: currentNodeID, Descendant: nodeID})
			}
			currentNodeID = t.paren[int(currentNodeID)]
		}
	}
	return found
}
