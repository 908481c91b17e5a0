package grammar

import "io"

// TreeMutation is a read-only view over three slices — an unchanged
// prefix, a replacement subtree, and an unchanged postfix — that together
// behave like the tree that would result from splicing them, without
// copying the prefix/postfix nodes. Mutation strategies build one of
// these per candidate mutation and execute the target against it before
// ever materializing a full Tree.
type TreeMutation struct {
	prefix  []NormalOrCustomRule
	repl    []NormalOrCustomRule
	postfix []NormalOrCustomRule
}

func NewTreeMutation(prefix, repl, postfix []NormalOrCustomRule) *TreeMutation {
	return &TreeMutation{prefix: prefix, repl: repl, postfix: postfix}
}

func (m *TreeMutation) Size() int {
	return len(m.prefix) + len(m.repl) + len(m.postfix)
}

func (m *TreeMutation) locate(n NodeID) (NormalOrCustomRule, bool) {
	i := int(n)
	end0 := len(m.prefix)
	end1 := end0 + len(m.repl)
	end2 := end1 + len(m.postfix)
	switch {
	case i < end0:
		return m.prefix[i], true
	case i < end1:
		return m.repl[i-end0], true
	case i < end2:
		return m.postfix[i-end1], true
	default:
		return NormalOrCustomRule{}, false
	}
}

func (m *TreeMutation) GetRuleID(n NodeID) (RuleID, bool) {
	r, ok := m.locate(n)
	if !ok {
		panic("index out of bound for rule access")
	}
	if r.IsNormal() {
		return r.Normal, true
	}
	return 0, false
}

func (m *TreeMutation) ToTree(ctx *Context) *Tree {
	all := make([]NormalOrCustomRule, 0, m.Size())
	all = append(all, m.prefix...)
	all = append(all, m.repl...)
	all = append(all, m.postfix...)
	return NewTreeFromRules(all, ctx)
}

func (m *TreeMutation) GetRule(n NodeID, ctx *Context) *Rule {
	r, ok := m.locate(n)
	if !ok {
		panic("index out of bound for rule access")
	}
	if r.IsNormal() {
		return ctx.GetRule(r.Normal)
	}
	return r.Custom
}

func (m *TreeMutation) Unparse(id NodeID, ctx *Context, w io.Writer) (NodeID, error) {
	return m.GetRule(id, ctx).Unparse(m, id, ctx, w)
}
