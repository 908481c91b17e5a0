package grammar

import (
	"io"
	"math/rand"
	"regexp"
	"strings"
)

// RuleChildKind distinguishes the three kinds of pieces a rule's
// right-hand side can be made of.
type RuleChildKind int

const (
	ChildTerm RuleChildKind = iota
	ChildCustomTerm
	ChildNTerm
)

// RuleChild is one piece of a Rule's right-hand side: either a literal
// byte run, a byte run produced by a mutation (never re-tokenized), or a
// reference to a nonterminal.
type RuleChild struct {
	Kind  RuleChildKind
	Data  []byte
	NTerm NTermID
}

func TermChild(lit string) RuleChild {
	return RuleChild{Kind: ChildTerm, Data: []byte(lit)}
}

func CustomTermChild(data []byte) RuleChild {
	return RuleChild{Kind: ChildCustomTerm, Data: data}
}

func NTermChild(ctx *Context, name string) RuleChild {
	nonterm, _ := splitNTermDescription(name)
	return RuleChild{Kind: ChildNTerm, NTerm: ctx.AcquireNTermID(nonterm)}
}

// unparse writes this child's contribution to w and returns the node id
// that follows whatever subtree it consumed (only nonterminal children
// advance the cursor; literals contribute nothing to the node count).
func (c RuleChild) unparse(t TreeLike, cur NodeID, ctx *Context, w io.Writer) (NodeID, error) {
	switch c.Kind {
	case ChildTerm, ChildCustomTerm:
		if _, err := w.Write(c.Data); err != nil {
			return cur, err
		}
		return cur, nil
	case ChildNTerm:
		return t.Unparse(cur+1, ctx, w)
	default:
		panic("unreachable rule child kind")
	}
}

var nontermDescriptionRe = regexp.MustCompile(`^\{([A-Z][a-zA-Z_\-0-9]*)(?::([a-zA-Z_\-0-9]*))?\}$`)

// splitNTermDescription splits "{A}" or "{A:a}" into the nonterminal name
// and an (unused) descriptive label.
func splitNTermDescription(desc string) (string, string) {
	m := nontermDescriptionRe.FindStringSubmatch(desc)
	if m == nil {
		panic("malformed nonterminal reference: " + desc)
	}
	return m[1], m[2]
}

var ruleTokenizerRe = regexp.MustCompile(`(\{[^}\\]+\})|((?:[^{\\]|\\\{|\\\}|\\)+)`)

func tokenizeFormat(ctx *Context, format string) []RuleChild {
	matches := ruleTokenizerRe.FindAllStringSubmatch(format, -1)
	children := make([]RuleChild, 0, len(matches))
	for _, m := range matches {
		if m[1] != "" {
			children = append(children, NTermChild(ctx, m[1]))
			continue
		}
		lit := strings.ReplaceAll(m[2], `\{`, "{")
		lit = strings.ReplaceAll(lit, `\}`, "}")
		children = append(children, TermChild(lit))
	}
	return children
}

// NormalOrCustomRule is the tagged union stored per tree node: either a
// reference into the owning Context's rule table, or a rule synthesized
// during mutation (always a single terminal, never re-tokenized).
type NormalOrCustomRule struct {
	Normal RuleID
	Custom *Rule
}

func NormalRule(id RuleID) NormalOrCustomRule {
	return NormalOrCustomRule{Normal: id}
}

func CustomRule(r *Rule) NormalOrCustomRule {
	return NormalOrCustomRule{Custom: r}
}

func (r NormalOrCustomRule) IsNormal() bool { return r.Custom == nil }

// Rule is one production: a nonterminal and the sequence of children
// that realize it.
type Rule struct {
	Nonterm  NTermID
	Children []RuleChild
	Nonterms []NTermID
}

// NewRuleFromFormat tokenizes format and registers any nonterminal
// references it contains against ctx.
func NewRuleFromFormat(ctx *Context, nonterm, format string) Rule {
	children := tokenizeFormat(ctx, format)
	nonterms := make([]NTermID, 0, len(children))
	for _, c := range children {
		if c.Kind == ChildNTerm {
			nonterms = append(nonterms, c.NTerm)
		}
	}
	return Rule{
		Nonterm:  ctx.AcquireNTermID(nonterm),
		Children: children,
		Nonterms: nonterms,
	}
}

func NewRuleFromTerm(ntid NTermID, term []byte) Rule {
	return Rule{Nonterm: ntid, Children: []RuleChild{TermChild(string(term))}}
}

func NewRuleFromCustomTerm(ntid NTermID, term []byte) Rule {
	return Rule{Nonterm: ntid, Children: []RuleChild{CustomTermChild(term)}}
}

func (r *Rule) NumberOfNonterms() int { return len(r.Nonterms) }

// Unparse writes out this rule's children in order, recursing into the
// tree for nonterminal children.
func (r *Rule) Unparse(t TreeLike, id NodeID, ctx *Context, w io.Writer) (NodeID, error) {
	var err error
	for _, c := range r.Children {
		id, err = c.unparse(t, id, ctx, w)
		if err != nil {
			return id, err
		}
	}
	return id, nil
}

// Generate fills in the subtree rooted at the node this rule was just
// pushed for, distributing len amongst this rule's nonterminal children
// left to right, and returns the total number of nodes consumed
// (including this rule's own node).
//
// In dumb (ungrounded / uniform) mode, each child independently draws its
// own length budget via dumbGetRandomLen before generating — the length
// distribution is computed per child as it is visited, not once for the
// whole remaining right-hand side.
func (r *Rule) Generate(tree *Tree, ctx *Context, length int, rng *rand.Rand) int {
	minimalNeededLen := 0
	for _, nt := range r.Nonterms {
		minimalNeededLen += ctx.GetMinLenForNt(nt)
	}
	if minimalNeededLen > length {
		panic("not enough length budget for rule's nonterminals")
	}
	remainingLen := length
	if ctx.IsDumb() {
		remainingLen -= minimalNeededLen
	}

	paren := NodeID(len(tree.rules) - 1)
	totalSize := 1

	for i, nt := range r.Nonterms {
		var curChildMaxLen int
		rest := r.Nonterms[i:]
		if len(rest) != 0 {
			curChildMaxLen = ctx.GetRandomLen(remainingLen, rest, rng)
		} else {
			curChildMaxLen = remainingLen
		}
		if ctx.IsDumb() {
			curChildMaxLen += ctx.GetMinLenForNt(nt)
		}

		rid := ctx.GetRandomRuleForNt(nt, curChildMaxLen, rng)

		offset := len(tree.rules)
		tree.rules = append(tree.rules, NormalRule(rid))
		tree.sizes = append(tree.sizes, 0)
		tree.paren = append(tree.paren, NodeID(0))

		consumedLen := ctx.GetRule(rid).Generate(tree, ctx, curChildMaxLen-1, rng)
		tree.sizes[offset] = consumedLen
		tree.paren[offset] = paren

		if ctx.IsDumb() {
			remainingLen += ctx.GetMinLenForNt(nt)
		}
		remainingLen -= consumedLen
		totalSize += consumedLen
	}

	return totalSize
}
