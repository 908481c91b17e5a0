package grammar

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// Context owns the full set of registered rules for a grammar: the
// nonterminal/rule tables, the minimal-size fixed point used to bound
// recursive generation, and (once Initialize is called in non-dumb mode)
// the weighted samplers used to pick rules and lengths fairly across a
// size budget.
type Context struct {
	rules        []Rule
	ntsToRules   map[NTermID][]RuleID
	ntIDToName   map[NTermID]string
	nameToNtID   map[string]NTermID
	rulesMinSize map[RuleID]int
	ntsMinSize   map[NTermID]int

	ntsToRuleSamplers map[NTermID][]*AliasTable // indexed by length, len == maxLen
	ntsToLenSamplers  map[NTermID]*AliasTable

	ntAndNToCount  map[ntLenKey]uint16
	rhsAndNToCount map[rhsLenKey]uint16
	rhsAndNToCountU32 map[rhsLenKey]uint32

	ruleIDToPossibleLens map[RuleID][]int

	maxLen int
	dumb   bool
}

type ntLenKey struct {
	nt  NTermID
	n   int
}

type rhsLenKey struct {
	rhs string
	n   int
}

func rhsKey(nterms []NTermID, n int) rhsLenKey {
	var b strings.Builder
	for i, nt := range nterms {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(nt)))
	}
	return rhsLenKey{rhs: b.String(), n: n}
}

// NewContext creates an empty, non-dumb context.
func NewContext() *Context {
	return NewContextWithDumb(false)
}

// NewContextWithDumb creates an empty context. In dumb mode, rule and
// length selection fall back to uniform sampling instead of the
// size-weighted samplers (useful for grammars too large to enumerate
// possibility counts for, at the cost of uneven size distribution).
func NewContextWithDumb(dumb bool) *Context {
	return &Context{
		ntsToRules:        make(map[NTermID][]RuleID),
		ntIDToName:        make(map[NTermID]string),
		nameToNtID:        make(map[string]NTermID),
		rulesMinSize:      make(map[RuleID]int),
		ntsMinSize:        make(map[NTermID]int),
		ntsToRuleSamplers: make(map[NTermID][]*AliasTable),
		ntsToLenSamplers:  make(map[NTermID]*AliasTable),
		ntAndNToCount:     make(map[ntLenKey]uint16),
		rhsAndNToCount:    make(map[rhsLenKey]uint16),
		rhsAndNToCountU32: make(map[rhsLenKey]uint32),
		ruleIDToPossibleLens: make(map[RuleID][]int),
		dumb: dumb,
	}
}

// Initialize computes the minimal-size fixed point and, unless the
// context is dumb, the per-(nonterminal,length) and per-nonterminal
// samplers needed for size-fair generation. Call once after all rules
// have been added.
func (c *Context) Initialize(maxLen int) {
	c.CalcMinLen()
	c.maxLen = maxLen + 2
	if !c.dumb {
		c.calcSampler()
		c.setRuleIDToPossibleLengths()
	}
}

func (c *Context) GetRule(r RuleID) *Rule { return &c.rules[int(r)] }
func (c *Context) GetNt(r RuleID) NTermID { return c.GetRule(r).Nonterm }
func (c *Context) GetNumChildren(r RuleID) int { return c.GetRule(r).NumberOfNonterms() }

// AddRule tokenizes format against nt and registers the resulting rule.
func (c *Context) AddRule(nt, format string) RuleID {
	rid := RuleID(len(c.rules))
	rule := NewRuleFromFormat(c, nt, format)
	ntid := c.AcquireNTermID(nt)
	c.rules = append(c.rules, rule)
	c.ntsToRules[ntid] = append(c.ntsToRules[ntid], rid)
	return rid
}

// AddTermRule registers a rule whose single child is a fixed literal
// (no further tokenization — useful for binary payloads read verbatim
// from a grammar's terminal list).
func (c *Context) AddTermRule(nt string, term []byte) RuleID {
	rid := RuleID(len(c.rules))
	ntid := c.AcquireNTermID(nt)
	c.rules = append(c.rules, NewRuleFromTerm(ntid, term))
	c.ntsToRules[ntid] = append(c.ntsToRules[ntid], rid)
	return rid
}

func (c *Context) AcquireNTermID(nt string) NTermID {
	if id, ok := c.nameToNtID[nt]; ok {
		return id
	}
	id := NTermID(len(c.ntIDToName))
	c.nameToNtID[nt] = id
	c.ntIDToName[id] = nt
	return id
}

func (c *Context) IsDumb() bool { return c.dumb }

func (c *Context) NtID(nt string) NTermID {
	id, ok := c.nameToNtID[nt]
	if !ok {
		panic("no such nonterminal: " + nt)
	}
	return id
}

// HasNt reports whether nt is a registered nonterminal name, letting a
// caller validate user-supplied input (e.g. a CLI's -seed-nt flag)
// without triggering NtID's panic.
func (c *Context) HasNt(nt string) bool {
	_, ok := c.nameToNtID[nt]
	return ok
}

func (c *Context) NtIDToString(nt NTermID) string { return c.ntIDToName[nt] }

func (c *Context) calcMinLenForRule(r RuleID) (int, bool) {
	res := 1
	for _, ntID := range c.GetRule(r).Nonterms {
		min, ok := c.ntsMinSize[ntID]
		if !ok {
			return 0, false
		}
		res += min
	}
	return res, true
}

// CalcMinLen computes, for every rule and nonterminal, the minimum number
// of tree nodes a derivation can consume, by iterating to a fixed point:
// a rule's min size is known once every nonterminal it references has a
// known min size. Panics (matching the original's behavior) if some
// rules can never be resolved this way (a nonterminal with no terminating
// production, i.e. unproductive rules).
func (c *Context) CalcMinLen() {
	somethingChanged := true
	for somethingChanged {
		somethingChanged = false
		unknown := make([]RuleID, len(c.rules))
		for i := range c.rules {
			unknown[i] = RuleID(i)
		}
		for len(unknown) > 0 {
			lastLen := len(unknown)
			next := unknown[:0:0]
			for _, rule := range unknown {
				min, ok := c.calcMinLenForRule(rule)
				if !ok {
					next = append(next, rule)
					continue
				}
				nt := c.GetRule(rule).Nonterm
				if existing, has := c.ntsMinSize[nt]; !has || existing > min {
					c.ntsMinSize[nt] = min
					somethingChanged = true
				}
				c.rulesMinSize[rule] = min
			}
			unknown = next
			if len(unknown) == lastLen {
				names := make([]string, 0, len(unknown))
				for _, r := range unknown {
					names = append(names, c.ntIDToName[c.GetRule(r).Nonterm])
				}
				panic(fmt.Sprintf("unproductive rules for nonterminals: %v", names))
			}
		}
	}
	c.calcRuleOrder()
}

func (c *Context) calcRuleOrder() {
	for _, rules := range c.ntsToRules {
		sortByMinSize(rules, c.rulesMinSize)
	}
}

func sortByMinSize(rules []RuleID, minSize map[RuleID]int) {
	// small lists (typical grammars have few alternatives per
	// nonterminal) — a plain insertion sort keeps this allocation-free.
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && minSize[rules[j-1]] > minSize[rules[j]]; j-- {
			rules[j-1], rules[j] = rules[j], rules[j-1]
		}
	}
}

func (c *Context) calcSampler() {
	for _, min := range c.rulesMinSize {
		if min >= c.maxLen {
			panic("rule min size exceeds configured max length")
		}
	}

	nterms := make(map[NTermID]bool)
	for _, rule := range c.rules {
		nterms[rule.Nonterm] = true
	}

	for nt := range nterms {
		c.ntsToRuleSamplers[nt] = make([]*AliasTable, c.maxLen)
	}

	for i := 1; i < c.maxLen; i++ {
		for nt := range nterms {
			c.countPossibilitiesNterm(nt, i)
			if c.ntAndNToCount[ntLenKey{nt, i}] == 0 {
				continue
			}
			rulesForNt := c.ntsToRules[nt]
			probs := make([]float64, len(rulesForNt))
			var normFactor uint64
			for x, rid := range rulesForNt {
				nterms := c.GetRule(rid).Nonterms
				v := uint32(c.countPossibilitiesRule(nterms, i-1))
				probs[x] = float64(v)
				normFactor += uint64(v)
			}
			if normFactor == 0 {
				continue
			}
			for x := range probs {
				probs[x] /= float64(normFactor)
			}
			c.ntsToRuleSamplers[nt][i] = NewAliasTable(probs)
		}
	}

	for nt := range nterms {
		probs := make([]float64, c.maxLen)
		var normFactor uint64
		for i := 1; i < c.maxLen; i++ {
			p := c.getPossibilitiesForNterm(nt, i)
			normFactor += uint64(p)
			probs[i] = float64(p)
		}
		if normFactor == 0 {
			continue
		}
		for i := 1; i < c.maxLen; i++ {
			probs[i] /= float64(normFactor)
		}
		c.ntsToLenSamplers[nt] = NewAliasTable(probs)
	}
}

func (c *Context) setRuleIDToPossibleLengths() {
	for ruleID := range c.rulesMinSize {
		var lengths []int
		for i := 1; i < c.maxLen; i++ {
			if c.GetPossibilitiesForRule(c.rules[int(ruleID)].Nonterms, i-1) != 0 {
				lengths = append(lengths, i)
			}
		}
		c.ruleIDToPossibleLens[ruleID] = lengths
	}
}

func (c *Context) countPossibilitiesNterm(nt NTermID, length int) uint16 {
	if length < 1 {
		return 0
	}
	key := ntLenKey{nt, length}
	if v, ok := c.ntAndNToCount[key]; ok {
		return v
	}
	var sum uint16
	for _, rid := range c.ntsToRules[nt] {
		nterms := c.GetRule(rid).Nonterms
		v := c.countPossibilitiesRule(nterms, length-1)
		newSum, ok := addU16Checked(sum, v)
		if !ok {
			sum = math.MaxUint16
			break
		}
		sum = newSum
	}
	c.ntAndNToCount[key] = sum
	return sum
}

func (c *Context) countPossibilitiesRule(nterms []NTermID, length int) uint16 {
	if len(nterms) == 0 {
		if length == 0 {
			return 1
		}
		return 0
	}
	key := rhsKey(nterms, length)
	if v, ok := c.rhsAndNToCount[key]; ok {
		return v
	}
	var possibilities uint32
	rest := nterms[1:]
	for s := 0; s <= length; s++ {
		a := c.countPossibilitiesRule(rest, s)
		b := c.countPossibilitiesNterm(nterms[0], length-s)
		m, ok := mulU16Checked(a, b)
		if !ok {
			m = math.MaxUint16
		}
		possibilities += uint32(m)
	}
	res := uint16(math.MaxUint16)
	if possibilities <= math.MaxUint16 {
		res = uint16(possibilities)
	}
	c.rhsAndNToCountU32[key] = possibilities
	c.rhsAndNToCount[key] = res
	return res
}

func (c *Context) GetPossibilitiesForRule(nterms []NTermID, length int) uint16 {
	if len(nterms) == 0 {
		if length == 0 {
			return 1
		}
		return 0
	}
	return c.rhsAndNToCount[rhsKey(nterms, length)]
}

func (c *Context) GetPossibilitiesForRuleU32(nterms []NTermID, length int) uint32 {
	if len(nterms) == 0 {
		if length == 0 {
			return 1
		}
		return 0
	}
	return c.rhsAndNToCountU32[rhsKey(nterms, length)]
}

func (c *Context) getPossibilitiesForNterm(nt NTermID, length int) uint16 {
	if length < 1 {
		return 0
	}
	return c.ntAndNToCount[ntLenKey{nt, length}]
}

func (c *Context) CheckIfNtermHasMultiplePossibilities(nt NTermID) bool {
	if c.dumb {
		return len(c.ntsToRules[nt]) > 1
	}
	var counter uint16
	for i := 1; i < c.maxLen; i++ {
		v, ok := addU16Checked(counter, c.getPossibilitiesForNterm(nt, i))
		if !ok {
			return true
		}
		counter = v
		if counter > 1 {
			return true
		}
	}
	return false
}

// GetRandomLen picks how much of len a rule whose remaining right-hand
// side is rhsOfRule should allocate to its first nonterminal, weighted so
// that every reachable split is equally likely across the whole subtree.
func (c *Context) GetRandomLen(length int, rhsOfRule []NTermID, rng *rand.Rand) int {
	if c.dumb {
		return c.dumbGetRandomLen(len(rhsOfRule), length, rng)
	}
	possibilities := c.GetPossibilitiesForRuleU32(rhsOfRule, length)
	if possibilities == 0 {
		panic("no possibilities for requested rule/length")
	}
	remaining := rhsOfRule[1:]
	nt := rhsOfRule[0]
	random := uint32(rng.Int63n(int64(possibilities)))
	var counter uint32
	for i := 0; i <= length; i++ {
		a := c.GetPossibilitiesForRule(remaining, i)
		b := c.getPossibilitiesForNterm(nt, length-i)
		m, ok := mulU16Checked(a, b)
		if !ok {
			m = math.MaxUint16
		}
		counter += uint32(m)
		if counter > random {
			return length - i
		}
	}
	panic(fmt.Sprintf("no random len for %s within %d steps found", c.ntIDToName[nt], length))
}

// dumbGetRandomLen implements the "stack overflow" trick
// (https://stackoverflow.com/a/8068956) for fairly splitting a length
// budget across numberOfChildren children without possibility counts:
// take the minimum of numberOfChildren-1 independent uniform draws.
// It is called once per child as Rule.Generate visits each nonterminal
// in turn (not once for the whole rule), matching how the non-dumb path
// also calls GetRandomLen per child.
func (c *Context) dumbGetRandomLen(numberOfChildren, totalRemainingLen int, rng *rand.Rand) int {
	res := totalRemainingLen
	for i := 0; i < numberOfChildren-1; i++ {
		proposal := rng.Intn(totalRemainingLen + 1)
		if proposal < res {
			res = proposal
		}
	}
	return res
}

func (c *Context) GetMinLenForNt(nt NTermID) int { return c.ntsMinSize[nt] }

// GetMinLenForRule returns the minimum number of tree nodes a derivation
// of r can consume, as computed by CalcMinLen.
func (c *Context) GetMinLenForRule(r RuleID) int { return c.rulesMinSize[r] }

func (c *Context) GetRandomRuleForNt(nt NTermID, length int, rng *rand.Rand) RuleID {
	if c.dumb {
		return c.dumbGetRandomRuleForNt(nt, length, rng)
	}
	samplers := c.ntsToRuleSamplers[nt]
	if length >= len(samplers) || samplers[length] == nil {
		panic(fmt.Sprintf("there is no way to derive %s within %d steps", c.ntIDToName[nt], length))
	}
	idx := samplers[length].Sample(rng)
	return c.ntsToRules[nt][idx]
}

func (c *Context) dumbGetRandomRuleForNt(nt NTermID, maxLen int, rng *rand.Rand) RuleID {
	rules := c.ntsToRules[nt]
	var applicable []RuleID
	for _, r := range rules {
		if c.rulesMinSize[r] <= maxLen {
			applicable = append(applicable, r)
		}
	}
	if len(applicable) == 0 {
		panic(fmt.Sprintf("there is no way to derive %s within %d steps", c.ntIDToName[nt], maxLen))
	}
	return applicable[rng.Intn(len(applicable))]
}

func (c *Context) GetRandomLenForRuleID(ruleID RuleID, rng *rand.Rand) int {
	lens := c.ruleIDToPossibleLens[ruleID]
	if len(lens) == 0 {
		panic("no possible lengths recorded for rule")
	}
	return lens[rng.Intn(len(lens))] - 1
}

func (c *Context) GetRandomLenForNt(nt NTermID, rng *rand.Rand) int {
	if c.dumb {
		return c.maxLen
	}
	sampler := c.ntsToLenSamplers[nt]
	if sampler == nil {
		panic(fmt.Sprintf("no length sampler for nonterminal %s", c.ntIDToName[nt]))
	}
	return sampler.Sample(rng)
}

func (c *Context) GetRulesForNt(nt NTermID) []RuleID { return c.ntsToRules[nt] }

func (c *Context) GenerateTreeFromNt(nt NTermID, maxLen int, rng *rand.Rand) *Tree {
	rid := c.GetRandomRuleForNt(nt, maxLen, rng)
	return c.GenerateTreeFromRule(rid, maxLen-1, rng)
}

func (c *Context) GenerateTreeFromRule(r RuleID, length int, rng *rand.Rand) *Tree {
	tree := NewTreeFromRules(nil, c)
	tree.GenerateFromRule(r, length, c, rng)
	return tree
}
