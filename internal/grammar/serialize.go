package grammar

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// snapshotFormatVersion is bumped whenever the on-disk shape of
// SerializableContext changes in a way that breaks older snapshots.
const snapshotFormatVersion = "1.0.0"

// snapshotCompatRange is the range of snapshot format versions this
// binary can load.
const snapshotCompatRange = ">= 1.0.0, < 2.0.0"

// SerializableContext is the on-disk form of a compiled Context: the
// rule tables and every precomputed count/length table, but none of the
// alias samplers (those are rebuilt from the counts on load, since
// they're cheap to recompute and awkward to serialize).
type SerializableContext struct {
	FormatVersion string `json:"format_version"`

	Rules        []Rule           `json:"rules"`
	NtsToRules   map[string][]int `json:"nts_to_rules"`
	NtIDToName   map[string]string `json:"nt_id_to_name"`
	RulesMinSize map[int]int      `json:"rules_min_size"`
	NtsMinSize   map[string]int   `json:"nts_min_size"`

	NtAndNToCount     map[string]uint16 `json:"nt_and_n_to_count"`
	RhsAndNToCount    map[string]uint16 `json:"rhs_and_n_to_count"`
	RhsAndNToCountU32 map[string]uint32 `json:"rhs_and_n_to_count_u32"`

	RuleIDToPossibleLens map[int][]int `json:"rule_id_to_possible_lens"`

	MaxLen         int    `json:"max_len"`
	HashOfOriginal uint64 `json:"hash_of_original"`
	Dumb           bool   `json:"dumb"`
}

// CreateSerializableContext captures a snapshot of c suitable for
// persisting to disk and later reloading with semver-checked
// compatibility (see LoadSerializedContext).
func (c *Context) CreateSerializableContext(hashOfOriginal uint64) *SerializableContext {
	s := &SerializableContext{
		FormatVersion:        snapshotFormatVersion,
		Rules:                append([]Rule(nil), c.rules...),
		NtsToRules:           make(map[string][]int, len(c.ntsToRules)),
		NtIDToName:           make(map[string]string, len(c.ntIDToName)),
		RulesMinSize:         make(map[int]int, len(c.rulesMinSize)),
		NtsMinSize:           make(map[string]int, len(c.ntsMinSize)),
		NtAndNToCount:        make(map[string]uint16, len(c.ntAndNToCount)),
		RhsAndNToCount:       make(map[string]uint16, len(c.rhsAndNToCount)),
		RhsAndNToCountU32:    make(map[string]uint32, len(c.rhsAndNToCountU32)),
		RuleIDToPossibleLens: make(map[int][]int, len(c.ruleIDToPossibleLens)),
		MaxLen:               c.maxLen,
		HashOfOriginal:       hashOfOriginal,
		Dumb:                 c.dumb,
	}
	for nt, rules := range c.ntsToRules {
		ids := make([]int, len(rules))
		for i, r := range rules {
			ids[i] = int(r)
		}
		s.NtsToRules[fmt.Sprint(int(nt))] = ids
	}
	for nt, name := range c.ntIDToName {
		s.NtIDToName[fmt.Sprint(int(nt))] = name
	}
	for r, min := range c.rulesMinSize {
		s.RulesMinSize[int(r)] = min
	}
	for nt, min := range c.ntsMinSize {
		s.NtsMinSize[fmt.Sprint(int(nt))] = min
	}
	for k, v := range c.ntAndNToCount {
		s.NtAndNToCount[fmt.Sprintf("%d:%d", int(k.nt), k.n)] = v
	}
	for k, v := range c.rhsAndNToCount {
		s.RhsAndNToCount[fmt.Sprintf("%s:%d", k.rhs, k.n)] = v
	}
	for k, v := range c.rhsAndNToCountU32 {
		s.RhsAndNToCountU32[fmt.Sprintf("%s:%d", k.rhs, k.n)] = v
	}
	for r, lens := range c.ruleIDToPossibleLens {
		s.RuleIDToPossibleLens[int(r)] = append([]int(nil), lens...)
	}
	return s
}

// MarshalSnapshot serializes a snapshot to JSON.
func (s *SerializableContext) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(s)
}

// LoadSerializedContext checks the snapshot's FormatVersion against the
// range this binary supports before reconstructing a Context from it;
// a snapshot from an incompatible format version is rejected rather than
// partially loaded.
func LoadSerializedContext(data []byte, dumb bool) (*Context, error) {
	var s SerializableContext
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode grammar snapshot: %w", err)
	}
	if s.FormatVersion == "" {
		return nil, fmt.Errorf("grammar snapshot missing format_version")
	}
	v, err := semver.NewVersion(s.FormatVersion)
	if err != nil {
		return nil, fmt.Errorf("grammar snapshot has invalid format_version %q: %w", s.FormatVersion, err)
	}
	constraint, err := semver.NewConstraint(snapshotCompatRange)
	if err != nil {
		return nil, fmt.Errorf("internal: invalid snapshot compat range: %w", err)
	}
	if !constraint.Check(v) {
		return nil, fmt.Errorf("grammar snapshot format_version %s is incompatible with this binary (supports %s)", s.FormatVersion, snapshotCompatRange)
	}

	c := NewContextWithDumb(dumb)
	c.rules = append([]Rule(nil), s.Rules...)
	for ntStr, ids := range s.NtsToRules {
		nt, rules := parseNtKey(ntStr), make([]RuleID, len(ids))
		for i, id := range ids {
			rules[i] = RuleID(id)
		}
		c.ntsToRules[nt] = rules
	}
	for ntStr, name := range s.NtIDToName {
		nt := parseNtKey(ntStr)
		c.ntIDToName[nt] = name
		c.nameToNtID[name] = nt
	}
	for r, min := range s.RulesMinSize {
		c.rulesMinSize[RuleID(r)] = min
	}
	for ntStr, min := range s.NtsMinSize {
		c.ntsMinSize[parseNtKey(ntStr)] = min
	}
	for k, v := range s.NtAndNToCount {
		nt, n := parseCompositeKey(k)
		c.ntAndNToCount[ntLenKey{NTermID(nt), n}] = v
	}
	for k, v := range s.RhsAndNToCount {
		rhs, n := parseRhsKey(k)
		c.rhsAndNToCount[rhsLenKey{rhs, n}] = v
	}
	for k, v := range s.RhsAndNToCountU32 {
		rhs, n := parseRhsKey(k)
		c.rhsAndNToCountU32[rhsLenKey{rhs, n}] = v
	}
	for r, lens := range s.RuleIDToPossibleLens {
		c.ruleIDToPossibleLens[RuleID(r)] = append([]int(nil), lens...)
	}
	c.maxLen = s.MaxLen
	c.dumb = dumb

	if !dumb {
		c.calcSampler()
		if s.Dumb {
			c.setRuleIDToPossibleLengths()
		}
	}
	return c, nil
}

func parseNtKey(s string) NTermID {
	var n int
	fmt.Sscanf(s, "%d", &n)
	return NTermID(n)
}

func parseCompositeKey(s string) (int, int) {
	var a, b int
	fmt.Sscanf(s, "%d:%d", &a, &b)
	return a, b
}

func parseRhsKey(s string) (string, int) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			var n int
			fmt.Sscanf(s[i+1:], "%d", &n)
			return s[:i], n
		}
	}
	return s, 0
}
