package grammar

import (
	"encoding/json"
	"fmt"
	"os"
)

// jsonRule is one entry of a grammar file: a nonterminal name plus either
// a format string (tokenized the same way AddRule tokenizes it) or a
// literal terminal (taken verbatim, useful for binary payloads that
// would otherwise need escaping to survive tokenization).
type jsonRule struct {
	Nonterm string `json:"nonterm"`
	Format  string `json:"format,omitempty"`
	Term    string `json:"term,omitempty"`
}

// LoadGrammarFile reads a JSON grammar description (an array of
// {"nonterm", "format"} or {"nonterm", "term"} entries) and returns an
// initialized Context ready to generate trees up to maxLen nodes.
func LoadGrammarFile(path string, maxLen int) (*Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grammar file: %w", err)
	}
	return LoadGrammarBytes(data, maxLen)
}

// LoadGrammarBytes parses raw JSON grammar bytes the same way
// LoadGrammarFile does.
func LoadGrammarBytes(data []byte, maxLen int) (*Context, error) {
	return loadGrammarBytes(data, maxLen, false)
}

// LoadGrammarBytesDumb parses raw JSON grammar bytes into a dumb-mode
// Context (uniform-by-index rule/length selection instead of the
// size-weighted samplers) — useful for grammars too large to afford the
// possibility-count precomputation Initialize otherwise performs.
func LoadGrammarBytesDumb(data []byte, maxLen int) (*Context, error) {
	return loadGrammarBytes(data, maxLen, true)
}

func loadGrammarBytes(data []byte, maxLen int, dumb bool) (*Context, error) {
	var rules []jsonRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode grammar: %w", err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("grammar has no rules")
	}

	ctx := NewContextWithDumb(dumb)
	for i, r := range rules {
		if r.Nonterm == "" {
			return nil, fmt.Errorf("rule %d: missing nonterm", i)
		}
		switch {
		case r.Format != "":
			ctx.AddRule(r.Nonterm, r.Format)
		case r.Term != "":
			ctx.AddTermRule(r.Nonterm, []byte(r.Term))
		default:
			return nil, fmt.Errorf("rule %d (%s): must set either format or term", i, r.Nonterm)
		}
	}
	ctx.Initialize(maxLen)
	return ctx, nil
}
