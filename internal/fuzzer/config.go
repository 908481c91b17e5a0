package fuzzer

import "time"

// Config collects the run-time parameters gramophone's config.rs loaded
// from a RON file. Config-file loading is explicitly out of scope
// (spec.md §1); cmd/rofl-fuzz surfaces every one of these fields as a CLI
// flag instead (SPEC_FULL.md §4).
type Config struct {
	NumberOfThreads int
	MaxTreeSize     int

	PathToWorkdir string
	PathToBinary  string
	PathToGrammar string
	Arguments     []string

	Timeout       time.Duration
	SaveIntervall time.Duration

	// NoFeedbackMode runs a pure generate-and-execute loop with no queue
	// feedback: useful for smoke-testing a grammar/target pairing before
	// a full coverage-guided run (SPEC_FULL.md §4).
	NoFeedbackMode bool
	DumpMode       bool
}
