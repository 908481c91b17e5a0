// Command rofl-fuzz is the grammar-guided, coverage-driven fuzzer's CLI
// entrypoint: it loads a grammar, spawns a pool of fork-server-backed
// workers against a target binary, and drives the coverage queue until
// interrupted. Grounded on cmd/orizon-fuzz/main.go's flag-based shape
// (SPEC_FULL.md §2 "Configuration") — CLI argument parsing itself and RON
// config-file loading are out of scope per spec.md §1, so every knob the
// teacher's config.rs loaded from a file is surfaced here as a flag
// instead (SPEC_FULL.md §4).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/orizon-lang/rofl/internal/chunkstore"
	"github.com/orizon-lang/rofl/internal/fuzzer"
	"github.com/orizon-lang/rofl/internal/grammar"
	"github.com/orizon-lang/rofl/internal/rlog"
	"github.com/orizon-lang/rofl/internal/watch"
)

func main() {
	var (
		grammarPath  string
		targetPath   string
		targetArgs   string
		workDir      string
		threads      int
		maxTreeSize  int
		seedNt       string
		timeout      time.Duration
		saveEvery    time.Duration
		corpusDir    string
		watchGrammar bool
		noFeedback   bool
		dumpMode     bool
		dumbMode     bool
	)

	flag.StringVar(&grammarPath, "grammar", "", "path to a JSON grammar file (required)")
	flag.StringVar(&targetPath, "target", "", "absolute path to the instrumented target binary (required)")
	flag.StringVar(&targetArgs, "target-args", "", "comma-separated target argv, with @@ standing in for the input file path")
	flag.StringVar(&workDir, "workdir", "./rofl-out", "directory for outputs/queue, outputs/signaled, outputs/timeout, outputs/dumped_inputs")
	flag.IntVar(&threads, "threads", 1, "number of worker threads, each with its own fork server")
	flag.IntVar(&maxTreeSize, "max-tree-size", 1000, "hard cap on generated/mutated tree size, in nodes")
	flag.StringVar(&seedNt, "seed-nt", "", "root nonterminal name to generate seeds/refills from (required)")
	flag.DurationVar(&timeout, "timeout", 2*time.Second, "per-execution timeout before the target is considered hung")
	flag.DurationVar(&saveEvery, "save-interval", 30*time.Second, "how often to mark/refresh persisted state")
	flag.StringVar(&corpusDir, "corpus-dir", "", "optional directory of seed files to watch for live import")
	flag.BoolVar(&watchGrammar, "watch", false, "watch -grammar (and -corpus-dir) for changes and hot-reload")
	flag.BoolVar(&noFeedback, "no-feedback-mode", false, "skip coverage-guided mutation; only generate and execute fresh trees (smoke test)")
	flag.BoolVar(&dumpMode, "dump-mode", false, "also write every executed input under outputs/dumped_inputs")
	flag.BoolVar(&dumbMode, "dumb", false, "bypass weighted sampling for uniform-by-index tree generation")
	flag.Parse()

	log := rlog.New("main")

	if grammarPath == "" || targetPath == "" || seedNt == "" {
		fmt.Fprintln(os.Stderr, "usage: rofl-fuzz -grammar FILE -target PATH -seed-nt NAME [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	if !filepath.IsAbs(targetPath) {
		abs, err := filepath.Abs(targetPath)
		if err != nil {
			log.Fatalf("resolve target path: %v", err)
		}
		targetPath = abs
	}

	if err := makeWorkdirLayout(workDir); err != nil {
		log.Fatalf("prepare workdir: %v", err)
	}

	ctx, err := loadGrammar(grammarPath, maxTreeSize, dumbMode)
	if err != nil {
		log.Fatalf("load grammar: %v", err)
	}
	if !ctx.HasNt(seedNt) {
		log.Fatalf("seed nonterminal %q not found in grammar", seedNt)
	}

	global := fuzzer.NewSharedState(workDir)
	cks := chunkstore.NewWrapper()
	args := splitTargetArgs(targetArgs)

	cfg := fuzzer.Config{
		NumberOfThreads: threads,
		MaxTreeSize:     maxTreeSize,
		PathToWorkdir:   workDir,
		PathToBinary:    targetPath,
		PathToGrammar:   grammarPath,
		Arguments:       args,
		Timeout:         timeout,
		SaveIntervall:   saveEvery,
		NoFeedbackMode:  noFeedback,
		DumpMode:        dumpMode,
	}

	states := make([]*fuzzer.FuzzingState, 0, threads)
	for i := 0; i < threads; i++ {
		workerName := fmt.Sprintf("worker-%d", i)
		fz, err := fuzzer.NewFuzzer(targetPath, args, timeout, global, workDir, workerName,
			fuzzer.WithDumpMode(dumpMode))
		if err != nil {
			log.Fatalf("start fork server for %s: %v", workerName, err)
		}
		defer fz.Close()
		states = append(states, fuzzer.NewFuzzingState(fz, ctx, cfg, cks))
	}

	loop := fuzzer.NewLoop(states, global, seedNt, noFeedback, saveEvery)

	var watcher *watch.Watcher
	if watchGrammar {
		watcher, err = watch.New(grammarPath, maxTreeSize, corpusDir)
		if err != nil {
			log.Fatalf("start grammar watcher: %v", err)
		}
		defer watcher.Close()
		go watchLoop(watcher, log, states, loop)
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("starting %d worker(s) against %s (seed nonterminal %q, max tree size %d)",
		threads, targetPath, seedNt, maxTreeSize)

	if err := loop.Run(runCtx); err != nil {
		log.Fatalf("fuzzer loop: %v", err)
	}

	snap := global.Snapshot()
	log.Printf("stopped after %d executions (queue=%d processed=%d)", snap.Stats.ExecutionCount, snap.QueueLen, snap.ProcessedLen)
}

// loadGrammar loads grammarPath with (or without) dumb-mode sampling. The
// dumb flag can only be set at Context construction and LoadGrammarFile
// has no dumb variant, so in dumb mode the file is read here and handed
// to grammar.LoadGrammarBytesDumb.
func loadGrammar(path string, maxLen int, dumb bool) (*grammar.Context, error) {
	if !dumb {
		return grammar.LoadGrammarFile(path, maxLen)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grammar file: %w", err)
	}
	return grammar.LoadGrammarBytesDumb(data, maxLen)
}

// splitTargetArgs parses a comma-separated argv list, trimming surrounding
// whitespace from each element; an empty string yields no arguments.
func splitTargetArgs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	args := make([]string, 0, len(parts))
	for _, p := range parts {
		args = append(args, strings.TrimSpace(p))
	}
	return args
}

// makeWorkdirLayout creates the on-disk sink directories spec.md §6
// names: outputs/queue, outputs/signaled, outputs/timeout, and
// outputs/dumped_inputs.
func makeWorkdirLayout(workDir string) error {
	for _, sub := range []string{"outputs/queue", "outputs/signaled", "outputs/timeout", "outputs/dumped_inputs"} {
		if err := os.MkdirAll(filepath.Join(workDir, sub), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return nil
}

// watchLoop applies grammar reloads and newly dropped seed files until
// the watcher is closed. A reload swaps each worker state's Context in
// place; since FuzzingState.Ctx is read per call, not cached per item, a
// call already running finishes with the Context it loaded, and every
// later generation or mutation call, including on items already queued,
// uses the reloaded one. Seed files are read whole and handed to
// the loop, where the next free worker executes them through the normal
// coverage-feedback path.
func watchLoop(w *watch.Watcher, log *rlog.Logger, states []*fuzzer.FuzzingState, loop *fuzzer.Loop) {
	for {
		select {
		case reload, ok := <-w.Reloads:
			if !ok {
				return
			}
			if reload.Err != nil {
				log.Printf("grammar reload failed, keeping previous grammar: %v", reload.Err)
				continue
			}
			log.Printf("grammar reloaded from disk")
			for _, s := range states {
				s.SetCtx(reload.Ctx)
			}
		case seed, ok := <-w.Seeds:
			if !ok {
				return
			}
			data, err := os.ReadFile(seed)
			if err != nil {
				log.Printf("read seed file %s: %v", seed, err)
				continue
			}
			log.Printf("importing seed file %s (%d bytes)", seed, len(data))
			loop.ImportSeed(data)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Printf("watcher error: %v", err)
		}
	}
}
