// Package watch reloads a running fuzzer's grammar and ingests freshly
// dropped seed files without a restart, adapted from
// internal/runtime/vfs's fsnotify-backed Watcher.
package watch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/orizon-lang/rofl/internal/grammar"
)

// GrammarReload carries a freshly loaded Context in from a changed
// grammar file. The existing queue's items are not touched: their trees
// keep their rule IDs, which later mutation and unparsing look up in
// whichever Context is current.
type GrammarReload struct {
	Ctx *grammar.Context
	Err error
}

// Watcher watches a grammar file and, optionally, a seed-corpus
// directory for changes, surfacing each as a typed event on its own
// channel rather than the raw fsnotify.Event the teacher's
// FSNotifyWatcher exposes — callers here only ever care about two
// outcomes (grammar changed, seed file appeared), not the full event
// vocabulary vfs.Watcher supports.
type Watcher struct {
	w *fsnotify.Watcher

	grammarPath string
	maxTreeLen  int
	corpusDir   string

	Reloads chan GrammarReload
	Seeds   chan string
	Errors  chan error

	done chan struct{}
}

// New starts watching grammarPath for writes; if corpusDir is non-empty
// it is also watched, and any newly created file under it is surfaced on
// Seeds. maxTreeLen bounds tree generation from the reloaded grammar,
// same as grammar.LoadGrammarFile's own parameter.
func New(grammarPath string, maxTreeLen int, corpusDir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(grammarPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch grammar dir: %w", err)
	}
	if corpusDir != "" {
		if err := fw.Add(corpusDir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch corpus dir: %w", err)
		}
	}

	watcher := &Watcher{
		w:           fw,
		grammarPath: grammarPath,
		maxTreeLen:  maxTreeLen,
		corpusDir:   corpusDir,
		Reloads:     make(chan GrammarReload, 1),
		Seeds:       make(chan string, 64),
		Errors:      make(chan error, 1),
		done:        make(chan struct{}),
	}
	go watcher.loop()
	return watcher, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			select {
			case w.Errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		abs = ev.Name
	}
	grammarAbs, err := filepath.Abs(w.grammarPath)
	if err == nil && abs == grammarAbs && (ev.Op&(fsnotify.Write|fsnotify.Create) != 0) {
		ctx, loadErr := grammar.LoadGrammarFile(w.grammarPath, w.maxTreeLen)
		select {
		case w.Reloads <- GrammarReload{Ctx: ctx, Err: loadErr}:
		default:
		}
		return
	}

	if w.corpusDir == "" || ev.Op&fsnotify.Create == 0 {
		return
	}
	corpusAbs, err := filepath.Abs(w.corpusDir)
	if err != nil {
		corpusAbs = w.corpusDir
	}
	if filepath.Dir(abs) == corpusAbs {
		if info, statErr := os.Stat(ev.Name); statErr == nil && !info.IsDir() {
			select {
			case w.Seeds <- ev.Name:
			default:
			}
		}
	}
}

// Close stops the watcher and releases its underlying fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}
