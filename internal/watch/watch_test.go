package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeGrammar(t *testing.T, path string) {
	t.Helper()
	const doc = `[{"nonterm":"N","term":"1"}]`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write grammar: %v", err)
	}
}

func TestWatcherReloadsOnGrammarWrite(t *testing.T) {
	dir := t.TempDir()
	grammarPath := filepath.Join(dir, "grammar.json")
	writeGrammar(t, grammarPath)

	w, err := New(grammarPath, 10, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	writeGrammar(t, grammarPath)

	select {
	case reload := <-w.Reloads:
		if reload.Err != nil {
			t.Fatalf("reload error: %v", reload.Err)
		}
		if reload.Ctx == nil {
			t.Fatal("expected a non-nil reloaded Context")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reload event")
	}
}

func TestWatcherSurfacesNewSeedFiles(t *testing.T) {
	dir := t.TempDir()
	grammarPath := filepath.Join(dir, "grammar.json")
	writeGrammar(t, grammarPath)
	corpusDir := filepath.Join(dir, "corpus")
	if err := os.Mkdir(corpusDir, 0o755); err != nil {
		t.Fatalf("mkdir corpus: %v", err)
	}

	w, err := New(grammarPath, 10, corpusDir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	seedPath := filepath.Join(corpusDir, "seed1")
	if err := os.WriteFile(seedPath, []byte("1"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	select {
	case got := <-w.Seeds:
		if got != seedPath {
			t.Errorf("got %q, want %q", got, seedPath)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a seed event")
	}
}
