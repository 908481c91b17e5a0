package fuzzer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/orizon-lang/rofl/internal/queue"
)

// Loop runs a fixed pool of worker goroutines, each holding its own
// FuzzingState (and therefore its own fork server and grammar Context),
// pulling items off the shared queue and driving them through
// Init->Det->DetAFL->Random — "a fixed pool of worker threads, each
// holding one independent fork-server and one per-thread mutation state"
// (spec.md §5), dispatched by queue.InputState's Kind.
//
// The production Rust dispatch loop (main.rs) was not part of the
// retrieved source pack — only fuzzer.rs, queue.rs, config.rs,
// shared_state.rs, and state.rs were, plus test_runner.rs, which turned
// out to be an unrelated debug/replay harness rather than the worker-pool
// driver. This stage-dispatch shape is therefore inferred directly from
// state.rs's method set (Minimize/DeterministicRuleMutation/
// DeterministicAflMutation/Havoc/HavocRecursion/Splice/GenerateRandom)
// and queue.rs's InputState FSM, not transliterated from a loop
// implementation.
//
// queue.InputState's Cursor/RuleCursor/AflCursor fields are carried for
// on-disk/serialized fidelity with the state the teacher tracks per item,
// but are not consumed here: FuzzingState's stage methods each run their
// pass to completion in one call rather than resuming from a saved
// cursor, so there is nothing mid-pass to resume from between rounds.
type Loop struct {
	states        []*FuzzingState
	global        *SharedState
	seedNt        string
	noFeedback    bool
	saveIntervall time.Duration
	seeds         chan []byte
}

// NewLoop builds a Loop over one already-constructed FuzzingState per
// worker. Every state must share the same global SharedState (the queue
// and coverage bitmaps they contend over) and the same grammar's root
// nonterminal name, seedNt, used to refill an empty queue.
func NewLoop(states []*FuzzingState, global *SharedState, seedNt string, noFeedback bool, saveIntervall time.Duration) *Loop {
	return &Loop{
		states:        states,
		global:        global,
		seedNt:        seedNt,
		noFeedback:    noFeedback,
		saveIntervall: saveIntervall,
		seeds:         make(chan []byte, 64),
	}
}

// ImportSeed hands raw seed bytes (e.g. a file dropped into a watched
// corpus directory) to the next worker that comes around for them. Seeds
// are dropped rather than queued once the buffer fills — live import is
// best-effort, not a delivery guarantee.
func (l *Loop) ImportSeed(data []byte) {
	select {
	case l.seeds <- data:
	default:
	}
}

// Run spawns one goroutine per worker state plus (if saveIntervall > 0)
// one periodic state-saved ticker, and blocks until ctx is cancelled or a
// worker returns a fatal error, whichever comes first. A cancelled ctx is
// not itself an error: Run returns nil once every goroutine has noticed
// and exited.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(l.states))

	if l.saveIntervall > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.runSaveTicker(ctx)
		}()
	}

	for i, s := range l.states {
		wg.Add(1)
		workerIdx, state := i, s
		rng := rand.New(rand.NewSource(int64(workerIdx) + 1))
		go func() {
			defer wg.Done()
			if err := l.runWorker(ctx, state, rng, workerIdx); err != nil {
				select {
				case errCh <- err:
				default:
				}
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		return err
	}
	return nil
}

func (l *Loop) runSaveTicker(ctx context.Context) {
	ticker := time.NewTicker(l.saveIntervall)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.global.MarkStateSaved(time.Now())
		}
	}
}

// runWorker is one worker goroutine's main loop. In NoFeedbackMode it
// purely generates and executes fresh trees forever, ignoring the queue
// entirely (SPEC_FULL.md §4's smoke-testing path). Otherwise it pops an
// item, advances it exactly one stage, and feeds it back to the queue's
// bookkeeping; when the queue runs dry it starts a fresh round, seeding
// one brand-new random tree if the round is still empty afterwards.
func (l *Loop) runWorker(ctx context.Context, s *FuzzingState, rng *rand.Rand, workerIdx int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if l.noFeedback {
			if err := s.GenerateRandom(l.seedNt, rng); err != nil {
				return fmt.Errorf("worker %d: %w", workerIdx, err)
			}
			continue
		}

		select {
		case data := <-l.seeds:
			if err := s.ImportSeed(l.seedNt, data); err != nil {
				return fmt.Errorf("worker %d: %w", workerIdx, err)
			}
			continue
		default:
		}

		item, ok := l.global.PopQueue()
		if !ok {
			l.global.NewQueueRound()
			if l.global.QueueLen() == 0 {
				if err := s.GenerateRandom(l.seedNt, rng); err != nil {
					return fmt.Errorf("worker %d: %w", workerIdx, err)
				}
			}
			continue
		}

		if err := l.advance(s, item, rng); err != nil {
			return fmt.Errorf("worker %d: %w", workerIdx, err)
		}
		l.global.FinishQueue(item)
	}
}

// advance runs exactly the mutation work for item's current stage and
// transitions it to the next one. StateRandom is terminal: once an item
// reaches it, every subsequent round runs another havoc/havoc-recursion/
// splice pass rather than advancing further, matching the teacher's
// Init->Det->DetAFL->Random progression that never moves backwards and
// never exits Random once entered.
func (l *Loop) advance(s *FuzzingState, item *queue.QueueItem, rng *rand.Rand) error {
	switch item.State.Kind {
	case queue.StateInit:
		if err := s.Minimize(item); err != nil {
			return err
		}
		item.State = queue.InputState{Kind: queue.StateDet}
	case queue.StateDet:
		if err := s.DeterministicRuleMutation(item); err != nil {
			return err
		}
		item.State = queue.InputState{Kind: queue.StateDetAFL}
	case queue.StateDetAFL:
		if err := s.DeterministicAflMutation(item); err != nil {
			return err
		}
		item.State = queue.InputState{Kind: queue.StateRandom}
	case queue.StateRandom:
		if err := s.Havoc(item, rng); err != nil {
			return err
		}
		if err := s.HavocRecursion(item, rng); err != nil {
			return err
		}
		if err := s.Splice(item, rng); err != nil {
			return err
		}
	}
	return nil
}
