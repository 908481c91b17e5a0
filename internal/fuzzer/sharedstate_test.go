package fuzzer

import "testing"

func TestNewBitsOnlyReturnsFreshIndices(t *testing.T) {
	s := NewSharedState(t.TempDir())

	first := s.NewBits(false, []byte{1, 0, 1, 0})
	if len(first) != 2 || first[0] != 0 || first[1] != 2 {
		t.Fatalf("got %v, want [0 2] on the first execution", first)
	}

	second := s.NewBits(false, []byte{1, 1, 1, 0})
	if len(second) != 1 || second[0] != 1 {
		t.Fatalf("got %v, want [1] (only the newly set bit)", second)
	}
}

func TestNewBitsKeepsCrashAndNonCrashBitmapsSeparate(t *testing.T) {
	s := NewSharedState(t.TempDir())
	s.NewBits(false, []byte{1, 0})

	crashBits := s.NewBits(true, []byte{1, 0})
	if len(crashBits) != 1 || crashBits[0] != 0 {
		t.Fatalf("got %v, want [0]: the crash bitmap starts empty regardless of the non-crash one", crashBits)
	}
}

func TestRecordBitsFoundAttributesToReason(t *testing.T) {
	s := NewSharedState(t.TempDir())
	s.recordBitsFound(ReasonHavoc)
	s.recordBitsFound(ReasonSplice)
	s.recordBitsFound(ReasonSplice)

	snap := s.Snapshot()
	if snap.Stats.BitsFoundByHavoc != 1 {
		t.Errorf("BitsFoundByHavoc = %d, want 1", snap.Stats.BitsFoundByHavoc)
	}
	if snap.Stats.BitsFoundBySplice != 2 {
		t.Errorf("BitsFoundBySplice = %d, want 2", snap.Stats.BitsFoundBySplice)
	}
}

func TestAddExecutionTracksCountAndRate(t *testing.T) {
	s := NewSharedState(t.TempDir())
	s.addExecution(1000000) // 1ms -> 1000 execs/sec instantaneous
	s.addExecution(1000000)

	snap := s.Snapshot()
	if snap.Stats.ExecutionCount != 2 {
		t.Fatalf("ExecutionCount = %d, want 2", snap.Stats.ExecutionCount)
	}
	if snap.Stats.AverageExecutionsPerSec <= 0 {
		t.Errorf("AverageExecutionsPerSec = %v, want > 0", snap.Stats.AverageExecutionsPerSec)
	}
}

func TestNewSharedStateInitialStatusStrings(t *testing.T) {
	snap := NewSharedState(t.TempDir()).Snapshot()
	if snap.LastFoundAsan != "Not found yet." {
		t.Errorf("LastFoundAsan = %q", snap.LastFoundAsan)
	}
	if snap.LastTimeout != "No timeout yet." {
		t.Errorf("LastTimeout = %q", snap.LastTimeout)
	}
	if snap.StateSaved != "State not saved yet." {
		t.Errorf("StateSaved = %q", snap.StateSaved)
	}
}

func TestQueueAccessorsRoundTrip(t *testing.T) {
	s := NewSharedState(t.TempDir())
	if _, ok := s.PopQueue(); ok {
		t.Fatalf("expected an empty queue to report no item")
	}
	s.NewQueueRound()
	if got := s.QueueLen(); got != 0 {
		t.Errorf("QueueLen() = %d, want 0", got)
	}
}
