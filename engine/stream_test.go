package engine

import (
	"testing"
	"time"
)

func TestGenerationStreamPushAndRead(t *testing.T) {
	s := NewGenerationStream()
	s.Push(GenerationOutputs{1: {TokenID: 5}})

	if !s.CanRead() {
		t.Fatalf("expected a queued item to be readable")
	}
	out := s.Read()
	if out[1].TokenID != 5 {
		t.Fatalf("expected to read back the pushed token, got %+v", out)
	}
}

func TestGenerationStreamReadBlocksUntilFinish(t *testing.T) {
	s := NewGenerationStream()
	done := make(chan GenerationOutputs, 1)
	go func() { done <- s.Read() }()

	select {
	case <-done:
		t.Fatalf("expected Read to block on an empty, unfinished stream")
	case <-time.After(20 * time.Millisecond):
	}

	s.Finish()
	select {
	case out := <-done:
		if out != nil {
			t.Fatalf("expected nil from Read once finished with an empty queue")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Read to wake up after Finish")
	}
}

func TestGenerationStreamFailAndFinishReportsErr(t *testing.T) {
	s := NewGenerationStream()
	s.FailAndFinish(ErrCancelled)
	if s.Err() != ErrCancelled {
		t.Fatalf("expected Err() to return the terminal error")
	}
	if !s.GenerationFinished() {
		t.Fatalf("expected stream to report finished after FailAndFinish")
	}
}

func TestGenerationHandleCancelIsIdempotent(t *testing.T) {
	calls := 0
	h := newGenerationHandle(NewGenerationStream(), NewSamplingParameters(), func() []GenerationRawResult { return nil }, func() { calls++ })
	h.Cancel()
	h.Cancel()
	if calls != 1 {
		t.Fatalf("expected cancelFn invoked exactly once, got %d", calls)
	}
}
