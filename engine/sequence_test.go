package engine

import "testing"

func TestSequenceForkCopiesGeneratedIDs(t *testing.T) {
	parent := newSequence(1, 100)
	parent.AppendToken(5, -0.1)
	parent.AppendToken(6, -0.2)

	child := parent.fork(2)
	child.AppendToken(7, -0.3)

	if parent.GeneratedLen() != 2 {
		t.Fatalf("expected parent to keep 2 generated tokens, got %d", parent.GeneratedLen())
	}
	if child.GeneratedLen() != 3 {
		t.Fatalf("expected child to have 3 generated tokens, got %d", child.GeneratedLen())
	}
	if child.ParentID != parent.SeqID {
		t.Errorf("expected child.ParentID == %d, got %d", parent.SeqID, child.ParentID)
	}
}

func TestSequenceStatus(t *testing.T) {
	s := newSequence(1, 1)
	if !s.IsRunning() || s.IsFinished() {
		t.Fatalf("new sequence should be running")
	}
	s.Status = StatusFinished
	if s.IsRunning() || !s.IsFinished() {
		t.Fatalf("sequence should report finished after status change")
	}
}

func TestBeamSearchScoreZeroLength(t *testing.T) {
	s := newSequence(1, 1)
	s.CumulativeLogProb = -3.0
	if got := s.BeamSearchScore(1.0); got != -3.0 {
		t.Errorf("expected raw cumulative logprob for zero-length sequence, got %f", got)
	}
}

func TestBeamSearchScorePenalizesLength(t *testing.T) {
	s := newSequence(1, 1)
	s.AppendToken(1, -1.0)
	s.AppendToken(2, -1.0)
	score := s.BeamSearchScore(1.0)
	if score != -1.0 {
		t.Errorf("expected score -2.0/2.0 == -1.0, got %f", score)
	}
}
