package engine

import "testing"

func TestSequenceGroupStoreNextSeqIDStartsAtOne(t *testing.T) {
	s := NewSequenceGroupStore()
	if got := s.NextSeqID(); got != 1 {
		t.Fatalf("expected first sequence id 1, got %d", got)
	}
	if got := s.NextSeqID(); got != 2 {
		t.Fatalf("expected second sequence id 2, got %d", got)
	}
}

func TestSequenceGroupStoreRemoveFinishedErasesNotJustMarks(t *testing.T) {
	s := NewSequenceGroupStore()
	g1, _ := newTestGroup(1, 4, 4)
	g2, _ := newTestGroup(2, 4, 4)
	s.Add(g1)
	s.Add(g2)

	g1.Siblings[0].Status = StatusFinished

	if !s.HasUnfinished() {
		t.Fatalf("expected store to still report an unfinished group")
	}

	reaped := s.RemoveFinished()
	if len(reaped) != 1 || reaped[0].RequestID != 1 {
		t.Fatalf("expected exactly group 1 reaped, got %+v", reaped)
	}
	if len(s.All()) != 1 {
		t.Fatalf("expected store to genuinely shrink to 1 survivor, got %d", len(s.All()))
	}
	if _, ok := s.Get(1); ok {
		t.Fatalf("expected reaped group no longer retrievable by request id")
	}
	if _, ok := s.Get(2); !ok {
		t.Fatalf("expected survivor still retrievable by request id")
	}
}
