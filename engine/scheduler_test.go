package engine

import "testing"

func newTestScheduler(maxNumBatchedTokens, maxNumSeqs, blockSize, cacheBlocks, maxPreemptions int) (*Scheduler, *BlockAllocator) {
	s, a, _ := newTestSchedulerWithConfig(maxNumBatchedTokens, maxNumSeqs, blockSize, cacheBlocks, maxPreemptions)
	return s, a
}

func newTestSchedulerWithConfig(maxNumBatchedTokens, maxNumSeqs, blockSize, cacheBlocks, maxPreemptions int) (*Scheduler, *BlockAllocator, *Config) {
	cfg := NewConfig(
		WithMaxNumBatchedTokens(maxNumBatchedTokens),
		WithMaxNumSeqs(maxNumSeqs),
		WithBlockSize(blockSize),
		WithCacheSizeBlocks(cacheBlocks),
		WithMaxNumPreemptions(maxPreemptions),
		WithEOS(-1),
	)
	a := NewBlockAllocator(cfg.CacheSizeBlocks, cfg.BlockSize)
	return NewScheduler(cfg, a), a, cfg
}

func addGroup(s *Scheduler, requestID uint64, promptLen, blockSize int, allocator *BlockAllocator) *SequenceGroup {
	prompt := make([]Token, promptLen)
	for i := range prompt {
		prompt[i] = Token(i)
	}
	counter := int64(0)
	nextSeqID := func() int64 {
		counter++
		return counter + int64(requestID)*1000
	}
	params := NewSamplingParameters(WithMaxNewTokens(10))
	g := newSequenceGroup(requestID, prompt, params, blockSize, allocator, nextSeqID)
	s.Add(g)
	return g
}

func TestSchedulePrefillAdmitsUnderTokenBudget(t *testing.T) {
	s, a := newTestScheduler(16, 64, 16, 64, 4)
	addGroup(s, 1, 8, 16, a)

	plan := s.Schedule()
	if len(plan.GroupsInBatch) != 1 {
		t.Fatalf("expected 1 group admitted, got %d", len(plan.GroupsInBatch))
	}
	if plan.GroupsInBatch[0].NumTokens != 8 {
		t.Fatalf("expected full prompt of 8 tokens scheduled, got %d", plan.GroupsInBatch[0].NumTokens)
	}
	if plan.TotalRows() != 8 {
		t.Fatalf("expected 8 logits rows, got %d", plan.TotalRows())
	}
}

func TestSchedulePrefillAllOrNothingWithoutSplitFuse(t *testing.T) {
	s, a := newTestScheduler(4, 64, 16, 64, 4)
	addGroup(s, 1, 8, 16, a) // needs 8 tokens, budget is only 4

	plan := s.Schedule()
	if len(plan.GroupsInBatch) != 0 {
		t.Fatalf("expected the oversized prompt deferred, got %+v", plan.GroupsInBatch)
	}
}

func TestScheduleGenerationPhaseFollowsPrefill(t *testing.T) {
	s, a := newTestScheduler(16, 64, 16, 64, 4)
	g := addGroup(s, 1, 4, 16, a)

	plan := s.Schedule()
	if len(plan.GroupsInBatch) != 1 {
		t.Fatalf("expected prefill admitted in iteration 1")
	}
	g.FinishIteration()

	plan2 := s.Schedule()
	if len(plan2.GroupsInBatch) != 1 || plan2.GroupsInBatch[0].NumTokens != 1 {
		t.Fatalf("expected a single generation-phase token scheduled, got %+v", plan2.GroupsInBatch)
	}
}

func TestScheduleTieBreaksByAscendingRequestID(t *testing.T) {
	s, a := newTestScheduler(32, 64, 16, 64, 4)
	addGroup(s, 5, 4, 16, a)
	addGroup(s, 2, 4, 16, a)

	plan := s.Schedule()
	if len(plan.GroupsInBatch) != 2 {
		t.Fatalf("expected both groups admitted")
	}
	if plan.GroupsInBatch[0].RequestID != 2 || plan.GroupsInBatch[1].RequestID != 5 {
		t.Fatalf("expected ascending request id order, got %+v", plan.GroupsInBatch)
	}
}

func TestScheduleMaxNumSeqsDefersAdmission(t *testing.T) {
	s, a := newTestScheduler(64, 1, 16, 64, 4)
	addGroup(s, 1, 4, 16, a)
	addGroup(s, 2, 4, 16, a)

	plan := s.Schedule()
	if len(plan.GroupsInBatch) != 1 {
		t.Fatalf("expected only 1 group admitted under max_num_seqs=1, got %d", len(plan.GroupsInBatch))
	}
}
