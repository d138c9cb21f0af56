package engine

import "testing"

func addGroupWithParams(s *Scheduler, requestID uint64, promptLen, blockSize int, allocator *BlockAllocator, params *SamplingParameters) *SequenceGroup {
	prompt := make([]Token, promptLen)
	for i := range prompt {
		prompt[i] = Token(i)
	}
	counter := int64(0)
	nextSeqID := func() int64 {
		counter++
		return counter + int64(requestID)*1000
	}
	g := newSequenceGroup(requestID, prompt, params, blockSize, allocator, nextSeqID)
	s.Add(g)
	return g
}

func TestSamplerGreedyAppendsOneTokenOnFirstStep(t *testing.T) {
	s, a, cfg := newTestSchedulerWithConfig(16, 64, 16, 64, 4)
	params := NewSamplingParameters(WithGreedy(), WithMaxNewTokens(5))
	g := addGroupWithParams(s, 1, 4, 16, a, params)

	store := NewSequenceGroupStore()
	store.Add(g)

	plan := s.Schedule()
	runner := NewMockModelRunner(8)
	logits, err := runner.Forward(plan, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sampler := NewSampler(cfg, s)
	if err := sampler.SampleAndAdvance(plan, store, logits); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if g.Siblings[0].GeneratedLen() != 1 {
		t.Fatalf("expected exactly one generated token, got %d", g.Siblings[0].GeneratedLen())
	}
	if !g.IsGenerationPhase() {
		t.Fatalf("expected group to be in generation phase after prefill completes")
	}
}

func TestSamplerParallelSamplingForksOnFirstStep(t *testing.T) {
	s, a, cfg := newTestSchedulerWithConfig(16, 64, 16, 64, 4)
	params := NewSamplingParameters(WithParallelSampling(3, 1.0, 0, 1.0), WithMaxNewTokens(5))
	g := addGroupWithParams(s, 1, 4, 16, a, params)

	store := NewSequenceGroupStore()
	store.Add(g)

	plan := s.Schedule()
	runner := NewMockModelRunner(8)
	logits, _ := runner.Forward(plan, nil)

	sampler := NewSampler(cfg, s)
	if err := sampler.SampleAndAdvance(plan, store, logits); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(g.Siblings) != 3 {
		t.Fatalf("expected 3 siblings after parallel-sampling fork, got %d", len(g.Siblings))
	}
	for _, sib := range g.Siblings {
		if sib.GeneratedLen() != 1 {
			t.Fatalf("expected every forked sibling to have sampled one token")
		}
	}
}

func TestSamplerBeamSearchForksWidthSiblingsOnFirstStep(t *testing.T) {
	s, a, cfg := newTestSchedulerWithConfig(16, 64, 16, 64, 4)
	params := NewSamplingParameters(WithBeamSearch(3, 1.0, false), WithMaxNewTokens(5))
	g := addGroupWithParams(s, 1, 4, 16, a, params)

	store := NewSequenceGroupStore()
	store.Add(g)

	plan := s.Schedule()
	runner := NewMockModelRunner(8)
	logits, _ := runner.Forward(plan, nil)

	sampler := NewSampler(cfg, s)
	if err := sampler.SampleAndAdvance(plan, store, logits); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(g.Siblings) != 3 {
		t.Fatalf("expected beam_width=3 siblings after first step, got %d", len(g.Siblings))
	}
}

func TestScheduleGenerationPhaseAdvancesOneTokenPerStepWithBeamSearch(t *testing.T) {
	s, a, cfg := newTestSchedulerWithConfig(16, 64, 16, 64, 4)
	params := NewSamplingParameters(WithBeamSearch(2, 1.0, false), WithMaxNewTokens(10))
	g := addGroupWithParams(s, 1, 4, 16, a, params)

	store := NewSequenceGroupStore()
	store.Add(g)
	runner := NewMockModelRunner(8)
	sampler := NewSampler(cfg, s)

	// First iteration: prefill completes and the sampler forks the second beam.
	plan := s.Schedule()
	logits, err := runner.Forward(plan, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sampler.SampleAndAdvance(plan, store, logits); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.NumProcessedTokens != 4 {
		t.Fatalf("expected prompt fully processed after prefill, got %d", g.NumProcessedTokens)
	}
	if len(g.Siblings) != 2 {
		t.Fatalf("expected 2 beams after first step, got %d", len(g.Siblings))
	}

	// Next three iterations: two siblings run concurrently, but context_len
	// must still advance by exactly one token position per iteration.
	for i := 0; i < 3; i++ {
		plan = s.Schedule()
		if plan.TotalRows() != 2 {
			t.Fatalf("iteration %d: expected 2 rows (one per beam), got %d", i, plan.TotalRows())
		}
		logits, err = runner.Forward(plan, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := sampler.SampleAndAdvance(plan, store, logits); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := 4 + i + 1
		if g.NumProcessedTokens != want {
			t.Fatalf("iteration %d: expected num_processed_tokens == %d (one token per step regardless of sibling count), got %d", i, want, g.NumProcessedTokens)
		}
	}
}

func TestScheduleGenerationPhaseAdvancesOneTokenPerStepWithParallelSampling(t *testing.T) {
	s, a, cfg := newTestSchedulerWithConfig(16, 64, 16, 64, 4)
	params := NewSamplingParameters(WithParallelSampling(3, 1.0, 0, 1.0), WithMaxNewTokens(10))
	g := addGroupWithParams(s, 1, 4, 16, a, params)

	store := NewSequenceGroupStore()
	store.Add(g)
	runner := NewMockModelRunner(8)
	sampler := NewSampler(cfg, s)

	plan := s.Schedule()
	logits, err := runner.Forward(plan, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sampler.SampleAndAdvance(plan, store, logits); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Siblings) != 3 {
		t.Fatalf("expected 3 siblings after parallel-sampling fork, got %d", len(g.Siblings))
	}

	for i := 0; i < 3; i++ {
		plan = s.Schedule()
		if plan.TotalRows() != 3 {
			t.Fatalf("iteration %d: expected 3 rows (one per sibling), got %d", i, plan.TotalRows())
		}
		logits, err = runner.Forward(plan, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := sampler.SampleAndAdvance(plan, store, logits); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := 4 + i + 1
		if g.NumProcessedTokens != want {
			t.Fatalf("iteration %d: expected num_processed_tokens == %d (one token per step regardless of sibling count), got %d", i, want, g.NumProcessedTokens)
		}
	}
}

func TestSamplerTerminatesOnMaxNewTokens(t *testing.T) {
	s, a, cfg := newTestSchedulerWithConfig(16, 64, 16, 64, 4)
	params := NewSamplingParameters(WithGreedy(), WithMaxNewTokens(1))
	g := addGroupWithParams(s, 1, 4, 16, a, params)

	store := NewSequenceGroupStore()
	store.Add(g)

	plan := s.Schedule()
	runner := NewMockModelRunner(8)
	logits, _ := runner.Forward(plan, nil)

	sampler := NewSampler(cfg, s)
	if err := sampler.SampleAndAdvance(plan, store, logits); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !g.Siblings[0].IsFinished() {
		t.Fatalf("expected sequence finished once max_new_tokens reached")
	}
	if !g.HasFinished() {
		t.Fatalf("expected group finished once its sole sibling finishes")
	}
}
