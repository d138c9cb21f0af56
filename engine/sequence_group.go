package engine

import "sort"

// SequenceGroup is the unit of a client request: one or more sibling
// Sequences (beam search / parallel sampling forks), a shared immutable
// prompt, and the counters the Scheduler and Sampler advance each
// iteration.
type SequenceGroup struct {
	RequestID      uint64
	PromptIDs      []Token
	SamplingParams *SamplingParameters
	BlockSize      int

	Siblings    []*Sequence
	blockTables map[int64]*BlockTable

	NumProcessedTokens int
	NumScheduledTokens int
	MaxContentLen      int

	Stream *GenerationStream

	// admittedSlots counts how many of this group's siblings currently
	// hold a seat in the scheduler's max_num_seqs semaphore, so preemption
	// and reaping release exactly what was acquired.
	admittedSlots int

	cancelled bool
	allocator *BlockAllocator
	nextSeqID func() int64
}

// newSequenceGroup seeds a group with exactly one sequence — the seed —
// regardless of sampling mode; beam search and parallel sampling fork
// additional siblings from it on their first generation step.
func newSequenceGroup(requestID uint64, promptIDs []Token, params *SamplingParameters, blockSize int, allocator *BlockAllocator, nextSeqID func() int64) *SequenceGroup {
	g := &SequenceGroup{
		RequestID:      requestID,
		PromptIDs:      append([]Token(nil), promptIDs...),
		SamplingParams: params,
		BlockSize:      blockSize,
		blockTables:    make(map[int64]*BlockTable),
		Stream:         NewGenerationStream(),
		allocator:      allocator,
		nextSeqID:      nextSeqID,
	}
	seed := newSequence(nextSeqID(), requestID)
	g.Siblings = append(g.Siblings, seed)
	g.blockTables[seed.SeqID] = NewBlockTable(blockSize, allocator)
	return g
}

// PromptLen returns the (fixed) number of prompt tokens.
func (g *SequenceGroup) PromptLen() int {
	return len(g.PromptIDs)
}

// ContextLen is num_processed_tokens + num_scheduled_tokens, valid at any
// point during or after a schedule() call.
func (g *SequenceGroup) ContextLen() int {
	return g.NumProcessedTokens + g.NumScheduledTokens
}

// IsGenerationPhase reports whether the group has already processed its
// whole prompt, independent of what may be scheduled this iteration.
func (g *SequenceGroup) IsGenerationPhase() bool {
	return g.NumProcessedTokens >= g.PromptLen()
}

// RequiresSampling reports whether this iteration's context length reaches
// the end of the prompt, meaning the Sampler must produce a token this
// iteration for every running sibling.
func (g *SequenceGroup) RequiresSampling() bool {
	return g.ContextLen() >= g.PromptLen()
}

// CanGenerateTokens reports whether the group has ever fully processed its
// prompt. Recompute-preemption resets this to false (§4.4), forcing a full
// prefill pass before generation can resume.
func (g *SequenceGroup) CanGenerateTokens() bool {
	return g.MaxContentLen >= g.PromptLen()
}

// NumAvailableTokensForBatching returns how many tokens remain to be
// processed: the full remaining prefill (or at least 1, once already
// fully processed, to produce the next generation token).
func (g *SequenceGroup) NumAvailableTokensForBatching() int {
	numAvailable := g.PromptLen()
	if g.MaxContentLen > numAvailable {
		numAvailable = g.MaxContentLen
	}
	remaining := numAvailable - g.NumProcessedTokens
	if remaining < 1 {
		remaining = 1
	}
	return remaining
}

// NumLogicalBlocks returns the number of logical blocks ContextLen()
// tokens require.
func (g *SequenceGroup) NumLogicalBlocks() int {
	return (g.ContextLen() + g.BlockSize - 1) / g.BlockSize
}

// ScheduleTokens records how many tokens the Scheduler admitted this
// group for in the current iteration.
func (g *SequenceGroup) ScheduleTokens(n int) {
	g.NumScheduledTokens = n
}

// ClearScheduledTokens resets the per-iteration scheduling counter.
func (g *SequenceGroup) ClearScheduledTokens() {
	g.NumScheduledTokens = 0
}

// IsScheduled reports whether the group was admitted this iteration.
func (g *SequenceGroup) IsScheduled() bool {
	return g.NumScheduledTokens > 0
}

// FinishIteration advances num_processed_tokens by the tokens just
// processed, updates max_content_len, and clears the scheduling counter.
func (g *SequenceGroup) FinishIteration() {
	g.NumProcessedTokens += g.NumScheduledTokens
	if g.NumProcessedTokens > g.MaxContentLen {
		g.MaxContentLen = g.NumProcessedTokens
	}
	g.ClearScheduledTokens()
}

// RunningSequences returns every sibling still generating.
func (g *SequenceGroup) RunningSequences() []*Sequence {
	out := make([]*Sequence, 0, len(g.Siblings))
	for _, s := range g.Siblings {
		if s.IsRunning() {
			out = append(out, s)
		}
	}
	return out
}

// FinishedSequences returns every sibling that has reached a terminal
// state, in insertion order (callers sort as needed).
func (g *SequenceGroup) FinishedSequences() []*Sequence {
	out := make([]*Sequence, 0, len(g.Siblings))
	for _, s := range g.Siblings {
		if s.IsFinished() {
			out = append(out, s)
		}
	}
	return out
}

// NumRunningSeqs returns the count of still-generating siblings.
func (g *SequenceGroup) NumRunningSeqs() int {
	n := 0
	for _, s := range g.Siblings {
		if s.IsRunning() {
			n++
		}
	}
	return n
}

// HasFinished reports whether every sibling has reached Finished.
func (g *SequenceGroup) HasFinished() bool {
	return g.NumRunningSeqs() == 0
}

// BlockTable returns the per-sibling block table for seqID.
func (g *SequenceGroup) BlockTable(seqID int64) *BlockTable {
	return g.blockTables[seqID]
}

// BlockTables exposes every sibling's table, keyed by SeqID, for the
// scheduler and ModelRunner.
func (g *SequenceGroup) BlockTables() map[int64]*BlockTable {
	return g.blockTables
}

// ForkSequence forks parent into a brand-new sibling sharing parent's
// generated tokens and KV blocks up to the fork point (copy-on-write
// thereafter). Used by the Sampler for beam search and parallel sampling.
func (g *SequenceGroup) ForkSequence(parent *Sequence) *Sequence {
	child := parent.fork(g.nextSeqID())
	g.Siblings = append(g.Siblings, child)

	childTable := NewBlockTable(g.BlockSize, g.allocator)
	childTable.ForkFrom(g.blockTables[parent.SeqID])
	g.blockTables[child.SeqID] = childTable

	return child
}

// RemoveSequence erases the sibling with seqID and its block table,
// preserving the order of the remaining siblings (an actual erase, not a
// relocate-and-shrink). Callers must Free() the sibling's table first if
// its blocks are still live.
func (g *SequenceGroup) RemoveSequence(seqID int64) {
	for i, s := range g.Siblings {
		if s.SeqID == seqID {
			g.Siblings = append(g.Siblings[:i], g.Siblings[i+1:]...)
			delete(g.blockTables, seqID)
			return
		}
	}
	panic("pagedgen: attempted to remove unknown sequence from group")
}

// FreeAllBlocks releases every sibling's blocks back to the allocator,
// decrementing refcounts (blocks still held by a surviving sibling or
// another group's prefix-cache entry survive).
func (g *SequenceGroup) FreeAllBlocks() {
	for _, t := range g.blockTables {
		t.Free()
	}
}

// resetForPreemption implements recompute-based preemption (§4.4): every
// block is freed, processed/max-content counters reset to zero, but
// already-generated tokens on each sibling are retained so the group
// resumes an identical continuation once it re-prefills.
func (g *SequenceGroup) resetForPreemption() {
	g.FreeAllBlocks()
	g.NumProcessedTokens = 0
	g.MaxContentLen = 0
	g.ClearScheduledTokens()
}

// finalResults aggregates each sibling's complete output, sorted by
// beam-search score (descending) when the group used beam search, else by
// ascending SeqID — the order ReadAll hands back to callers.
func (g *SequenceGroup) finalResults() []GenerationRawResult {
	siblings := append([]*Sequence(nil), g.Siblings...)
	if g.SamplingParams.Mode == BeamSearch {
		lengthPenalty := g.SamplingParams.LengthPenalty
		sort.Slice(siblings, func(i, j int) bool {
			return siblings[i].BeamSearchScore(lengthPenalty) > siblings[j].BeamSearchScore(lengthPenalty)
		})
	} else {
		sort.Slice(siblings, func(i, j int) bool {
			return siblings[i].SeqID < siblings[j].SeqID
		})
	}

	out := make([]GenerationRawResult, len(siblings))
	for i, s := range siblings {
		out[i] = GenerationRawResult{
			SeqID:             s.SeqID,
			GeneratedTokenIDs: append([]Token(nil), s.GeneratedIDs...),
			CumulativeLogProb: s.CumulativeLogProb,
		}
	}
	return out
}
