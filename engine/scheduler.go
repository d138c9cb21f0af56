package engine

import (
	"container/list"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ScheduledGroup is one group's admission outcome for an iteration.
type ScheduledGroup struct {
	RequestID uint64
	NumTokens int
}

// RowSpan locates one sibling's contribution within the logits tensor a
// ModelRunner.Forward call returns: rows [offset, offset+NumTokens) belong
// to this sibling, in prompt/iteration order, and only the last of them
// (offset+NumTokens-1) is a sampling position.
type RowSpan struct {
	RequestID uint64
	SeqID     int64
	Offset    int
	NumTokens int
}

// BatchPlan is the Scheduler's per-iteration output: which groups run and
// for how many tokens, which physical blocks must be copied before the
// forward pass, and which groups were just evicted.
type BatchPlan struct {
	GroupsInBatch []ScheduledGroup
	BlockCopyOps  []BlockCopyOp
	Preempted     []uint64
	Failed        []uint64
	Rows          []RowSpan
}

// TotalRows returns the number of logits rows the forward pass must
// produce for this plan.
func (p *BatchPlan) TotalRows() int {
	n := 0
	for _, r := range p.Rows {
		n += r.NumTokens
	}
	return n
}

func (p *BatchPlan) addRow(requestID uint64, seqID int64, numTokens int) {
	offset := p.TotalRows()
	p.Rows = append(p.Rows, RowSpan{RequestID: requestID, SeqID: seqID, Offset: offset, NumTokens: numTokens})
}

// Scheduler decides, every iteration, which groups run and reserves the
// paged KV blocks that decision requires. It never blocks: allocation
// failures are resolved synchronously via preemption within the same call.
type Scheduler struct {
	maxNumBatchedTokens int
	blockSize           int
	dynamicSplitFuse    bool
	maxNumPreemptions   int

	seqSlots *semaphore.Weighted

	waiting *list.List // *SequenceGroup, never yet admitted or just preempted
	running *list.List // *SequenceGroup, currently holding blocks
}

// NewScheduler creates a scheduler bound to allocator and gated by
// cfg.MaxNumSeqs concurrently admitted siblings.
func NewScheduler(cfg *Config, allocator *BlockAllocator) *Scheduler {
	return &Scheduler{
		maxNumBatchedTokens: cfg.MaxNumBatchedTokens,
		blockSize:           cfg.BlockSize,
		dynamicSplitFuse:    cfg.DynamicSplitFuse,
		maxNumPreemptions:   cfg.MaxNumPreemptions,
		seqSlots:            semaphore.NewWeighted(int64(cfg.MaxNumSeqs)),
		waiting:             list.New(),
		running:             list.New(),
	}
}

// Add enqueues a brand-new group onto the waiting list.
func (s *Scheduler) Add(g *SequenceGroup) {
	s.waiting.PushBack(g)
}

// acquireSlots is the scheduler's non-blocking gate on max_num_seqs, used
// both when admitting a waiting group and for the Sampler's
// beam-search/parallel-sampling forks; TryAcquire never blocks, preserving
// §7's "scheduler never blocks" guarantee for its callers too.
func (s *Scheduler) acquireSlots(n int) bool {
	return s.seqSlots.TryAcquire(int64(n))
}

func (s *Scheduler) releaseSlots(n int) {
	if n <= 0 {
		return
	}
	s.seqSlots.Release(int64(n))
}

// Schedule runs the full two-phase admission algorithm of SPEC_FULL.md
// §6.4 and returns the resulting BatchPlan.
func (s *Scheduler) Schedule() BatchPlan {
	plan := BatchPlan{}
	preemptions := 0

	// Step 1+2: generation-phase groups, FIFO (ascending request_id).
	genGroups := s.sortedRunningGenerationGroups()
	for _, g := range genGroups {
		if preemptions >= s.maxNumPreemptions {
			logrus.Warnf("scheduler: max_num_preemptions (%d) reached, yielding partial plan", s.maxNumPreemptions)
			break
		}
		ok := s.admitGenerationStep(g, &plan, &preemptions)
		if !ok {
			// not admitted this iteration: failed as out-of-capacity, preempted
			// itself, or the preemption cap was reached
			continue
		}
		for _, seq := range g.RunningSequences() {
			plan.addRow(g.RequestID, seq.SeqID, 1)
		}
		plan.GroupsInBatch = append(plan.GroupsInBatch, ScheduledGroup{RequestID: g.RequestID, NumTokens: g.NumScheduledTokens})
	}

	// Step 3: prefill-phase groups (waiting list + still-prefilling running groups).
	s.admitPrefillGroups(&plan)

	sort.Slice(plan.GroupsInBatch, func(i, j int) bool {
		return plan.GroupsInBatch[i].RequestID < plan.GroupsInBatch[j].RequestID
	})
	return plan
}

// sortedRunningGenerationGroups returns every running group already past
// its prompt, ordered by ascending request_id for FIFO/tie-break.
func (s *Scheduler) sortedRunningGenerationGroups() []*SequenceGroup {
	var groups []*SequenceGroup
	for e := s.running.Front(); e != nil; e = e.Next() {
		g := e.Value.(*SequenceGroup)
		if g.IsGenerationPhase() {
			groups = append(groups, g)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].RequestID < groups[j].RequestID })
	return groups
}

// admitGenerationStep schedules exactly one token for every running
// sibling of g, growing block tables and emitting CoW copy ops as needed.
// On allocator exhaustion it preempts victims (LIFO among running groups,
// skipping g unless it is the only candidate) until the request can
// proceed, in which case it returns true. It returns false when g is not
// admitted this iteration: when no victim is left, g is removed from the
// running queue, its seats are released, and it is listed in plan.Failed
// (a terminal out-of-capacity outcome, not retried); when g had to be
// preempted itself it is back on the waiting list; when the preemption cap
// is reached it stays running and is tried again next iteration.
func (s *Scheduler) admitGenerationStep(g *SequenceGroup, plan *BatchPlan, preemptions *int) bool {
	// context_len advances by one token position per iteration regardless
	// of how many siblings are running; each sibling's row lives in
	// BatchPlan.Rows, not in NumScheduledTokens.
	g.ScheduleTokens(1)

	for {
		if s.ensureBlocksForGeneration(g, plan) {
			return true
		}

		victim := s.pickPreemptionVictim(g)
		if victim == nil {
			g.ClearScheduledTokens()
			s.removeFromRunning(g)
			s.releaseSlots(g.admittedSlots)
			g.admittedSlots = 0
			plan.Failed = append(plan.Failed, g.RequestID)
			logrus.Warnf("scheduler: request %d could not be satisfied, failing with out-of-capacity", g.RequestID)
			return false
		}
		if *preemptions >= s.maxNumPreemptions {
			g.ClearScheduledTokens()
			return false
		}
		s.preempt(victim, plan)
		*preemptions++
		if victim == g {
			return false
		}
	}
}

// ensureBlocksForGeneration grows every running sibling's block table by
// one slot (if needed) and performs CoW on its last block before the
// sampler writes a new token into it. Returns false if any sibling hit
// OutOfMemory, leaving no partial allocation committed for this attempt
// (the caller preempts a victim and retries).
func (s *Scheduler) ensureBlocksForGeneration(g *SequenceGroup, plan *BatchPlan) bool {
	for _, seq := range g.RunningSequences() {
		table := g.BlockTable(seq.SeqID)
		newContextLen := g.ContextLen()
		if err := table.AppendSlot(newContextLen); err != nil {
			return false
		}
		copyOp, err := table.CowLastBlock()
		if err != nil {
			return false
		}
		if copyOp != nil {
			plan.BlockCopyOps = append(plan.BlockCopyOps, *copyOp)
		}
	}
	return true
}

// pickPreemptionVictim selects the most-recently-admitted running group
// other than requester, or requester itself if it is the only candidate.
func (s *Scheduler) pickPreemptionVictim(requester *SequenceGroup) *SequenceGroup {
	for e := s.running.Back(); e != nil; e = e.Prev() {
		g := e.Value.(*SequenceGroup)
		if g.RequestID != requester.RequestID {
			return g
		}
	}
	if s.running.Len() == 1 {
		if e := s.running.Front(); e != nil {
			if g := e.Value.(*SequenceGroup); g.RequestID == requester.RequestID {
				return g
			}
		}
	}
	return nil
}

// preempt implements recompute-based preemption: free every block the
// victim holds, reset its processed/max-content counters, retain its
// generated tokens, and move it back to the waiting list.
func (s *Scheduler) preempt(victim *SequenceGroup, plan *BatchPlan) {
	logrus.Infof("scheduler: preempting request %d", victim.RequestID)
	s.removeFromRunning(victim)
	s.releaseSlots(victim.admittedSlots)
	victim.admittedSlots = 0
	victim.resetForPreemption()
	s.waiting.PushFront(victim)
	plan.Preempted = append(plan.Preempted, victim.RequestID)
}

func (s *Scheduler) removeFromRunning(g *SequenceGroup) {
	for e := s.running.Front(); e != nil; e = e.Next() {
		if e.Value.(*SequenceGroup).RequestID == g.RequestID {
			s.running.Remove(e)
			return
		}
	}
}

// admitPrefillGroups walks the waiting list together with any running
// group still part-way through its prefill, FIFO (ascending request_id),
// and admits as many as fit under the token budget K and seat budget S.
// Under dynamic_split_fuse a group may be admitted for fewer tokens than
// its full remaining prefill; otherwise it is all-or-nothing.
func (s *Scheduler) admitPrefillGroups(plan *BatchPlan) {
	// The K budget bounds the forward pass's row count, i.e. plan.Rows, not
	// num_processed_tokens advancement — a generation-phase group with B
	// running siblings already consumed B rows this iteration even though
	// each sibling's context_len only advanced by one position.
	alreadyScheduled := plan.TotalRows()

	candidates := s.sortedWaitingGroups()
	resuming := make(map[uint64]bool)
	for e := s.running.Front(); e != nil; e = e.Next() {
		if g := e.Value.(*SequenceGroup); !g.IsGenerationPhase() {
			resuming[g.RequestID] = true
			candidates = append(candidates, g)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].RequestID < candidates[j].RequestID })
	for _, g := range candidates {
		if alreadyScheduled >= s.maxNumBatchedTokens {
			break
		}

		wanted := g.NumAvailableTokensForBatching()
		available := s.maxNumBatchedTokens - alreadyScheduled
		numTokens := wanted
		if s.dynamicSplitFuse {
			if numTokens > available {
				numTokens = available
			}
		} else if numTokens > available {
			break
		}
		if numTokens <= 0 {
			break
		}

		if !resuming[g.RequestID] {
			if !s.acquireSlots(g.NumRunningSeqs()) {
				logrus.Debugf("scheduler: max_num_seqs reached, deferring request %d", g.RequestID)
				break
			}
			g.admittedSlots = g.NumRunningSeqs()
		}

		table := g.BlockTable(g.Siblings[0].SeqID)
		contentLen := g.NumProcessedTokens + numTokens
		if err := table.EnsureCapacity(g.PromptIDs[:contentLen]); err != nil {
			if !resuming[g.RequestID] {
				s.releaseSlots(g.admittedSlots)
				g.admittedSlots = 0
			}
			logrus.Debugf("scheduler: out of cache blocks, deferring request %d", g.RequestID)
			break
		}

		g.ScheduleTokens(numTokens)
		if !resuming[g.RequestID] {
			s.removeFromWaiting(g)
			s.running.PushBack(g)
		}
		plan.addRow(g.RequestID, g.Siblings[0].SeqID, numTokens)
		plan.GroupsInBatch = append(plan.GroupsInBatch, ScheduledGroup{RequestID: g.RequestID, NumTokens: numTokens})
		alreadyScheduled += numTokens
	}
}

func (s *Scheduler) sortedWaitingGroups() []*SequenceGroup {
	var groups []*SequenceGroup
	for e := s.waiting.Front(); e != nil; e = e.Next() {
		groups = append(groups, e.Value.(*SequenceGroup))
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].RequestID < groups[j].RequestID })
	return groups
}

func (s *Scheduler) removeFromWaiting(g *SequenceGroup) {
	for e := s.waiting.Front(); e != nil; e = e.Next() {
		if e.Value.(*SequenceGroup).RequestID == g.RequestID {
			s.waiting.Remove(e)
			return
		}
	}
}

// ReleaseFinished must be called once a group reaches HasFinished so its
// admission slots return to the pool.
func (s *Scheduler) ReleaseFinished(g *SequenceGroup) {
	s.removeFromRunning(g)
	s.releaseSlots(g.admittedSlots)
	g.admittedSlots = 0
}

// Cancel removes g from whichever internal queue holds it (called when a
// client drops its GenerationHandle), releasing any held admission slots.
func (s *Scheduler) Cancel(g *SequenceGroup) {
	s.removeFromRunning(g)
	s.removeFromWaiting(g)
	s.releaseSlots(g.admittedSlots)
	g.admittedSlots = 0
}

// acquireForkSlot is consulted by the Sampler before materializing a new
// sibling (beam search / parallel sampling). A failed acquisition is
// logged and the fork proceeds anyway: §8's invariant 3 is a configuration
// contract (beam_width/n sized to fit max_num_seqs), not a per-fork
// rejection policy — see DESIGN.md.
func (s *Scheduler) acquireForkSlot(g *SequenceGroup) {
	if s.acquireSlots(1) {
		g.admittedSlots++
		return
	}
	logrus.Warnf("scheduler: max_num_seqs exceeded while forking sibling for request %d", g.RequestID)
}

// releaseSiblingSlot is called by the Sampler when a sibling finishes
// while its group keeps running (e.g. a losing beam), shrinking the
// occupied seat count without reaping the whole group.
func (s *Scheduler) releaseSiblingSlot(g *SequenceGroup) {
	if g.admittedSlots > 0 {
		s.releaseSlots(1)
		g.admittedSlots--
	}
}
