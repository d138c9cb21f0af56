package engine

import (
	"math"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"
)

// Sampler turns one iteration's logits into appended tokens, sibling
// forks, and termination decisions for every scheduled group. It holds no
// per-group state of its own; everything it reads or mutates lives on the
// SequenceGroup/Sequence the Scheduler already tracks.
type Sampler struct {
	eos       Token
	scheduler *Scheduler
	rng       *rand.Rand
}

// NewSampler creates a Sampler consulting cfg.EOS for termination and
// scheduler for seat accounting when forking beam/parallel-sampling
// siblings.
func NewSampler(cfg *Config, scheduler *Scheduler) *Sampler {
	return &Sampler{
		eos:       cfg.EOS,
		scheduler: scheduler,
		rng:       rand.New(rand.NewSource(1)),
	}
}

// SampleAndAdvance consumes logits produced for plan (row order matching
// plan.Rows exactly) and, for every group that reached its prompt boundary
// this iteration, advances its sibling(s): appending a token, forking new
// siblings on a group's first sampling step, pruning losing beams, marking
// terminal sequences Finished, and pushing one GenerationOutputs map per
// group that produced output this iteration.
func (sp *Sampler) SampleAndAdvance(plan BatchPlan, store *SequenceGroupStore, logits Logits) error {
	rowsByRequest := make(map[uint64][]RowSpan)
	for _, r := range plan.Rows {
		rowsByRequest[r.RequestID] = append(rowsByRequest[r.RequestID], r)
	}

	for requestID, rows := range rowsByRequest {
		g, ok := store.Get(requestID)
		if !ok {
			continue
		}
		if g.RequiresSampling() {
			if err := sp.advanceGroup(g, rows, logits); err != nil {
				return err
			}
		}
		g.FinishIteration()
		if g.HasFinished() {
			g.Stream.Finish()
		}
	}
	return nil
}

// advanceGroup dispatches to the sampling policy for g's mode. The rows
// slice is in the order the Scheduler emitted them (RunningSequences order
// for an already-generating group, or a single prompt-span row for a
// group crossing into generation this iteration).
func (sp *Sampler) advanceGroup(g *SequenceGroup, rows []RowSpan, logits Logits) error {
	firstStep := !wasGenerationPhaseBeforeThisIteration(g)

	switch g.SamplingParams.Mode {
	case Greedy:
		return sp.advanceGreedyOrMultinomial(g, rows, logits, false)
	case Multinomial:
		return sp.advanceGreedyOrMultinomial(g, rows, logits, true)
	case BeamSearch:
		if firstStep {
			return sp.advanceBeamSearchFirstStep(g, rows, logits)
		}
		return sp.advanceBeamSearchStep(g, rows, logits)
	case ParallelSampling:
		if firstStep {
			return sp.advanceParallelSamplingFirstStep(g, rows, logits)
		}
		return sp.advanceGreedyOrMultinomial(g, rows, logits, true)
	}
	return nil
}

// wasGenerationPhaseBeforeThisIteration reports whether g had already
// finished its prompt before this iteration's FinishIteration() call —
// i.e. whether the siblings sampled this step already existed prior to it.
func wasGenerationPhaseBeforeThisIteration(g *SequenceGroup) bool {
	return g.NumProcessedTokens >= g.PromptLen()
}

// advanceGreedyOrMultinomial handles Greedy, Multinomial, and every
// post-fork step of ParallelSampling: one row per running sibling (or, on
// a non-beam group's first step, a single seed row), sampled independently.
func (sp *Sampler) advanceGreedyOrMultinomial(g *SequenceGroup, rows []RowSpan, logits Logits, stochastic bool) error {
	outputs := GenerationOutputs{}
	for _, span := range rows {
		seq := g.findSibling(span.SeqID)
		if seq == nil {
			continue
		}
		row := logits[span.Offset+span.NumTokens-1]
		var tokenID Token
		var logProb float64
		if stochastic {
			tokenID, logProb = sp.sampleMultinomial(row, seq.GeneratedIDs, g.SamplingParams)
		} else {
			tokenID, logProb = sampleGreedy(row)
		}
		seq.AppendToken(tokenID, logProb)
		sp.terminateIfDone(g, seq)
		outputs[seq.SeqID] = GenerationOutput{ParentID: seq.ParentID, TokenID: tokenID, CumulativeLogProb: seq.CumulativeLogProb}
	}
	if len(outputs) > 0 {
		g.Stream.Push(outputs)
	}
	return nil
}

// advanceParallelSamplingFirstStep forks the seed sequence into N
// independent siblings and draws one multinomial sample per sibling from
// the single prompt-pass logits row every sibling shares at birth.
func (sp *Sampler) advanceParallelSamplingFirstStep(g *SequenceGroup, rows []RowSpan, logits Logits) error {
	seed := rows[0]
	row := logits[seed.Offset+seed.NumTokens-1]
	seedSeq := g.findSibling(seed.SeqID)
	if seedSeq == nil {
		return nil
	}

	n := g.SamplingParams.N
	siblings := make([]*Sequence, 0, n)
	siblings = append(siblings, seedSeq)
	for i := 1; i < n; i++ {
		child := g.ForkSequence(seedSeq)
		sp.scheduler.acquireForkSlot(g)
		siblings = append(siblings, child)
	}

	outputs := GenerationOutputs{}
	for _, seq := range siblings {
		tokenID, logProb := sp.sampleMultinomial(row, seq.GeneratedIDs, g.SamplingParams)
		seq.AppendToken(tokenID, logProb)
		sp.terminateIfDone(g, seq)
		outputs[seq.SeqID] = GenerationOutput{ParentID: seq.ParentID, TokenID: tokenID, CumulativeLogProb: seq.CumulativeLogProb}
	}
	g.Stream.Push(outputs)
	return nil
}

// beamCandidate is one proposed continuation of an existing beam.
type beamCandidate struct {
	parent  *Sequence
	tokenID Token
	logProb float64
	score   float64
}

// advanceBeamSearchFirstStep expands the single seed sequence into up to
// BeamWidth beams from its one prompt-pass logits row.
func (sp *Sampler) advanceBeamSearchFirstStep(g *SequenceGroup, rows []RowSpan, logits Logits) error {
	seed := rows[0]
	row := logits[seed.Offset+seed.NumTokens-1]
	seedSeq := g.findSibling(seed.SeqID)
	if seedSeq == nil {
		return nil
	}

	width := g.SamplingParams.BeamWidth
	top := topCandidates(row, width)
	candidates := make([]beamCandidate, 0, len(top))
	for _, c := range top {
		candidates = append(candidates, beamCandidate{parent: seedSeq, tokenID: c.tokenID, logProb: c.logProb})
	}
	return sp.materializeBeams(g, candidates)
}

// advanceBeamSearchStep expands every currently alive beam by its own top
// candidates, merges and re-ranks by the length-penalized score, and keeps
// the top BeamWidth, pruning the rest.
func (sp *Sampler) advanceBeamSearchStep(g *SequenceGroup, rows []RowSpan, logits Logits) error {
	width := g.SamplingParams.BeamWidth
	var candidates []beamCandidate
	for _, span := range rows {
		parent := g.findSibling(span.SeqID)
		if parent == nil {
			continue
		}
		row := logits[span.Offset+span.NumTokens-1]
		for _, c := range topCandidates(row, width) {
			candidates = append(candidates, beamCandidate{parent: parent, tokenID: c.tokenID, logProb: c.logProb})
		}
	}
	return sp.materializeBeams(g, candidates)
}

// materializeBeams scores every candidate, keeps the top BeamWidth (tied
// breaking by ascending parent SeqID then token ID), reuses each surviving
// parent's Sequence for its first selected continuation and forks a new
// sibling for every additional one, and prunes parents with no surviving
// continuation.
func (sp *Sampler) materializeBeams(g *SequenceGroup, candidates []beamCandidate) error {
	width := g.SamplingParams.BeamWidth
	penalty := g.SamplingParams.LengthPenalty

	for i := range candidates {
		c := &candidates[i]
		length := float64(c.parent.GeneratedLen() + 1)
		c.score = (c.parent.CumulativeLogProb + c.logProb) / math.Pow(length, penalty)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].parent.SeqID != candidates[j].parent.SeqID {
			return candidates[i].parent.SeqID < candidates[j].parent.SeqID
		}
		return candidates[i].tokenID < candidates[j].tokenID
	})
	if len(candidates) > width {
		candidates = candidates[:width]
	}

	// Fork every additional continuation before any parent appends its own
	// token, so each fork starts from the parent as it was scored.
	usedParent := make(map[int64]bool)
	seqs := make([]*Sequence, len(candidates))
	for i, c := range candidates {
		if !usedParent[c.parent.SeqID] {
			seqs[i] = c.parent
			usedParent[c.parent.SeqID] = true
		} else {
			seqs[i] = g.ForkSequence(c.parent)
			sp.scheduler.acquireForkSlot(g)
		}
	}

	outputs := GenerationOutputs{}
	var survivors []*Sequence
	for i, c := range candidates {
		seq := seqs[i]
		seq.AppendToken(c.tokenID, c.logProb)
		sp.terminateIfDone(g, seq)
		outputs[seq.SeqID] = GenerationOutput{ParentID: seq.ParentID, TokenID: c.tokenID, CumulativeLogProb: seq.CumulativeLogProb}
		survivors = append(survivors, seq)
	}

	sp.pruneUnselectedBeams(g, survivors)
	if len(outputs) > 0 {
		g.Stream.Push(outputs)
	}

	if g.SamplingParams.EarlyStopping {
		sp.maybeStopEarly(g, survivors)
	}
	return nil
}

// pruneUnselectedBeams removes every running sibling not present in
// survivors, freeing its blocks and releasing its scheduler seat — the
// beams materializeBeams did not keep.
func (sp *Sampler) pruneUnselectedBeams(g *SequenceGroup, survivors []*Sequence) {
	keep := make(map[int64]bool, len(survivors))
	for _, s := range survivors {
		keep[s.SeqID] = true
	}
	for _, seq := range g.RunningSequences() {
		if keep[seq.SeqID] {
			continue
		}
		if table := g.BlockTable(seq.SeqID); table != nil {
			table.Free()
		}
		g.RemoveSequence(seq.SeqID)
		sp.scheduler.releaseSiblingSlot(g)
	}
}

// maybeStopEarly implements beam search's early_stopping flag: once at
// least one sibling has finished, every surviving running beam whose
// current score is no better than the best finished sibling's score is
// marked Finished. Beams scoring higher keep running.
func (sp *Sampler) maybeStopEarly(g *SequenceGroup, survivors []*Sequence) {
	penalty := g.SamplingParams.LengthPenalty
	bestFinished := math.Inf(-1)
	hasFinished := false
	for _, s := range g.FinishedSequences() {
		if score := s.BeamSearchScore(penalty); score > bestFinished {
			bestFinished = score
			hasFinished = true
		}
	}
	if !hasFinished {
		return
	}
	for _, s := range survivors {
		if s.IsRunning() && s.BeamSearchScore(penalty) <= bestFinished {
			s.Status = StatusFinished
			sp.scheduler.releaseSiblingSlot(g)
		}
	}
}

// terminateIfDone marks seq Finished once it hits EOS (unless ignored), a
// configured stop token, or its max_new_tokens budget, releasing its
// scheduler seat if the group keeps running without it.
func (sp *Sampler) terminateIfDone(g *SequenceGroup, seq *Sequence) {
	params := g.SamplingParams
	last := seq.GeneratedIDs[seq.GeneratedLen()-1]

	done := false
	if !params.IgnoreEOS && last == sp.eos {
		done = true
	}
	for _, stop := range params.StopTokenIDs {
		if last == stop {
			done = true
		}
	}
	if seq.GeneratedLen() >= params.MaxNewTokens {
		done = true
	}
	if !done {
		return
	}
	seq.Status = StatusFinished
	if !g.HasFinished() {
		sp.scheduler.releaseSiblingSlot(g)
	}
	logrus.Debugf("sequence %d finished for request %d", seq.SeqID, g.RequestID)
}

// findSibling returns g's sibling with the given SeqID, or nil.
func (g *SequenceGroup) findSibling(seqID int64) *Sequence {
	for _, s := range g.Siblings {
		if s.SeqID == seqID {
			return s
		}
	}
	return nil
}

func sampleGreedy(row []float64) (Token, float64) {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return Token(best), logSoftmaxAt(row, best)
}

// sampleMultinomial applies repetition penalty, temperature, top-k and
// top-p filtering to row, then draws one token from the resulting
// distribution.
func (sp *Sampler) sampleMultinomial(row []float64, generated []Token, params *SamplingParameters) (Token, float64) {
	adjusted := append([]float64(nil), row...)
	applyRepetitionPenalty(adjusted, generated, params.RepetitionPenalty)
	for i := range adjusted {
		adjusted[i] /= params.Temperature
	}
	applyTopK(adjusted, params.TopK)
	probs := softmax(adjusted)
	applyTopP(probs, params.TopP)
	probs = renormalize(probs)

	idx := sampleFromProbs(sp.rng, probs)
	return Token(idx), math.Log(probs[idx] + 1e-12)
}

func applyRepetitionPenalty(row []float64, generated []Token, penalty float64) {
	if penalty == 1.0 {
		return
	}
	seen := make(map[Token]bool, len(generated))
	for _, t := range generated {
		if seen[t] {
			continue
		}
		seen[t] = true
		if int(t) < 0 || int(t) >= len(row) {
			continue
		}
		if row[t] > 0 {
			row[t] /= penalty
		} else {
			row[t] *= penalty
		}
	}
}

func applyTopK(row []float64, k int) {
	if k <= 0 || k >= len(row) {
		return
	}
	sorted := append([]float64(nil), row...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	threshold := sorted[k-1]
	for i, v := range row {
		if v < threshold {
			row[i] = math.Inf(-1)
		}
	}
}

// applyTopP zeroes every probability outside the smallest nucleus whose
// cumulative mass reaches topP, mutating probs in place.
func applyTopP(probs []float64, topP float64) {
	if topP >= 1.0 {
		return
	}
	type kv struct {
		idx int
		p   float64
	}
	sorted := make([]kv, len(probs))
	for i, p := range probs {
		sorted[i] = kv{i, p}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].p > sorted[j].p })

	cumulative := 0.0
	cutoff := len(sorted)
	for i, e := range sorted {
		cumulative += e.p
		if cumulative >= topP {
			cutoff = i + 1
			break
		}
	}
	keep := make(map[int]bool, cutoff)
	for i := 0; i < cutoff; i++ {
		keep[sorted[i].idx] = true
	}
	for i := range probs {
		if !keep[i] {
			probs[i] = 0
		}
	}
}

func renormalize(probs []float64) []float64 {
	sum := 0.0
	for _, p := range probs {
		sum += p
	}
	if sum <= 0 {
		return probs
	}
	out := make([]float64, len(probs))
	for i, p := range probs {
		out[i] = p / sum
	}
	return out
}

func softmax(row []float64) []float64 {
	max := math.Inf(-1)
	for _, v := range row {
		if v > max {
			max = v
		}
	}
	sum := 0.0
	out := make([]float64, len(row))
	for i, v := range row {
		e := math.Exp(v - max)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func logSoftmaxAt(row []float64, idx int) float64 {
	probs := softmax(row)
	return math.Log(probs[idx] + 1e-12)
}

func sampleFromProbs(rng *rand.Rand, probs []float64) int {
	r := rng.Float64()
	cumulative := 0.0
	for i, p := range probs {
		cumulative += p
		if r <= cumulative {
			return i
		}
	}
	return len(probs) - 1
}

type scoredToken struct {
	tokenID Token
	logProb float64
}

// topCandidates returns the k tokens with highest log-probability under
// row's softmax distribution, descending.
func topCandidates(row []float64, k int) []scoredToken {
	probs := softmax(row)
	all := make([]scoredToken, len(probs))
	for i, p := range probs {
		all[i] = scoredToken{Token(i), math.Log(p + 1e-12)}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].logProb > all[j].logProb })
	if k < len(all) {
		all = all[:k]
	}
	return all
}
