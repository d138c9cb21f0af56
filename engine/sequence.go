package engine

import "math"

// SequenceStatus is the lifecycle state of a single Sequence.
type SequenceStatus int

const (
	StatusRunning SequenceStatus = iota
	StatusFinished
)

// Sequence is a single running or finished generation branch within a
// SequenceGroup. It never stores a direct reference to the group's
// GenerationStream (see design note in SPEC_FULL.md §5) — pushes always go
// through the owning SequenceGroup.
type Sequence struct {
	SeqID             int64
	ParentID          int64
	Status            SequenceStatus
	GeneratedIDs      []Token
	CumulativeLogProb float64

	// groupID back-references the owning SequenceGroup by RequestID.
	groupID uint64
}

// newSequence creates a fresh, un-forked sequence. seqID must come from
// SequenceGroupStore.NextSeqID so IDs stay process-wide monotonic.
func newSequence(seqID int64, groupID uint64) *Sequence {
	return &Sequence{
		SeqID:        seqID,
		ParentID:     0,
		Status:       StatusRunning,
		GeneratedIDs: make([]Token, 0),
		groupID:      groupID,
	}
}

// fork creates a child sequence that shares parent's generated_ids at the
// moment of the call. Subsequent appends to either sequence do not mutate
// the other, since GeneratedIDs is copied, not aliased.
func (s *Sequence) fork(childSeqID int64) *Sequence {
	child := &Sequence{
		SeqID:             childSeqID,
		ParentID:          s.SeqID,
		Status:            s.Status,
		GeneratedIDs:      make([]Token, len(s.GeneratedIDs)),
		CumulativeLogProb: s.CumulativeLogProb,
		groupID:           s.groupID,
	}
	copy(child.GeneratedIDs, s.GeneratedIDs)
	return child
}

// IsFinished reports whether the sequence has reached a terminal state.
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished
}

// IsRunning reports whether the sequence is still generating.
func (s *Sequence) IsRunning() bool {
	return s.Status == StatusRunning
}

// GeneratedLen returns the number of tokens produced so far.
func (s *Sequence) GeneratedLen() int {
	return len(s.GeneratedIDs)
}

// AppendToken records a newly sampled token and its log-probability.
func (s *Sequence) AppendToken(tokenID Token, logProb float64) {
	s.GeneratedIDs = append(s.GeneratedIDs, tokenID)
	s.CumulativeLogProb += logProb
}

// BeamSearchScore implements score = cumulative_log_prob / length^alpha,
// the ranking function used by beam search to compare siblings of
// different lengths.
func (s *Sequence) BeamSearchScore(lengthPenalty float64) float64 {
	length := float64(s.GeneratedLen())
	if length == 0 {
		return s.CumulativeLogProb
	}
	return s.CumulativeLogProb / math.Pow(length, lengthPenalty)
}
