package engine

import "fmt"

// SamplingMode selects which of the four sampling policies a SequenceGroup
// uses. Exactly one is active per group for its whole lifetime.
type SamplingMode int

const (
	Greedy SamplingMode = iota
	Multinomial
	BeamSearch
	ParallelSampling
)

// SamplingParameters configures how a group's next tokens are chosen.
// Only the fields relevant to Mode are consulted by the Sampler.
type SamplingParameters struct {
	Mode SamplingMode

	// Multinomial
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64

	// BeamSearch
	BeamWidth     int
	LengthPenalty float64
	EarlyStopping bool

	// ParallelSampling
	N int

	// Shared across modes
	MaxNewTokens int
	StopTokenIDs []Token
	IgnoreEOS    bool
}

// SamplingOption is a functional option for SamplingParameters.
type SamplingOption func(*SamplingParameters)

// NewSamplingParameters builds a SamplingParameters with greedy defaults,
// applies opts, and validates the combination, panicking on an invalid one
// the way nanovllm.NewSamplingParams does.
func NewSamplingParameters(opts ...SamplingOption) *SamplingParameters {
	sp := &SamplingParameters{
		Mode:              Greedy,
		Temperature:       1.0,
		TopK:              0,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
		BeamWidth:         1,
		LengthPenalty:     1.0,
		N:                 1,
		MaxNewTokens:      64,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.validate(); err != nil {
		panic(err)
	}

	return sp
}

func (sp *SamplingParameters) validate() error {
	if sp.MaxNewTokens <= 0 {
		return fmt.Errorf("max_new_tokens must be positive")
	}
	switch sp.Mode {
	case Multinomial:
		if sp.Temperature <= 1e-10 {
			return fmt.Errorf("multinomial sampling requires temperature > 0")
		}
		if sp.TopP <= 0 || sp.TopP > 1.0 {
			return fmt.Errorf("top_p must be in (0, 1]")
		}
	case BeamSearch:
		if sp.BeamWidth < 1 {
			return fmt.Errorf("beam_width must be >= 1")
		}
	case ParallelSampling:
		if sp.N < 1 {
			return fmt.Errorf("n must be >= 1")
		}
	}
	return nil
}

// WithGreedy selects argmax decoding (the default mode).
func WithGreedy() SamplingOption {
	return func(sp *SamplingParameters) { sp.Mode = Greedy }
}

// WithMultinomial selects temperature/top-k/top-p sampling.
func WithMultinomial(temperature float64, topK int, topP, repetitionPenalty float64) SamplingOption {
	return func(sp *SamplingParameters) {
		sp.Mode = Multinomial
		sp.Temperature = temperature
		sp.TopK = topK
		sp.TopP = topP
		sp.RepetitionPenalty = repetitionPenalty
	}
}

// WithBeamSearch selects beam search with the given beam width and length
// penalty, optionally stopping early once the best beam cannot be beaten.
func WithBeamSearch(beamWidth int, lengthPenalty float64, earlyStopping bool) SamplingOption {
	return func(sp *SamplingParameters) {
		sp.Mode = BeamSearch
		sp.BeamWidth = beamWidth
		sp.LengthPenalty = lengthPenalty
		sp.EarlyStopping = earlyStopping
	}
}

// WithParallelSampling selects n independent multinomial siblings forked
// from a single seed sequence after prefill.
func WithParallelSampling(n int, temperature float64, topK int, topP float64) SamplingOption {
	return func(sp *SamplingParameters) {
		sp.Mode = ParallelSampling
		sp.N = n
		sp.Temperature = temperature
		sp.TopK = topK
		sp.TopP = topP
	}
}

// WithMaxNewTokens sets the per-sibling completion length budget.
func WithMaxNewTokens(n int) SamplingOption {
	return func(sp *SamplingParameters) { sp.MaxNewTokens = n }
}

// WithStopTokenIDs sets additional token IDs that terminate a sibling.
func WithStopTokenIDs(ids ...Token) SamplingOption {
	return func(sp *SamplingParameters) { sp.StopTokenIDs = ids }
}

// WithIgnoreEOS disables EOS as a termination condition, used for
// benchmarking fixed-length generations.
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParameters) { sp.IgnoreEOS = b }
}
