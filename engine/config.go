package engine

import "fmt"

// Config holds the tunables recognized by the scheduler and block
// allocator. It carries no knowledge of model weights, tokenizers, or
// file-based configuration formats — those are external collaborators.
type Config struct {
	MaxNumBatchedTokens int
	MaxNumSeqs          int
	BlockSize           int
	CacheSizeBlocks     int
	DynamicSplitFuse    bool
	MaxNumPreemptions   int
	EOS                 Token
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// NewConfig creates a Config with defaults tuned for a small model, then
// applies opts and validates the result. It panics on an invalid
// combination, matching NewSamplingParameters' fail-fast posture.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		MaxNumBatchedTokens: 16384,
		MaxNumSeqs:          512,
		BlockSize:           16,
		CacheSizeBlocks:     1024,
		DynamicSplitFuse:    false,
		MaxNumPreemptions:   8,
		EOS:                 -1,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		panic(err)
	}

	return c
}

func (c *Config) validate() error {
	if c.BlockSize != 16 && c.BlockSize != 32 && c.BlockSize != 64 {
		return fmt.Errorf("block_size must be one of 16, 32, 64, got %d", c.BlockSize)
	}
	if c.MaxNumBatchedTokens <= 0 {
		return fmt.Errorf("max_num_batched_tokens must be positive")
	}
	if c.MaxNumSeqs <= 0 {
		return fmt.Errorf("max_num_seqs must be positive")
	}
	if c.CacheSizeBlocks <= 0 {
		return fmt.Errorf("cache_size_blocks must be positive")
	}
	if c.MaxNumPreemptions < 0 {
		return fmt.Errorf("max_num_preemptions must be non-negative")
	}
	return nil
}

// WithMaxNumBatchedTokens sets the per-iteration token budget (K).
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) { c.MaxNumBatchedTokens = n }
}

// WithMaxNumSeqs sets the upper bound on concurrently running siblings (S).
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) { c.MaxNumSeqs = n }
}

// WithBlockSize sets the number of tokens per KV block (16, 32, or 64).
func WithBlockSize(n int) ConfigOption {
	return func(c *Config) { c.BlockSize = n }
}

// WithCacheSizeBlocks sets the total number of physical blocks in the pool.
func WithCacheSizeBlocks(n int) ConfigOption {
	return func(c *Config) { c.CacheSizeBlocks = n }
}

// WithDynamicSplitFuse allows prefill groups to be scheduled partially
// across iterations rather than requiring the full remaining prefill to fit.
func WithDynamicSplitFuse(b bool) ConfigOption {
	return func(c *Config) { c.DynamicSplitFuse = b }
}

// WithMaxNumPreemptions caps preemptions performed within a single
// Schedule call, preventing livelock between two starved groups.
func WithMaxNumPreemptions(n int) ConfigOption {
	return func(c *Config) { c.MaxNumPreemptions = n }
}

// WithEOS sets the end-of-sequence token ID consulted by the sampler.
func WithEOS(id Token) ConfigOption {
	return func(c *Config) { c.EOS = id }
}
