package engine

// Token is a single vocabulary entry identifier, as produced by an external
// tokenizer and consumed by an external model runner.
type Token = int64
