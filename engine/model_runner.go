package engine

import (
	"fmt"
	"math/rand"
	"unicode"
)

// Logits is a dense [rows, vocab] tensor: row i corresponds to
// BatchPlan.Rows' i-th token position, in the same concatenation order the
// ModelRunner consumed.
type Logits [][]float64

// ModelRunner is the external collaborator that owns model weights and the
// neural forward pass. pagedgen never loads weights or runs a forward pass
// itself; it only shapes the batch and consumes the resulting logits.
type ModelRunner interface {
	// Forward executes one iteration's forward pass for plan, given the
	// current block tables (keyed by SeqID) for every group in the batch,
	// applying any BlockCopyOps before reading from a CoW'd source block.
	Forward(plan BatchPlan, tables map[int64]*BlockTable) (Logits, error)
	Close() error
}

// Tokenizer is the external collaborator that converts between text and
// Token IDs. pagedgen treats prompts and completions as opaque []Token.
type Tokenizer interface {
	Encode(text string) ([]Token, error)
	Decode(ids []Token) (string, error)
	EOSTokenID() Token
}

// MockModelRunner is a deterministic, weight-free ModelRunner for tests and
// the demo command. Its vocabulary is a fixed size and each logits row
// favors token (row index within the batch) % VocabSize, unless Bias
// overrides it per seqID so beam-search/multinomial tests can observe
// divergent trajectories. The favored token does not depend on the tokens
// a sequence holds.
type MockModelRunner struct {
	VocabSize int
	// Bias, if set, is added to the otherwise-flat logit row at the index
	// this function returns for the given seqID and position-in-row,
	// letting tests script specific token preferences.
	Bias func(seqID int64, row int) (tokenID Token, logit float64)
}

// NewMockModelRunner creates a runner with the given vocabulary size and no
// per-sequence bias: every row favors argmax = (row index within the
// batch) % VocabSize.
func NewMockModelRunner(vocabSize int) *MockModelRunner {
	return &MockModelRunner{VocabSize: vocabSize}
}

// Forward returns one deterministic row per plan.Rows entry: a flat
// low-logit baseline with a single favored token bumped high: the row's
// index modulo VocabSize, or the token Bias returns for that row.
func (m *MockModelRunner) Forward(plan BatchPlan, tables map[int64]*BlockTable) (Logits, error) {
	rows := make(Logits, plan.TotalRows())
	for _, span := range plan.Rows {
		for r := 0; r < span.NumTokens; r++ {
			row := make([]float64, m.VocabSize)
			for i := range row {
				row[i] = -10.0
			}
			favored := Token(int64(span.Offset+r) % int64(m.VocabSize))
			logit := 10.0
			if m.Bias != nil {
				if tok, l := m.Bias(span.SeqID, r); tok >= 0 {
					favored, logit = tok, l
				}
			}
			row[favored] += logit
			rows[span.Offset+r] = row
		}
	}
	return rows, nil
}

// Close releases no resources; present to satisfy ModelRunner.
func (m *MockModelRunner) Close() error { return nil }

// MockTokenizer is a whitespace tokenizer over a fixed vocabulary, useful
// for exercising Engine.Generate end to end without a real model.
type MockTokenizer struct {
	eos   Token
	words []string
	index map[string]Token
	rng   *rand.Rand
}

// NewMockTokenizer builds a tokenizer over vocab (index i maps to Token i),
// reserving eos as the end-of-sequence ID.
func NewMockTokenizer(vocab []string, eos Token) *MockTokenizer {
	index := make(map[string]Token, len(vocab))
	for i, w := range vocab {
		index[w] = Token(i)
	}
	return &MockTokenizer{eos: eos, words: vocab, index: index, rng: rand.New(rand.NewSource(1))}
}

// Encode maps each whitespace-separated word to its vocabulary Token,
// returning an error for an out-of-vocabulary word.
func (t *MockTokenizer) Encode(text string) ([]Token, error) {
	var ids []Token
	word := ""
	flush := func() error {
		if word == "" {
			return nil
		}
		id, ok := t.index[word]
		if !ok {
			return fmt.Errorf("mock tokenizer: unknown word %q", word)
		}
		ids = append(ids, id)
		word = ""
		return nil
	}
	for _, r := range text {
		if unicode.IsSpace(r) {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		word += string(r)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Decode renders ids back to whitespace-joined words.
func (t *MockTokenizer) Decode(ids []Token) (string, error) {
	out := ""
	for i, id := range ids {
		if int(id) < 0 || int(id) >= len(t.words) {
			return "", fmt.Errorf("mock tokenizer: token id %d out of vocabulary", id)
		}
		if i > 0 {
			out += " "
		}
		out += t.words[id]
	}
	return out, nil
}

// EOSTokenID returns the configured end-of-sequence token ID.
func (t *MockTokenizer) EOSTokenID() Token {
	return t.eos
}
