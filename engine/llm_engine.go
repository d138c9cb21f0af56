package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// GenerationResult is one request's complete output, returned by Generate.
type GenerationResult struct {
	RequestID uint64
	Outputs   []GenerationRawResult
	Err       error
}

// FinishedGenerationResult is one request reaped during a single Step call.
type FinishedGenerationResult = GenerationResult

// requestCell is the synchronization point between a pending/admitted
// request's GenerationHandle (read from any goroutine) and the engine
// goroutine that eventually creates, runs, and reaps its SequenceGroup.
type requestCell struct {
	mu        sync.Mutex
	group     *SequenceGroup
	cancelled bool
}

type pendingRequest struct {
	requestID uint64
	promptIDs []Token
	params    *SamplingParameters
	stream    *GenerationStream
	cell      *requestCell
}

// Engine is the top-level add_request/step/generate façade tying the
// Scheduler, BlockAllocator, Sampler, and an external ModelRunner together
// into the single-threaded cooperative core described in the concurrency
// model: one goroutine calls Step in a loop; AddRequest is the only
// boundary safe to call concurrently with it.
type Engine struct {
	config      *Config
	allocator   *BlockAllocator
	store       *SequenceGroupStore
	scheduler   *Scheduler
	sampler     *Sampler
	modelRunner ModelRunner
	tokenizer   Tokenizer

	pendingMu sync.Mutex
	pending   []*pendingRequest

	nextRequestID uint64
}

// NewEngine wires a fresh Engine from cfg against modelRunner and
// tokenizer, sizing the BlockAllocator's physical pool from
// cfg.CacheSizeBlocks.
func NewEngine(cfg *Config, modelRunner ModelRunner, tokenizer Tokenizer) *Engine {
	allocator := NewBlockAllocator(cfg.CacheSizeBlocks, cfg.BlockSize)
	scheduler := NewScheduler(cfg, allocator)
	return &Engine{
		config:      cfg,
		allocator:   allocator,
		store:       NewSequenceGroupStore(),
		scheduler:   scheduler,
		sampler:     NewSampler(cfg, scheduler),
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
	}
}

// AddRequest validates and tokenizes input (a string or a []Token prompt),
// enqueues it for admission at the next Step, and returns a handle the
// caller reads independently of the engine goroutine.
func (e *Engine) AddRequest(requestID uint64, input any, params *SamplingParameters) (*GenerationHandle, error) {
	promptIDs, err := e.resolvePrompt(input)
	if err != nil {
		return nil, fmt.Errorf("add_request %d: %w", requestID, err)
	}
	if len(promptIDs) == 0 {
		return nil, fmt.Errorf("add_request %d: empty prompt: %w", requestID, ErrInvalidRequest)
	}

	cell := &requestCell{}
	stream := NewGenerationStream()
	pr := &pendingRequest{requestID: requestID, promptIDs: promptIDs, params: params, stream: stream, cell: cell}

	e.pendingMu.Lock()
	e.pending = append(e.pending, pr)
	e.pendingMu.Unlock()

	finalFn := func() []GenerationRawResult {
		cell.mu.Lock()
		g := cell.group
		cell.mu.Unlock()
		if g == nil {
			return nil
		}
		return g.finalResults()
	}
	cancelFn := func() {
		cell.mu.Lock()
		cell.cancelled = true
		g := cell.group
		cell.mu.Unlock()
		if g != nil {
			g.cancelled = true
		}
	}

	return newGenerationHandle(stream, params, finalFn, cancelFn), nil
}

func (e *Engine) resolvePrompt(input any) ([]Token, error) {
	switch v := input.(type) {
	case []Token:
		return append([]Token(nil), v...), nil
	case string:
		ids, err := e.tokenizer.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("%w: unsupported prompt type %T", ErrInvalidRequest, input)
	}
}

// HasUnfinishedRequests reports whether any request is pending admission
// or has a live SequenceGroup.
func (e *Engine) HasUnfinishedRequests() bool {
	e.pendingMu.Lock()
	pending := len(e.pending) > 0
	e.pendingMu.Unlock()
	return pending || e.store.HasUnfinished()
}

// Step drains pending requests, runs one Schedule → Forward →
// SampleAndAdvance → Push iteration, reaps every group that finished as a
// result, and returns their results.
func (e *Engine) Step() ([]FinishedGenerationResult, error) {
	e.admitPending()
	e.reapCancelled()

	plan := e.scheduler.Schedule()

	if len(plan.GroupsInBatch) > 0 {
		tables := e.collectBlockTables(plan)
		logits, err := e.modelRunner.Forward(plan, tables)
		if err != nil {
			e.failGroups(plan.GroupsInBatch, fmt.Errorf("%w: %v", ErrModelRuntime, err))
		} else if err := e.sampler.SampleAndAdvance(plan, e.store, logits); err != nil {
			e.failGroups(plan.GroupsInBatch, fmt.Errorf("%w: %v", ErrModelRuntime, err))
		}
	}

	for _, requestID := range plan.Failed {
		if g, ok := e.store.Get(requestID); ok {
			e.failGroup(g, ErrOutOfCapacity)
		}
	}

	reaped := e.store.RemoveFinished()
	results := make([]FinishedGenerationResult, len(reaped))
	for i, g := range reaped {
		e.scheduler.ReleaseFinished(g)
		results[i] = GenerationResult{RequestID: g.RequestID, Outputs: g.finalResults(), Err: g.Stream.Err()}
	}
	return results, nil
}

func (e *Engine) admitPending() {
	e.pendingMu.Lock()
	batch := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	for _, pr := range batch {
		pr.cell.mu.Lock()
		cancelled := pr.cell.cancelled
		pr.cell.mu.Unlock()
		if cancelled {
			pr.stream.FailAndFinish(fmt.Errorf("request %d: %w", pr.requestID, ErrCancelled))
			continue
		}

		g := newSequenceGroup(pr.requestID, pr.promptIDs, pr.params, e.config.BlockSize, e.allocator, e.store.NextSeqID)
		g.Stream = pr.stream

		pr.cell.mu.Lock()
		pr.cell.group = g
		stillCancelled := pr.cell.cancelled
		pr.cell.mu.Unlock()

		e.store.Add(g)
		if stillCancelled {
			g.cancelled = true
			e.cancelGroup(g)
			continue
		}
		e.scheduler.Add(g)
		logrus.Debugf("admitted request %d (%d prompt tokens)", g.RequestID, g.PromptLen())
	}
}

// reapCancelled finds every live group whose handle called Cancel and
// reaps it immediately rather than waiting for its natural completion.
func (e *Engine) reapCancelled() {
	for _, g := range e.store.All() {
		if g.cancelled && !g.HasFinished() {
			e.cancelGroup(g)
		}
	}
}

func (e *Engine) cancelGroup(g *SequenceGroup) {
	e.scheduler.Cancel(g)
	finishAllSiblings(g)
	g.Stream.FailAndFinish(fmt.Errorf("request %d: %w", g.RequestID, ErrCancelled))
}

func (e *Engine) failGroup(g *SequenceGroup, err error) {
	e.scheduler.Cancel(g)
	finishAllSiblings(g)
	g.Stream.FailAndFinish(fmt.Errorf("request %d: %w", g.RequestID, err))
}

func (e *Engine) failGroups(groups []ScheduledGroup, err error) {
	for _, sg := range groups {
		if g, ok := e.store.Get(sg.RequestID); ok {
			e.failGroup(g, err)
		}
	}
}

func finishAllSiblings(g *SequenceGroup) {
	for _, s := range g.Siblings {
		s.Status = StatusFinished
	}
}

func (e *Engine) collectBlockTables(plan BatchPlan) map[int64]*BlockTable {
	tables := make(map[int64]*BlockTable)
	seen := make(map[uint64]bool)
	for _, sg := range plan.GroupsInBatch {
		if seen[sg.RequestID] {
			continue
		}
		seen[sg.RequestID] = true
		g, ok := e.store.Get(sg.RequestID)
		if !ok {
			continue
		}
		for seqID, t := range g.BlockTables() {
			tables[seqID] = t
		}
	}
	return tables
}

// Generate runs prompts to completion against params (one per prompt),
// driving Step in a loop until every request finishes, and returns results
// sorted by ascending RequestID. Request IDs are assigned in prompt order
// starting at 1.
func (e *Engine) Generate(prompts []any, params []*SamplingParameters, showProgress bool) ([]GenerationResult, error) {
	if len(params) != len(prompts) {
		return nil, fmt.Errorf("generate: %d prompts but %d sampling params: %w", len(prompts), len(params), ErrInvalidRequest)
	}

	handles := make(map[uint64]*GenerationHandle, len(prompts))
	requestIDs := make([]uint64, len(prompts))
	for i, p := range prompts {
		e.nextRequestID++
		requestID := e.nextRequestID
		h, err := e.AddRequest(requestID, p, params[i])
		if err != nil {
			return nil, err
		}
		handles[requestID] = h
		requestIDs[i] = requestID
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.Default(int64(len(prompts)), "generating")
	}

	for e.HasUnfinishedRequests() {
		finished, err := e.Step()
		if err != nil {
			return nil, err
		}
		if bar != nil {
			_ = bar.Add(len(finished))
		}
	}

	results := make([]GenerationResult, len(requestIDs))
	for i, requestID := range requestIDs {
		h := handles[requestID]
		results[i] = GenerationResult{RequestID: requestID, Outputs: h.ReadAll(), Err: h.Err()}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].RequestID < results[j].RequestID })
	return results, nil
}

// Close releases the ModelRunner's resources.
func (e *Engine) Close() error {
	return e.modelRunner.Close()
}
