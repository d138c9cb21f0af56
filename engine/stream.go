package engine

import "sync"

// GenerationOutput is one sibling's newly produced token for a single
// iteration, keyed by sibling SeqID in GenerationOutputs.
type GenerationOutput struct {
	ParentID          int64
	TokenID           Token
	CumulativeLogProb float64
}

// GenerationOutputs maps a sibling's SeqID to its output for one iteration.
type GenerationOutputs map[int64]GenerationOutput

// GenerationRawResult is one sibling's complete output, returned once a
// group finishes.
type GenerationRawResult struct {
	SeqID             int64
	GeneratedTokenIDs []Token
	CumulativeLogProb float64
}

// GenerationStream is an unbounded single-producer/single-consumer queue of
// per-iteration GenerationOutputs. The engine goroutine is the sole
// producer; a client's GenerationHandle is the sole consumer. It is
// guarded by a mutex/condition-variable pair, the same pattern the pack's
// Go inference runners use for their response channels.
type GenerationStream struct {
	mu          sync.Mutex
	cond        *sync.Cond
	queue       []GenerationOutputs
	finished    bool
	terminalErr error
}

// NewGenerationStream creates an empty, unfinished stream.
func NewGenerationStream() *GenerationStream {
	s := &GenerationStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push enqueues one iteration's outputs. Must be called at most once per
// iteration per group, only for siblings that produced a new token.
func (s *GenerationStream) Push(outputs GenerationOutputs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.queue = append(s.queue, outputs)
	s.cond.Broadcast()
}

// Finish marks the stream terminal; no further Push calls are expected.
// Any blocked Read wakes and returns a nil map.
func (s *GenerationStream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.cond.Broadcast()
}

// FailAndFinish marks the stream terminal with an associated error
// (OutOfCapacity, ModelRuntimeError, or Cancelled), delivered to readers
// via Err() once the stream is drained.
func (s *GenerationStream) FailAndFinish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.terminalErr = err
	s.finished = true
	s.cond.Broadcast()
}

// Err returns the terminal error the stream finished with, if any.
func (s *GenerationStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalErr
}

// Read blocks until a map is queued or the stream finishes, returning the
// next queued map (or nil once drained and finished).
func (s *GenerationStream) Read() GenerationOutputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.finished {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil
	}
	out := s.queue[0]
	s.queue = s.queue[1:]
	return out
}

// CanRead reports whether at least one unread map is queued.
func (s *GenerationStream) CanRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// GenerationFinished reports whether the stream has pushed its final
// output and been fully drained.
func (s *GenerationStream) GenerationFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished && len(s.queue) == 0
}

// GenerationHandle is the client-facing reader of one request's stream.
// It is returned by Engine.AddRequest.
type GenerationHandle struct {
	stream     *GenerationStream
	params     *SamplingParameters
	finalFn    func() []GenerationRawResult
	cancelFn   func()
	cancelled  bool
	cancelOnce sync.Once
}

func newGenerationHandle(stream *GenerationStream, params *SamplingParameters, finalFn func() []GenerationRawResult, cancelFn func()) *GenerationHandle {
	return &GenerationHandle{
		stream:   stream,
		params:   params,
		finalFn:  finalFn,
		cancelFn: cancelFn,
	}
}

// GenerationFinished reports whether the request has fully completed and
// its stream has been drained.
func (h *GenerationHandle) GenerationFinished() bool {
	return h.stream.GenerationFinished()
}

// Err returns the terminal error the request's stream finished with
// (ErrOutOfCapacity, ErrModelRuntime, or ErrCancelled), or nil on success.
func (h *GenerationHandle) Err() error {
	return h.stream.Err()
}

// CanRead reports whether at least one unread iteration output is queued.
func (h *GenerationHandle) CanRead() bool {
	return h.stream.CanRead()
}

// Read returns the next queued iteration's outputs, blocking until one is
// available or the stream finishes.
func (h *GenerationHandle) Read() GenerationOutputs {
	return h.stream.Read()
}

// ReadAll drains the stream and returns one aggregated result per
// sibling, sorted by beam-search score (descending) for beam search, or
// by SeqID otherwise.
func (h *GenerationHandle) ReadAll() []GenerationRawResult {
	for h.stream.CanRead() {
		h.stream.Read()
	}
	return h.finalFn()
}

// Cancel marks the request for cancellation. The engine reaps the group
// at its next Step, freeing its blocks and pushing a terminal event.
func (h *GenerationHandle) Cancel() {
	h.cancelOnce.Do(func() {
		h.cancelled = true
		if h.cancelFn != nil {
			h.cancelFn()
		}
	})
}
