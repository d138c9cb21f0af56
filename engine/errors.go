package engine

import "errors"

// ErrInvalidRequest is returned by AddRequest when a prompt or sampling
// parameter is out of range; no sequence group is created.
var ErrInvalidRequest = errors.New("pagedgen: invalid request")

// ErrOutOfCapacity is delivered on a request's stream when the scheduler
// exhausts every preemption candidate and still cannot seat the request.
var ErrOutOfCapacity = errors.New("pagedgen: out of cache capacity")

// ErrModelRuntime wraps a failure from ModelRunner.Forward. It terminates
// only the groups scheduled in the failing iteration, not the engine.
var ErrModelRuntime = errors.New("pagedgen: model runtime error")

// ErrCancelled is delivered on a request's stream after its handle is
// dropped and the engine reaps the group at the next Step.
var ErrCancelled = errors.New("pagedgen: request cancelled")

// errOutOfMemory is raised internally by the BlockAllocator when the free
// list is exhausted. It never escapes the scheduler: every occurrence is
// recovered locally via preemption, or converted to ErrOutOfCapacity.
var errOutOfMemory = errors.New("pagedgen: out of KV cache blocks")
