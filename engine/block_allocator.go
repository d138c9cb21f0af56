package engine

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
)

// physicalBlock is one fixed-size slot of the pre-allocated KV tensor.
// Hash/TokenIDs are only populated for blocks that were filled to
// capacity — they back the prefix-cache lookup in AllocateForBlock.
type physicalBlock struct {
	id       int
	refCount int
	hash     uint64
	tokenIDs []Token
}

// BlockAllocator owns the fixed-size pool of physical KV blocks shared by
// every sequence in the engine. It is touched only from the single engine
// goroutine (see SPEC_FULL.md §7) so refCount is a plain int.
type BlockAllocator struct {
	blockSize int
	blocks    []*physicalBlock
	freeIDs   []int // LIFO: warmest physical memory popped first
	hashIndex map[uint64]int
}

// NewBlockAllocator creates a pool of numBlocks blocks, each blockSize
// tokens wide.
func NewBlockAllocator(numBlocks, blockSize int) *BlockAllocator {
	blocks := make([]*physicalBlock, numBlocks)
	freeIDs := make([]int, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks[i] = &physicalBlock{id: i}
		freeIDs[i] = i
	}
	return &BlockAllocator{
		blockSize: blockSize,
		blocks:    blocks,
		freeIDs:   freeIDs,
		hashIndex: make(map[uint64]int),
	}
}

// CanAllocate reports whether n fresh blocks are available.
func (a *BlockAllocator) CanAllocate(n int) bool {
	return len(a.freeIDs) >= n
}

// Allocate returns a free block with refcount 1, or errOutOfMemory.
func (a *BlockAllocator) Allocate() (int, error) {
	if len(a.freeIDs) == 0 {
		return -1, errOutOfMemory
	}
	id := a.freeIDs[len(a.freeIDs)-1]
	a.freeIDs = a.freeIDs[:len(a.freeIDs)-1]
	b := a.blocks[id]
	b.refCount = 1
	b.hash = 0
	b.tokenIDs = nil
	return id, nil
}

// Fork increments src's refcount and returns src unchanged — a shared
// reference, no physical copy.
func (a *BlockAllocator) Fork(src int) int {
	a.blocks[src].refCount++
	return src
}

// Free decrements blockID's refcount, returning it to the free list once
// it reaches zero. A block that still has a cached hash is evicted from
// the prefix-cache index so later lookups don't match stale content.
func (a *BlockAllocator) Free(blockID int) {
	b := a.blocks[blockID]
	if b.refCount <= 0 {
		panic("pagedgen: double free of block")
	}
	b.refCount--
	if b.refCount == 0 {
		if b.hash != 0 {
			if a.hashIndex[b.hash] == blockID {
				delete(a.hashIndex, b.hash)
			}
			b.hash = 0
			b.tokenIDs = nil
		}
		a.freeIDs = append(a.freeIDs, blockID)
	}
}

// RefCount returns the current reference count of blockID, for tests and
// invariant checks.
func (a *BlockAllocator) RefCount(blockID int) int {
	return a.blocks[blockID].refCount
}

// CopyOnWrite implements §4.1's copy-on-write contract: a block with a
// single owner is written in place; a shared block is duplicated and the
// source's refcount is released.
func (a *BlockAllocator) CopyOnWrite(src int) (newID int, needsCopy bool, err error) {
	if a.blocks[src].refCount == 1 {
		return src, false, nil
	}
	id, err := a.Allocate()
	if err != nil {
		return -1, false, err
	}
	a.Free(src)
	return id, true, nil
}

// ComputeHash fingerprints a full logical block's token IDs, chained onto
// the hash of the preceding block so that two prompts only share a block
// when their entire prefix up to and including it is identical.
func (a *BlockAllocator) ComputeHash(tokenIDs []Token, prefixHash uint64) uint64 {
	h := xxhash.New()
	if prefixHash != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	for _, t := range tokenIDs {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(t))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// AllocateForBlock resolves the physical block for one logical block of a
// sequence. Full blocks are looked up in the prefix-cache index first; a
// content-matching hit bumps the existing block's refcount instead of
// allocating, supplementing the base CoW/refcount contract with cross-group
// prefix sharing. Partial (not-yet-full) blocks are never cached.
func (a *BlockAllocator) AllocateForBlock(tokenIDs []Token, prefixHash uint64) (blockID int, hash uint64, cacheHit bool, err error) {
	full := len(tokenIDs) == a.blockSize
	if !full {
		id, err := a.Allocate()
		return id, 0, false, err
	}

	hash = a.ComputeHash(tokenIDs, prefixHash)
	if id, ok := a.hashIndex[hash]; ok && a.blocks[id].refCount > 0 && tokensEqual(a.blocks[id].tokenIDs, tokenIDs) {
		a.blocks[id].refCount++
		logrus.Debugf("prefix-cache hit for block hash %x (block %d, refcount now %d)", hash, id, a.blocks[id].refCount)
		return id, hash, true, nil
	}

	id, err := a.Allocate()
	if err != nil {
		return -1, 0, false, err
	}
	b := a.blocks[id]
	b.hash = hash
	b.tokenIDs = append([]Token(nil), tokenIDs...)
	a.hashIndex[hash] = id
	return id, hash, false, nil
}

func tokensEqual(a, b []Token) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
