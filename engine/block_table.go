package engine

// BlockCopyOp describes one physical block duplication the ModelRunner
// must perform (copy src's KV content into dst) before consuming the next
// batch plan, emitted whenever a CoW allocates a new block.
type BlockCopyOp struct {
	Src int
	Dst int
}

// BlockTable is one sequence's logical-block-index to physical-block-ID
// mapping. Logical block i covers tokens [i*blockSize, (i+1)*blockSize).
// blockHashes mirrors blockIDs one-for-one: blockHashes[i] is the content
// hash physicalBlock i was allocated under (0 if it was never filled to
// capacity or was not cache-eligible), chained as the next block's
// prefixHash so prefix-cache lookups span the whole logical prefix.
type BlockTable struct {
	blockSize   int
	blockIDs    []int
	blockHashes []uint64
	allocator   *BlockAllocator
}

// NewBlockTable creates an empty table bound to allocator.
func NewBlockTable(blockSize int, allocator *BlockAllocator) *BlockTable {
	return &BlockTable{
		blockSize: blockSize,
		allocator: allocator,
	}
}

// Len returns the number of logical blocks currently mapped.
func (bt *BlockTable) Len() int {
	return len(bt.blockIDs)
}

// BlockIDs returns the underlying physical block IDs in logical order.
// Callers must not mutate the returned slice.
func (bt *BlockTable) BlockIDs() []int {
	return bt.blockIDs
}

// LastBlockID returns the physical ID of the final logical block, or -1
// if the table is empty.
func (bt *BlockTable) LastBlockID() int {
	if len(bt.blockIDs) == 0 {
		return -1
	}
	return bt.blockIDs[len(bt.blockIDs)-1]
}

// EnsureCapacity grows the table to exactly fit tokenIDs — the sibling's
// full content up through the position this call is sizing for — allocating
// each newly needed block through the prefix-cache path: a block filled to
// capacity whose content matches a block already held by another sequence
// group is shared via AllocateForBlock/refcount instead of duplicated. On
// OutOfMemory the table is left unchanged — the caller (the scheduler)
// treats this as a preemption trigger, not a fatal error.
func (bt *BlockTable) EnsureCapacity(tokenIDs []Token) error {
	numLogicalBlocks := (len(tokenIDs) + bt.blockSize - 1) / bt.blockSize
	if numLogicalBlocks < 1 {
		numLogicalBlocks = 1
	}
	need := numLogicalBlocks - len(bt.blockIDs)
	if need <= 0 {
		return nil
	}
	if !bt.allocator.CanAllocate(need) {
		return errOutOfMemory
	}
	for i := 0; i < need; i++ {
		idx := len(bt.blockIDs)
		start := idx * bt.blockSize
		end := start + bt.blockSize
		if end > len(tokenIDs) {
			end = len(tokenIDs)
		}
		var prefixHash uint64
		if idx > 0 {
			prefixHash = bt.blockHashes[idx-1]
		}
		var id int
		var hash uint64
		var err error
		if idx > 0 && prefixHash == 0 {
			// The preceding block carries no fingerprint, so this block's
			// prefix cannot be identified; it bypasses the prefix cache.
			id, err = bt.allocator.Allocate()
		} else {
			id, hash, _, err = bt.allocator.AllocateForBlock(tokenIDs[start:end], prefixHash)
		}
		if err != nil {
			return err
		}
		bt.blockIDs = append(bt.blockIDs, id)
		bt.blockHashes = append(bt.blockHashes, hash)
	}
	return nil
}

// ForkFrom replaces this table's contents with a fresh copy of other's
// block list, incrementing the refcount of every shared block via
// BlockAllocator.Fork rather than copying their contents.
func (bt *BlockTable) ForkFrom(other *BlockTable) {
	bt.blockIDs = make([]int, len(other.blockIDs))
	bt.blockHashes = make([]uint64, len(other.blockHashes))
	for i, id := range other.blockIDs {
		bt.blockIDs[i] = bt.allocator.Fork(id)
	}
	copy(bt.blockHashes, other.blockHashes)
}

// AppendSlot grows the table by one block once newContextLen would spill
// past the currently mapped capacity — the generation-phase counterpart of
// EnsureCapacity, called once per token appended. The appended token isn't
// sampled yet, so its block can't be content-hashed here; generation-phase
// blocks are allocated directly rather than through the prefix-cache path.
func (bt *BlockTable) AppendSlot(newContextLen int) error {
	needed := (newContextLen + bt.blockSize - 1) / bt.blockSize
	additional := needed - len(bt.blockIDs)
	if additional <= 0 {
		return nil
	}
	if !bt.allocator.CanAllocate(additional) {
		return errOutOfMemory
	}
	for i := 0; i < additional; i++ {
		id, err := bt.allocator.Allocate()
		if err != nil {
			return err
		}
		bt.blockIDs = append(bt.blockIDs, id)
		bt.blockHashes = append(bt.blockHashes, 0)
	}
	return nil
}

// CowLastBlock must be called before writing a new token into what may be
// a shared last block. It returns a non-nil BlockCopyOp when the physical
// block had to be duplicated, which the caller forwards to the scheduler's
// batch plan so the ModelRunner copies the old content before the write.
func (bt *BlockTable) CowLastBlock() (*BlockCopyOp, error) {
	if len(bt.blockIDs) == 0 {
		return nil, nil
	}
	lastIdx := len(bt.blockIDs) - 1
	src := bt.blockIDs[lastIdx]
	newID, needsCopy, err := bt.allocator.CopyOnWrite(src)
	if err != nil {
		return nil, err
	}
	if !needsCopy {
		return nil, nil
	}
	bt.blockIDs[lastIdx] = newID
	bt.blockHashes[lastIdx] = 0
	return &BlockCopyOp{Src: src, Dst: newID}, nil
}

// Free releases every block this table maps, decrementing refcounts, and
// clears the table. Called when a group is reaped or preempted.
func (bt *BlockTable) Free() {
	for _, id := range bt.blockIDs {
		bt.allocator.Free(id)
	}
	bt.blockIDs = bt.blockIDs[:0]
	bt.blockHashes = bt.blockHashes[:0]
}
