package engine

import "testing"

func tokenRange(n int) []Token {
	out := make([]Token, n)
	for i := range out {
		out[i] = Token(i)
	}
	return out
}

func TestBlockTableEnsureCapacityGrows(t *testing.T) {
	a := NewBlockAllocator(8, 4)
	bt := NewBlockTable(4, a)

	if err := bt.EnsureCapacity(tokenRange(8)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bt.Len() != 2 {
		t.Fatalf("expected 2 logical blocks, got %d", bt.Len())
	}

	if err := bt.EnsureCapacity(tokenRange(8)); err != nil {
		t.Fatalf("unexpected error on no-op grow: %v", err)
	}
	if bt.Len() != 2 {
		t.Fatalf("expected EnsureCapacity to be idempotent, got %d blocks", bt.Len())
	}
}

func TestBlockTableEnsureCapacityLeavesTableUnchangedOnOOM(t *testing.T) {
	a := NewBlockAllocator(1, 4)
	bt := NewBlockTable(4, a)

	if err := bt.EnsureCapacity(tokenRange(12)); err == nil {
		t.Fatalf("expected out-of-memory error")
	}
	if bt.Len() != 0 {
		t.Fatalf("expected table unchanged after failed grow, got %d blocks", bt.Len())
	}
}

func TestBlockTableForkFromSharesBlocks(t *testing.T) {
	a := NewBlockAllocator(8, 4)
	parent := NewBlockTable(4, a)
	parent.EnsureCapacity(tokenRange(8))

	child := NewBlockTable(4, a)
	child.ForkFrom(parent)

	if child.Len() != parent.Len() {
		t.Fatalf("expected forked table to match parent length")
	}
	for i, id := range parent.BlockIDs() {
		if child.BlockIDs()[i] != id {
			t.Fatalf("expected forked table to share physical block %d", id)
		}
		if got := a.RefCount(id); got != 2 {
			t.Fatalf("expected shared block refcount 2, got %d", got)
		}
	}
}

func TestBlockTableCowLastBlockCopiesOnlyWhenShared(t *testing.T) {
	a := NewBlockAllocator(8, 4)
	parent := NewBlockTable(4, a)
	parent.EnsureCapacity(tokenRange(4))

	if op, err := parent.CowLastBlock(); err != nil || op != nil {
		t.Fatalf("expected no copy for sole-owned block, got op=%v err=%v", op, err)
	}

	child := NewBlockTable(4, a)
	child.ForkFrom(parent)

	op, err := parent.CowLastBlock()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if op == nil {
		t.Fatalf("expected a copy op once the last block is shared")
	}
	if parent.LastBlockID() != op.Dst {
		t.Fatalf("expected parent's table updated to the new physical block")
	}
}

func TestBlockTableFreeReleasesBlocks(t *testing.T) {
	a := NewBlockAllocator(2, 4)
	bt := NewBlockTable(4, a)
	bt.EnsureCapacity(tokenRange(8))

	bt.Free()
	if bt.Len() != 0 {
		t.Fatalf("expected table cleared after Free")
	}
	if !a.CanAllocate(2) {
		t.Fatalf("expected both blocks returned to the free pool")
	}
}

func TestBlockTableEnsureCapacityReusesIdenticalPrefixAcrossTables(t *testing.T) {
	a := NewBlockAllocator(8, 4)
	prompt := tokenRange(4)

	first := NewBlockTable(4, a)
	if err := first.EnsureCapacity(prompt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := NewBlockTable(4, a)
	if err := second.EnsureCapacity(append([]Token(nil), prompt...)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.BlockIDs()[0] != first.BlockIDs()[0] {
		t.Fatalf("expected identical full-block prompts to share physical block %d, got %d", first.BlockIDs()[0], second.BlockIDs()[0])
	}
	if got := a.RefCount(first.BlockIDs()[0]); got != 2 {
		t.Fatalf("expected shared block refcount 2, got %d", got)
	}
}
