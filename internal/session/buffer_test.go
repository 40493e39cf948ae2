package session

import (
	"fmt"
	"sync"
	"testing"
)

func TestBufferAppendAndChunks(t *testing.T) {
	b := NewBuffer(5)

	for i := 0; i < 3; i++ {
		b.Append("stdout", fmt.Sprintf("line-%d", i))
	}

	chunks := b.Chunks()
	if len(chunks) != 3 {
		t.Fatalf("len = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Data != fmt.Sprintf("line-%d", i) {
			t.Errorf("chunk %d data = %q", i, c.Data)
		}
		if c.Seq != uint64(i) {
			t.Errorf("chunk %d seq = %d", i, c.Seq)
		}
	}
}

func TestBufferEvictsOldestFirst(t *testing.T) {
	b := NewBuffer(3)

	for i := 0; i < 5; i++ {
		b.Append("stdout", fmt.Sprintf("line-%d", i))
	}

	chunks := b.Chunks()
	if len(chunks) != 3 {
		t.Fatalf("len = %d, want 3", len(chunks))
	}

	// lines 0 and 1 evicted, 2..4 remain in order
	want := []string{"line-2", "line-3", "line-4"}
	for i, c := range chunks {
		if c.Data != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, c.Data, want[i])
		}
	}

	// sequence numbers keep counting across eviction
	if chunks[0].Seq != 2 || chunks[2].Seq != 4 {
		t.Errorf("seqs = %d..%d, want 2..4", chunks[0].Seq, chunks[2].Seq)
	}
}

func TestBufferSince(t *testing.T) {
	b := NewBuffer(10)
	for i := 0; i < 6; i++ {
		b.Append("stdout", fmt.Sprintf("line-%d", i))
	}

	got := b.Since(4)
	if len(got) != 2 {
		t.Fatalf("Since(4) returned %d chunks, want 2", len(got))
	}
	if got[0].Seq != 4 || got[1].Seq != 5 {
		t.Errorf("Since(4) seqs = %d, %d", got[0].Seq, got[1].Seq)
	}

	if all := b.Since(0); len(all) != 6 {
		t.Errorf("Since(0) returned %d chunks, want all 6", len(all))
	}

	if got := b.Since(6); len(got) != 0 {
		t.Errorf("Since(next) returned %d chunks, want 0", len(got))
	}
}

func TestBufferSinceAfterEviction(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 10; i++ {
		b.Append("stdout", fmt.Sprintf("line-%d", i))
	}

	// asking for everything from seq 0: chunks 0..6 are gone
	got := b.Since(0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Seq != 7 {
		t.Errorf("first surviving seq = %d, want 7 (gap is detectable)", got[0].Seq)
	}
}

func TestBufferZeroCapacity(t *testing.T) {
	b := NewBuffer(0)
	b.Append("stdout", "a")
	b.Append("stdout", "b")

	chunks := b.Chunks()
	if len(chunks) != 1 || chunks[0].Data != "b" {
		t.Errorf("zero-capacity buffer should hold exactly the newest chunk, got %v", chunks)
	}
}

func TestBufferConcurrentAppend(t *testing.T) {
	b := NewBuffer(100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Append("stdout", "x")
			}
		}()
	}
	wg.Wait()

	if b.NextSeq() != 500 {
		t.Errorf("NextSeq = %d, want 500", b.NextSeq())
	}
	if b.Len() != 100 {
		t.Errorf("Len = %d, want 100", b.Len())
	}

	// all sequence numbers unique and ordered
	chunks := b.Chunks()
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Seq <= chunks[i-1].Seq {
			t.Fatalf("chunks out of order at %d: %d <= %d", i, chunks[i].Seq, chunks[i-1].Seq)
		}
	}
}
