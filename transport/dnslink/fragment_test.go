package dnslink

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestFragmentReassembleRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("resourcelink-dns-"), 50) // forces multiple chunks
	chunks := fragmentFrame(payload)
	if len(chunks) < 2 {
		t.Fatalf("expected payload of %d bytes to need multiple chunks, got %d", len(payload), len(chunks))
	}

	r := newReassembler()
	var got []byte
	for _, c := range chunks {
		if out := r.ingest(c); out != nil {
			got = out
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes want %d", len(got), len(payload))
	}
}

func TestFragmentReassembleOutOfOrder(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), maxChunkSize*3+17)
	chunks := fragmentFrame(payload)

	shuffled := make([][]byte, len(chunks))
	copy(shuffled, chunks)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	r := newReassembler()
	var got []byte
	for _, c := range shuffled {
		if out := r.ingest(c); out != nil {
			got = out
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("out-of-order reassembly mismatch: got %d bytes want %d", len(got), len(payload))
	}
}

func TestFragmentSingleChunkFitsExactly(t *testing.T) {
	payload := []byte("small")
	chunks := fragmentFrame(payload)
	if len(chunks) != 1 {
		t.Fatalf("expected a single chunk for a small payload, got %d", len(chunks))
	}

	r := newReassembler()
	got := r.ingest(chunks[0])
	if !bytes.Equal(got, payload) {
		t.Fatalf("single-chunk reassembly mismatch: got %v want %v", got, payload)
	}
}

func TestReassemblerIgnoresDuplicateChunk(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), maxChunkSize+5)
	chunks := fragmentFrame(payload)

	r := newReassembler()
	if out := r.ingest(chunks[0]); out != nil {
		t.Fatalf("expected nil after only the first of two chunks")
	}
	// Re-deliver the first chunk before the second arrives; must not
	// corrupt the received counter or double count.
	if out := r.ingest(chunks[0]); out != nil {
		t.Fatalf("expected nil after a duplicate redelivery")
	}
	got := r.ingest(chunks[1])
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembly after duplicate mismatch: got %d bytes want %d", len(got), len(payload))
	}
}

func TestReassemblerDropsFrameAfterCompletion(t *testing.T) {
	payload := []byte("once")
	chunks := fragmentFrame(payload)

	r := newReassembler()
	first := r.ingest(chunks[0])
	if !bytes.Equal(first, payload) {
		t.Fatalf("expected immediate completion for a single-chunk frame")
	}
	// Re-ingesting a chunk from an already-completed frame ID must be a
	// no-op, not a second delivery.
	if out := r.ingest(chunks[0]); out != nil {
		t.Fatalf("expected nil re-ingesting a completed frame, got %v", out)
	}
}

func TestIngestRejectsShortData(t *testing.T) {
	r := newReassembler()
	if out := r.ingest([]byte{0x01, 0x02}); out != nil {
		t.Fatalf("expected nil for data shorter than the fragment header")
	}
}
