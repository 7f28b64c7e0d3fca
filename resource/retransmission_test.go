package resource

import "testing"

// recordingLink stubs every resource.Link method with zero values except
// Send, which appends every outbound packet so a test can assert on exactly
// what went on the wire.
type recordingLink struct {
	mdu  int
	sent []struct {
		ctx     Context
		payload []byte
	}
}

func (l *recordingLink) MDU() int                         { return l.mdu }
func (l *recordingLink) RTT() float64                      { return 0.01 }
func (l *recordingLink) TrafficTimeoutFactor() float64     { return 3.0 }
func (l *recordingLink) EstablishmentCost() int            { return 100 }
func (l *recordingLink) Encrypt(p []byte) ([]byte, error)  { return p, nil }
func (l *recordingLink) Decrypt(c []byte) ([]byte, error)  { return c, nil }
func (l *recordingLink) ReadyForNewResource() bool         { return true }
func (l *recordingLink) GetLastResourceWindow() (int, bool)   { return 0, false }
func (l *recordingLink) GetLastResourceEIFR() (float64, bool) { return 0, false }
func (l *recordingLink) SetLastResourceWindow(int)              {}
func (l *recordingLink) SetLastResourceEIFR(float64)            {}
func (l *recordingLink) RegisterIncomingResource(r *Resource)   {}
func (l *recordingLink) RegisterOutgoingResource(r *Resource)   {}
func (l *recordingLink) HasIncomingResource(hash []byte) bool   { return false }
func (l *recordingLink) ResourceConcluded(r *Resource)          {}
func (l *recordingLink) CancelIncomingResource(r *Resource)     {}
func (l *recordingLink) CancelOutgoingResource(r *Resource)     {}
func (l *recordingLink) CacheRequestProof(hash, expectedProof []byte) {}

func (l *recordingLink) Send(ctx Context, payload []byte) error {
	l.sent = append(l.sent, struct {
		ctx     Context
		payload []byte
	}{ctx, append([]byte{}, payload...)})
	return nil
}

func (l *recordingLink) byContext(ctx Context) [][]byte {
	var out [][]byte
	for _, s := range l.sent {
		if s.ctx == ctx {
			out = append(out, s.payload)
		}
	}
	return out
}

// TestDuplicateExhaustedRequestProducesIdenticalHMU grounds spec.md §8's
// retransmission-tolerance law for the REQ/HMU exchange: a sender receiving
// the same exhausted-flag REQ twice (as happens when a retry races a packet
// that actually arrived) must recompute the same segment both times, since
// the segment is derived from the wire-supplied last-known map-hash rather
// than a local counter that would otherwise advance twice.
func TestDuplicateExhaustedRequestProducesIdenticalHMU(t *testing.T) {
	mdu := 200
	maxLen := HashmapMaxLen(mdu)
	totalParts := maxLen*3 + 5

	link := &recordingLink{mdu: mdu}
	r := &Resource{
		link:       link,
		hashmap:    make([][]byte, totalParts),
		parts:      make([][]byte, totalParts),
		totalParts: totalParts,
	}
	for i := range r.hashmap {
		r.hashmap[i] = []byte{byte(i), byte(i >> 8), byte(i >> 16), byte(i >> 24)}
		r.parts[i] = []byte{byte(i)}
	}

	lastKnownMapHash := append([]byte{}, r.hashmap[maxLen-1]...)
	req := append([]byte{hashmapIsExhausted}, lastKnownMapHash...)

	r.HandleRequest(req)
	r.HandleRequest(req) // duplicate, as if the REQ was retransmitted

	hmus := link.byContext(ContextHashmapUpdate)
	if len(hmus) != 2 {
		t.Fatalf("expected two HMU packets sent, got %d", len(hmus))
	}
	if !bytesEqual(hmus[0], hmus[1]) {
		t.Fatalf("duplicate exhausted REQ produced different HMU packets: %x vs %x", hmus[0], hmus[1])
	}
}

// TestRequestNextSkippedWhileWaitingForHMU grounds the other half of the
// same law on the receiver side: once an exhausted-flag REQ is outstanding,
// a second call to requestNext (as a watchdog retry would trigger) must not
// re-issue a request, or the sender would see a duplicate REQ and advance
// its hashmap cursor for the same logical round twice.
func TestRequestNextSkippedWhileWaitingForHMU(t *testing.T) {
	mdu := 200
	totalParts := 10

	link := &recordingLink{mdu: mdu}
	r := &Resource{
		link:                       link,
		hashmap:                    make([][]byte, totalParts),
		parts:                      make([][]byte, totalParts),
		totalParts:                 totalParts,
		window:                     4,
		consecutiveCompletedHeight: -1,
	}
	// Only the first 2 entries of the hashmap are known; requesting past
	// that exhausts the hashmap and sets waitingForHMU.
	r.hashmap[0] = []byte{0, 0, 0, 1}
	r.hashmap[1] = []byte{0, 0, 0, 2}

	r.requestNext()
	if !r.waitingForHMU {
		t.Fatalf("expected waitingForHMU to be set after an exhausted request")
	}
	if got := len(link.byContext(ContextRequest)); got != 1 {
		t.Fatalf("expected exactly one REQ sent, got %d", got)
	}

	r.requestNext() // simulates a watchdog retry racing the outstanding HMU
	if got := len(link.byContext(ContextRequest)); got != 1 {
		t.Fatalf("expected requestNext to no-op while waitingForHMU, but REQ count changed to %d", got)
	}
}
