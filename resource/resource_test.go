package resource

import (
	"bytes"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLink is an in-memory, loopback resource.Link: two fakeLinks wired to
// each other exercise the full sender/receiver state machine with no real
// transport, mirroring how transport/quiclink and transport/dnslink each
// wire one Link per side but collapsing both sides into one process.
type fakeLink struct {
	mdu int
	rtt float64

	mu              sync.Mutex
	peer            *fakeLink
	currentOutgoing *Resource
	currentIncoming *Resource
	ready           atomic.Bool

	lastWindow      int
	lastWindowKnown bool
	lastEIFR        float64
	lastEIFRKnown   bool

	onAdvertise func(advPayload []byte)
}

func newFakeLinkPair(mdu int) (a, b *fakeLink) {
	a = &fakeLink{mdu: mdu, rtt: 0.01}
	b = &fakeLink{mdu: mdu, rtt: 0.01}
	a.peer, b.peer = b, a
	a.ready.Store(true)
	b.ready.Store(true)
	return a, b
}

func (l *fakeLink) MDU() int                        { return l.mdu }
func (l *fakeLink) RTT() float64                    { return l.rtt }
func (l *fakeLink) TrafficTimeoutFactor() float64   { return 3.0 }
func (l *fakeLink) EstablishmentCost() int          { return 100 }
func (l *fakeLink) Encrypt(p []byte) ([]byte, error) { return append([]byte{}, p...), nil }
func (l *fakeLink) Decrypt(c []byte) ([]byte, error) { return append([]byte{}, c...), nil }
func (l *fakeLink) ReadyForNewResource() bool       { return l.ready.Load() }

func (l *fakeLink) GetLastResourceWindow() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastWindow, l.lastWindowKnown
}
func (l *fakeLink) GetLastResourceEIFR() (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastEIFR, l.lastEIFRKnown
}
func (l *fakeLink) SetLastResourceWindow(w int) {
	l.mu.Lock()
	l.lastWindow, l.lastWindowKnown = w, true
	l.mu.Unlock()
}
func (l *fakeLink) SetLastResourceEIFR(e float64) {
	l.mu.Lock()
	l.lastEIFR, l.lastEIFRKnown = e, true
	l.mu.Unlock()
}

func (l *fakeLink) RegisterIncomingResource(r *Resource) {
	l.mu.Lock()
	l.currentIncoming = r
	l.mu.Unlock()
}
func (l *fakeLink) RegisterOutgoingResource(r *Resource) {
	l.mu.Lock()
	l.currentOutgoing = r
	l.mu.Unlock()
	l.ready.Store(false)
}
func (l *fakeLink) HasIncomingResource(hash []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentIncoming != nil && bytesEqual(l.currentIncoming.Hash(), hash)
}
func (l *fakeLink) ResourceConcluded(r *Resource)      { l.clear(r) }
func (l *fakeLink) CancelIncomingResource(r *Resource) { l.clear(r) }
func (l *fakeLink) CancelOutgoingResource(r *Resource) { l.clear(r) }

func (l *fakeLink) clear(r *Resource) {
	l.mu.Lock()
	if l.currentIncoming == r {
		l.currentIncoming = nil
	}
	if l.currentOutgoing == r {
		l.currentOutgoing = nil
		l.ready.Store(true)
	}
	l.mu.Unlock()
}

func (l *fakeLink) CacheRequestProof(hash, expectedProof []byte) {
	l.mu.Lock()
	r := l.currentOutgoing
	l.mu.Unlock()
	if r != nil && bytesEqual(r.Hash(), hash) {
		r.HandleProof(expectedProof)
	}
}

// Send delivers directly to the peer's registered resource, standing in
// for a transport's serialize/deliver/deserialize round trip.
func (l *fakeLink) Send(ctx Context, payload []byte) error {
	peer := l.peer

	switch ctx {
	case ContextAdvertise:
		if peer.onAdvertise != nil {
			peer.onAdvertise(payload)
		}
	case ContextPart:
		if r := peer.incoming(); r != nil {
			r.HandlePart(payload)
		}
	case ContextHashmapUpdate:
		if r := peer.incoming(); r != nil {
			r.HandleHashmapUpdate(payload)
		}
	case ContextInitiatorCancel:
		if r := peer.incoming(); r != nil {
			r.HandleCancel()
		}
	case ContextRequest:
		if r := peer.outgoing(); r != nil {
			r.HandleRequest(payload)
		}
	case ContextProof:
		if r := peer.outgoing(); r != nil {
			r.HandleProof(payload)
		}
	case ContextReceiverReject:
		if r := peer.outgoing(); r != nil && bytesEqual(r.Hash(), payload) {
			r.HandleReject()
		}
	}
	return nil
}

func (l *fakeLink) incoming() *Resource {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentIncoming
}
func (l *fakeLink) outgoing() *Resource {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentOutgoing
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func TestRoundTripSmallTransfer(t *testing.T) {
	senderLink, receiverLink := newFakeLinkPair(256)
	payload := []byte("the quick brown fox jumps over the lazy dog")

	var received atomic.Pointer[Resource]
	receiverLink.onAdvertise = func(adv []byte) {
		_, err := Accept(adv, receiverLink, func(r *Resource) { received.Store(r) }, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
		}
	}

	sent, err := New(payload, senderLink, WithAutoCompress(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return sent.Status() == StatusComplete })
	waitUntil(t, time.Second, func() bool { return received.Load() != nil })

	got := received.Load().Data()
	if !bytes.Equal(got, payload) {
		t.Fatalf("assembled data mismatch: got %q want %q", got, payload)
	}
}

func TestRoundTripWithMetadataAndCompression(t *testing.T) {
	senderLink, receiverLink := newFakeLinkPair(512)
	payload := bytes.Repeat([]byte("compressible-"), 2000)
	meta := []byte(`{"name":"report.txt"}`)

	done := make(chan *Resource, 1)
	receiverLink.onAdvertise = func(adv []byte) {
		_, err := Accept(adv, receiverLink, func(r *Resource) { done <- r }, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
		}
	}

	_, err := New(payload, senderLink, WithMetadata(meta))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	select {
	case r := <-done:
		if !bytes.Equal(r.Data(), payload) {
			t.Fatalf("assembled data mismatch (len got=%d want=%d)", len(r.Data()), len(payload))
		}
		if !bytes.Equal(r.Metadata(), meta) {
			t.Fatalf("metadata mismatch: got %q want %q", r.Metadata(), meta)
		}
		if !r.IsCompressed() {
			t.Fatalf("expected repetitive payload to compress")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receiver completion")
	}
}

func TestRoundTripMultiPart(t *testing.T) {
	// A small MDU forces many parts for one segment, exercising windowed
	// request/response across several rounds. 200 stays above advOverhead
	// so HashmapMaxLen remains positive.
	// fakeLink's Encrypt is the identity, so parts with identical content
	// would share a map-hash that no salt re-roll can separate; seeded
	// pseudo-random bytes keep every part distinct.
	senderLink, receiverLink := newFakeLinkPair(200)
	payload := make([]byte, 6000)
	rand.New(rand.NewSource(1)).Read(payload)

	done := make(chan *Resource, 1)
	receiverLink.onAdvertise = func(adv []byte) {
		_, err := Accept(adv, receiverLink, func(r *Resource) { done <- r }, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
		}
	}

	_, err := New(payload, senderLink, WithAutoCompress(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	select {
	case r := <-done:
		if !bytes.Equal(r.Data(), payload) {
			t.Fatalf("assembled data mismatch (len got=%d want=%d)", len(r.Data()), len(payload))
		}
		if r.Parts() < 10 {
			t.Fatalf("expected many parts with a 200-byte MDU, got %d", r.Parts())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for receiver completion")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	senderLink, _ := newFakeLinkPair(256)
	var calls atomic.Int32

	r, err := New([]byte("cancel me"), senderLink,
		WithAdvertise(false),
		WithCallback(func(*Resource) { calls.Add(1) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.Cancel()
	r.Cancel()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one callback invocation, got %d", got)
	}
	if r.Status() != StatusFailed {
		t.Fatalf("expected status Failed after cancel, got %s", r.Status())
	}
}

func TestRejectPath(t *testing.T) {
	senderLink, receiverLink := newFakeLinkPair(256)

	rejected := make(chan struct{}, 1)
	receiverLink.onAdvertise = func(adv []byte) {
		if err := Reject(adv, receiverLink); err != nil {
			t.Errorf("Reject: %v", err)
		}
	}

	r, err := New([]byte("nope"), senderLink,
		WithCallback(func(res *Resource) {
			if res.Status() == StatusRejected {
				rejected <- struct{}{}
			}
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	select {
	case <-rejected:
		if r.Status() != StatusRejected {
			t.Fatalf("expected status Rejected, got %s", r.Status())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejection")
	}
}

func TestMetadataTooLargeRejectedAtConstruction(t *testing.T) {
	senderLink, _ := newFakeLinkPair(256)
	huge := make([]byte, MetadataMaxSize+1)

	_, err := New([]byte("x"), senderLink, WithMetadata(huge))
	if err != ErrMetadataTooLarge {
		t.Fatalf("expected ErrMetadataTooLarge, got %v", err)
	}
}

func TestInvalidDataType(t *testing.T) {
	senderLink, _ := newFakeLinkPair(256)

	_, err := New(42, senderLink)
	if err != ErrInvalidDataType {
		t.Fatalf("expected ErrInvalidDataType, got %v", err)
	}
}

func TestSegmentedTransfer(t *testing.T) {
	senderLink, receiverLink := newFakeLinkPair(4096)
	wantLen := 2*MaxEfficientSize + 1234
	// Pseudo-random content, so no two parts share a map-hash (see
	// TestRoundTripMultiPart).
	payload := make([]byte, wantLen)
	rand.New(rand.NewSource(2)).Read(payload)

	completions := make(chan *Resource, 4)
	receiverLink.onAdvertise = func(adv []byte) {
		_, err := Accept(adv, receiverLink, func(r *Resource) { completions <- r }, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
		}
	}

	first, err := New(payload, senderLink, WithAutoCompress(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if first.Segments() < 3 {
		t.Fatalf("expected at least 3 segments for a %d-byte payload, got %d", len(payload), first.Segments())
	}

	var lastSegment *Resource
	deadline := time.After(10 * time.Second)
	for i := 0; i < first.Segments(); i++ {
		select {
		case r := <-completions:
			lastSegment = r
		case <-deadline:
			t.Fatalf("timed out waiting for segment %d/%d", i+1, first.Segments())
		}
	}

	if lastSegment == nil || lastSegment.SegmentIndex() != first.Segments() {
		t.Fatalf("expected final segment to be the last one")
	}
}
