// Package resource implements the reliable bulk-data transfer engine: a
// sender- and receiver-side state machine that segments, content-addresses,
// optionally compresses, and reliably delivers an arbitrary blob over an
// already-authenticated, already-encrypted Link (see link.go).
package resource

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"resourcelink/identity"
)

// defaultIdentity adapts package identity's free functions to the
// Identity interface so callers don't have to wire one up themselves.
type defaultIdentity struct{}

func (defaultIdentity) FullHash(data []byte) []byte      { return identity.FullHash(data) }
func (defaultIdentity) TruncatedHash(data []byte) []byte { return identity.TruncatedHash(data) }
func (defaultIdentity) GetRandomHash() []byte            { return identity.GetRandomHash() }

// Resource is the central entity of the engine: a single segment of a
// transfer, in flight in one direction across one Link. See spec.md §3
// for the full field-by-field rationale.
type Resource struct {
	mu sync.Mutex

	link     Link
	identity Identity

	status     Status
	initiator  bool
	isResponse bool
	requestID  []byte

	size          int // encrypted stream size
	totalSize     int // uncompressed payload size, incl. metadata
	sdu           int
	totalParts    int
	totalSegments int
	segmentIndex  int // 1-based

	randomHash    []byte
	hash          []byte
	originalHash  []byte
	expectedProof []byte

	hashmap       [][]byte // per-part map hashes; receiver entries may be nil until known
	hashmapHeight int
	waitingForHMU bool

	parts [][]byte // sender: ciphertext chunks to send; receiver: received chunks or nil

	encrypted   bool
	compressed  bool
	split       bool
	hasMetadata bool

	// Sender-only state.
	sentParts                   int
	autoCompress                bool
	metadata                    []byte
	metadataSize                int
	inputReader                 io.Reader
	nextSegment                 *Resource
	preparingNextSegment        atomic.Bool
	nextSegmentReady            chan struct{}
	receiverMinConsecutiveHeight int
	lastPartSent                time.Time
	advSent                     time.Time

	// Receiver-only state.
	receiveMu                  sync.Mutex
	receivingPart               bool
	assemblyLock                bool
	receivedCount                int
	outstandingParts             int
	consecutiveCompletedHeight   int // -1 until the first contiguous part lands
	assembled                    []byte
	assembledMetadata            []byte
	output                       io.Writer

	// Window / flow-control state, spec.md §4.3 "Window adaptation".
	window            int
	windowMin         int
	windowMax         int
	windowFlexibility int

	rtt                  float64
	rttKnown             bool
	reqSent              time.Time
	reqSentKnown         bool
	reqSentBytes         int
	reqResp              time.Time
	reqRespKnown         bool
	reqRespRTTRate       float64
	reqDataRTTRate       float64
	rttRxdBytes          int
	rttRxdBytesAtPartReq int
	eifr                 float64
	previousEIFR         float64
	previousEIFRKnown    bool
	fastRateRounds       int
	verySlowRateRounds   int

	timeout           time.Duration
	timeoutFactor     float64
	partTimeoutFactor float64
	maxRetries        int
	maxAdvRetries     int
	retriesLeft       int
	senderGraceTime   time.Duration
	lastActivity      time.Time
	startedTransfer   time.Time

	watchdogJobID atomic.Uint64
	watchdogLock  atomic.Bool

	callback         func(*Resource)
	progressCallback func(*Resource)

	closed atomic.Bool
}

// pendingState carries construction-only parameters that don't belong on
// the long-lived Resource struct.
type pendingState struct {
	metadata  []byte
	advertise bool
}

// Option configures a sender-side Resource at construction time.
type Option func(*Resource, *pendingState)

// WithMetadata attaches optional metadata, length-prefixed ahead of
// segment 1's plaintext. The bytes are carried exactly as given: the
// engine does not encode them, so their encoding is the caller's choice.
func WithMetadata(packed []byte) Option {
	return func(r *Resource, ps *pendingState) { ps.metadata = packed }
}

// WithCallback installs the completion callback, invoked exactly once at
// conclusion (COMPLETE, FAILED, CORRUPT, or REJECTED).
func WithCallback(cb func(*Resource)) Option {
	return func(r *Resource, ps *pendingState) { r.callback = cb }
}

// WithProgressCallback installs the progress callback, invoked whenever
// transfer progress advances.
func WithProgressCallback(cb func(*Resource)) Option {
	return func(r *Resource, ps *pendingState) { r.progressCallback = cb }
}

// WithAutoCompress toggles automatic compression (default true).
func WithAutoCompress(enabled bool) Option {
	return func(r *Resource, ps *pendingState) { r.autoCompress = enabled }
}

// WithAdvertise toggles whether New immediately advertises the resource
// (default true; segment preparers pass false).
func WithAdvertise(enabled bool) Option {
	return func(r *Resource, ps *pendingState) { ps.advertise = enabled }
}

// WithTimeout overrides the default RTT-derived timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Resource, ps *pendingState) { r.timeout = d }
}

// WithRequestID correlates this resource with a request/response exchange.
func WithRequestID(id []byte) Option {
	return func(r *Resource, ps *pendingState) { r.requestID = id }
}

// WithIsResponse marks the resource as the response leg of a correlated
// request/response exchange.
func WithIsResponse(isResponse bool) Option {
	return func(r *Resource, ps *pendingState) { r.isResponse = isResponse }
}

// WithOutput directs the receiver to stream assembled plaintext to w
// instead of buffering it in memory.
func WithOutput(w io.Writer) Option {
	return func(r *Resource, ps *pendingState) { r.output = w }
}

// WithIdentity overrides the hashing collaborator (default: package
// identity's sha256-based implementation).
func WithIdentity(id Identity) Option {
	return func(r *Resource, ps *pendingState) { r.identity = id }
}

// New constructs a sender-side Resource for data, which may be nil,
// []byte, or an io.ReadSeeker (spec.md §4.3 "Sender construction"); a
// reader that cannot seek is rejected with ErrInvalidDataType. Segments
// larger than MaxEfficientSize are split automatically; New computes only
// the current segment, and arranges for the next one to be prepared
// concurrently once advertised.
func New(data any, link Link, opts ...Option) (*Resource, error) {
	return newSegment(data, link, 1, nil, 0, opts...)
}

func newSegment(data any, link Link, segmentIndex int, originalHash []byte, sentMetadataSize int, opts ...Option) (*Resource, error) {
	r := &Resource{
		link:                       link,
		identity:                   defaultIdentity{},
		initiator:                  true,
		autoCompress:               true,
		segmentIndex:               segmentIndex,
		consecutiveCompletedHeight: -1,
		window:                     windowInitial,
		windowMin:                  windowMin,
		windowMax:                  windowMaxSlow,
		windowFlexibility:          windowFlexibility,
		maxRetries:                 maxRetries,
		maxAdvRetries:              maxAdvRetries,
		senderGraceTime:            senderGraceTime,
		partTimeoutFactor:          partTimeoutFactor,
		metadataSize:               sentMetadataSize,
		nextSegmentReady:           make(chan struct{}),
	}
	ps := &pendingState{advertise: true}
	for _, opt := range opts {
		opt(r, ps)
	}

	if link.MDU() > 0 {
		r.sdu = link.MDU()
	}
	r.timeoutFactor = link.TrafficTimeoutFactor()
	r.retriesLeft = r.maxRetries
	if r.timeout == 0 {
		r.timeout = time.Duration(link.RTT()*link.TrafficTimeoutFactor()*1000) * time.Millisecond
	}

	var metadata []byte
	if ps.metadata != nil {
		if len(ps.metadata) > MetadataMaxSize {
			return nil, ErrMetadataTooLarge
		}
		metadata = make([]byte, 3+len(ps.metadata))
		putMetadataLength(metadata, len(ps.metadata))
		copy(metadata[3:], ps.metadata)
		r.hasMetadata = true
		r.metadataSize = len(metadata)
	}

	payload, totalSize, split, totalSegments, inputReader, err := readSegmentPayload(data, metadata, segmentIndex, r.metadataSize)
	if err != nil {
		return nil, err
	}
	r.totalSize = totalSize
	r.split = split
	r.totalSegments = totalSegments
	r.inputReader = inputReader

	if payload == nil {
		// Receiver-side placeholder; caller (Accept) finishes setup.
		return r, nil
	}

	if err := r.prepareOutgoing(payload, originalHash); err != nil {
		return nil, err
	}

	if ps.advertise {
		r.Advertise()
	}

	return r, nil
}

// prepareOutgoing compresses, salts, encrypts and partitions the sender's
// plaintext, computing the hashmap and resource hash, per spec.md §4.3
// steps 3-7.
func (r *Resource) prepareOutgoing(plaintext []byte, originalHash []byte) error {
	r.compressed = false
	working := plaintext

	if r.autoCompress && len(plaintext) <= AutoCompressMaxSize {
		compressed, err := zstdCompress(plaintext)
		if err == nil && len(compressed) < len(plaintext) {
			working = compressed
			r.compressed = true
		}
	}

	data := make([]byte, 0, randomHashSize+len(working))

	for {
		randomHash := r.identity.GetRandomHash()[:randomHashSize]
		data = append(data[:0], randomHash...)
		data = append(data, working...)

		ciphertext, err := r.link.Encrypt(data)
		if err != nil {
			return fmt.Errorf("resource: encrypt: %w", err)
		}
		r.encrypted = true
		r.size = len(ciphertext)

		totalParts := ceilDiv(r.size, r.sdu)
		parts := make([][]byte, 0, totalParts)
		hashmap := make([][]byte, 0, totalParts)
		seen := map[string]struct{}{}
		collided := false

		for i := 0; i < totalParts; i++ {
			start := i * r.sdu
			end := start + r.sdu
			if end > len(ciphertext) {
				end = len(ciphertext)
			}
			chunk := ciphertext[start:end]
			mh := mapHash(r.identity, chunk, randomHash)
			key := string(mh)
			if _, ok := seen[key]; ok {
				collided = true
				break
			}
			seen[key] = struct{}{}
			parts = append(parts, chunk)
			hashmap = append(hashmap, mh)
		}

		if collided {
			log.Debug().Msg("resource: found hash collision in resource map, remapping")
			continue
		}

		r.randomHash = randomHash
		r.hash = r.identity.FullHash(data)
		r.expectedProof = r.identity.FullHash(append(append([]byte{}, data...), r.hash...))
		r.parts = parts
		r.hashmap = hashmap
		r.totalParts = totalParts
		if originalHash != nil {
			r.originalHash = originalHash
		} else {
			r.originalHash = r.hash
		}
		break
	}

	return nil
}

func mapHash(id Identity, chunk, randomHash []byte) []byte {
	buf := make([]byte, 0, len(chunk)+len(randomHash))
	buf = append(buf, chunk...)
	buf = append(buf, randomHash...)
	return id.FullHash(buf)[:mapHashLen]
}

func zstdCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zstdDecompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func putMetadataLength(buf []byte, n int) {
	buf[0] = byte(n >> 16)
	buf[1] = byte(n >> 8)
	buf[2] = byte(n)
}

func readMetadataLength(buf []byte) int {
	return int(buf[0])<<16 | int(buf[1])<<8 | int(buf[2])
}

// Cancel terminates the resource transfer. Cancellation is idempotent:
// calling Cancel twice yields one callback invocation and final status
// Failed.
func (r *Resource) Cancel() {
	r.mu.Lock()
	if r.status >= StatusComplete {
		r.mu.Unlock()
		return
	}
	r.status = StatusFailed
	initiator := r.initiator
	r.mu.Unlock()

	if initiator {
		_ = r.link.Send(ContextInitiatorCancel, r.hash)
		r.link.CancelOutgoingResource(r)
	} else {
		r.link.CancelIncomingResource(r)
	}

	r.conclude()
}

// rejected marks a sender-side resource rejected by the remote peer
// (RESOURCE_RCL received before any data transfer).
func (r *Resource) rejected() {
	r.mu.Lock()
	if r.status >= StatusComplete {
		r.mu.Unlock()
		return
	}
	if !r.initiator {
		r.mu.Unlock()
		return
	}
	r.status = StatusRejected
	r.mu.Unlock()

	r.link.CancelOutgoingResource(r)
	r.conclude()
}

func (r *Resource) conclude() {
	if r.closed.CompareAndSwap(false, true) {
		r.link.ResourceConcluded(r)
		if closer, ok := r.inputReader.(io.Closer); ok {
			_ = closer.Close()
		}
		if r.callback != nil {
			r.callback(r)
		}
	}
}

// Status returns the resource's current lifecycle status.
func (r *Resource) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Hash returns the resource's content hash.
func (r *Resource) Hash() []byte { return r.hash }

// OriginalHash returns the hash of segment 1, stable across a
// multi-segment transfer.
func (r *Resource) OriginalHash() []byte { return r.originalHash }

// IsInitiator reports whether this Resource is the sender side.
func (r *Resource) IsInitiator() bool { return r.initiator }

// TransferSize returns the number of bytes needed to transfer the
// resource (the encrypted stream size).
func (r *Resource) TransferSize() int { return r.size }

// DataSize returns the total uncompressed data size.
func (r *Resource) DataSize() int { return r.totalSize }

// Parts returns the number of parts the resource is transferred in.
func (r *Resource) Parts() int { return r.totalParts }

// Segments returns the number of segments the resource is divided into.
func (r *Resource) Segments() int { return r.totalSegments }

// SegmentIndex returns this resource's 1-based position among its
// transfer's segments.
func (r *Resource) SegmentIndex() int { return r.segmentIndex }

// IsCompressed reports whether the resource's data is compressed on the
// wire.
func (r *Resource) IsCompressed() bool { return r.compressed }

// Data returns the assembled plaintext once the resource has completed,
// or nil otherwise.
func (r *Resource) Data() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assembled
}

// Metadata returns the metadata bytes attached to segment 1, if any,
// exactly as the sender passed them to WithMetadata; they are not decoded.
func (r *Resource) Metadata() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assembledMetadata
}

// Progress returns transfer progress in [0.0, 1.0], spec.md §4.3 /
// get_progress, accounting for segmented transfers.
func (r *Resource) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progressLocked()
}

func (r *Resource) progressLocked() float64 {
	if r.status == StatusComplete && r.segmentIndex == r.totalSegments {
		return 1.0
	}

	var processedParts, totalPartsForProgress float64
	processed := r.sentParts
	if !r.initiator {
		processed = r.receivedCount
	}

	if !r.split {
		processedParts = float64(processed)
		totalPartsForProgress = float64(r.totalParts)
	} else {
		maxPartsPerSegment := ceilDiv(MaxEfficientSize, r.sdu)
		processedSegments := r.segmentIndex - 1
		previouslyProcessed := float64(processedSegments * maxPartsPerSegment)

		factor := 1.0
		if r.totalParts < maxPartsPerSegment {
			factor = float64(maxPartsPerSegment) / float64(r.totalParts)
		}
		processedParts = previouslyProcessed + float64(processed)*factor
		totalPartsForProgress = float64(r.totalSegments * maxPartsPerSegment)
	}

	if totalPartsForProgress == 0 {
		return 0
	}
	p := processedParts / totalPartsForProgress
	if p > 1.0 {
		p = 1.0
	}
	return p
}

// SegmentProgress returns the progress of just the current segment.
func (r *Resource) SegmentProgress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusComplete && r.segmentIndex == r.totalSegments {
		return 1.0
	}
	processed := r.sentParts
	if !r.initiator {
		processed = r.receivedCount
	}
	if r.totalParts == 0 {
		return 0
	}
	p := float64(processed) / float64(r.totalParts)
	if p > 1.0 {
		p = 1.0
	}
	return p
}

func (r *Resource) notifyProgress() {
	if r.progressCallback != nil {
		r.progressCallback(r)
	}
}

func (r *Resource) String() string {
	return fmt.Sprintf("<%x/%s>", r.hash, r.status)
}
