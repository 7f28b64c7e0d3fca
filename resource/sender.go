package resource

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Advertise sends the initial RESOURCE_ADV packet and starts the
// background watchdog that drives retries, window adaptation, and (once
// advertised) concurrent preparation of the next segment. Advertise is a
// no-op if called more than once.
func (r *Resource) Advertise() {
	r.mu.Lock()
	if r.status != StatusNone {
		r.mu.Unlock()
		return
	}
	r.status = StatusQueued
	r.mu.Unlock()

	go r.advertiseLoop()
}

func (r *Resource) advertiseLoop() {
	for !r.link.ReadyForNewResource() {
		time.Sleep(readyPollInterval)
	}

	r.link.RegisterOutgoingResource(r)

	adv := newAdvertisement(r, 0)
	packed, err := adv.pack()
	if err != nil {
		log.Error().Err(err).Msg("resource: failed to pack advertisement")
		r.Cancel()
		return
	}

	if err := r.link.Send(ContextAdvertise, packed); err != nil {
		log.Error().Err(err).Msg("resource: failed to send advertisement")
		r.Cancel()
		return
	}

	r.mu.Lock()
	r.advSent = time.Now()
	// The peer may already have requested, proved or rejected the resource
	// while Send was still returning; a later status is kept as it is.
	if r.status == StatusQueued {
		r.status = StatusAdvertised
	}
	r.mu.Unlock()

	if r.segmentIndex < r.totalSegments {
		go r.prepareNextSegment()
	}

	r.runWatchdog()
}

// prepareNextSegment builds the resource for segmentIndex+1 concurrently
// with the current segment's transfer, so it is ready to advertise the
// instant this segment concludes, per spec.md §4.3 "Segmentation".
func (r *Resource) prepareNextSegment() {
	if !r.preparingNextSegment.CompareAndSwap(false, true) {
		return
	}
	defer r.preparingNextSegment.CompareAndSwap(true, false)

	next, err := newSegment(r.inputReader, r.link, r.segmentIndex+1, r.originalHash, r.metadataSize, WithAdvertise(false), WithCallback(r.callback), WithProgressCallback(r.progressCallback), WithAutoCompress(r.autoCompress), WithIdentity(r.identity))
	if err != nil {
		log.Error().Err(err).Msg("resource: failed to prepare next segment")
		close(r.nextSegmentReady)
		return
	}

	r.mu.Lock()
	r.nextSegment = next
	r.mu.Unlock()
	close(r.nextSegmentReady)
}

// HandleRequest services a RESOURCE_REQ packet on a sender-side resource:
// the receiver names the map-hashes it still wants (or asks for more of
// the hashmap via the exhausted flag), and the sender resends the
// matching parts.
func (r *Resource) HandleRequest(payload []byte) {
	if len(payload) < 1 {
		return
	}
	exhausted := payload[0] == hashmapIsExhausted
	requested := payload[1:]

	var lastKnownMapHash []byte
	if exhausted {
		if len(requested) < mapHashLen {
			return
		}
		lastKnownMapHash = requested[:mapHashLen]
		requested = requested[mapHashLen:]
	}

	r.mu.Lock()
	if r.status == StatusAdvertised {
		r.status = StatusTransferring
		r.startedTransfer = time.Now()
	}
	guard := CollisionGuardSize(r.link.MDU())
	lo := r.receiverMinConsecutiveHeight
	hi := lo + guard
	if hi > len(r.parts) {
		hi = len(r.parts)
	}
	byHash := make(map[string][]byte, hi-lo)
	for i := lo; i < hi; i++ {
		byHash[string(r.hashmap[i])] = r.parts[i]
	}
	r.mu.Unlock()

	for off := 0; off+mapHashLen <= len(requested); off += mapHashLen {
		mh := requested[off : off+mapHashLen]
		if chunk, ok := byHash[string(mh)]; ok {
			if err := r.link.Send(ContextPart, chunk); err != nil {
				log.Error().Err(err).Msg("resource: failed to send part")
				return
			}
			r.mu.Lock()
			r.sentParts++
			r.lastPartSent = time.Now()
			r.mu.Unlock()
		}
	}

	if exhausted {
		r.sendHashmapUpdate(lastKnownMapHash)
	}

	r.mu.Lock()
	done := r.sentParts >= r.totalParts
	if done {
		r.status = StatusAwaitingProof
	}
	r.mu.Unlock()
}

// sendHashmapUpdate locates the part the receiver last had a map-hash for
// by scanning the sender's own hashmap from receiverMinConsecutiveHeight,
// per spec.md §4.3 "Sender on REQ", and derives the next segment to
// advertise from that position instead of a local counter — so a
// duplicated or retried REQ carrying the same last-known map-hash always
// resolves to the same segment.
func (r *Resource) sendHashmapUpdate(lastKnownMapHash []byte) {
	r.mu.Lock()
	mdu := r.link.MDU()
	maxLen := HashmapMaxLen(mdu)
	guard := CollisionGuardSize(mdu)

	lo := r.receiverMinConsecutiveHeight
	hi := lo + guard
	if hi > len(r.hashmap) {
		hi = len(r.hashmap)
	}

	partIndex := lo
	for i := lo; i < hi; i++ {
		partIndex = i + 1
		if bytesEqual(r.hashmap[i], lastKnownMapHash) {
			break
		}
	}

	newMin := partIndex - 1 - windowMax
	if newMin < 0 {
		newMin = 0
	}
	r.receiverMinConsecutiveHeight = newMin

	if maxLen <= 0 || partIndex%maxLen != 0 {
		r.mu.Unlock()
		log.Error().Msg("resource: sequencing error servicing hashmap request, cancelling")
		r.Cancel()
		return
	}
	segment := partIndex / maxLen

	start := segment * maxLen
	end := start + maxLen
	if end > len(r.hashmap) {
		end = len(r.hashmap)
	}
	if start >= end {
		r.mu.Unlock()
		return
	}
	slice := make([]byte, 0, (end-start)*mapHashLen)
	for i := start; i < end; i++ {
		slice = append(slice, r.hashmap[i]...)
	}
	r.mu.Unlock()

	packed, err := packHMU(segment, slice)
	if err != nil {
		log.Error().Err(err).Msg("resource: failed to pack hashmap update")
		return
	}
	if err := r.link.Send(ContextHashmapUpdate, packed); err != nil {
		log.Error().Err(err).Msg("resource: failed to send hashmap update")
	}
}

// HandleProof validates a RESOURCE_PRF packet on a sender-side resource.
// A matching proof concludes the segment successfully and, if another
// segment remains, hands off to it; otherwise the transfer is complete.
func (r *Resource) HandleProof(payload []byte) {
	r.mu.Lock()
	expected := r.expectedProof
	r.mu.Unlock()

	if !bytesEqual(payload, expected) {
		log.Warn().Msg("resource: received invalid proof, ignoring")
		return
	}

	r.mu.Lock()
	r.status = StatusComplete
	hasNext := r.segmentIndex < r.totalSegments
	r.mu.Unlock()

	if hasNext {
		r.awaitNextSegmentAndAdvertise()
		return
	}

	r.link.SetLastResourceWindow(r.window)
	r.link.SetLastResourceEIFR(r.eifr)
	r.conclude()
}

func (r *Resource) awaitNextSegmentAndAdvertise() {
	<-r.nextSegmentReady
	r.mu.Lock()
	next := r.nextSegment
	r.mu.Unlock()
	if next == nil {
		r.Cancel()
		return
	}
	r.conclude()
	next.Advertise()
}

// HandleReject handles a RESOURCE_RCL packet: the receiver rejected the
// resource outright, before requesting any parts.
func (r *Resource) HandleReject() {
	r.rejected()
}

func bytesEqual(a, b []byte) bool {
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
