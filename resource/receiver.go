package resource

import (
	"github.com/rs/zerolog/log"
)

// Accept constructs a receiver-side Resource from a decoded RESOURCE_ADV
// packet and immediately starts requesting parts, per spec.md §4.3
// "Receiver accept". The caller (the Link implementation) is responsible
// for routing subsequent RESOURCE/RESOURCE_HMU/RESOURCE_ICL packets
// addressed to this resource's hash to HandlePart/HandleHashmapUpdate/
// HandleCancel.
func Accept(advPayload []byte, link Link, callback, progressCallback func(*Resource)) (*Resource, error) {
	adv, err := unpackAdvertisement(advPayload)
	if err != nil {
		return nil, err
	}

	r, err := newSegment(nil, link, adv.SegmentIndex, adv.OriginalHash, 0,
		WithCallback(callback),
		WithProgressCallback(progressCallback),
		WithAdvertise(false),
		WithRequestID(adv.RequestID),
		WithIsResponse(adv.isResponse),
	)
	if err != nil {
		return nil, err
	}

	r.initiator = false
	r.size = int(adv.TransferSize)
	r.totalSize = int(adv.DataSize)
	r.totalParts = adv.Parts
	r.hash = adv.Hash
	r.randomHash = adv.RandomHash
	if adv.OriginalHash != nil {
		r.originalHash = adv.OriginalHash
	} else {
		r.originalHash = adv.Hash
	}
	r.segmentIndex = adv.SegmentIndex
	r.totalSegments = adv.TotalSegments
	r.encrypted = adv.encrypted
	r.compressed = adv.compressed
	r.split = adv.split
	r.hasMetadata = adv.hasMetadata

	r.parts = make([][]byte, r.totalParts)
	r.hashmap = make([][]byte, r.totalParts)
	r.hashmapHeight += applyHashmapSlice(r.hashmap, 0, HashmapMaxLen(link.MDU()), adv.Hashmap)

	// Seed window and EIFR from whatever the link remembers about the
	// previous resource it carried, per spec.md §4.3 "Receiver accept".
	if w, ok := link.GetLastResourceWindow(); ok && w > 0 {
		r.window = w
	}
	if e, ok := link.GetLastResourceEIFR(); ok && e > 0 {
		r.previousEIFR = e
		r.previousEIFRKnown = true
		r.eifr = e
	} else if rtt := link.RTT(); rtt > 0 {
		r.eifr = float64(link.EstablishmentCost()) * 8 / rtt
	}

	r.status = StatusTransferring
	link.RegisterIncomingResource(r)

	go func() {
		r.requestNext()
		r.runWatchdog()
	}()

	return r, nil
}

// Reject sends a RESOURCE_RCL packet for an advertised resource the
// caller has decided not to accept, without registering or constructing
// a Resource at all.
func Reject(advPayload []byte, link Link) error {
	adv, err := unpackAdvertisement(advPayload)
	if err != nil {
		return err
	}
	return link.Send(ContextReceiverReject, adv.Hash)
}

// applyHashmapSlice folds one segment's worth of map-hashes into hashmap
// and reports how many previously-unknown entries it filled, so the
// caller can advance hashmapHeight by exactly that count.
func applyHashmapSlice(hashmap [][]byte, segment, maxLen int, slice []byte) int {
	start := segment * maxLen
	filled := 0
	for i := 0; i+mapHashLen <= len(slice); i += mapHashLen {
		idx := start + i/mapHashLen
		if idx >= len(hashmap) {
			break
		}
		if hashmap[idx] == nil {
			filled++
		}
		hashmap[idx] = append([]byte{}, slice[i:i+mapHashLen]...)
	}
	return filled
}

// HandlePart stores one received data part, identified by its map-hash
// rather than any sequence number carried on the wire, per spec.md §3.
func (r *Resource) HandlePart(payload []byte) {
	r.receiveMu.Lock()
	mh := mapHash(r.identity, payload, r.randomHash)

	idx := -1
	for i := r.consecutiveCompletedHeight + 1; i < len(r.hashmap); i++ {
		if r.hashmap[i] != nil && r.parts[i] == nil && bytesEqual(r.hashmap[i], mh) {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.receiveMu.Unlock()
		return
	}

	r.parts[idx] = payload
	r.receivedCount++
	r.rttRxdBytes += len(payload)
	if r.outstandingParts > 0 {
		r.outstandingParts--
	}
	for r.consecutiveCompletedHeight+1 < len(r.parts) && r.parts[r.consecutiveCompletedHeight+1] != nil {
		r.consecutiveCompletedHeight++
	}

	done := r.receivedCount >= r.totalParts
	roundComplete := r.outstandingParts == 0
	r.receiveMu.Unlock()

	r.updateEIFR()
	r.notifyProgress()

	if done {
		r.assemble()
		return
	}
	if roundComplete {
		r.windowGrow()
		r.requestNext()
	}
}

// HandleHashmapUpdate folds a RESOURCE_HMU packet's hashmap slice into the
// receiver's knowledge of the resource and resumes requesting parts.
func (r *Resource) HandleHashmapUpdate(payload []byte) {
	segment, slice, err := unpackHMU(payload)
	if err != nil {
		log.Error().Err(err).Msg("resource: failed to unpack hashmap update")
		return
	}
	r.receiveMu.Lock()
	r.hashmapHeight += applyHashmapSlice(r.hashmap, segment, HashmapMaxLen(r.link.MDU()), slice)
	r.waitingForHMU = false
	r.receiveMu.Unlock()

	r.requestNext()
}

// HandleCancel handles a RESOURCE_ICL packet: the sender gave up.
func (r *Resource) HandleCancel() {
	r.mu.Lock()
	if r.status.concluded() {
		r.mu.Unlock()
		return
	}
	r.status = StatusFailed
	r.mu.Unlock()

	r.link.CancelIncomingResource(r)
	r.conclude()
}

// requestNext sends a RESOURCE_REQ naming the next window's worth of
// missing, known map-hashes, or signals hashmap exhaustion so the sender
// ships another RESOURCE_HMU, per spec.md §4.3 "Request/response". The
// whole body is skipped while an HMU round is already outstanding, so a
// watchdog-triggered retry never re-issues a request the sender would
// double-count against its own hashmap cursor.
func (r *Resource) requestNext() {
	r.receiveMu.Lock()
	if r.waitingForHMU {
		r.receiveMu.Unlock()
		return
	}
	if r.consecutiveCompletedHeight+1 >= r.totalParts {
		r.receiveMu.Unlock()
		return
	}

	start := r.consecutiveCompletedHeight + 1
	end := start + r.window
	if end > len(r.hashmap) {
		end = len(r.hashmap)
	}

	var requested []byte
	exhausted := false
	count := 0
	for i := start; i < end; i++ {
		if r.parts[i] != nil {
			continue
		}
		if r.hashmap[i] == nil {
			exhausted = true
			break
		}
		requested = append(requested, r.hashmap[i]...)
		count++
	}

	if count == 0 && !exhausted {
		r.receiveMu.Unlock()
		return
	}

	var lastKnownMapHash []byte
	if exhausted {
		if r.hashmapHeight > 0 {
			lastKnownMapHash = r.hashmap[r.hashmapHeight-1]
		}
		r.waitingForHMU = true
	}
	r.outstandingParts = count
	bytesRequested := count * r.sdu
	r.receiveMu.Unlock()

	r.markRequestSent(bytesRequested)

	flag := hashmapIsNotExhausted
	var payload []byte
	if exhausted {
		flag = hashmapIsExhausted
		payload = append([]byte{flag}, lastKnownMapHash...)
	} else {
		payload = []byte{flag}
	}
	payload = append(payload, requested...)
	if err := r.link.Send(ContextRequest, payload); err != nil {
		log.Error().Err(err).Msg("resource: failed to send request")
	}
}

// assemble runs once every part has been received: decrypt the
// concatenated ciphertext, verify its content hash, strip the random
// salt, decompress, peel off segment-1 metadata, deliver the plaintext,
// and emit the RESOURCE_PRF proof that lets the sender conclude.
func (r *Resource) assemble() {
	r.mu.Lock()
	r.status = StatusAssembling
	r.mu.Unlock()

	r.receiveMu.Lock()
	ciphertext := make([]byte, 0, r.size)
	for _, p := range r.parts {
		ciphertext = append(ciphertext, p...)
	}
	r.receiveMu.Unlock()

	data, err := r.link.Decrypt(ciphertext)
	if err != nil {
		log.Error().Err(err).Msg("resource: failed to decrypt assembled resource")
		r.fail()
		return
	}

	if !bytesEqual(r.identity.FullHash(data), r.hash) {
		log.Error().Msg("resource: assembled resource failed its hash check, marking corrupt")
		r.mu.Lock()
		r.status = StatusCorrupt
		r.mu.Unlock()
		r.conclude()
		return
	}

	expectedProof := r.identity.FullHash(append(append([]byte{}, data...), r.hash...))

	if len(data) < randomHashSize {
		r.fail()
		return
	}
	working := data[randomHashSize:]

	if r.compressed {
		plain, derr := zstdDecompress(working)
		if derr != nil {
			log.Error().Err(derr).Msg("resource: failed to decompress assembled resource")
			r.fail()
			return
		}
		working = plain
	}

	if r.hasMetadata {
		if len(working) < 3 {
			r.fail()
			return
		}
		metaLen := readMetadataLength(working)
		if 3+metaLen > len(working) {
			r.fail()
			return
		}
		r.mu.Lock()
		r.assembledMetadata = append([]byte{}, working[3:3+metaLen]...)
		r.mu.Unlock()
		working = working[3+metaLen:]
	}

	if r.output != nil {
		if _, werr := r.output.Write(working); werr != nil {
			log.Error().Err(werr).Msg("resource: failed to write assembled resource")
			r.fail()
			return
		}
	} else {
		r.mu.Lock()
		r.assembled = working
		r.mu.Unlock()
	}

	if err := r.link.Send(ContextProof, expectedProof); err != nil {
		log.Error().Err(err).Msg("resource: failed to send proof")
	}
	r.link.CacheRequestProof(r.hash, expectedProof)

	r.mu.Lock()
	r.status = StatusComplete
	r.mu.Unlock()

	r.notifyProgress()
	r.conclude()
}

func (r *Resource) fail() {
	r.mu.Lock()
	r.status = StatusFailed
	r.mu.Unlock()
	r.conclude()
}
