package resource

import (
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// HashmapMaxLen is the maximum number of map-hashes that fit in one
// advertisement packet, computed the same way RNS's ResourceAdvertisement
// derives HASHMAP_MAX_LEN from the link's MDU.
func HashmapMaxLen(mdu int) int {
	return int(math.Floor(float64(mdu-advOverhead) / mapHashLen))
}

// CollisionGuardSize bounds how much of the sender's parts slice is
// scanned when servicing a request, per spec.md §4.3.
func CollisionGuardSize(mdu int) int {
	return 2*windowMax + HashmapMaxLen(mdu)
}

// advertisement is the on-wire description of a resource/segment,
// spec.md §4.2. Field names mirror the single-letter keys used on the
// wire so the struct tags stay self-documenting.
type advertisement struct {
	TransferSize  int64  `msgpack:"t"` // encrypted stream size
	DataSize      int64  `msgpack:"d"` // uncompressed payload size (incl. metadata)
	Parts         int    `msgpack:"n"`
	Hash          []byte `msgpack:"h"`
	RandomHash    []byte `msgpack:"r"`
	OriginalHash  []byte `msgpack:"o"`
	SegmentIndex  int    `msgpack:"i"` // 1-based
	TotalSegments int    `msgpack:"l"`
	RequestID     []byte `msgpack:"q"` // may be nil
	Flags         byte   `msgpack:"f"`
	Hashmap       []byte `msgpack:"m"` // concatenated map-hashes, up to HashmapMaxLen entries

	// Derived from Flags on unpack; not transmitted directly.
	encrypted   bool
	compressed  bool
	split       bool
	isRequest   bool
	isResponse  bool
	hasMetadata bool
}

// Flag bit positions, per spec.md §3.
const (
	flagEncrypted  = 1 << 0
	flagCompressed = 1 << 1
	flagSplit      = 1 << 2
	flagIsRequest  = 1 << 3
	flagIsResponse = 1 << 4
	flagHasMeta    = 1 << 5
)

func packFlags(encrypted, compressed, split, isRequest, isResponse, hasMetadata bool) byte {
	var f byte
	if encrypted {
		f |= flagEncrypted
	}
	if compressed {
		f |= flagCompressed
	}
	if split {
		f |= flagSplit
	}
	if isRequest {
		f |= flagIsRequest
	}
	if isResponse {
		f |= flagIsResponse
	}
	if hasMetadata {
		f |= flagHasMeta
	}
	return f
}

func (a *advertisement) unpackFlags() {
	a.encrypted = a.Flags&flagEncrypted != 0
	a.compressed = a.Flags&flagCompressed != 0
	a.split = a.Flags&flagSplit != 0
	a.isRequest = a.Flags&flagIsRequest != 0
	a.isResponse = a.Flags&flagIsResponse != 0
	a.hasMetadata = a.Flags&flagHasMeta != 0
}

// newAdvertisement builds the advertisement record for a sender-side
// resource, carrying the first segment of its hashmap.
func newAdvertisement(r *Resource, segment int) *advertisement {
	hashmapMaxLen := HashmapMaxLen(r.sdu /* approx MDU via sdu+overhead below */)
	// HashmapMaxLen must be computed from the link MDU, not the SDU;
	// resource keeps link for exactly this reason.
	hashmapMaxLen = HashmapMaxLen(r.link.MDU())

	start := segment * hashmapMaxLen
	end := (segment + 1) * hashmapMaxLen
	if end > len(r.hashmap) {
		end = len(r.hashmap)
	}
	if start > end {
		start = end
	}

	slice := make([]byte, 0, (end-start)*mapHashLen)
	for i := start; i < end; i++ {
		slice = append(slice, r.hashmap[i]...)
	}

	isRequest, isResponse := false, false
	if r.requestID != nil {
		if r.isResponse {
			isResponse = true
		} else {
			isRequest = true
		}
	}

	adv := &advertisement{
		TransferSize:  int64(r.size),
		DataSize:      int64(r.totalSize),
		Parts:         len(r.parts),
		Hash:          r.hash,
		RandomHash:    r.randomHash,
		OriginalHash:  r.originalHash,
		SegmentIndex:  r.segmentIndex,
		TotalSegments: r.totalSegments,
		RequestID:     r.requestID,
		Hashmap:       slice,
	}
	adv.Flags = packFlags(r.encrypted, r.compressed, r.split, isRequest, isResponse, r.hasMetadata)
	adv.unpackFlags()
	return adv
}

// pack serializes the advertisement with msgpack, the ecosystem
// counterpart to RNS's vendored umsgpack self-describing format.
func (a *advertisement) pack() ([]byte, error) {
	return msgpack.Marshal(a)
}

func unpackAdvertisement(data []byte) (*advertisement, error) {
	var a advertisement
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return nil, ErrUnpackAdvertisement
	}
	a.unpackFlags()
	return &a, nil
}

// hmuPayload is the body of a RESOURCE_HMU packet: the segment index and
// the hashmap slice for that segment, packed as a two-element array to
// match RNS's `umsgpack.packb([segment, hashmap])`.
type hmuPayload struct {
	_msgpack struct{} `msgpack:",asArray"`
	Segment  int
	Hashmap  []byte
}

func packHMU(segment int, hashmapSlice []byte) ([]byte, error) {
	return msgpack.Marshal(&hmuPayload{Segment: segment, Hashmap: hashmapSlice})
}

func unpackHMU(data []byte) (int, []byte, error) {
	var p hmuPayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return 0, nil, err
	}
	return p.Segment, p.Hashmap, nil
}
