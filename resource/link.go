package resource

// Context tags a packet emitted on a Link with which resource sub-protocol
// it belongs to, per spec.md §4.3.
type Context byte

const (
	ContextAdvertise     Context = iota // RESOURCE_ADV
	ContextPart                         // RESOURCE (raw data part)
	ContextRequest                      // RESOURCE_REQ
	ContextHashmapUpdate                // RESOURCE_HMU
	ContextProof                        // RESOURCE_PRF
	ContextInitiatorCancel              // RESOURCE_ICL
	ContextReceiverReject               // RESOURCE_RCL
)

// Link is the transport/cryptographic collaborator the resource engine
// consumes. It is implemented by transport/quiclink and transport/dnslink;
// the engine never opens sockets or performs key agreement itself.
type Link interface {
	// MDU returns the link's maximum data unit, used to derive the
	// per-part payload size (SDU).
	MDU() int

	// RTT returns the link's current measured round-trip time.
	RTT() float64 // seconds

	// TrafficTimeoutFactor scales RTT into a base protocol timeout.
	TrafficTimeoutFactor() float64

	// EstablishmentCost is used to seed EIFR when no prior measurement
	// exists.
	EstablishmentCost() int

	// Encrypt/Decrypt transform the resource's plaintext stream for
	// transmission. The link owns key material; the engine treats these
	// as opaque byte transforms.
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)

	// Send transmits one resource-protocol packet with the given context
	// tag and payload.
	Send(ctx Context, payload []byte) error

	// ReadyForNewResource reports whether the link currently admits a
	// new outgoing resource (backpressure gate).
	ReadyForNewResource() bool

	// GetLastResourceWindow / GetLastResourceEIFR return hints carried
	// over from the previously concluded resource on this link, or
	// (0, false) / (0, false) if none exist yet.
	GetLastResourceWindow() (int, bool)
	GetLastResourceEIFR() (float64, bool)
	SetLastResourceWindow(int)
	SetLastResourceEIFR(float64)

	// Registration hooks; the link owns the incoming/outgoing resource
	// tables keyed by resource hash.
	RegisterIncomingResource(r *Resource)
	RegisterOutgoingResource(r *Resource)
	HasIncomingResource(hash []byte) bool
	ResourceConcluded(r *Resource)
	CancelIncomingResource(r *Resource)
	CancelOutgoingResource(r *Resource)

	// CacheRequestProof asks the link's transport-level packet cache for
	// a previously observed proof packet matching (hash, expectedProof),
	// used to recover from a lost PROOF on the AWAITING_PROOF path.
	CacheRequestProof(hash, expectedProof []byte)
}

// Identity is the hashing collaborator the resource engine consumes.
type Identity interface {
	FullHash(data []byte) []byte
	TruncatedHash(data []byte) []byte
	GetRandomHash() []byte
}
