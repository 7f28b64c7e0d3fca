// Package resreg provides the resource-table bookkeeping shared by every
// transport/*Link implementation: a TTL'd map from resource hash to the
// in-flight *resource.Resource, plus a short-lived cache of recently
// observed proof packets for late-proof recovery. It is grounded on the
// teacher's SessionManager (internal/server/session.go), which used
// patrickmn/go-cache the same way to hold per-tunnel-session state.
package resreg

import (
	"time"

	"github.com/patrickmn/go-cache"

	"resourcelink/resource"
)

const (
	resourceTTL   = 10 * time.Minute
	resourceSweep = 2 * time.Minute
	proofTTL      = 30 * time.Second
	proofSweep    = 1 * time.Minute
)

// Registry tracks a Link's incoming and outgoing resources by hash, and
// caches recently seen proof packets so a sender that times out waiting
// for RESOURCE_PRF can recover from reordering or a dropped dispatch.
type Registry struct {
	incoming *cache.Cache
	outgoing *cache.Cache
	proofs   *cache.Cache

	lastWindow      int
	lastWindowKnown bool
	lastEIFR        float64
	lastEIFRKnown   bool
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		incoming: cache.New(resourceTTL, resourceSweep),
		outgoing: cache.New(resourceTTL, resourceSweep),
		proofs:   cache.New(proofTTL, proofSweep),
	}
}

func key(hash []byte) string { return string(hash) }

// RegisterIncoming/RegisterOutgoing/Conclude/CancelIncoming/CancelOutgoing
// implement the bookkeeping side of resource.Link's registration hooks.

func (r *Registry) RegisterIncoming(res *resource.Resource) {
	r.incoming.Set(key(res.Hash()), res, cache.DefaultExpiration)
}

func (r *Registry) RegisterOutgoing(res *resource.Resource) {
	r.outgoing.Set(key(res.Hash()), res, cache.DefaultExpiration)
}

func (r *Registry) HasIncoming(hash []byte) bool {
	_, found := r.incoming.Get(key(hash))
	return found
}

func (r *Registry) Incoming(hash []byte) *resource.Resource {
	v, found := r.incoming.Get(key(hash))
	if !found {
		return nil
	}
	return v.(*resource.Resource)
}

func (r *Registry) Outgoing(hash []byte) *resource.Resource {
	v, found := r.outgoing.Get(key(hash))
	if !found {
		return nil
	}
	return v.(*resource.Resource)
}

func (r *Registry) Conclude(res *resource.Resource) {
	r.incoming.Delete(key(res.Hash()))
	r.outgoing.Delete(key(res.Hash()))
}

func (r *Registry) CancelIncoming(res *resource.Resource) {
	r.incoming.Delete(key(res.Hash()))
}

func (r *Registry) CancelOutgoing(res *resource.Resource) {
	r.outgoing.Delete(key(res.Hash()))
}

// ObserveProof records a just-seen proof payload for hash, so a later
// CheckProof call (or a concurrent sender still waiting) can find it even
// if the original RESOURCE_PRF dispatch raced with registration.
func (r *Registry) ObserveProof(hash, proof []byte) {
	r.proofs.Set(key(hash), append([]byte{}, proof...), cache.DefaultExpiration)
}

// CheckProof looks up a cached proof for hash and, if it matches expected
// exactly, delivers it to the outgoing resource registered for that hash.
func (r *Registry) CheckProof(hash, expected []byte) {
	v, found := r.proofs.Get(key(hash))
	if !found {
		return
	}
	cached := v.([]byte)
	if len(cached) != len(expected) {
		return
	}
	for i := range cached {
		if cached[i] != expected[i] {
			return
		}
	}
	if res := r.Outgoing(hash); res != nil {
		res.HandleProof(cached)
	}
}

// LastWindow / LastEIFR carry window-size and EIFR hints from the
// previously concluded resource on this link into the next one, per
// spec.md §4.3's window-adaptation carryover.
func (r *Registry) LastWindow() (int, bool)    { return r.lastWindow, r.lastWindowKnown }
func (r *Registry) LastEIFR() (float64, bool)  { return r.lastEIFR, r.lastEIFRKnown }
func (r *Registry) SetLastWindow(w int)        { r.lastWindow, r.lastWindowKnown = w, true }
func (r *Registry) SetLastEIFR(e float64)      { r.lastEIFR, r.lastEIFRKnown = e, true }
