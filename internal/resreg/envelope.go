package resreg

import "resourcelink/resource"

// HashLen is the routing-hash length carried on the wire after the context
// byte of every resource-protocol packet except RESOURCE_RCL (whose payload
// already is the hash). RESOURCE_ADV carries it too; Dispatch strips it
// before handing the advertisement on.
const HashLen = 32

// Envelope prefixes payload with ctx and, for contexts that need routing
// on the peer side, the sending resource's hash. Both transport/quiclink
// and transport/dnslink use this as their wire envelope, so the dispatch
// logic below only needs to be written once.
func Envelope(ctx resource.Context, hash, payload []byte) []byte {
	body := make([]byte, 0, 1+len(hash)+len(payload))
	body = append(body, byte(ctx))
	body = append(body, hash...)
	body = append(body, payload...)
	return body
}

// RoutingHash picks which resource's hash a Send(ctx, ...) call should be
// stamped with, based on protocol direction: ADV/PART/HMU/ICL flow
// sender->receiver (stamped with the outgoing resource), REQ/PRF flow
// receiver->sender (stamped with the incoming resource). RCL is handled
// by the caller, since resource.Reject sends a hash with no live
// Resource to ask.
func RoutingHash(ctx resource.Context, outgoing, incoming *resource.Resource) []byte {
	switch ctx {
	case resource.ContextAdvertise, resource.ContextPart, resource.ContextHashmapUpdate, resource.ContextInitiatorCancel:
		if outgoing != nil {
			return outgoing.Hash()
		}
	case resource.ContextRequest, resource.ContextProof:
		if incoming != nil {
			return incoming.Hash()
		}
	}
	return nil
}

// Dispatch decodes one enveloped frame and routes it to the matching
// registered resource, or to onAdvertise for a not-yet-registered
// RESOURCE_ADV. It is the shared read-side counterpart of Envelope.
func (r *Registry) Dispatch(frame []byte, onAdvertise func(advPayload []byte)) {
	if len(frame) < 1 {
		return
	}
	ctx := resource.Context(frame[0])
	rest := frame[1:]

	switch ctx {
	case resource.ContextAdvertise:
		if len(rest) < HashLen {
			return
		}
		onAdvertise(rest[HashLen:])

	case resource.ContextPart:
		if len(rest) < HashLen {
			return
		}
		if res := r.Incoming(rest[:HashLen]); res != nil {
			res.HandlePart(rest[HashLen:])
		}

	case resource.ContextHashmapUpdate:
		if len(rest) < HashLen {
			return
		}
		if res := r.Incoming(rest[:HashLen]); res != nil {
			res.HandleHashmapUpdate(rest[HashLen:])
		}

	case resource.ContextInitiatorCancel:
		if len(rest) < HashLen {
			return
		}
		if res := r.Incoming(rest[:HashLen]); res != nil {
			res.HandleCancel()
		}

	case resource.ContextRequest:
		if len(rest) < HashLen {
			return
		}
		if res := r.Outgoing(rest[:HashLen]); res != nil {
			res.HandleRequest(rest[HashLen:])
		}

	case resource.ContextProof:
		if len(rest) < HashLen {
			return
		}
		hash, body := rest[:HashLen], rest[HashLen:]
		r.ObserveProof(hash, body)
		if res := r.Outgoing(hash); res != nil {
			res.HandleProof(body)
		}

	case resource.ContextReceiverReject:
		if res := r.Outgoing(rest); res != nil {
			res.HandleReject()
		}
	}
}
