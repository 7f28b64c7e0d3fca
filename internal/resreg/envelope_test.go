package resreg

import (
	"bytes"
	"testing"

	"resourcelink/resource"
)

func TestEnvelopeLayout(t *testing.T) {
	hash := bytes.Repeat([]byte{0x01}, HashLen)
	payload := []byte("hello")

	got := Envelope(resource.ContextPart, hash, payload)
	if got[0] != byte(resource.ContextPart) {
		t.Fatalf("expected first byte to be the context tag, got %d", got[0])
	}
	if !bytes.Equal(got[1:1+HashLen], hash) {
		t.Fatalf("expected hash to follow the context byte")
	}
	if !bytes.Equal(got[1+HashLen:], payload) {
		t.Fatalf("expected payload to follow the hash")
	}
}

func TestEnvelopeWithoutHash(t *testing.T) {
	payload := []byte("adv-payload")
	got := Envelope(resource.ContextAdvertise, nil, payload)
	if len(got) != 1+len(payload) {
		t.Fatalf("expected no hash prefix for a nil hash, got len=%d", len(got))
	}
}

func TestDispatchDropsPartForUnknownHash(t *testing.T) {
	reg := New()
	hash := bytes.Repeat([]byte{0x02}, HashLen)

	// Dispatch has no way to construct a real *resource.Resource without a
	// live transfer, so this test only exercises the no-match path: an
	// unregistered hash must not panic and must leave the registry empty.
	frame := Envelope(resource.ContextPart, hash, []byte("part-payload"))

	calledAdvertise := false
	reg.Dispatch(frame, func([]byte) { calledAdvertise = true })

	if calledAdvertise {
		t.Fatalf("RESOURCE_PART must never invoke the advertise callback")
	}
	if reg.Incoming(hash) != nil {
		t.Fatalf("expected no resource registered for an unrelated hash")
	}
}

func TestDispatchAdvertiseInvokesCallback(t *testing.T) {
	reg := New()
	advPayload := []byte("inner-advertisement")
	hash := bytes.Repeat([]byte{0x03}, HashLen)
	frame := Envelope(resource.ContextAdvertise, hash, advPayload)

	var got []byte
	reg.Dispatch(frame, func(p []byte) { got = p })

	if !bytes.Equal(got, advPayload) {
		t.Fatalf("onAdvertise got %v, want %v", got, advPayload)
	}
}

func TestDispatchShortFrameIsIgnored(t *testing.T) {
	reg := New()
	calledAdvertise := false
	reg.Dispatch([]byte{byte(resource.ContextAdvertise)}, func([]byte) { calledAdvertise = true })
	if calledAdvertise {
		t.Fatalf("a frame shorter than the hash prefix must not dispatch")
	}
}

func TestRoutingHashIsNilWithoutResources(t *testing.T) {
	if got := RoutingHash(resource.ContextAdvertise, nil, nil); got != nil {
		t.Fatalf("expected nil routing hash with no outgoing resource, got %v", got)
	}
	if got := RoutingHash(resource.ContextRequest, nil, nil); got != nil {
		t.Fatalf("expected nil routing hash with no incoming resource, got %v", got)
	}
}
