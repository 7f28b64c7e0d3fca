package resource

import (
	"bytes"
	"testing"
)

func TestHashmapMaxLenAndCollisionGuardSize(t *testing.T) {
	mdu := 512
	maxLen := HashmapMaxLen(mdu)
	if maxLen <= 0 {
		t.Fatalf("expected positive HashmapMaxLen for mdu=%d, got %d", mdu, maxLen)
	}
	guard := CollisionGuardSize(mdu)
	if guard != 2*windowMax+maxLen {
		t.Fatalf("CollisionGuardSize mismatch: got %d want %d", guard, 2*windowMax+maxLen)
	}
}

func TestAdvertisementPackUnpackRoundTrip(t *testing.T) {
	hashmap := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 3)
	a := &advertisement{
		TransferSize:  1234,
		DataSize:      5678,
		Parts:         3,
		Hash:          []byte{0xAA, 0xBB},
		RandomHash:    []byte{0xCC, 0xDD},
		OriginalHash:  []byte{0xEE, 0xFF},
		SegmentIndex:  1,
		TotalSegments: 2,
		RequestID:     []byte{0x01},
		Hashmap:       hashmap,
	}
	a.Flags = packFlags(true, true, true, false, true, true)

	packed, err := a.pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	got, err := unpackAdvertisement(packed)
	if err != nil {
		t.Fatalf("unpackAdvertisement: %v", err)
	}

	if got.TransferSize != a.TransferSize || got.DataSize != a.DataSize || got.Parts != a.Parts {
		t.Fatalf("scalar field mismatch: got %+v want %+v", got, a)
	}
	if !bytes.Equal(got.Hash, a.Hash) || !bytes.Equal(got.RandomHash, a.RandomHash) || !bytes.Equal(got.OriginalHash, a.OriginalHash) {
		t.Fatalf("hash field mismatch: got %+v want %+v", got, a)
	}
	if !bytes.Equal(got.Hashmap, a.Hashmap) {
		t.Fatalf("hashmap mismatch: got %v want %v", got.Hashmap, a.Hashmap)
	}
	if !got.encrypted || !got.compressed || !got.split || got.isRequest || !got.isResponse || !got.hasMetadata {
		t.Fatalf("derived flags mismatch: %+v", got)
	}
}

func TestUnpackAdvertisementRejectsGarbage(t *testing.T) {
	if _, err := unpackAdvertisement([]byte{0xFF, 0xFF, 0xFF}); err != ErrUnpackAdvertisement {
		t.Fatalf("expected ErrUnpackAdvertisement, got %v", err)
	}
}

func TestHMUPackUnpackRoundTrip(t *testing.T) {
	slice := bytes.Repeat([]byte{0x09}, 4*5)
	packed, err := packHMU(3, slice)
	if err != nil {
		t.Fatalf("packHMU: %v", err)
	}
	segment, got, err := unpackHMU(packed)
	if err != nil {
		t.Fatalf("unpackHMU: %v", err)
	}
	if segment != 3 {
		t.Fatalf("segment mismatch: got %d want 3", segment)
	}
	if !bytes.Equal(got, slice) {
		t.Fatalf("hashmap slice mismatch: got %v want %v", got, slice)
	}
}

func TestPackFlagsRoundTrip(t *testing.T) {
	cases := []struct{ encrypted, compressed, split, isRequest, isResponse, hasMetadata bool }{
		{false, false, false, false, false, false},
		{true, false, false, false, false, false},
		{true, true, true, true, false, true},
		{false, true, false, false, true, false},
	}
	for _, c := range cases {
		f := packFlags(c.encrypted, c.compressed, c.split, c.isRequest, c.isResponse, c.hasMetadata)
		a := &advertisement{Flags: f}
		a.unpackFlags()
		if a.encrypted != c.encrypted || a.compressed != c.compressed || a.split != c.split ||
			a.isRequest != c.isRequest || a.isResponse != c.isResponse || a.hasMetadata != c.hasMetadata {
			t.Fatalf("flag round-trip mismatch for %+v: got %+v", c, a)
		}
	}
}
