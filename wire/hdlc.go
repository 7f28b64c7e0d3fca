// Package wire implements the byte-level framing used to carry the
// resource engine's packets over a stream-oriented link.
package wire

import "bytes"

const (
	// Flag delimits a frame on the wire.
	Flag byte = 0x7E
	// Esc escapes an occurrence of Flag or Esc inside a frame's payload.
	Esc byte = 0x7D
	// EscMask is XORed into an escaped byte's value.
	EscMask byte = 0x20

	// MinPacketLen is the smallest payload a frame may carry. Anything
	// shorter is dropped silently by the frame reader.
	MinPacketLen = 1 + IdentityHashLen // context byte + resource hash, at minimum
)

// IdentityHashLen is the length in bytes of a full resource/identity hash.
const IdentityHashLen = 32

// Escape byte-stuffs data for transmission inside a Flag-delimited frame.
// Esc occurrences are escaped first so an escaped Esc is never re-escaped.
func Escape(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte{Esc}, []byte{Esc, Esc ^ EscMask})
	data = bytes.ReplaceAll(data, []byte{Flag}, []byte{Esc, Flag ^ EscMask})
	return data
}

// Unescape reverses Escape.
func Unescape(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte{Esc, Flag ^ EscMask}, []byte{Flag})
	data = bytes.ReplaceAll(data, []byte{Esc, Esc ^ EscMask}, []byte{Esc})
	return data
}

// Frame wraps payload in Flag delimiters with the payload byte-stuffed.
func Frame(payload []byte) []byte {
	framed := make([]byte, 0, len(payload)+2)
	framed = append(framed, Flag)
	framed = append(framed, Escape(payload)...)
	framed = append(framed, Flag)
	return framed
}

// FrameReader buffers bytes from a stream and extracts Flag-delimited
// frames, mirroring RNS's BackboneInterface read loop: find two
// successive Flags, unescape what's between them, and discard anything
// shorter than MinPacketLen.
type FrameReader struct {
	buf []byte
}

// NewFrameReader returns an empty FrameReader.
func NewFrameReader() *FrameReader {
	return &FrameReader{buf: make([]byte, 0, 4096)}
}

// Feed appends newly read bytes to the internal buffer.
func (r *FrameReader) Feed(data []byte) {
	r.buf = append(r.buf, data...)
}

// Next extracts the next complete frame from the buffer, if any. It
// returns ok=false when no complete frame is currently available. Bytes
// preceding the first Flag (partial garbage) are discarded.
func (r *FrameReader) Next() (payload []byte, ok bool) {
	for {
		start := bytes.IndexByte(r.buf, Flag)
		if start == -1 {
			r.buf = r.buf[:0]
			return nil, false
		}

		end := bytes.IndexByte(r.buf[start+1:], Flag)
		if end == -1 {
			// Incomplete frame; keep from start onward for more data.
			r.buf = r.buf[start:]
			return nil, false
		}
		end += start + 1

		raw := r.buf[start+1 : end]
		r.buf = r.buf[end+1:]

		if len(raw) == 0 {
			// Back-to-back flags (keepalive/resync); skip and keep scanning.
			continue
		}

		frame := Unescape(raw)
		if len(frame) < MinPacketLen {
			continue
		}
		return frame, true
	}
}
