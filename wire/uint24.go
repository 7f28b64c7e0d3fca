package wire

// Uint24 reads a 3-byte big-endian unsigned integer, as used for the
// metadata length prefix (max value 0xFFFFFF, i.e. 16 MiB - 1).
func Uint24(b []byte) uint32 {
	_ = b[2]
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// PutUint24 writes v as a 3-byte big-endian unsigned integer into b.
// v must fit in 24 bits; callers are expected to have validated this.
func PutUint24(b []byte, v uint32) {
	_ = b[2]
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}
