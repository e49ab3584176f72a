package rns

import "crypto/sha256"

// TruncatedHashLen is TRUNCATED_HASHLENGTH (128 bits) from spec §6.
const TruncatedHashLen = 16

// NameHashLen is NAME_HASH_LENGTH (80 bits) from spec §6.
const NameHashLen = 10

// H is the canonical hash function used throughout the wire format:
// SHA-256 over a canonical byte string (spec §6, GLOSSARY "Truncated hash").
func H(parts ...[]byte) [sha256.Size]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Trunc16 returns the first TruncatedHashLen bytes of H(parts...), used for
// identity_hash, destination_hash and packet_hash.
func Trunc16(parts ...[]byte) [TruncatedHashLen]byte {
	full := H(parts...)
	var out [TruncatedHashLen]byte
	copy(out[:], full[:])
	return out
}

// Trunc10 returns the first NameHashLen bytes of H(parts...), used for
// name_hash.
func Trunc10(parts ...[]byte) [NameHashLen]byte {
	full := H(parts...)
	var out [NameHashLen]byte
	copy(out[:], full[:])
	return out
}
