package odb

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// HashAlgo selects the digest function an object database was written with.
//
// Repositories use either SHA-1 (the historical default, 20-byte digests) or
// SHA-256 (32-byte digests). Every digest handled by a single Store has the
// same width; the algo travels with each Hash so that mixed-width values can
// never compare equal by accident.
type HashAlgo uint8

const (
	// HashSHA1 is the 160-bit digest used by classic repositories.
	HashSHA1 HashAlgo = iota + 1

	// HashSHA256 is the 256-bit digest used by newer repositories.
	HashSHA256
)

// Size returns the digest width in bytes: 20 for SHA-1, 32 for SHA-256.
func (a HashAlgo) Size() int {
	if a == HashSHA256 {
		return sha256.Size
	}
	return sha1.Size
}

func (a HashAlgo) newHasher() hash.Hash {
	if a == HashSHA256 {
		return sha256.New()
	}
	return sha1.New()
}

// Hash is a raw object identifier: the binary form of the digest over an
// object's canonical "<type> <size>\0<payload>" encoding.
//
// The zero value carries no algo tag and never resolves to a real object, so
// it is safe to use as a sentinel in maps. Hash is comparable and may be used
// directly as a map or cache key.
type Hash struct {
	algo HashAlgo
	raw  [sha256.Size]byte
}

// NewHash wraps raw digest bytes in a Hash.
//
// The width of raw selects the algorithm: 20 bytes yields a SHA-1 hash,
// 32 bytes a SHA-256 hash. Any other length fails with ErrInvalidLength.
func NewHash(raw []byte) (Hash, error) {
	var h Hash
	switch len(raw) {
	case sha1.Size:
		h.algo = HashSHA1
	case sha256.Size:
		h.algo = HashSHA256
	default:
		return h, fmt.Errorf("digest is %d bytes: %w", len(raw), ErrInvalidLength)
	}
	copy(h.raw[:], raw)
	return h, nil
}

// ParseHash converts the canonical hexadecimal form of a digest into its raw
// binary representation.
//
// A 40-character string produces a SHA-1 hash, a 64-character string a
// SHA-256 hash. Other lengths fail with ErrInvalidLength; non-hex characters
// fail with ErrInvalidEncoding.
func ParseHash(s string) (Hash, error) {
	var h Hash
	switch len(s) {
	case 2 * sha1.Size:
		h.algo = HashSHA1
	case 2 * sha256.Size:
		h.algo = HashSHA256
	default:
		return h, fmt.Errorf("hex digest is %d chars: %w", len(s), ErrInvalidLength)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("%q: %w", s, ErrInvalidEncoding)
	}
	copy(h.raw[:], b)
	return h, nil
}

// Algo reports which digest function produced h.
func (h Hash) Algo() HashAlgo { return h.algo }

// Size returns the digest width in bytes.
func (h Hash) Size() int { return h.algo.Size() }

// Raw returns the digest bytes at the hash's native width.
//
// The returned slice aliases the Hash's backing array; callers must not
// mutate it.
func (h Hash) Raw() []byte { return h.raw[:h.algo.Size()] }

// String returns the lower-case hexadecimal form of h.
func (h Hash) String() string { return hex.EncodeToString(h.Raw()) }

// Compare orders two hashes byte-lexicographically, the same order the
// sorted digest table of a pack index uses. It returns -1, 0, or +1.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h.Raw(), other.Raw())
}

// IsZero reports whether h is the zero sentinel rather than a parsed digest.
func (h Hash) IsZero() bool { return h.algo == 0 }

// firstByte is the fanout bucket selector.
func (h Hash) firstByte() byte { return h.raw[0] }
