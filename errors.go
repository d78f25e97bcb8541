package odb

import "errors"

// Error kinds reported by the store and its decoders. Each failure class is
// a distinct sentinel so callers can branch with errors.Is; none of them is
// ever downgraded to ErrNotFound. Storage artifacts are treated as static
// for the lifetime of a Store, so every failure is deterministic and
// retrying without changing inputs fails identically.
var (
	// ErrInvalidLength reports a digest with a width other than 20 or 32
	// bytes (40 or 64 hex characters).
	ErrInvalidLength = errors.New("invalid digest length")

	// ErrInvalidEncoding reports digest text that is not hexadecimal.
	ErrInvalidEncoding = errors.New("invalid digest encoding")

	// ErrNotFound reports a digest absent from every registered pack and
	// the loose-object directory.
	ErrNotFound = errors.New("object not found")

	// ErrCorruptEncoding reports a decompression failure or a malformed
	// object or delta header.
	ErrCorruptEncoding = errors.New("corrupt object encoding")

	// ErrSizeMismatch reports decoded payload whose length disagrees with
	// the size declared in the object header.
	ErrSizeMismatch = errors.New("declared size does not match payload")

	// ErrUnknownObjectKind reports a type name or pack type code outside
	// {blob, tree, commit, tag} and the two delta markers.
	ErrUnknownObjectKind = errors.New("unknown object kind")

	// ErrTruncatedArchive reports a pack file too short to hold the entry
	// or trailer being read.
	ErrTruncatedArchive = errors.New("truncated pack archive")

	// ErrBaseSizeMismatch reports a delta whose declared base length
	// disagrees with the materialized base buffer.
	ErrBaseSizeMismatch = errors.New("delta base size mismatch")

	// ErrDeltaOutOfRange reports a copy instruction whose source range
	// reaches outside the base buffer.
	ErrDeltaOutOfRange = errors.New("delta copy out of range")

	// ErrDeltaLengthMismatch reports a replayed delta that did not produce
	// exactly the declared target length.
	ErrDeltaLengthMismatch = errors.New("delta output length mismatch")

	// ErrDeltaCycle reports a delta chain that references itself. Treat as
	// hostile or severely corrupt input rather than ordinary absence.
	ErrDeltaCycle = errors.New("circular delta reference")

	// ErrDeltaChainTooDeep reports a chain longer than the configured
	// bound. Like ErrDeltaCycle it signals adversarial input.
	ErrDeltaChainTooDeep = errors.New("delta chain too deep")

	// ErrIntegrityFailure reports that re-hashing an object's canonical
	// encoding did not reproduce the digest it was requested under.
	ErrIntegrityFailure = errors.New("object content does not match digest")

	// ErrAmbiguousPrefix reports a hex prefix matching more than one
	// object during prefix resolution.
	ErrAmbiguousPrefix = errors.New("ambiguous object prefix")
)

// Index and trailer corruption sentinels.
var (
	ErrNonMonotonicFanout      = errors.New("idx corrupt: fan-out table not monotonic")
	ErrBadIdxChecksum          = errors.New("idx corrupt: checksum mismatch")
	ErrNonMonotonicOffsets     = errors.New("idx corrupt: non-monotonic offsets")
	ErrObjectExceedsPackBounds = errors.New("object extends past pack trailer")
	ErrPackTrailerCorrupt      = errors.New("pack trailer checksum mismatch")
)
