// delta.go
//
// Delta materialization. A delta entry encodes one object as edits against
// a base object: a header of two varints (expected base length, target
// length) followed by copy instructions (ranges of the base) and insert
// instructions (literal bytes). Chain safety (cycle detection and a depth
// bound) lives in deltaContext, which the store threads through
// resolution so the guards hold across packs and the loose directory.

package odb

import "fmt"

// deltaContext carries per-lookup state while resolving delta chains.
//
// A single deltaContext is threaded through the resolution logic so that
// the algorithm can detect circular references and enforce the configured
// maximum chain depth. The visited sets are explicit rather than implied by
// call-stack recursion, keeping both bounds independent of stack size.
//
// The zero value is not valid; use newDeltaContext.
type deltaContext struct {
	// visited records every base object reached by object ID during the
	// current resolution, for ref-delta cycle detection.
	visited map[Hash]bool

	// offsets records every (pack, offset) pair reached during ofs-delta
	// resolution, for offset cycle detection.
	offsets map[baseKey]bool

	// depth is the current chain depth.
	depth int

	// maxDepth aborts resolution when exceeded. Fixed at creation.
	maxDepth int
}

func newDeltaContext(maxDepth int) *deltaContext {
	return &deltaContext{
		visited:  make(map[Hash]bool),
		offsets:  make(map[baseKey]bool),
		maxDepth: maxDepth,
	}
}

// checkRefDelta validates that following a ref-delta hop neither exceeds
// the depth bound nor revisits a base already on the current path.
func (ctx *deltaContext) checkRefDelta(hash Hash) error {
	if ctx.depth >= ctx.maxDepth {
		return fmt.Errorf("%w (max %d)", ErrDeltaChainTooDeep, ctx.maxDepth)
	}
	if ctx.visited[hash] {
		return fmt.Errorf("%w: base %s revisited", ErrDeltaCycle, hash)
	}
	return nil
}

// checkOfsDelta performs the same validation for ofs-deltas, which address
// their base by pack offset instead of object ID.
func (ctx *deltaContext) checkOfsDelta(key baseKey) error {
	if ctx.depth >= ctx.maxDepth {
		return fmt.Errorf("%w (max %d)", ErrDeltaChainTooDeep, ctx.maxDepth)
	}
	if ctx.offsets[key] {
		return fmt.Errorf("%w: offset %d revisited", ErrDeltaCycle, key.off)
	}
	return nil
}

// enterRefDelta records that the base identified by hash is being resolved
// and bumps the depth counter.
func (ctx *deltaContext) enterRefDelta(hash Hash) {
	ctx.visited[hash] = true
	ctx.depth++
}

// enterOfsDelta records that the base at key is being resolved and bumps
// the depth counter.
func (ctx *deltaContext) enterOfsDelta(key baseKey) {
	ctx.offsets[key] = true
	ctx.depth++
}

// exit pops one resolution frame.
func (ctx *deltaContext) exit() { ctx.depth-- }

// parseDeltaHeader splits the base reference from a raw delta buffer as
// returned by readRawObject and returns the base object hash (ref-delta),
// the backward base offset (ofs-delta), and the start of the instruction
// stream.
//
// The ofs-delta offset uses the pack format's skewed varint: each
// continuation step adds one before shifting, so multi-byte encodings have
// no redundant representations.
func parseDeltaHeader(t ObjectType, data []byte, algo HashAlgo) (Hash, uint64, []byte, error) {
	if t == ObjRefDelta {
		hs := algo.Size()
		if len(data) < hs {
			return Hash{}, 0, nil, fmt.Errorf("ref-delta base id: %w", ErrCorruptEncoding)
		}
		h, err := NewHash(data[:hs])
		if err != nil {
			return Hash{}, 0, nil, err
		}
		return h, 0, data[hs:], nil
	}

	if len(data) == 0 {
		return Hash{}, 0, nil, fmt.Errorf("ofs-delta base ref: %w", ErrCorruptEncoding)
	}

	b0 := data[0]
	off := uint64(b0 & 0x7f)
	if b0&0x80 == 0 {
		return Hash{}, off, data[1:], nil
	}

	i := 1
	for i < len(data) && i < 10 {
		b := data[i]
		off = (off + 1) << 7
		off |= uint64(b & 0x7f)
		i++
		if b&0x80 == 0 {
			return Hash{}, off, data[i:], nil
		}
	}
	return Hash{}, 0, nil, fmt.Errorf("ofs-delta base ref: %w", ErrCorruptEncoding)
}

// decodeVarInt decodes the base-128 varint used for object sizes and the
// delta header lengths: seven value bits per byte, least-significant group
// first, MSB as continuation flag.
//
// It returns the decoded value and the number of bytes consumed; a negative
// count signals malformed input (overflow or premature end).
func decodeVarInt(buf []byte) (uint64, int) {
	var res uint64
	shift := uint(0)
	for i, b := range buf {
		// A tenth byte contributes at shift 63, where only its low bit
		// still fits. Anything beyond that would shift value bits out of
		// the word.
		if shift > 63 || (shift == 63 && b&0x7f > 1) {
			return 0, -1 // overflow
		}
		res |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return res, i + 1
		}
		shift += 7
	}
	return 0, -1 // ran out of bytes before the final group
}

// applyDelta materializes a target object by replaying a copy/insert
// instruction stream against a fully materialized base buffer.
//
// The stream opens with two varints: the expected base length, which must
// equal len(base) (ErrBaseSizeMismatch), and the target length the output
// is pre-allocated to. Copy instructions carry a bitmap-encoded offset and
// length into the base (a zero length means 65536); insert instructions
// carry 1-127 literal bytes. Replay must produce exactly the target length
// (ErrDeltaLengthMismatch) and never read outside the base
// (ErrDeltaOutOfRange).
func applyDelta(base, delta []byte) ([]byte, error) {
	baseSize, n1 := decodeVarInt(delta)
	if n1 <= 0 || n1 >= len(delta) {
		return nil, fmt.Errorf("delta header: %w", ErrCorruptEncoding)
	}
	if baseSize != uint64(len(base)) {
		return nil, fmt.Errorf("delta expects %d-byte base, have %d: %w",
			baseSize, len(base), ErrBaseSizeMismatch)
	}
	targetSize, n2 := decodeVarInt(delta[n1:])
	if n2 <= 0 {
		return nil, fmt.Errorf("delta header: %w", ErrCorruptEncoding)
	}

	out := make([]byte, 0, targetSize)
	opIdx := n1 + n2

	for opIdx < len(delta) {
		op := delta[opIdx]
		opIdx++

		switch {
		case op&0x80 != 0: // copy from base
			var cpOff, cpLen uint64
			for bit := 0; bit < 4; bit++ {
				if op&(1<<bit) != 0 {
					if opIdx >= len(delta) {
						return nil, fmt.Errorf("copy operand: %w", ErrCorruptEncoding)
					}
					cpOff |= uint64(delta[opIdx]) << (8 * bit)
					opIdx++
				}
			}
			for bit := 0; bit < 3; bit++ {
				if op&(0x10<<bit) != 0 {
					if opIdx >= len(delta) {
						return nil, fmt.Errorf("copy operand: %w", ErrCorruptEncoding)
					}
					cpLen |= uint64(delta[opIdx]) << (8 * bit)
					opIdx++
				}
			}
			if cpLen == 0 {
				cpLen = 65536
			}

			if cpOff+cpLen > uint64(len(base)) {
				return nil, fmt.Errorf("copy [%d,%d) of %d-byte base: %w",
					cpOff, cpOff+cpLen, len(base), ErrDeltaOutOfRange)
			}
			if uint64(len(out))+cpLen > targetSize {
				return nil, fmt.Errorf("copy overruns %d-byte target: %w",
					targetSize, ErrDeltaLengthMismatch)
			}
			out = append(out, base[cpOff:cpOff+cpLen]...)

		case op != 0: // insert literal bytes
			insertLen := int(op)
			if opIdx+insertLen > len(delta) {
				return nil, fmt.Errorf("insert literal: %w", ErrCorruptEncoding)
			}
			if uint64(len(out))+uint64(insertLen) > targetSize {
				return nil, fmt.Errorf("insert overruns %d-byte target: %w",
					targetSize, ErrDeltaLengthMismatch)
			}
			out = append(out, delta[opIdx:opIdx+insertLen]...)
			opIdx += insertLen

		default:
			return nil, fmt.Errorf("zero delta opcode: %w", ErrCorruptEncoding)
		}
	}

	if uint64(len(out)) != targetSize {
		return nil, fmt.Errorf("produced %d of %d bytes: %w",
			len(out), targetSize, ErrDeltaLengthMismatch)
	}
	return out, nil
}
