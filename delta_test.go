package odb

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVarInt(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		want     uint64
		consumed int
	}{
		{"single byte", []byte{0x05}, 5, 1},
		{"zero", []byte{0x00}, 0, 1},
		{"max single", []byte{0x7f}, 127, 1},
		{"two bytes", []byte{0x80, 0x01}, 128, 2},
		{"trailing data ignored", []byte{0x05, 0xff, 0xff}, 5, 1},
		{"truncated", []byte{0x80}, 0, -1},
		{"empty", nil, 0, -1},
		{"overflow", bytes.Repeat([]byte{0xff}, 11), 0, -1},
		{"max uint64", append(bytes.Repeat([]byte{0xff}, 9), 0x01), math.MaxUint64, 10},
		{"tenth byte overflows", append(bytes.Repeat([]byte{0xff}, 9), 0x02), 0, -1},
		{"continuation past word", append(bytes.Repeat([]byte{0xff}, 9), 0x81, 0x00), 0, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n := decodeVarInt(tt.input)
			assert.Equal(t, tt.consumed, n)
			if tt.consumed > 0 {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseDeltaHeaderRefDelta(t *testing.T) {
	base := calculateHash(HashSHA1, ObjBlob, []byte("base"))
	instr := []byte{0x01, 0x02, 0x03}

	data := append(append([]byte{}, base.Raw()...), instr...)
	gotHash, gotOff, rest, err := parseDeltaHeader(ObjRefDelta, data, HashSHA1)
	require.NoError(t, err)
	assert.Equal(t, base, gotHash)
	assert.Zero(t, gotOff)
	assert.Equal(t, instr, rest)

	_, _, _, err = parseDeltaHeader(ObjRefDelta, base.Raw()[:10], HashSHA1)
	assert.ErrorIs(t, err, ErrCorruptEncoding)
}

func TestParseDeltaHeaderOfsDelta(t *testing.T) {
	// Round-trip through the fixture encoder, including the skewed
	// multi-byte form where each continuation adds one before shifting.
	for _, off := range []uint64{1, 127, 128, 256, 1 << 20, 1 << 40} {
		data := append(encodeOfsDeltaOffset(off), 0xaa)
		_, got, rest, err := parseDeltaHeader(ObjOfsDelta, data, HashSHA1)
		require.NoError(t, err, "offset %d", off)
		assert.Equal(t, off, got)
		assert.Equal(t, []byte{0xaa}, rest)
	}

	// 0x81 0x00 is the canonical two-byte encoding of 256.
	_, got, _, err := parseDeltaHeader(ObjOfsDelta, []byte{0x81, 0x00}, HashSHA1)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), got)

	_, _, _, err = parseDeltaHeader(ObjOfsDelta, nil, HashSHA1)
	assert.ErrorIs(t, err, ErrCorruptEncoding)
	_, _, _, err = parseDeltaHeader(ObjOfsDelta, []byte{0x80}, HashSHA1)
	assert.ErrorIs(t, err, ErrCorruptEncoding)
}

func TestApplyDeltaInsertOnly(t *testing.T) {
	base := []byte("base content")
	target := []byte("entirely new bytes")

	got, err := applyDelta(base, deltaInsert(len(base), target))
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestApplyDeltaCopyAndInsert(t *testing.T) {
	base := []byte("hello")

	var d bytes.Buffer
	writeVarInt(&d, uint64(len(base)))
	writeVarInt(&d, uint64(len("hello world\n")))
	deltaCopy(&d, 0, 5)
	d.WriteByte(7)
	d.WriteString(" world\n")

	got, err := applyDelta(base, d.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world\n"), got)
}

func TestApplyDeltaZeroCopyLength(t *testing.T) {
	// A copy instruction with no length operands means 65536 bytes.
	base := bytes.Repeat([]byte{0x42}, 70000)

	var d bytes.Buffer
	writeVarInt(&d, uint64(len(base)))
	writeVarInt(&d, 65536)
	d.WriteByte(0x80)

	got, err := applyDelta(base, d.Bytes())
	require.NoError(t, err)
	assert.Equal(t, base[:65536], got)
}

func TestApplyDeltaErrors(t *testing.T) {
	base := []byte("hello")

	t.Run("base size mismatch", func(t *testing.T) {
		_, err := applyDelta([]byte("hell"), deltaInsert(5, []byte("x")))
		assert.ErrorIs(t, err, ErrBaseSizeMismatch)
	})

	t.Run("copy out of range", func(t *testing.T) {
		var d bytes.Buffer
		writeVarInt(&d, uint64(len(base)))
		writeVarInt(&d, 10)
		deltaCopy(&d, 3, 10) // [3,13) of a 5-byte base
		_, err := applyDelta(base, d.Bytes())
		assert.ErrorIs(t, err, ErrDeltaOutOfRange)
	})

	t.Run("output short of target", func(t *testing.T) {
		var d bytes.Buffer
		writeVarInt(&d, uint64(len(base)))
		writeVarInt(&d, 10)
		d.WriteByte(1)
		d.WriteByte('x')
		_, err := applyDelta(base, d.Bytes())
		assert.ErrorIs(t, err, ErrDeltaLengthMismatch)
	})

	t.Run("output overruns target", func(t *testing.T) {
		var d bytes.Buffer
		writeVarInt(&d, uint64(len(base)))
		writeVarInt(&d, 2)
		d.WriteByte(3)
		d.WriteString("abc")
		_, err := applyDelta(base, d.Bytes())
		assert.ErrorIs(t, err, ErrDeltaLengthMismatch)
	})

	t.Run("zero opcode", func(t *testing.T) {
		var d bytes.Buffer
		writeVarInt(&d, uint64(len(base)))
		writeVarInt(&d, 1)
		d.WriteByte(0)
		_, err := applyDelta(base, d.Bytes())
		assert.ErrorIs(t, err, ErrCorruptEncoding)
	})

	t.Run("truncated insert literal", func(t *testing.T) {
		var d bytes.Buffer
		writeVarInt(&d, uint64(len(base)))
		writeVarInt(&d, 5)
		d.WriteByte(5)
		d.WriteString("ab")
		_, err := applyDelta(base, d.Bytes())
		assert.ErrorIs(t, err, ErrCorruptEncoding)
	})

	t.Run("empty delta", func(t *testing.T) {
		_, err := applyDelta(base, nil)
		assert.ErrorIs(t, err, ErrCorruptEncoding)
	})
}

func TestDeltaContextDepth(t *testing.T) {
	ctx := newDeltaContext(2)
	at := func(off uint64) baseKey { return baseKey{pack: "p", off: off} }

	require.NoError(t, ctx.checkOfsDelta(at(100)))
	ctx.enterOfsDelta(at(100))
	require.NoError(t, ctx.checkOfsDelta(at(50)))
	ctx.enterOfsDelta(at(50))

	err := ctx.checkOfsDelta(at(25))
	assert.ErrorIs(t, err, ErrDeltaChainTooDeep)

	ctx.exit()
	assert.NoError(t, ctx.checkOfsDelta(at(25)))
}

func TestDeltaContextCycle(t *testing.T) {
	a := calculateHash(HashSHA1, ObjBlob, []byte("a"))
	b := calculateHash(HashSHA1, ObjBlob, []byte("b"))

	ctx := newDeltaContext(50)
	require.NoError(t, ctx.checkRefDelta(a))
	ctx.enterRefDelta(a)
	require.NoError(t, ctx.checkRefDelta(b))
	ctx.enterRefDelta(b)

	assert.ErrorIs(t, ctx.checkRefDelta(a), ErrDeltaCycle)

	ctx2 := newDeltaContext(50)
	key := baseKey{pack: "p", off: 12}
	ctx2.enterOfsDelta(key)
	assert.ErrorIs(t, ctx2.checkOfsDelta(key), ErrDeltaCycle)

	// Same offset in a different pack is a different base.
	assert.NoError(t, ctx2.checkOfsDelta(baseKey{pack: "q", off: 12}))
}
