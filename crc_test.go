package odb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crcFixture(t *testing.T) (*idxFile, []byte, []uint64) {
	t.Helper()
	objs := []packObj{
		{typ: ObjBlob, data: []byte("first object")},
		{typ: ObjBlob, data: []byte("second object")},
	}
	hashes := []Hash{
		calculateHash(HashSHA1, ObjBlob, objs[0].data),
		calculateHash(HashSHA1, ObjBlob, objs[1].data),
	}
	packData, offsets := buildPack(t, HashSHA1, objs)
	idxData := buildIdxV2(t, HashSHA1, hashes, offsets, packData)

	f, err := parseIdx(mustMmap(t, idxData), HashSHA1)
	require.NoError(t, err)
	f.pack = mustMmapPack(t, packData)
	f.packPath = "fixture.pack"
	return f, packData, offsets
}

func TestVerifyCRC32(t *testing.T) {
	f, _, offsets := crcFixture(t)

	for _, off := range offsets {
		e, ok := f.entriesByOff[off]
		require.True(t, ok)
		assert.NoError(t, verifyCRC32(f, off, e.crc))
	}
}

func TestVerifyCRC32Mismatch(t *testing.T) {
	f, _, offsets := crcFixture(t)

	e := f.entriesByOff[offsets[0]]
	err := verifyCRC32(f, offsets[0], e.crc^0xdeadbeef)
	assert.ErrorContains(t, err, "crc mismatch")
}

func TestVerifyCRC32UnknownOffset(t *testing.T) {
	f, _, _ := crcFixture(t)

	err := verifyCRC32(f, 7777, 0)
	assert.ErrorContains(t, err, "not found")
}

func TestVerifyPackTrailer(t *testing.T) {
	f, packData, _ := crcFixture(t)
	assert.NoError(t, verifyPackTrailer(f.pack, HashSHA1))

	packData[len(packData)-1] ^= 0xff
	tampered := mustMmapPack(t, packData)
	assert.ErrorIs(t, verifyPackTrailer(tampered, HashSHA1), ErrPackTrailerCorrupt)
}

func TestVerifyPackTrailerTooSmall(t *testing.T) {
	short := mustMmapPack(t, []byte("tiny"))
	assert.ErrorIs(t, verifyPackTrailer(short, HashSHA1), ErrTruncatedArchive)
}
