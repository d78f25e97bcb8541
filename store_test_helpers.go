package odb

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"
)

// calculateHash digests data in its canonical "<type> <size>\x00" framing.
func calculateHash(algo HashAlgo, typ ObjectType, data []byte) Hash {
	h := algo.newHasher()
	h.Write([]byte(typ.String()))
	h.Write([]byte{' '})
	h.Write([]byte(itoa(len(data))))
	h.Write([]byte{0})
	h.Write(data)
	hash, err := NewHash(h.Sum(nil))
	if err != nil {
		panic(err)
	}
	return hash
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// zlibDeflate compresses data with the same codec the readers use.
func zlibDeflate(t testing.TB, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// writeVarInt emits the little-endian-grouped size varint used in object
// headers and delta preambles.
func writeVarInt(w *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

// encodeObjHeader returns the variable-length entry header: type in bits
// 4-6 of the first byte, size split over the low nibble and continuation
// bytes.
func encodeObjHeader(typ ObjectType, size uint64) []byte {
	var out []byte
	b := byte(typ&7)<<4 | byte(size&0x0f)
	size >>= 4
	for {
		if size == 0 {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
}

// encodeOfsDeltaOffset emits the skewed big-endian varint that records a
// backward base distance. Inverse of the decoder in parseDeltaHeader.
func encodeOfsDeltaOffset(off uint64) []byte {
	var buf [10]byte
	i := len(buf) - 1
	buf[i] = byte(off & 0x7f)
	off >>= 7
	for off > 0 {
		off--
		i--
		buf[i] = 0x80 | byte(off&0x7f)
		off >>= 7
	}
	return buf[i:]
}

// deltaInsert builds an instruction stream that recreates target from any
// base of the given length using literal inserts only.
func deltaInsert(baseLen int, target []byte) []byte {
	var d bytes.Buffer
	writeVarInt(&d, uint64(baseLen))
	writeVarInt(&d, uint64(len(target)))
	for len(target) > 0 {
		n := len(target)
		if n > 127 {
			n = 127
		}
		d.WriteByte(byte(n))
		d.Write(target[:n])
		target = target[n:]
	}
	return d.Bytes()
}

// deltaCopy appends a copy instruction for base[off:off+length] to d.
func deltaCopy(d *bytes.Buffer, off, length uint64) {
	op := byte(0x80)
	var operands []byte
	for bit := 0; bit < 4; bit++ {
		if b := byte(off >> (8 * bit)); b != 0 {
			op |= 1 << bit
			operands = append(operands, b)
		}
	}
	for bit := 0; bit < 3; bit++ {
		if b := byte(length >> (8 * bit)); b != 0 {
			op |= 0x10 << bit
			operands = append(operands, b)
		}
	}
	d.WriteByte(op)
	d.Write(operands)
}

// packObj describes one entry for buildPack. Non-delta entries carry their
// payload in data; delta entries carry the instruction stream plus either
// baseHash (ref-delta) or baseIdx (ofs-delta, index of an earlier entry).
type packObj struct {
	typ      ObjectType
	data     []byte
	baseHash Hash
	baseIdx  int
}

// buildPack serializes objs into a complete archive with a trailing digest
// and returns the bytes plus the byte offset of every entry.
func buildPack(t testing.TB, algo HashAlgo, objs []packObj) ([]byte, []uint64) {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("PACK")
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(2)))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(len(objs))))

	offsets := make([]uint64, len(objs))
	for i, o := range objs {
		offsets[i] = uint64(buf.Len())
		buf.Write(encodeObjHeader(o.typ, uint64(len(o.data))))
		switch o.typ {
		case ObjRefDelta:
			buf.Write(o.baseHash.Raw())
		case ObjOfsDelta:
			require.Less(t, o.baseIdx, i, "ofs-delta base must precede it")
			buf.Write(encodeOfsDeltaOffset(offsets[i] - offsets[o.baseIdx]))
		}
		buf.Write(zlibDeflate(t, o.data))
	}

	h := algo.newHasher()
	h.Write(buf.Bytes())
	buf.Write(h.Sum(nil))
	return buf.Bytes(), offsets
}

// buildIdxV2 serializes a version-2 index over the given digests and pack
// offsets. CRCs are computed from packData the same way verifyCRC32 reads
// them back; both trailer checksums are real.
func buildIdxV2(t testing.TB, algo HashAlgo, hashes []Hash, offsets []uint64, packData []byte) []byte {
	t.Helper()
	hs := algo.Size()

	order := sortedByHash(hashes, offsets)

	var buf bytes.Buffer
	buf.Write(idxMagic)
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(2)))

	writeFanout(t, &buf, order)

	for _, e := range order {
		buf.Write(e.hash.Raw())
	}
	for _, e := range order {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, entryCRC(packData, hs, offsets, e.offset)))
	}

	var large []uint64
	for _, e := range order {
		if e.offset > 0x7fffffff {
			require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(0x80000000|len(large))))
			large = append(large, e.offset)
		} else {
			require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(e.offset)))
		}
	}
	for _, off := range large {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, off))
	}

	// Pack checksum copied from the archive trailer, then the index's own.
	if len(packData) >= hs {
		buf.Write(packData[len(packData)-hs:])
	} else {
		buf.Write(make([]byte, hs))
	}
	h := algo.newHasher()
	h.Write(buf.Bytes())
	buf.Write(h.Sum(nil))
	return buf.Bytes()
}

// buildIdxV1 serializes the legacy header-less layout: fanout followed by
// interleaved (32-bit offset, digest) entries and the two trailer digests.
func buildIdxV1(t testing.TB, algo HashAlgo, hashes []Hash, offsets []uint64, packData []byte) []byte {
	t.Helper()
	hs := algo.Size()

	order := sortedByHash(hashes, offsets)

	var buf bytes.Buffer
	writeFanout(t, &buf, order)
	for _, e := range order {
		require.LessOrEqual(t, e.offset, uint64(0x7fffffff))
		require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(e.offset)))
		buf.Write(e.hash.Raw())
	}

	if len(packData) >= hs {
		buf.Write(packData[len(packData)-hs:])
	} else {
		buf.Write(make([]byte, hs))
	}
	h := algo.newHasher()
	h.Write(buf.Bytes())
	buf.Write(h.Sum(nil))
	return buf.Bytes()
}

type idxOrderEntry struct {
	hash   Hash
	offset uint64
}

func sortedByHash(hashes []Hash, offsets []uint64) []idxOrderEntry {
	order := make([]idxOrderEntry, len(hashes))
	for i := range hashes {
		order[i] = idxOrderEntry{hashes[i], offsets[i]}
	}
	sort.Slice(order, func(i, j int) bool {
		return order[i].hash.Compare(order[j].hash) < 0
	})
	return order
}

func writeFanout(t testing.TB, buf *bytes.Buffer, order []idxOrderEntry) {
	t.Helper()
	var fanout [fanoutEntries]uint32
	for i, e := range order {
		for b := int(e.hash.firstByte()); b < fanoutEntries; b++ {
			fanout[b] = uint32(i + 1)
		}
	}
	for _, c := range fanout {
		require.NoError(t, binary.Write(buf, binary.BigEndian, c))
	}
}

// entryCRC computes the checksum of the on-disk bytes of the entry at off,
// ending at the next entry or the pack trailer.
func entryCRC(packData []byte, hashSize int, offsets []uint64, off uint64) uint32 {
	if len(packData) == 0 {
		return 0
	}
	end := uint64(len(packData) - hashSize)
	for _, o := range offsets {
		if o > off && o < end {
			end = o
		}
	}
	return crc32.ChecksumIEEE(packData[off:end])
}

// writePackFixture writes a pack and its v2 index to dir and returns the
// pair ready for Open.
func writePackFixture(t testing.TB, dir string, algo HashAlgo, objs []packObj, hashes []Hash) PackPair {
	t.Helper()
	packData, offsets := buildPack(t, algo, objs)
	idxData := buildIdxV2(t, algo, hashes, offsets, packData)

	pair := PackPair{
		IdxPath:  filepath.Join(dir, "fixture.idx"),
		PackPath: filepath.Join(dir, "fixture.pack"),
	}
	require.NoError(t, os.WriteFile(pair.PackPath, packData, 0o644))
	require.NoError(t, os.WriteFile(pair.IdxPath, idxData, 0o644))
	return pair
}

// writeLooseObject encodes data as a loose object under root and returns
// its digest.
func writeLooseObject(t testing.TB, root string, algo HashAlgo, typ ObjectType, data []byte) Hash {
	t.Helper()
	h := calculateHash(algo, typ, data)

	var plain bytes.Buffer
	plain.WriteString(typ.String())
	plain.WriteByte(' ')
	plain.WriteString(itoa(len(data)))
	plain.WriteByte(0)
	plain.Write(data)

	path := loosePath(root, h)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, zlibDeflate(t, plain.Bytes()), 0o644))
	return h
}

// writeTempFile persists data to a temp file inside t.TempDir and returns
// its path. Used for mmap-backed parsers.
func writeTempFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}
