// idx.go
//
// Pack-index parsing and digest lookup. Two on-disk layouts are supported:
// the versioned v2 format (4-byte magic, version, fanout, digest table, CRC
// table, offset table, optional 64-bit large-offset table) and the legacy
// header-less v1 format (fanout followed by interleaved offset+digest
// entries). Both close with two trailing checksums, one over the companion
// pack and one over the index itself; the index checksum is verified when
// the file is parsed.

package odb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"

	"golang.org/x/exp/mmap"
)

const (
	fanoutEntries = 256               // One bucket per possible first digest byte.
	fanoutSize    = fanoutEntries * 4 // 256 × uint32 → 1024 bytes.

	idxHeaderSize = 8 // v2 only: 4-byte magic + 4-byte version.
	crcSize       = 4 // Big-endian CRC-32 value per object (v2 only).
	offsetSize    = 4 // 31-bit offset or MSB-set index into the large-offset table.
	largeOffSize  = 8 // 64-bit offset for objects beyond the 2 GiB boundary.
)

// idxMagic identifies a versioned pack index. The v1 format has no magic;
// its first bytes are fanout counts, which can never start with 0xff.
var idxMagic = []byte{0xff, 0x74, 0x4f, 0x63}

// idxEntry describes a single object as recorded in a pack index.
//
// An entry maps the object's digest to its absolute byte offset inside the
// companion pack and, for v2 indexes, records the CRC-32 checksum computed
// over the on-disk entry bytes when the pack was created.
type idxEntry struct {
	// offset holds the starting byte position of the object header inside
	// the pack. 64-bit so that packs beyond 2 GiB stay addressable.
	offset uint64

	// crc stores the CRC-32 of the on-disk (compressed) entry exactly as
	// written in the v2 index. Zero for v1 indexes, which carry no CRCs.
	crc uint32
}

// idxFile holds the parsed lookup tables and memory-mapped views for a
// single (index, archive) pair.
//
// The struct is immutable after parseIdx returns, so concurrent lookups
// share it without synchronization.
type idxFile struct {
	// pack is the read-only, memory-mapped view of the archive.
	pack *mmap.ReaderAt

	// idx is the memory-mapped companion index file.
	idx *mmap.ReaderAt

	// packPath identifies the archive for diagnostics and cache keying.
	packPath string

	// algo is the digest width the tables were parsed with.
	algo HashAlgo

	// version is 1 for the legacy header-less layout, 2 for the versioned one.
	version int

	// fanout[b] counts the objects whose first digest byte is ≤ b, giving
	// O(1) bucket narrowing before binary search.
	fanout [fanoutEntries]uint32

	// oidTable lists all digests in canonical sorted order; entries[i]
	// describes oidTable[i].
	oidTable []Hash

	// entries runs parallel to oidTable.
	entries []idxEntry

	// largeOffsets stores 64-bit offsets for objects past the 31-bit inline
	// range. Nil when the pack is smaller than that.
	largeOffsets []uint64

	// entriesByOff and sortedOffsets support CRC verification: exact
	// offset → entry lookup and the ascending offset list used to find an
	// entry's end.
	entriesByOff  map[uint64]idxEntry
	sortedOffsets []uint64
}

// findObject returns the byte offset of hash inside the companion pack.
//
// The fanout table narrows the search to the bucket of digests sharing the
// first byte; a binary search over that window finishes the lookup. The
// method allocates nothing and is safe for concurrent callers.
func (f *idxFile) findObject(hash Hash) (offset uint64, found bool) {
	first := hash.firstByte()

	start := uint32(0)
	if first > 0 {
		start = f.fanout[first-1]
	}
	end := f.fanout[first]
	if start == end {
		return 0, false // bucket empty
	}

	relIdx, ok := slices.BinarySearchFunc(
		f.oidTable[start:end],
		hash,
		func(a, b Hash) int { return a.Compare(b) },
	)
	if !ok {
		return 0, false
	}
	return f.entries[int(start)+relIdx].offset, true
}

// largeOffsetRef relates an object index to its entry in the large-offset
// table. The regular 32-bit offset field contains a sentinel with the MSB
// set and the remaining 31 bits indexing the auxiliary 64-bit table; refs
// are collected during parsing and resolved before the idxFile is finalized.
type largeOffsetRef struct {
	objIdx   uint32
	largeIdx uint32
}

// parseIdx reads a pack index file into lookup tables.
//
// The first four bytes select the layout: the v2 magic, or a v1 fanout
// table. Both paths validate fanout monotonicity and the trailing index
// checksum; v2 additionally resolves large-offset references.
func parseIdx(ix *mmap.ReaderAt, algo HashAlgo) (*idxFile, error) {
	hs := algo.Size()
	size := int64(ix.Len())

	// Fanout plus the two trailer digests is the absolute minimum.
	if size < int64(fanoutSize+2*hs) {
		return nil, ErrBadIdxChecksum
	}

	var magic [4]byte
	if _, err := ix.ReadAt(magic[:], 0); err != nil {
		return nil, err
	}

	f := &idxFile{algo: algo}
	var err error
	if bytes.Equal(magic[:], idxMagic) {
		err = parseIdxV2(ix, f)
	} else {
		err = parseIdxV1(ix, f)
	}
	if err != nil {
		return nil, err
	}

	// Guard against truncated or tampered indexes.
	for i := 1; i < fanoutEntries; i++ {
		if f.fanout[i] < f.fanout[i-1] {
			return nil, ErrNonMonotonicFanout
		}
	}

	if err := verifyIdxChecksum(ix, algo); err != nil {
		return nil, err
	}

	f.entriesByOff = make(map[uint64]idxEntry, len(f.entries))
	f.sortedOffsets = make([]uint64, len(f.entries))
	for i, e := range f.entries {
		f.entriesByOff[e.offset] = e
		f.sortedOffsets[i] = e.offset
	}
	slices.Sort(f.sortedOffsets)

	return f, nil
}

// parseIdxV2 fills f from the versioned layout: header, fanout, digest
// table, CRC table, 31-bit offset table, optional large-offset table.
func parseIdxV2(ix *mmap.ReaderAt, f *idxFile) error {
	hs := f.algo.Size()
	size := int64(ix.Len())

	var header [idxHeaderSize]byte
	if _, err := ix.ReadAt(header[:], 0); err != nil {
		return err
	}
	if version := binary.BigEndian.Uint32(header[4:]); version != 2 {
		return fmt.Errorf("unsupported idx version %d: %w", version, ErrCorruptEncoding)
	}
	f.version = 2

	fanoutData := make([]byte, fanoutSize)
	if _, err := ix.ReadAt(fanoutData, idxHeaderSize); err != nil {
		return err
	}
	for i := range f.fanout {
		f.fanout[i] = binary.BigEndian.Uint32(fanoutData[i*4:])
	}

	objCount := f.fanout[fanoutEntries-1]
	if objCount == 0 {
		return nil
	}

	// Do the tables we are about to slice actually fit inside the file?
	minSize := int64(idxHeaderSize) +
		fanoutSize +
		int64(objCount)*int64(hs+crcSize+offsetSize) +
		int64(2*hs)
	if size < minSize {
		return ErrBadIdxChecksum
	}

	// Guard against integer overflow when allocating giant slices.
	if objCount > math.MaxUint32/uint32(hs) {
		return fmt.Errorf("idx claims %d objects: %w", objCount, ErrCorruptEncoding)
	}

	oidBase := int64(idxHeaderSize + fanoutSize)
	n := int(objCount)

	// Read the three fixed-size tables in a single call.
	allData := make([]byte, n*hs+n*crcSize+n*offsetSize)
	if _, err := ix.ReadAt(allData, oidBase); err != nil {
		return err
	}
	oidData := allData[:n*hs]
	crcData := allData[n*hs : n*hs+n*crcSize]
	offsetData := allData[n*hs+n*crcSize:]

	f.oidTable = make([]Hash, n)
	for i := 0; i < n; i++ {
		h, err := NewHash(oidData[i*hs : (i+1)*hs])
		if err != nil {
			return err
		}
		f.oidTable[i] = h
	}

	f.entries = make([]idxEntry, n)
	var largeRefs []largeOffsetRef
	maxLargeIdx := uint32(0)
	for i := 0; i < n; i++ {
		f.entries[i].crc = binary.BigEndian.Uint32(crcData[i*4:])

		// MSB clear: direct 31-bit offset. MSB set: index into the
		// large-offset table.
		off := binary.BigEndian.Uint32(offsetData[i*4:])
		if off&0x80000000 == 0 {
			f.entries[i].offset = uint64(off)
			continue
		}
		largeIdx := off & 0x7fffffff
		largeRefs = append(largeRefs, largeOffsetRef{uint32(i), largeIdx})
		if largeIdx > maxLargeIdx {
			maxLargeIdx = largeIdx
		}
	}

	if len(largeRefs) > 0 {
		largeCount := int64(maxLargeIdx) + 1
		largeBase := oidBase + int64(n*hs+n*crcSize+n*offsetSize)
		if size < largeBase+largeCount*largeOffSize+int64(2*hs) {
			return ErrBadIdxChecksum
		}

		largeData := make([]byte, largeCount*largeOffSize)
		if _, err := ix.ReadAt(largeData, largeBase); err != nil {
			return err
		}
		f.largeOffsets = make([]uint64, largeCount)
		for i := range f.largeOffsets {
			f.largeOffsets[i] = binary.BigEndian.Uint64(largeData[i*largeOffSize:])
		}

		for _, ref := range largeRefs {
			if ref.largeIdx >= uint32(len(f.largeOffsets)) {
				return fmt.Errorf("invalid large offset index %d: %w",
					ref.largeIdx, ErrCorruptEncoding)
			}
			f.entries[ref.objIdx].offset = f.largeOffsets[ref.largeIdx]
		}
	}

	return nil
}

// parseIdxV1 fills f from the legacy layout: a bare fanout table followed by
// N interleaved (4-byte offset, digest) entries. V1 indexes carry no CRC
// table and no large-offset extension; offsets are plain 32-bit values.
func parseIdxV1(ix *mmap.ReaderAt, f *idxFile) error {
	hs := f.algo.Size()
	size := int64(ix.Len())
	f.version = 1

	fanoutData := make([]byte, fanoutSize)
	if _, err := ix.ReadAt(fanoutData, 0); err != nil {
		return err
	}
	for i := range f.fanout {
		f.fanout[i] = binary.BigEndian.Uint32(fanoutData[i*4:])
	}

	objCount := f.fanout[fanoutEntries-1]
	if objCount == 0 {
		return nil
	}
	if objCount > math.MaxUint32/uint32(offsetSize+hs) {
		return fmt.Errorf("idx claims %d objects: %w", objCount, ErrCorruptEncoding)
	}

	n := int(objCount)
	entrySize := offsetSize + hs
	if size < int64(fanoutSize)+int64(n*entrySize)+int64(2*hs) {
		return ErrBadIdxChecksum
	}

	entryData := make([]byte, n*entrySize)
	if _, err := ix.ReadAt(entryData, fanoutSize); err != nil {
		return err
	}

	f.oidTable = make([]Hash, n)
	f.entries = make([]idxEntry, n)
	for i := 0; i < n; i++ {
		rec := entryData[i*entrySize : (i+1)*entrySize]
		f.entries[i].offset = uint64(binary.BigEndian.Uint32(rec))
		h, err := NewHash(rec[offsetSize:])
		if err != nil {
			return err
		}
		f.oidTable[i] = h
	}

	return nil
}

// verifyIdxChecksum recomputes the digest over everything except the final
// index checksum and compares it with the stored trailer value.
func verifyIdxChecksum(ix *mmap.ReaderAt, algo HashAlgo) error {
	hs := algo.Size()
	size := int64(ix.Len())

	want := make([]byte, hs)
	if _, err := ix.ReadAt(want, size-int64(hs)); err != nil {
		return err
	}

	h := algo.newHasher()
	if _, err := io.Copy(h, io.NewSectionReader(ix, 0, size-int64(hs))); err != nil {
		return err
	}
	if !bytes.Equal(h.Sum(nil), want) {
		return ErrBadIdxChecksum
	}
	return nil
}
