// crc.go
//
// CRC-32 verification of packed entries and trailer checksums of pack
// archives. Per-entry CRCs are the values recorded in version-2 index
// files and cover the entry's on-disk (still compressed) bytes, so they
// catch transport or storage corruption without inflating anything. The
// trailer checksum covers the whole archive minus its final digest.

package odb

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"sort"

	"golang.org/x/exp/mmap"
)

// verifyCRC32 checks the CRC-32 of the packed entry starting at objOff
// inside pf.pack against want, the checksum recorded in the companion
// index at pack-creation time.
//
// The entry's end is inferred from the next entry's offset in
// pf.sortedOffsets or, for the final entry, from the start of the pack
// trailer. A nil return means the on-disk bytes match.
func verifyCRC32(pf *idxFile, objOff uint64, want uint32) error {
	idx := sort.Search(
		len(pf.sortedOffsets),
		func(i int) bool { return pf.sortedOffsets[i] >= objOff },
	)
	if idx >= len(pf.sortedOffsets) || pf.sortedOffsets[idx] != objOff {
		return fmt.Errorf("offset %d not found in index", objOff)
	}

	packSize := uint64(pf.pack.Len())
	trailerStart := packSize - uint64(pf.algo.Size())

	var objEnd uint64
	if idx+1 < len(pf.sortedOffsets) {
		objEnd = pf.sortedOffsets[idx+1]
	} else {
		objEnd = trailerStart
	}

	if objEnd > trailerStart {
		return ErrObjectExceedsPackBounds
	}
	if objEnd <= objOff {
		return ErrNonMonotonicOffsets
	}

	sec := io.NewSectionReader(pf.pack, int64(objOff), int64(objEnd-objOff))
	h := crc32.New(crc32.MakeTable(crc32.IEEE))
	if _, err := io.Copy(h, sec); err != nil {
		return err
	}
	if got := h.Sum32(); got != want {
		return fmt.Errorf("crc mismatch @%d: got %08x want %08x", objOff, got, want)
	}
	return nil
}

// verifyPackTrailer validates the checksum at the end of a pack archive.
// Call once per pack; the digest width follows the store's hash algorithm.
func verifyPackTrailer(pack *mmap.ReaderAt, algo HashAlgo) error {
	hs := algo.Size()
	size := pack.Len()
	if size < hs {
		return fmt.Errorf("pack too small for trailer: %w", ErrTruncatedArchive)
	}

	trailer := make([]byte, hs)
	if _, err := pack.ReadAt(trailer, int64(size-hs)); err != nil {
		return fmt.Errorf("read pack trailer: %w", err)
	}

	h := algo.newHasher()
	sec := io.NewSectionReader(pack, 0, int64(size-hs))
	if _, err := io.Copy(h, sec); err != nil {
		return fmt.Errorf("checksum pack: %w", err)
	}

	if !bytes.Equal(h.Sum(nil), trailer) {
		return ErrPackTrailerCorrupt
	}
	return nil
}
