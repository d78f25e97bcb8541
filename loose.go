// loose.go
//
// Loose-object decoding. A loose object is one object stored as an
// individually deflate-compressed file whose inflated form is the canonical
// "<type> <size>\0<payload>" encoding. The file lives under a two-level
// fanout directory: the first two hex characters of the digest select the
// subdirectory, the remaining characters the filename.

package odb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxLooseHeaderLen bounds the "<type> <size>\0" prefix so a crafted file
// without a NUL cannot make the parser read without limit.
const maxLooseHeaderLen = 100

// loosePath derives the on-disk location of a loose object. The path is
// re-derived on every lookup and never cached as a handle: files may appear
// or disappear between process runs.
func loosePath(root string, h Hash) string {
	hx := h.String()
	return filepath.Join(root, hx[:2], hx[2:])
}

// parseLooseHeader consumes the ASCII header up to and including the first
// NUL byte and maps it to an ObjectHeader.
func parseLooseHeader(br *bufio.Reader) (ObjectHeader, error) {
	var hdr []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return ObjectHeader{}, fmt.Errorf("loose header: %w", ErrCorruptEncoding)
		}
		if b == 0 {
			break
		}
		hdr = append(hdr, b)
		if len(hdr) > maxLooseHeaderLen {
			return ObjectHeader{}, fmt.Errorf("loose header exceeds %d bytes: %w",
				maxLooseHeaderLen, ErrCorruptEncoding)
		}
	}

	name, sizeStr, ok := strings.Cut(string(hdr), " ")
	if !ok {
		return ObjectHeader{}, fmt.Errorf("loose header %q: %w", hdr, ErrCorruptEncoding)
	}
	typ, err := parseTypeName(name)
	if err != nil {
		return ObjectHeader{}, err
	}
	size, err := strconv.ParseUint(sizeStr, 10, 64)
	if err != nil {
		return ObjectHeader{}, fmt.Errorf("loose header size %q: %w", sizeStr, ErrCorruptEncoding)
	}
	return ObjectHeader{Type: typ, Size: size}, nil
}

// readLooseObject inflates and fully materializes the loose object stored
// under h, returning its payload and kind.
//
// It fails with ErrNotFound when no file exists for h, ErrCorruptEncoding on
// inflate or header failures, and ErrSizeMismatch when the stream holds more
// or fewer payload bytes than the header declares.
func readLooseObject(root string, h Hash) ([]byte, ObjectType, error) {
	f, err := os.Open(loosePath(root, h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ObjBad, fmt.Errorf("loose object %s: %w", h, ErrNotFound)
		}
		return nil, ObjBad, err
	}
	defer f.Close()

	zr, err := getZlibReader(f)
	if err != nil {
		return nil, ObjBad, fmt.Errorf("loose inflate: %w", ErrCorruptEncoding)
	}
	defer putZlibReader(zr)

	br := bufio.NewReader(zr)
	hdr, err := parseLooseHeader(br)
	if err != nil {
		return nil, ObjBad, err
	}

	payload := make([]byte, hdr.Size)
	if _, err := io.ReadFull(br, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ObjBad, fmt.Errorf("loose payload shorter than declared: %w", ErrSizeMismatch)
		}
		return nil, ObjBad, fmt.Errorf("loose payload: %w", ErrCorruptEncoding)
	}

	// The stream must end exactly at the declared size.
	switch _, err := br.ReadByte(); {
	case err == nil:
		return nil, ObjBad, fmt.Errorf("loose payload longer than declared: %w", ErrSizeMismatch)
	case !errors.Is(err, io.EOF):
		return nil, ObjBad, fmt.Errorf("loose payload: %w", ErrCorruptEncoding)
	}
	return payload, hdr.Type, nil
}

// openLooseObject parses the header of the loose object stored under h and
// returns a reader that continues the same inflate stream, bounded by the
// declared payload size. Large objects can be consumed incrementally without
// materializing them.
//
// The reader fails with ErrSizeMismatch if the compressed stream ends before
// delivering the declared number of payload bytes. Closing it releases the
// inflate state and the underlying file.
func openLooseObject(root string, h Hash) (ObjectHeader, io.ReadCloser, error) {
	f, err := os.Open(loosePath(root, h))
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectHeader{}, nil, fmt.Errorf("loose object %s: %w", h, ErrNotFound)
		}
		return ObjectHeader{}, nil, err
	}

	zr, err := getZlibReader(f)
	if err != nil {
		_ = f.Close()
		return ObjectHeader{}, nil, fmt.Errorf("loose inflate: %w", ErrCorruptEncoding)
	}

	br := bufio.NewReader(zr)
	hdr, err := parseLooseHeader(br)
	if err != nil {
		putZlibReader(zr)
		_ = f.Close()
		return ObjectHeader{}, nil, err
	}

	rc := &boundedReader{
		r:         br,
		remaining: hdr.Size,
		closeFn: func() error {
			putZlibReader(zr)
			return f.Close()
		},
	}
	return hdr, rc, nil
}

// looseHeader reads only the header of a loose object.
func looseHeader(root string, h Hash) (ObjectHeader, error) {
	hdr, rc, err := openLooseObject(root, h)
	if err != nil {
		return ObjectHeader{}, err
	}
	_ = rc.Close()
	return hdr, nil
}

// containsLoose reports whether a file exists for h without decoding it.
func containsLoose(root string, h Hash) bool {
	_, err := os.Stat(loosePath(root, h))
	return err == nil
}

// boundedReader yields at most remaining bytes from r and converts a
// premature end of stream into ErrSizeMismatch. It backs both loose and
// non-delta packed object streaming.
type boundedReader struct {
	r         io.Reader
	remaining uint64
	closeFn   func() error
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= uint64(n)
	if errors.Is(err, io.EOF) {
		if b.remaining > 0 {
			return n, fmt.Errorf("stream ended %d bytes early: %w", b.remaining, ErrSizeMismatch)
		}
		return n, io.EOF
	}
	return n, err
}

func (b *boundedReader) Close() error {
	if b.closeFn != nil {
		fn := b.closeFn
		b.closeFn = nil
		return fn()
	}
	return nil
}
