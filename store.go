// store.go
//
// Read-only content-addressable object store. A Store unifies two on-disk
// encodings behind one lookup surface: loose objects (one zlib-compressed
// file per object under a fanout directory) and pack archives (many
// objects in one file, addressed through a companion index and often
// delta-compressed against each other). Callers address objects by digest
// and receive fully materialized payloads; delta chains, cross-pack base
// references and loose fallbacks are resolved internally.
//
// Every object returned by Get is re-hashed over its canonical
// serialization and compared against the requested digest, so silent
// storage corruption surfaces as ErrIntegrityFailure instead of bad data.
//
// Pack sources are held in an atomically swapped slice, so lookups never
// block behind AddPacks. The hot path is served by a layered cache: a
// byte-budgeted delta window for recently inflated objects, an ARC cache
// for verified results, and a sharded offset-keyed base cache that keeps
// delta chain resolution from reinflating shared bases.

// Package odb reads git-compatible object databases: loose objects, pack
// archives and their indexes, with delta resolution and digest
// verification. SHA-1 and SHA-256 repositories are both supported.
package odb

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"
)

// objectCacheSize bounds the verified-object ARC cache (entry count).
const objectCacheSize = 1 << 14

// cachedObj pairs an object's materialized payload with its concrete type.
// All cache layers store this shape.
type cachedObj struct {
	typ  ObjectType
	data []byte
}

func (o cachedObj) header() ObjectHeader {
	return ObjectHeader{Type: o.typ, Size: uint64(len(o.data))}
}

// PackPair names a pack archive and its companion index file.
type PackPair struct {
	IdxPath  string
	PackPath string
}

// Options configures Open.
type Options struct {
	// LooseRoot is the directory holding loose objects in the two-level
	// fanout layout. Empty disables loose lookups.
	LooseRoot string

	// Packs lists the (index, archive) pairs to register, probed in order.
	Packs []PackPair

	// Hash selects the digest width of the database. Zero means HashSHA1.
	Hash HashAlgo

	// MaxDeltaDepth bounds delta chains. Zero means the default of 50.
	MaxDeltaDepth int

	// VerifyCRC additionally checks the index-recorded CRC-32 of every
	// packed entry read from disk. Version-1 indexes carry no CRCs and
	// skip this check.
	VerifyCRC bool
}

// Store is a read-only object database. It is safe for concurrent use.
type Store struct {
	algo      HashAlgo
	looseRoot string
	verifyCRC bool

	// sources points at the current immutable pack list. AddPacks swaps
	// the whole slice so readers never see partial updates.
	sources atomic.Pointer[[]*idxFile]

	// mu serializes structural changes (AddPacks, Close).
	mu sync.Mutex

	cache *arc.ARCCache[Hash, cachedObj]
	dw    *deltaWindow
	bases *baseCache

	maxDeltaDepth atomic.Int64

	closed bool
}

// Open maps the configured packs, parses their indexes in parallel and
// returns a ready Store. A failure opening any pack fails the whole call.
func Open(opts Options) (*Store, error) {
	algo := opts.Hash
	if algo == 0 {
		algo = HashSHA1
	}

	cache, err := arc.NewARC[Hash, cachedObj](objectCacheSize)
	if err != nil {
		return nil, err
	}
	dw, err := newDeltaWindow()
	if err != nil {
		return nil, err
	}
	bases, err := newBaseCache()
	if err != nil {
		return nil, err
	}

	files := make([]*idxFile, len(opts.Packs))
	var g errgroup.Group
	for i, pair := range opts.Packs {
		i, pair := i, pair
		g.Go(func() error {
			pf, err := openPackPair(pair, algo)
			if err != nil {
				return fmt.Errorf("pack %s: %w", pair.PackPath, err)
			}
			files[i] = pf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, pf := range files {
			if pf != nil {
				pf.close()
			}
		}
		return nil, err
	}

	s := &Store{
		algo:      algo,
		looseRoot: opts.LooseRoot,
		verifyCRC: opts.VerifyCRC,
		cache:     cache,
		dw:        dw,
		bases:     bases,
	}
	depth := opts.MaxDeltaDepth
	if depth <= 0 {
		depth = defaultMaxDeltaDepth
	}
	s.maxDeltaDepth.Store(int64(depth))
	s.sources.Store(&files)
	return s, nil
}

// openPackPair maps one index/archive pair and cross-checks the declared
// object count against the parsed index.
func openPackPair(pair PackPair, algo HashAlgo) (*idxFile, error) {
	ix, err := mmap.Open(pair.IdxPath)
	if err != nil {
		return nil, err
	}
	pf, err := parseIdx(ix, algo)
	if err != nil {
		_ = ix.Close()
		return nil, err
	}

	pk, err := mmap.Open(pair.PackPath)
	if err != nil {
		_ = ix.Close()
		return nil, err
	}
	count, err := verifyPackHeader(pk, algo)
	if err != nil {
		_ = ix.Close()
		_ = pk.Close()
		return nil, err
	}
	if int(count) != len(pf.entries) {
		_ = ix.Close()
		_ = pk.Close()
		return nil, fmt.Errorf("pack declares %d objects, index has %d: %w",
			count, len(pf.entries), ErrCorruptEncoding)
	}

	pf.idx = ix
	pf.pack = pk
	pf.packPath = pair.PackPath
	return pf, nil
}

func (f *idxFile) close() {
	if f.idx != nil {
		_ = f.idx.Close()
	}
	if f.pack != nil {
		_ = f.pack.Close()
	}
}

// AddPacks registers additional pack pairs on a live store. Lookups probe
// packs in registration order, existing packs first.
func (s *Store) AddPacks(pairs ...PackPair) error {
	opened := make([]*idxFile, 0, len(pairs))
	for _, pair := range pairs {
		pf, err := openPackPair(pair, s.algo)
		if err != nil {
			for _, p := range opened {
				p.close()
			}
			return fmt.Errorf("pack %s: %w", pair.PackPath, err)
		}
		opened = append(opened, pf)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		for _, p := range opened {
			p.close()
		}
		return errors.New("store is closed")
	}
	old := *s.sources.Load()
	next := make([]*idxFile, 0, len(old)+len(opened))
	next = append(next, old...)
	next = append(next, opened...)
	s.sources.Store(&next)
	return nil
}

// SetMaxDeltaDepth adjusts the delta chain bound for subsequent lookups.
// Values below one restore the default.
func (s *Store) SetMaxDeltaDepth(n int) {
	if n < 1 {
		n = defaultMaxDeltaDepth
	}
	s.maxDeltaDepth.Store(int64(n))
}

// Close unmaps every registered pack and drops all cached state. The store
// must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for _, pf := range *s.sources.Load() {
		if pf.idx != nil {
			if err := pf.idx.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if pf.pack != nil {
			if err := pf.pack.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	empty := []*idxFile{}
	s.sources.Store(&empty)
	s.cache.Purge()
	s.bases.purge()
	return firstErr
}

// Get returns the type and fully materialized payload of the object
// identified by oid, resolving delta chains as needed. The payload is
// re-hashed over its canonical form before being returned or cached;
// a digest mismatch yields ErrIntegrityFailure.
//
// The returned slice is the caller's alone. Cached bytes are never handed
// out directly, so mutating a result cannot corrupt what later lookups of
// the same digest return.
func (s *Store) Get(oid Hash) (ObjectType, []byte, error) {
	if obj, ok := s.dw.lookup(oid); ok {
		return obj.typ, slices.Clone(obj.data), nil
	}
	if obj, ok := s.cache.Get(oid); ok {
		return obj.typ, slices.Clone(obj.data), nil
	}

	obj, err := s.load(oid)
	if err != nil {
		return ObjBad, nil, err
	}
	if err := s.verifyContent(oid, obj); err != nil {
		return ObjBad, nil, err
	}
	s.cache.Add(oid, obj)
	s.dw.add(oid, obj)
	return obj.typ, slices.Clone(obj.data), nil
}

// GetHeader returns the object's type and size without materializing its
// payload where possible. Non-delta pack entries and loose objects answer
// from their headers alone; deltified entries must be resolved, since
// their final type and size are only known after replay.
func (s *Store) GetHeader(oid Hash) (ObjectHeader, error) {
	if obj, ok := s.dw.lookup(oid); ok {
		return obj.header(), nil
	}
	if obj, ok := s.cache.Get(oid); ok {
		return obj.header(), nil
	}

	for _, pf := range *s.sources.Load() {
		off, ok := pf.findObject(oid)
		if !ok {
			continue
		}
		typ, size, _, err := peekObjectHeader(pf.pack, off)
		if err != nil {
			return ObjectHeader{}, err
		}
		if !typ.IsDelta() {
			return ObjectHeader{Type: typ, Size: size}, nil
		}
		t, data, err := s.Get(oid)
		if err != nil {
			return ObjectHeader{}, err
		}
		return ObjectHeader{Type: t, Size: uint64(len(data))}, nil
	}

	if s.looseRoot != "" {
		return looseHeader(s.looseRoot, oid)
	}
	return ObjectHeader{}, fmt.Errorf("object %s: %w", oid, ErrNotFound)
}

// Stream returns the object's header and a reader over its payload.
// Loose objects and non-delta pack entries stream straight from their
// inflate state; deltified entries are materialized first and served from
// memory, since replay needs the whole base. Callers must Close the
// reader.
func (s *Store) Stream(oid Hash) (ObjectHeader, io.ReadCloser, error) {
	if obj, ok := s.dw.lookup(oid); ok {
		return obj.header(), io.NopCloser(bytes.NewReader(obj.data)), nil
	}
	if obj, ok := s.cache.Get(oid); ok {
		return obj.header(), io.NopCloser(bytes.NewReader(obj.data)), nil
	}

	for _, pf := range *s.sources.Load() {
		off, ok := pf.findObject(oid)
		if !ok {
			continue
		}
		typ, _, _, err := peekObjectHeader(pf.pack, off)
		if err != nil {
			return ObjectHeader{}, nil, err
		}
		if !typ.IsDelta() {
			return openPackObject(pf.pack, off)
		}
		t, data, err := s.Get(oid)
		if err != nil {
			return ObjectHeader{}, nil, err
		}
		hdr := ObjectHeader{Type: t, Size: uint64(len(data))}
		return hdr, io.NopCloser(bytes.NewReader(data)), nil
	}

	if s.looseRoot != "" {
		return openLooseObject(s.looseRoot, oid)
	}
	return ObjectHeader{}, nil, fmt.Errorf("object %s: %w", oid, ErrNotFound)
}

// Contains reports whether oid exists in any registered pack or the loose
// directory, without decoding anything.
func (s *Store) Contains(oid Hash) bool {
	for _, pf := range *s.sources.Load() {
		if _, ok := pf.findObject(oid); ok {
			return true
		}
	}
	return s.looseRoot != "" && containsLoose(s.looseRoot, oid)
}

// VerifyPackTrailers recomputes the trailing checksum of every registered
// archive and returns the first mismatch.
func (s *Store) VerifyPackTrailers() error {
	for _, pf := range *s.sources.Load() {
		if err := verifyPackTrailer(pf.pack, s.algo); err != nil {
			return fmt.Errorf("pack %s: %w", pf.packPath, err)
		}
	}
	return nil
}

// load locates oid and materializes it, probing packs in registration
// order with the loose directory as a fallback.
func (s *Store) load(oid Hash) (cachedObj, error) {
	for _, pf := range *s.sources.Load() {
		if off, ok := pf.findObject(oid); ok {
			ctx := newDeltaContext(int(s.maxDeltaDepth.Load()))
			// Seed the cycle guard with the requested object so a chain
			// that loops back to it is caught on the first revisit.
			ctx.visited[oid] = true
			return s.inflateFromPack(pf, off, ctx)
		}
	}

	if s.looseRoot != "" {
		data, typ, err := readLooseObject(s.looseRoot, oid)
		if err != nil {
			return cachedObj{}, err
		}
		return cachedObj{typ: typ, data: data}, nil
	}
	return cachedObj{}, fmt.Errorf("object %s: %w", oid, ErrNotFound)
}

// verifyContent re-hashes obj in its canonical "<type> <size>\x00<payload>"
// form and compares the digest against oid.
func (s *Store) verifyContent(oid Hash, obj cachedObj) error {
	h := s.algo.newHasher()
	fmt.Fprintf(h, "%s %d\x00", obj.typ, len(obj.data))
	h.Write(obj.data)
	if !bytes.Equal(h.Sum(nil), oid.Raw()) {
		return fmt.Errorf("object %s: %w", oid, ErrIntegrityFailure)
	}
	return nil
}

// inflateFromPack materializes the entry at off inside pf, walking delta
// chains iteratively. Each hop pushes its instruction stream and steps to
// the base; ref-delta bases missing from the current pack are looked up in
// the other registered packs and finally the loose directory. Once a
// non-delta base is in hand the collected streams replay innermost first.
func (s *Store) inflateFromPack(pf *idxFile, off uint64, ctx *deltaContext) (cachedObj, error) {
	sources := *s.sources.Load()

	var (
		stack   [][]byte // instruction streams, outermost first
		base    cachedObj
		haveOne bool
	)

	curPack, curOff := pf, off

walk:
	for {
		key := baseKey{pack: curPack.packPath, off: curOff}
		if obj, ok := s.bases.get(key); ok {
			base, haveOne = obj, true
			break
		}

		typ, raw, err := readRawObject(curPack.pack, curOff, s.algo)
		if err != nil {
			return cachedObj{}, err
		}

		switch typ {
		case ObjOfsDelta:
			_, rel, instr, err := parseDeltaHeader(typ, raw, s.algo)
			if err != nil {
				return cachedObj{}, err
			}
			if rel == 0 || rel > curOff {
				return cachedObj{}, fmt.Errorf(
					"ofs-delta at %d references offset -%d: %w",
					curOff, rel, ErrCorruptEncoding)
			}
			baseOff := curOff - rel
			bkey := baseKey{pack: curPack.packPath, off: baseOff}
			if err := ctx.checkOfsDelta(bkey); err != nil {
				return cachedObj{}, err
			}
			ctx.enterOfsDelta(bkey)
			stack = append(stack, instr)
			curOff = baseOff

		case ObjRefDelta:
			baseID, _, instr, err := parseDeltaHeader(typ, raw, s.algo)
			if err != nil {
				return cachedObj{}, err
			}
			if err := ctx.checkRefDelta(baseID); err != nil {
				return cachedObj{}, err
			}
			ctx.enterRefDelta(baseID)
			stack = append(stack, instr)

			if obj, ok := s.dw.lookup(baseID); ok {
				base, haveOne = obj, true
				break walk
			}
			if boff, ok := curPack.findObject(baseID); ok {
				curOff = boff
				continue
			}
			for _, other := range sources {
				if other == curPack {
					continue
				}
				if boff, ok := other.findObject(baseID); ok {
					curPack, curOff = other, boff
					continue walk
				}
			}
			if s.looseRoot != "" {
				data, ltyp, err := readLooseObject(s.looseRoot, baseID)
				if err == nil {
					base = cachedObj{typ: ltyp, data: data}
					haveOne = true
					break walk
				}
				if !errors.Is(err, ErrNotFound) {
					return cachedObj{}, err
				}
			}
			return cachedObj{}, fmt.Errorf("delta base %s: %w", baseID, ErrNotFound)

		default:
			if s.verifyCRC && curPack.version == 2 {
				if e, ok := curPack.entriesByOff[curOff]; ok {
					if err := verifyCRC32(curPack, curOff, e.crc); err != nil {
						return cachedObj{}, err
					}
				}
			}
			base = cachedObj{typ: typ, data: raw}
			haveOne = true
			s.bases.add(key, base)
			break walk
		}
	}

	if !haveOne {
		return cachedObj{}, fmt.Errorf("delta chain at %d: %w", off, ErrCorruptEncoding)
	}

	// Replay innermost first so each result becomes the next base.
	for i := len(stack) - 1; i >= 0; i-- {
		out, err := applyDelta(base.data, stack[i])
		if err != nil {
			return cachedObj{}, err
		}
		base = cachedObj{typ: base.typ, data: out}
		ctx.exit()
	}
	return base, nil
}

// ResolvePrefix expands an abbreviated hex digest to the unique object it
// identifies. At least two hex characters are required so the loose fanout
// directory can be narrowed. ErrAmbiguousPrefix reports multiple distinct
// matches, ErrNotFound none.
func (s *Store) ResolvePrefix(prefix string) (Hash, error) {
	prefix = strings.ToLower(prefix)
	if len(prefix) < 2 {
		return Hash{}, fmt.Errorf("prefix %q too short: %w", prefix, ErrInvalidLength)
	}
	if len(prefix) > s.algo.Size()*2 {
		return Hash{}, fmt.Errorf("prefix %q too long: %w", prefix, ErrInvalidLength)
	}
	for _, c := range prefix {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return Hash{}, fmt.Errorf("prefix %q: %w", prefix, ErrInvalidEncoding)
		}
	}

	var match Hash
	found := false
	record := func(h Hash) error {
		if found && h != match {
			return fmt.Errorf("prefix %q: %w", prefix, ErrAmbiguousPrefix)
		}
		match, found = h, true
		return nil
	}

	firstByte, _ := hex.DecodeString(prefix[:2])
	for _, pf := range *s.sources.Load() {
		start := uint32(0)
		if firstByte[0] > 0 {
			start = pf.fanout[firstByte[0]-1]
		}
		end := pf.fanout[firstByte[0]]
		for _, h := range pf.oidTable[start:end] {
			if strings.HasPrefix(h.String(), prefix) {
				if err := record(h); err != nil {
					return Hash{}, err
				}
			}
		}
	}

	if s.looseRoot != "" {
		dir := filepath.Join(s.looseRoot, prefix[:2])
		entries, err := os.ReadDir(dir)
		if err == nil {
			rest := prefix[2:]
			for _, e := range entries {
				name := e.Name()
				if !strings.HasPrefix(name, rest) {
					continue
				}
				h, err := ParseHash(prefix[:2] + name)
				if err != nil {
					continue
				}
				if rerr := record(h); rerr != nil {
					return Hash{}, rerr
				}
			}
		}
	}

	if !found {
		return Hash{}, fmt.Errorf("prefix %q: %w", prefix, ErrNotFound)
	}
	return match, nil
}

// Objects enumerates every object reachable through the store: all pack
// index entries plus the loose directory, deduplicated and sorted.
func (s *Store) Objects() ([]Hash, error) {
	seen := make(map[Hash]struct{})
	for _, pf := range *s.sources.Load() {
		for _, h := range pf.oidTable {
			seen[h] = struct{}{}
		}
	}

	if s.looseRoot != "" {
		dirs, err := os.ReadDir(s.looseRoot)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		for _, d := range dirs {
			if !d.IsDir() || len(d.Name()) != 2 {
				continue
			}
			entries, err := os.ReadDir(filepath.Join(s.looseRoot, d.Name()))
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				h, err := ParseHash(d.Name() + e.Name())
				if err != nil {
					continue
				}
				seen[h] = struct{}{}
			}
		}
	}

	out := make([]Hash, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b Hash) int { return a.Compare(b) })
	return out, nil
}
