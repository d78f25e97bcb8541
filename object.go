package odb

import "fmt"

// ObjectType enumerates the kinds of objects that can appear in a pack or
// loose-object store.
//
// The numeric values of the four real kinds and the two delta markers match
// the 3-bit type field of the pack entry header. The zero value, ObjBad,
// denotes an invalid or unknown type.
type ObjectType byte

const (
	// ObjBad represents an invalid or unspecified object kind.
	ObjBad ObjectType = iota

	// ObjCommit is a regular commit object.
	ObjCommit

	// ObjTree is a directory tree object.
	ObjTree

	// ObjBlob is a file-content blob object.
	ObjBlob

	// ObjTag is an annotated tag object.
	ObjTag

	_ // 5 is reserved by the pack format.

	// ObjOfsDelta is a delta whose base is addressed by pack offset.
	ObjOfsDelta

	// ObjRefDelta is a delta whose base is addressed by object ID.
	ObjRefDelta
)

var typeNames = map[ObjectType]string{
	ObjCommit:   "commit",
	ObjTree:     "tree",
	ObjBlob:     "blob",
	ObjTag:      "tag",
	ObjOfsDelta: "ofs-delta",
	ObjRefDelta: "ref-delta",
}

func (t ObjectType) String() string { return typeNames[t] }

// IsDelta reports whether t is one of the two delta markers rather than a
// real object kind.
func (t ObjectType) IsDelta() bool { return t == ObjOfsDelta || t == ObjRefDelta }

// parseTypeName maps the ASCII type name of a loose-object header to its
// ObjectType. Delta markers never appear in loose headers.
func parseTypeName(name string) (ObjectType, error) {
	switch name {
	case "commit":
		return ObjCommit, nil
	case "tree":
		return ObjTree, nil
	case "blob":
		return ObjBlob, nil
	case "tag":
		return ObjTag, nil
	}
	return ObjBad, fmt.Errorf("%q: %w", name, ErrUnknownObjectKind)
}

// ObjectHeader carries an object's kind and declared payload length.
//
// The declared size always matches the actual decoded payload length; a
// disagreement surfaces as ErrSizeMismatch during decoding, never as a
// header with a wrong Size.
type ObjectHeader struct {
	Type ObjectType
	Size uint64
}
