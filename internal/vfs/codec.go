package vfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/rudis/gpgfs/internal/atom"
	"github.com/rudis/gpgfs/internal/gpgfserr"
)

// Magic is the fixed 7-byte header identifying an index blob.
const Magic = "GPGFS1\n"

// Tag bytes, spec §4.2. Every field of a flattened record is a
// (key_atom, tag_byte, value) triple; D and E defer their value to the next
// record in the outer breadth-first stream instead of inlining it.
const (
	tagDict = 'D' // value is a plain mapping (only the "children" field)
	tagFile = 'E' // value is an Entry, decoded recursively as its own record
	tagInt  = 'I' // value is a little-endian uint32, inline
	tagStr  = 'S' // value is a raw-byte atom, inline
	tagText = 'U' // value is a UTF-8 atom, inline
)

// node is one breadth-first queue item: either an Entry awaiting its own
// record (entry != nil) or a directory awaiting its children dict record
// (dir != nil). Exactly one of the two is set.
type node struct {
	entry *Entry
	dir   *Entry
}

// Serialize encodes the tree's root directory into the index wire format:
// magic, reserved header atom, then a breadth-first dump of records. Each
// directory Entry contributes two records in the stream: its own scalar
// attributes (with a deferred "children" field) and, once dequeued, its
// children mapping — whose own entries are in turn deferred Entry records.
func Serialize(t *Tree) []byte {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	atom.Write(&buf, nil) // reserved header atom, currently empty

	queue := []node{{entry: t.Root}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		queue = append(queue, writeNode(&buf, n)...)
	}
	return buf.Bytes()
}

func writeNode(w *bytes.Buffer, n node) []node {
	if n.entry != nil {
		return writeEntryRecord(w, n.entry)
	}
	return writeChildrenRecord(w, n.dir)
}

func writeEntryRecord(w *bytes.Buffer, e *Entry) []node {
	var rec bytes.Buffer
	if e.IsDir() {
		writeUint(&rec, "type", uint32(Directory))
		writeUint(&rec, "st_mode", e.Mode)
		writeUint(&rec, "st_mtime", e.Mtime)
		writeUint(&rec, "st_ctime", e.Ctime)
		atom.WriteString(&rec, "children")
		rec.WriteByte(tagDict)
		atom.Write(w, rec.Bytes())
		return []node{{dir: e}}
	}
	writeUint(&rec, "type", uint32(File))
	atom.WriteString(&rec, "path")
	rec.WriteByte(tagStr)
	atom.WriteString(&rec, e.BlobPath)
	writeUint(&rec, "st_size", uint32(e.Size))
	atom.Write(w, rec.Bytes())
	return nil
}

// writeChildrenRecord emits dir's children in insertion order (ChildNames),
// so Parse rebuilds the same order. If Children was filled without AddChild,
// the insertion order is unknown and the names are emitted sorted instead.
func writeChildrenRecord(w *bytes.Buffer, dir *Entry) []node {
	var rec bytes.Buffer
	var pending []node
	names := dir.ChildNames()
	if len(names) != len(dir.Children) {
		names = sortedKeys(dir.Children)
	}
	for _, name := range names {
		atom.WriteString(&rec, name)
		rec.WriteByte(tagFile)
		pending = append(pending, node{entry: dir.Children[name]})
	}
	atom.Write(w, rec.Bytes())
	return pending
}

func writeUint(w *bytes.Buffer, key string, v uint32) {
	atom.WriteString(w, key)
	w.WriteByte(tagInt)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

// sortedKeys returns m's keys in sorted order. writeChildrenRecord falls back
// to it when a directory has no usable insertion order, so that repeated
// serializations of an unchanged tree stay byte-identical.
func sortedKeys(m map[string]*Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// Parse decodes an index blob previously produced by Serialize. It fails
// with gpgfserr.ErrIndexParse (wrapping the underlying cause) on bad magic,
// an unknown tag, a truncated stream, or invalid UTF-8 in a key field.
func Parse(data []byte) (*Tree, error) {
	r := bytes.NewReader(data)
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != Magic {
		return nil, fmt.Errorf("%w: bad magic", gpgfserr.ErrIndexParse)
	}
	if _, err := atom.Read(r); err != nil {
		return nil, fmt.Errorf("%w: reading header atom: %v", gpgfserr.ErrIndexParse, err)
	}

	root := &Entry{}
	queue := []node{{entry: root}}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		rec, err := atom.Read(r)
		if err != nil {
			return nil, fmt.Errorf("%w: reading record: %v", gpgfserr.ErrIndexParse, err)
		}
		rr := bytes.NewReader(rec)

		if p.entry != nil {
			isDir, err := readEntryRecord(rr, p.entry)
			if err != nil {
				return nil, err
			}
			if isDir {
				queue = append(queue, node{dir: p.entry})
			}
			continue
		}

		subQueue, err := readChildrenRecord(rr, p.dir)
		if err != nil {
			return nil, err
		}
		queue = append(queue, subQueue...)
	}
	return &Tree{Root: root}, nil
}

// readEntryRecord fills e's scalar fields from rec, returning whether e
// turned out to be a directory so the caller can enqueue the deferred
// children record.
func readEntryRecord(r *bytes.Reader, e *Entry) (bool, error) {
	var sawChildren bool
	for r.Len() > 0 {
		key, tag, err := readField(r)
		if err != nil {
			return false, err
		}
		switch tag {
		case tagInt:
			v, err := readUintValue(r)
			if err != nil {
				return false, err
			}
			switch key {
			case "type":
				e.Type = Type(v)
			case "st_mode":
				e.Mode = v
			case "st_mtime":
				e.Mtime = v
			case "st_ctime":
				e.Ctime = v
			case "st_size":
				e.Size = uint64(v)
			default:
				return false, fmt.Errorf("%w: unexpected integer field %q", gpgfserr.ErrIndexParse, key)
			}
		case tagStr:
			v, err := atom.Read(r)
			if err != nil {
				return false, fmt.Errorf("%w: reading string field: %v", gpgfserr.ErrIndexParse, err)
			}
			if key != "path" {
				return false, fmt.Errorf("%w: unexpected string field %q", gpgfserr.ErrIndexParse, key)
			}
			e.BlobPath = string(v)
		case tagDict:
			if key != "children" {
				return false, fmt.Errorf("%w: unexpected dict field %q", gpgfserr.ErrIndexParse, key)
			}
			sawChildren = true
			e.Children = make(map[string]*Entry)
		default:
			return false, fmt.Errorf("%w: unknown tag %q", gpgfserr.ErrIndexParse, tag)
		}
	}
	return sawChildren, nil
}

// readChildrenRecord decodes a children-mapping record: a flat list of
// (name, E, deferred-Entry) triples. Children are attached to dir via
// AddChild in the order they appear in the record, so dir.ChildNames()
// matches the wire order. It returns the Entry-node queue items the caller
// must enqueue, in order, to fill each child in turn.
func readChildrenRecord(r *bytes.Reader, dir *Entry) ([]node, error) {
	var queue []node
	for r.Len() > 0 {
		name, tag, err := readField(r)
		if err != nil {
			return nil, err
		}
		if tag != tagFile {
			return nil, fmt.Errorf("%w: expected child entry tag, got %q", gpgfserr.ErrIndexParse, tag)
		}
		child := &Entry{}
		dir.AddChild(name, child)
		queue = append(queue, node{entry: child})
	}
	return queue, nil
}

// readField reads the (key, tag) prefix common to every record field. The
// value itself (if inline) is left for the caller to decode, since its shape
// depends on the tag.
func readField(r *bytes.Reader) (key string, tag byte, err error) {
	keyBytes, err := atom.Read(r)
	if err != nil {
		return "", 0, fmt.Errorf("%w: reading key: %v", gpgfserr.ErrIndexParse, err)
	}
	if !utf8.Valid(keyBytes) {
		return "", 0, fmt.Errorf("%w: key is not valid UTF-8", gpgfserr.ErrIndexParse)
	}
	tag, err = r.ReadByte()
	if err != nil {
		return "", 0, fmt.Errorf("%w: reading tag: %v", gpgfserr.ErrIndexParse, err)
	}
	return string(keyBytes), tag, nil
}

func readUintValue(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: reading integer value: %v", gpgfserr.ErrIndexParse, err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
