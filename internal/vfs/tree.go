package vfs

import (
	"strings"

	"github.com/rudis/gpgfs/internal/gpgfserr"
)

// Tree is the in-memory directory tree rooted at Root. It owns no locking of
// its own: callers (the Filesystem operations and, beneath them, the FUSE
// adapter) serialize access per spec §5.
type Tree struct {
	Root *Entry
}

// New returns a Tree whose root is a fresh, empty Directory entry.
func New(mode uint32, now uint32) *Tree {
	return &Tree{Root: NewDirectory(mode, now)}
}

// Find resolves path, which must start with "/", against the tree.
// Path components are not normalized: an empty component (e.g. from "//")
// fails lookup like any other missing name.
func (t *Tree) Find(path string) (*Entry, error) {
	if path == "/" {
		return t.Root, nil
	}
	node := t.Root
	for _, name := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if !node.IsDir() {
			return nil, gpgfserr.ErrNotFound
		}
		child, ok := node.Children[name]
		if !ok {
			return nil, gpgfserr.ErrNotFound
		}
		node = child
	}
	return node, nil
}

// FindParent resolves the parent directory of path and returns it along with
// the final path component. path must start with "/" and must not be "/"
// itself; "/name" resolves to the root and "name". Unlike Find, a missing
// basename is not an error here — only a missing intermediate component is.
func (t *Tree) FindParent(path string) (*Entry, string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	var parentPath, base string
	if idx < 0 {
		parentPath, base = "/", trimmed
	} else {
		parentPath, base = "/"+trimmed[:idx], trimmed[idx+1:]
	}
	parent, err := t.Find(parentPath)
	if err != nil {
		return nil, "", err
	}
	if !parent.IsDir() {
		return nil, "", gpgfserr.ErrNotDirectory
	}
	return parent, base, nil
}
