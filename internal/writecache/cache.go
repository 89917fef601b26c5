// Package writecache implements the single-slot write-back cache of
// spec.md §4.5: writes to one open file accumulate in memory and are only
// encrypted and persisted on flush or on a context switch to a different
// path.
package writecache

// Cache holds pending writes for at most one path at a time.
type Cache struct {
	path  string
	buf   []byte
	dirty bool
}

// Path reports which file the cache currently holds, or "" if empty.
func (c *Cache) Path() string {
	return c.path
}

// Active reports whether the cache currently holds path.
func (c *Cache) Active(path string) bool {
	return c.path != "" && c.path == path
}

// Dirty reports whether the cache holds writes not yet flushed.
func (c *Cache) Dirty() bool {
	return c.dirty
}

// Bytes returns the cache's current buffer. Callers must not retain it
// across a subsequent Write, Load or Clear.
func (c *Cache) Bytes() []byte {
	return c.buf
}

// Len returns the length of the cached buffer.
func (c *Cache) Len() int {
	return len(c.buf)
}

// Load seeds the cache with path's decrypted contents, as happens on a
// context switch (spec.md §4.5: "the previous slot's contents, if dirty,
// are flushed before the new path is loaded"). The cache starts clean.
func (c *Cache) Load(path string, buf []byte) {
	c.path = path
	c.buf = append([]byte(nil), buf...)
	c.dirty = false
}

// Write applies data at offset, the way a POSIX pwrite does. If offset lands
// exactly at the end of the buffer the write is an O(1) amortized append;
// otherwise the buffer is re-sliced around the write the same way Python
// string slicing does — offsets past the end of the buffer are clamped to
// the buffer's own length rather than zero-extending it, matching
// original_source/gpgfs.py's `buf[:offset] + data + buf[offset+len(data):]`
// bug-compatibly.
func (c *Cache) Write(offset uint64, data []byte) {
	if offset == uint64(len(c.buf)) {
		c.buf = append(c.buf, data...)
		c.dirty = true
		return
	}

	var prefix []byte
	if offset >= uint64(len(c.buf)) {
		prefix = c.buf
	} else {
		prefix = c.buf[:offset]
	}
	var suffix []byte
	if end := offset + uint64(len(data)); end < uint64(len(c.buf)) {
		suffix = c.buf[end:]
	}

	next := make([]byte, 0, len(prefix)+len(data)+len(suffix))
	next = append(next, prefix...)
	next = append(next, data...)
	next = append(next, suffix...)
	c.buf = next
	c.dirty = true
}

// MarkFlushed clears the dirty flag without discarding the buffer, so a
// subsequent flush on an unmodified cache is a no-op per spec.md §4.5's
// idempotent-flush property, and a following Write can still append to it.
func (c *Cache) MarkFlushed() {
	c.dirty = false
}

// Clear empties the cache entirely, used when the cached path is removed
// or rewritten out from under it (unlink, rename, truncate). A switch to a
// different path goes through Load instead.
func (c *Cache) Clear() {
	c.path = ""
	c.buf = nil
	c.dirty = false
}
