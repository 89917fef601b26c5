// Package gpgfs implements the fourteen path-based filesystem operations
// that bind the directory tree, the write cache and the encrypted backing
// store into a single consistent view, plus the ENOSYS/ENODATA stub group.
// It has no FUSE-library import: every method is independently testable
// against the tree and a throwaway backing directory.
package gpgfs

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rudis/gpgfs/internal/cryptostore"
	"github.com/rudis/gpgfs/internal/gpgfserr"
	"github.com/rudis/gpgfs/internal/vfs"
	"github.com/rudis/gpgfs/internal/writecache"
)

// Attr is the stat-like record returned by Getattr, assembled the way
// spec.md §4.6 describes: directories report their own Entry fields,
// files combine the backing blob's inode metadata with the Entry's
// logical (plaintext) size.
type Attr struct {
	Mode  uint32 // includes the S_IFDIR bit for directories
	Size  uint64
	Atime uint32
	Mtime uint32
	Ctime uint32
	Nlink uint32
}

// Filesystem binds the in-memory tree, the single-slot write cache and the
// encrypted backing store together. Every method that touches the tree,
// the cache or the backing store takes mu for its whole duration, so
// operations dispatched from separate goroutines still run one at a time,
// the way the teacher's fuseFS does.
type Filesystem struct {
	mu sync.Mutex

	tree  *vfs.Tree
	cache writecache.Cache
	store *cryptostore.Store

	backingRoot string
	indexPath   string

	nextHandle uint64

	log *zap.SugaredLogger
}

// Open mounts the filesystem rooted at backingRoot, creating a fresh empty
// index if one does not already exist there.
func Open(backingRoot string, store *cryptostore.Store, log *zap.SugaredLogger) (*Filesystem, error) {
	fs := &Filesystem{
		store:       store,
		backingRoot: backingRoot,
		indexPath:   filepath.Join(backingRoot, "index"),
		log:         log,
	}

	plaintext, err := fs.store.LoadFromFile(fs.indexPath)
	switch {
	case err == nil:
		tree, perr := vfs.Parse(plaintext)
		if perr != nil {
			return nil, perr
		}
		fs.tree = tree
	case err == gpgfserr.ErrNotFound:
		now := uint32(time.Now().Unix())
		fs.tree = vfs.New(0755, now)
		if werr := fs.writeIndex(); werr != nil {
			return nil, werr
		}
		fs.log.Infow("created index", "path", fs.indexPath)
	default:
		return nil, err
	}
	return fs, nil
}

// BackingRoot returns the directory the filesystem's blobs and index are
// stored under, for collaborators (fuseadapter's StatFS) that need to query
// the underlying mount rather than the logical tree.
func (fs *Filesystem) BackingRoot() string {
	return fs.backingRoot
}

func (fs *Filesystem) writeIndex() error {
	return fs.store.PersistToFile(fs.indexPath, vfs.Serialize(fs.tree))
}

func (fs *Filesystem) blobPath(rel string) string {
	return filepath.Join(fs.backingRoot, rel)
}

// newBlobPath generates the "XX/YYYY...Y" relative path of a fresh blob
// from 20 bytes of cryptographically strong randomness, per spec.md §4.6
// create.
func newBlobPath() (string, error) {
	var raw [20]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	hexEnc := hex.EncodeToString(raw[:])
	return hexEnc[:2] + "/" + hexEnc[2:], nil
}

// Create implements spec.md §4.6 create.
func (fs *Filesystem) Create(path string, mode uint32) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, base, err := fs.tree.FindParent(path)
	if err != nil {
		return 0, err
	}
	if _, exists := parent.Children[base]; exists {
		return 0, gpgfserr.ErrExists
	}

	rel, err := newBlobPath()
	if err != nil {
		return 0, err
	}
	shardDir := fs.blobPath(filepath.Dir(rel))
	if _, err := os.Stat(shardDir); os.IsNotExist(err) {
		if err := os.Mkdir(shardDir, 0755); err != nil {
			return 0, err
		}
	}
	f, err := os.OpenFile(fs.blobPath(rel), os.O_WRONLY|os.O_CREATE, os.FileMode(mode&0777))
	if err != nil {
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	parent.AddChild(base, vfs.NewFile(rel))
	if err := fs.writeIndex(); err != nil {
		return 0, err
	}

	fs.nextHandle++
	fs.log.Debugw("created file", "path", path, "blob", rel)
	return fs.nextHandle, nil
}

// Open implements spec.md §4.6 open: the handle value is opaque and
// unconsulted, matching the Open Question decision recorded in DESIGN.md.
func (fs *Filesystem) Open(path string, flags uint32) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.tree.Find(path); err != nil {
		return 0, err
	}
	return 0, nil
}

// Read implements spec.md §4.6 read.
func (fs *Filesystem) Read(path string, size, offset uint64) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.flushLocked(); err != nil {
		return nil, err
	}
	entry, err := fs.tree.Find(path)
	if err != nil {
		return nil, err
	}
	if entry.IsDir() {
		return nil, gpgfserr.ErrNotFound
	}
	plaintext, err := fs.store.LoadFromFile(fs.blobPath(entry.BlobPath))
	if err != nil {
		return nil, err
	}
	return sliceClamped(plaintext, offset, size), nil
}

func sliceClamped(data []byte, offset, size uint64) []byte {
	if offset >= uint64(len(data)) {
		return nil
	}
	end := offset + size
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[offset:end]
}

// Write implements spec.md §4.6 write.
func (fs *Filesystem) Write(path string, data []byte, offset uint64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, err := fs.tree.Find(path)
	if err != nil {
		return 0, err
	}
	if entry.IsDir() {
		return 0, gpgfserr.ErrNotFound
	}

	if !fs.cache.Active(path) {
		if err := fs.flushLocked(); err != nil {
			return 0, err
		}
		plaintext, err := fs.store.LoadFromFile(fs.blobPath(entry.BlobPath))
		if err != nil {
			return 0, err
		}
		fs.cache.Load(path, plaintext)
	}

	fs.cache.Write(offset, data)
	return len(data), nil
}

// Flush implements spec.md §4.6 flush. The path argument is accepted for
// signature compatibility but ignored, per the Open Question decision in
// DESIGN.md — the write cache's own path is authoritative.
func (fs *Filesystem) Flush(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.flushLocked()
}

func (fs *Filesystem) flushLocked() error {
	if !fs.cache.Dirty() {
		return nil
	}
	entry, err := fs.tree.Find(fs.cache.Path())
	if err != nil {
		return err
	}
	buf := fs.cache.Bytes()
	if err := fs.store.PersistToFile(fs.blobPath(entry.BlobPath), buf); err != nil {
		return err
	}
	entry.Size = uint64(len(buf))
	if err := fs.writeIndex(); err != nil {
		return err
	}
	fs.cache.MarkFlushed()
	fs.log.Debugw("flushed", "path", fs.cache.Path(), "bytes", len(buf))
	return nil
}

// Truncate implements spec.md §4.6 truncate.
func (fs *Filesystem) Truncate(path string, length uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.flushLocked(); err != nil {
		return err
	}
	fs.cache.Clear()

	entry, err := fs.tree.Find(path)
	if err != nil {
		return err
	}
	if entry.IsDir() {
		return gpgfserr.ErrNotFound
	}

	if length == 0 {
		// No encryption involved: truncate the blob file directly, the way
		// gpgfs.py's truncate() opens the backing file and calls
		// f.truncate(0) rather than round-tripping through encrypt().
		if err := os.Truncate(fs.blobPath(entry.BlobPath), 0); err != nil {
			return err
		}
	} else {
		plaintext, err := fs.store.LoadFromFile(fs.blobPath(entry.BlobPath))
		if err != nil {
			return err
		}
		if length < uint64(len(plaintext)) {
			plaintext = plaintext[:length]
		}
		// length >= len(plaintext): bug-compatible with the original's
		// slice-only semantics, no zero-extension (DESIGN.md decision).
		if err := fs.store.PersistToFile(fs.blobPath(entry.BlobPath), plaintext); err != nil {
			return err
		}
	}

	entry.Size = length
	return fs.writeIndex()
}

// Unlink implements spec.md §4.6 unlink.
func (fs *Filesystem) Unlink(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cache.Active(path) {
		fs.cache.Clear()
	}

	parent, base, err := fs.tree.FindParent(path)
	if err != nil {
		return err
	}
	entry, ok := parent.Children[base]
	if !ok {
		return gpgfserr.ErrNotFound
	}
	if err := os.Remove(fs.blobPath(entry.BlobPath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	parent.RemoveChild(base)
	return fs.writeIndex()
}

// Rename implements spec.md §4.6 rename.
func (fs *Filesystem) Rename(oldPath, newPath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.flushLocked(); err != nil {
		return err
	}
	fs.cache.Clear()

	oldParent, oldBase, err := fs.tree.FindParent(oldPath)
	if err != nil {
		return err
	}
	entry, ok := oldParent.Children[oldBase]
	if !ok {
		return gpgfserr.ErrNotFound
	}

	newParent, newBase, err := fs.tree.FindParent(newPath)
	if err != nil {
		return err
	}
	if existing, exists := newParent.Children[newBase]; exists {
		if existing.IsDir() {
			if len(existing.Children) > 0 {
				return gpgfserr.ErrNotEmpty
			}
		} else {
			if err := os.Remove(fs.blobPath(existing.BlobPath)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}

	oldParent.RemoveChild(oldBase)
	newParent.AddChild(newBase, entry)
	return fs.writeIndex()
}

// Mkdir implements spec.md §4.6 mkdir.
func (fs *Filesystem) Mkdir(path string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, base, err := fs.tree.FindParent(path)
	if err != nil {
		return err
	}
	if _, exists := parent.Children[base]; exists {
		return gpgfserr.ErrExists
	}
	parent.AddChild(base, vfs.NewDirectory(mode, uint32(time.Now().Unix())))
	return fs.writeIndex()
}

// Rmdir implements spec.md §4.6 rmdir.
func (fs *Filesystem) Rmdir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, base, err := fs.tree.FindParent(path)
	if err != nil {
		return err
	}
	entry, ok := parent.Children[base]
	if !ok {
		return gpgfserr.ErrNotFound
	}
	if !entry.IsDir() {
		return gpgfserr.ErrNotDirectory
	}
	if len(entry.Children) > 0 {
		return gpgfserr.ErrNotEmpty
	}
	parent.RemoveChild(base)
	return fs.writeIndex()
}

// Chmod implements spec.md §4.6 chmod.
func (fs *Filesystem) Chmod(path string, mode uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	mode &= 0777
	entry, err := fs.tree.Find(path)
	if err != nil {
		return err
	}
	if entry.IsDir() {
		entry.Mode = mode
		return fs.writeIndex()
	}
	return os.Chmod(fs.blobPath(entry.BlobPath), os.FileMode(mode))
}

// Utimens implements spec.md §4.6 utimens. times, if non-nil, holds
// [atime, mtime]; a nil times means "set to now", mirroring the POSIX
// utimensat(UTIME_NOW) convention the original's times=None maps to.
func (fs *Filesystem) Utimens(path string, times *[2]time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, err := fs.tree.Find(path)
	if err != nil {
		return err
	}
	if entry.IsDir() {
		if times == nil {
			entry.Mtime = uint32(time.Now().Unix())
		} else {
			entry.Mtime = uint32(times[1].Unix())
		}
		return fs.writeIndex()
	}

	if err := fs.flushLocked(); err != nil {
		return err
	}
	now := time.Now()
	atime, mtime := now, now
	if times != nil {
		atime, mtime = times[0], times[1]
	}
	return os.Chtimes(fs.blobPath(entry.BlobPath), atime, mtime)
}

// Getattr implements spec.md §4.6 getattr.
func (fs *Filesystem) Getattr(path string) (Attr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, err := fs.tree.Find(path)
	if err != nil {
		return Attr{}, err
	}
	if entry.IsDir() {
		return Attr{
			Mode:  syscall.S_IFDIR | entry.Mode,
			Size:  0,
			Ctime: entry.Ctime,
			Mtime: entry.Mtime,
			Atime: 0,
			Nlink: 3,
		}, nil
	}

	if err := fs.flushLocked(); err != nil {
		return Attr{}, err
	}
	fi, err := os.Stat(fs.blobPath(entry.BlobPath))
	if err != nil {
		return Attr{}, err
	}
	st, _ := fi.Sys().(*syscall.Stat_t)
	attr := Attr{Size: entry.Size}
	if st != nil {
		attr.Mode = st.Mode
		attr.Atime = uint32(st.Atim.Sec)
		attr.Mtime = uint32(st.Mtim.Sec)
		attr.Ctime = uint32(st.Ctim.Sec)
		attr.Nlink = uint32(st.Nlink)
	} else {
		mt := uint32(fi.ModTime().Unix())
		attr.Mode = syscall.S_IFREG | uint32(fi.Mode().Perm())
		attr.Atime, attr.Mtime, attr.Ctime, attr.Nlink = mt, mt, mt, 1
	}
	return attr, nil
}

// Readdir implements spec.md §4.6 readdir.
func (fs *Filesystem) Readdir(path string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entry, err := fs.tree.Find(path)
	if err != nil {
		return nil, err
	}
	if !entry.IsDir() {
		return nil, gpgfserr.ErrNotDirectory
	}
	names := []string{".", ".."}
	names = append(names, entry.ChildNames()...)
	return names, nil
}

// Chown, Readlink, Statfs, Symlink, Getxattr, Listxattr, Setxattr and
// Removexattr form the stub group of spec.md §4.6: none of these are
// meaningful for an encrypted single-owner mount, so each fails the way
// the original's fusepy handlers do (Getxattr with ErrNoData, the others
// with ErrUnsupported), except Listxattr, which returns an empty list.

func (fs *Filesystem) Chown(path string, uid, gid uint32) error {
	return gpgfserr.ErrUnsupported
}

func (fs *Filesystem) Readlink(path string) (string, error) {
	return "", gpgfserr.ErrUnsupported
}

func (fs *Filesystem) Statfs(path string) error {
	return gpgfserr.ErrUnsupported
}

func (fs *Filesystem) Symlink(target, linkName string) error {
	return gpgfserr.ErrUnsupported
}

func (fs *Filesystem) Getxattr(path, name string) ([]byte, error) {
	return nil, gpgfserr.ErrNoData
}

func (fs *Filesystem) Listxattr(path string) ([]string, error) {
	return nil, nil
}

func (fs *Filesystem) Setxattr(path, name string, value []byte) error {
	return gpgfserr.ErrUnsupported
}

func (fs *Filesystem) Removexattr(path, name string) error {
	return gpgfserr.ErrUnsupported
}
