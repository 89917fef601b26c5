package gpgfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rudis/gpgfs/internal/cryptostore"
	"github.com/rudis/gpgfs/internal/gpgfserr"
)

// passthroughEngine is a cryptostore.Engine stand-in: it neither encrypts
// nor authenticates, so these tests exercise Filesystem's orchestration
// logic against a real backing directory without a GNUPGHOME fixture.
type passthroughEngine struct{}

func (passthroughEngine) Encrypt(keyid string, plaintext []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

func (passthroughEngine) Decrypt(ciphertext []byte) ([]byte, error) {
	return append([]byte(nil), ciphertext...), nil
}

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	dir := t.TempDir()
	store := cryptostore.New(passthroughEngine{}, "testkey")
	fs, err := Open(dir, store, zap.NewNop().Sugar())
	require.NoError(t, err)
	return fs
}

func TestScenarioCreateWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	_, err := fs.Create("/x", 0644)
	require.NoError(t, err)

	n, err := fs.Write("/x", []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	got, err := fs.Read("/x", 5, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	attr, err := fs.Getattr("/x")
	require.NoError(t, err)
	require.EqualValues(t, 5, attr.Size)
}

func TestScenarioMkdirCreateWriteFlushRemount(t *testing.T) {
	dir := t.TempDir()
	store := cryptostore.New(passthroughEngine{}, "testkey")
	fs, err := Open(dir, store, zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, fs.Mkdir("/d", 0755))
	_, err = fs.Create("/d/f", 0600)
	require.NoError(t, err)
	_, err = fs.Write("/d/f", []byte("abc"), 0)
	require.NoError(t, err)
	require.NoError(t, fs.Flush("/d/f"))

	remounted, err := Open(dir, store, zap.NewNop().Sugar())
	require.NoError(t, err)
	got, err := remounted.Read("/d/f", 3, 0)
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
}

func TestScenarioOverwriteMiddle(t *testing.T) {
	fs := newTestFilesystem(t)
	_, err := fs.Create("/a", 0644)
	require.NoError(t, err)
	_, err = fs.Write("/a", []byte("aaaa"), 0)
	require.NoError(t, err)
	_, err = fs.Write("/a", []byte("BB"), 1)
	require.NoError(t, err)
	require.NoError(t, fs.Flush("/a"))

	got, err := fs.Read("/a", 10, 0)
	require.NoError(t, err)
	require.Equal(t, "aBBa", string(got))
}

func TestScenarioTruncateShrink(t *testing.T) {
	fs := newTestFilesystem(t)
	_, err := fs.Create("/a", 0644)
	require.NoError(t, err)
	_, err = fs.Write("/a", []byte("xxxx"), 0)
	require.NoError(t, err)
	require.NoError(t, fs.Truncate("/a", 2))

	got, err := fs.Read("/a", 10, 0)
	require.NoError(t, err)
	require.Equal(t, "xx", string(got))

	attr, err := fs.Getattr("/a")
	require.NoError(t, err)
	require.EqualValues(t, 2, attr.Size)
}

func TestScenarioTruncateGrowthBugCompatible(t *testing.T) {
	fs := newTestFilesystem(t)
	_, err := fs.Create("/a", 0644)
	require.NoError(t, err)
	_, err = fs.Write("/a", []byte("xx"), 0)
	require.NoError(t, err)
	require.NoError(t, fs.Truncate("/a", 10))

	got, err := fs.Read("/a", 10, 0)
	require.NoError(t, err)
	require.Equal(t, "xx", string(got))

	attr, err := fs.Getattr("/a")
	require.NoError(t, err)
	require.EqualValues(t, 10, attr.Size)
}

func TestScenarioRmdirNonEmpty(t *testing.T) {
	fs := newTestFilesystem(t)
	require.NoError(t, fs.Mkdir("/d", 0755))
	_, err := fs.Create("/d/f", 0644)
	require.NoError(t, err)

	err = fs.Rmdir("/d")
	require.ErrorIs(t, err, gpgfserr.ErrNotEmpty)
}

func TestScenarioRenamePreservesContent(t *testing.T) {
	fs := newTestFilesystem(t)
	_, err := fs.Create("/a", 0644)
	require.NoError(t, err)
	_, err = fs.Create("/b", 0644)
	require.NoError(t, err)
	_, err = fs.Write("/a", []byte("A"), 0)
	require.NoError(t, err)

	require.NoError(t, fs.Rename("/a", "/b"))

	got, err := fs.Read("/b", 1, 0)
	require.NoError(t, err)
	require.Equal(t, "A", string(got))

	_, err = fs.Read("/a", 1, 0)
	require.ErrorIs(t, err, gpgfserr.ErrNotFound)
}

func TestUnlinkRemovesBlobAndEntry(t *testing.T) {
	fs := newTestFilesystem(t)
	_, err := fs.Create("/a", 0644)
	require.NoError(t, err)
	entry, err := fs.tree.Find("/a")
	require.NoError(t, err)
	blobPath := fs.blobPath(entry.BlobPath)
	_, statErr := os.Stat(blobPath)
	require.NoError(t, statErr)

	require.NoError(t, fs.Unlink("/a"))

	_, err = fs.tree.Find("/a")
	require.ErrorIs(t, err, gpgfserr.ErrNotFound)
	_, statErr = os.Stat(blobPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestCreateExistingFails(t *testing.T) {
	fs := newTestFilesystem(t)
	_, err := fs.Create("/a", 0644)
	require.NoError(t, err)
	_, err = fs.Create("/a", 0644)
	require.ErrorIs(t, err, gpgfserr.ErrExists)
}

func TestReaddirListsChildren(t *testing.T) {
	fs := newTestFilesystem(t)
	require.NoError(t, fs.Mkdir("/d", 0755))
	_, err := fs.Create("/d/a", 0644)
	require.NoError(t, err)
	_, err = fs.Create("/d/b", 0644)
	require.NoError(t, err)

	names, err := fs.Readdir("/d")
	require.NoError(t, err)
	require.Equal(t, []string{".", "..", "a", "b"}, names)
}

func TestIndexIdempotentFlush(t *testing.T) {
	fs := newTestFilesystem(t)
	_, err := fs.Create("/a", 0644)
	require.NoError(t, err)
	_, err = fs.Write("/a", []byte("data"), 0)
	require.NoError(t, err)
	require.NoError(t, fs.Flush("/a"))

	entry, err := fs.tree.Find("/a")
	require.NoError(t, err)
	before, err := os.ReadFile(fs.blobPath(entry.BlobPath))
	require.NoError(t, err)

	require.NoError(t, fs.Flush("/a"))
	after, err := os.ReadFile(fs.blobPath(entry.BlobPath))
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestXattrStubs(t *testing.T) {
	fs := newTestFilesystem(t)
	_, err := fs.Create("/a", 0644)
	require.NoError(t, err)

	_, err = fs.Getxattr("/a", "user.foo")
	require.ErrorIs(t, err, gpgfserr.ErrNoData)

	list, err := fs.Listxattr("/a")
	require.NoError(t, err)
	require.Empty(t, list)

	require.ErrorIs(t, fs.Chown("/a", 0, 0), gpgfserr.ErrUnsupported)
	require.ErrorIs(t, fs.Setxattr("/a", "user.foo", nil), gpgfserr.ErrUnsupported)
}

func TestChmodOnDirectoryUpdatesEntry(t *testing.T) {
	fs := newTestFilesystem(t)
	require.NoError(t, fs.Mkdir("/d", 0755))
	require.NoError(t, fs.Chmod("/d", 0700))

	entry, err := fs.tree.Find("/d")
	require.NoError(t, err)
	require.EqualValues(t, 0700, entry.Mode)
}

func TestIndexPathLayout(t *testing.T) {
	fs := newTestFilesystem(t)
	require.Equal(t, filepath.Join(fs.backingRoot, "index"), fs.indexPath)
}
