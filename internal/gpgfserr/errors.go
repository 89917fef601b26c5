// Package gpgfserr declares the error kinds of spec §7 and the mapping from
// those kinds to POSIX errno values expected at the FUSE boundary.
package gpgfserr

import (
	"errors"
	"syscall"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrExists       = errors.New("already exists")
	ErrNotDirectory = errors.New("not a directory")
	ErrNotEmpty     = errors.New("not empty")
	ErrUnsupported  = errors.New("unsupported")
	ErrNoData       = errors.New("no data")
	ErrEncryption   = errors.New("encryption failed")
	ErrDecryption   = errors.New("decryption failed")
	ErrIndexParse   = errors.New("index parse error")
)

// ToErrno maps a gpgfs error to the syscall.Errno the FUSE adapter should
// hand back to the kernel. Unrecognized errors, including encryption and
// decryption failures, surface as a generic I/O failure (EIO) per spec §7.
func ToErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrExists):
		return syscall.EEXIST
	case errors.Is(err, ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrNoData):
		return syscall.ENODATA
	case errors.Is(err, ErrUnsupported):
		return syscall.ENOSYS
	default:
		return syscall.EIO
	}
}
