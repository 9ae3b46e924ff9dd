//go:build linux

package ccopy

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// Rename oldpath to newpath failing with fs.ErrExist if newpath exists
func renameNoReplace(oldpath, newpath string) error {
	err := unix.Renameat2(unix.AT_FDCWD, oldpath, unix.AT_FDCWD, newpath, unix.RENAME_NOREPLACE)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EEXIST):
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrExist}
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ENOSYS):
		return linkRename(oldpath, newpath) // Kernel or filesystem without RENAME_NOREPLACE
	}
	return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: err}
}
