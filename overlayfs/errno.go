package overlayfs

import (
	"errors"
	"io/fs"
	"os"
	"syscall"
)

// Replace path in error with name requested by program
func rewriteName(name string, err error) error {
	if err == nil {
		return err
	} else if e, ok := err.(*fs.PathError); ok {
		e.Path = name
		return e
	} else if e, ok := err.(*os.LinkError); ok {
		return &fs.PathError{Op: e.Op, Path: name, Err: e.Err}
	}
	return &fs.PathError{Op: "copy-up", Path: name, Err: err}
}

// Errno return errno to report when err fails intercepted call
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, fs.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, fs.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, fs.ErrInvalid):
		return syscall.EINVAL
	}
	return syscall.EIO
}
