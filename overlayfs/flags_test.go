package overlayfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

func TestOpenOp(t *testing.T) {
	tests := []struct {
		flags int
		want  Op
	}{
		{unix.O_RDONLY, OpRead},
		{unix.O_RDONLY | unix.O_DIRECTORY | unix.O_CLOEXEC, OpRead},
		{unix.O_RDONLY | unix.O_APPEND, OpRead},
		{unix.O_WRONLY, OpWrite},
		{unix.O_RDWR, OpWrite},
		{unix.O_WRONLY | unix.O_APPEND, OpWrite},
		{unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC, OpWrite},
		{unix.O_RDONLY | unix.O_TRUNC, OpWrite},
		{unix.O_RDONLY | unix.O_CREAT, OpCreate},
		{unix.O_WRONLY | unix.O_CREAT | unix.O_EXCL, OpCreate},
		{unix.O_RDONLY | unix.O_EXCL, OpRead},
	}
	for _, tt := range tests {
		if got := OpenOp(tt.flags); got != tt.want {
			t.Errorf("OpenOp(%#o) = %s, want %s", tt.flags, got, tt.want)
		}
	}
}

func TestFopenOp(t *testing.T) {
	tests := []struct {
		mode  string
		flags int
		want  Op
	}{
		{"r", unix.O_RDONLY, OpRead},
		{"rb", unix.O_RDONLY, OpRead},
		{"re", unix.O_RDONLY | unix.O_CLOEXEC, OpRead},
		{"r+", unix.O_RDWR, OpWrite},
		{"rb+", unix.O_RDWR, OpWrite},
		{"w", unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC, OpWrite},
		{"w+", unix.O_RDWR | unix.O_CREAT | unix.O_TRUNC, OpWrite},
		{"wx", unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC | unix.O_EXCL, OpCreate},
		{"a", unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND, OpWrite},
		{"a+", unix.O_RDWR | unix.O_CREAT | unix.O_APPEND, OpWrite},
		{"r,ccs=UTF-8", unix.O_RDONLY, OpRead},
		{"", -1, OpRead},
		{"z", -1, OpRead},
	}
	for _, tt := range tests {
		if got := FopenFlags(tt.mode); got != tt.flags {
			t.Errorf("FopenFlags(%q) = %#o, want %#o", tt.mode, got, tt.flags)
		}
		if got := FopenOp(tt.mode); got != tt.want {
			t.Errorf("FopenOp(%q) = %s, want %s", tt.mode, got, tt.want)
		}
	}
}

func TestErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{syscall.ENOSPC, syscall.ENOSPC},
		{&fs.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}, syscall.ENOSPC},
		{&os.LinkError{Op: "rename", Old: "/a", New: "/b", Err: syscall.EXDEV}, syscall.EXDEV},
		{os.NewSyscallError("fsync", syscall.EIO), syscall.EIO},
		{fmt.Errorf("wrapped: %w", fs.ErrNotExist), syscall.ENOENT},
		{fs.ErrPermission, syscall.EACCES},
		{fs.ErrExist, syscall.EEXIST},
		{fs.ErrInvalid, syscall.EINVAL},
		{errors.New("short copy"), syscall.EIO},
	}
	for _, tt := range tests {
		if got := Errno(tt.err); got != tt.want {
			t.Errorf("Errno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRewriteName(t *testing.T) {
	err := rewriteName("/lower/a.txt", &os.LinkError{Op: "rename", Old: "/upper/.a.txt.tmp", New: "/upper/a.txt", Err: syscall.ENOSPC})
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) || pathErr.Path != "/lower/a.txt" || pathErr.Err != syscall.ENOSPC {
		t.Errorf("rewriteName = %#v", err)
	}
	if rewriteName("/x", nil) != nil {
		t.Error("rewriteName(nil) not nil")
	}
}
