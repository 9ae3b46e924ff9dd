// Copy files, symlinks and directories between layers.
//
// Every copy lands on a unique temporary name next to the destination and is
// renamed into place, so readers never see a partially copied entry. A
// destination that already exists is never replaced: the first complete copy
// wins and later writes to it are not lost to a slower copy.
package ccopy

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

var ErrNotRegular error = errors.New("source is not a regular file")

const tempMark = ".liboverlay-" // Name mark of copies in progress

// Check if path exists, without following symlinks
func Exists(filePath string) bool {
	_, err := os.Lstat(filePath)
	return err == nil
}

// Return sibling name to dst not used by any other copy
func tempName(dst string) string {
	dir, name := filepath.Split(dst)
	return filepath.Join(dir, fmt.Sprintf(".%s%s%d-%x", name, tempMark, os.Getpid(), rand.Uint64()))
}

// Copy regular file content and metadata from srcFile to dstFile atomically,
// extraPerm bits are added to source permission.
//
// Returns xxhash64 of copied content.
func CopyFile(srcFile, dstFile string, extraPerm fs.FileMode) (uint64, error) {
	in, err := os.Open(srcFile)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	} else if !info.Mode().IsRegular() {
		return 0, &fs.PathError{Op: "copy", Path: srcFile, Err: ErrNotRegular}
	}

	dir, name := filepath.Split(dstFile)
	out, err := os.CreateTemp(dir, "."+name+tempMark+"*")
	if err != nil {
		return 0, err
	}
	tmpPath := out.Name()

	digest := xxhash.New()
	if _, err = io.Copy(io.MultiWriter(out, digest), in); err == nil {
		err = out.Chmod(info.Mode().Perm() | extraPerm.Perm())
	}
	if err == nil {
		err = unix.Fsync(int(out.Fd()))
	}
	if err1 := out.Close(); err1 != nil && err == nil {
		err = err1
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	copyMetadata(info, tmpPath)
	if err = renameNoReplace(tmpPath, dstFile); err != nil {
		os.Remove(tmpPath)
		if errors.Is(err, fs.ErrExist) {
			err = nil // Another copy won, its content is kept
		}
		return digest.Sum64(), err
	}
	return digest.Sum64(), nil
}

// Recreate symlink from source in dest
func CopySymLink(source, dest string) error {
	link, err := os.Readlink(source)
	if err != nil {
		return err
	}

	tmpPath := tempName(dest)
	if err = os.Symlink(link, tmpPath); err != nil {
		return err
	}
	if err = renameNoReplace(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return err
	}
	return nil
}

// Create directory dest with same permission and times of source, contents not copied.
//
// Dest created by another process in meantime is accepted.
func CopyDir(source, dest string) error {
	info, err := os.Stat(source)
	if err != nil {
		return err
	} else if !info.IsDir() {
		return &fs.PathError{Op: "mkdir", Path: source, Err: syscall.ENOTDIR}
	}

	if err := os.Mkdir(dest, info.Mode().Perm()); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			return err
		} else if stat, err2 := os.Stat(dest); err2 != nil || !stat.IsDir() {
			return err
		}
		return nil
	}

	// Mkdir is masked by umask
	os.Chmod(dest, info.Mode().Perm())
	copyMetadata(info, dest)
	return nil
}

// Copy times and owner, errors ignored
func copyMetadata(info fs.FileInfo, dest string) {
	os.Chtimes(dest, info.ModTime(), info.ModTime())
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		os.Lchown(dest, int(stat.Uid), int(stat.Gid))
	}
}

// Hard link oldpath to newpath and drop oldpath, link never replaces newpath.
//
// Symlinks and directories cannot be hard linked, those fall back to rename.
func linkRename(oldpath, newpath string) error {
	if stat, err := os.Lstat(oldpath); err == nil && stat.Mode().IsRegular() {
		if err := os.Link(oldpath, newpath); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrExist}
			}
			return err
		}
		return os.Remove(oldpath)
	}
	if Exists(newpath) {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrExist}
	}
	return os.Rename(oldpath, newpath)
}
