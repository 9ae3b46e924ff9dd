//go:build !linux

package ccopy

func renameNoReplace(oldpath, newpath string) error {
	return linkRename(oldpath, newpath)
}
