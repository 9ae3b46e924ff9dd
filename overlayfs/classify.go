package overlayfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Existence of path in one layer
type presence uint8

const (
	absent  presence = iota // ENOENT or ENOTDIR
	present                 // lstat success
	unknown                 // permission denied, I/O errors and others
)

func probe(name string) (fs.FileInfo, presence) {
	stat, err := os.Lstat(name)
	switch {
	case err == nil:
		return stat, present
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return nil, absent
	}
	return nil, unknown
}

// Check if name is root or inside root, both cleaned
func within(root, name string) bool {
	if root == "/" {
		return strings.HasPrefix(name, "/")
	}
	return name == root || strings.HasPrefix(name, root+"/")
}

// Path relative to root, only called after within
func suffixOf(root, name string) string {
	if name == root {
		return ""
	} else if root == "/" {
		return name[1:]
	}
	return name[len(root)+1:]
}

// Classify select physical path to name requested with op.
//
// Classify never fails, when existence cannot be checked path is PassThrough and real call report error.
// Upper wins over lower when both exists, to all ops.
func (over Overlayfs) Classify(name string, op Op) Decision {
	pass := Decision{Action: PassThrough, Op: op, Path: name}
	if !over.enabled() || name == "" {
		return pass
	}

	fullPath := name
	if !filepath.IsAbs(fullPath) {
		wd, err := os.Getwd()
		if err != nil {
			return pass
		}
		fullPath = filepath.Join(wd, fullPath)
	}
	fullPath = filepath.Clean(fullPath)

	// Upper paths are physical already
	if within(over.Upper, fullPath) || !within(over.Lower, fullPath) {
		return pass
	}

	decision := Decision{Op: op, Suffix: suffixOf(over.Lower, fullPath), Lower: fullPath}
	decision.Upper = filepath.Join(over.Upper, decision.Suffix)
	trailing := decision.Suffix != "" && strings.HasSuffix(name, "/")
	use := func(act Action, target string) Decision {
		decision.Action, decision.Path = act, target
		if trailing {
			decision.Path += "/"
		}
		return decision
	}

	// Remove and rename target never touch lower
	switch op {
	case OpRemove, OpReplace:
		return use(UseUpper, decision.Upper)
	}

	_, upper := probe(decision.Upper)
	switch upper {
	case present:
		return use(UseUpper, decision.Upper)
	case unknown:
		return pass
	}

	lowerStat, lower := probe(decision.Lower)
	switch lower {
	case unknown:
		return pass
	case absent:
		if op.writes() {
			return use(UseUpper, decision.Upper) // New entry
		}
		return pass // Real call report not found against requested path
	}

	switch op {
	case OpWrite:
		// Follow symlink, content of target is copied
		if target, err := os.Stat(decision.Lower); err != nil {
			return use(UseUpper, decision.Upper) // Dangling link
		} else if target.Mode().IsRegular() || target.IsDir() {
			return use(CopyUpThenUseUpper, decision.Upper)
		}
		return use(UseLowerReadOnly, decision.Lower) // Fifo, socket and devices not modified by write
	case OpMove:
		if lowerStat.Mode().IsRegular() || lowerStat.IsDir() || lowerStat.Mode()&fs.ModeSymlink != 0 {
			return use(CopyUpThenUseUpper, decision.Upper)
		}
		return use(UseLowerReadOnly, decision.Lower)
	}

	// OpRead and OpCreate, real call read lower or report EEXIST
	return use(UseLowerReadOnly, decision.Lower)
}
