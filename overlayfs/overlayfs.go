// Implements path redirection of a overlay without kernel overlayfs
//
// Each path requested by program is checked against lower folder, paths inside lower
// are served from upper when present there, writes always go to upper, copying
// lower file to upper first (copy-up).
//
// Only one upper and one lower are supported and removed lower files stay visible, no whiteout files.
package overlayfs

import (
	"errors"
	"path/filepath"
)

var (
	ErrNoUpper error = errors.New("upper folder not set") // Overlayfs without upper cannot redirect
	ErrNoLower error = errors.New("lower folder not set") // Overlayfs without lower cannot redirect
)

// Merge lower and upper folders to one view
//
// An zero Overlayfs disable redirection, every path is PassThrough.
type Overlayfs struct {
	Upper string // Folder to write modifications
	Lower string // Folder with read-only files, paths requested inside this folder are redirected
}

// Return new Overlayfs with cleaned paths
//
//	NewOverlayFS("/data", "/server")
func NewOverlayFS(TopLayer, LowLayer string) (*Overlayfs, error) {
	if TopLayer == "" {
		return nil, ErrNoUpper
	} else if LowLayer == "" {
		return nil, ErrNoLower
	}
	return &Overlayfs{Upper: filepath.Clean(TopLayer), Lower: filepath.Clean(LowLayer)}, nil
}

// Check if redirection is enabled
func (over Overlayfs) enabled() bool { return over.Upper != "" && over.Lower != "" }

// Operation kind requested on path
type Op uint8

const (
	OpRead    Op = iota // open for read, stat, access, readlink, opendir
	OpWrite             // modify existing entry: open for write, truncate, utime
	OpMove              // entry moved or linked from: rename and link source
	OpCreate            // new entry, existing one is reported by real call: mkdir, symlink, O_CREAT
	OpReplace           // new entry replacing existing: rename target
	OpRemove            // unlink, rmdir, remove
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpMove:
		return "move"
	case OpCreate:
		return "create"
	case OpReplace:
		return "replace"
	case OpRemove:
		return "remove"
	}
	return "unknown"
}

// Write to upper is required
func (op Op) writes() bool { return op != OpRead }

// Physical target selected to path
type Action uint8

const (
	PassThrough        Action = iota // Keep path requested by program
	UseUpper                         // Path inside upper
	UseLowerReadOnly                 // Path inside lower, not modified by call
	CopyUpThenUseUpper               // Copy lower to upper and use upper
)

func (act Action) String() string {
	switch act {
	case PassThrough:
		return "passthrough"
	case UseUpper:
		return "upper"
	case UseLowerReadOnly:
		return "lower"
	case CopyUpThenUseUpper:
		return "copy-up"
	}
	return "unknown"
}

// Result of Classify, computed for every call and never cached
type Decision struct {
	Action Action // Target selected
	Op     Op     // Operation classified
	Path   string // Physical path to give to real call
	Suffix string // Path relative to lower and upper, blank to root itself
	Upper  string // Candidate in upper
	Lower  string // Candidate in lower, same as requested path cleaned and absolute
}
