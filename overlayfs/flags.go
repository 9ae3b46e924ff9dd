package overlayfs

import (
	"strings"

	"golang.org/x/sys/unix"
)

// open(2) flags
type flages int

// Check flag have write permissions
func (f flages) IsWrite() bool {
	return int(f)&unix.O_ACCMODE != unix.O_RDONLY || int(f)&unix.O_TRUNC != 0
}

func (f flages) CreateIfNotExist() bool {
	return int(f)&unix.O_CREAT != 0
}

// Fail if file exists
func (f flages) Exclusive() bool {
	return f.CreateIfNotExist() && int(f)&unix.O_EXCL != 0
}

// Return Op to open(2) flags
func OpenOp(flags int) Op {
	flaged := flages(flags)
	switch {
	case flaged.Exclusive():
		return OpCreate
	case flaged.IsWrite():
		return OpWrite
	case flaged.CreateIfNotExist():
		return OpCreate
	}
	return OpRead
}

// Convert fopen(3) mode to open(2) flags, invalid mode return -1
func FopenFlags(mode string) int {
	if mode == "" {
		return -1
	}

	var flags int
	switch mode[0] {
	case 'r':
		flags = unix.O_RDONLY
	case 'w':
		flags = unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC
	case 'a':
		flags = unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND
	default:
		return -1
	}

	// Modifiers until first ',' (glibc ",ccs=")
	modifiers, _, _ := strings.Cut(mode[1:], ",")
	for _, mod := range modifiers {
		switch mod {
		case '+':
			flags = flags&^unix.O_ACCMODE | unix.O_RDWR
		case 'x':
			flags |= unix.O_EXCL
		case 'e':
			flags |= unix.O_CLOEXEC
		}
	}
	return flags
}

// Return Op to fopen(3) mode, invalid modes are OpRead and real call report EINVAL
func FopenOp(mode string) Op {
	flags := FopenFlags(mode)
	if flags == -1 {
		return OpRead
	}
	return OpenOp(flags)
}
