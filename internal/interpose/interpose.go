// Registry of overridden libc functions and the genuine definitions behind them
//
// Each overridden name resolves its next definition once per process and keeps
// it, the shim always calls that cached pointer and never the overridden name.
package interpose

import (
	"errors"
	"sync"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
	"sirherobrine23.com.br/go-bds/liboverlay/overlayfs"
)

var (
	ErrUnknownSymbol error = errors.New("symbol not intercepted")    // Name not in table
	ErrNotFound      error = errors.New("next definition not found") // Resolver return nil
)

// Find next definition of symbol after this library, nil if not exists
type Resolver interface {
	Next(name string) unsafe.Pointer
}

// Path redirection, *overlayfs.Overlayfs
type Engine interface {
	Resolve(name string, op overlayfs.Op) (string, error)
}

// Path argument kind of overridden function
type Arg uint8

const (
	ArgOpenFlags Arg = iota // Op from open(2) flags
	ArgFopenMode            // Op from fopen(3) mode
	ArgRead                 // overlayfs.OpRead
	ArgWrite                // overlayfs.OpWrite
	ArgMove                 // overlayfs.OpMove
	ArgCreate               // overlayfs.OpCreate
	ArgReplace              // overlayfs.OpReplace
	ArgRemove               // overlayfs.OpRemove
)

// Op to argument, flags and mode used only by ArgOpenFlags and ArgFopenMode
func (arg Arg) Op(flags int, mode string) overlayfs.Op {
	switch arg {
	case ArgOpenFlags:
		return overlayfs.OpenOp(flags)
	case ArgFopenMode:
		return overlayfs.FopenOp(mode)
	case ArgWrite:
		return overlayfs.OpWrite
	case ArgMove:
		return overlayfs.OpMove
	case ArgCreate:
		return overlayfs.OpCreate
	case ArgReplace:
		return overlayfs.OpReplace
	case ArgRemove:
		return overlayfs.OpRemove
	}
	return overlayfs.OpRead
}

// Overridden function
type Symbol struct {
	Name string // C name
	Args []Arg  // Path arguments in call order

	once sync.Once
	next unsafe.Pointer
}

// Functions overridden by shim, with path arguments
func Symbols() []*Symbol {
	return []*Symbol{
		{Name: "open", Args: []Arg{ArgOpenFlags}},
		{Name: "open64", Args: []Arg{ArgOpenFlags}},
		{Name: "__open_2", Args: []Arg{ArgOpenFlags}},
		{Name: "__open64_2", Args: []Arg{ArgOpenFlags}},
		{Name: "creat", Args: []Arg{ArgWrite}},
		{Name: "creat64", Args: []Arg{ArgWrite}},
		{Name: "fopen", Args: []Arg{ArgFopenMode}},
		{Name: "fopen64", Args: []Arg{ArgFopenMode}},
		{Name: "freopen", Args: []Arg{ArgFopenMode}},
		{Name: "freopen64", Args: []Arg{ArgFopenMode}},
		{Name: "truncate", Args: []Arg{ArgWrite}},
		{Name: "truncate64", Args: []Arg{ArgWrite}},
		{Name: "utime", Args: []Arg{ArgWrite}},
		{Name: "utimes", Args: []Arg{ArgWrite}},
		{Name: "stat", Args: []Arg{ArgRead}},
		{Name: "lstat", Args: []Arg{ArgRead}},
		{Name: "stat64", Args: []Arg{ArgRead}},
		{Name: "lstat64", Args: []Arg{ArgRead}},
		{Name: "__xstat", Args: []Arg{ArgRead}},
		{Name: "__lxstat", Args: []Arg{ArgRead}},
		{Name: "__xstat64", Args: []Arg{ArgRead}},
		{Name: "__lxstat64", Args: []Arg{ArgRead}},
		{Name: "access", Args: []Arg{ArgRead}},
		{Name: "readlink", Args: []Arg{ArgRead}},
		{Name: "opendir", Args: []Arg{ArgRead}},
		{Name: "mkdir", Args: []Arg{ArgCreate}},
		{Name: "rmdir", Args: []Arg{ArgRemove}},
		{Name: "unlink", Args: []Arg{ArgRemove}},
		{Name: "remove", Args: []Arg{ArgRemove}},
		{Name: "rename", Args: []Arg{ArgMove, ArgReplace}},
		{Name: "link", Args: []Arg{ArgMove, ArgCreate}},
		{Name: "symlink", Args: []Arg{ArgCreate}}, // link path, target is content
	}
}

// Overridden functions of process
type Table struct {
	resolver Resolver
	engine   Engine
	symbols  map[string]*Symbol
}

// New table to symbols, engine nil pass every path unchanged
func New(resolver Resolver, engine Engine, symbols []*Symbol) *Table {
	table := &Table{
		resolver: resolver,
		engine:   engine,
		symbols:  make(map[string]*Symbol, len(symbols)),
	}
	for _, sym := range symbols {
		table.symbols[sym.Name] = sym
	}
	return table
}

// Next return genuine definition of name, resolved once
func (table *Table) Next(name string) (unsafe.Pointer, error) {
	sym, ok := table.symbols[name]
	if !ok {
		return nil, ErrUnknownSymbol
	}
	sym.once.Do(func() {
		sym.next = table.resolver.Next(sym.Name)
		if sym.next == nil {
			overlayfs.Logger().Error("could not locate real symbol", zap.String("symbol", sym.Name))
		}
	})
	if sym.next == nil {
		return nil, ErrNotFound
	}
	return sym.next, nil
}

// Prepare return physical path and genuine definition to call of name.
//
// arg is index of path in symbol Args, nil path is returned unchanged.
// errno not zero must fail call with it.
func (table *Table) Prepare(name string, arg int, path *string, flags int, mode string) (string, unsafe.Pointer, syscall.Errno) {
	next, err := table.Next(name)
	if err != nil {
		return "", nil, syscall.ENOSYS
	} else if path == nil {
		return "", next, 0
	} else if table.engine == nil {
		return *path, next, 0
	}

	sym := table.symbols[name]
	if arg < 0 || arg >= len(sym.Args) {
		return *path, next, 0
	}

	physical, err := table.engine.Resolve(*path, sym.Args[arg].Op(flags, mode))
	if err != nil {
		return "", nil, overlayfs.Errno(err)
	}
	return physical, next, 0
}
