//go:build linux && cgo

// Shared object to LD_PRELOAD, overlay lower folder with upper folder to programs
//
//	go build -buildmode=c-shared -o liboverlay.so ./cmd/liboverlay
//	LIBOVERLAY_LOWER_DIR=/srv LIBOVERLAY_UPPER_DIR=/data LD_PRELOAD=$PWD/liboverlay.so program
package main

/*
#cgo CFLAGS: -D_GNU_SOURCE -U_FORTIFY_SOURCE
#cgo LDFLAGS: -ldl
#include <stdlib.h>

extern void *liboverlay_next(const char *name);
extern void liboverlay_ready(void);
*/
import "C"

import (
	"os"
	"unsafe"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"sirherobrine23.com.br/go-bds/liboverlay/internal/config"
	"sirherobrine23.com.br/go-bds/liboverlay/internal/interpose"
	"sirherobrine23.com.br/go-bds/liboverlay/overlayfs"
)

// dlsym(RTLD_NEXT, name)
type nextResolver struct{}

func (nextResolver) Next(name string) unsafe.Pointer {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return C.liboverlay_next(cname)
}

var table *interpose.Table

// Build logger to stderr or config log file
func newLogger(cfg *config.Config) *zap.Logger {
	level := zapcore.WarnLevel
	output := "stderr"
	if cfg != nil && cfg.Debug {
		level = zapcore.DebugLevel
		if cfg.LogFile != "" {
			output = cfg.LogFile
		}
	}

	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.OutputPaths = []string{output}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	zapConfig.DisableStacktrace = true
	zapConfig.DisableCaller = true
	logger, err := zapConfig.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named("liboverlay").With(zap.Int("pid", os.Getpid()))
}

// Load config at library attach, invalid config disable overlay.
//
// Intercepted calls made before init returns use genuine functions directly.
func init() {
	cfg, err := config.Get()
	logger := newLogger(cfg)
	overlayfs.SetLogger(logger)

	var engine interpose.Engine
	if err != nil {
		logger.Warn("overlay disabled", zap.Error(err))
	} else if over, err := overlayfs.NewOverlayFS(cfg.Upper, cfg.Lower); err != nil {
		logger.Warn("overlay disabled", zap.Error(err))
	} else {
		engine = over
		logger.Debug("initialized", zap.String("upper", over.Upper), zap.String("lower", over.Lower))
	}
	table = interpose.New(nextResolver{}, engine, interpose.Symbols())
	C.liboverlay_ready()
}

// Resolve path argument arg of symbol name.
//
// *out receives malloc'd physical path when different from path, *next the
// genuine definition. Return errno to fail call with, 0 on success.
//
//export liboverlayPrepare
func liboverlayPrepare(name *C.char, arg C.int, path *C.char, flags C.int, mode *C.char, out **C.char, next *unsafe.Pointer) C.int {
	*out, *next = nil, nil

	var requested *string
	if path != nil {
		value := C.GoString(path)
		requested = &value
	}
	var fopenMode string
	if mode != nil {
		fopenMode = C.GoString(mode)
	}

	physical, fn, errno := table.Prepare(C.GoString(name), int(arg), requested, int(flags), fopenMode)
	if errno != 0 {
		return C.int(errno)
	}
	if requested != nil && physical != *requested {
		*out = C.CString(physical)
	}
	*next = fn
	return 0
}

func main() {}
