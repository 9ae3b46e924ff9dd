package overlayfs

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"sirherobrine23.com.br/go-bds/liboverlay/internal/ccopy"
)

// Extra permission to copy-up files, lower is read-only by mode many times
const copyUpPerm fs.FileMode = 0200

// Materialize make decision physical path usable by real call.
//
// Parent folders existing in lower are created in upper for writes,
// CopyUpThenUseUpper copy lower entry to upper.
// Errors are *fs.PathError with requested path.
func (over Overlayfs) Materialize(decision Decision) (string, error) {
	switch decision.Action {
	case CopyUpThenUseUpper:
		if err := over.mirrorParents(decision.Suffix); err != nil {
			return "", rewriteName(decision.Lower, err)
		} else if err := over.copyUp(decision); err != nil {
			return "", rewriteName(decision.Lower, err)
		}
	case UseUpper:
		if decision.Op.writes() && decision.Op != OpRemove {
			if err := over.mirrorParents(decision.Suffix); err != nil {
				return "", rewriteName(decision.Lower, err)
			}
		}
	}
	return decision.Path, nil
}

// Resolve classify and materialize name, returning path to real call
func (over Overlayfs) Resolve(name string, op Op) (string, error) {
	decision := over.Classify(name, op)
	target, err := over.Materialize(decision)
	if err != nil {
		Logger().Warn("cannot materialize path",
			zap.String("path", name),
			zap.Stringer("op", op),
			zap.Stringer("action", decision.Action),
			zap.Error(err))
		return "", err
	}

	if decision.Action != PassThrough {
		if ce := Logger().Check(zap.DebugLevel, "redirecting"); ce != nil {
			ce.Write(
				zap.String("path", name),
				zap.String("to", target),
				zap.Stringer("op", op),
				zap.Stringer("action", decision.Action))
		}
	}
	return target, nil
}

// Create parent folders of suffix in upper, copying mode from lower.
//
// Stop without error when parent not exists in any layer, real call report ENOENT.
func (over Overlayfs) mirrorParents(suffix string) error {
	dir := filepath.Dir(suffix)
	if suffix == "" || dir == "." {
		return nil
	}

	current := ""
	for _, name := range strings.Split(dir, "/") {
		current = filepath.Join(current, name)
		upperPath := filepath.Join(over.Upper, current)
		if stat, err := os.Lstat(upperPath); err == nil {
			if stat.IsDir() {
				continue
			}
			return nil // ENOTDIR reported by real call
		}

		lowerPath := filepath.Join(over.Lower, current)
		if stat, err := os.Stat(lowerPath); err != nil || !stat.IsDir() {
			return nil
		}
		if err := ccopy.CopyDir(lowerPath, upperPath); err != nil {
			return err
		}
	}
	return nil
}

// Copy lower entry to upper
func (over Overlayfs) copyUp(decision Decision) error {
	if decision.Op == OpMove {
		if stat, err := os.Lstat(decision.Lower); err == nil && stat.Mode()&fs.ModeSymlink != 0 {
			return ccopy.CopySymLink(decision.Lower, decision.Upper)
		}
	}

	stat, err := os.Stat(decision.Lower)
	if err != nil {
		return err
	} else if stat.IsDir() {
		return ccopy.CopyDir(decision.Lower, decision.Upper)
	}

	sum, err := ccopy.CopyFile(decision.Lower, decision.Upper, copyUpPerm)
	if err != nil {
		return err
	}
	if ce := Logger().Check(zap.DebugLevel, "copy-up"); ce != nil {
		ce.Write(
			zap.String("from", decision.Lower),
			zap.String("to", decision.Upper),
			zap.Int64("size", stat.Size()),
			zap.String("xxhash", strconv.FormatUint(sum, 16)))
	}
	return nil
}
