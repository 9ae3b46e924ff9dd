package overlayfs

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
)

func TestCopyUpAppend(t *testing.T) {
	over := initLayers(t, FileTestStruct{Name: "a.txt", Content: []byte("hello"), Mode: 0644})
	name := filepath.Join(over.Lower, "a.txt")
	flags := os.O_WRONLY | os.O_APPEND

	if decision := over.Classify(name, OpenOp(flags)); decision.Action != CopyUpThenUseUpper {
		t.Fatalf("append classified as %s", decision.Action)
	}
	target, err := over.Resolve(name, OpenOp(flags))
	if err != nil {
		t.Fatal(err)
	} else if target != filepath.Join(over.Upper, "a.txt") {
		t.Fatalf("append resolved to %q", target)
	}

	file, err := os.OpenFile(target, flags, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = file.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	file.Close()

	if data, _ := os.ReadFile(filepath.Join(over.Upper, "a.txt")); string(data) != "helloworld" {
		t.Errorf("upper content %q, want %q", data, "helloworld")
	}
	if data, _ := os.ReadFile(name); string(data) != "hello" {
		t.Errorf("lower modified, content %q", data)
	}

	target, err = over.Resolve(name, OpenOp(os.O_RDONLY))
	if err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(target); string(data) != "helloworld" {
		t.Errorf("read after write got %q", data)
	}
}

func TestCopyUpContent(t *testing.T) {
	content := bytes.Repeat([]byte{0, 1, 2, 3, 0xff}, 100*1024)
	over := initLayers(t, FileTestStruct{Name: "sub/bin.dat", Content: content, Mode: 0444})

	target, err := over.Resolve(filepath.Join(over.Lower, "sub/bin.dat"), OpWrite)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(data, content) {
		t.Error("copy-up content differs from lower")
	}

	stat, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	} else if stat.Mode().Perm() != 0644 {
		t.Errorf("copy-up mode %o, want 0644", stat.Mode().Perm())
	}
}

func TestCreateNewFile(t *testing.T) {
	over := initLayers(t)
	name := filepath.Join(over.Lower, "b.txt")
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC

	target, err := over.Resolve(name, OpenOp(flags))
	if err != nil {
		t.Fatal(err)
	} else if target != filepath.Join(over.Upper, "b.txt") {
		t.Fatalf("create resolved to %q", target)
	}
	if err := os.WriteFile(target, []byte("It is new"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Error("file created in lower")
	}
	target, _ = over.Resolve(name, OpRead)
	if data, _ := os.ReadFile(target); string(data) != "It is new" {
		t.Errorf("read new file got %q", data)
	}
}

func TestCreateMissingParent(t *testing.T) {
	over := initLayers(t)
	name := filepath.Join(over.Lower, "new_dir", "new_file.txt")

	target, err := over.Resolve(name, OpWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("It is new"), 0644); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("write without parent = %v, want not exist", err)
	}

	dir, err := over.Resolve(filepath.Join(over.Lower, "new_dir"), OpCreate)
	if err != nil {
		t.Fatal(err)
	} else if dir != filepath.Join(over.Upper, "new_dir") {
		t.Fatalf("mkdir resolved to %q", dir)
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}

	if target, err = over.Resolve(name, OpWrite); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("It is new"), 0644); err != nil {
		t.Fatal(err)
	}
	target, _ = over.Resolve(name, OpRead)
	if data, _ := os.ReadFile(target); string(data) != "It is new" {
		t.Errorf("read new file got %q", data)
	}
}

func TestMirrorParents(t *testing.T) {
	over := initLayers(t, FileTestStruct{Name: "deep/er/file.txt", Content: []byte("x"), Mode: 0644})
	if err := os.Chmod(filepath.Join(over.Lower, "deep/er"), 0750); err != nil {
		t.Fatal(err)
	}

	target, err := over.Resolve(filepath.Join(over.Lower, "deep/er/new.txt"), OpCreate)
	if err != nil {
		t.Fatal(err)
	} else if target != filepath.Join(over.Upper, "deep/er/new.txt") {
		t.Fatalf("resolved to %q", target)
	}

	stat, err := os.Stat(filepath.Join(over.Upper, "deep/er"))
	if err != nil {
		t.Fatalf("parent not mirrored: %v", err)
	} else if stat.Mode().Perm() != 0750 {
		t.Errorf("mirrored parent mode %o, want 0750", stat.Mode().Perm())
	}
	if _, err := os.Stat(filepath.Join(over.Upper, "deep/er/file.txt")); !os.IsNotExist(err) {
		t.Error("sibling file copied with parent")
	}
}

func TestDeletionLimitation(t *testing.T) {
	over := initLayers(t, FileTestStruct{Name: "c.txt", Content: []byte("lower"), Mode: 0644})
	name := filepath.Join(over.Lower, "c.txt")

	target, err := over.Resolve(name, OpRemove)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(target); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("remove lower only file = %v, want not exist", err)
	}
	if _, err := os.Stat(name); err != nil {
		t.Errorf("lower file removed: %v", err)
	}
	if decision := over.Classify(name, OpRead); decision.Action != UseLowerReadOnly {
		t.Errorf("read after remove classified %s, want lower", decision.Action)
	}
}

func TestRemoveUpperReveal(t *testing.T) {
	over := initLayers(t,
		FileTestStruct{Name: "c.txt", Content: []byte("lower"), Mode: 0644},
		FileTestStruct{Name: "c.txt", SaveOn: "upper", Content: []byte("upper"), Mode: 0644},
	)
	name := filepath.Join(over.Lower, "c.txt")

	target, err := over.Resolve(name, OpRemove)
	if err != nil {
		t.Fatal(err)
	} else if err := os.Remove(target); err != nil {
		t.Fatal(err)
	}

	target, _ = over.Resolve(name, OpRead)
	if data, _ := os.ReadFile(target); string(data) != "lower" {
		t.Errorf("after removing upper got %q, want lower content", data)
	}
}

func TestCopyUpConcurrent(t *testing.T) {
	content := bytes.Repeat([]byte("google is best\n"), 32*1024)
	over := initLayers(t, FileTestStruct{Name: "shared/big.txt", Content: content, Mode: 0644})
	name := filepath.Join(over.Lower, "shared/big.txt")

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target, err := over.Resolve(name, OpWrite)
			if err != nil {
				t.Error(err)
				return
			}
			if data, err := os.ReadFile(target); err != nil {
				t.Error(err)
			} else if !bytes.Equal(data, content) {
				t.Errorf("partial copy-up observed, %d bytes", len(data))
			}
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(filepath.Join(over.Upper, "shared"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "big.txt" {
		names := []string{}
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		t.Errorf("upper has %v, want only big.txt", names)
	}
}

func TestCopyUpKeepsWrites(t *testing.T) {
	over := initLayers(t, FileTestStruct{Name: "a.txt", Content: []byte("hello"), Mode: 0644})
	name := filepath.Join(over.Lower, "a.txt")

	// Decision taken before another writer finished copy-up and appended
	late := over.Classify(name, OpWrite)
	target, err := over.Resolve(name, OpWrite)
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(target, []byte("helloworld"), 0644)

	if _, err := over.Materialize(late); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(target); string(data) != "helloworld" {
		t.Errorf("late copy-up replaced written file, got %q", data)
	}
}

func TestCopyUpSymlink(t *testing.T) {
	over := initLayers(t, FileTestStruct{Name: "real.txt", Content: []byte("real"), Mode: 0644})
	link := filepath.Join(over.Lower, "link.txt")
	if err := os.Symlink("real.txt", link); err != nil {
		t.Fatal(err)
	}

	// Move keep symlink
	target, err := over.Resolve(link, OpMove)
	if err != nil {
		t.Fatal(err)
	}
	if dest, err := os.Readlink(target); err != nil || dest != "real.txt" {
		t.Errorf("moved symlink target %q, err %v", dest, err)
	}
	os.Remove(target)

	// Write copy content of target
	if target, err = over.Resolve(link, OpWrite); err != nil {
		t.Fatal(err)
	}
	stat, err := os.Lstat(target)
	if err != nil {
		t.Fatal(err)
	} else if !stat.Mode().IsRegular() {
		t.Errorf("write copy-up of symlink is %s, want regular file", stat.Mode())
	}
	if data, _ := os.ReadFile(target); string(data) != "real" {
		t.Errorf("copy-up content %q", data)
	}
}

func TestCopyUpDir(t *testing.T) {
	over := initLayers(t, FileTestStruct{Name: "dir/a.txt", Content: []byte("a"), Mode: 0644})
	target, err := over.Resolve(filepath.Join(over.Lower, "dir"), OpMove)
	if err != nil {
		t.Fatal(err)
	}
	if stat, err := os.Stat(target); err != nil || !stat.IsDir() {
		t.Fatalf("directory not copied up: %v", err)
	}
	if _, err := os.Stat(filepath.Join(target, "a.txt")); !os.IsNotExist(err) {
		t.Error("directory content copied up")
	}
}

func TestCopyUpFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignore permissions")
	}
	over := initLayers(t, FileTestStruct{Name: "a.txt", Content: []byte("hello"), Mode: 0644})
	if err := os.Chmod(over.Upper, 0555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(over.Upper, 0755) })

	name := filepath.Join(over.Lower, "a.txt")
	_, err := over.Resolve(name, OpWrite)
	if err == nil {
		t.Fatal("copy-up into read-only upper succeeded")
	}

	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) || pathErr.Path != name {
		t.Errorf("error %v not reported with requested path", err)
	}
	if errno := Errno(err); errno != syscall.EACCES {
		t.Errorf("Errno() = %v, want EACCES", errno)
	}

	entries, _ := os.ReadDir(over.Upper)
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "liboverlay") {
			t.Errorf("temporary file left: %s", entry.Name())
		}
	}
}
