// Run programs with liboverlay preloaded, on host or inside docker container
package exec

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	ErrNoCommand = errors.New("no command, require command")
	ErrRunning   = errors.New("process running")
	ErrNoRunning = errors.New("process not running")
	ErrNoLibrary = errors.New("liboverlay shared object not set")
)

// Process options
type ProcExec struct {
	Cwd         string            `json:"cwd"`       // Folder to run process
	Arguments   []string          `json:"arguments"` // Command and arguments
	Environment map[string]string `json:"env"`       // Extra process env
}

// Process runner
type Proc interface {
	Start(options ProcExec) error       // Start process
	Wait() error                        // Wait process exit
	Kill() error                        // Send SIGKILL
	Close() error                       // Send interrupt
	ExitCode() (int64, error)           // Exit code, ErrRunning if not exited
	Write(p []byte) (int, error)        // Write to stdin
	StdinFork() (io.WriteCloser, error) // New stdin writer
	StdoutFork() (io.ReadCloser, error) // New stdout reader
	StderrFork() (io.ReadCloser, error) // New stderr reader
}

// Check if binary exists
func LocalBinExist(name string) bool {
	binpath, err := exec.LookPath(name)
	return err == nil && binpath != ""
}

// liboverlay settings passed to process by env
type Overlay struct {
	Library string `json:"library"` // Path to liboverlay.so
	Lower   string `json:"lower"`   // Read-only folder
	Upper   string `json:"upper"`   // Writable folder
	Debug   bool   `json:"debug"`   // LIBOVERLAY_DEBUG
	LogFile string `json:"logFile"` // LIBOVERLAY_LOG_FILE, used with Debug
}

// Make paths absolute and check library exists
func (over *Overlay) Abs() (err error) {
	if over.Library == "" {
		return ErrNoLibrary
	}
	for _, path := range []*string{&over.Library, &over.Lower, &over.Upper, &over.LogFile} {
		if *path == "" {
			continue
		} else if *path, err = filepath.Abs(*path); err != nil {
			return err
		}
	}
	if _, err = os.Stat(over.Library); err != nil {
		return err
	}
	return nil
}

// Env to process, preload keeps previous LD_PRELOAD after library
func (over Overlay) Env(preload string) map[string]string {
	env := map[string]string{
		"LD_PRELOAD":           over.Library,
		"LIBOVERLAY_LOWER_DIR": over.Lower,
		"LIBOVERLAY_UPPER_DIR": over.Upper,
	}
	if preload = strings.TrimSpace(preload); preload != "" {
		env["LD_PRELOAD"] = over.Library + ":" + preload
	}
	if over.Debug {
		env["LIBOVERLAY_DEBUG"] = "1"
		if over.LogFile != "" {
			env["LIBOVERLAY_LOG_FILE"] = over.LogFile
		}
	}
	return env
}

// Copy of options with overlay env, options env take precedence
func (over Overlay) Apply(options ProcExec, preload string) ProcExec {
	env := over.Env(preload)
	for key, value := range options.Environment {
		env[key] = value
	}
	options.Environment = env
	return options
}
