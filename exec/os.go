package exec

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

type dynamicWrite struct {
	locker sync.Mutex
	p      []io.Writer
}

func (p *dynamicWrite) Append(w io.Writer) {
	p.locker.Lock()
	defer p.locker.Unlock()
	p.p = append(p.p, w)
}

// Write to all writers, drop closed ones
func (p *dynamicWrite) Write(w []byte) (int, error) {
	p.locker.Lock()
	defer p.locker.Unlock()
	alive := p.p[:0]
	for _, wri := range p.p {
		if _, err := wri.Write(w); err == nil {
			alive = append(alive, wri)
		} else if err != io.EOF && err != io.ErrClosedPipe {
			return 0, err
		}
	}
	p.p = alive
	return len(w), nil
}

// Close pipe writers after process exit
func (p *dynamicWrite) Close() error {
	p.locker.Lock()
	defer p.locker.Unlock()
	for _, wri := range p.p {
		if closer, ok := wri.(io.Closer); ok {
			closer.Close()
		}
	}
	p.p = nil
	return nil
}

// Run process in host, env inherit current process env
type Os struct {
	osProc *exec.Cmd

	stdin              io.WriteCloser
	stdout, stderr     io.ReadCloser
	stderrIO, stdoutIO *dynamicWrite
	copyDone           sync.WaitGroup
}

func (w *Os) Write(p []byte) (int, error) {
	if w.stdin == nil {
		return 0, ErrNoRunning
	}
	return w.stdin.Write(p)
}

// Close stdin, process read EOF
func (w *Os) CloseStdin() error {
	if w.stdin == nil {
		return ErrNoRunning
	}
	return w.stdin.Close()
}

func (w *Os) Wait() error {
	if w.osProc == nil || w.osProc.Process == nil {
		return ErrNoRunning
	}
	w.copyDone.Wait() // Wait read all output before Cmd.Wait close pipes
	defer w.stdoutIO.Close()
	defer w.stderrIO.Close()
	return w.osProc.Wait()
}

func (w *Os) Kill() error {
	if w.osProc == nil || w.osProc.Process == nil {
		return ErrNoRunning
	}
	return w.osProc.Process.Kill()
}

func (w *Os) Close() error {
	if w.osProc == nil || w.osProc.Process == nil {
		return ErrNoRunning
	}
	if w.stdin != nil {
		w.stdin.Close()
	}
	return w.osProc.Process.Signal(os.Interrupt)
}

func (w *Os) ExitCode() (int64, error) {
	if w.osProc == nil {
		return 0, ErrNoRunning
	} else if w.osProc.ProcessState == nil {
		return 0, ErrRunning
	} else if status, ok := w.osProc.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int64(status.Signal()), nil // Shell convention
	}
	return int64(w.osProc.ProcessState.ExitCode()), nil
}

func (w *Os) StdinFork() (io.WriteCloser, error) {
	if w.stdin == nil {
		return nil, ErrNoRunning
	}
	r, wr := io.Pipe()
	go io.Copy(w.stdin, r)
	return wr, nil
}

// Forks must be taken before Start to get all output
func (w *Os) StdoutFork() (io.ReadCloser, error) {
	if w.stdoutIO == nil {
		w.stdoutIO = &dynamicWrite{}
	}
	r, wr := io.Pipe()
	w.stdoutIO.Append(wr)
	return r, nil
}

func (w *Os) StderrFork() (io.ReadCloser, error) {
	if w.stderrIO == nil {
		w.stderrIO = &dynamicWrite{}
	}
	r, wr := io.Pipe()
	w.stderrIO.Append(wr)
	return r, nil
}

func (w *Os) Start(options ProcExec) error {
	if len(options.Arguments) == 0 {
		return ErrNoCommand
	} else if w.osProc != nil && w.osProc.ProcessState == nil {
		return ErrRunning
	}

	w.osProc = exec.Command(options.Arguments[0], options.Arguments[1:]...)
	w.osProc.Dir = options.Cwd
	w.osProc.Env = os.Environ()
	for key, value := range options.Environment {
		w.osProc.Env = append(w.osProc.Env, fmt.Sprintf("%s=%s", key, value))
	}

	if w.stderrIO == nil {
		w.stderrIO = &dynamicWrite{}
	}
	if w.stdoutIO == nil {
		w.stdoutIO = &dynamicWrite{}
	}

	var err error
	if w.stdout, err = w.osProc.StdoutPipe(); err != nil {
		return err
	} else if w.stderr, err = w.osProc.StderrPipe(); err != nil {
		w.stdout.Close()
		return err
	} else if w.stdin, err = w.osProc.StdinPipe(); err != nil {
		w.stdout.Close()
		w.stderr.Close()
		return err
	}

	if err := w.osProc.Start(); err != nil {
		return err
	}
	w.copyDone.Add(2)
	go func() { defer w.copyDone.Done(); io.Copy(w.stdoutIO, w.stdout) }()
	go func() { defer w.copyDone.Done(); io.Copy(w.stderrIO, w.stderr) }()
	return nil
}
