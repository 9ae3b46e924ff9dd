package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

var (
	ErrNoContainerId  = errors.New("set container ID")
	ErrNoDockerClient = errors.New("set docker client")
)

// Run process inside container, overlay folders and library mounted on same paths
type Docker struct {
	DockerClient      *client.Client    `json:"-"`                 // Docker client
	DockerImage       string            `json:"dockerImage"`       // Docker image, default is docker.io/debian:stable-slim
	Network           string            `json:"network"`           // Network host to container run
	Ports             map[string]string `json:"ports"`             // Expose ports: map[string]string{"22":"8022", "80": ""}
	LocalFolders      []string          `json:"folders"`           // Extra binds, exp: []string{`/srv/data:/var/lib/data`}
	Overlay           *Overlay          `json:"overlay"`           // Preload liboverlay in container
	ReplaceEntrypoint bool              `json:"replaceEntrypoint"` // Replace default entrypoint to /bin/sh -c
	AutoRemove        bool              `json:"autoRemove"`        // Remove container after exit
	ContainerID       string            `json:"-"`                 // Container ID

	stdoutIO, stderrIO *dynamicWrite
	exited             chan struct{}
	exitLocker         sync.Mutex
	exitCode           *int64
	exitErr            error
}

// Port bindings from Ports, port without protocol is tcp
func (w Docker) PortBindings() (nat.PortSet, nat.PortMap, error) {
	exposed, bindings := nat.PortSet{}, nat.PortMap{}
	for containerPort, localPort := range w.Ports {
		port, err := nat.NewPort(nat.SplitProtoPort(containerPort))
		if err != nil {
			return nil, nil, err
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{}
		if localPort != "" {
			bindings[port] = []nat.PortBinding{{HostPort: localPort}}
		}
	}
	return exposed, bindings, nil
}

// Binds to overlay folders and library, lower is read only
func (w Docker) Binds() []string {
	binds := append([]string{}, w.LocalFolders...)
	if over := w.Overlay; over != nil {
		binds = append(binds, fmt.Sprintf("%s:%s:ro", over.Library, over.Library))
		if over.Lower != "" {
			binds = append(binds, fmt.Sprintf("%s:%s:ro", over.Lower, over.Lower))
		}
		if over.Upper != "" {
			binds = append(binds, fmt.Sprintf("%s:%s", over.Upper, over.Upper))
		}
		if over.Debug && over.LogFile != "" {
			binds = append(binds, fmt.Sprintf("%s:%s", over.LogFile, over.LogFile))
		}
	}
	return binds
}

func (w *Docker) ExitCode() (int64, error) {
	w.exitLocker.Lock()
	defer w.exitLocker.Unlock()
	if w.exitCode == nil {
		if w.ContainerID == "" {
			return 0, ErrNoRunning
		}
		return 0, ErrRunning
	}
	return *w.exitCode, nil
}

func (w *Docker) Kill() error {
	if w.ContainerID == "" {
		return ErrNoContainerId
	}
	return w.DockerClient.ContainerKill(context.Background(), w.ContainerID, "SIGKILL")
}

func (w *Docker) Close() error {
	if w.ContainerID == "" {
		return ErrNoContainerId
	}
	return w.DockerClient.ContainerStop(context.Background(), w.ContainerID, container.StopOptions{Signal: "SIGTERM"})
}

func (w *Docker) Wait() error {
	if w.ContainerID == "" || w.exited == nil {
		return ErrNoContainerId
	}
	<-w.exited

	w.exitLocker.Lock()
	defer w.exitLocker.Unlock()
	if w.exitErr != nil {
		return w.exitErr
	} else if *w.exitCode != 0 {
		return fmt.Errorf("exit code %d", *w.exitCode)
	}
	return nil
}

func (w *Docker) Write(p []byte) (int, error) {
	stdin, err := w.StdinFork()
	if err != nil {
		return 0, err
	}
	defer stdin.Close()
	return stdin.Write(p)
}

func (w *Docker) StdinFork() (io.WriteCloser, error) {
	if w.ContainerID == "" {
		return nil, ErrNoContainerId
	}
	res, err := w.DockerClient.ContainerAttach(context.Background(), w.ContainerID, container.AttachOptions{Stdin: true, Stream: true})
	if err != nil {
		return nil, err
	}
	return res.Conn, nil
}

// Forks must be taken before Start to get all output
func (w *Docker) StdoutFork() (io.ReadCloser, error) {
	if w.stdoutIO == nil {
		w.stdoutIO = &dynamicWrite{}
	}
	r, wr := io.Pipe()
	w.stdoutIO.Append(wr)
	return r, nil
}

func (w *Docker) StderrFork() (io.ReadCloser, error) {
	if w.stderrIO == nil {
		w.stderrIO = &dynamicWrite{}
	}
	r, wr := io.Pipe()
	w.stderrIO.Append(wr)
	return r, nil
}

// Pull image, create container and attach to output
func (w *Docker) Start(options ProcExec) error {
	if w.DockerClient == nil {
		return ErrNoDockerClient
	} else if len(options.Arguments) == 0 {
		return ErrNoCommand
	} else if w.DockerImage == "" {
		w.DockerImage = "docker.io/debian:stable-slim"
	}
	if w.stdoutIO == nil {
		w.stdoutIO = &dynamicWrite{}
	}
	if w.stderrIO == nil {
		w.stderrIO = &dynamicWrite{}
	}

	if w.Overlay != nil {
		if err := w.Overlay.Abs(); err != nil {
			return err
		}
		options = w.Overlay.Apply(options, "")
	}

	ctx := context.Background()
	reader, err := w.DockerClient.ImagePull(ctx, w.DockerImage, image.PullOptions{})
	if err != nil {
		return err
	}
	io.Copy(io.Discard, reader)
	reader.Close()

	exposed, bindings, err := w.PortBindings()
	if err != nil {
		return err
	}

	config := container.Config{
		Image:        w.DockerImage,
		Cmd:          options.Arguments,
		WorkingDir:   options.Cwd,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ExposedPorts: exposed,
	}
	for key, value := range options.Environment {
		config.Env = append(config.Env, fmt.Sprintf("%s=%s", key, value))
	}
	if w.ReplaceEntrypoint {
		config.Entrypoint = strslice.StrSlice{"/bin/sh", "-c"}
	}

	hostConfig := container.HostConfig{
		Binds:        w.Binds(),
		PortBindings: bindings,
		AutoRemove:   w.AutoRemove,
	}
	if w.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(w.Network)
	}

	containerInfo, err := w.DockerClient.ContainerCreate(ctx, &config, &hostConfig, nil, nil, "")
	if err != nil {
		return err
	}
	w.ContainerID = containerInfo.ID

	attach, err := w.DockerClient.ContainerAttach(ctx, w.ContainerID, container.AttachOptions{Stdout: true, Stderr: true, Stream: true})
	if err != nil {
		return err
	}

	// Register wait before start, AutoRemove can remove container before wait
	statusCh, errCh := w.DockerClient.ContainerWait(ctx, w.ContainerID, container.WaitConditionNextExit)
	if err := w.DockerClient.ContainerStart(ctx, w.ContainerID, container.StartOptions{}); err != nil {
		attach.Close()
		return err
	}

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		defer attach.Close()
		stdcopy.StdCopy(w.stdoutIO, w.stderrIO, attach.Reader)
	}()

	w.exited = make(chan struct{})
	go func() {
		defer close(w.exited)
		var code int64
		var exitErr error
		select {
		case exitErr = <-errCh:
		case status := <-statusCh:
			code = status.StatusCode
			if status.Error != nil {
				exitErr = errors.New(status.Error.Message)
			}
		}
		<-copied
		w.stdoutIO.Close()
		w.stderrIO.Close()

		w.exitLocker.Lock()
		defer w.exitLocker.Unlock()
		w.exitCode, w.exitErr = &code, exitErr
	}()

	return nil
}
