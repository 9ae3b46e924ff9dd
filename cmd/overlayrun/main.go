// Run program with liboverlay preloaded
//
//	overlayrun -lower /srv/base -upper /srv/data -lib ./liboverlay.so -- program args...
//	overlayrun -docker debian:stable-slim -p 19132/udp:19132 -lower /srv/base -upper /srv/data -lib ./liboverlay.so -- program args...
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/docker/docker/client"
	"go.uber.org/zap"
	"sirherobrine23.com.br/go-bds/liboverlay/exec"
)

var ErrNoProgram = errors.New("set program to run after flags")

// Repeatable CONTAINER:HOST port flag
type portsFlag map[string]string

func (ports portsFlag) String() string {
	var pairs []string
	for container, host := range ports {
		pairs = append(pairs, container+":"+host)
	}
	return strings.Join(pairs, ",")
}

func (ports portsFlag) Set(value string) error {
	container, host, _ := strings.Cut(value, ":")
	if container == "" {
		return fmt.Errorf("invalid port %q", value)
	}
	ports[container] = host
	return nil
}

// Copy process output until runner close its forks
func forwardOutput(proc exec.Proc, stdout, stderr io.Writer) *sync.WaitGroup {
	var copied sync.WaitGroup
	for _, fork := range []struct {
		open func() (io.ReadCloser, error)
		to   io.Writer
	}{{proc.StdoutFork, stdout}, {proc.StderrFork, stderr}} {
		reader, err := fork.open()
		if err != nil {
			continue
		}
		copied.Add(1)
		go func() {
			defer copied.Done()
			defer reader.Close()
			io.Copy(fork.to, reader)
		}()
	}
	return &copied
}

func start(logger *zap.Logger, level zap.AtomicLevel) (int64, error) {
	var over exec.Overlay
	var dockerImage, cwd string
	ports := portsFlag{}
	flag.StringVar(&over.Lower, "lower", os.Getenv("LIBOVERLAY_LOWER_DIR"), "Read-only folder")
	flag.StringVar(&over.Upper, "upper", os.Getenv("LIBOVERLAY_UPPER_DIR"), "Writable folder")
	flag.StringVar(&over.Library, "lib", "liboverlay.so", "Path to liboverlay.so")
	flag.BoolVar(&over.Debug, "debug", false, "Log every redirection")
	flag.StringVar(&over.LogFile, "log", "", "Log file to debug, default stderr")
	flag.StringVar(&cwd, "cwd", "", "Process working directory")
	flag.StringVar(&dockerImage, "docker", "", "Run inside docker container from image")
	flag.Var(ports, "p", "Publish container port CONTAINER:HOST, docker only")
	flag.Parse()

	if over.Debug {
		level.SetLevel(zap.DebugLevel)
	}

	if flag.NArg() == 0 {
		return 0, ErrNoProgram
	} else if err := over.Abs(); err != nil {
		return 0, err
	}
	options := exec.ProcExec{Cwd: cwd, Arguments: flag.Args()}

	var proc exec.Proc
	if dockerImage != "" {
		dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return 0, err
		}
		defer dockerClient.Close()
		proc = &exec.Docker{
			DockerClient: dockerClient,
			DockerImage:  dockerImage,
			Ports:        ports,
			Overlay:      &over,
			AutoRemove:   true,
		}
	} else {
		proc = new(exec.Os)
		options = over.Apply(options, os.Getenv("LD_PRELOAD"))
	}

	copied := forwardOutput(proc, os.Stdout, os.Stderr)

	logger.Debug("starting", zap.Strings("args", options.Arguments), zap.String("lower", over.Lower), zap.String("upper", over.Upper), zap.String("image", dockerImage))
	if err := proc.Start(options); err != nil {
		return 0, err
	}

	if stdin, err := proc.StdinFork(); err == nil {
		go func() {
			io.Copy(stdin, os.Stdin)
			stdin.Close()
			if host, ok := proc.(*exec.Os); ok {
				host.CloseStdin()
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range signals {
			logger.Debug("stopping", zap.Stringer("signal", sig))
			proc.Close()
		}
	}()

	if err := proc.Wait(); err != nil {
		logger.Debug("process exit", zap.Error(err))
	}
	copied.Wait()
	return proc.ExitCode()
}

func main() {
	config := zap.NewDevelopmentConfig()
	config.Level.SetLevel(zap.InfoLevel)
	logger := zap.Must(config.Build())

	code, err := start(logger.Named("overlayrun"), config.Level)
	if err != nil {
		logger.Error("cannot run program", zap.Error(err))
		code = 1
	}
	logger.Sync()
	os.Exit(int(code))
}
