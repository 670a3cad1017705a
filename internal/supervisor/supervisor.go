// Package supervisor launches the proxy worker pool as a detached background
// process and hands back its PID without waiting for it to accept.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"time"
)

// readyPollInterval is how often WaitReady retries the listener.
const readyPollInterval = 50 * time.Millisecond

// Options describes the pool process to launch.
type Options struct {
	Host        string // empty lets the pool use its configured host
	ProxyPort   int
	BackendPort int
	Workers     int // 0 lets the pool use its configured worker count
	ConfigPath  string

	// Executable defaults to the running binary.
	Executable string
	// ArgsPrefix is placed before the serve subcommand.
	ArgsPrefix []string
	// ExtraArgs is appended after the generated serve flags.
	ExtraArgs []string
	// Env is appended to the current environment.
	Env []string
	// LogFile receives the child's stdout and stderr. Empty discards them,
	// so a caller reading our output through a pipe still sees EOF.
	LogFile string
}

func (o *Options) validate() error {
	for name, port := range map[string]int{
		"proxy port":   o.ProxyPort,
		"backend port": o.BackendPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("supervisor: %s must be 1–65535; got %d", name, port)
		}
	}
	if o.Workers < 0 {
		return fmt.Errorf("supervisor: workers must be non-negative; got %d", o.Workers)
	}
	return nil
}

// BuildArgs returns the serve command line for opts, without the executable.
func BuildArgs(opts Options) []string {
	args := []string{"serve",
		"--port", strconv.Itoa(opts.ProxyPort),
		"--backend-port", strconv.Itoa(opts.BackendPort),
	}
	if opts.Host != "" {
		args = append(args, "--host", opts.Host)
	}
	if opts.Workers > 0 {
		args = append(args, "--workers", strconv.Itoa(opts.Workers))
	}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	return append(args, opts.ExtraArgs...)
}

// Handle refers to a launched pool process.
type Handle struct {
	PID int

	proc *os.Process
	done chan struct{}
	err  error
}

// Start spawns the pool in its own session and returns as soon as the
// process exists. The child keeps running after the caller exits and
// shares none of the caller's stdio.
func Start(opts Options) (*Handle, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("supervisor: locate executable: %w", err)
		}
	}

	cmd := exec.Command(exe, append(slices.Clone(opts.ArgsPrefix), BuildArgs(opts)...)...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = detachAttr()

	out, err := openOutput(opts.LogFile)
	if err != nil {
		return nil, err
	}
	cmd.Stdout, cmd.Stderr = out, out

	err = cmd.Start()
	// The child holds its own descriptor.
	_ = out.Close()
	if err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", exe, err)
	}

	h := &Handle{
		PID:  cmd.Process.Pid,
		proc: cmd.Process,
		done: make(chan struct{}),
	}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// openOutput opens the file that receives the child's stdout and stderr.
// It is never one of our own descriptors, which the child would otherwise
// keep open for its whole lifetime.
func openOutput(logFile string) (*os.File, error) {
	if logFile == "" {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("supervisor: open %s: %w", os.DevNull, err)
		}
		return f, nil
	}
	f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open log file: %w", err)
	}
	return f, nil
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits and returns its exit error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Stop asks the process to shut down gracefully. It does not wait.
func (h *Handle) Stop() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := terminate(h.proc); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("supervisor: stop pid %d: %w", h.PID, err)
	}
	return nil
}

// WaitReady polls addr until it accepts a TCP connection, ctx ends, or the
// process exits.
func (h *Handle) WaitReady(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: 250 * time.Millisecond}
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("supervisor: %s not ready: %w", addr, ctx.Err())
		case <-h.done:
			if h.err != nil {
				return fmt.Errorf("supervisor: pid %d exited before accepting: %w", h.PID, h.err)
			}
			return fmt.Errorf("supervisor: pid %d exited before accepting", h.PID)
		case <-ticker.C:
		}
	}
}

// ReadyAddr returns a dialable address for a pool bound to host:port,
// mapping wildcard hosts to loopback.
func ReadyAddr(host string, port int) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
