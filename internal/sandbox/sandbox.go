// Package sandbox is the execution boundary for spawn-cli providers.
// It launches one process per request with an explicit environment
// allowlist, a fresh working directory and process-group termination so
// a timeout never leaves orphans behind.
//
// Two runners exist: Local executes the command directly, Container
// wraps it in an OCI runtime invocation (docker-compatible CLI) with
// networking disabled. Failures to set the execution environment up are
// reported as ErrSetup so callers can distinguish them from the spawned
// program failing.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrSetup marks failures of the execution environment itself (missing
// runtime binary, image pull failure, workdir creation) as opposed to
// the spawned program exiting with an error.
var ErrSetup = errors.New("sandbox setup failed")

// killGrace is how long a process group gets between SIGTERM and SIGKILL.
const killGrace = 2 * time.Second

// Spec describes one execution.
type Spec struct {
	Command string
	Args    []string

	// Env is the complete environment for the process. The parent
	// environment is never inherited.
	Env map[string]string

	// Stdin is delivered to the process; nil means no input.
	Stdin io.Reader

	// Image selects the container image for the Container runner;
	// ignored by Local.
	Image string
}

// Proc is a running sandboxed process.
type Proc interface {
	// Stdout streams the process output.
	Stdout() io.Reader

	// Wait blocks until the process exits and returns its error, with
	// captured stderr attached for diagnosis.
	Wait() error

	// Kill terminates the whole process tree.
	Kill() error
}

// Runner launches processes inside an execution boundary.
type Runner interface {
	Start(ctx context.Context, spec Spec) (Proc, error)
}

// NewRunner selects the runner for a provider's sandbox setting.
func NewRunner(sandboxed bool, image string) Runner {
	if sandboxed {
		return &Container{Image: image}
	}

	return &Local{}
}

// Local executes the command directly in a fresh temp working
// directory with only the allowlisted environment.
type Local struct{}

// Start launches the process in its own process group.
func (l *Local) Start(ctx context.Context, spec Spec) (Proc, error) {
	workDir, err := os.MkdirTemp("", "modelrelay-spawn-")
	if err != nil {
		return nil, fmt.Errorf("%w: create working directory: %v", ErrSetup, err)
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = workDir
	cmd.Env = flattenEnv(spec.Env)
	cmd.Stdin = spec.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Kill the whole group, not just the parent, when the context ends.
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGKILL)
	}

	return startProc(cmd, workDir)
}

// Container executes the command inside a docker-compatible runtime
// with networking disabled and the same env allowlist semantics.
type Container struct {
	// Runtime is the CLI binary; defaults to "docker".
	Runtime string

	// Image is the container image to run.
	Image string
}

// Start launches the containerized process.
func (c *Container) Start(ctx context.Context, spec Spec) (Proc, error) {
	runtime := c.Runtime
	if runtime == "" {
		runtime = "docker"
	}

	if _, err := exec.LookPath(runtime); err != nil {
		return nil, fmt.Errorf("%w: runtime %q not found", ErrSetup, runtime)
	}

	if c.Image == "" {
		return nil, fmt.Errorf("%w: no sandbox image configured", ErrSetup)
	}

	args := []string{"run", "--rm", "-i", "--network=none"}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}

	args = append(args, c.Image, spec.Command)
	args = append(args, spec.Args...)

	cmd := exec.CommandContext(ctx, runtime, args...)
	cmd.Stdin = spec.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGKILL)
	}

	p, err := startProc(cmd, "")
	if err != nil {
		// The runtime binary failing to start is an environment
		// problem, not a provider application error.
		return nil, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	return p, nil
}

type proc struct {
	cmd     *exec.Cmd
	stdout  io.Reader
	stderr  *boundedBuffer
	workDir string

	waitOnce sync.Once
	waitErr  error
}

func startProc(cmd *exec.Cmd, workDir string) (Proc, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr := newBoundedBuffer(8 * 1024)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if workDir != "" {
			os.RemoveAll(workDir)
		}

		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	return &proc{cmd: cmd, stdout: stdout, stderr: stderr, workDir: workDir}, nil
}

func (p *proc) Stdout() io.Reader {
	return p.stdout
}

func (p *proc) Wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()

		if p.workDir != "" {
			os.RemoveAll(p.workDir)
		}

		if err != nil {
			if msg := p.stderr.String(); msg != "" {
				err = fmt.Errorf("%w: %s", err, msg)
			}
		}

		p.waitErr = err
	})

	return p.waitErr
}

func (p *proc) Kill() error {
	if err := signalGroup(p.cmd, syscall.SIGTERM); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(killGrace):
		return signalGroup(p.cmd, syscall.SIGKILL)
	}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}

	// Negative pid addresses the whole process group.
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}

	return nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}

	return out
}

// boundedBuffer keeps the tail-bounded stderr capture small so a noisy
// process cannot grow gateway memory.
type boundedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}

	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return string(b.buf)
}
