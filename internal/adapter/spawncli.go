package adapter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/core"
	"github.com/modelrelay/modelrelay/internal/sandbox"
	"github.com/modelrelay/modelrelay/internal/secrets"
)

// maxSpawnOutput bounds how much of a process's stdout one full
// invocation may produce.
const maxSpawnOutput = 4 * 1024 * 1024

// SpawnCLI executes an external process per request inside the
// configured sandbox boundary. The request payload is delivered on
// stdin or as the final argument; stdout is the provider output.
//
// Timeouts terminate the whole process tree, never just the parent.
type SpawnCLI struct {
	slug   string
	cfg    config.SpawnCLIConfig
	runner sandbox.Runner
	env    map[string]string
}

// NewSpawnCLI constructs the adapter, resolving secret references in
// the env allowlist at construction time.
func NewSpawnCLI(slug string, cfg config.SpawnCLIConfig, resolver secrets.Resolver) (*SpawnCLI, error) {
	env := make(map[string]string, len(cfg.Env))

	for k, ref := range cfg.Env {
		v, err := resolver.Resolve(ref)
		if err != nil {
			return nil, core.NewError(core.KindConfigurationInvalid, slug, "resolve env "+k, err)
		}

		env[k] = v
	}

	return &SpawnCLI{
		slug:   slug,
		cfg:    cfg,
		runner: sandbox.NewRunner(cfg.Sandboxed(), cfg.SandboxImage),
		env:    env,
	}, nil
}

// NewSpawnCLIWithRunner injects a runner; used by tests and by
// deployments with a custom sandbox runtime.
func NewSpawnCLIWithRunner(slug string, cfg config.SpawnCLIConfig, runner sandbox.Runner, env map[string]string) *SpawnCLI {
	return &SpawnCLI{slug: slug, cfg: cfg, runner: runner, env: env}
}

func (a *SpawnCLI) Provider() string {
	return a.slug
}

func (a *SpawnCLI) Variant() config.AdapterType {
	return config.AdapterSpawnCLI
}

// Invoke runs one process to completion and captures its stdout.
func (a *SpawnCLI) Invoke(ctx context.Context, req *core.Request) (*Raw, error) {
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout())
	defer cancel()

	start := time.Now()

	proc, err := a.start(runCtx, req)
	if err != nil {
		if cerr := a.classifyRunError(ctx, runCtx, nil); cerr != nil {
			return nil, cerr
		}

		return nil, err
	}

	output, readErr := io.ReadAll(io.LimitReader(proc.Stdout(), maxSpawnOutput))
	waitErr := proc.Wait()

	if err := a.classifyRunError(ctx, runCtx, waitErr); err != nil {
		return nil, err
	}

	if readErr != nil {
		return nil, core.NewError(core.KindMalformedResponse, a.slug, "read process output", readErr)
	}

	return &Raw{
		Variant: config.AdapterSpawnCLI,
		Body:    bytes.TrimSpace(output),
		Latency: time.Since(start),
	}, nil
}

// InvokeStream runs the process and forwards stdout lines as chunks.
// Cancelling ctx kills the process group within the sandbox grace
// period; no chunks are emitted afterwards.
func (a *SpawnCLI) InvokeStream(ctx context.Context, req *core.Request) (<-chan RawChunk, error) {
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout())

	proc, err := a.start(runCtx, req)
	if err != nil {
		cancel()

		if cerr := a.classifyRunError(ctx, runCtx, nil); cerr != nil {
			return nil, cerr
		}

		return nil, err
	}

	out := make(chan RawChunk, 8)

	go func() {
		defer close(out)
		defer cancel()

		scanner := bufio.NewScanner(proc.Stdout())
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			chunk := RawChunk{Body: append([]byte(nil), line...)}

			select {
			case out <- chunk:
			case <-runCtx.Done():
				proc.Kill()

				// A cancelled consumer stops draining; the final error
				// send must not block this goroutine forever.
				select {
				case out <- RawChunk{Err: a.classifyRunError(ctx, runCtx, runCtx.Err())}:
				case <-ctx.Done():
				}

				return
			}
		}

		waitErr := proc.Wait()
		if err := a.classifyRunError(ctx, runCtx, waitErr); err != nil {
			select {
			case out <- RawChunk{Err: err}:
			case <-ctx.Done():
			}

			return
		}

		select {
		case out <- RawChunk{Done: true}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

// HealthCheck runs the configured command with a minimal prompt.
func (a *SpawnCLI) HealthCheck(ctx context.Context) error {
	_, err := a.Invoke(ctx, probeRequest("health"))
	return err
}

func (a *SpawnCLI) Close() error {
	return nil
}

func (a *SpawnCLI) start(ctx context.Context, req *core.Request) (sandbox.Proc, error) {
	payload, err := encodeWireRequest(req, false)
	if err != nil {
		return nil, core.NewError(core.KindUpstream, a.slug, "encode payload", err)
	}

	spec := sandbox.Spec{
		Command: a.cfg.Command,
		Args:    a.cfg.Args,
		Env:     a.env,
	}

	if a.cfg.InputMode == "arg" {
		spec.Args = append(append([]string(nil), a.cfg.Args...), string(payload))
	} else {
		spec.Stdin = bytes.NewReader(payload)
	}

	proc, err := a.runner.Start(ctx, spec)
	if err != nil {
		if errors.Is(err, sandbox.ErrSetup) {
			return nil, core.NewError(core.KindSandboxFailure, a.slug, "sandbox setup", err)
		}

		return nil, core.NewError(core.KindUpstream, a.slug, "start process", err)
	}

	return proc, nil
}

// classifyRunError maps a process outcome onto the error taxonomy. The
// outer ctx distinguishes caller cancellation from the wall-clock
// timeout owned by this adapter.
func (a *SpawnCLI) classifyRunError(ctx, runCtx context.Context, waitErr error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return core.NewError(core.KindCancelled, a.slug, "request cancelled", ctx.Err())
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return core.NewError(core.KindTimeout, a.slug, "process exceeded wall-clock timeout", waitErr)
	case waitErr != nil:
		return core.NewError(core.KindUpstream, a.slug, "process failed", waitErr)
	default:
		return nil
	}
}
