package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/core"
	"github.com/modelrelay/modelrelay/internal/sandbox"
)

type fakeProc struct {
	stdout  io.Reader
	waitErr error
	killed  atomic.Bool
}

func (p *fakeProc) Stdout() io.Reader { return p.stdout }
func (p *fakeProc) Wait() error       { return p.waitErr }
func (p *fakeProc) Kill() error       { p.killed.Store(true); return nil }

type fakeRunner struct {
	proc     *fakeProc
	startErr error
	lastSpec sandbox.Spec
}

func (r *fakeRunner) Start(_ context.Context, spec sandbox.Spec) (sandbox.Proc, error) {
	r.lastSpec = spec

	if r.startErr != nil {
		return nil, r.startErr
	}

	return r.proc, nil
}

func spawnRequest() *core.Request {
	return &core.Request{
		RequestID:   "req-1",
		Model:       "echo-1",
		NativeModel: "echo",
		Messages:    []core.Message{{Role: core.RoleUser, Content: "hello"}},
	}
}

func TestSpawnInvoke_StdinMode(t *testing.T) {
	runner := &fakeRunner{proc: &fakeProc{stdout: strings.NewReader("pong\n")}}

	a := NewSpawnCLIWithRunner("echo-cli", config.SpawnCLIConfig{
		Command: "/usr/local/bin/echo-llm",
		Args:    []string{"--json"},
	}, runner, map[string]string{"API_KEY": "resolved"})

	raw, err := a.Invoke(context.Background(), spawnRequest())
	require.NoError(t, err)

	assert.Equal(t, config.AdapterSpawnCLI, raw.Variant)
	assert.Equal(t, "pong", string(raw.Body), "stdout is trimmed")

	spec := runner.lastSpec
	assert.Equal(t, "/usr/local/bin/echo-llm", spec.Command)
	assert.Equal(t, []string{"--json"}, spec.Args)
	assert.Equal(t, map[string]string{"API_KEY": "resolved"}, spec.Env)

	// The payload arrives on stdin as the wire request.
	require.NotNil(t, spec.Stdin)

	payload, err := io.ReadAll(spec.Stdin)
	require.NoError(t, err)

	var wire struct {
		Model    string         `json:"model"`
		Messages []core.Message `json:"messages"`
	}

	require.NoError(t, json.Unmarshal(payload, &wire))
	assert.Equal(t, "echo", wire.Model, "payload carries the native model id")
	require.Len(t, wire.Messages, 1)
	assert.Equal(t, "hello", wire.Messages[0].Content)
}

func TestSpawnInvoke_ArgMode(t *testing.T) {
	runner := &fakeRunner{proc: &fakeProc{stdout: strings.NewReader("ok")}}

	a := NewSpawnCLIWithRunner("echo-cli", config.SpawnCLIConfig{
		Command:   "/usr/local/bin/echo-llm",
		Args:      []string{"--mode", "oneshot"},
		InputMode: "arg",
	}, runner, nil)

	_, err := a.Invoke(context.Background(), spawnRequest())
	require.NoError(t, err)

	spec := runner.lastSpec
	require.Len(t, spec.Args, 3)
	assert.Equal(t, []string{"--mode", "oneshot"}, spec.Args[:2])
	assert.Contains(t, spec.Args[2], `"model":"echo"`, "payload is the final argument")
	assert.Nil(t, spec.Stdin)
}

func TestSpawnInvoke_SandboxSetupFailure(t *testing.T) {
	runner := &fakeRunner{startErr: sandbox.ErrSetup}

	a := NewSpawnCLIWithRunner("echo-cli", config.SpawnCLIConfig{Command: "missing"}, runner, nil)

	_, err := a.Invoke(context.Background(), spawnRequest())
	require.Error(t, err)
	assert.Equal(t, core.KindSandboxFailure, core.KindOf(err),
		"environment failures are distinct from provider failures")
}

func TestSpawnInvoke_ProcessFailure(t *testing.T) {
	runner := &fakeRunner{proc: &fakeProc{
		stdout:  strings.NewReader(""),
		waitErr: errors.New("exit status 2: bad flag"),
	}}

	a := NewSpawnCLIWithRunner("echo-cli", config.SpawnCLIConfig{Command: "echo-llm"}, runner, nil)

	_, err := a.Invoke(context.Background(), spawnRequest())
	require.Error(t, err)
	assert.Equal(t, core.KindUpstream, core.KindOf(err))
}

func TestSpawnInvoke_TimeoutKillsProcessTree(t *testing.T) {
	a := NewSpawnCLIWithRunner("slow-cli", config.SpawnCLIConfig{
		Command:        "/bin/sh",
		Args:           []string{"-c", "sleep 30"},
		TimeoutSeconds: 1,
	}, &sandbox.Local{}, nil)

	start := time.Now()

	_, err := a.Invoke(context.Background(), spawnRequest())
	require.Error(t, err)
	assert.Equal(t, core.KindTimeout, core.KindOf(err))
	assert.Less(t, time.Since(start), 10*time.Second, "the timeout must not wait for the child")
}

func TestSpawnInvoke_EnvAllowlistOnly(t *testing.T) {
	t.Setenv("SPAWN_LEAK_CHECK", "must-not-leak")

	a := NewSpawnCLIWithRunner("env-cli", config.SpawnCLIConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", `printf '%s|%s' "$ALLOWED" "$SPAWN_LEAK_CHECK"`},
	}, &sandbox.Local{}, map[string]string{"ALLOWED": "yes"})

	raw, err := a.Invoke(context.Background(), spawnRequest())
	require.NoError(t, err)
	assert.Equal(t, "yes|", string(raw.Body), "only the allowlist reaches the child")
}

func TestSpawnInvoke_CancelledByCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewSpawnCLIWithRunner("echo-cli", config.SpawnCLIConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
	}, &sandbox.Local{}, nil)

	_, err := a.Invoke(ctx, spawnRequest())
	require.Error(t, err)
	assert.Equal(t, core.KindCancelled, core.KindOf(err))
}

func TestSpawnInvokeStream_LinesBecomeChunks(t *testing.T) {
	runner := &fakeRunner{proc: &fakeProc{
		stdout: strings.NewReader("line one\nline two\n"),
	}}

	a := NewSpawnCLIWithRunner("echo-cli", config.SpawnCLIConfig{Command: "echo-llm"}, runner, nil)

	chunks, err := a.InvokeStream(context.Background(), spawnRequest())
	require.NoError(t, err)

	var bodies []string

	sawDone := false

	for chunk := range chunks {
		require.NoError(t, chunk.Err)

		if chunk.Done {
			sawDone = true
			continue
		}

		bodies = append(bodies, string(chunk.Body))
	}

	assert.Equal(t, []string{"line one", "line two"}, bodies)
	assert.True(t, sawDone, "a clean exit ends with a done chunk")
}

func TestSpawnInvokeStream_CancelledConsumerDoesNotStrandProducer(t *testing.T) {
	proc := &fakeProc{stdout: strings.NewReader(strings.Repeat("token line\n", 64))}
	runner := &fakeRunner{proc: proc}

	a := NewSpawnCLIWithRunner("echo-cli", config.SpawnCLIConfig{Command: "echo-llm"}, runner, nil)

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks, err := a.InvokeStream(ctx, spawnRequest())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		chunk := <-chunks
		require.NoError(t, chunk.Err)
	}

	cancel()

	// The consumer walks away without draining. The producer must kill
	// the process and exit instead of blocking on a full channel.
	assert.Eventually(t, func() bool {
		return proc.killed.Load() && runtime.NumGoroutine() <= before
	}, 2*time.Second, 20*time.Millisecond, "producer still running after cancellation")
}

func TestSpawnInvokeStream_ProcessFailureEndsWithError(t *testing.T) {
	runner := &fakeRunner{proc: &fakeProc{
		stdout:  strings.NewReader("partial\n"),
		waitErr: errors.New("exit status 1"),
	}}

	a := NewSpawnCLIWithRunner("echo-cli", config.SpawnCLIConfig{Command: "echo-llm"}, runner, nil)

	chunks, err := a.InvokeStream(context.Background(), spawnRequest())
	require.NoError(t, err)

	var last RawChunk
	for chunk := range chunks {
		last = chunk
	}

	require.Error(t, last.Err)
	assert.Equal(t, core.KindUpstream, core.KindOf(last.Err))
}
