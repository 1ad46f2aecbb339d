package backend_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/relaymcp/gateway/internal/backend"
	"github.com/relaymcp/gateway/internal/config"
	"github.com/relaymcp/gateway/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain re-executes this same test binary as a fake MCP backend when
// GO_WANT_HELPER_PROCESS is set, following the standard library's
// os/exec_test.go pattern. This gives session_test.go a real child process
// to spawn, handshake with, and terminate without shipping a second binary.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperBackend()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helperCommand(t *testing.T, mode string) (string, []string, map[string]string) {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe, []string{"-test.run=TestMain", "-test.v=false"}, map[string]string{
		"GO_WANT_HELPER_PROCESS": "1",
		"HELPER_MODE":            mode,
	}
}

func newTestSession(t *testing.T, mode string) *backend.Session {
	t.Helper()
	exe, args, env := helperCommand(t, mode)
	cfg := &config.BackendConfig{
		Name:    "t",
		Command: exe,
		Args:    args,
		Env:     env,
		Timeout: 2 * time.Second,
	}
	var buf bytes.Buffer
	log := logging.New(&buf, logging.LevelDebug)
	return backend.New("t", cfg, log)
}

func TestSpawnAndHandshake(t *testing.T) {
	s := newTestSession(t, "ok")
	err := s.Spawn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.Ready, s.State())
	require.NoError(t, s.Terminate(context.Background(), time.Second))
	assert.Equal(t, backend.Terminated, s.State())
}

func TestSpawnHandshakeRejected(t *testing.T) {
	s := newTestSession(t, "reject-init")
	err := s.Spawn(context.Background())
	require.Error(t, err)
	assert.Equal(t, backend.Failed, s.State())
}

func TestSpawnCommandNotFound(t *testing.T) {
	cfg := &config.BackendConfig{Name: "t", Command: "/no/such/binary", Timeout: time.Second}
	var buf bytes.Buffer
	s := backend.New("t", cfg, logging.New(&buf, logging.LevelDebug))
	err := s.Spawn(context.Background())
	require.Error(t, err)
	assert.Equal(t, backend.Failed, s.State())
}

func TestCallToolRoundTrip(t *testing.T) {
	s := newTestSession(t, "ok")
	require.NoError(t, s.Spawn(context.Background()))
	defer s.Terminate(context.Background(), time.Second)

	result, err := s.CallTool(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(result), "hi")
}

func TestCallTimesOut(t *testing.T) {
	s := newTestSession(t, "slow")
	require.NoError(t, s.Spawn(context.Background()))
	defer s.Terminate(context.Background(), time.Second)

	_, err := s.Call(context.Background(), "tools/call", map[string]string{"name": "slow"}, 100*time.Millisecond)
	require.Error(t, err)
	var callErr *backend.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "timeout", callErr.Reason)
}

func TestConcurrentCallsAreCorrelatedByID(t *testing.T) {
	s := newTestSession(t, "echo-id")
	require.NoError(t, s.Spawn(context.Background()))
	defer s.Terminate(context.Background(), time.Second)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Call(context.Background(), "tools/call", nil, time.Second)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestToolsListIsCached(t *testing.T) {
	s := newTestSession(t, "counting-tools")
	require.NoError(t, s.Spawn(context.Background()))
	defer s.Terminate(context.Background(), time.Second)

	first, err := s.ToolsList(context.Background(), time.Second)
	require.NoError(t, err)
	second, err := s.ToolsList(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestTerminateAbortsPendingCalls(t *testing.T) {
	s := newTestSession(t, "slow")
	require.NoError(t, s.Spawn(context.Background()))

	callErrCh := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "tools/call", map[string]string{"name": "slow"}, 5*time.Second)
		callErrCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Terminate(context.Background(), 500*time.Millisecond))

	select {
	case err := <-callErrCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not aborted by Terminate")
	}
}

func TestUnexpectedExitMarksFailed(t *testing.T) {
	s := newTestSession(t, "crash-after-init")
	require.NoError(t, s.Spawn(context.Background()))

	require.Eventually(t, func() bool {
		return s.State() == backend.Failed
	}, 2*time.Second, 10*time.Millisecond)
}

// sanity check that the helper machinery itself behaves as a plain child
// process: started with the helper env, it exits once its stdin is closed.
func TestHelperProcessIsActuallyInvoked(t *testing.T) {
	exe, args, env := helperCommand(t, "ok")
	cmd := exec.Command(exe, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	stdin.Close()
	_ = cmd.Wait()
}
