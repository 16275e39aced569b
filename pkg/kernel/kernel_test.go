package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sandboxd/pkg/types"
)

// newFakeProcess wires a Process to an in-memory echo loop standing in
// for a real interpreter subprocess: it reads one Frame per line from the
// stdin pipe and writes back a Response, doubling the code as stdout to
// make assertions trivial.
func newFakeProcess(t *testing.T, fail bool) *Process {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	outR, outW := io.Pipe()

	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			var f Frame
			_ = json.Unmarshal(scanner.Bytes(), &f)
			resp := Response{Stdout: f.Code, Stderr: "", OK: !fail}
			encoded, _ := json.Marshal(resp)
			_, _ = outW.Write(append(encoded, '\n'))
		}
	}()

	return &Process{
		stdinW: stdinW,
		stdout: bufio.NewScanner(outR),
		wait:   &fakeWait{},
	}
}

type fakeWait struct{}

func (fakeWait) Wait(context.Context) (int, bool, error) { return 0, false, nil }

func TestProcessExecuteRoundTrip(t *testing.T) {
	p := newFakeProcess(t, false)

	stdout, stderr, err := p.Execute(context.Background(), "exec-1", "print(1)", time.Second)
	require.NoError(t, err)
	require.Equal(t, "print(1)", stdout)
	require.Empty(t, stderr)
	require.False(t, p.Dead())
}

func TestProcessExecuteFailureResponse(t *testing.T) {
	p := newFakeProcess(t, true)

	_, _, err := p.Execute(context.Background(), "exec-1", "raise ValueError()", time.Second)
	require.Error(t, err)
	require.Equal(t, types.KindRuntimeError, types.KindOf(err))
}

func TestProcessExecuteDeadlineExceeded(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	outR, _ := io.Pipe() // never written to: simulates a hung kernel
	go io.Copy(io.Discard, stdinR)

	p := &Process{
		stdinW: stdinW,
		stdout: bufio.NewScanner(outR),
		wait:   &fakeWait{},
	}

	_, _, err := p.Execute(context.Background(), "exec-1", "while True: pass", 20*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, types.KindTimeout, types.KindOf(err))
	require.True(t, p.Dead())
}

func TestManagerRejectsNonPersistentLanguage(t *testing.T) {
	m := New(nil)
	_, err := m.GetOrSpawn(context.Background(), "p1", "container-1", "javascript", "/tmp/state")
	require.Error(t, err)
	require.Equal(t, types.KindForbidden, types.KindOf(err))
}
