package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sandboxd/pkg/types"
)

func TestFakeDriverLifecycle(t *testing.T) {
	d := NewFakeDriver()
	ctx := context.Background()

	id, err := d.CreateContainer(ctx, "p1", "python", types.ResourceLimits{}, "/tmp/ws")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res, err := d.ExecOneshot(ctx, id, []string{"python3", "main.py"}, "print(42)", nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, int64(1), d.ExecCallCount())

	stat, err := d.Stat(ctx, id)
	require.NoError(t, err)
	require.Positive(t, stat.MemoryRSS)

	require.NoError(t, d.Stop(ctx, id, time.Second))
	require.NoError(t, d.Remove(ctx, id))

	_, err = d.ExecOneshot(ctx, id, []string{"true"}, "", nil, time.Second)
	require.Error(t, err)
}

func TestFakeDriverUnknownContainer(t *testing.T) {
	d := NewFakeDriver()
	_, err := d.Stat(context.Background(), "does-not-exist")
	require.Error(t, err)
}
