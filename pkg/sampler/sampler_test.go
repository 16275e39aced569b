package sampler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sandboxd/pkg/runtime"
	"sandboxd/pkg/types"
)

type fakeLister struct{ live []LiveContainer }

func (f *fakeLister) ListLive() []LiveContainer { return f.live }

func TestSamplerProducesSnapshot(t *testing.T) {
	driver := runtime.NewFakeDriver()
	ctx := context.Background()
	id, err := driver.CreateContainer(ctx, "p1", "python", types.ResourceLimits{}, "")
	require.NoError(t, err)

	lister := &fakeLister{live: []LiveContainer{{PrincipalID: "p1", ContainerID: id, Limits: types.ResourceLimits{MaxMemoryMB: 256}}}}
	s := New(driver, lister, nil, 10*time.Millisecond, time.Minute)

	s.sampleOnce(ctx)

	snap, ok := s.Latest("p1")
	require.True(t, ok)
	require.Positive(t, snap.MemoryMB)
}

func TestSamplerNoSnapshotForUnknownPrincipal(t *testing.T) {
	s := New(runtime.NewFakeDriver(), &fakeLister{}, nil, time.Second, time.Minute)
	_, ok := s.Latest("nobody")
	require.False(t, ok)
}
