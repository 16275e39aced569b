package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreEnforcesCapacity(t *testing.T) {
	s := New(3, 60)
	defer s.Close()

	for i := 0; i < 3; i++ {
		require.True(t, s.Allow("p1"))
	}
	require.False(t, s.Allow("p1"))
}

func TestStoreIsolatesPrincipals(t *testing.T) {
	s := New(1, 60)
	defer s.Close()

	require.True(t, s.Allow("p1"))
	require.False(t, s.Allow("p1"))
	require.True(t, s.Allow("p2"))
}
