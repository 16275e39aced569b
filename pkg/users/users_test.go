package users

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"sandboxd/pkg/types"
)

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "sandboxd-users-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "users.json")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestCreateGetRoundTrip(t *testing.T) {
	s, _ := tempStore(t)

	in := User{
		ID:               "p1",
		Username:         "alice",
		Enabled:          true,
		IsAdmin:          false,
		AllowedLanguages: []string{"python", "shell"},
		Limits:           types.ResourceLimits{MaxMemoryMB: 512, MaxExecutionSeconds: 10},
	}
	created, err := s.Create(in)
	require.NoError(t, err)
	require.False(t, created.CreatedAt.IsZero())

	got, err := s.Get("p1")
	require.NoError(t, err)
	require.Equal(t, created, got)
	require.Equal(t, in.Username, got.Username)
	require.Equal(t, in.AllowedLanguages, got.AllowedLanguages)
	require.Equal(t, in.Limits, got.Limits)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	s, path := tempStore(t)
	_, err := s.Create(User{ID: "p1", Username: "alice", Enabled: true})
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	got, err := reopened.Get("p1")
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username)
}

func TestDuplicateCreateRejected(t *testing.T) {
	s, _ := tempStore(t)
	_, err := s.Create(User{ID: "p1", Enabled: true})
	require.NoError(t, err)
	_, err = s.Create(User{ID: "p1", Enabled: true})
	require.Error(t, err)
}

func TestDeleteThenGetNotFound(t *testing.T) {
	s, _ := tempStore(t)
	_, err := s.Create(User{ID: "p1", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, s.Delete("p1"))
	_, err = s.Get("p1")
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestPrincipalConversion(t *testing.T) {
	u := User{
		ID:               "p1",
		Enabled:          true,
		IsAdmin:          true,
		AllowedLanguages: []string{"python"},
	}
	p := u.Principal()
	require.True(t, p.LanguageAllowed("python"))
	require.False(t, p.LanguageAllowed("shell"))
	require.True(t, p.IsAdmin)

	// empty allow-list means everything is allowed
	open := User{ID: "p2", Enabled: true}.Principal()
	require.True(t, open.LanguageAllowed("shell"))
}
