package screener

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScreenerRejectsForkBomb(t *testing.T) {
	s := New()
	v := s.Screen(":(){ :|: & };:", "shell")
	require.False(t, v.Allowed)
	require.Contains(t, v.Reasons, "fork bomb idiom")
}

func TestScreenerAllowsBenignCode(t *testing.T) {
	s := New()
	v := s.Screen(`print(42)`, "python")
	require.True(t, v.Allowed)
	require.Empty(t, v.Reasons)
}

func TestScreenerRejectsProcKcore(t *testing.T) {
	s := New()
	v := s.Screen(`open("/proc/kcore").read()`, "python")
	require.False(t, v.Allowed)
}

func TestScreenerCustomPatternScopedToLanguage(t *testing.T) {
	s := New()
	require.NoError(t, s.AddPattern("eval-danger", "use of eval", `eval\(`, "javascript"))

	require.False(t, s.Screen("eval('1')", "javascript").Allowed)
	require.True(t, s.Screen("eval('1')", "python").Allowed)
}

func TestScreenerRemovePattern(t *testing.T) {
	s := New()
	s.RemovePattern("fork-bomb")
	require.True(t, s.Screen(":(){ :|: & };:", "shell").Allowed)
}
