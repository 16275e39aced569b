package launcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetResolvesAliases(t *testing.T) {
	for alias, canonical := range map[string]string{
		"py":      "python",
		"python3": "python",
		"js":      "javascript",
		"node":    "javascript",
		"bash":    "shell",
		"golang":  "go",
		"PYTHON":  "python",
		" python": "python",
	} {
		spec, err := Get(alias)
		require.NoError(t, err, alias)
		require.Equal(t, canonical, spec.Language, alias)
	}
}

func TestGetUnknownLanguage(t *testing.T) {
	_, err := Get("cobol")
	require.Error(t, err)
}

func TestCompiledLanguageHasCompileStep(t *testing.T) {
	spec, err := Get("go")
	require.NoError(t, err)
	require.NotNil(t, spec.Compile)
	require.False(t, spec.StdinFeed)

	argv := spec.Compile.Argv("/tmp/b/main.go", "/tmp/b/main")
	require.Equal(t, []string{"go", "build", "-o", "/tmp/b/main", "/tmp/b/main.go"}, argv)
	require.Equal(t, []string{"/tmp/b/main"}, spec.Argv("/tmp/b/main"))
}

func TestOnlyPersistentLanguagesHaveKernels(t *testing.T) {
	py, err := Get("python")
	require.NoError(t, err)
	require.True(t, py.Persistent)
	require.NotEmpty(t, py.KernelArgv())
	require.NotEmpty(t, py.StateFileName)

	sh, err := Get("shell")
	require.NoError(t, err)
	require.False(t, sh.Persistent)
}

func TestStdinFeedLaunchersReadFromStdin(t *testing.T) {
	py, err := Get("python")
	require.NoError(t, err)
	require.True(t, py.StdinFeed)
	require.Equal(t, []string{"python3", "-"}, py.Argv("-"))
}
