package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogAppendsJSONLines(t *testing.T) {
	dir, err := os.MkdirTemp("", "sandboxd-audit-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "audit.log")
	l, err := Open(path)
	require.NoError(t, err)

	l.Log(Entry{PrincipalID: "p1", Action: "complete", ExecutionID: "e1"})
	l.Log(Entry{PrincipalID: "p1", Action: "reject", Category: CategorySecurity})
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)
	require.Equal(t, "complete", entries[0].Action)
	require.Equal(t, CategoryExecution, entries[0].Category)
	require.Equal(t, CategorySecurity, entries[1].Category)
	require.False(t, entries[0].Timestamp.IsZero())
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Log(Entry{PrincipalID: "p1", Action: "complete"})
	require.NoError(t, l.Close())
}

func TestHashCodeStableAndShort(t *testing.T) {
	a := HashCode("print(1)")
	b := HashCode("print(1)")
	c := HashCode("print(2)")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 16)
}
