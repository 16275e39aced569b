package replay

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sandboxd/pkg/types"
)

func record(i int, base time.Time) types.ReplayRecord {
	return types.ReplayRecord{
		ExecutionID: fmt.Sprintf("exec-%03d", i),
		PrincipalID: "p1",
		Timestamp:   base.Add(time.Duration(i) * time.Second),
		Request:     types.ExecutionRequest{Code: "print(1)", Language: "python"},
		Result:      types.ExecutionResult{Status: types.StatusSuccess, Stdout: "1\n"},
	}
}

func TestCapEvictsOldestFirst(t *testing.T) {
	dir, err := os.MkdirTemp("", "sandboxd-replay-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir, 3)
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(record(i, base)))
	}

	require.Equal(t, 3, s.Count())

	// the two oldest are gone
	_, err = s.Get("exec-000")
	require.Equal(t, types.KindNotFound, types.KindOf(err))
	_, err = s.Get("exec-001")
	require.Equal(t, types.KindNotFound, types.KindOf(err))

	rec, err := s.Get("exec-004")
	require.NoError(t, err)
	require.Equal(t, "exec-004", rec.ExecutionID)
}

func TestOpenRebuildsIndexFromDisk(t *testing.T) {
	dir, err := os.MkdirTemp("", "sandboxd-replay-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir, 10)
	require.NoError(t, err)
	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(record(i, base)))
	}

	reopened, err := Open(dir, 10)
	require.NoError(t, err)
	require.Equal(t, 4, reopened.Count())

	// eviction order survives the reopen
	require.NoError(t, reopened.Append(record(10, base)))
	for i := 11; reopened.Count() < 10; i++ {
		require.NoError(t, reopened.Append(record(i, base)))
	}
	require.NoError(t, reopened.Append(record(99, base)))
	_, err = reopened.Get("exec-000")
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestSanitizeStripsEnvAndTruncates(t *testing.T) {
	rec := types.ReplayRecord{
		ExecutionID: "exec-x",
		Request: types.ExecutionRequest{
			Code: "print(1)",
			Env:  map[string]string{"LANG": "C"},
		},
		Result: types.ExecutionResult{Stdout: string(make([]byte, maxCapturedOutput+100))},
	}
	clean := Sanitize(rec)
	require.Nil(t, clean.Request.Env)
	require.Contains(t, clean.Result.Stdout, "[truncated]")
	require.Equal(t, "print(1)", clean.Request.Code)
}

func TestListNewestFirstFiltered(t *testing.T) {
	dir, err := os.MkdirTemp("", "sandboxd-replay-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := Open(dir, 10)
	require.NoError(t, err)
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(record(i, base)))
	}
	other := record(9, base)
	other.PrincipalID = "p2"
	require.NoError(t, s.Append(other))

	mine := s.List("p1", 0)
	require.Len(t, mine, 3)
	require.Equal(t, "exec-002", mine[0].ExecutionID)

	all := s.List("", 0)
	require.Len(t, all, 4)
}
