// Package replay implements the capped on-disk replay ring: one JSON file
// per completed execution under replays/, written by atomic rename, with
// the oldest records evicted once the cap is reached. Rerunning a record
// re-submits its sanitized request as a brand-new execution; records are
// never aliased to the executions they spawn.
package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"sandboxd/pkg/types"
)

// Output captured into a record is truncated to this many bytes per stream;
// replays exist for audit and re-run, not as a log archive.
const maxCapturedOutput = 4096

// Store is the capped replay ring.
type Store struct {
	dir        string
	maxRecords int

	mu    sync.Mutex
	index []indexEntry // sorted oldest first
}

type indexEntry struct {
	executionID string
	timestamp   int64 // UnixNano, for eviction ordering
}

// Open scans dir for existing records and rebuilds the eviction index.
func Open(dir string, maxRecords int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create replay dir: %w", err)
	}
	s := &Store{dir: dir, maxRecords: maxRecords}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.readFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue // unreadable record: skip, it will age out
		}
		s.index = append(s.index, indexEntry{executionID: rec.ExecutionID, timestamp: rec.Timestamp.UnixNano()})
	}
	sort.Slice(s.index, func(i, j int) bool { return s.index[i].timestamp < s.index[j].timestamp })
	return s, nil
}

func (s *Store) pathFor(executionID string) string {
	return filepath.Join(s.dir, executionID+".json")
}

func (s *Store) readFile(path string) (types.ReplayRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.ReplayRecord{}, err
	}
	var rec types.ReplayRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.ReplayRecord{}, err
	}
	return rec, nil
}

// Append persists one record (sanitized and truncated), then evicts the
// oldest records until the ring is back under its cap.
func (s *Store) Append(rec types.ReplayRecord) error {
	rec = Sanitize(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.pathFor(rec.ExecutionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.pathFor(rec.ExecutionID)); err != nil {
		return err
	}
	s.index = append(s.index, indexEntry{executionID: rec.ExecutionID, timestamp: rec.Timestamp.UnixNano()})
	sort.Slice(s.index, func(i, j int) bool { return s.index[i].timestamp < s.index[j].timestamp })

	for s.maxRecords > 0 && len(s.index) > s.maxRecords {
		oldest := s.index[0]
		s.index = s.index[1:]
		_ = os.Remove(s.pathFor(oldest.executionID))
	}
	return nil
}

// Get loads one record by execution ID. A record evicted between listing
// and lookup returns NotFound, never a stale aliased copy.
func (s *Store) Get(executionID string) (types.ReplayRecord, error) {
	rec, err := s.readFile(s.pathFor(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return types.ReplayRecord{}, types.NewError(types.KindNotFound, fmt.Sprintf("replay %q not found", executionID), nil)
		}
		return types.ReplayRecord{}, types.NewError(types.KindInternal, "read replay record", err)
	}
	return rec, nil
}

// List returns records newest first, optionally filtered by principal,
// capped at limit (0 means no limit).
func (s *Store) List(principalID string, limit int) []types.ReplayRecord {
	s.mu.Lock()
	ids := make([]string, len(s.index))
	for i, e := range s.index {
		ids[i] = e.executionID
	}
	s.mu.Unlock()

	var out []types.ReplayRecord
	for i := len(ids) - 1; i >= 0; i-- {
		rec, err := s.readFile(s.pathFor(ids[i]))
		if err != nil {
			continue
		}
		if principalID != "" && rec.PrincipalID != principalID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Count reports how many records are currently retained.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Sanitize strips request fields that must not be persisted (the env map
// may carry caller-supplied values) and truncates captured output.
func Sanitize(rec types.ReplayRecord) types.ReplayRecord {
	rec.Request.Env = nil
	rec.Result.Stdout = truncate(rec.Result.Stdout)
	rec.Result.Stderr = truncate(rec.Result.Stderr)
	return rec
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput] + "\n[truncated]"
}
