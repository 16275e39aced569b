// Package audit writes the execution audit trail: one JSON object per line,
// appended to a single file, flushed per entry. Screener rejections are
// recorded with category "security" so hostile submissions stand out in the
// trail even though they never reach a container.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Categories for audit entries.
const (
	CategoryExecution = "execution"
	CategorySecurity  = "security"
	CategoryLifecycle = "lifecycle"
)

// Entry is a single audit record.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id,omitempty"`
	PrincipalID string    `json:"principal_id"`
	ContainerID string    `json:"container_id,omitempty"`
	Language    string    `json:"language,omitempty"`
	Action      string    `json:"action"` // start, complete, timeout, kill, error, reject, rate_limit, terminate
	Category    string    `json:"category"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	ExitCode    int       `json:"exit_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	CodeHash    string    `json:"code_hash,omitempty"`
}

// Logger appends entries to an audit file.
type Logger struct {
	mu sync.Mutex
	f  *os.File
}

// Open creates (or appends to) the audit file at path.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &Logger{f: f}, nil
}

// Log appends one entry. Failures are swallowed: auditing never fails an
// execution.
func (l *Logger) Log(e Entry) {
	if l == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Category == "" {
		e.Category = CategoryExecution
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.f.Write(append(data, '\n'))
}

// Close flushes and closes the audit file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// HashCode returns a short stable digest of submitted code, stored instead
// of the code itself so the audit trail never contains user source.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:8])
}
