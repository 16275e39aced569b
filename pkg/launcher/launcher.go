// Package launcher is the closed set of supported languages: one
// LauncherSpec per language, looked up by name. The Execution Engine
// switches on the spec directly, so adding a language means adding an
// entry here, not a new engine code path.
package launcher

import (
	"fmt"
	"strings"

	"sandboxd/pkg/types"
)

// CompileStep describes how a compiled language turns source into a binary
// before it can be run, inside the same sandboxed container.
type CompileStep struct {
	// Argv compiles EntryFile into BinaryName, run with a deadline of its own
	// (the same per-execution deadline, not a separate budget).
	Argv       func(entryFile, binaryName string) []string
	BinaryName string
}

// LauncherSpec fixes how one language is invoked inside the sandbox: the
// argv template, whether code is fed on stdin or written to a file, an
// optional compile step, and — for languages that support persistent mode —
// the state file naming convention and the kernel's own argv.
type LauncherSpec struct {
	Language  string
	Image     string
	EntryFile string

	// StdinFeed reports whether code is supplied on the process's stdin
	// (preferred) rather than written to a temp file under the tmpfs.
	StdinFeed bool

	// Argv builds the one-shot run command given the entry file path
	// (already written under the workspace tmpfs).
	Argv func(entryFile string) []string

	Compile *CompileStep

	// Persistent reports whether this language has a kernel launcher.
	Persistent bool

	// KernelArgv builds the long-lived kernel process command. Only set
	// when Persistent is true.
	KernelArgv func() []string

	// StateFileName is the per-session, per-language state artifact name
	// under the session's kernel/ directory.
	StateFileName string

	// DefaultLimits are per-language caps merged with the principal's
	// limits by element-wise minimum (ResourceLimits.Min), so they can only
	// tighten a limit, never raise it above the principal's value.
	DefaultLimits types.ResourceLimits
}

var table = map[string]*LauncherSpec{}

// register adds a language to the closed table. Called only from this
// package's init; there is no runtime registration hook by design.
func register(spec *LauncherSpec) {
	table[spec.Language] = spec
}

// aliases maps common shorthand/alternate names onto the canonical
// language key (js -> javascript, py -> python, ...).
var aliases = map[string]string{
	"js":      "javascript",
	"node":    "javascript",
	"nodejs":  "javascript",
	"py":      "python",
	"python3": "python",
	"sh":      "shell",
	"bash":    "shell",
	"golang":  "go",
}

// Get resolves a language name (normalizing case and known aliases) to its
// LauncherSpec.
func Get(language string) (*LauncherSpec, error) {
	lang := strings.ToLower(strings.TrimSpace(language))
	if spec, ok := table[lang]; ok {
		return spec, nil
	}
	if canon, ok := aliases[lang]; ok {
		if spec, ok := table[canon]; ok {
			return spec, nil
		}
	}
	return nil, fmt.Errorf("unsupported language: %s", language)
}

// All returns every registered launcher spec; ordering is not significant.
func All() []*LauncherSpec {
	out := make([]*LauncherSpec, 0, len(table))
	for _, s := range table {
		out = append(out, s)
	}
	return out
}

func init() {
	register(&LauncherSpec{
		Language:      "python",
		Image:         "sandboxd-python:latest",
		EntryFile:     "main.py",
		StdinFeed:     true,
		Argv:          func(entryFile string) []string { return []string{"python3", entryFile} },
		Persistent:    true,
		KernelArgv:    func() []string { return []string{"python3", "/opt/sandboxd/kernel.py"} },
		StateFileName: "python.state",
		DefaultLimits: types.ResourceLimits{MaxMemoryMB: 512},
	})

	register(&LauncherSpec{
		Language:  "javascript",
		Image:     "sandboxd-node:latest",
		EntryFile: "main.js",
		StdinFeed: true,
		Argv:      func(entryFile string) []string { return []string{"node", entryFile} },
	})

	register(&LauncherSpec{
		Language:      "shell",
		Image:         "sandboxd-shell:latest",
		EntryFile:     "main.sh",
		StdinFeed:     true,
		Argv:          func(entryFile string) []string { return []string{"/bin/sh", entryFile} },
		DefaultLimits: types.ResourceLimits{MaxMemoryMB: 128, MaxPIDs: 16},
	})

	register(&LauncherSpec{
		Language:  "go",
		Image:     "sandboxd-go:latest",
		EntryFile: "main.go",
		StdinFeed: false,
		Compile: &CompileStep{
			BinaryName: "main",
			Argv: func(entryFile, binaryName string) []string {
				return []string{"go", "build", "-o", binaryName, entryFile}
			},
		},
		Argv:          func(binary string) []string { return []string{binary} },
		DefaultLimits: types.ResourceLimits{MaxMemoryMB: 512, MaxDiskMB: 200},
	})
}
