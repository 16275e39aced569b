// Package screener statically rejects obviously hostile code before it
// reaches a container: a table of per-language patterns compiled once and
// matched against the submitted source, aimed at sandbox-escape idioms.
//
// The screener is not a semantic analyzer. False negatives are expected and
// are defended against by the container's security profile; this
// only catches the small set of patterns that are almost always destructive
// inside the sandbox.
package screener

import "regexp"

// Verdict is the screener's decision for one piece of code.
type Verdict struct {
	Allowed bool
	Reasons []string
}

type pattern struct {
	name        string
	description string
	languages   map[string]bool // empty means "all languages"
	re          *regexp.Regexp
}

// Screener holds a per-language-aware, configurable set of reject patterns.
// The default set is fixed; callers may add or remove patterns via
// AddPattern/RemovePattern for deployment-specific tightening.
type Screener struct {
	patterns []pattern
}

// New builds a Screener with the default pattern set.
func New() *Screener {
	return &Screener{patterns: defaultPatterns()}
}

// Screen returns Allowed unless one of the configured patterns matches;
// when rejected, Reasons names every pattern that fired.
func (s *Screener) Screen(code, language string) Verdict {
	var reasons []string
	for _, p := range s.patterns {
		if len(p.languages) > 0 && !p.languages[language] {
			continue
		}
		if p.re.MatchString(code) {
			reasons = append(reasons, p.description)
		}
	}
	if len(reasons) > 0 {
		return Verdict{Allowed: false, Reasons: reasons}
	}
	return Verdict{Allowed: true}
}

// AddPattern registers an additional reject pattern, scoped to the given
// languages (nil/empty applies to all languages).
func (s *Screener) AddPattern(name, description, expr string, languages ...string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}
	langSet := map[string]bool{}
	for _, l := range languages {
		langSet[l] = true
	}
	s.patterns = append(s.patterns, pattern{name: name, description: description, languages: langSet, re: re})
	return nil
}

// RemovePattern drops a pattern by name; a no-op if the name is unknown.
func (s *Screener) RemovePattern(name string) {
	kept := s.patterns[:0]
	for _, p := range s.patterns {
		if p.name != name {
			kept = append(kept, p)
		}
	}
	s.patterns = kept
}

// defaultPatterns is the fixed high-confidence set: fork-bomb
// idioms, /proc/kcore reads, ptrace/syscall-by-number FFI, and subprocess
// invocations of privileged tools.
func defaultPatterns() []pattern {
	must := func(expr string) *regexp.Regexp { return regexp.MustCompile(expr) }
	return []pattern{
		{
			name:        "fork-bomb",
			description: "fork bomb idiom",
			re:          must(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
		},
		{
			name:        "proc-kcore",
			description: "read of /proc/kcore",
			re:          must(`/proc/kcore`),
		},
		{
			name:        "ptrace-ffi",
			description: "ptrace syscall via FFI",
			re:          must(`(?i)\bptrace\s*\(`),
		},
		{
			name:        "syscall-by-number",
			description: "raw syscall invocation by number",
			re:          must(`(?i)\bsyscall\s*\(\s*\d+`),
		},
		{
			name:        "privileged-subprocess",
			description: "subprocess invocation of a privileged tool",
			re:          must(`(?i)\b(sudo|su|passwd|mount|umount|iptables|modprobe|insmod|chroot)\b`),
		},
		{
			name:        "host-sensitive-walk",
			description: "filesystem walk of a host-sensitive path",
			re:          must(`(?:^|[^\w/])/(etc/shadow|etc/passwd|proc/1/root|sys/firmware)\b`),
		},
	}
}
