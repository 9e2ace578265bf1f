// Package validate screens command text and uploaded script content against
// an ordered deny list before anything is spawned. This is intentionally not
// a sandbox — it blocks a fixed set of known-destructive patterns and nothing
// more; containment is the OS process boundary.
package validate

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/shellgate-io/shellgate/internal/config"
)

// Rejection reports which deny rule a command tripped.
type Rejection struct {
	Rule   string
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("command rejected (%s): %s", r.Rule, r.Reason)
}

// Rule pairs a destructive pattern with an optional exclusion pattern.
// A command that matches both pattern and exclude is not flagged by this rule.
type Rule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Exclude string `yaml:"exclude,omitempty"`
	Reason  string `yaml:"reason,omitempty"`
}

type compiledRule struct {
	name    string
	reason  string
	pattern *regexp.Regexp
	exclude *regexp.Regexp // nil means no exclusion
}

// defaultRules defines the built-in deny patterns, evaluated in order.
// First match short-circuits. All patterns fold case: on case-insensitive
// filesystems `RM` resolves to /bin/rm just the same.
var defaultRules = []Rule{
	{Name: "path-traversal", Pattern: `\.\./`, Reason: "parent-directory traversal"},
	{Name: "fork-bomb", Pattern: `:\s*\(\s*\)\s*\{.*\|.*&.*\}\s*;?\s*:`, Reason: "fork bomb idiom"},
	{Name: "rm-root", Pattern: `(?i)\brm\s+(-\w+\s+)*-\w*r\w*\s+(/|/\*|~|\$HOME)(\s|$|;)`, Reason: "recursive deletion of a root-like path"},
	{Name: "block-device-write", Pattern: `(?i)\bdd\s+[^|;]*of=/dev/(sd|hd|nvme|vd|xvd|mmcblk)`, Reason: "raw write to a block device"},
	{Name: "block-device-redirect", Pattern: `(?i)>+\s*/dev/(sd|hd|nvme|vd|xvd|mmcblk)`, Reason: "raw write to a block device"},
	{Name: "mkfs", Pattern: `(?i)\bmkfs(\.\w+)?\b`, Reason: "filesystem format invocation"},
	{Name: "fdisk", Pattern: `(?i)\b(fdisk|parted)\s+/dev/`, Reason: "partition table manipulation"},
	{Name: "eval-expansion", Pattern: `(?i)\beval\s+.*\$`, Reason: "dynamic evaluation of expanded input"},
	{Name: "pipe-to-shell", Pattern: `(?i)\b(curl|wget)\b[^|;]*\|\s*(sudo\s+)?(sh|bash|zsh)\b`, Reason: "remote content piped into a shell"},
}

// Validator holds the compiled rule set. Reload swaps the whole set
// atomically so a watcher can push updated rules without a restart.
type Validator struct {
	mu         sync.RWMutex
	rules      []compiledRule
	maxScript  int64
	maxBundle  int64
	allowedExt map[string]bool
}

// New builds a validator from configuration. Rules from cfg.RulesFile (if
// any) are appended after the built-in set by the caller via Reload.
func New(cfg config.ValidateConfig) (*Validator, error) {
	v := &Validator{
		maxScript:  cfg.MaxScriptBytes,
		maxBundle:  cfg.MaxBundleBytes,
		allowedExt: make(map[string]bool, len(cfg.AllowedExtensions)),
	}
	for _, ext := range cfg.AllowedExtensions {
		v.allowedExt[strings.ToLower(ext)] = true
	}
	if err := v.Reload(nil); err != nil {
		return nil, err
	}
	return v, nil
}

// Reload replaces the active rule set with the built-in rules plus extra.
func (v *Validator) Reload(extra []Rule) error {
	all := make([]Rule, 0, len(defaultRules)+len(extra))
	all = append(all, defaultRules...)
	all = append(all, extra...)

	compiled := make([]compiledRule, 0, len(all))
	for _, r := range all {
		p, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("compile rule %s: %w", r.Name, err)
		}
		cr := compiledRule{name: r.Name, reason: r.Reason, pattern: p}
		if r.Exclude != "" {
			ex, err := regexp.Compile(r.Exclude)
			if err != nil {
				return fmt.Errorf("compile exclude for rule %s: %w", r.Name, err)
			}
			cr.exclude = ex
		}
		if cr.reason == "" {
			cr.reason = r.Name
		}
		compiled = append(compiled, cr)
	}

	v.mu.Lock()
	v.rules = compiled
	v.mu.Unlock()
	return nil
}

// Command validates an ad-hoc command line.
func (v *Validator) Command(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return &Rejection{Rule: "empty", Reason: "empty command"}
	}
	if err := checkShellSyntax(trimmed); err != nil {
		return err
	}
	return v.scan(trimmed)
}

// Upload validates uploaded script content: filename, extension, size, and
// the same deny scan applied to the content itself.
func (v *Validator) Upload(name string, content []byte) error {
	if strings.Contains(name, "..") {
		return &Rejection{Rule: "filename-traversal", Reason: "filename contains a parent-directory reference"}
	}
	if filepath.IsAbs(name) {
		return &Rejection{Rule: "filename-absolute", Reason: "filename must be relative"}
	}
	if int64(len(content)) > v.maxScript {
		return &Rejection{Rule: "size-cap", Reason: fmt.Sprintf("content exceeds %d bytes", v.maxScript)}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if len(v.allowedExt) > 0 && !v.allowedExt[ext] {
		return &Rejection{Rule: "extension", Reason: fmt.Sprintf("extension %q is not allowed", ext)}
	}
	return v.scan(string(content))
}

// Bundle validates a multi-file bundle size before per-file checks.
func (v *Validator) Bundle(totalBytes int64) error {
	if totalBytes > v.maxBundle {
		return &Rejection{Rule: "bundle-size-cap", Reason: fmt.Sprintf("bundle exceeds %d bytes", v.maxBundle)}
	}
	return nil
}

func (v *Validator) scan(text string) error {
	v.mu.RLock()
	rules := v.rules
	v.mu.RUnlock()

	for _, r := range rules {
		if r.pattern.MatchString(text) {
			if r.exclude != nil && r.exclude.MatchString(text) {
				continue
			}
			return &Rejection{Rule: r.name, Reason: r.reason}
		}
	}
	return nil
}

// checkShellSyntax rejects command text that no shell could parse. Only the
// cheap, unambiguous cases are covered: unterminated quotes and a trailing
// pipe or logical operator.
func checkShellSyntax(text string) error {
	var inSingle, inDouble, escaped bool
	for _, c := range text {
		switch {
		case escaped:
			escaped = false
		case c == '\\' && !inSingle:
			escaped = true
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		}
	}
	if inSingle || inDouble {
		return &Rejection{Rule: "syntax", Reason: "unterminated quote"}
	}
	t := strings.TrimSpace(text)
	for _, suffix := range []string{"|", "&&", "||"} {
		if strings.HasSuffix(t, suffix) {
			return &Rejection{Rule: "syntax", Reason: "trailing operator"}
		}
	}
	return nil
}
