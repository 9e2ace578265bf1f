package audit

import (
	"strconv"
	"strings"
	"unicode"
)

// RedactShape normalizes a command into a shape signature: the command name
// and flags survive, literal argument values are replaced with "_". Shapes
// group audit records for statistics without recording sensitive argument
// content (paths, hostnames, credentials passed as values).
func RedactShape(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, command)
	for _, a := range args {
		switch {
		case a == "":
			parts = append(parts, "_")
		case strings.HasPrefix(a, "--"):
			// Redact an inline value: --output=/tmp/x -> --output=_
			if i := strings.IndexByte(a, '='); i >= 0 {
				parts = append(parts, a[:i+1]+"_")
			} else {
				parts = append(parts, a)
			}
		case strings.HasPrefix(a, "-") && len(a) > 1 && !isNumeric(a[1:]):
			parts = append(parts, a)
		default:
			parts = append(parts, "_")
		}
	}
	return strings.Join(parts, " ")
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// ErrorSignature derives a normalized failure fingerprint: the first
// non-empty stderr line, trimmed and bounded, or a synthetic marker for
// timeouts and silent non-zero exits. Successes have no signature.
func ErrorSignature(success bool, timedOut bool, exitCode *int, stderr []byte) string {
	if success {
		return ""
	}
	if timedOut {
		return "timeout"
	}
	for _, line := range strings.Split(string(stderr), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 120 {
			line = line[:120]
		}
		return line
	}
	if exitCode != nil {
		return "exit:" + strconv.Itoa(*exitCode)
	}
	return "unknown"
}
