// Package prompt classifies the trailing window of a live program's output:
// is it waiting for a yes/no answer, a password, or free-form input? The
// classifier only ever inspects program *output*; the caller's response never
// passes through this package, which is what keeps a typed password out of
// every log and buffer snapshot.
package prompt

import (
	"bytes"
	"regexp"
)

// Kind is the closed set of prompt classifications.
type Kind int

const (
	None Kind = iota
	YesNo
	Password
	Generic
)

func (k Kind) String() string {
	switch k {
	case YesNo:
		return "yes_no"
	case Password:
		return "password"
	case Generic:
		return "generic"
	default:
		return "none"
	}
}

// WindowSize is how much trailing output Classify inspects. Bounding the
// window keeps matching cheap and avoids re-matching prompts that were
// already answered further up the buffer.
const WindowSize = 2048

var (
	// Password cues. Matched against the last line only.
	passwordRe = regexp.MustCompile(`(?i)(\[sudo\] )?password( for [^:]+)?\s*:\s*$|passphrase[^:]*:\s*$`)

	// Yes/no cues: (y/n), [Y/n], (yes/no), trailing "continue?".
	yesNoRe = regexp.MustCompile(`(?i)(\(y(es)?/no?\)|\[y(es)?/no?\]|continue\?)\s*[:\s]*$`)

	// Generic trailing-prompt heuristic: the last line ends in a prompt-ish
	// character with no newline after it.
	genericRe = regexp.MustCompile(`[:?>$#]\s?$`)
)

// Classify applies the ordered rule list to the trailing output window.
// Rules are checked most-specific first; the first match wins. The generic
// rule only fires when the output does not end with a newline — a program
// that printed a complete line is assumed to still be working. Callers are
// expected to gate the Generic result behind a short quiescence window.
func Classify(window []byte) Kind {
	if len(window) > WindowSize {
		window = window[len(window)-WindowSize:]
	}
	if len(window) == 0 {
		return None
	}

	last := lastLine(window)
	if len(bytes.TrimSpace(last)) == 0 {
		return None
	}

	if passwordRe.Match(last) {
		return Password
	}
	if yesNoRe.Match(last) {
		return YesNo
	}
	if window[len(window)-1] != '\n' && genericRe.Match(last) {
		return Generic
	}
	return None
}

// lastLine returns the final non-empty line of the window, stripping any
// trailing newline and carriage returns first.
func lastLine(window []byte) []byte {
	w := bytes.TrimRight(window, "\r\n")
	if i := bytes.LastIndexByte(w, '\n'); i >= 0 {
		w = w[i+1:]
	}
	return bytes.TrimRight(w, "\r")
}
