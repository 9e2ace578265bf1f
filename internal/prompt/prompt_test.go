package prompt

import (
	"bytes"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		window string
		want   Kind
	}{
		{"empty", "", None},
		{"plain output", "compiling module...\ndone\n", None},
		{"sudo password", "[sudo] password for deploy: ", Password},
		{"plain password", "Password:", Password},
		{"uppercase password", "Enter PASSWORD: ", Password},
		{"ssh passphrase", "Enter passphrase for key '/home/u/.ssh/id_ed25519': ", Password},
		{"yn lower", "Do you want to continue? (y/n) ", YesNo},
		{"yn bracket", "Overwrite existing file? [Y/n] ", YesNo},
		{"yes no long", "Proceed with install? (yes/no) ", YesNo},
		{"apt continue", "After this operation, 4MB used.\nDo you want to continue?", YesNo},
		{"generic colon", "Enter target hostname: ", Generic},
		{"generic shell", "build-box:~$ ", Generic},
		{"generic angle", "mysql> ", Generic},
		{"complete line is not a prompt", "all done:\n", None},
		{"mid stream", "downloading 45%\n", None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify([]byte(tt.window)); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.window, got, tt.want)
			}
		})
	}
}

func TestClassifyPasswordBeatsGeneric(t *testing.T) {
	// A password cue also ends in ": " — the ordered rules must report the
	// more specific classification.
	if got := Classify([]byte("[sudo] password for admin: ")); got != Password {
		t.Errorf("got %v, want Password", got)
	}
}

func TestClassifyOnlyInspectsTrailingWindow(t *testing.T) {
	// An old, already-answered prompt far back in the buffer must not leak
	// into the classification of fresh output.
	var buf bytes.Buffer
	buf.WriteString("Password: ")
	buf.Write(bytes.Repeat([]byte("log line\n"), 1024))
	if got := Classify(buf.Bytes()); got != None {
		t.Errorf("got %v, want None", got)
	}
}

func TestKindString(t *testing.T) {
	pairs := map[Kind]string{None: "none", YesNo: "yes_no", Password: "password", Generic: "generic"}
	for k, want := range pairs {
		if k.String() != want {
			t.Errorf("%d.String() = %q, want %q", k, k.String(), want)
		}
	}
}
