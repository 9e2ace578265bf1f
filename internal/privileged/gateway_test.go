package privileged

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shellgate-io/shellgate/internal/audit"
	"github.com/shellgate-io/shellgate/internal/config"
	"github.com/shellgate-io/shellgate/internal/executor"
	"github.com/shellgate-io/shellgate/internal/validate"
)

const testSecret = "correct-horse-battery-staple"

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := config.Default()
	v, err := validate.New(cfg.Validate)
	if err != nil {
		t.Fatal(err)
	}
	log, err := audit.Open(":memory:", "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(log.Close)
	hash, err := HashSecret(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return NewGateway(executor.New(v, cfg.Executor), log, hash)
}

func auditCount(t *testing.T, g *Gateway) int {
	t.Helper()
	recs, err := g.History(audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	return len(recs)
}

func TestExecuteSuccessWritesOneRecord(t *testing.T) {
	g := newTestGateway(t)
	res, err := g.Execute(context.Background(), executor.Request{Command: "echo", Args: []string{"hi"}}, "agent-1", testSecret)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(res.Stdout) != "hi\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if n := auditCount(t, g); n != 1 {
		t.Errorf("audit records = %d, want 1", n)
	}

	recs, _ := g.History(audit.Filter{})
	rec := recs[0]
	if !rec.Success {
		t.Error("record not marked successful")
	}
	if rec.CommandShape != "echo _" {
		t.Errorf("shape = %q, want redacted", rec.CommandShape)
	}
}

func TestExecuteWrongSecret(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.Execute(context.Background(), executor.Request{Command: "echo"}, "agent-1", "wrong")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	// Auth failures are audited too.
	if n := auditCount(t, g); n != 1 {
		t.Errorf("audit records = %d, want 1", n)
	}
	recs, _ := g.History(audit.Filter{})
	if recs[0].Success {
		t.Error("auth failure recorded as success")
	}
	// The attempted secret must never appear anywhere in the record.
	if strings.Contains(recs[0].ErrorSig, "wrong") || strings.Contains(recs[0].CommandShape, "wrong") {
		t.Errorf("record leaks the attempted secret: %+v", recs[0])
	}
}

func TestExecuteValidationFailureAudited(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.Execute(context.Background(), executor.Request{Command: "rm", Args: []string{"-rf", "/"}}, "agent-1", testSecret)
	var verr *executor.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if n := auditCount(t, g); n != 1 {
		t.Errorf("audit records = %d, want 1", n)
	}
	recs, _ := g.History(audit.Filter{})
	if !strings.HasPrefix(recs[0].ErrorSig, "validation:") {
		t.Errorf("error sig = %q, want validation prefix", recs[0].ErrorSig)
	}
}

func TestExecuteRecordNeverStoresSecret(t *testing.T) {
	g := newTestGateway(t)
	g.Execute(context.Background(), executor.Request{Command: "echo", Args: []string{"x"}}, "agent-1", testSecret)
	recs, _ := g.History(audit.Filter{})
	for _, rec := range recs {
		for _, field := range []string{rec.AgentID, rec.CommandShape, rec.ErrorSig} {
			if strings.Contains(field, testSecret) {
				t.Fatalf("record field contains the elevation secret: %+v", rec)
			}
		}
	}
}

func TestExecuteTimeoutAudited(t *testing.T) {
	g := newTestGateway(t)
	res, err := g.Execute(context.Background(), executor.Request{
		Command: "sleep", Args: []string{"30"}, Timeout: 300 * time.Millisecond,
	}, "agent-1", testSecret)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.TimedOut {
		t.Error("timed_out = false")
	}
	recs, _ := g.History(audit.Filter{})
	if recs[0].Success || recs[0].ErrorSig != "timeout" {
		t.Errorf("timeout record = %+v", recs[0])
	}
}

func TestSecretRoundTrip(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(secret) != 48 {
		t.Errorf("secret length = %d, want 48 hex chars", len(secret))
	}

	hash, err := HashSecret(secret)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(hash), secret) {
		t.Error("hash contains plaintext secret")
	}

	path := filepath.Join(t.TempDir(), "secret")
	if err := SaveSecretHash(path, hash); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadSecretHash(path)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifySecret(loaded, secret) {
		t.Error("round-tripped hash does not verify")
	}
	if VerifySecret(loaded, secret+"x") {
		t.Error("wrong secret verified")
	}
}
