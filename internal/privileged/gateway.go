// Package privileged wraps one-shot execution behind a second, independent
// credential. Privileged commands are always one-shot, never interactive:
// the audit trail has to capture the complete outcome of every call, and an
// open-ended session has no single outcome to record.
package privileged

import (
	"context"
	"errors"
	"time"

	"github.com/shellgate-io/shellgate/internal/audit"
	"github.com/shellgate-io/shellgate/internal/executor"
)

// ErrUnauthorized is returned for a wrong or missing elevation secret. The
// message is deliberately uniform: it never reveals whether the agent is
// known or the secret was close.
var ErrUnauthorized = errors.New("unauthorized")

type Gateway struct {
	exec *executor.Executor
	log  *audit.Log
	hash []byte
}

func NewGateway(e *executor.Executor, log *audit.Log, secretHash []byte) *Gateway {
	return &Gateway{exec: e, log: log, hash: secretHash}
}

// Execute runs a privileged command. Every call — success, validation
// failure, or auth failure — writes exactly one audit record; the record
// carries the redacted command shape and never the secret.
func (g *Gateway) Execute(ctx context.Context, req executor.Request, agentID, secret string) (*executor.Result, error) {
	rec := audit.Record{
		Timestamp:    time.Now().UTC(),
		AgentID:      agentID,
		CommandShape: audit.RedactShape(req.Command, req.Args),
	}

	if len(g.hash) == 0 || !VerifySecret(g.hash, secret) {
		rec.ErrorSig = "auth"
		g.log.Append(rec)
		return nil, ErrUnauthorized
	}

	res, err := g.exec.Execute(ctx, req)
	if err != nil {
		var verr *executor.ValidationError
		if errors.As(err, &verr) {
			rec.ErrorSig = "validation:" + verr.Err.Error()
		} else {
			rec.ErrorSig = "spawn"
		}
		g.log.Append(rec)
		return nil, err
	}

	rec.Success = !res.TimedOut && res.ExitCode != nil && *res.ExitCode == 0
	rec.ExitCode = res.ExitCode
	rec.DurationMS = res.Duration.Milliseconds()
	rec.OutputBytes = int64(len(res.Stdout) + len(res.Stderr))
	rec.ErrorSig = audit.ErrorSignature(rec.Success, res.TimedOut, res.ExitCode, res.Stderr)
	g.log.Append(rec)
	return res, nil
}

// History is the read-only audit query; it never blocks the write path.
func (g *Gateway) History(f audit.Filter) ([]audit.Record, error) {
	return g.log.Query(f)
}

// Stats recomputes the learning aggregates on demand.
func (g *Gateway) Stats() (*audit.Stats, error) {
	return g.log.Stats()
}

// Degraded reports dropped audit writes for the health signal.
func (g *Gateway) Degraded() uint64 {
	return g.log.WriteFailures()
}
