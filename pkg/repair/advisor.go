// Package repair asks a reasoning service for corrected script source and
// decides whether the answer is worth running.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rhuss/omega/pkg/debug"
	"github.com/rhuss/omega/pkg/reasoning"
)

// Completer sends a reasoning request. *reasoning.Client implements it.
type Completer interface {
	Complete(ctx context.Context, provider string, req *reasoning.Request) (*reasoning.Response, error)
}

var _ Completer = (*reasoning.Client)(nil)

// Reason explains why a proposal was not accepted.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonServiceFailure Reason = "service-failure"
	ReasonEmpty          Reason = "empty"
	ReasonUnchanged      Reason = "unchanged"
)

// Proposal is a candidate replacement for a failing script. It is not
// persisted; an accepted proposal becomes the script's working source.
type Proposal struct {
	AttemptID string
	Source    string
	Accepted  bool
	Reason    Reason

	// Err is the service error behind ReasonServiceFailure.
	Err error
}

// SystemPrompt frames the repair request.
const SystemPrompt = "You are an expert Manim developer who can fix errors in animation scripts."

// maxErrorContext bounds how much stderr is sent; the tail holds the
// exception that was raised.
const maxErrorContext = 8 << 10

// Advisor requests and validates code repairs.
type Advisor struct {
	completer Completer
}

// NewAdvisor creates an Advisor over completer.
func NewAdvisor(completer Completer) *Advisor {
	return &Advisor{completer: completer}
}

// ProposeFix asks provider (the default when empty) to repair source given
// the failure output. It always returns a proposal. Service failures and
// timeouts give an unaccepted proposal with ReasonServiceFailure; empty or
// unchanged answers are rejected. The error is non-nil only when ctx
// itself ended.
func (a *Advisor) ProposeFix(ctx context.Context, provider, attemptID, source, stderr string) (*Proposal, error) {
	p := &Proposal{AttemptID: attemptID}

	resp, err := a.completer.Complete(ctx, provider, &reasoning.Request{
		Role:   reasoning.RoleRepair,
		System: SystemPrompt,
		Prompt: BuildPrompt(source, stderr),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.Reason = ReasonServiceFailure
		p.Err = err
		slog.Warn("repair request failed", "attempt_id", attemptID, "provider", provider, "error", err)
		return p, nil
	}

	p.Source = StripFences(resp.Text)
	switch {
	case p.Source == "":
		p.Reason = ReasonEmpty
	case normalize(p.Source) == normalize(source):
		p.Reason = ReasonUnchanged
	default:
		p.Accepted = true
	}

	if p.Accepted {
		debug.Log("repair", "proposal accepted", "attempt_id", attemptID, "source", debug.Truncate(p.Source, 200))
	} else {
		slog.Info("repair proposal rejected", "attempt_id", attemptID, "reason", p.Reason)
	}
	return p, nil
}

// RejectionError describes an unaccepted proposal as an error.
func (p *Proposal) RejectionError() error {
	if p.Accepted {
		return nil
	}
	if p.Err != nil {
		return fmt.Errorf("repair %s: %w", p.Reason, p.Err)
	}
	return errors.New("repair " + string(p.Reason))
}

// BuildPrompt renders the repair payload.
func BuildPrompt(source, stderr string) string {
	if len(stderr) > maxErrorContext {
		stderr = stderr[len(stderr)-maxErrorContext:]
	}
	var b strings.Builder
	b.WriteString("I'm trying to run a Manim animation script, but it's throwing the following error:\n\n")
	b.WriteString(strings.TrimSpace(stderr))
	b.WriteString("\n\nHere's the script:\n\n```python\n")
	b.WriteString(source)
	if !strings.HasSuffix(source, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("```\n\n")
	b.WriteString("Please fix this script to resolve the error. Return ONLY the corrected Python code without markdown formatting or explanation.")
	return b.String()
}
