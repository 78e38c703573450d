// Package verifierpool implements the verifier pool (C8, spec §4.8): a
// fixed set of N verifier sessions, each tagged with a role, that a
// verification round posts the same request to concurrently and whose
// first-assistant replies are parsed and aggregated into a single pass/fail
// verdict.
package verifierpool

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codalotl/relaycore/internal/diff"
	"github.com/codalotl/relaycore/internal/hub"
	"github.com/codalotl/relaycore/internal/q/health"
	"github.com/codalotl/relaycore/internal/runstore"
	"github.com/codalotl/relaycore/internal/signals"
)

// Request is one verification round's input (spec §4.7's
// VerificationRequest/FinalDelivery dispatch payload: "{ claim_path,
// notes?, objective }").
type Request struct {
	ClaimPath string
	Notes     string
	Objective string
}

// RoleResult is one verifier's outcome within a round. TimedOut and
// ParseErr being non-nil/true both count as a Fail per §4.8 step 4: "any
// timeout or parse failure is a Fail for that role."
type RoleResult struct {
	Role        string
	Verdict     signals.Verdict
	Reasons     []string
	Suggestions []string
	RawMessage  string
	TimedOut    bool
	ParseErr    error
}

// Aggregate is the verification round's outcome (spec §4.8 step 4:
// AggregatedVerifierVerdict).
type Aggregate struct {
	Overall      signals.Verdict
	PerRole      []RoleResult
	PassingRoles []string
}

// Pool is a fixed set of verifier sessions, one per Role.
type Pool struct {
	health.Ctx

	hub     *hub.Hub
	runID   string
	roles   []string
	timeout time.Duration

	// runDir resolves relative claim/deliverable paths for diff rendering
	// (DOMAIN STACK: github.com/sergi/go-diff via internal/diff), rejecting
	// any path that would escape the run directory.
	runDir *runstore.Dir

	lastClaimPath    string
	lastClaimContent string
}

// New constructs a Pool over roles, all already registered with h under
// (runID, role) keys (typically via manager.Manager.Spawn with
// RegisterWithHub and a matching hub.RoleKey).
func New(h *hub.Hub, runID string, roles []string, timeout time.Duration, runDir *runstore.Dir) *Pool {
	return &Pool{hub: h, runID: runID, roles: roles, timeout: timeout, runDir: runDir}
}

// Roles returns the pool's configured role names.
func (p *Pool) Roles() []string { return append([]string(nil), p.roles...) }

// CollectRound concurrently posts req to every verifier role, waits for
// each's first assistant message up to the pool's timeout, parses it as a
// VerifierVerdictSchema message, and aggregates the results (spec §4.8
// collect_round). overall is Pass iff every verifier passes (unanimous).
func (p *Pool) CollectRound(req Request) (Aggregate, error) {
	prompt, err := p.buildPrompt(req)
	if err != nil {
		return Aggregate{}, fmt.Errorf("verifierpool: build prompt: %w", err)
	}

	results := make([]RoleResult, len(p.roles))
	var g errgroup.Group
	for i, role := range p.roles {
		i, role := i, role
		g.Go(func() error {
			results[i] = p.collectOne(role, prompt)
			return nil
		})
	}
	_ = g.Wait() // collectOne never returns an error; failures are encoded in RoleResult.

	p.recordClaimState(req)

	return aggregate(results), nil
}

func (p *Pool) collectOne(role string, prompt string) RoleResult {
	target := hub.Target{RoleKey: &hub.RoleKey{RunID: p.runID, Role: role}}
	handle, err := p.hub.PostUserTurn(target, prompt, signalsVerifierVerdictSchema)
	if err != nil {
		return RoleResult{Role: role, Verdict: signals.VerdictFail, ParseErr: err}
	}

	msg, err := p.hub.AwaitFirstAssistant(handle, p.timeout)
	if err != nil {
		return RoleResult{Role: role, Verdict: signals.VerdictFail, TimedOut: true, ParseErr: err}
	}

	verdict, err := signals.ParseVerifierVerdict(msg.Message)
	if err != nil {
		return RoleResult{Role: role, Verdict: signals.VerdictFail, RawMessage: msg.Message, ParseErr: err}
	}

	return RoleResult{
		Role:        role,
		Verdict:     verdict.Verdict,
		Reasons:     verdict.Reasons,
		Suggestions: verdict.Suggestions,
		RawMessage:  msg.Message,
	}
}

func aggregate(results []RoleResult) Aggregate {
	agg := Aggregate{Overall: signals.VerdictPass, PerRole: results}
	for _, r := range results {
		if r.Verdict == signals.VerdictPass {
			agg.PassingRoles = append(agg.PassingRoles, r.Role)
		} else {
			agg.Overall = signals.VerdictFail
		}
	}
	return agg
}

var signalsVerifierVerdictSchema = signals.VerifierVerdictSchema

// buildPrompt renders req into verifier-facing text, including a unified
// diff against the previous round's claim content when both are available
// (DOMAIN STACK: go-diff-backed internal/diff, "so verifier prompts can
// show what changed").
func (p *Pool) buildPrompt(req Request) (string, error) {
	content, readErr := p.readClaim(req.ClaimPath)

	prompt := fmt.Sprintf("Objective: %s\n\nClaim: %s\n", req.Objective, req.ClaimPath)
	if req.Notes != "" {
		prompt += fmt.Sprintf("\nNotes: %s\n", req.Notes)
	}
	if readErr != nil {
		prompt += fmt.Sprintf("\n(claim file could not be read: %v)\n", readErr)
		return prompt, nil
	}

	if p.lastClaimContent != "" && p.lastClaimPath == req.ClaimPath {
		d := diff.DiffText(p.lastClaimContent, content)
		prompt += "\nChanges since the last attempt:\n" + d.RenderUnifiedDiff(false, req.ClaimPath, req.ClaimPath, 3)
	} else {
		prompt += "\nClaim content:\n" + content
	}
	return prompt, nil
}

func (p *Pool) readClaim(path string) (string, error) {
	resolved, err := p.runDir.Resolve(path)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *Pool) recordClaimState(req Request) {
	content, err := p.readClaim(req.ClaimPath)
	if err != nil {
		return
	}
	p.lastClaimPath = req.ClaimPath
	p.lastClaimContent = content
}
