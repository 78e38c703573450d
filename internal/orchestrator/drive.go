package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/codalotl/relaycore/internal/cerr"
	"github.com/codalotl/relaycore/internal/hub"
	"github.com/codalotl/relaycore/internal/signals"
	"github.com/codalotl/relaycore/internal/verifierpool"
)

// ErrRunEndedWithoutDelivery is returned when the Solver's event stream
// ends without ever producing a final_delivery (spec §7 "a propagated error
// ... run {id} ended before emitting final_delivery message").
var ErrRunEndedWithoutDelivery = errors.New("orchestrator: run ended before emitting final_delivery message")

// ErrInterrupted is returned when Drive stops because ctx was canceled
// (spec §7 "run interrupted by Ctrl+C").
var ErrInterrupted = cerr.Interrupted()

// correctiveFollowUp is sent back to the Solver when its message fails
// schema validation (spec §7: "the orchestrator replies with the same
// schema and asks for a corrected message").
const correctiveFollowUp = "Your last message did not match the required finalization schema. Please resend a single JSON object matching it exactly."

// finalizationNudge is sent when the Solver's turn completed without
// emitting any signal at all (spec §4.7: "On a Solver TaskComplete with no
// signal emitted, send a ... follow-up using the same schema").
const finalizationNudge = "Please emit a finalization signal (direction_request, verification_request, or final_delivery) using the required schema."

// Drive runs the driver loop (spec §4.7) to completion: a RunOutcome on
// success, ErrInterrupted if ctx ends first, ErrRunEndedWithoutDelivery if
// the Solver's stream ends without a final_delivery, or a propagated error
// from a role or the verifier pool.
func (r *Run) Drive(ctx context.Context) (RunOutcome, error) {
	target := hub.Target{RoleKey: &r.solverKey}

	text := r.cfg.Objective
	schema := signals.SolverFinalizationSchema
	followUps := 0

	for {
		if err := ctx.Err(); err != nil {
			return RunOutcome{}, ErrInterrupted
		}

		handle, err := r.hub.PostUserTurn(target, text, schema)
		if err != nil {
			return RunOutcome{}, fmt.Errorf("orchestrator: post to solver: %w", err)
		}

		result, err := r.awaitSolverTurn(ctx, handle)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return RunOutcome{}, ErrInterrupted
			}
			if errors.Is(err, hub.ErrSessionClosed) {
				return RunOutcome{}, ErrRunEndedWithoutDelivery
			}
			return RunOutcome{}, fmt.Errorf("orchestrator: await solver: %w", err)
		}

		if result.CompletedEmpty {
			followUps++
			if followUps > r.cfg.followUpLimit() {
				return RunOutcome{}, fmt.Errorf("orchestrator: solver did not emit a signal after %d follow-ups", followUps-1)
			}
			text = finalizationNudge
			continue
		}

		signal, perr := signals.ParseSolverSignal(result.Message.Message)
		if perr != nil {
			followUps++
			if followUps > r.cfg.followUpLimit() {
				return RunOutcome{}, fmt.Errorf("orchestrator: solver kept sending invalid signals: %w", perr)
			}
			text = correctiveFollowUp
			continue
		}
		followUps = 0

		switch signal.Type {
		case signals.DirectionRequest:
			reply, err := r.handleDirectionRequest(signal)
			if err != nil {
				return RunOutcome{}, err
			}
			text = reply
			schema = signals.SolverFinalizationSchema

		case signals.VerificationRequest:
			reply, err := r.handleVerificationRequest(signal)
			if err != nil {
				return RunOutcome{}, err
			}
			text = reply
			schema = signals.SolverFinalizationSchema

		case signals.FinalDelivery:
			outcome, done, err := r.handleFinalDelivery(signal)
			if err != nil {
				return RunOutcome{}, err
			}
			if done {
				return outcome.RunOutcome, nil
			}
			text = outcome.Summary0 // relay summary back to the Solver and keep going.
			schema = signals.SolverFinalizationSchema

		default:
			followUps++
			if followUps > r.cfg.followUpLimit() {
				return RunOutcome{}, fmt.Errorf("orchestrator: solver emitted unrecognized signal type %q", signal.Type)
			}
			text = correctiveFollowUp
		}
	}
}

// awaitSolverTurn races AwaitTurnResult against ctx so a Ctrl+C interrupts a
// run even while the Solver's turn is still outstanding (spec §7 "run
// interrupted by Ctrl+C").
func (r *Run) awaitSolverTurn(ctx context.Context, handle *hub.TurnHandle) (hub.TurnResult, error) {
	type outcome struct {
		result hub.TurnResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := r.hub.AwaitTurnResult(handle, 0)
		ch <- outcome{result, err}
	}()

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return hub.TurnResult{}, ctx.Err()
	}
}

func (r *Run) handleDirectionRequest(signal signals.SolverSignal) (string, error) {
	prompt := stringOrEmpty(signal.Prompt)
	directorTarget := hub.Target{RoleKey: &hub.RoleKey{RunID: r.id, Role: roleDirector}}
	directorText := fmt.Sprintf("Objective: %s\n\nSolver asks: %s", r.cfg.Objective, prompt)

	handle, err := r.hub.PostUserTurn(directorTarget, directorText, signals.DirectorDirectiveSchema)
	if err != nil {
		return "", fmt.Errorf("orchestrator: post to director: %w", err)
	}
	msg, err := r.hub.AwaitFirstAssistant(handle, r.cfg.verifierTimeout())
	if err != nil {
		return "", fmt.Errorf("orchestrator: await director: %w", err)
	}
	directive, err := signals.ParseDirectorDirective(msg.Message)
	if err != nil {
		// A schema-violating Director reply is relayed to the Solver as a
		// recoverable notice rather than aborting the run.
		return fmt.Sprintf("Director reply could not be parsed (%v); proceed using your best judgement.", err), nil
	}
	return fmt.Sprintf("Directive: %s\nRationale: %s", directive.Directive, directive.Rationale), nil
}

func (r *Run) handleVerificationRequest(signal signals.SolverSignal) (string, error) {
	req := verifierpool.Request{
		ClaimPath: stringOrEmpty(signal.ClaimPath),
		Notes:     stringOrEmpty(signal.Notes),
		Objective: r.cfg.Objective,
	}
	agg, err := r.pool.CollectRound(req)
	if err != nil {
		return "", fmt.Errorf("orchestrator: verification round: %w", err)
	}
	if agg.Overall == signals.VerdictPass {
		r.replacePassingVerifiers(agg.PassingRoles)
	}
	return summarizeVerdict(agg), nil
}

// finalDeliveryOutcome bundles handleFinalDelivery's two possible paths:
// a terminal RunOutcome, or a Summary0 to relay back to the Solver when
// verification failed.
type finalDeliveryOutcome struct {
	RunOutcome
	Summary0 string
}

func (r *Run) handleFinalDelivery(signal signals.SolverSignal) (finalDeliveryOutcome, bool, error) {
	rawPath := stringOrEmpty(signal.DeliverablePath)
	resolved, err := r.resolveDeliverable(rawPath)
	if err != nil {
		return finalDeliveryOutcome{Summary0: fmt.Sprintf("Deliverable could not be validated: %v. Please fix and resend final_delivery.", err)}, false, nil
	}

	agg, err := r.pool.CollectRound(verifierpool.Request{
		ClaimPath: rawPath,
		Objective: r.cfg.Objective,
	})
	if err != nil {
		return finalDeliveryOutcome{}, false, fmt.Errorf("orchestrator: final verification: %w", err)
	}

	if agg.Overall != signals.VerdictPass {
		return finalDeliveryOutcome{Summary0: summarizeVerdict(agg)}, false, nil
	}

	return finalDeliveryOutcome{
		RunOutcome: RunOutcome{
			RunID:           r.id,
			DeliverablePath: resolved,
			Summary:         signal.Summary,
			RawMessage:      rawSignalMessage(signal),
		},
	}, true, nil
}

func (r *Run) replacePassingVerifiers(passingRoles []string) {
	for _, role := range passingRoles {
		r.replaceVerifier(role)
	}
}

// replaceVerifier implements the verifier replacement policy (spec §4.7:
// "replace each passing verifier session with a fresh session (same role
// name, same config)"). Failures are logged, not fatal: a replacement that
// can't be spawned just leaves the previous (already-passing) session in
// place for the next round.
func (r *Run) replaceVerifier(role string) {
	var cfg RoleConfig
	found := false
	for _, vc := range r.cfg.Verifiers {
		if vc.Role == role {
			cfg = vc
			found = true
			break
		}
	}
	oldHandle, tracked := r.handles[role]
	if !found || !tracked {
		return
	}

	r.hub.UnregisterWait(oldHandle.Session.ID())
	_ = oldHandle.Stop()

	fresh, err := spawnRole(r.mgr, r.hub, r.id, role, cfg)
	if err != nil {
		r.Log("verifier replacement failed", "run_id", r.id, "role", role, "err", err)
		delete(r.handles, role)
		return
	}
	r.handles[role] = fresh
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func summarizeVerdict(agg verifierpool.Aggregate) string {
	out := fmt.Sprintf("Verification result: %s\n", agg.Overall)
	for _, role := range agg.PerRole {
		out += fmt.Sprintf("- %s: %s", role.Role, role.Verdict)
		if len(role.Reasons) > 0 {
			out += fmt.Sprintf(" (reasons: %v)", role.Reasons)
		}
		if len(role.Suggestions) > 0 {
			out += fmt.Sprintf(" (suggestions: %v)", role.Suggestions)
		}
		out += "\n"
	}
	return out
}

func rawSignalMessage(signal signals.SolverSignal) string {
	return fmt.Sprintf("final_delivery: deliverable_path=%s summary=%s", stringOrEmpty(signal.DeliverablePath), stringOrEmpty(signal.Summary))
}
