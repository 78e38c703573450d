// Package orchestrator implements the orchestrator (C7, spec §4.7): a
// multi-role state machine that drives a run from an objective to a
// verified deliverable, dispatching Solver signals to either the Director
// or the verifier pool until a final_delivery passes verification.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/text"

	"github.com/codalotl/relaycore/internal/hub"
	"github.com/codalotl/relaycore/internal/manager"
	"github.com/codalotl/relaycore/internal/q/health"
	"github.com/codalotl/relaycore/internal/runstore"
	"github.com/codalotl/relaycore/internal/verifierpool"
)

const (
	roleSolver   = "solver"
	roleDirector = "director"
)

// RoleConfig is one role's spawn-time configuration (spec §3's "optional
// defaults needed to rebuild a UserTurn op").
type RoleConfig struct {
	Role             string // verifier role configs set this to e.g. "verifier-alpha"; Solver/Director ignore it.
	Model            string
	Instructions     string
	ReasoningEffort  string
	ReasoningSummary string
	CWD              string
	ApprovalMode     string
	SandboxMode      string
}

// RunConfig configures one run (spec §3 Run).
type RunConfig struct {
	RunID    string // generated as a ulid.v2 if empty (SPEC_FULL.md: lexically sortable run directories).
	Objective string

	Solver   RoleConfig
	Director RoleConfig
	// Verifiers must carry distinct, non-empty Role names; two entries
	// sharing a name makes SpawnRun fail, since spawnAndTrack rejects the
	// duplicate role before it reaches the hub (testable property #5).
	Verifiers []RoleConfig

	VerifierTimeout time.Duration // default 2 minutes.
	// FollowUpLimit bounds how many "please emit a finalization signal" /
	// schema-correction follow-ups the driver sends in a row before giving
	// up (guards against an unresponsive Solver looping forever).
	FollowUpLimit int
}

func (c RunConfig) verifierTimeout() time.Duration {
	if c.VerifierTimeout > 0 {
		return c.VerifierTimeout
	}
	return 2 * time.Minute
}

func (c RunConfig) followUpLimit() int {
	if c.FollowUpLimit > 0 {
		return c.FollowUpLimit
	}
	return 5
}

// RunOutcome is a successfully completed run's result (spec §4.7 Start →
// FinalDelivery).
type RunOutcome struct {
	RunID           string
	DeliverablePath string
	Summary         *string
	RawMessage      string
}

// Run is a spawned, live run: one Solver, one Director, a verifier pool,
// and the scoped store directory backing all their rollouts (spec §3 Run).
type Run struct {
	health.Ctx

	id   string
	cfg  RunConfig
	hub  *hub.Hub
	mgr  *manager.Manager
	dir  *runstore.Dir
	pool *verifierpool.Pool

	roleOrder []string                  // spawn order, for teardown.
	handles   map[string]*manager.Handle // role name -> live handle.

	solverKey hub.RoleKey
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Dir returns the run's store directory.
func (r *Run) Dir() *runstore.Dir { return r.dir }

// SpawnRun spawns every role sequentially (Solver, Director, then each
// Verifier) under a fresh run directory inside storeParent, registering each
// with h under a (run_id, role) key. Any spawn failure shuts down every
// role spawned so far and removes the run directory (spec §4.7 "Spawn/
// teardown", testable property #5).
func SpawnRun(mgr *manager.Manager, h *hub.Hub, storeParent string, cfg RunConfig) (*Run, error) {
	runID := cfg.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}

	dir, err := runstore.Create(storeParent, runID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: spawn_run %s: %w", runID, err)
	}

	r := &Run{
		id: runID, cfg: cfg, hub: h, mgr: mgr, dir: dir,
		handles:   make(map[string]*manager.Handle),
		solverKey: hub.RoleKey{RunID: runID, Role: roleSolver},
	}

	cleanup := func(spawnErr error) (*Run, error) {
		for _, role := range r.roleOrder {
			handle := r.handles[role]
			h.UnregisterWait(handle.Session.ID())
			_ = handle.Stop()
		}
		_ = dir.Remove()
		return nil, fmt.Errorf("orchestrator: spawn_run %s: %w", runID, spawnErr)
	}

	if err := r.spawnAndTrack(roleSolver, cfg.Solver); err != nil {
		return cleanup(err)
	}
	if err := r.spawnAndTrack(roleDirector, cfg.Director); err != nil {
		return cleanup(err)
	}

	var verifierRoles []string
	for _, vcfg := range cfg.Verifiers {
		if err := r.spawnAndTrack(vcfg.Role, vcfg); err != nil {
			return cleanup(err)
		}
		verifierRoles = append(verifierRoles, vcfg.Role)
	}

	r.pool = verifierpool.New(h, runID, verifierRoles, cfg.verifierTimeout(), dir)
	return r, nil
}

// spawnAndTrack spawns role and records it, rejecting a duplicate role name
// outright rather than relying on the hub's ErrRoleAlreadyRegistered (which
// would otherwise fire against whichever prior role happened to register
// first — testable property #5's "two verifier entries share a role name").
func (r *Run) spawnAndTrack(role string, rc RoleConfig) error {
	if _, exists := r.handles[role]; exists {
		return fmt.Errorf("orchestrator: role %q already spawned in this run", role)
	}
	handle, err := spawnRole(r.mgr, r.hub, r.id, role, rc)
	if err != nil {
		return err
	}
	r.handles[role] = handle
	r.roleOrder = append(r.roleOrder, role)
	return nil
}

func spawnRole(mgr *manager.Manager, h *hub.Hub, runID, role string, rc RoleConfig) (*manager.Handle, error) {
	if role == "" {
		return nil, fmt.Errorf("orchestrator: role name must not be empty")
	}
	key := hub.RoleKey{RunID: runID, Role: role}
	return mgr.Spawn(manager.SpawnOptions{
		RoleKey:          &key,
		RegisterWithHub:  true,
		Model:            rc.Model,
		Instructions:     rc.Instructions,
		ReasoningEffort:  rc.ReasoningEffort,
		ReasoningSummary: rc.ReasoningSummary,
		CWD:              rc.CWD,
		ApprovalMode:     rc.ApprovalMode,
		SandboxMode:      rc.SandboxMode,
	})
}

// Teardown submits Shutdown to every spawned role and removes them from the
// hub (spec §4.7 "On normal termination, submit Shutdown to every session
// and remove them from the hub"). It does not remove the run directory —
// rollouts and logs outlive the run.
func (r *Run) Teardown() {
	for _, role := range r.roleOrder {
		handle := r.handles[role]
		r.hub.UnregisterWait(handle.Session.ID())
		_ = handle.Stop()
	}
}

// resolveDeliverable resolves path against the run directory and, if its
// extension is .md, validates it as parseable CommonMark before handing it
// to the verifier pool (spec §4.7 FinalDelivery step; DOMAIN STACK's
// goldmark entry; testable property #9).
func (r *Run) resolveDeliverable(path string) (string, error) {
	resolved, err := r.dir.Resolve(path)
	if err != nil {
		return "", err
	}
	if filepath.Ext(resolved) != ".md" {
		return resolved, nil
	}
	src, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("orchestrator: read deliverable: %w", err)
	}
	md := goldmark.New()
	root := md.Parser().Parse(text.NewReader(src))
	if root == nil {
		return "", fmt.Errorf("orchestrator: deliverable %q failed to parse as CommonMark", path)
	}
	return resolved, nil
}
