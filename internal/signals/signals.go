// Package signals compiles and validates the role-signal JSON Schemas named
// in spec §6 (Solver finalization, Director directive, Verifier verdict,
// Auto-compact summary) using github.com/kaptinlin/jsonschema, then parses
// the validated payload into a typed Go value. A schema-violating message
// is rejected structurally before json.Unmarshal is even attempted,
// matching §7's "schema-violating LLM outputs are treated as Solver
// recoverable" framing (SPEC_FULL.md DOMAIN STACK).
package signals

import (
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"
)

// SolverFinalizationSchema is the exact schema from spec §6.
var SolverFinalizationSchema = map[string]any{
	"type":                 "object",
	"required":             []any{"type", "prompt", "claim_path", "notes", "deliverable_path", "summary"},
	"additionalProperties": false,
	"properties": map[string]any{
		"type":             map[string]any{"enum": []any{"direction_request", "verification_request", "final_delivery"}},
		"prompt":           map[string]any{"type": []any{"string", "null"}},
		"claim_path":       map[string]any{"type": []any{"string", "null"}},
		"notes":            map[string]any{"type": []any{"string", "null"}},
		"deliverable_path": map[string]any{"type": []any{"string", "null"}},
		"summary":          map[string]any{"type": []any{"string", "null"}},
	},
}

// DirectorDirectiveSchema is the exact schema from spec §6.
var DirectorDirectiveSchema = map[string]any{
	"type":     "object",
	"required": []any{"directive", "rationale"},
	"properties": map[string]any{
		"directive": map[string]any{"type": "string"},
		"rationale": map[string]any{"type": "string"},
	},
}

// VerifierVerdictSchema is the exact schema from spec §6.
var VerifierVerdictSchema = map[string]any{
	"type":     "object",
	"required": []any{"verdict", "reasons", "suggestions"},
	"properties": map[string]any{
		"verdict":     map[string]any{"enum": []any{"pass", "fail"}},
		"reasons":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"suggestions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
}

// AutoCompactSummarySchema is the exact schema from spec §6/§4.5.1.
var AutoCompactSummarySchema = map[string]any{
	"type":                 "object",
	"required":             []any{"intent_user_message", "summary"},
	"additionalProperties": false,
	"properties": map[string]any{
		"intent_user_message": map[string]any{"type": "string"},
		"summary":             map[string]any{"type": "string"},
	},
}

// SolverSignalType names the variant of a SolverSignal.
type SolverSignalType string

const (
	DirectionRequest     SolverSignalType = "direction_request"
	VerificationRequest  SolverSignalType = "verification_request"
	FinalDelivery        SolverSignalType = "final_delivery"
)

// SolverSignal is the parsed, schema-validated Solver finalization message.
type SolverSignal struct {
	Type            SolverSignalType
	Prompt          *string
	ClaimPath       *string
	Notes           *string
	DeliverablePath *string
	Summary         *string
}

// DirectorDirective is the parsed Director reply.
type DirectorDirective struct {
	Directive string `json:"directive"`
	Rationale string `json:"rationale"`
}

// Verdict names a verifier's pass/fail vote.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// VerifierVerdict is one verifier's parsed reply.
type VerifierVerdict struct {
	Verdict     Verdict  `json:"verdict"`
	Reasons     []string `json:"reasons"`
	Suggestions []string `json:"suggestions"`
}

// CompactSummary is the parsed auto-compaction summary (§4.5.1).
type CompactSummary struct {
	IntentUserMessage string `json:"intent_user_message"`
	Summary           string `json:"summary"`
}

func mustCompile(schemaMap map[string]any) *jsonschema.Schema {
	raw, err := json.Marshal(schemaMap)
	if err != nil {
		panic(fmt.Sprintf("signals: schema literal does not marshal: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	s, err := compiler.Compile(raw)
	if err != nil {
		panic(fmt.Sprintf("signals: schema literal does not compile: %v", err))
	}
	return s
}

// These are compiled once at process startup, per SPEC_FULL.md's "each
// schema is additionally registered as a compiled jsonschema.Schema ... at
// process startup".
var (
	solverSchema   = mustCompile(SolverFinalizationSchema)
	directorSchema = mustCompile(DirectorDirectiveSchema)
	verifierSchema = mustCompile(VerifierVerdictSchema)
	compactSchema  = mustCompile(AutoCompactSummarySchema)
)

func validateAndUnmarshal(schema *jsonschema.Schema, raw string, out any) error {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fmt.Errorf("signals: invalid JSON: %w", err)
	}
	result := schema.Validate(parsed)
	if !result.IsValid() {
		return fmt.Errorf("signals: message does not match schema: %s", result.Error())
	}
	return json.Unmarshal([]byte(raw), out)
}

// ParseSolverSignal validates raw against SolverFinalizationSchema and
// parses it into a SolverSignal.
func ParseSolverSignal(raw string) (SolverSignal, error) {
	var wire struct {
		Type            SolverSignalType `json:"type"`
		Prompt          *string          `json:"prompt"`
		ClaimPath       *string          `json:"claim_path"`
		Notes           *string          `json:"notes"`
		DeliverablePath *string          `json:"deliverable_path"`
		Summary         *string          `json:"summary"`
	}
	if err := validateAndUnmarshal(solverSchema, raw, &wire); err != nil {
		return SolverSignal{}, err
	}
	return SolverSignal{
		Type: wire.Type, Prompt: wire.Prompt, ClaimPath: wire.ClaimPath,
		Notes: wire.Notes, DeliverablePath: wire.DeliverablePath, Summary: wire.Summary,
	}, nil
}

// ParseDirectorDirective validates raw against DirectorDirectiveSchema.
func ParseDirectorDirective(raw string) (DirectorDirective, error) {
	var d DirectorDirective
	if err := validateAndUnmarshal(directorSchema, raw, &d); err != nil {
		return DirectorDirective{}, err
	}
	return d, nil
}

// ParseVerifierVerdict validates raw against VerifierVerdictSchema.
func ParseVerifierVerdict(raw string) (VerifierVerdict, error) {
	var v VerifierVerdict
	if err := validateAndUnmarshal(verifierSchema, raw, &v); err != nil {
		return VerifierVerdict{}, err
	}
	return v, nil
}

// ParseCompactSummary validates raw against AutoCompactSummarySchema.
func ParseCompactSummary(raw string) (CompactSummary, error) {
	var c CompactSummary
	if err := validateAndUnmarshal(compactSchema, raw, &c); err != nil {
		return CompactSummary{}, err
	}
	return c, nil
}
