package signals

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSolverSignalFinalDelivery(t *testing.T) {
	raw := `{"type":"final_delivery","prompt":null,"claim_path":null,"notes":null,"deliverable_path":"out/report.md","summary":"done"}`
	sig, err := ParseSolverSignal(raw)
	require.NoError(t, err)
	require.Equal(t, FinalDelivery, sig.Type)
	require.Equal(t, "out/report.md", *sig.DeliverablePath)
	require.Nil(t, sig.Prompt)
}

func TestParseSolverSignalRejectsUnknownType(t *testing.T) {
	raw := `{"type":"bogus","prompt":null,"claim_path":null,"notes":null,"deliverable_path":null,"summary":null}`
	_, err := ParseSolverSignal(raw)
	require.Error(t, err)
}

func TestParseSolverSignalRejectsMissingField(t *testing.T) {
	raw := `{"type":"direction_request","prompt":"go","claim_path":null,"notes":null,"deliverable_path":null}`
	_, err := ParseSolverSignal(raw)
	require.Error(t, err)
}

func TestParseDirectorDirective(t *testing.T) {
	raw := `{"directive":"focus on edge cases","rationale":"coverage gap"}`
	d, err := ParseDirectorDirective(raw)
	require.NoError(t, err)
	require.Equal(t, "focus on edge cases", d.Directive)
}

func TestParseVerifierVerdict(t *testing.T) {
	raw := `{"verdict":"fail","reasons":["missing tests"],"suggestions":["add tests"]}`
	v, err := ParseVerifierVerdict(raw)
	require.NoError(t, err)
	require.Equal(t, VerdictFail, v.Verdict)
	require.Len(t, v.Reasons, 1)
}

func TestParseVerifierVerdictRejectsBadEnum(t *testing.T) {
	raw := `{"verdict":"maybe","reasons":[],"suggestions":[]}`
	_, err := ParseVerifierVerdict(raw)
	require.Error(t, err)
}

func TestParseCompactSummary(t *testing.T) {
	raw := `{"intent_user_message":"fix the bug in parser","summary":"the agent rewrote tokenizer.go"}`
	c, err := ParseCompactSummary(raw)
	require.NoError(t, err)
	require.Equal(t, "fix the bug in parser", c.IntentUserMessage)
}

func TestParseCompactSummaryRejectsInvalidJSON(t *testing.T) {
	_, err := ParseCompactSummary(`not json`)
	require.Error(t, err)
}
