package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codalotl/relaycore/internal/modelclient"
	"github.com/codalotl/relaycore/internal/orchestrator"
)

func TestLoadFromProjectTOML(t *testing.T) {
	dir := t.TempDir()
	toml := `
storeroot = "/tmp/relaycore-runs"

[[providers]]
name = "openai"
baseurl = "https://api.openai.com/v1"
wireapi = "responses"
envkey = "OPENAI_API_KEY"
requestmaxretries = 6

[defaults]
verifiertimeoutseconds = 90
followuplimit = 3

[defaults.solver]
model = "gpt-5"
reasoningeffort = "high"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relaycore.toml"), []byte(toml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "/tmp/relaycore-runs", cfg.StoreRoot)
	require.Equal(t, 90, cfg.Defaults.VerifierTimeoutSeconds)
	require.Equal(t, 3, cfg.Defaults.FollowUpLimit)

	p, ok := cfg.Providers["openai"]
	require.True(t, ok)
	require.Equal(t, modelclient.WireAPIResponses, p.WireAPI)
	require.Equal(t, 6, p.RequestMaxRetries)

	rc := cfg.RoleConfig("solver", orchestrator.RoleConfig{Role: "solver"})
	require.Equal(t, "gpt-5", rc.Model)
	require.Equal(t, "high", rc.ReasoningEffort)

	require.Equal(t, 90, int(cfg.VerifierTimeout().Seconds()))
}

func TestLoadRejectsDuplicateProviderNames(t *testing.T) {
	dir := t.TempDir()
	toml := `
[[providers]]
name = "openai"
baseurl = "https://a.example/v1"

[[providers]]
name = "openai"
baseurl = "https://b.example/v1"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relaycore.toml"), []byte(toml), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate provider name")
}

func TestLoadDefaultsApplyWithoutAnyFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 120, cfg.Defaults.VerifierTimeoutSeconds)
	require.Equal(t, 5, cfg.Defaults.FollowUpLimit)
	require.Empty(t, cfg.Providers)
}
