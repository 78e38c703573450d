// Package config loads relaycore's run and provider configuration from a
// cascade.Loader-backed file, so providers and per-role defaults can be
// hand-edited in TOML rather than hardcoded or passed entirely on the
// command line. Grounded on the teacher's internal/cli/config.go, which
// builds a similar cascade (defaults -> global file -> nearest project
// file -> env) over its own Config struct; this package follows the same
// shape but puts the project TOML file ahead of the project JSON file in
// priority.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/codalotl/relaycore/internal/modelclient"
	"github.com/codalotl/relaycore/internal/orchestrator"
	"github.com/codalotl/relaycore/internal/q/cascade"
)

// ProviderConfig is one provider's TOML-configurable fields, mirroring
// modelclient.Provider. StaticHeaders is intentionally absent: the cascade
// package only accepts string/number/bool/nested-object/slice values, not a
// bare map[string]string, so per-provider static headers are not
// file-configurable today.
type ProviderConfig struct {
	Name              string `cascade:"name,required"`
	BaseURL           string `cascade:"baseurl,required"`
	WireAPI           string `cascade:"wireapi"` // "responses" or "chat"; defaults to "responses".
	EnvKey            string `cascade:"envkey"`
	RequestMaxRetries int    `cascade:"requestmaxretries"`
	StreamMaxRetries  int    `cascade:"streammaxretries"`
	ChatGPTMode       bool   `cascade:"chatgptmode"`
	SupportsChaining  bool   `cascade:"supportschaining"`
}

func (p ProviderConfig) toProvider() modelclient.Provider {
	wireAPI := modelclient.WireAPIResponses
	if p.WireAPI == string(modelclient.WireAPIChat) {
		wireAPI = modelclient.WireAPIChat
	}
	return modelclient.Provider{
		Name:              p.Name,
		BaseURL:           p.BaseURL,
		WireAPI:           wireAPI,
		EnvKey:            p.EnvKey,
		RequestMaxRetries: p.RequestMaxRetries,
		StreamMaxRetries:  p.StreamMaxRetries,
		ChatGPTMode:       p.ChatGPTMode,
		SupportsChaining:  p.SupportsChaining,
	}
}

// RoleDefaults is the subset of orchestrator.RoleConfig that's worth
// tuning from a config file rather than at spawn time.
type RoleDefaults struct {
	Model            string `cascade:"model"`
	ReasoningEffort  string `cascade:"reasoningeffort"`
	ReasoningSummary string `cascade:"reasoningsummary"`
	ApprovalMode     string `cascade:"approvalmode"`
	SandboxMode      string `cascade:"sandboxmode"`
}

// applyTo overlays d's non-empty fields onto rc, leaving caller-set fields
// (e.g. rc.Role, rc.CWD) untouched.
func (d RoleDefaults) applyTo(rc orchestrator.RoleConfig) orchestrator.RoleConfig {
	if rc.Model == "" {
		rc.Model = d.Model
	}
	if rc.ReasoningEffort == "" {
		rc.ReasoningEffort = d.ReasoningEffort
	}
	if rc.ReasoningSummary == "" {
		rc.ReasoningSummary = d.ReasoningSummary
	}
	if rc.ApprovalMode == "" {
		rc.ApprovalMode = d.ApprovalMode
	}
	if rc.SandboxMode == "" {
		rc.SandboxMode = d.SandboxMode
	}
	return rc
}

// RunDefaults configures a run's timing and per-role defaults.
type RunDefaults struct {
	VerifierTimeoutSeconds int `cascade:"verifiertimeoutseconds"`
	FollowUpLimit          int `cascade:"followuplimit"`

	Solver   RoleDefaults `cascade:"solver"`
	Director RoleDefaults `cascade:"director"`
	Verifier RoleDefaults `cascade:"verifier"`
}

// File is the top-level shape of a relaycore configuration file.
type File struct {
	StoreRoot string           `cascade:"storeroot"`
	Providers []ProviderConfig `cascade:"providers"`
	Defaults  RunDefaults      `cascade:"defaults"`
}

// Config is the loaded, ready-to-use configuration: File plus a
// name-indexed provider map.
type Config struct {
	StoreRoot string
	Providers map[string]modelclient.Provider
	Defaults  RunDefaults
}

// Load builds a cascade over defaults, an optional global TOML file at
// ~/.relaycore/config.toml, the nearest project-local relaycore.toml found
// by searching upward from startDir (or the working directory when
// startDir is ""), and RELAYCORE_-prefixed environment overrides, then
// validates the result.
//
// The project relaycore.toml is registered after .relaycore/config.json,
// so a project that keeps both has the hand-edited TOML file win; either
// alone works fine. The global ~/.relaycore/config.toml is registered
// before both and is overridden by either.
func Load(startDir string) (Config, error) {
	loader := cascade.New().WithDefaults(map[string]any{
		"defaults.verifiertimeoutseconds": 120,
		"defaults.followuplimit":          5,
	})

	globalTOML := cascade.ExpandPath("~/.relaycore/config.toml")
	loader = loader.WithTOMLFile(globalTOML)
	loader = loader.WithNearestJSONFile(filepath.Join(".relaycore", "config.json"), startDir)
	loader = loader.WithNearestTOMLFile("relaycore.toml", startDir)

	loader = loader.WithEnv(map[string]string{
		"storeroot": "RELAYCORE_STORE_ROOT",
	})

	var f File
	if err := loader.StrictlyLoad(&f); err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	cfg := Config{StoreRoot: f.StoreRoot, Defaults: f.Defaults, Providers: map[string]modelclient.Provider{}}
	for i, pc := range f.Providers {
		if _, exists := cfg.Providers[pc.Name]; exists {
			return Config{}, fmt.Errorf("config: providers[%d]: duplicate provider name %q", i, pc.Name)
		}
		cfg.Providers[pc.Name] = pc.toProvider()
	}
	return cfg, nil
}

// RoleConfig overlays this config's role defaults for roleName ("solver",
// "director", or a verifier role) onto rc.
func (c Config) RoleConfig(roleName string, rc orchestrator.RoleConfig) orchestrator.RoleConfig {
	switch roleName {
	case "solver":
		return c.Defaults.Solver.applyTo(rc)
	case "director":
		return c.Defaults.Director.applyTo(rc)
	default:
		return c.Defaults.Verifier.applyTo(rc)
	}
}

// VerifierTimeout returns the configured verifier round timeout.
func (c Config) VerifierTimeout() time.Duration {
	return time.Duration(c.Defaults.VerifierTimeoutSeconds) * time.Second
}
