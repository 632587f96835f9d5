// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads careflow settings from defaults, YAML files and the
// environment using koanf.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override (CAREFLOW_LLM_MODEL -> llm.model).
const EnvPrefix = "CAREFLOW_"

type Config struct {
	Log          LogConfig                 `koanf:"log"`
	LLM          LLMConfig                 `koanf:"llm"`
	Orchestrator OrchestratorConfig        `koanf:"orchestrator"`
	Sampling     map[string]SamplingConfig `koanf:"sampling"`
	Telemetry    TelemetryConfig           `koanf:"telemetry"`
	Audit        AuditConfig               `koanf:"audit"`
	Server       ServerConfig              `koanf:"server"`
	Workflows    WorkflowsConfig           `koanf:"workflows"`
	Guardrails   GuardrailsConfig          `koanf:"guardrails"`
	Collab       CollabConfig              `koanf:"collab"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type LLMConfig struct {
	Provider  string        `koanf:"provider"` // ollama, openai, mock
	Model     string        `koanf:"model"`
	BaseURL   string        `koanf:"base_url"`
	APIKey    string        `koanf:"api_key"`
	Timeout   time.Duration `koanf:"timeout"`
	MaxTokens int           `koanf:"max_tokens"`
	Retry     RetryConfig   `koanf:"retry"`
	// MockResponse is returned by the mock provider.
	MockResponse string `koanf:"mock_response"`
}

type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
}

type OrchestratorConfig struct {
	StepTimeout        time.Duration `koanf:"step_timeout"`
	MaxConcurrency     int           `koanf:"max_concurrency"`
	StopOnFirstFailure bool          `koanf:"stop_on_first_failure"`
}

// SamplingConfig overrides sampling for every step with the keyed name.
// Zero values leave the agent default in place.
type SamplingConfig struct {
	Temperature *float64 `koanf:"temperature"`
	MaxTokens   int      `koanf:"max_tokens"`
}

type TelemetryConfig struct {
	Exporter           string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint       string `koanf:"otlp_endpoint"`
	OTLPInsecure       bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds"`
}

type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	DSN     string `koanf:"dsn"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
	Mode string `koanf:"mode"` // gin mode: debug, release, test
}

type WorkflowsConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

type GuardrailsConfig struct {
	MaskPII bool   `koanf:"mask_pii"`
	Mode    string `koanf:"mode"` // mask, redact, hash
}

type CollabConfig struct {
	Policy              string        `koanf:"policy"` // highest_confidence, majority_vote
	ContributionTimeout time.Duration `koanf:"contribution_timeout"`
}

var defaults = map[string]any{
	"log.level":                          "info",
	"log.format":                         "text",
	"llm.provider":                       "ollama",
	"llm.model":                          "llama3.1",
	"llm.base_url":                       "",
	"llm.timeout":                        "30s",
	"llm.max_tokens":                     1024,
	"llm.retry.max_attempts":             3,
	"llm.retry.initial_delay":            "500ms",
	"orchestrator.step_timeout":          "60s",
	"orchestrator.max_concurrency":       4,
	"orchestrator.stop_on_first_failure": false,
	"telemetry.exporter":                 "none",
	"audit.enabled":                      false,
	"audit.dsn":                          "file:careflow.db",
	"server.addr":                        ":8080",
	"server.mode":                        "release",
	"workflows.dir":                      "workflows",
	"workflows.watch":                    false,
	"guardrails.mask_pii":                true,
	"guardrails.mode":                    "mask",
	"collab.policy":                      "highest_confidence",
	"collab.contribution_timeout":        "30s",
}

// Load reads defaults, then path (if set), then CAREFLOW_* variables.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, "", nil)
}

// LoadWithOverrides layers, in increasing precedence: defaults, the base file,
// the profile file (config.<profile>.yaml next to the base), the environment,
// and key=value overrides.
func LoadWithOverrides(path, profile string, overrides []string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if profile != "" {
			profilePath := ProfilePath(path, profile)
			if _, err := os.Stat(profilePath); err == nil {
				if err := k.Load(file.Provider(profilePath), yaml.Parser()); err != nil {
					return nil, fmt.Errorf("load profile %s: %w", profilePath, err)
				}
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		key, value, ok := strings.Cut(o, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q, want key=value", o)
		}
		if err := k.Set(key, strings.TrimSpace(value)); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ProfilePath returns the profile file that sits next to base:
// config.yaml + "dev" -> config.dev.yaml.
func ProfilePath(base, profile string) string {
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "." + profile + ext
}

// envKey maps CAREFLOW_SECTION_SOME_KEY to section.some_key.
// Sampling is keyed by step name and can only be set from files.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok || section == "sampling" {
		return ""
	}
	if section == "llm" && strings.HasPrefix(rest, "retry_") {
		return "llm.retry." + strings.TrimPrefix(rest, "retry_")
	}
	return section + "." + rest
}
