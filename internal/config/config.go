// Package config loads and holds all council configuration.
// Settings are layered: defaults → council-config.json → environment
// variables (env vars win), matching the teacher proxy's layering.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full council configuration.
type Config struct {
	BindAddress    string `json:"bindAddress"`
	ManagementPort int    `json:"managementPort"`
	LogLevel       string `json:"logLevel"`

	ManagementToken string `json:"managementToken"`

	Vault     VaultConfig     `json:"vault"`
	Consensus ConsensusConfig `json:"consensus"`
	Router    RouterConfig    `json:"router"`
	Tunnel    TunnelConfig    `json:"tunnel"`
	Agent     AgentConfig     `json:"agent"`
}

// VaultConfig controls the token vault's persistence backend.
type VaultConfig struct {
	// File is the bbolt database path. Empty means in-memory only —
	// clearing a session is still atomic, but nothing survives
	// process restart. Mirrors the teacher's OllamaCacheFile opt-in.
	File string `json:"file"`
}

// ConsensusConfig is the weighted-voting configuration for the
// consensus engine. Construct via NewConsensusConfig so weights are
// validated; the zero value is not meaningful on its own.
type ConsensusConfig struct {
	Threshold   float64 `json:"threshold"`
	MaxRounds   int     `json:"maxRounds"`
	WeightIntent    float64 `json:"weightIntent"`
	WeightReasoning float64 `json:"weightReasoning"`
	WeightVerifier  float64 `json:"weightVerifier"`
}

// weightEpsilon bounds how far Σw_i may drift from 1.0 and still be
// accepted, per SPEC_FULL.md's resolution of the weight-normalisation
// open question.
const weightEpsilon = 1e-6

// NewConsensusConfig validates that the three weights sum to 1 ± ε
// before returning a usable config.
func NewConsensusConfig(threshold float64, maxRounds int, wIntent, wReasoning, wVerifier float64) (ConsensusConfig, error) {
	sum := wIntent + wReasoning + wVerifier
	if diff := sum - 1.0; diff > weightEpsilon || diff < -weightEpsilon {
		return ConsensusConfig{}, fmt.Errorf("config: consensus weights sum to %f, want 1.0 ± %g", sum, weightEpsilon)
	}
	if maxRounds < 1 {
		return ConsensusConfig{}, fmt.Errorf("config: maxRounds must be >= 1, got %d", maxRounds)
	}
	if threshold < 0 || threshold > 1 {
		return ConsensusConfig{}, fmt.Errorf("config: threshold must be in [0,1], got %f", threshold)
	}
	return ConsensusConfig{
		Threshold:       threshold,
		MaxRounds:       maxRounds,
		WeightIntent:    wIntent,
		WeightReasoning: wReasoning,
		WeightVerifier:  wVerifier,
	}, nil
}

// RouterConfig parameterises the local/cloud routing decision.
type RouterConfig struct {
	MaxLocalTokens      int     `json:"maxLocalTokens"`
	ComplexityThreshold float64 `json:"complexityThreshold"`
	ForceLocal          bool    `json:"forceLocal"`
	ForceCloud          bool    `json:"forceCloud"`
}

// AgentConfig parameterises the local Ollama backend that drives
// Intent/Reasoning/Verifier when the Router keeps a query local, and
// selects the cloud model identifier an escalated query requests.
// Grounded on the teacher's OllamaEndpoint/OllamaModel/OllamaMaxConcurrent
// fields (config.go); the Anthropic/OpenAI API keys are intentionally
// `json:"-"` so a committed council-config.json can never leak them —
// they are environment-only, mirroring how the teacher never persists
// its own secrets to the config file either.
type AgentConfig struct {
	OllamaEndpoint string `json:"ollamaEndpoint"`
	OllamaModel    string `json:"ollamaModel"`
	MaxConcurrent  int    `json:"maxConcurrent"`
	CloudModel     string `json:"cloudModel"`

	// OllamaCacheFile is the bbolt database path backing the Ollama
	// response cache (internal/cache), fronted by an S3-FIFO eviction
	// layer sized by OllamaCacheCapacity. Empty means in-memory only,
	// mirroring Vault.File's opt-in-to-persistence pattern.
	OllamaCacheFile     string `json:"ollamaCacheFile"`
	OllamaCacheCapacity int    `json:"ollamaCacheCapacity"`

	AnthropicAPIKey string `json:"-"`
	OpenAIAPIKey    string `json:"-"`
}

// TunnelConfig configures the cloud escalation tunnel.
type TunnelConfig struct {
	Endpoint  string `json:"endpoint"`
	DeviceID  string `json:"deviceId"`
	Zone      string `json:"zone"`
	CertFile  string `json:"certFile"`
	KeyFile   string `json:"keyFile"`

	HeartbeatIntervalMS int `json:"heartbeatIntervalMs"`
	ConnectTimeoutMS    int `json:"connectTimeoutMs"`
	ReadTimeoutMS       int `json:"readTimeoutMs"`
	RequestTimeoutMS    int `json:"requestTimeoutMs"`

	InitialBackoffMS int     `json:"initialBackoffMs"`
	MaxBackoffMS     int     `json:"maxBackoffMs"`
	BackoffFactor    float64 `json:"backoffFactor"`
	MaxReconnects    int     `json:"maxReconnects"`
}

func (t TunnelConfig) HeartbeatInterval() time.Duration {
	return time.Duration(t.HeartbeatIntervalMS) * time.Millisecond
}
func (t TunnelConfig) ConnectTimeout() time.Duration {
	return time.Duration(t.ConnectTimeoutMS) * time.Millisecond
}
func (t TunnelConfig) ReadTimeout() time.Duration {
	return time.Duration(t.ReadTimeoutMS) * time.Millisecond
}
func (t TunnelConfig) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutMS) * time.Millisecond
}
func (t TunnelConfig) InitialBackoff() time.Duration {
	return time.Duration(t.InitialBackoffMS) * time.Millisecond
}
func (t TunnelConfig) MaxBackoff() time.Duration {
	return time.Duration(t.MaxBackoffMS) * time.Millisecond
}

// Load returns config with defaults overridden by council-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "council-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		BindAddress:    "127.0.0.1",
		ManagementPort: 8181,
		LogLevel:       "info",
		Vault:          VaultConfig{File: ""},
		Consensus: ConsensusConfig{
			Threshold:       0.85,
			MaxRounds:       3,
			WeightIntent:    0.25,
			WeightReasoning: 0.45,
			WeightVerifier:  0.30,
		},
		Router: RouterConfig{
			MaxLocalTokens:      4096,
			ComplexityThreshold: 0.7,
		},
		Agent: AgentConfig{
			OllamaEndpoint:      "http://localhost:11434",
			OllamaModel:         "qwen2.5:3b",
			MaxConcurrent:       1,
			CloudModel:          "auto",
			OllamaCacheFile:     "",
			OllamaCacheCapacity: 2000,
		},
		Tunnel: TunnelConfig{
			Endpoint:            "",
			Zone:                "superinstance.ai",
			CertFile:            "device-cert.pem",
			KeyFile:             "device-key.pem",
			HeartbeatIntervalMS: 30_000,
			ConnectTimeoutMS:    30_000,
			ReadTimeoutMS:       60_000,
			RequestTimeoutMS:    30_000,
			InitialBackoffMS:    1_000,
			MaxBackoffMS:        60_000,
			BackoffFactor:       2.0,
			MaxReconnects:       10,
		},
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "[CONFIG] warning: could not parse %s: %v\n", path, err)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("COUNCIL_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("COUNCIL_MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("COUNCIL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("COUNCIL_MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("COUNCIL_VAULT_FILE"); v != "" {
		cfg.Vault.File = v
	}
	if v := os.Getenv("COUNCIL_TUNNEL_ENDPOINT"); v != "" {
		cfg.Tunnel.Endpoint = v
	}
	if v := os.Getenv("COUNCIL_TUNNEL_DEVICE_ID"); v != "" {
		cfg.Tunnel.DeviceID = v
	}
	if v := os.Getenv("COUNCIL_FORCE_LOCAL"); v == "true" {
		cfg.Router.ForceLocal = true
	}
	if v := os.Getenv("COUNCIL_FORCE_CLOUD"); v == "true" {
		cfg.Router.ForceCloud = true
	}
	if v := os.Getenv("COUNCIL_OLLAMA_ENDPOINT"); v != "" {
		cfg.Agent.OllamaEndpoint = v
	}
	if v := os.Getenv("COUNCIL_OLLAMA_MODEL"); v != "" {
		cfg.Agent.OllamaModel = v
	}
	if v := os.Getenv("COUNCIL_OLLAMA_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.MaxConcurrent = n
		}
	}
	if v := os.Getenv("COUNCIL_CLOUD_MODEL"); v != "" {
		cfg.Agent.CloudModel = v
	}
	if v := os.Getenv("COUNCIL_ANTHROPIC_API_KEY"); v != "" {
		cfg.Agent.AnthropicAPIKey = v
	}
	if v := os.Getenv("COUNCIL_OPENAI_API_KEY"); v != "" {
		cfg.Agent.OpenAIAPIKey = v
	}
	if v := os.Getenv("COUNCIL_OLLAMA_CACHE_FILE"); v != "" {
		cfg.Agent.OllamaCacheFile = v
	}
	if v := os.Getenv("COUNCIL_OLLAMA_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agent.OllamaCacheCapacity = n
		}
	}
}
