// Command council is the tripartite-consensus process: it wires the
// redactor, router, consensus engine, optional cloud tunnel, and
// management API together and serves the management API until
// terminated.
//
// Process() itself (redact → route → consensus → escalate → reinflate)
// is a Go API surface, not an HTTP one — embedding applications call
// into internal/council directly. This binary's only network-facing
// surface is the operational one: /status, /metrics,
// /sessions/{id}/clear, /tunnel/state.
//
// Usage:
//
//	# Local-only, in-memory vault, no cloud escalation
//	./council
//
//	# With cloud escalation over a real tunnel
//	COUNCIL_TUNNEL_ENDPOINT=tunnel.example.com:8443 ./council
//
//	# With cloud escalation but no tunnel endpoint (direct SDK calls)
//	COUNCIL_ANTHROPIC_API_KEY=sk-... ./council
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/superinstance/tripartite-council/internal/agent"
	"github.com/superinstance/tripartite-council/internal/cache"
	"github.com/superinstance/tripartite-council/internal/config"
	"github.com/superinstance/tripartite-council/internal/consensus"
	"github.com/superinstance/tripartite-council/internal/council"
	"github.com/superinstance/tripartite-council/internal/management"
	"github.com/superinstance/tripartite-council/internal/metrics"
	"github.com/superinstance/tripartite-council/internal/redactor"
	"github.com/superinstance/tripartite-council/internal/router"
	"github.com/superinstance/tripartite-council/internal/tunnel"
	"github.com/superinstance/tripartite-council/internal/vault"
)

func main() {
	cfg := config.Load()

	printBanner(cfg)

	// Shared metrics collector — passed to every subsystem so counters
	// are unified in one /metrics snapshot.
	m := metrics.New()

	v := openVault(cfg)
	rd, err := redactor.New(v, m)
	if err != nil {
		log.Fatalf("[COUNCIL] redactor: %v", err)
	}
	rt := router.New(cfg.Router)

	consensusCfg, err := config.NewConsensusConfig(
		cfg.Consensus.Threshold, cfg.Consensus.MaxRounds,
		cfg.Consensus.WeightIntent, cfg.Consensus.WeightReasoning, cfg.Consensus.WeightVerifier)
	if err != nil {
		log.Fatalf("[COUNCIL] consensus config: %v", err)
	}

	ollama := agent.NewOllamaBackend(cfg.Agent.OllamaEndpoint, cfg.Agent.OllamaModel, cfg.Agent.MaxConcurrent)
	ollama.WithCache(openOllamaCache(cfg))
	engine := consensus.New(consensusCfg, ollama.AsIntent(), ollama.AsReasoning(), ollama.AsVerifier(), agent.NoKnowledge{}, m)

	cloud, tunnelStatus := buildCloudEscalator(cfg, m)

	c := council.New(rd, rt, engine, cloud, m)

	mgmt := management.New(cfg, c, tunnelStatus, m)

	errc := make(chan error, 1)
	go func() {
		errc <- mgmt.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		log.Fatalf("[COUNCIL] management server: %v", err)
	case <-quit:
		log.Printf("[COUNCIL] shutting down…")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := mgmt.Shutdown(shutdownCtx); err != nil {
		log.Printf("[COUNCIL] management server shutdown error: %v", err)
	}

	if tun, ok := cloud.(*tunnel.Tunnel); ok {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		if err := tun.Disconnect(disconnectCtx); err != nil {
			log.Printf("[COUNCIL] tunnel disconnect error: %v", err)
		}
	}
}

// openVault selects a durable bbolt-backed vault when Vault.File is
// configured, otherwise an in-memory vault that does not survive
// process restart, mirroring the teacher's OllamaCacheFile opt-in.
func openVault(cfg *config.Config) vault.Vault {
	if cfg.Vault.File == "" {
		return vault.NewMemory()
	}
	v, err := vault.NewBolt(cfg.Vault.File)
	if err != nil {
		log.Fatalf("[COUNCIL] vault: %v", err)
	}
	return v
}

// openOllamaCache builds the S3-FIFO-fronted response cache for the
// Ollama backend. An in-memory backing store is used when no cache
// file is configured; the S3-FIFO layer still applies so the hot set
// stays bounded even without persistence.
func openOllamaCache(cfg *config.Config) cache.Cache {
	var backing cache.Cache
	if cfg.Agent.OllamaCacheFile == "" {
		backing = cache.NewMemory()
	} else {
		var err error
		backing, err = cache.NewBolt(cfg.Agent.OllamaCacheFile)
		if err != nil {
			log.Fatalf("[COUNCIL] ollama cache: %v", err)
		}
	}
	return cache.NewS3FIFO(backing, cfg.Agent.OllamaCacheCapacity)
}

// buildCloudEscalator picks one of three cloud-escalation modes: a real
// mTLS tunnel when an endpoint is configured, a direct cloud-SDK call
// when API keys are present but no tunnel endpoint is, or no cloud
// escalation at all. The second return value, when non-nil, is the
// management API's /tunnel/state source — only the real tunnel exposes
// connection state and stats; a direct escalator has neither.
func buildCloudEscalator(cfg *config.Config, m *metrics.Metrics) (council.CloudEscalator, management.TunnelStatus) {
	if cfg.Tunnel.Endpoint != "" {
		tun, err := tunnel.New(cfg.Tunnel, m)
		if err != nil {
			log.Fatalf("[COUNCIL] tunnel: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Tunnel.ConnectTimeout())
		defer cancel()
		if err := tun.Connect(ctx); err != nil {
			log.Printf("[COUNCIL] initial tunnel connect failed, will retry on first escalation: %v", err)
		}
		return tun, tun
	}

	if cfg.Agent.AnthropicAPIKey != "" || cfg.Agent.OpenAIAPIKey != "" {
		backend := agent.NewCloudBackend(cfg.Agent.AnthropicAPIKey, cfg.Agent.OpenAIAPIKey, cfg.Agent.CloudModel)
		return agent.NewDirectEscalator(backend), nil
	}

	return nil, nil
}

func printBanner(cfg *config.Config) {
	cloudMode := "disabled (no tunnel endpoint, no cloud API keys)"
	switch {
	case cfg.Tunnel.Endpoint != "":
		cloudMode = fmt.Sprintf("tunnel -> %s", cfg.Tunnel.Endpoint)
	case cfg.Agent.AnthropicAPIKey != "" || cfg.Agent.OpenAIAPIKey != "":
		cloudMode = fmt.Sprintf("direct (%s)", cfg.Agent.CloudModel)
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          Tripartite Council  (Go)                    ║
╚══════════════════════════════════════════════════════╝
  Management port : %d
  Ollama endpoint  : %s
  Ollama model     : %s
  Cloud escalation : %s
  Consensus        : threshold=%.2f maxRounds=%d

  Check status:
    curl http://localhost:%d/status
`, cfg.ManagementPort,
		cfg.Agent.OllamaEndpoint, cfg.Agent.OllamaModel,
		cloudMode,
		cfg.Consensus.Threshold, cfg.Consensus.MaxRounds,
		cfg.ManagementPort)
}
