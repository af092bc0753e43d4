package router

import (
	"strings"
	"testing"

	"github.com/superinstance/tripartite-council/internal/config"
	"github.com/superinstance/tripartite-council/internal/manifest"
)

func defaultCfg() config.RouterConfig {
	return config.RouterConfig{MaxLocalTokens: 4096, ComplexityThreshold: 0.7}
}

func TestSimpleQueryRoutesLocal(t *testing.T) {
	r := New(defaultCfg())
	m := manifest.New("Hello, how are you?", "s1")
	got := r.Route(m)
	if got.Decision != DecisionLocal {
		t.Errorf("Decision: got %v, want Local", got.Decision)
	}
}

func TestLongQueryRoutesCloudOrHybrid(t *testing.T) {
	r := New(config.RouterConfig{MaxLocalTokens: 100})
	m := manifest.New(strings.Repeat("a ", 1000), "s1")
	got := r.Route(m)
	if got.Decision != DecisionCloud && got.Decision != DecisionHybrid {
		t.Errorf("Decision: got %v, want Cloud or Hybrid", got.Decision)
	}
}

func TestForceLocalOverridesEverything(t *testing.T) {
	cfg := defaultCfg()
	cfg.ForceLocal = true
	r := New(cfg)
	m := manifest.New("Analyze this comprehensive research", "s1")
	got := r.Route(m)
	if got.Decision != DecisionLocal {
		t.Errorf("Decision: got %v, want Local", got.Decision)
	}
}

func TestForceCloudOverridesEverything(t *testing.T) {
	cfg := defaultCfg()
	cfg.ForceCloud = true
	r := New(cfg)
	m := manifest.New("Hi", "s1")
	got := r.Route(m)
	if got.Decision != DecisionCloud {
		t.Errorf("Decision: got %v, want Cloud", got.Decision)
	}
}

func TestHighComplexityAddsScore(t *testing.T) {
	r := New(defaultCfg())
	m := manifest.New("short", "s1")
	m.Metadata["complexity"] = 0.9
	got := r.Route(m)
	if got.Decision == DecisionLocal {
		t.Errorf("expected complexity to push past Local, got %v factors=%v", got.Decision, got.Factors)
	}
}

func TestLongHistoryAddsFactor(t *testing.T) {
	r := New(defaultCfg())
	m := manifest.New("short", "s1")
	for i := 0; i < 6; i++ {
		m.AppendHistory(manifest.RoleUser, "turn")
	}
	got := r.Route(m)
	found := false
	for _, f := range got.Factors {
		if strings.Contains(f, "conversation history") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a history factor, got %v", got.Factors)
	}
}

func TestShouldEscalateOnRound(t *testing.T) {
	r := New(defaultCfg())
	m := manifest.New("q", "s1")
	m.NextRound()
	m.NextRound()
	if !r.ShouldEscalate(m, 0) {
		t.Error("expected escalation after two rounds")
	}
}

func TestShouldEscalateNeverWhenForceLocal(t *testing.T) {
	cfg := defaultCfg()
	cfg.ForceLocal = true
	r := New(cfg)
	m := manifest.New("q", "s1")
	m.NextRound()
	m.NextRound()
	if r.ShouldEscalate(m, 100000) {
		t.Error("force local must never escalate")
	}
}

func TestShouldEscalateOnTokenPressure(t *testing.T) {
	r := New(config.RouterConfig{MaxLocalTokens: 100})
	m := manifest.New("q", "s1")
	if !r.ShouldEscalate(m, 76) {
		t.Error("expected escalation above 3/4 local token capacity")
	}
}
