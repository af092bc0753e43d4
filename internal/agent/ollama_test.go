package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/superinstance/tripartite-council/internal/cache"
)

func newTestServer(t *testing.T, response string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: response})
	}))
}

func TestProcessIntent_ParsesWellFormedJSON(t *testing.T) {
	srv := newTestServer(t, `{"framing":"user wants a summary","confidence":0.8,"expertise":"Intermediate","style":"Casual","verificationScope":"facts","complexity":0.3}`)
	defer srv.Close()

	b := NewOllamaBackend(srv.URL, "test-model", 2)
	out, err := b.ProcessIntent(context.Background(), "summarize this", nil)
	if err != nil {
		t.Fatalf("ProcessIntent: %v", err)
	}
	if out.Content != "user wants a summary" || out.Confidence != 0.8 {
		t.Errorf("unexpected output: %+v", out)
	}
	if out.Expertise != "Intermediate" || out.Style != "Casual" {
		t.Errorf("unexpected metadata: %+v", out)
	}
}

func TestProcessReasoning_ParsesSourcesArray(t *testing.T) {
	srv := newTestServer(t, `{"solution":"use a binary search","confidence":0.9,"sources":["doc1","doc2"]}`)
	defer srv.Close()

	b := NewOllamaBackend(srv.URL, "test-model", 2)
	out, err := b.ProcessReasoning(context.Background(), "how do I search sorted data", "wants an algorithm", nil, nil)
	if err != nil {
		t.Fatalf("ProcessReasoning: %v", err)
	}
	if out.Content != "use a binary search" || len(out.Sources) != 2 {
		t.Errorf("unexpected output: %+v", out)
	}
}

func TestProcessVerifier_VetoPropagates(t *testing.T) {
	srv := newTestServer(t, `{"notes":"solution recommends disabling a safety interlock","confidence":0.2,"veto":true}`)
	defer srv.Close()

	b := NewOllamaBackend(srv.URL, "test-model", 2)
	out, err := b.ProcessVerifier(context.Background(), "query", "framing", "dangerous solution")
	if err != nil {
		t.Fatalf("ProcessVerifier: %v", err)
	}
	if !out.Veto {
		t.Error("expected veto to propagate from model response")
	}
}

func TestProcessIntent_FallsBackOnUnparsableResponse(t *testing.T) {
	srv := newTestServer(t, "the model just rambled with no JSON at all")
	defer srv.Close()

	b := NewOllamaBackend(srv.URL, "test-model", 2)
	out, err := b.ProcessIntent(context.Background(), "query", nil)
	if err != nil {
		t.Fatalf("ProcessIntent: %v", err)
	}
	if out.Confidence != 0.5 {
		t.Errorf("expected fallback confidence 0.5, got %v", out.Confidence)
	}
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{`prefix text {"a":1} suffix`, false},
		{`{"a":1}`, false},
		{`no braces here`, true},
	}
	for _, c := range cases {
		_, err := extractJSONObject(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("extractJSONObject(%q): err=%v, wantErr=%v", c.in, err, c.wantErr)
		}
	}
}

func TestOllamaBackendCachesIdenticalPrompts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: `{"framing":"cached","confidence":0.6}`})
	}))
	defer srv.Close()

	b := NewOllamaBackend(srv.URL, "test-model", 2).WithCache(cache.NewMemory())

	first, err := b.ProcessIntent(context.Background(), "same query", nil)
	if err != nil {
		t.Fatalf("ProcessIntent (first): %v", err)
	}
	second, err := b.ProcessIntent(context.Background(), "same query", nil)
	if err != nil {
		t.Fatalf("ProcessIntent (second): %v", err)
	}
	if first.Content != second.Content {
		t.Errorf("expected identical output from cache hit, got %+v vs %+v", first, second)
	}
	if calls != 1 {
		t.Errorf("expected exactly one Ollama call for identical prompts, got %d", calls)
	}
}

func TestOllamaBackendCacheMissesOnDifferentPrompt(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: `{"framing":"fresh","confidence":0.6}`})
	}))
	defer srv.Close()

	b := NewOllamaBackend(srv.URL, "test-model", 2).WithCache(cache.NewMemory())

	if _, err := b.ProcessIntent(context.Background(), "query one", nil); err != nil {
		t.Fatalf("ProcessIntent (first): %v", err)
	}
	if _, err := b.ProcessIntent(context.Background(), "query two", nil); err != nil {
		t.Fatalf("ProcessIntent (second): %v", err)
	}
	if calls != 2 {
		t.Errorf("expected two distinct Ollama calls for different prompts, got %d", calls)
	}
}

func TestOllamaBackendRespectsContextCancellation(t *testing.T) {
	srv := newTestServer(t, `{"framing":"ok","confidence":0.7}`)
	defer srv.Close()

	b := NewOllamaBackend(srv.URL, "test-model", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.ProcessIntent(ctx, "q", nil); err == nil {
		t.Error("expected an already-cancelled context to surface as an error")
	}
}
