package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/superinstance/tripartite-council/internal/cache"
	"github.com/superinstance/tripartite-council/internal/obslog"
)

// OllamaBackend drives all three agent roles against a local Ollama
// HTTP endpoint with role-specific prompts. Grounded on
// internal/anonymizer/anonymizer.go's queryOllamaHTTP: the request/
// response envelope, the context timeout, and the "scan for the
// first/last JSON delimiter in the model's text response" extraction
// technique are reused verbatim, generalized from a JSON *array* of
// PII detections to a single JSON *object* per agent role. Concurrency
// is bounded the same way the teacher bounds Ollama dispatches, but
// via golang.org/x/sync/semaphore.Weighted in place of the teacher's
// raw buffered channel, since here the semaphore guards a synchronous
// call on the request path rather than a best-effort background
// dispatch.
type OllamaBackend struct {
	endpoint   string
	model      string
	httpClient *http.Client
	sem        *semaphore.Weighted
	log        *obslog.Logger

	// respCache holds complete model replies keyed by a hash of the
	// exact prompt sent, so identical prompts — extremely common across
	// Hybrid-retry rounds and repeat queries within a session — skip
	// the network round-trip entirely. Nil means caching is disabled.
	respCache cache.Cache
}

// NewOllamaBackend returns a backend targeting endpoint/api/generate
// with model, allowing at most maxConcurrent in-flight requests. The
// response cache is disabled; use WithCache to enable it.
func NewOllamaBackend(endpoint, model string, maxConcurrent int) *OllamaBackend {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &OllamaBackend{
		endpoint:   strings.TrimSuffix(endpoint, "/") + "/api/generate",
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		log:        obslog.New("agent.ollama"),
	}
}

// WithCache attaches a response cache to the backend and returns it
// for chaining. An S3-FIFO-backed cache.Cache is the expected caller
// (see cmd/council/main.go), but any cache.Cache implementation works.
func (b *OllamaBackend) WithCache(c cache.Cache) *OllamaBackend {
	b.respCache = c
	return b
}

func promptCacheKey(model, prompt string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + prompt))
	return hex.EncodeToString(sum[:])
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

// generate sends prompt to Ollama and returns the raw text response,
// bounded by the backend's semaphore and ctx. A configured response
// cache is checked before, and populated after, the HTTP round-trip.
func (b *OllamaBackend) generate(ctx context.Context, prompt string) (string, error) {
	var cacheKey string
	if b.respCache != nil {
		cacheKey = promptCacheKey(b.model, prompt)
		if cached, ok := b.respCache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("agent: acquire ollama slot: %w", err)
	}
	defer b.sem.Release(1)

	reqBody, err := json.Marshal(ollamaRequest{Model: b.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("agent: marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("agent: create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent: ollama request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("agent: read ollama response: %w", err)
	}

	var out ollamaResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("agent: parse ollama envelope: %w", err)
	}

	if b.respCache != nil {
		b.respCache.Set(cacheKey, out.Response)
	}
	return out.Response, nil
}

// extractJSONObject pulls the first {...} span out of raw model text,
// the object analogue of the teacher's bracket-scanning array
// extraction in queryOllamaHTTP.
func extractJSONObject(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("agent: no JSON object in model response")
	}
	return raw[start : end+1], nil
}

type intentJSON struct {
	Framing           string  `json:"framing"`
	Confidence        float64 `json:"confidence"`
	Expertise         string  `json:"expertise"`
	Style             string  `json:"style"`
	VerificationScope string  `json:"verificationScope"`
	Complexity        float64 `json:"complexity"`
}

// Process implements Intent.
func (b *OllamaBackend) ProcessIntent(ctx context.Context, query string, history []string) (IntentOutput, error) {
	prompt := fmt.Sprintf(`You are the Intent agent in a three-agent council. Read the user's query and recent
history, then identify what the user truly wants.

History:
%s

Query:
%s

Respond with ONLY a JSON object: {"framing": "...", "confidence": 0.0-1.0,
"expertise": "Novice|Intermediate|Expert", "style": "Formal|Casual|Technical",
"verificationScope": "...", "complexity": 0.0-1.0}`, strings.Join(history, "\n"), query)

	raw, err := b.generate(ctx, prompt)
	if err != nil {
		return IntentOutput{}, err
	}
	obj, err := extractJSONObject(raw)
	if err != nil {
		b.log.Warn().Err(err).Msg("intent: falling back to raw text framing")
		return IntentOutput{Output: Output{Content: raw, Confidence: 0.5}}, nil
	}
	var parsed intentJSON
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return IntentOutput{}, fmt.Errorf("agent: parse intent JSON: %w", err)
	}
	return IntentOutput{
		Output:            Output{Content: parsed.Framing, Confidence: parsed.Confidence},
		Expertise:         parsed.Expertise,
		Style:             parsed.Style,
		VerificationScope: parsed.VerificationScope,
		Complexity:        parsed.Complexity,
	}, nil
}

type reasoningJSON struct {
	Solution   string   `json:"solution"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
}

// ProcessReasoning implements Reasoning.
func (b *OllamaBackend) ProcessReasoning(ctx context.Context, query, intentFraming string, knowledge []string, feedback []string) (ReasoningOutput, error) {
	prompt := fmt.Sprintf(`You are the Reasoning agent in a three-agent council. Synthesize a solution.

User intent: %s

Retrieved knowledge:
%s

Prior-round feedback to address:
%s

Query:
%s

Respond with ONLY a JSON object: {"solution": "...", "confidence": 0.0-1.0, "sources": ["..."]}`,
		intentFraming, strings.Join(knowledge, "\n"), strings.Join(feedback, "\n"), query)

	raw, err := b.generate(ctx, prompt)
	if err != nil {
		return ReasoningOutput{}, err
	}
	obj, err := extractJSONObject(raw)
	if err != nil {
		b.log.Warn().Err(err).Msg("reasoning: falling back to raw text solution")
		return ReasoningOutput{Output: Output{Content: raw, Confidence: 0.5}}, nil
	}
	var parsed reasoningJSON
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return ReasoningOutput{}, fmt.Errorf("agent: parse reasoning JSON: %w", err)
	}
	return ReasoningOutput{
		Output:  Output{Content: parsed.Solution, Confidence: parsed.Confidence},
		Sources: parsed.Sources,
	}, nil
}

type verifierJSON struct {
	Notes      string  `json:"notes"`
	Confidence float64 `json:"confidence"`
	Veto       bool    `json:"veto"`
}

// ProcessVerifier implements Verifier.
func (b *OllamaBackend) ProcessVerifier(ctx context.Context, query, intentFraming, reasoningOutput string) (VerifierOutput, error) {
	prompt := fmt.Sprintf(`You are the Verifier agent in a three-agent council. Check the proposed solution
for safety, accuracy, and fitness against the user's intent. Set "veto" true only
for safety-critical failures.

User intent: %s

Query:
%s

Proposed solution:
%s

Respond with ONLY a JSON object: {"notes": "...", "confidence": 0.0-1.0, "veto": false}`,
		intentFraming, query, reasoningOutput)

	raw, err := b.generate(ctx, prompt)
	if err != nil {
		return VerifierOutput{}, err
	}
	obj, err := extractJSONObject(raw)
	if err != nil {
		b.log.Warn().Err(err).Msg("verifier: falling back to raw text notes")
		return VerifierOutput{Output: Output{Content: raw, Confidence: 0.5}}, nil
	}
	var parsed verifierJSON
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return VerifierOutput{}, fmt.Errorf("agent: parse verifier JSON: %w", err)
	}
	return VerifierOutput{
		Output: Output{Content: parsed.Notes, Confidence: parsed.Confidence},
		Veto:   parsed.Veto,
	}, nil
}

// ollamaIntentAdapter, ollamaReasoningAdapter, and ollamaVerifierAdapter
// narrow *OllamaBackend to one role interface each, so Consensus can
// depend on Intent/Reasoning/Verifier without knowing backends exist.
type ollamaIntentAdapter struct{ b *OllamaBackend }

func (a ollamaIntentAdapter) Process(ctx context.Context, query string, history []string) (IntentOutput, error) {
	return a.b.ProcessIntent(ctx, query, history)
}

type ollamaReasoningAdapter struct{ b *OllamaBackend }

func (a ollamaReasoningAdapter) Process(ctx context.Context, query, intentFraming string, knowledge []string, feedback []string) (ReasoningOutput, error) {
	return a.b.ProcessReasoning(ctx, query, intentFraming, knowledge, feedback)
}

type ollamaVerifierAdapter struct{ b *OllamaBackend }

func (a ollamaVerifierAdapter) Process(ctx context.Context, query, intentFraming, reasoningOutput string) (VerifierOutput, error) {
	return a.b.ProcessVerifier(ctx, query, intentFraming, reasoningOutput)
}

// AsIntent, AsReasoning, AsVerifier adapt a shared OllamaBackend to
// each of the three narrow role interfaces.
func (b *OllamaBackend) AsIntent() Intent       { return ollamaIntentAdapter{b} }
func (b *OllamaBackend) AsReasoning() Reasoning { return ollamaReasoningAdapter{b} }
func (b *OllamaBackend) AsVerifier() Verifier   { return ollamaVerifierAdapter{b} }
