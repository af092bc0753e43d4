package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"

	"github.com/superinstance/tripartite-council/internal/obslog"
	"github.com/superinstance/tripartite-council/internal/tunnel"
)

// CloudBackend drives all three agent roles through a cloud-hosted
// model when the Router has escalated a query, grounded on
// beeper-ai-bridge's AnthropicProvider/OpenAIProvider: a thin client
// wrapper selecting the non-streaming Messages.New / Chat.Completions.New
// call per vendor. Vendor selection is a model-string prefix match,
// the cloud-side analogue of the teacher's resolvePIIInstruction
// prefix matching ("claude" / "gpt" keys).
type CloudBackend struct {
	anthropicClient anthropic.Client
	openaiClient    openai.Client
	model           string
	log             *obslog.Logger
}

// NewCloudBackend constructs a backend that can reach both vendors;
// only the credential for the vendor actually selected by model needs
// to be valid at call time.
func NewCloudBackend(anthropicAPIKey, openaiAPIKey, model string) *CloudBackend {
	return &CloudBackend{
		anthropicClient: anthropic.NewClient(anthropicoption.WithAPIKey(anthropicAPIKey)),
		openaiClient:    openai.NewClient(openaioption.WithAPIKey(openaiAPIKey)),
		model:           model,
		log:             obslog.New("agent.cloud"),
	}
}

// isAnthropicModel reports whether model should be routed to
// Anthropic's Messages API rather than an OpenAI-compatible Chat
// Completions call.
func isAnthropicModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "claude")
}

// generate sends one system+user prompt pair to the configured model
// and returns the model's raw text reply.
func (b *CloudBackend) generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if isAnthropicModel(b.model) {
		resp, err := b.anthropicClient.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(b.model),
			MaxTokens: 4096,
			System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("agent: anthropic generation: %w", err)
		}
		var content strings.Builder
		for _, block := range resp.Content {
			if text, ok := block.AsAny().(anthropic.TextBlock); ok {
				content.WriteString(text.Text)
			}
		}
		return content.String(), nil
	}

	resp, err := b.openaiClient.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: b.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("agent: openai generation: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("agent: openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

const roleSystemPrompt = "You must respond with ONLY a single JSON object matching the requested schema, no prose before or after."

// ProcessIntent implements Intent over the cloud model.
func (b *CloudBackend) ProcessIntent(ctx context.Context, query string, history []string) (IntentOutput, error) {
	prompt := fmt.Sprintf(`Identify what the user truly wants from this query and history.

History:
%s

Query:
%s

Schema: {"framing": "...", "confidence": 0.0-1.0, "expertise": "Novice|Intermediate|Expert",
"style": "Formal|Casual|Technical", "verificationScope": "...", "complexity": 0.0-1.0}`,
		strings.Join(history, "\n"), query)

	raw, err := b.generate(ctx, roleSystemPrompt, prompt)
	if err != nil {
		return IntentOutput{}, err
	}
	obj, err := extractJSONObject(raw)
	if err != nil {
		return IntentOutput{Output: Output{Content: raw, Confidence: 0.5}}, nil
	}
	var parsed intentJSON
	if err := unmarshalOrErr(obj, &parsed); err != nil {
		return IntentOutput{}, err
	}
	return IntentOutput{
		Output:            Output{Content: parsed.Framing, Confidence: parsed.Confidence},
		Expertise:         parsed.Expertise,
		Style:             parsed.Style,
		VerificationScope: parsed.VerificationScope,
		Complexity:        parsed.Complexity,
	}, nil
}

// ProcessReasoning implements Reasoning over the cloud model.
func (b *CloudBackend) ProcessReasoning(ctx context.Context, query, intentFraming string, knowledge []string, feedback []string) (ReasoningOutput, error) {
	prompt := fmt.Sprintf(`Synthesize a solution to the query below.

User intent: %s

Retrieved knowledge:
%s

Prior-round feedback to address:
%s

Query:
%s

Schema: {"solution": "...", "confidence": 0.0-1.0, "sources": ["..."]}`,
		intentFraming, strings.Join(knowledge, "\n"), strings.Join(feedback, "\n"), query)

	raw, err := b.generate(ctx, roleSystemPrompt, prompt)
	if err != nil {
		return ReasoningOutput{}, err
	}
	obj, err := extractJSONObject(raw)
	if err != nil {
		return ReasoningOutput{Output: Output{Content: raw, Confidence: 0.5}}, nil
	}
	var parsed reasoningJSON
	if err := unmarshalOrErr(obj, &parsed); err != nil {
		return ReasoningOutput{}, err
	}
	return ReasoningOutput{
		Output:  Output{Content: parsed.Solution, Confidence: parsed.Confidence},
		Sources: parsed.Sources,
	}, nil
}

// ProcessVerifier implements Verifier over the cloud model.
func (b *CloudBackend) ProcessVerifier(ctx context.Context, query, intentFraming, reasoningOutput string) (VerifierOutput, error) {
	prompt := fmt.Sprintf(`Check the proposed solution for safety, accuracy, and fitness against the
user's intent. Set "veto" true only for safety-critical failures.

User intent: %s

Query:
%s

Proposed solution:
%s

Schema: {"notes": "...", "confidence": 0.0-1.0, "veto": false}`,
		intentFraming, query, reasoningOutput)

	raw, err := b.generate(ctx, roleSystemPrompt, prompt)
	if err != nil {
		return VerifierOutput{}, err
	}
	obj, err := extractJSONObject(raw)
	if err != nil {
		return VerifierOutput{Output: Output{Content: raw, Confidence: 0.5}}, nil
	}
	var parsed verifierJSON
	if err := unmarshalOrErr(obj, &parsed); err != nil {
		return VerifierOutput{}, err
	}
	return VerifierOutput{
		Output: Output{Content: parsed.Notes, Confidence: parsed.Confidence},
		Veto:   parsed.Veto,
	}, nil
}

type cloudIntentAdapter struct{ b *CloudBackend }

func (a cloudIntentAdapter) Process(ctx context.Context, query string, history []string) (IntentOutput, error) {
	return a.b.ProcessIntent(ctx, query, history)
}

type cloudReasoningAdapter struct{ b *CloudBackend }

func (a cloudReasoningAdapter) Process(ctx context.Context, query, intentFraming string, knowledge []string, feedback []string) (ReasoningOutput, error) {
	return a.b.ProcessReasoning(ctx, query, intentFraming, knowledge, feedback)
}

type cloudVerifierAdapter struct{ b *CloudBackend }

func (a cloudVerifierAdapter) Process(ctx context.Context, query, intentFraming, reasoningOutput string) (VerifierOutput, error) {
	return a.b.ProcessVerifier(ctx, query, intentFraming, reasoningOutput)
}

// AsIntent, AsReasoning, AsVerifier adapt a shared CloudBackend to
// each of the three narrow role interfaces.
func (b *CloudBackend) AsIntent() Intent       { return cloudIntentAdapter{b} }
func (b *CloudBackend) AsReasoning() Reasoning { return cloudReasoningAdapter{b} }
func (b *CloudBackend) AsVerifier() Verifier   { return cloudVerifierAdapter{b} }

// DirectEscalator satisfies the narrow escalation capability Council
// expects of a cloud channel, without a physical tunnel connection in
// front of it. It exists for single-machine deployments that configure
// cloud API keys but no remote tunnel endpoint: escalation still goes
// through the same EscalationRequest/EscalationResponse shape the wire
// tunnel uses, it just resolves the request by calling the vendor SDK
// in-process instead of framing it onto a socket.
type DirectEscalator struct {
	backend *CloudBackend
}

// NewDirectEscalator wraps an existing CloudBackend for direct,
// tunnel-free escalation.
func NewDirectEscalator(backend *CloudBackend) *DirectEscalator {
	return &DirectEscalator{backend: backend}
}

// IsConnected always reports true: a direct escalator has no
// connection-state machine, it is either configured or not constructed.
func (d *DirectEscalator) IsConnected() bool { return true }

// Escalate resolves an escalation request against the configured cloud
// vendor directly, bypassing wire framing entirely.
func (d *DirectEscalator) Escalate(ctx context.Context, req *tunnel.EscalationRequest) (*tunnel.EscalationResponse, error) {
	var history strings.Builder
	for _, turn := range req.Context.ConversationHistory {
		fmt.Fprintf(&history, "%s: %s\n", turn.Role, turn.Content)
	}
	prompt := fmt.Sprintf("Context:\n%s\n\nQuery:\n%s", history.String(), req.Query)
	content, err := d.backend.generate(ctx, roleSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("agent: direct escalation: %w", err)
	}
	return &tunnel.EscalationResponse{
		RequestID: uuid.New().String(),
		Content:   content,
		ModelUsed: d.backend.model,
	}, nil
}
