package tunnel

import (
	"encoding/json"
	"fmt"
)

// Message is the tagged-union payload carried by a Frame, grounded on
// original_source/protocol/messages.rs's TunnelMessage enum
// (serde tag="type", content="data"). Go has no enum-with-payload, so
// each variant is its own struct implementing Message; marshalMessage/
// unmarshalMessage handle the {"type":..., "data":...} envelope that
// keeps the two ends of this protocol wire-compatible with the
// original's serde representation.
type Message interface {
	messageType() string
	frameType() FrameType
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func marshalMessage(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.messageType(), Data: data})
}

func unmarshalMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("tunnel: parse message envelope: %w", err)
	}
	var target Message
	switch env.Type {
	case "Heartbeat":
		target = &Heartbeat{}
	case "HeartbeatAck":
		target = &HeartbeatAck{}
	case "EscalationRequest":
		target = &EscalationRequest{}
	case "EscalationResponse":
		target = &EscalationResponse{}
	case "StreamChunk":
		target = &StreamChunk{}
	case "StreamEnd":
		target = &StreamEnd{}
	case "Error":
		target = &ErrorMessage{}
	case "PrewarmSignal":
		target = &PrewarmSignal{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrValidation, env.Type)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, fmt.Errorf("tunnel: parse %s payload: %w", env.Type, err)
	}
	return target, nil
}

// Heartbeat is sent client -> server on HeartbeatInterval.
type Heartbeat struct {
	DeviceID string         `json:"device_id"`
	Timestamp int64         `json:"timestamp"`
	Sequence  uint64        `json:"sequence"`
	Vitals    map[string]any `json:"vitals"`
}

func (*Heartbeat) messageType() string { return "Heartbeat" }
func (*Heartbeat) frameType() FrameType { return FrameHeartbeat }

// HeartbeatAck is the server's reply, carrying the latency sample the
// state machine folds into its Connected.LatencyMS field.
type HeartbeatAck struct {
	ServerTime      int64  `json:"server_time"`
	LatencyMS       uint32 `json:"latency_ms"`
	PendingMessages uint32 `json:"pending_messages"`
	ServerStatus    string `json:"server_status"` // healthy | degraded | maintenance
}

func (*HeartbeatAck) messageType() string  { return "HeartbeatAck" }
func (*HeartbeatAck) frameType() FrameType { return FrameHeartbeatAck }

// EscalationRequest carries a query the router decided to send cloud-side.
type EscalationRequest struct {
	RequestID string              `json:"request_id"`
	SessionID string              `json:"session_id"`
	Query     string              `json:"query"`
	Context   EscalationContext   `json:"context"`
	Model     string              `json:"model"` // auto | claude_sonnet | claude_opus | gpt4_turbo
	MaxTokens uint32              `json:"max_tokens"`
	Stream    bool                `json:"stream"`
	LoraID    *string             `json:"lora_id,omitempty"`
}

func (*EscalationRequest) messageType() string  { return "EscalationRequest" }
func (*EscalationRequest) frameType() FrameType { return FrameEscalationRequest }

// EscalationContext is the packaged council state an escalation needs.
type EscalationContext struct {
	IntentFraming      *string            `json:"pathos_framing,omitempty"`
	LocalKnowledge     []KnowledgeChunk   `json:"local_knowledge"`
	ConversationHistory []HistoryMessage  `json:"conversation_history"`
	Constraints        []string           `json:"constraints"`
	UserPreferences    *UserPreferences   `json:"user_preferences,omitempty"`
}

// KnowledgeChunk is one retrieved knowledge snippet with its relevance score.
type KnowledgeChunk struct {
	Source    string  `json:"source"`
	Content   string  `json:"content"`
	Relevance float32 `json:"relevance"`
}

// HistoryMessage is one prior conversation turn forwarded to the cloud.
type HistoryMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

// UserPreferences are optional hints for cloud-side generation.
type UserPreferences struct {
	PreferredLanguage *string `json:"preferred_language,omitempty"`
	Verbosity         *string `json:"verbosity,omitempty"`
	Tone              *string `json:"tone,omitempty"`
}

// EscalationResponse is the cloud's answer to an EscalationRequest.
type EscalationResponse struct {
	RequestID  string     `json:"request_id"`
	Content    string     `json:"content"`
	ModelUsed  string     `json:"model_used"`
	TokensUsed TokenUsage `json:"tokens_used"`
	CostCents  uint32     `json:"cost_cents"`
	LatencyMS  uint64     `json:"latency_ms"`
	Sources    []string   `json:"sources"`
	LoraApplied bool      `json:"lora_applied"`
}

func (*EscalationResponse) messageType() string  { return "EscalationResponse" }
func (*EscalationResponse) frameType() FrameType { return FrameEscalationResponse }

// TokenUsage reports prompt/completion token counts for billing.
type TokenUsage struct {
	Prompt     uint32 `json:"prompt"`
	Completion uint32 `json:"completion"`
}

// StreamChunk is one piece of a streamed escalation response.
type StreamChunk struct {
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
	Sequence  uint32 `json:"sequence"`
	IsFinal   bool   `json:"is_final"`
}

func (*StreamChunk) messageType() string  { return "StreamChunk" }
func (*StreamChunk) frameType() FrameType { return FrameStreamChunk }

// StreamEnd closes out a streamed escalation with final billing data.
type StreamEnd struct {
	RequestID  string     `json:"request_id"`
	TokensUsed TokenUsage `json:"tokens_used"`
	CostCents  uint32     `json:"cost_cents"`
}

func (*StreamEnd) messageType() string  { return "StreamEnd" }
func (*StreamEnd) frameType() FrameType { return FrameStreamEnd }

// ErrorMessage is a structured error sent over the tunnel in either direction.
type ErrorMessage struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Details *string `json:"details,omitempty"`
}

func (*ErrorMessage) messageType() string  { return "Error" }
func (*ErrorMessage) frameType() FrameType { return FrameError }

// PrewarmSignal tells the cloud a local device is under GPU pressure
// and likely to escalate soon, so it can pre-warm capacity.
type PrewarmSignal struct {
	DeviceID string   `json:"device_id"`
	Timestamp int64   `json:"timestamp"`
	GPUUsage  float32 `json:"gpu_usage"`
	GPUTemp   *float32 `json:"gpu_temp,omitempty"`
	Reason    string  `json:"reason"`
}

func (*PrewarmSignal) messageType() string  { return "PrewarmSignal" }
func (*PrewarmSignal) frameType() FrameType { return FramePrewarmSignal }
