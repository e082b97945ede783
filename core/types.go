// Package core provides the foundational types and interfaces for ChatRelay.
//
// This package contains:
//   - Chat types: Message, ChatRequest, ChatResponse, StreamChunk
//   - Protocol types: Frame, FrameKind
//   - Interfaces: ChatClient, StreamingChatClient
package core

import (
	"context"
	"time"
)

// Message is a chat-style message exchanged with the agent runtime.
type Message struct {
	Role    string         // "system" | "user" | "assistant" | "tool"
	Content string         // plain text; markdown allowed
	Name    string         // optional (tool name, agent role, etc.)
	Meta    map[string]any // optional metadata
}

// ChatRequest is the request structure for an agent runtime invocation.
// It is transport-agnostic and works across different providers.
type ChatRequest struct {
	Model              string         // model identifier (e.g. "gpt-4.1", "claude-sonnet-4")
	System             string         // system prompt
	Messages           []Message      // conversation messages
	InputText          string         // optional: simple prompt mode (converted to user message)
	PreviousResponseID string         // optional: provider-side conversation threading
	Temperature        *float64       // optional: sampling temperature
	MaxTokens          *int           // optional: maximum output tokens
	Meta               map[string]any // trace/cost controls
}

// ChatResponse captures the output from an agent runtime call.
type ChatResponse struct {
	Text       string         // raw text output
	ResponseID string         // provider response id (empty if unavailable)
	Provider   string         // provider that handled the request
	Model      string         // model that generated the response
	Usage      TokenUsage     // token consumption
	Meta       map[string]any // additional response metadata
}

// StreamChunk is a partial response from the agent runtime.
type StreamChunk struct {
	Delta       string      // incremental text
	Index       int         // chunk sequence (0-indexed)
	Done        bool        // final chunk indicator
	Accumulated string      // full text so far (optional)
	ResponseID  string      // populated on final chunk if available
	Usage       *TokenUsage // populated on final chunk
	Error       error       // streaming error
}

// TokenUsage tracks token consumption for cost tracking.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ChatClient abstracts a single provider/model backend.
// Implementations adapt various agent runtimes to this common interface.
type ChatClient interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// StreamingChatClient extends ChatClient with streaming capability.
type StreamingChatClient interface {
	ChatClient
	// CompleteStream returns a channel of StreamChunks.
	// The channel is closed when streaming is complete.
	// The final chunk has Done=true and includes Usage.
	CompleteStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// FrameKind identifies the type of a protocol frame sent to clients.
type FrameKind string

const (
	// FrameMetadata is the first frame of a stream and carries the thread id,
	// stream id, and whether a new thread was created.
	FrameMetadata FrameKind = "metadata"

	// FrameDelta carries an incremental chunk of assistant output.
	FrameDelta FrameKind = "message.delta"

	// FrameFinal carries the consolidated assistant output and, when the
	// provider reports one, the response id used for conversation threading.
	FrameFinal FrameKind = "message.final"

	// FrameError reports an upstream failure. It is recorded in the stream
	// like any other frame so a resuming client observes the failure too.
	FrameError FrameKind = "error"

	// FrameStreamEnd terminates a stream. Always the last frame.
	FrameStreamEnd FrameKind = "stream.end"

	// FrameResumeFailed tells a reconnecting client that its last-event-id is
	// unknown or evicted and a new stream must be started. It is synthesized
	// by the transport and never stored.
	FrameResumeFailed FrameKind = "resume.failed"
)

// String returns the string representation of the FrameKind.
func (k FrameKind) String() string {
	return string(k)
}

// Frame is an opaque protocol-level unit of outbound data. The stream store
// records frames without interpreting them; only the transport and the client
// care about their shape.
type Frame struct {
	// Kind identifies the frame type.
	Kind FrameKind

	// Payload contains frame-specific data. Keep this small.
	Payload map[string]any

	// Time is when the frame was produced.
	Time time.Time
}

// NewFrame creates a frame of the given kind with the current timestamp.
func NewFrame(kind FrameKind) Frame {
	return Frame{
		Kind:    kind,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithPayload adds a key-value pair to the frame payload.
func (f Frame) WithPayload(key string, value any) Frame {
	if f.Payload == nil {
		f.Payload = make(map[string]any)
	}
	f.Payload[key] = value
	return f
}
