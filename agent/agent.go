// Package agent turns chat requests into protocol frame sequences by driving
// a streaming LLM client. It is the bridge between the session layer, which
// speaks frames, and the provider layer, which speaks chunks.
package agent

import (
	"context"
	"log/slog"

	"github.com/halcyon-labs/chatrelay/core"
	"github.com/halcyon-labs/chatrelay/session"
)

// Config configures an Agent.
type Config struct {
	Client core.StreamingChatClient

	// Model is the default model when the request does not name one.
	Model string

	// System is the default system prompt when the request does not carry one.
	System string

	Logger *slog.Logger
}

// Agent implements session.Responder on top of a streaming chat client.
// Each Respond call produces a finite frame sequence: zero or more
// message.delta frames, then either a message.final or an error frame.
type Agent struct {
	client core.StreamingChatClient
	model  string
	system string
	logger *slog.Logger
}

// New creates an Agent with the given configuration.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	system := cfg.System
	if system == "" {
		system = SystemPrompt
	}
	return &Agent{
		client: cfg.Client,
		model:  cfg.Model,
		system: system,
		logger: logger,
	}
}

// Respond starts a streaming completion and converts its chunks to frames.
// The returned channel is closed when the completion finishes; a provider
// failure surfaces as an error frame, not a closed-without-final channel.
func (a *Agent) Respond(ctx context.Context, req core.ChatRequest) (<-chan core.Frame, error) {
	if req.Model == "" {
		req.Model = a.model
	}
	if req.System == "" {
		req.System = a.system
	}

	chunks, err := a.client.CompleteStream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Frame, 1)
	go func() {
		defer close(out)

		for chunk := range chunks {
			switch {
			case chunk.Error != nil:
				a.logger.Warn("completion stream failed", "error", chunk.Error)
				out <- core.NewFrame(core.FrameError).
					WithPayload("content", chunk.Error.Error())
				return

			case chunk.Done:
				final := core.NewFrame(core.FrameFinal).
					WithPayload("content", chunk.Accumulated)
				if chunk.ResponseID != "" {
					final = final.WithPayload("response_id", chunk.ResponseID)
				}
				if chunk.Usage != nil {
					final = final.WithPayload("usage", map[string]any{
						"input_tokens":  chunk.Usage.InputTokens,
						"output_tokens": chunk.Usage.OutputTokens,
						"total_tokens":  chunk.Usage.TotalTokens,
					})
				}
				out <- final

			default:
				out <- core.NewFrame(core.FrameDelta).
					WithPayload("content", chunk.Delta)
			}
		}
	}()

	return out, nil
}

// Complete runs a non-streaming completion.
func (a *Agent) Complete(ctx context.Context, req core.ChatRequest) (core.ChatResponse, error) {
	if req.Model == "" {
		req.Model = a.model
	}
	if req.System == "" {
		req.System = a.system
	}
	return a.client.Complete(ctx, req)
}

// Compile-time interface check.
var _ session.Responder = (*Agent)(nil)
