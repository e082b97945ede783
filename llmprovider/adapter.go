package llmprovider

import (
	"context"
	"fmt"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/halcyon-labs/chatrelay/core"
)

// irisAdapter wraps an iris Provider to implement core.StreamingChatClient.
type irisAdapter struct {
	provider iriscore.Provider
}

// Complete sends a synchronous completion request via the iris provider.
func (a *irisAdapter) Complete(ctx context.Context, req core.ChatRequest) (core.ChatResponse, error) {
	chatReq := a.toRequest(req)

	chatResp, err := a.provider.Chat(ctx, chatReq)
	if err != nil {
		return core.ChatResponse{}, fmt.Errorf("provider chat failed: %w", err)
	}

	return a.fromResponse(chatResp), nil
}

// toRequest converts a core.ChatRequest to an iris ChatRequest. The system
// prompt becomes the leading system message and InputText, if set, is
// appended as the trailing user message. PreviousResponseID is not carried
// upstream: conversation continuity is expressed through Messages, which the
// caller assembles from stored history.
func (a *irisAdapter) toRequest(req core.ChatRequest) *iriscore.ChatRequest {
	messages := make([]iriscore.Message, 0, len(req.Messages)+2)

	if req.System != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleSystem,
			Content: req.System,
		})
	}

	for _, m := range req.Messages {
		messages = append(messages, iriscore.Message{
			Role:    toIrisRole(m.Role),
			Content: m.Content,
		})
	}

	if req.InputText != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleUser,
			Content: req.InputText,
		})
	}

	chatReq := &iriscore.ChatRequest{
		Model:    iriscore.ModelID(req.Model),
		Messages: messages,
	}

	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		chatReq.Temperature = &temp
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = req.MaxTokens
	}

	return chatReq
}

// fromResponse converts an iris ChatResponse to a core.ChatResponse.
func (a *irisAdapter) fromResponse(resp *iriscore.ChatResponse) core.ChatResponse {
	return core.ChatResponse{
		Text:       resp.Output,
		ResponseID: resp.ID,
		Provider:   a.provider.ID(),
		Model:      string(resp.Model),
		Usage: core.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
}

// toIrisRole converts a string role to an iris Role constant.
func toIrisRole(role string) iriscore.Role {
	switch role {
	case "system":
		return iriscore.RoleSystem
	case "user":
		return iriscore.RoleUser
	case "assistant":
		return iriscore.RoleAssistant
	case "tool":
		return iriscore.RoleTool
	default:
		return iriscore.RoleUser
	}
}

// Compile-time interface check.
var _ core.StreamingChatClient = (*irisAdapter)(nil)
