package llmprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/halcyon-labs/chatrelay/core"
)

// CompleteStream sends a streaming completion request via the iris provider.
// Iris ChatChunks are converted to core StreamChunks on the returned channel,
// which is closed when streaming finishes. The final chunk has Done=true and
// carries the response id and usage when the provider reports them.
func (a *irisAdapter) CompleteStream(ctx context.Context, req core.ChatRequest) (<-chan core.StreamChunk, error) {
	chatReq := a.toRequest(req)

	irisStream, err := a.provider.StreamChat(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("provider stream chat failed: %w", err)
	}

	out := make(chan core.StreamChunk, 1)

	go func() {
		defer close(out)

		var accumulated strings.Builder
		index := 0

		for chunk := range irisStream.Ch {
			accumulated.WriteString(chunk.Delta)
			sc := core.StreamChunk{
				Delta:       chunk.Delta,
				Index:       index,
				Accumulated: accumulated.String(),
			}
			select {
			case out <- sc:
			case <-ctx.Done():
				out <- core.StreamChunk{Error: ctx.Err(), Done: true}
				return
			}
			index++
		}

		if ctx.Err() != nil {
			out <- core.StreamChunk{Error: ctx.Err(), Done: true}
			return
		}

		select {
		case err, ok := <-irisStream.Err:
			if ok && err != nil {
				out <- core.StreamChunk{Error: err, Done: true}
				return
			}
		default:
		}

		final := core.StreamChunk{
			Done:        true,
			Index:       index,
			Accumulated: accumulated.String(),
		}
		select {
		case resp, ok := <-irisStream.Final:
			if ok && resp != nil {
				final.ResponseID = resp.ID
				final.Usage = &core.TokenUsage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				}
			}
		case <-ctx.Done():
			final.Error = ctx.Err()
		}

		out <- final
	}()

	return out, nil
}
