package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/halcyon-labs/chatrelay/core"
)

// fakeClient implements core.StreamingChatClient with canned chunks.
type fakeClient struct {
	chunks      []core.StreamChunk
	startErr    error
	capturedReq core.ChatRequest
}

func (f *fakeClient) Complete(_ context.Context, req core.ChatRequest) (core.ChatResponse, error) {
	f.capturedReq = req
	if f.startErr != nil {
		return core.ChatResponse{}, f.startErr
	}
	var text string
	for _, c := range f.chunks {
		if c.Done {
			text = c.Accumulated
		}
	}
	return core.ChatResponse{Text: text}, nil
}

func (f *fakeClient) CompleteStream(_ context.Context, req core.ChatRequest) (<-chan core.StreamChunk, error) {
	f.capturedReq = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	ch := make(chan core.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func collect(t *testing.T, frames <-chan core.Frame) []core.Frame {
	t.Helper()
	var out []core.Frame
	for f := range frames {
		out = append(out, f)
	}
	return out
}

func TestAgent_RespondDeltasThenFinal(t *testing.T) {
	client := &fakeClient{chunks: []core.StreamChunk{
		{Delta: "Hel", Index: 0, Accumulated: "Hel"},
		{Delta: "lo", Index: 1, Accumulated: "Hello"},
		{Done: true, Index: 2, Accumulated: "Hello", ResponseID: "resp-9",
			Usage: &core.TokenUsage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5}},
	}}
	a := New(Config{Client: client, Model: "test-model"})

	frames, err := a.Respond(context.Background(), core.ChatRequest{InputText: "hi"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	got := collect(t, frames)

	if len(got) != 3 {
		t.Fatalf("got %d frames, want 3", len(got))
	}
	if got[0].Kind != core.FrameDelta || got[0].Payload["content"] != "Hel" {
		t.Errorf("frame 0 = %+v, want delta Hel", got[0])
	}
	final := got[2]
	if final.Kind != core.FrameFinal {
		t.Fatalf("last frame kind = %q, want %q", final.Kind, core.FrameFinal)
	}
	if final.Payload["content"] != "Hello" {
		t.Errorf("final content = %v, want Hello", final.Payload["content"])
	}
	if final.Payload["response_id"] != "resp-9" {
		t.Errorf("final response_id = %v, want resp-9", final.Payload["response_id"])
	}
	usage, ok := final.Payload["usage"].(map[string]any)
	if !ok || usage["total_tokens"] != 5 {
		t.Errorf("final usage = %v, want total_tokens 5", final.Payload["usage"])
	}
}

func TestAgent_RespondDefaults(t *testing.T) {
	client := &fakeClient{chunks: []core.StreamChunk{{Done: true}}}
	a := New(Config{Client: client, Model: "default-model"})

	frames, err := a.Respond(context.Background(), core.ChatRequest{InputText: "hi"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	collect(t, frames)

	if client.capturedReq.Model != "default-model" {
		t.Errorf("model = %q, want default-model", client.capturedReq.Model)
	}
	if client.capturedReq.System != SystemPrompt {
		t.Error("expected default system prompt to be applied")
	}
}

func TestAgent_RespondRequestOverridesDefaults(t *testing.T) {
	client := &fakeClient{chunks: []core.StreamChunk{{Done: true}}}
	a := New(Config{Client: client, Model: "default-model", System: "default system"})

	frames, err := a.Respond(context.Background(), core.ChatRequest{
		Model:     "other-model",
		System:    "custom system",
		InputText: "hi",
	})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	collect(t, frames)

	if client.capturedReq.Model != "other-model" {
		t.Errorf("model = %q, want other-model", client.capturedReq.Model)
	}
	if client.capturedReq.System != "custom system" {
		t.Errorf("system = %q, want custom system", client.capturedReq.System)
	}
}

func TestAgent_RespondStreamError(t *testing.T) {
	client := &fakeClient{chunks: []core.StreamChunk{
		{Delta: "par", Accumulated: "par"},
		{Done: true, Error: errors.New("connection reset")},
	}}
	a := New(Config{Client: client})

	frames, err := a.Respond(context.Background(), core.ChatRequest{InputText: "hi"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	got := collect(t, frames)

	last := got[len(got)-1]
	if last.Kind != core.FrameError {
		t.Fatalf("last frame kind = %q, want %q", last.Kind, core.FrameError)
	}
	if last.Payload["content"] != "connection reset" {
		t.Errorf("error content = %v, want connection reset", last.Payload["content"])
	}
}

func TestAgent_RespondStartFailure(t *testing.T) {
	startErr := errors.New("unauthorized")
	client := &fakeClient{startErr: startErr}
	a := New(Config{Client: client})

	_, err := a.Respond(context.Background(), core.ChatRequest{InputText: "hi"})
	if !errors.Is(err, startErr) {
		t.Fatalf("err = %v, want %v", err, startErr)
	}
}
