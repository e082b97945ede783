package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/halcyon-labs/chatrelay/core"
	"github.com/halcyon-labs/chatrelay/session"
)

// History modes accepted on chat requests. Anything else falls back to
// HistoryModeNone.
const (
	HistoryModeAPI       = "api"
	HistoryModeLocalText = "local_text"
	HistoryModeNone      = "none"
)

// DefaultHistoryExpiry is how long a stored provider response id remains
// usable as conversation context.
const DefaultHistoryExpiry = 30 * 24 * time.Hour

// Request metadata keys used to carry thread context through the session
// layer into the streaming responder.
const (
	metaThreadID    = "thread_id"
	metaNewThread   = "new_thread_created"
	metaHistoryMode = "history_mode"
	metaUserInput   = "user_input"
)

// ChatParams is one inbound chat exchange.
type ChatParams struct {
	UserInput   string
	UserID      string
	UserName    string
	ThreadID    string
	HistoryMode string
	Model       string
}

// ChatResult is the outcome of a synchronous exchange.
type ChatResult struct {
	Output           string `json:"assistant_output"`
	ThreadID         string `json:"thread_id"`
	NewThreadCreated bool   `json:"new_thread_created"`
}

// ChatServiceConfig configures a ChatService.
type ChatServiceConfig struct {
	Store         ThreadStore
	Agent         session.Responder
	Completer     core.ChatClient
	Sessions      *session.Manager
	HistoryExpiry time.Duration // default DefaultHistoryExpiry
	Logger        *slog.Logger
}

// ChatService resolves threads, splices stored history into prompts, runs
// the agent, and records the exchange. It is also the session manager's
// responder: the streaming path flows through Respond, which prepends the
// metadata frame and writes history once the agent finishes.
type ChatService struct {
	store     ThreadStore
	agent     session.Responder
	completer core.ChatClient
	sessions  *session.Manager
	expiry    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewChatService creates a ChatService with the given configuration.
func NewChatService(cfg ChatServiceConfig) *ChatService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expiry := cfg.HistoryExpiry
	if expiry <= 0 {
		expiry = DefaultHistoryExpiry
	}
	return &ChatService{
		store:     cfg.Store,
		agent:     cfg.Agent,
		completer: cfg.Completer,
		sessions:  cfg.Sessions,
		expiry:    expiry,
		logger:    logger,
		now:       time.Now,
	}
}

// AttachSessions wires the session manager after construction. The manager's
// responder is the service itself, so the two reference each other and one
// side has to be attached late.
func (c *ChatService) AttachSessions(m *session.Manager) {
	c.sessions = m
}

// NewThreadID builds a thread id for the given history mode. The prefix
// encodes the thread type and the rest is a microsecond timestamp, matching
// the ids external clients already hold.
func NewThreadID(historyMode string, now time.Time) string {
	var prefix string
	switch historyMode {
	case HistoryModeAPI:
		prefix = "api_thread_"
	case HistoryModeLocalText:
		prefix = "text_thread_"
	default:
		prefix = "temp_thread_"
	}
	return prefix + now.Format("20060102_150405") + fmt.Sprintf("_%06d", now.Nanosecond()/1000)
}

func threadTypeForMode(historyMode string) string {
	switch historyMode {
	case HistoryModeAPI:
		return ThreadTypeAPI
	case HistoryModeLocalText:
		return ThreadTypeText
	default:
		return ThreadTypeTemp
	}
}

// resolveThread finds the existing thread or creates a fresh one for the
// request's history mode. A thread id that is supplied but unknown gets a
// brand new thread, not an implicit creation under the stale id.
func (c *ChatService) resolveThread(ctx context.Context, params ChatParams) (Thread, bool, error) {
	if params.ThreadID != "" {
		thread, ok, err := c.store.GetThread(ctx, params.ThreadID)
		if err != nil {
			return Thread{}, false, fmt.Errorf("resolving thread: %w", err)
		}
		if ok {
			return thread, false, nil
		}
	}

	now := c.now()
	thread := Thread{
		ID:       NewThreadID(params.HistoryMode, now),
		Type:     threadTypeForMode(params.HistoryMode),
		UserID:   params.UserID,
		UserName: params.UserName,
	}
	if err := c.store.CreateThread(ctx, thread); err != nil {
		return Thread{}, false, fmt.Errorf("creating thread: %w", err)
	}
	c.logger.Info("created thread", "thread_id", thread.ID, "thread_type", thread.Type)
	return thread, true, nil
}

// buildRequest assembles the agent request for the thread's history
// mechanism: text threads get the transcript spliced into the prompt, api
// threads get the latest valid provider response id, temp threads get the
// bare input.
func (c *ChatService) buildRequest(ctx context.Context, thread Thread, params ChatParams) (core.ChatRequest, error) {
	req := core.ChatRequest{
		Model:     params.Model,
		InputText: params.UserInput,
	}

	switch thread.Type {
	case ThreadTypeText:
		turns, err := c.store.TextHistory(ctx, thread.ID)
		if err != nil {
			return core.ChatRequest{}, fmt.Errorf("loading text history: %w", err)
		}
		history := FormatTextHistory(turns)
		if history != "" {
			req.InputText = strings.TrimSpace(history) + "\n\nUser: " + params.UserInput + "\nAssistant:"
		} else {
			req.InputText = "User: " + params.UserInput + "\nAssistant:"
		}

	case ThreadTypeAPI:
		responseID, ok, err := c.store.LatestValidResponseID(ctx, thread.ID, c.now())
		if err != nil {
			return core.ChatRequest{}, fmt.Errorf("loading api history: %w", err)
		}
		if ok {
			req.PreviousResponseID = responseID
		}
	}

	return req, nil
}

// recordHistory persists the exchange according to the thread type. A
// history write failure is logged, not returned: the user already has the
// response, and losing one turn of context beats failing the exchange.
func (c *ChatService) recordHistory(ctx context.Context, thread Thread, userInput, output, responseID string) {
	switch thread.Type {
	case ThreadTypeText:
		if output == "" {
			return
		}
		if err := c.store.AddTextTurn(ctx, thread.ID, userInput, output); err != nil {
			c.logger.Error("recording text history failed", "thread_id", thread.ID, "error", err)
		}

	case ThreadTypeAPI:
		if responseID == "" {
			return
		}
		now := c.now()
		if err := c.store.AddAPIHistory(ctx, thread.ID, responseID, now, now.Add(c.expiry)); err != nil {
			c.logger.Error("recording api history failed", "thread_id", thread.ID, "error", err)
		}
	}
}

// Invoke runs a synchronous exchange: resolve the thread, run the agent to
// completion, record history, and return the full output.
func (c *ChatService) Invoke(ctx context.Context, params ChatParams) (ChatResult, error) {
	thread, created, err := c.resolveThread(ctx, params)
	if err != nil {
		return ChatResult{}, err
	}

	req, err := c.buildRequest(ctx, thread, params)
	if err != nil {
		return ChatResult{}, err
	}

	resp, err := c.completer.Complete(ctx, req)
	if err != nil {
		return ChatResult{}, fmt.Errorf("agent execution: %w", err)
	}

	c.recordHistory(ctx, thread, params.UserInput, resp.Text, resp.ResponseID)

	return ChatResult{
		Output:           resp.Text,
		ThreadID:         thread.ID,
		NewThreadCreated: created,
	}, nil
}

// OpenStream starts a streaming exchange and returns the session whose
// stream the transport should attach to. Thread context rides in the request
// metadata so Respond can emit the metadata frame and record history.
func (c *ChatService) OpenStream(ctx context.Context, params ChatParams) (*session.Session, Thread, bool, error) {
	thread, created, err := c.resolveThread(ctx, params)
	if err != nil {
		return nil, Thread{}, false, err
	}

	req, err := c.buildRequest(ctx, thread, params)
	if err != nil {
		return nil, Thread{}, false, err
	}
	req.Meta = map[string]any{
		metaThreadID:    thread.ID,
		metaNewThread:   created,
		metaHistoryMode: params.HistoryMode,
		metaUserInput:   params.UserInput,
	}

	sess, err := c.sessions.Open(ctx, req)
	if err != nil {
		return nil, Thread{}, false, err
	}
	return sess, thread, created, nil
}

// Respond implements session.Responder for the streaming path. It emits the
// metadata frame, forwards the agent's frames, and records history once the
// agent completes.
func (c *ChatService) Respond(ctx context.Context, req core.ChatRequest) (<-chan core.Frame, error) {
	threadID, _ := req.Meta[metaThreadID].(string)
	newThread, _ := req.Meta[metaNewThread].(bool)
	userInput, _ := req.Meta[metaUserInput].(string)

	inner, err := c.agent.Respond(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Frame, 1)
	go func() {
		defer close(out)

		out <- core.NewFrame(core.FrameMetadata).
			WithPayload("thread_id", threadID).
			WithPayload("new_thread_created", newThread)

		var finalText, responseID string
		for frame := range inner {
			if frame.Kind == core.FrameFinal {
				finalText, _ = frame.Payload["content"].(string)
				responseID, _ = frame.Payload["response_id"].(string)
			}
			out <- frame
		}

		if threadID != "" {
			thread, ok, err := c.store.GetThread(ctx, threadID)
			if err != nil || !ok {
				c.logger.Error("thread lookup for history write failed",
					"thread_id", threadID, "error", err)
				return
			}
			c.recordHistory(ctx, thread, userInput, finalText, responseID)
		}
	}()

	return out, nil
}

// Compile-time interface check.
var _ session.Responder = (*ChatService)(nil)
