package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/halcyon-labs/chatrelay/core"
	"github.com/halcyon-labs/chatrelay/session"
	"github.com/halcyon-labs/chatrelay/sse"
	"github.com/halcyon-labs/chatrelay/stream"
)

// apiFixture wires a full server over a real sqlite store and a fake agent.
type apiFixture struct {
	store *SQLiteStore
	ts    *httptest.Server
}

func newAPIFixture(t *testing.T, responder *fakeResponder, completer core.ChatClient) *apiFixture {
	t.Helper()

	store := newTestSQLiteStore(t)
	eventStore := stream.NewStore(stream.StoreConfig{})
	bus := stream.NewBus(stream.BusConfig{})

	svc := NewChatService(ChatServiceConfig{
		Store:     store,
		Agent:     responder,
		Completer: completer,
	})
	sessions := session.NewManager(session.ManagerConfig{
		Store:     eventStore,
		Bus:       bus,
		Responder: svc,
	})
	svc.AttachSessions(sessions)

	srv := NewServer(ServerConfig{
		Chat:  svc,
		SSE:   sse.NewHandler(sessions, bus, nil),
		Store: store,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &apiFixture{store: store, ts: ts}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (f *apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	f := newAPIFixture(t, &fakeResponder{}, &fakeCompleter{})

	resp := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "healthy" || body["service"] != "chatrelay" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleChat(t *testing.T) {
	completer := &fakeCompleter{resp: core.ChatResponse{Text: "Hello back"}}
	f := newAPIFixture(t, &fakeResponder{}, completer)

	resp := f.postJSON(t, "/api/chat", map[string]any{
		"user_input":   "Hello",
		"user_id":      "u1",
		"history_mode": "local_text",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result ChatResult
	decodeBody(t, resp, &result)
	if result.Output != "Hello back" {
		t.Errorf("assistant_output = %q", result.Output)
	}
	if !result.NewThreadCreated || !strings.HasPrefix(result.ThreadID, "text_thread_") {
		t.Errorf("thread = %q created=%v", result.ThreadID, result.NewThreadCreated)
	}
}

func TestHandleChat_InvalidJSON(t *testing.T) {
	f := newAPIFixture(t, &fakeResponder{}, &fakeCompleter{})

	resp, err := http.Post(f.ts.URL+"/api/chat", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body apiError
	decodeBody(t, resp, &body)
	if body.Error.Code != "invalid_request" {
		t.Errorf("code = %q, want invalid_request", body.Error.Code)
	}
}

func TestHandleChat_MissingUserInput(t *testing.T) {
	f := newAPIFixture(t, &fakeResponder{}, &fakeCompleter{})

	resp := f.postJSON(t, "/api/chat", map[string]any{"user_id": "u1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHandleListUserThreads(t *testing.T) {
	f := newAPIFixture(t, &fakeResponder{}, &fakeCompleter{})
	ctx := context.Background()

	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"t-old", "t-new"} {
		at := base.Add(time.Duration(i) * time.Hour)
		err := f.store.CreateThread(ctx, Thread{ID: id, Type: ThreadTypeText, UserID: "alice", CreatedAt: at, LastActivity: at})
		if err != nil {
			t.Fatalf("CreateThread: %v", err)
		}
	}

	resp := f.get(t, "/api/users/alice/threads")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Threads []Thread `json:"threads"`
	}
	decodeBody(t, resp, &body)
	if len(body.Threads) != 2 || body.Threads[0].ID != "t-new" {
		t.Errorf("threads = %+v, want t-new first", body.Threads)
	}
}

func TestHandleListUserThreads_EmptyIsArray(t *testing.T) {
	f := newAPIFixture(t, &fakeResponder{}, &fakeCompleter{})

	resp := f.get(t, "/api/users/nobody/threads")
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(raw), `"threads":[]`) {
		t.Errorf("body = %s, want empty threads array", raw)
	}
}

func TestHandleThreadHistory_Text(t *testing.T) {
	f := newAPIFixture(t, &fakeResponder{}, &fakeCompleter{})
	ctx := context.Background()

	if err := f.store.CreateThread(ctx, Thread{ID: "text-t", Type: ThreadTypeText, UserID: "alice"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := f.store.AddTextTurn(ctx, "text-t", "Hi", "Hello!"); err != nil {
		t.Fatalf("AddTextTurn: %v", err)
	}

	resp := f.get(t, "/api/threads/text-t/history?user_id=alice")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		ThreadID    string `json:"thread_id"`
		HistoryType string `json:"history_type"`
		History     string `json:"history"`
	}
	decodeBody(t, resp, &body)
	if body.HistoryType != "text" {
		t.Errorf("history_type = %q, want text", body.HistoryType)
	}
	if body.History != "User: Hi\nAssistant: Hello!\n\n" {
		t.Errorf("history = %q", body.History)
	}
}

func TestHandleThreadHistory_API(t *testing.T) {
	f := newAPIFixture(t, &fakeResponder{}, &fakeCompleter{})
	ctx := context.Background()

	if err := f.store.CreateThread(ctx, Thread{ID: "api-t", Type: ThreadTypeAPI, UserID: "alice"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	now := time.Now().UTC()
	if err := f.store.AddAPIHistory(ctx, "api-t", "resp-1", now, now.Add(time.Hour)); err != nil {
		t.Fatalf("AddAPIHistory: %v", err)
	}

	resp := f.get(t, "/api/threads/api-t/history?user_id=alice")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		HistoryType string            `json:"history_type"`
		History     []APIHistoryEntry `json:"history"`
	}
	decodeBody(t, resp, &body)
	if body.HistoryType != "api" {
		t.Errorf("history_type = %q, want api", body.HistoryType)
	}
	if len(body.History) != 1 || body.History[0].ResponseID != "resp-1" {
		t.Errorf("history = %+v", body.History)
	}
}

func TestHandleThreadHistory_AccessDenied(t *testing.T) {
	f := newAPIFixture(t, &fakeResponder{}, &fakeCompleter{})
	ctx := context.Background()

	if err := f.store.CreateThread(ctx, Thread{ID: "text-t", Type: ThreadTypeText, UserID: "alice"}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	// Wrong owner and missing thread look identical to the caller.
	for _, path := range []string{
		"/api/threads/text-t/history?user_id=mallory",
		"/api/threads/no-such-thread/history?user_id=alice",
	} {
		resp := f.get(t, path)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("GET %s status = %d, want 403", path, resp.StatusCode)
		}
		var body apiError
		decodeBody(t, resp, &body)
		if body.Error.Code != "access_denied" {
			t.Errorf("GET %s code = %q, want access_denied", path, body.Error.Code)
		}
	}
}

func TestHandleThreadHistory_MissingUserID(t *testing.T) {
	f := newAPIFixture(t, &fakeResponder{}, &fakeCompleter{})

	resp := f.get(t, "/api/threads/text-t/history")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t, &fakeResponder{}, &fakeCompleter{})

	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/api/chat", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Last-Event-ID") {
		t.Errorf("Allow-Headers = %q, want Last-Event-ID listed", got)
	}
}

// sseMessage is one parsed SSE frame.
type sseMessage struct {
	id    string
	event string
	data  string
}

func parseSSE(t *testing.T, r io.Reader) []sseMessage {
	t.Helper()
	var (
		msgs []sseMessage
		cur  sseMessage
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur != (sseMessage{}) {
				msgs = append(msgs, cur)
				cur = sseMessage{}
			}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return msgs
}

func TestHandleChatStream(t *testing.T) {
	responder := &fakeResponder{frames: []core.Frame{
		core.NewFrame(core.FrameDelta).WithPayload("content", "Hel"),
		core.NewFrame(core.FrameDelta).WithPayload("content", "lo"),
		core.NewFrame(core.FrameFinal).WithPayload("content", "Hello"),
	}}
	f := newAPIFixture(t, responder, &fakeCompleter{})

	resp := f.postJSON(t, "/api/chat/stream", map[string]any{
		"user_input":   "hi",
		"user_id":      "u1",
		"history_mode": "none",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	msgs := parseSSE(t, resp.Body)
	if len(msgs) != 5 {
		t.Fatalf("got %d events, want 5: %+v", len(msgs), msgs)
	}
	if msgs[0].event != "metadata" {
		t.Errorf("first event = %q, want metadata", msgs[0].event)
	}
	if msgs[len(msgs)-1].event != "stream.end" {
		t.Errorf("last event = %q, want stream.end", msgs[len(msgs)-1].event)
	}

	var meta struct {
		Payload struct {
			ThreadID         string `json:"thread_id"`
			NewThreadCreated bool   `json:"new_thread_created"`
		} `json:"payload"`
	}
	if err := json.Unmarshal([]byte(msgs[0].data), &meta); err != nil {
		t.Fatalf("parsing metadata payload: %v", err)
	}
	if !strings.HasPrefix(meta.Payload.ThreadID, "temp_thread_") || !meta.Payload.NewThreadCreated {
		t.Errorf("metadata = %+v", meta.Payload)
	}

	for i, msg := range msgs {
		if msg.id == "" {
			t.Errorf("event %d has no id field", i)
		}
	}
}

func TestHandleChatResume_RoundTrip(t *testing.T) {
	responder := &fakeResponder{frames: []core.Frame{
		core.NewFrame(core.FrameDelta).WithPayload("content", "a"),
		core.NewFrame(core.FrameFinal).WithPayload("content", "a"),
	}}
	f := newAPIFixture(t, responder, &fakeCompleter{})

	resp := f.postJSON(t, "/api/chat/stream", map[string]any{
		"user_input": "hi", "history_mode": "none",
	})
	first := parseSSE(t, resp.Body)
	resp.Body.Close()
	if len(first) < 2 {
		t.Fatalf("got %d events from initial stream", len(first))
	}

	// Resume after the metadata event replays everything recorded after it.
	resumed := f.get(t, fmt.Sprintf("/api/chat/resume?last_event_id=%s", first[0].id))
	defer resumed.Body.Close()
	if resumed.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", resumed.StatusCode)
	}
	msgs := parseSSE(t, resumed.Body)
	if len(msgs) != len(first)-1 {
		t.Fatalf("resumed %d events, want %d", len(msgs), len(first)-1)
	}
	if msgs[0].id != first[1].id {
		t.Errorf("resume starts at %q, want %q", msgs[0].id, first[1].id)
	}
	if msgs[len(msgs)-1].event != "stream.end" {
		t.Errorf("resume last event = %q, want stream.end", msgs[len(msgs)-1].event)
	}
}

func TestHandleChatResume_UnknownToken(t *testing.T) {
	f := newAPIFixture(t, &fakeResponder{}, &fakeCompleter{})

	resp := f.get(t, "/api/chat/resume?last_event_id=does-not-exist")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (failure is in-band)", resp.StatusCode)
	}
	msgs := parseSSE(t, resp.Body)
	if len(msgs) != 1 || msgs[0].event != "resume.failed" {
		t.Fatalf("msgs = %+v, want single resume.failed", msgs)
	}
	if !strings.Contains(msgs[0].data, "does-not-exist") {
		t.Errorf("data = %q, want the rejected token echoed", msgs[0].data)
	}
}
