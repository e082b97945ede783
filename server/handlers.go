package server

import (
	"encoding/json"
	"net/http"
)

// chatRequest is the request body for POST /api/chat and /api/chat/stream.
type chatRequest struct {
	UserInput   string `json:"user_input"`
	UserID      string `json:"user_id,omitempty"`
	UserName    string `json:"user_name,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
	HistoryMode string `json:"history_mode"`
	Model       string `json:"model,omitempty"`
}

func (r chatRequest) params() ChatParams {
	mode := r.HistoryMode
	if mode == "" {
		mode = HistoryModeNone
	}
	return ChatParams{
		UserInput:   r.UserInput,
		UserID:      r.UserID,
		UserName:    r.UserName,
		ThreadID:    r.ThreadID,
		HistoryMode: mode,
		Model:       r.Model,
	}
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body", err.Error())
		return chatRequest{}, false
	}
	if req.UserInput == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_input is required")
		return chatRequest{}, false
	}
	return req, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "chatrelay",
	})
}

// handleChat runs a synchronous exchange and returns the full output.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	result, err := s.chat.Invoke(r.Context(), req.params())
	if err != nil {
		s.logger.Error("chat invocation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "agent_error", "agent execution failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleChatStream opens a streaming exchange and serves its events as SSE
// on the same response. The first event is the metadata frame carrying the
// thread id; every event's id field is a resume token.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	sess, _, _, err := s.chat.OpenStream(r.Context(), req.params())
	if err != nil {
		s.logger.Error("opening chat stream failed", "error", err)
		writeError(w, http.StatusInternalServerError, "agent_error", "agent execution failed", err.Error())
		return
	}

	s.sse.ServeStream(w, r, sess.StreamID)
}

// handleChatResume reattaches a dropped client to its stream.
func (s *Server) handleChatResume(w http.ResponseWriter, r *http.Request) {
	s.sse.ServeResume(w, r)
}

func (s *Server) handleListUserThreads(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing user_id")
		return
	}

	threads, err := s.store.ListUserThreads(r.Context(), userID)
	if err != nil {
		s.logger.Error("listing user threads failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", "listing threads failed")
		return
	}
	if threads == nil {
		threads = []Thread{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

// handleThreadHistory returns a thread's conversation history. Access
// requires the caller's user id to match the thread owner; a missing thread
// is indistinguishable from a denied one.
func (s *Server) handleThreadHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	userID := r.URL.Query().Get("user_id")
	if threadID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing thread_id or user_id")
		return
	}

	thread, ok, err := s.store.GetThread(r.Context(), threadID)
	if err != nil {
		s.logger.Error("thread lookup failed", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", "thread lookup failed")
		return
	}
	if !ok || thread.UserID != userID {
		writeError(w, http.StatusForbidden, "access_denied", "access denied")
		return
	}

	if thread.Type == ThreadTypeText {
		turns, err := s.store.TextHistory(r.Context(), threadID)
		if err != nil {
			s.logger.Error("text history load failed", "thread_id", threadID, "error", err)
			writeError(w, http.StatusInternalServerError, "store_error", "history load failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"thread_id":    threadID,
			"history_type": "text",
			"history":      FormatTextHistory(turns),
		})
		return
	}

	entries, err := s.store.APIHistory(r.Context(), threadID)
	if err != nil {
		s.logger.Error("api history load failed", "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", "history load failed")
		return
	}
	if entries == nil {
		entries = []APIHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":    threadID,
		"history_type": "api",
		"history":      entries,
	})
}
