package server

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sentinel errors for store operations.
var (
	ErrThreadExists   = errors.New("thread already exists")
	ErrThreadNotFound = errors.New("thread not found")
)

// Thread types. The type is fixed at creation and decides which history
// mechanism the thread uses.
const (
	ThreadTypeAPI  = "api"  // provider-side threading via stored response ids
	ThreadTypeText = "text" // local transcript replayed into each prompt
	ThreadTypeTemp = "temp" // no history at all
)

// Thread is a conversation container owned by a user.
type Thread struct {
	ID           string    `json:"id"`
	Type         string    `json:"thread_type"`
	UserID       string    `json:"user_id,omitempty"`
	UserName     string    `json:"user_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// APIHistoryEntry records a provider response id for an api thread. Entries
// expire: an expired id must never be offered as conversation context.
type APIHistoryEntry struct {
	ResponseID string    `json:"response_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// TextTurn is one user/assistant exchange in a text thread.
type TextTurn struct {
	Sequence          int       `json:"sequence_number"`
	UserInput         string    `json:"user_input"`
	AssistantResponse string    `json:"assistant_response"`
	CreatedAt         time.Time `json:"created_at"`
}

// ThreadStore persists threads and their conversation history.
type ThreadStore interface {
	// CreateThread inserts the thread, or bumps last_activity if the id
	// already exists.
	CreateThread(ctx context.Context, t Thread) error
	GetThread(ctx context.Context, id string) (Thread, bool, error)
	ListUserThreads(ctx context.Context, userID string) ([]Thread, error)

	// AddAPIHistory records a provider response id with its expiry, and
	// bumps the thread's last_activity. Duplicate (thread, response) pairs
	// are ignored.
	AddAPIHistory(ctx context.Context, threadID, responseID string, createdAt, expiresAt time.Time) error
	// LatestValidResponseID returns the newest non-expired response id for
	// the thread, if any.
	LatestValidResponseID(ctx context.Context, threadID string, now time.Time) (string, bool, error)
	APIHistory(ctx context.Context, threadID string) ([]APIHistoryEntry, error)

	// AddTextTurn appends an exchange to a text thread's transcript and
	// bumps the thread's last_activity.
	AddTextTurn(ctx context.Context, threadID, userInput, assistantResponse string) error
	TextHistory(ctx context.Context, threadID string) ([]TextTurn, error)

	// PruneExpiredAPIHistory deletes api history entries whose expiry has
	// passed and reports how many were removed.
	PruneExpiredAPIHistory(ctx context.Context, now time.Time) (int64, error)
}

// FormatTextHistory renders a transcript the way it is spliced into prompts:
// alternating "User:"/"Assistant:" lines with a blank line between turns.
func FormatTextHistory(turns []TextTurn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, turn := range turns {
		b.WriteString("User: ")
		b.WriteString(turn.UserInput)
		b.WriteString("\nAssistant: ")
		b.WriteString(turn.AssistantResponse)
		b.WriteString("\n\n")
	}
	return b.String()
}
