package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// NewChatCmd creates the "chat" subcommand, a minimal client for a running
// relay: it sends one message, streams the reply, and prints the resume
// token on interrupt so the exchange can be picked up again.
func NewChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message to a running relay and stream the reply",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runChat,
	}

	cmd.Flags().String("server", "http://localhost:8000", "Relay base URL")
	cmd.Flags().String("user", "cli", "User id")
	cmd.Flags().String("thread", "", "Thread id to continue")
	cmd.Flags().String("history", "none", "History mode: api, local_text, or none")
	cmd.Flags().String("model", "", "Model override")
	cmd.Flags().String("resume", "", "Resume a dropped stream from this event id")
	cmd.Flags().Bool("sync", false, "Wait for the full response instead of streaming")

	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("server")
	resumeToken, _ := cmd.Flags().GetString("resume")

	if resumeToken != "" {
		return resumeStream(cmd, base, resumeToken)
	}

	if len(args) == 0 {
		return fmt.Errorf("a message is required unless --resume is given")
	}

	userID, _ := cmd.Flags().GetString("user")
	threadID, _ := cmd.Flags().GetString("thread")
	historyMode, _ := cmd.Flags().GetString("history")
	model, _ := cmd.Flags().GetString("model")
	sync, _ := cmd.Flags().GetBool("sync")

	body, err := json.Marshal(map[string]any{
		"user_input":   args[0],
		"user_id":      userID,
		"thread_id":    threadID,
		"history_mode": historyMode,
		"model":        model,
	})
	if err != nil {
		return err
	}

	path := "/api/chat/stream"
	if sync {
		path = "/api/chat"
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return exitError(exitRuntime, "request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return exitError(exitRuntime, "relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if sync {
		var result struct {
			Output   string `json:"assistant_output"`
			ThreadID string `json:"thread_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.Output)
		fmt.Fprintf(cmd.ErrOrStderr(), "thread: %s\n", result.ThreadID)
		return nil
	}

	return printStream(cmd.Context(), cmd, resp.Body)
}

func resumeStream(cmd *cobra.Command, base, token string) error {
	u := base + "/api/chat/resume?last_event_id=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return exitError(exitRuntime, "request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return exitError(exitRuntime, "relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return printStream(cmd.Context(), cmd, resp.Body)
}

// printStream renders an SSE stream: deltas go to stdout as they arrive,
// metadata and the last event id go to stderr so piped output stays clean.
func printStream(ctx context.Context, cmd *cobra.Command, r io.Reader) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	var (
		lastEventID string
		event       string
		data        string
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			break
		}
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			lastEventID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event != "" {
				handleStreamEvent(out, errOut, event, data)
			}
			event, data = "", ""
		}
	}

	if err := ctx.Err(); err != nil && lastEventID != "" {
		fmt.Fprintf(errOut, "\ninterrupted; resume with --resume %s\n", lastEventID)
		return nil
	}
	fmt.Fprintln(out)
	return scanner.Err()
}

func handleStreamEvent(out, errOut io.Writer, event, data string) {
	var wire struct {
		Payload map[string]any `json:"payload"`
	}
	_ = json.Unmarshal([]byte(data), &wire)

	switch event {
	case "metadata":
		if id, ok := wire.Payload["thread_id"].(string); ok {
			fmt.Fprintf(errOut, "thread: %s\n", id)
		}
	case "message.delta":
		if s, ok := wire.Payload["content"].(string); ok {
			fmt.Fprint(out, s)
		}
	case "error":
		if s, ok := wire.Payload["content"].(string); ok {
			fmt.Fprintf(errOut, "\nerror: %s\n", s)
		}
	case "resume.failed":
		fmt.Fprintln(errOut, "resume failed: event id unknown or expired, start a new chat")
	}
}
