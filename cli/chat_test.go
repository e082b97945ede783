package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func newTestChatCmd(out, errOut *bytes.Buffer) *cobra.Command {
	cmd := NewChatCmd()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd
}

func TestPrintStream(t *testing.T) {
	raw := strings.Join([]string{
		"id: ev-1",
		"event: metadata",
		`data: {"payload":{"thread_id":"temp_thread_1","new_thread_created":true}}`,
		"",
		"id: ev-2",
		"event: message.delta",
		`data: {"payload":{"content":"Hel"}}`,
		"",
		"id: ev-3",
		"event: message.delta",
		`data: {"payload":{"content":"lo"}}`,
		"",
		"id: ev-4",
		"event: stream.end",
		`data: {"payload":{}}`,
		"",
	}, "\n")

	var out, errOut bytes.Buffer
	cmd := newTestChatCmd(&out, &errOut)

	if err := printStream(context.Background(), cmd, strings.NewReader(raw)); err != nil {
		t.Fatalf("printStream: %v", err)
	}
	if got := out.String(); got != "Hello\n" {
		t.Errorf("stdout = %q, want %q", got, "Hello\n")
	}
	if !strings.Contains(errOut.String(), "thread: temp_thread_1") {
		t.Errorf("stderr = %q, want thread id line", errOut.String())
	}
}

func TestPrintStreamErrorEvent(t *testing.T) {
	raw := strings.Join([]string{
		"id: ev-1",
		"event: error",
		`data: {"payload":{"content":"provider timeout"}}`,
		"",
	}, "\n")

	var out, errOut bytes.Buffer
	cmd := newTestChatCmd(&out, &errOut)

	if err := printStream(context.Background(), cmd, strings.NewReader(raw)); err != nil {
		t.Fatalf("printStream: %v", err)
	}
	if !strings.Contains(errOut.String(), "provider timeout") {
		t.Errorf("stderr = %q, want the error message", errOut.String())
	}
}

func TestPrintStreamResumeFailed(t *testing.T) {
	raw := "event: resume.failed\ndata: {\"kind\":\"resume.failed\",\"last_event_id\":\"gone\"}\n\n"

	var out, errOut bytes.Buffer
	cmd := newTestChatCmd(&out, &errOut)

	if err := printStream(context.Background(), cmd, strings.NewReader(raw)); err != nil {
		t.Fatalf("printStream: %v", err)
	}
	if !strings.Contains(errOut.String(), "resume failed") {
		t.Errorf("stderr = %q, want resume failure notice", errOut.String())
	}
}

func TestChatRequiresMessageOrResume(t *testing.T) {
	var out, errOut bytes.Buffer
	cmd := newTestChatCmd(&out, &errOut)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without a message or --resume")
	}
}
