// Package chatrelay provides re-exports for the core protocol types so
// callers embedding the relay can depend on one import.
//
// For new code, consider importing subpackages directly for clearer
// dependencies:
//
//	import "github.com/halcyon-labs/chatrelay/core"
//	import "github.com/halcyon-labs/chatrelay/stream"
//	import "github.com/halcyon-labs/chatrelay/session"
package chatrelay

import (
	"github.com/halcyon-labs/chatrelay/core"
	"github.com/halcyon-labs/chatrelay/stream"
)

// Type aliases from the core package.
type (
	// Message is a chat-style message exchanged with the agent runtime.
	Message = core.Message

	// ChatRequest is the request structure for an agent runtime invocation.
	ChatRequest = core.ChatRequest

	// ChatResponse captures the output from an agent runtime call.
	ChatResponse = core.ChatResponse

	// Frame is an opaque protocol-level unit of outbound data.
	Frame = core.Frame

	// FrameKind identifies the type of a protocol frame.
	FrameKind = core.FrameKind

	// TokenUsage tracks token consumption.
	TokenUsage = core.TokenUsage

	// Event is a recorded protocol frame with its resume token.
	Event = stream.Event
)

// Frame kinds.
const (
	FrameMetadata     = core.FrameMetadata
	FrameDelta        = core.FrameDelta
	FrameFinal        = core.FrameFinal
	FrameError        = core.FrameError
	FrameStreamEnd    = core.FrameStreamEnd
	FrameResumeFailed = core.FrameResumeFailed
)

// NewFrame creates a frame of the given kind with the current timestamp.
func NewFrame(kind FrameKind) Frame {
	return core.NewFrame(kind)
}
