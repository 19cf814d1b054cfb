package domain

import (
	"context"
	"time"
)

// DispatchRequest is the unit of work handed from the ingress receiver to the
// dispatcher. It is never persisted; losing one costs a single Slack retry
// cycle at most.
type DispatchRequest struct {
	ID         string    `json:"id"`
	EventID    string    `json:"event_id"`
	ChannelID  string    `json:"channel_id,omitempty"`
	ThreadTS   string    `json:"thread_ts,omitempty"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// InvocationResult is the agent runtime's response to a dispatch.
type InvocationResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// AgentInvoker invokes the long-running agent runtime. Implementations hold
// their own credentials; the ingress receiver never sees them.
type AgentInvoker interface {
	Invoke(ctx context.Context, req DispatchRequest) (InvocationResult, error)
}

// FailureNotifier reports a failed dispatch back to where the event came
// from, so a timeout or invocation error is user-visible rather than
// silently dropped.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, channelID, threadTS, message string) error
}
