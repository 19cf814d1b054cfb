package agentruntime

import "fmt"

// Error represents an error response from the agent runtime.
type Error struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("agentruntime: %s (status: %d, request_id: %s)", e.Message, e.StatusCode, e.RequestID)
	}
	return fmt.Sprintf("agentruntime: %s (status: %d)", e.Message, e.StatusCode)
}

// IsRetryable returns true if the error might be resolved by retrying.
func (e *Error) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// IsAuthError returns true if the runtime rejected our request signature.
func (e *Error) IsAuthError() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
