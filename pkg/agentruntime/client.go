package agentruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/auth"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"

	"github.com/google/uuid"
)

// Client invokes the agent runtime over HTTP with ed25519-signed requests.
// Each invocation gets a fresh session ID so runs are isolated from one
// another on the runtime side.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	signer     *auth.RequestSigner
}

// NewClient creates a new agent runtime client with the given options.
func NewClient(options ...ClientOption) (*Client, error) {
	config := DefaultConfig()

	for _, option := range options {
		option(config)
	}

	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	client := &Client{
		config:     config,
		httpClient: httpClient,
	}

	if config.Ed25519PrivateKey != "" {
		signer, err := auth.NewRequestSigner(config.Ed25519PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create request signer: %w", err)
		}
		client.signer = signer
	}

	return client, nil
}

type invocationRequest struct {
	SessionID  string          `json:"session_id"`
	EventID    string          `json:"event_id"`
	ChannelID  string          `json:"channel_id,omitempty"`
	ThreadTS   string          `json:"thread_ts,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

type invocationResponse struct {
	Status string `json:"status"`
}

const invocationsPath = "/v1/invocations"

// Invoke sends one dispatch request to the runtime and waits for its
// acknowledgment. Long-running work continues on the runtime side; the
// response only confirms the run started and is being processed.
func (c *Client) Invoke(ctx context.Context, req domain.DispatchRequest) (domain.InvocationResult, error) {
	sessionID := uuid.NewString()

	body, err := json.Marshal(invocationRequest{
		SessionID:  sessionID,
		EventID:    req.EventID,
		ChannelID:  req.ChannelID,
		ThreadTS:   req.ThreadTS,
		Payload:    json.RawMessage(req.Payload),
		ReceivedAt: req.ReceivedAt,
	})
	if err != nil {
		return domain.InvocationResult{}, fmt.Errorf("failed to encode invocation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+invocationsPath, bytes.NewReader(body))
	if err != nil {
		return domain.InvocationResult{}, fmt.Errorf("failed to build invocation request: %w", err)
	}

	for key, value := range c.config.DefaultHeaders {
		httpReq.Header.Set(key, value)
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	if c.signer != nil {
		for key, value := range c.signer.SignRequest(http.MethodPost, invocationsPath, body) {
			httpReq.Header.Set(key, value)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.InvocationResult{}, fmt.Errorf("invocation request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.InvocationResult{}, fmt.Errorf("failed to read invocation response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		apiErr := &Error{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
			RequestID:  resp.Header.Get("X-Request-Id"),
		}
		return domain.InvocationResult{}, apiErr
	}

	var result invocationResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return domain.InvocationResult{}, fmt.Errorf("failed to decode invocation response: %w", err)
	}

	return domain.InvocationResult{SessionID: sessionID, Status: result.Status}, nil
}
