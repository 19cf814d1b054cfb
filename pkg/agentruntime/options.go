package agentruntime

import (
	"net/http"
	"time"
)

// ClientOption configures the agent runtime client.
type ClientOption func(*ClientConfig)

// ClientConfig holds the configuration for the agent runtime client.
type ClientConfig struct {
	BaseURL           string
	Ed25519PrivateKey string // Base64-encoded Ed25519 private key for signing requests
	Timeout           time.Duration
	DefaultHeaders    map[string]string
	HTTPClient        *http.Client
	UserAgent         string
}

// DefaultConfig returns a sensible default configuration. The timeout is
// minutes-scale on purpose: an invocation legitimately runs as long as the
// agent's tool chain does, and the dispatcher applies its own deadline via
// context.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Timeout: 20 * time.Minute,
		DefaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
		UserAgent: "agentbot-dispatcher/1.0",
	}
}

// WithBaseURL sets the agent runtime base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *ClientConfig) {
		c.BaseURL = baseURL
	}
}

// WithEd25519PrivateKey sets the private key used to sign requests.
func WithEd25519PrivateKey(privateKey string) ClientOption {
	return func(c *ClientConfig) {
		c.Ed25519PrivateKey = privateKey
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.Timeout = timeout
	}
}

// WithHTTPClient provides a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *ClientConfig) {
		c.HTTPClient = client
	}
}

// WithHeader adds a default header to all requests.
func WithHeader(key, value string) ClientOption {
	return func(c *ClientConfig) {
		if c.DefaultHeaders == nil {
			c.DefaultHeaders = make(map[string]string)
		}
		c.DefaultHeaders[key] = value
	}
}
