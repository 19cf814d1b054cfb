package oauth

import (
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// Provider describes one OAuth2 provider the broker can authorize against.
type Provider struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string

	// ExtraAuthParams are provider-specific authorize parameters, e.g.
	// Atlassian's audience and prompt.
	ExtraAuthParams map[string]string
}

// Config builds the oauth2 config for this provider with the given callback.
func (p Provider) Config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
	}
}

// AuthCodeOptions renders ExtraAuthParams for AuthCodeURL.
func (p Provider) AuthCodeOptions() []oauth2.AuthCodeOption {
	options := make([]oauth2.AuthCodeOption, 0, len(p.ExtraAuthParams))
	for key, value := range p.ExtraAuthParams {
		options = append(options, oauth2.SetAuthURLParam(key, value))
	}

	return options
}

// Registry holds the configured providers by name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.providers[strings.ToLower(p.Name)] = p
	}

	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return Provider{}, fmt.Errorf("unknown provider: %s", name)
	}

	return p, nil
}

// AtlassianDefaults returns the Atlassian three-legged endpoints with the
// scope set the agent's Jira and Confluence tools need. offline_access is
// required to receive a refresh token.
func AtlassianDefaults(clientID, clientSecret string) Provider {
	return Provider{
		Name:         "atlassian",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthURL:      "https://auth.atlassian.com/authorize",
		TokenURL:     "https://auth.atlassian.com/oauth/token",
		Scopes: []string{
			"read:jira-work",
			"write:jira-work",
			"read:jira-user",
			"read:confluence-content.all",
			"write:confluence-content",
			"offline_access",
		},
		ExtraAuthParams: map[string]string{
			"audience": "api.atlassian.com",
			"prompt":   "consent",
		},
	}
}
