// Package perso provides the Perso Interactive SDK for Go.
//
// The client talks to a Perso API server to discover settings, mint
// sessions, and drive an interactive avatar conversation: speech-to-text
// in, a tool-augmented streaming LLM in the middle, and text-to-face
// synthesis out over a live data channel.
package perso

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/perso-ai/perso-interactive-go/pkg/live/metrics"
)

// Client is the main entry point for the SDK.
type Client struct {
	Settings *SettingsService
	Sessions *SessionsService

	// Internal
	apiServer  string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a client for the given API server, e.g.
// "https://live-api.perso.ai".
func NewClient(apiServer string, opts ...ClientOption) *Client {
	c := &Client{
		apiServer: strings.TrimRight(apiServer, "/"),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newDefaultHTTPClient()
	}

	c.Settings = &SettingsService{client: c}
	c.Sessions = &SessionsService{client: c}
	return c
}

// APIServer returns the configured API server base URL.
func (c *Client) APIServer() string {
	return c.apiServer
}
