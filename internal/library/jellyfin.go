package library

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
)

const jellyfinRetryAttempts = 3

// JellyfinConfig configures a Jellyfin library checker.
type JellyfinConfig struct {
	URL     string
	APIKey  string
	UserID  string
	Timeout time.Duration
}

// JellyfinChecker queries a Jellyfin server's item search.
type JellyfinChecker struct {
	baseURL    string
	apiKey     string
	userID     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// JellyfinOption customizes a JellyfinChecker.
type JellyfinOption func(*JellyfinChecker)

// WithJellyfinLogger sets the checker logger.
func WithJellyfinLogger(log zerolog.Logger) JellyfinOption {
	return func(c *JellyfinChecker) {
		c.logger = log.With().Str("component", "jellyfin").Logger()
	}
}

// NewJellyfin creates a Jellyfin library checker.
func NewJellyfin(cfg JellyfinConfig, opts ...JellyfinOption) *JellyfinChecker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &JellyfinChecker{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		userID:  cfg.UserID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Contains searches the library for the serial code. Any item whose name
// carries the code counts as present.
func (c *JellyfinChecker) Contains(ctx context.Context, serialCode string) (bool, error) {
	var found bool
	err := retry.Do(
		func() error {
			var err error
			found, err = c.search(ctx, serialCode)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(jellyfinRetryAttempts),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return false, fmt.Errorf("jellyfin search %s: %w", serialCode, err)
	}

	c.logger.Debug().Str("serial", serialCode).Bool("found", found).Msg("jellyfin lookup")
	return found, nil
}

func (c *JellyfinChecker) search(ctx context.Context, serialCode string) (bool, error) {
	params := url.Values{
		"searchTerm":       {serialCode},
		"Recursive":        {"true"},
		"IncludeItemTypes": {"Movie"},
	}
	endpoint := c.baseURL + "/Items?" + params.Encode()
	if c.userID != "" {
		endpoint = c.baseURL + "/Users/" + url.PathEscape(c.userID) + "/Items?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("X-Emby-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("items search status %d", resp.StatusCode)
	}

	var payload struct {
		Items []struct {
			Name string `json:"Name"`
		} `json:"Items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("decode items: %w", err)
	}

	return len(payload.Items) > 0, nil
}

var _ Checker = (*JellyfinChecker)(nil)
