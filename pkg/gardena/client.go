package gardena

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client talks to the smart system REST API. Every call obtains a fresh
// token from the TokenSource, so expiry is invisible to callers.
type Client struct {
	apiHost    string
	apiKey     string
	tokens     TokenSource
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient initializes a REST client for the given API host.
func NewClient(apiHost, apiKey string, tokens TokenSource, logger zerolog.Logger) *Client {
	return &Client{
		apiHost:    strings.TrimRight(apiHost, "/"),
		apiKey:     apiKey,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// PrimaryLocation returns the id of the account's first location. The smart
// system ties one account to one garden.
func (c *Client) PrimaryLocation(ctx context.Context) (string, error) {
	var lr locationsResponse
	if err := c.get(ctx, "/v1/locations", &lr); err != nil {
		return "", err
	}
	if len(lr.Data) == 0 {
		return "", fmt.Errorf("%w: account has no locations, system not set up", ErrProtocol)
	}
	return lr.Data[0].ID, nil
}

// ListLocationItems returns every device and service under a location, as
// reported by the location detail endpoint.
func (c *Client) ListLocationItems(ctx context.Context, locationID string) ([]StreamItem, error) {
	var lr locationResponse
	if err := c.get(ctx, "/v1/locations/"+locationID, &lr); err != nil {
		return nil, err
	}
	return lr.Included, nil
}

// WebSocketURL requests a single-use streaming grant for the location. The
// returned URL expires quickly, so it is requested immediately before dialing.
func (c *Client) WebSocketURL(ctx context.Context, locationID string) (string, error) {
	var wreq websocketRequest
	wreq.Data.Type = "WEBSOCKET"
	wreq.Data.ID = uuid.New().String()
	wreq.Data.Attributes.LocationID = locationID

	var wresp websocketResponse
	if err := c.do(ctx, http.MethodPost, "/v1/websocket", &wreq, http.StatusCreated, &wresp); err != nil {
		return "", err
	}
	if wresp.Data.Attributes.URL == "" {
		return "", fmt.Errorf("%w: websocket grant carried no url", ErrProtocol)
	}
	return wresp.Data.Attributes.URL, nil
}

// SendCommand issues a MOWER_CONTROL command against a mower service. The
// cloud acknowledges with 202; anything else is a failure and is not retried
// here, since mower commands are not safely idempotent.
func (c *Client) SendCommand(ctx context.Context, serviceID, command string, seconds int) error {
	var creq commandRequest
	creq.Data.Type = "MOWER_CONTROL"
	creq.Data.ID = uuid.New().String()
	creq.Data.Attributes.Command = command
	creq.Data.Attributes.Seconds = seconds

	return c.do(ctx, http.MethodPut, "/v1/command/"+serviceID, &creq, http.StatusAccepted, nil)
}

// get performs an authenticated GET expecting 200 with a JSON body.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, http.StatusOK, out)
}

// do performs one authenticated API call. 401 and 403 invalidate the cached
// token and surface as ErrAuth; other failures surface as ErrTransport.
func (c *Client) do(ctx context.Context, method, path string, in any, wantStatus int, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encoding request: %w", ErrProtocol, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiHost+path, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/vnd.api+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}

	switch {
	case resp.StatusCode == wantStatus:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.tokens.Invalidate()
		return fmt.Errorf("%w: %s %s returned %d", ErrAuth, method, path, resp.StatusCode)
	default:
		c.logger.Debug().Int("status", resp.StatusCode).Str("path", path).
			Str("body", truncate(string(respBody), 512)).Msg("Unexpected API response")
		return fmt.Errorf("%w: %s %s returned %d", ErrTransport, method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: decoding %s response: %w", ErrProtocol, path, err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
