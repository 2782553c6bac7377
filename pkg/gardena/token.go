package gardena

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TokenSource hands out access tokens guaranteed valid for at least the
// configured margin.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// TokenManager owns the OAuth2 client-credentials exchange against the
// authentication host and caches the resulting token until it approaches
// expiry. Safe for concurrent use; the stream client and the command
// dispatcher both request tokens.
type TokenManager struct {
	authHost  string
	apiKey    string
	apiSecret string
	margin    time.Duration

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	httpClient *http.Client
	logger     zerolog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenManager initializes a TokenManager. A margin of zero falls back to
// 60 seconds.
func NewTokenManager(authHost, apiKey, apiSecret string, margin time.Duration, logger zerolog.Logger) *TokenManager {
	if margin <= 0 {
		margin = 60 * time.Second
	}
	return &TokenManager{
		authHost:   strings.TrimRight(authHost, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		margin:     margin,
		maxRetries: 3,
		baseDelay:  time.Second,
		maxDelay:   10 * time.Second,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// Token returns a cached token if it is still valid past the margin, and
// otherwise performs a synchronous exchange, replacing the cache atomically.
// Returns ErrAuth if the credentials are rejected or the endpoint stays
// unreachable past the retry budget.
func (tm *TokenManager) Token(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Until(tm.expiresAt) > tm.margin {
		return tm.token, nil
	}

	token, expiresIn, err := tm.exchange(ctx)
	if err != nil {
		return "", err
	}

	tm.token = token
	tm.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	tm.logger.Debug().Int("expires_in", expiresIn).Msg("Access token renewed")
	return tm.token, nil
}

// Invalidate drops the cached token so the next Token call performs a fresh
// exchange. Called when the cloud rejects a token ahead of its expiry.
func (tm *TokenManager) Invalidate() {
	tm.mu.Lock()
	tm.token = ""
	tm.expiresAt = time.Time{}
	tm.mu.Unlock()
}

// exchange performs the client-credentials POST with bounded retries and
// exponential backoff. Credential rejection fails immediately; transport
// failures and server errors retry.
func (tm *TokenManager) exchange(ctx context.Context) (string, int, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {tm.apiKey},
		"client_secret": {tm.apiSecret},
	}

	var lastErr error
	for attempt := 0; attempt <= tm.maxRetries; attempt++ {
		if attempt > 0 {
			delay := tm.baseDelay * time.Duration(1<<uint(attempt-1))
			if delay > tm.maxDelay {
				delay = tm.maxDelay
			}
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", 0, fmt.Errorf("%w: %w", ErrAuth, ctx.Err())
			}
		}

		token, expiresIn, retryable, err := tm.post(ctx, form)
		if err == nil {
			return token, expiresIn, nil
		}
		if !retryable {
			return "", 0, err
		}
		lastErr = err
		tm.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Token exchange failed, retrying")
	}

	return "", 0, fmt.Errorf("%w: retry budget exhausted: %w", ErrAuth, lastErr)
}

func (tm *TokenManager) post(ctx context.Context, form url.Values) (string, int, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		tm.authHost+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, false, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, false, fmt.Errorf("%w: %w", ErrAuth, ctx.Err())
		}
		return "", 0, true, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, true, fmt.Errorf("%w: reading response: %w", ErrAuth, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return "", 0, true, fmt.Errorf("%w: auth endpoint returned %d", ErrAuth, resp.StatusCode)
	default:
		// 4xx means the credentials themselves are bad; retrying cannot help.
		return "", 0, false, fmt.Errorf("%w: credentials rejected with status %d", ErrAuth, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, true, fmt.Errorf("%w: decoding token response: %w", ErrAuth, err)
	}
	if tr.AccessToken == "" {
		return "", 0, false, errors.Join(ErrAuth, errors.New("empty access token in response"))
	}
	return tr.AccessToken, tr.ExpiresIn, false, nil
}
