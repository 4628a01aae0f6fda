package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	ErrUnauthorized  = errors.New("provider rejected credentials")
	ErrRequestFailed = errors.New("provider request failed")
)

const tokenSafetyMargin = time.Minute

type Config struct {
	BaseURL                string
	TokenURL               string
	ClientID               string
	ClientSecret           string
	Timeout                time.Duration
	TokenRequestsPerMinute int
	Cache                  TokenCache
	Logger                 *slog.Logger
}

// Client creates eSIM orders with the upstream provider using a
// client-credentials access token.
type Client struct {
	baseURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client
	cache        TokenCache
	limiter      *rate.Limiter
	group        singleflight.Group
	logger       *slog.Logger
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = baseURL + "/token"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	perMinute := cfg.TokenRequestsPerMinute
	if perMinute <= 0 {
		perMinute = 5
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryTokenCache()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      baseURL,
		tokenURL:     tokenURL,
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		client:       &http.Client{Timeout: timeout},
		cache:        cache,
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		logger:       logger,
	}
}

type OrderRequest struct {
	PackageID   string `json:"package_id"`
	Quantity    int    `json:"quantity"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type OrderResult struct {
	// ProviderOrderID is nil when the provider answered without an id.
	ProviderOrderID *string
	Raw             json.RawMessage
}

// CreateOrder is not idempotent upstream. It is retried only after a 401, where
// the provider has not created anything.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	raw, err := c.postOrder(ctx, body)
	if errors.Is(err, ErrUnauthorized) {
		c.logger.Warn("provider token rejected, refreshing")
		if delErr := c.cache.Delete(ctx); delErr != nil {
			c.logger.Warn("provider token cache delete failed", "err", delErr)
		}
		raw, err = c.postOrder(ctx, body)
	}
	if err != nil {
		return nil, err
	}

	return &OrderResult{ProviderOrderID: orderID(raw), Raw: raw}, nil
}

func (c *Client) postOrder(ctx context.Context, body []byte) (json.RawMessage, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	if token, ok, err := c.cache.Get(ctx); err != nil {
		c.logger.Warn("provider token cache read failed", "err", err)
	} else if ok {
		return token, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		if token, ok, err := c.cache.Get(ctx); err == nil && ok {
			return token, nil
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: token rate limit: %v", ErrRequestFailed, err)
		}
		token, ttl, err := c.fetchToken(ctx)
		if err != nil {
			return "", err
		}
		if err := c.cache.Set(ctx, token, ttl); err != nil {
			c.logger.Warn("provider token cache write failed", "err", err)
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type tokenResponse struct {
	Data struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	} `json:"data"`
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	raw, err := c.do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token: %w", err)
	}
	var out tokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", 0, fmt.Errorf("%w: token response: %v", ErrRequestFailed, err)
	}
	if out.Data.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: token response missing access_token", ErrRequestFailed)
	}

	ttl := 24 * time.Hour
	if out.Data.ExpiresIn > 0 {
		ttl = time.Duration(out.Data.ExpiresIn) * time.Second
	}
	if ttl > 2*tokenSafetyMargin {
		ttl -= tokenSafetyMargin
	}
	return out.Data.AccessToken, ttl, nil
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrRequestFailed, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		if msg != "" {
			return nil, fmt.Errorf("%w: http status %d: %s", ErrRequestFailed, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("%w: http status %d", ErrRequestFailed, resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: response is not json", ErrRequestFailed)
	}
	return body, nil
}

// orderID reads data.id, falling back to data.data.id.
func orderID(raw json.RawMessage) *string {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil
	}
	for _, path := range [][]string{{"data", "id"}, {"data", "data", "id"}} {
		if s, ok := lookup(doc, path); ok {
			return &s
		}
	}
	return nil
}

func lookup(doc map[string]any, path []string) (string, bool) {
	var cur any = doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur = m[key]
	}
	switch v := cur.(type) {
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}
