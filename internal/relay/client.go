package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	tokenLifetime = 10 * time.Minute
	tokenRefresh  = time.Minute
	maxBody       = 64 << 20
)

// Config configures a Client.
type Config struct {
	// BaseURL of the relay, e.g. https://relay.port.app.
	BaseURL    string
	ClientID   string
	SigningKey ed25519.PrivateKey
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is the HTTP implementation of API. Requests are authenticated
// with a short-lived EdDSA JWT minted from the profile's signing key.
type Client struct {
	baseURL  string
	clientID string
	key      ed25519.PrivateKey
	http     *http.Client
	log      *zap.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("relay: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("relay: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}
	if cfg.ClientID == "" || len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("relay: client id and signing key are required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		key:      cfg.SigningKey,
		http:     httpClient,
		log:      logger,
	}, nil
}

// ClientID returns the id this client authenticates as.
func (c *Client) ClientID() string { return c.clientID }

// Token returns a bearer token, minting a new one shortly before the
// cached token expires.
func (c *Client) Token() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.token != "" && now.Add(tokenRefresh).Before(c.expires) {
		return c.token, nil
	}
	expires := now.Add(tokenLifetime)
	claims := jwt.RegisteredClaims{
		Subject:   c.clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("relay: sign token: %w", err)
	}
	c.token, c.expires = signed, expires
	return signed, nil
}

// RegisterClient announces this device and its signing key.
func (c *Client) RegisterClient(ctx context.Context, signingPublic []byte) error {
	body := map[string]any{"client_id": c.clientID, "signing_public": signingPublic}
	return c.doJSON(ctx, http.MethodPost, "/v1/clients", body, nil)
}

// RegisterPort registers a bundle and its limits.
func (c *Client) RegisterPort(ctx context.Context, reg PortRegistration) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/ports", reg, nil)
}

// SetPortPaused pauses or resumes a registered bundle.
func (c *Client) SetPortPaused(ctx context.Context, bundleID string, paused bool) error {
	path := "/v1/ports/" + url.PathEscape(bundleID) + "/paused"
	return c.doJSON(ctx, http.MethodPost, path, map[string]bool{"paused": paused}, nil)
}

// NewChat opens a chat through a bundle.
func (c *Client) NewChat(ctx context.Context, req NewChatRequest) (*NewChatResponse, error) {
	var resp NewChatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chats", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Send posts a sealed envelope.
func (c *Client) Send(ctx context.Context, env Envelope) (*SendReceipt, error) {
	var resp SendReceipt
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages", env, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches inbound items after cursor.
func (c *Client) Pull(ctx context.Context, cursor string, limit int) (*Batch, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var batch Batch
	if err := c.doJSON(ctx, http.MethodGet, "/v1/inbox?"+q.Encode(), nil, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// UploadMedia stores an encrypted blob under mediaID.
func (c *Client) UploadMedia(ctx context.Context, mediaID string, r io.Reader) error {
	resp, err := c.do(ctx, http.MethodPut, "/v1/media/"+url.PathEscape(mediaID), "application/octet-stream", r)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// DownloadMedia copies the blob stored under mediaID into w.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string, w io.Writer) error {
	resp, err := c.do(ctx, http.MethodGet, "/v1/media/"+url.PathEscape(mediaID), "", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("relay: download %s: %w", mediaID, err)
	}
	return nil
}

// DeleteAccount removes this client and everything the relay holds for it.
func (c *Client) DeleteAccount(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/clients/me", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("relay: encode request: %w", err)
		}
		body, contentType = bytes.NewReader(encoded), "application/json"
	}
	resp, err := c.do(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return fmt.Errorf("relay: decode %s %s: %w", method, path, err)
	}
	return nil
}

// do performs an authenticated request. Non-2xx responses are returned as
// *StatusError with the body closed.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	token, err := c.Token()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("relay: create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	se := &StatusError{HTTPStatus: resp.StatusCode}
	if err := json.Unmarshal(raw, se); err != nil || se.Code == "" {
		se.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		se.Message = strings.TrimSpace(string(raw))
	}
	c.log.Debug("relay rejected request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("code", se.Code))
	return nil, se
}
