package kendrasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const maxBodyBytes = 8 << 20

// Client is the single gateway to the Kendra backend API. Every call
// attaches the bearer token held by Tokens and classifies the outcome into
// ErrSessionExpired, ErrNoToken, *APIError or *NetworkError.
type Client struct {
	BaseURL    string
	Tokens     oauth2.TokenSource
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger

	// Now reads the current time for the local expiry check. Nil means
	// time.Now.
	Now func() time.Time

	// OnSessionExpired runs before ErrSessionExpired is returned. The
	// session controller installs it to invalidate the stored token.
	OnSessionExpired func(ctx context.Context)
}

// New creates a client with sane defaults.
func New(baseURL string, tokens oauth2.TokenSource) *Client {
	return &Client{
		BaseURL: baseURL,
		Tokens:  tokens,
		Timeout: 10 * time.Second,
	}
}

// Request performs an authenticated call against path. body may be nil, a
// string or []byte sent verbatim, or any value encoded as JSON. headers are
// merged over the defaults. A non-nil out receives the decoded JSON body.
func (c *Client) Request(ctx context.Context, method, path string, body any, headers http.Header, out any) error {
	return c.do(ctx, method, path, nil, body, headers, out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, nil, out)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, path, nil, body, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, headers http.Header, out any) error {
	tok, err := c.token()
	if err != nil {
		return err
	}
	if tok.AccessToken == "" {
		c.logger().Warn("api call without token", "method", method, "path", path)
		return ErrNoToken
	}
	// tok.Valid() would expire the token 10s early
	if !tok.Expiry.IsZero() && !c.now().Before(tok.Expiry) {
		c.logger().Info("token expired locally", "path", path, "expiry", tok.Expiry)
		c.expire(ctx)
		return ErrSessionExpired
	}

	endpoint := c.base() + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	reader, err := encodeBody(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range headers {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	tok.SetAuthHeader(req)

	c.logger().Debug("api request", "method", method, "path", path)
	resp, err := c.client().Do(req)
	if err != nil {
		c.logger().Warn("api transport failure", "method", method, "path", path, "err", err)
		return &NetworkError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &NetworkError{Method: method, Path: path, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.logger().Info("session expired", "path", path)
		c.expire(ctx)
		return ErrSessionExpired
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg := errorMessage(raw, resp.StatusCode)
		c.logger().Debug("api error", "path", path, "status", resp.StatusCode, "message", msg)
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		if out != nil {
			if _, ok := out.(validator); ok {
				return invalidResponse(resp.StatusCode, "empty body")
			}
		}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return invalidResponse(resp.StatusCode, err.Error())
	}
	if v, ok := out.(validator); ok {
		if err := v.validate(); err != nil {
			return invalidResponse(resp.StatusCode, err.Error())
		}
	}
	return nil
}

func (c *Client) token() (*oauth2.Token, error) {
	if c.Tokens == nil {
		return &oauth2.Token{}, nil
	}
	tok, err := c.Tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	if tok == nil {
		return &oauth2.Token{}, nil
	}
	return tok, nil
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) expire(ctx context.Context) {
	if c.OnSessionExpired != nil {
		c.OnSessionExpired(ctx)
	}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func encodeBody(body any) (io.Reader, error) {
	switch b := body.(type) {
	case nil:
		return http.NoBody, nil
	case string:
		return strings.NewReader(b), nil
	case []byte:
		return bytes.NewReader(b), nil
	default:
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
		return &buf, nil
	}
}

// errorMessage extracts a human readable message from an error body. It
// accepts {"error":"..."}, {"error":{"message":"..."}} and {"message":"..."}.
func errorMessage(raw []byte, status int) string {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if len(body.Error) > 0 {
			var s string
			if err := json.Unmarshal(body.Error, &s); err == nil && s != "" {
				return s
			}
			var nested struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(body.Error, &nested); err == nil && nested.Message != "" {
				return nested.Message
			}
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("API error: %d %s", status, text)
	}
	return fmt.Sprintf("API error: %d", status)
}
