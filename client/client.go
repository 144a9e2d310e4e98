package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-listsync/internal/config"
	"github.com/jrsteele09/go-listsync/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// HeaderRequestID correlates a call with backend logs.
const HeaderRequestID = "X-Request-ID"

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// ContextKeyAnonymous marks a call that must go out without the bearer token
const ContextKeyAnonymous ContextKey = "anonymous"

// Anonymous returns a context whose calls skip the access token and the
// refresh path. Sign-in endpoints use it so a stale token cannot trigger a
// refresh before the user has credentials.
func Anonymous(ctx context.Context) context.Context {
	return context.WithValue(ctx, ContextKeyAnonymous, true)
}

func isAnonymous(ctx context.Context) bool {
	anonymous, _ := ctx.Value(ContextKeyAnonymous).(bool)
	return anonymous
}

// SessionStore is what the pipeline needs from the session store.
// ClearSession reports whether a session was actually cleared.
type SessionStore interface {
	AccessToken() string
	ClearSession(ctx context.Context) bool
}

// Refresher renews the access token; false means it could not, or that ctx
// ended before the outcome was known.
type Refresher interface {
	Refresh(ctx context.Context) bool
}

// Client is the single path every authenticated backend call goes through.
type Client struct {
	baseURL   string
	http      *http.Client
	store     SessionStore
	refresher Refresher
	events    *AuthEvents
	log       zerolog.Logger
}

// NewHTTPClient returns an http.Client with a cookie jar, so session cookies
// set by the backend (including the renewal credential) ride along on later
// calls. The refresh exchanger must share it.
func NewHTTPClient(cfg config.ClientConfig) *http.Client {
	jar, _ := cookiejar.New(nil) // only errors on a non-nil options value
	return &http.Client{
		Jar:     jar,
		Timeout: cfg.GetRequestTimeout(),
	}
}

func New(baseURL string, httpClient *http.Client, store SessionStore, refresher Refresher, events *AuthEvents) *Client {
	if events == nil {
		events = NewAuthEvents()
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      httpClient,
		store:     store,
		refresher: refresher,
		events:    events,
		log:       log.Logger.With().Str("component", "client").Logger(),
	}
}

func (c *Client) AuthEvents() *AuthEvents {
	return c.events
}

// HTTPClient exposes the cookie-carrying transport for collaborators such as
// the refresh exchanger.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Call sends a JSON request and decodes the response into out. When the
// server answers with no content, out is left untouched.
func (c *Client) Call(ctx context.Context, method, path string, in, out any) error {
	body, err := c.CallRaw(ctx, method, path, in)
	if err != nil {
		return err
	}
	if body == nil || out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("[Client Call] failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// CallRaw sends a JSON request and returns the raw body; nil means the server
// returned no value.
func (c *Client) CallRaw(ctx context.Context, method, path string, in any) (json.RawMessage, error) {
	req := outbound{method: method, path: path}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("[Client CallRaw] failed to encode request: %w", err)
		}
		req.body = b
		req.contentType = "application/json"
	}
	return c.send(ctx, req)
}

// UploadBinary posts r as the multipart field "file" with the same auth and
// failure handling as Call.
func (c *Client) UploadBinary(ctx context.Context, path, filename string, r io.Reader, out any) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("[Client UploadBinary] failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("[Client UploadBinary] failed to read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("[Client UploadBinary] failed to finish form: %w", err)
	}

	body, err := c.send(ctx, outbound{
		method:      http.MethodPost,
		path:        path,
		body:        buf.Bytes(),
		contentType: mw.FormDataContentType(),
	})
	if err != nil {
		return err
	}
	if body == nil || out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("[Client UploadBinary] failed to decode response: %w", err)
	}
	return nil
}

type outbound struct {
	method      string
	path        string
	body        []byte
	contentType string
}

type reply struct {
	status int
	body   []byte
}

func (c *Client) send(ctx context.Context, req outbound) (json.RawMessage, error) {
	requestID := uuid.NewString()
	var token string
	if !isAnonymous(ctx) {
		token = c.store.AccessToken()
	}

	res, err := c.roundTrip(ctx, req, token, requestID)
	if err != nil {
		return nil, err
	}

	if isAuthFailure(res.status) && token != "" {
		c.log.Debug().Str("request_id", requestID).Int("status", res.status).Msg("Access token rejected, refreshing")
		if !c.refresher.Refresh(ctx) {
			// The caller gave up waiting; the shared refresh may still succeed.
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("[Client send] %s %s: %w: %w", req.method, req.path, errors.ErrConnectivity, err)
			}
			c.expire(ctx, req, res.status)
			return nil, fmt.Errorf("[Client send] %s %s: %w", req.method, req.path, errors.ErrSessionExpired)
		}
		// Read after the refresh settles so the retry carries the new token.
		res, err = c.roundTrip(ctx, req, c.store.AccessToken(), requestID)
		if err != nil {
			return nil, err
		}
	}

	if res.status < 200 || res.status > 299 {
		return nil, newAPIError(res.status, res.body)
	}
	if res.status == http.StatusNoContent || len(bytes.TrimSpace(res.body)) == 0 {
		return nil, nil
	}
	return res.body, nil
}

func (c *Client) roundTrip(ctx context.Context, req outbound, token, requestID string) (reply, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return reply{}, fmt.Errorf("[Client roundTrip] failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderRequestID, requestID)
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if token != "" {
		(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(httpReq)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.log.Debug().Err(err).Str("request_id", requestID).Str("path", req.path).Msg("Transport failure")
		return reply{}, fmt.Errorf("[Client roundTrip] %s %s: %w: %w", req.method, req.path, errors.ErrConnectivity, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return reply{}, fmt.Errorf("[Client roundTrip] %s %s: %w: %w", req.method, req.path, errors.ErrConnectivity, err)
	}
	c.log.Debug().
		Str("request_id", requestID).
		Str("method", req.method).
		Str("path", req.path).
		Int("status", resp.StatusCode).
		Msg("Request completed")
	return reply{status: resp.StatusCode, body: data}, nil
}

// expire signs out and raises the auth failure signal. Calls that shared one
// failed refresh all get here; only the one that cleared the session signals.
func (c *Client) expire(ctx context.Context, req outbound, status int) {
	if !c.store.ClearSession(ctx) {
		c.log.Debug().Str("path", req.path).Msg("Session already cleared")
		return
	}
	c.log.Warn().Str("path", req.path).Int("status", status).Msg("Session expired, signing out")
	c.events.Emit(AuthFailure{
		Method: req.method,
		Path:   req.path,
		Status: status,
		At:     NowTimeFunc(),
	})
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}
