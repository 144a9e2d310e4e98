package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-listsync/session"
)

// RoutePath is the backend endpoint that trades the renewal cookie for a new
// access token.
const RoutePath = "/auth/refresh"

// Exchanger performs one server-side token exchange.
type Exchanger interface {
	Exchange(ctx context.Context) (*session.AuthResponse, error)
}

// HTTPExchanger posts to the refresh endpoint. The renewal credential is an
// HttpOnly cookie held by the client's cookie jar; the exchanger never reads it.
type HTTPExchanger struct {
	client *http.Client
	url    string
}

var _ Exchanger = (*HTTPExchanger)(nil)

// NewHTTPExchanger uses client, which must share its cookie jar with the
// request pipeline so the renewal cookie set at login is sent along.
func NewHTTPExchanger(client *http.Client, baseURL string) *HTTPExchanger {
	return &HTTPExchanger{
		client: client,
		url:    strings.TrimRight(baseURL, "/") + RoutePath,
	}
}

func (e *HTTPExchanger) Exchange(ctx context.Context) (*session.AuthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("[HTTPExchanger Exchange] failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("[HTTPExchanger Exchange] request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("[HTTPExchanger Exchange] refresh rejected with status %d", resp.StatusCode)
	}

	var auth session.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, fmt.Errorf("[HTTPExchanger Exchange] failed to decode response: %w", err)
	}
	if err := auth.Validate(); err != nil {
		return nil, err
	}
	return &auth, nil
}
