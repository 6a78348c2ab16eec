package ecobee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the provider API root
const DefaultBaseURL = "https://api.ecobee.com"

// Result is a provider response. Data is nil when the body was not JSON.
type Result struct {
	Code int
	Data json.RawMessage
}

// Session is the transport used by every provider call. A non-nil error
// means the request never produced an HTTP response.
type Session interface {
	Get(ctx context.Context, path string, params url.Values, tok *oauth2.Token) (*Result, error)
	Post(ctx context.Context, path string, params url.Values, payload any, tok *oauth2.Token) (*Result, error)
}

// HTTPSession implements Session over net/http
type HTTPSession struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPSession creates a session rooted at baseURL
func NewHTTPSession(baseURL string, timeout time.Duration) *HTTPSession {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSession{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Get issues a GET with params in the query string
func (s *HTTPSession) Get(ctx context.Context, path string, params url.Values, tok *oauth2.Token) (*Result, error) {
	return s.do(ctx, http.MethodGet, path, params, nil, tok)
}

// Post issues a POST with params in the query string and payload, if any,
// as a JSON body
func (s *HTTPSession) Post(ctx context.Context, path string, params url.Values, payload any, tok *oauth2.Token) (*Result, error) {
	return s.do(ctx, http.MethodPost, path, params, payload, tok)
}

func (s *HTTPSession) do(ctx context.Context, method, path string, params url.Values, payload any, tok *oauth2.Token) (*Result, error) {
	target := s.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}
	if tok != nil {
		tok.SetAuthHeader(req)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", path, err)
	}

	result := &Result{Code: resp.StatusCode}
	if json.Valid(respBody) {
		result.Data = json.RawMessage(respBody)
	}
	return result, nil
}
