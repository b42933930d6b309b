// Package jira is a small REST client for the remote issue tracker covering
// the endpoints the sync engine needs.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"jirasync.io/internal/obs"
)

// TokenProvider returns a currently valid access token.
type TokenProvider func(ctx context.Context) (string, error)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	APIBaseURL     string
	ResourcesURL   string
	HTTPClient     *http.Client
	UserAgent      string
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	StartDateField string
	SprintField    string
}

// Client talks to the cloud API gateway. Use ForSite for site-scoped calls.
type Client struct {
	apiBaseURL     string
	resourcesURL   string
	httpClient     *http.Client
	userAgent      string
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	startDateField string
	sprintField    string
}

func New(opts Options) *Client {
	apiBase := strings.TrimRight(strings.TrimSpace(opts.APIBaseURL), "/")
	if apiBase == "" {
		apiBase = "https://api.atlassian.com"
	}
	resources := strings.TrimSpace(opts.ResourcesURL)
	if resources == "" {
		resources = apiBase + "/oauth/token/accessible-resources"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	startDate := strings.TrimSpace(opts.StartDateField)
	if startDate == "" {
		startDate = "customfield_10015"
	}
	sprint := strings.TrimSpace(opts.SprintField)
	if sprint == "" {
		sprint = "customfield_10020"
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "jirasync/" + obs.Version()
	}
	return &Client{
		apiBaseURL:     apiBase,
		resourcesURL:   resources,
		httpClient:     httpClient,
		userAgent:      ua,
		maxRetries:     maxRetries,
		baseDelay:      baseDelay,
		maxDelay:       maxDelay,
		startDateField: startDate,
		sprintField:    sprint,
	}
}

// FieldSet reports the custom field ids configured for this client.
func (c *Client) FieldSet() FieldSet {
	return FieldSet{StartDate: c.startDateField, Sprint: c.sprintField}
}

// Resource is a site the granted token can reach.
type Resource struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// AccessibleResources lists the sites reachable with accessToken.
func (c *Client) AccessibleResources(ctx context.Context, accessToken string) ([]Resource, error) {
	var out []Resource
	provider := func(context.Context) (string, error) { return accessToken, nil }
	if err := c.do(ctx, provider, http.MethodGet, c.resourcesURL, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Site scopes calls to one cloud site.
type Site struct {
	client  *Client
	cloudID string
	base    string
	tokens  TokenProvider
}

// ForSite returns a site-scoped handle authenticating through tokens.
func (c *Client) ForSite(cloudID string, tokens TokenProvider) *Site {
	return &Site{
		client:  c,
		cloudID: cloudID,
		base:    c.apiBaseURL + "/ex/jira/" + url.PathEscape(cloudID) + "/rest/api/3",
		tokens:  tokens,
	}
}

// CloudID returns the site identifier.
func (s *Site) CloudID() string { return s.cloudID }

func (s *Site) call(ctx context.Context, method, path string, body, out any) error {
	return s.client.do(ctx, s.tokens, method, s.base+path, body, out)
}

// APIError is a non-2xx response from the remote API.
type APIError struct {
	Status   int
	Method   string
	Path     string
	Messages []string
}

func (e *APIError) Error() string {
	msg := strings.Join(e.Messages, "; ")
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("remote %s %s: status=%d: %s", e.Method, e.Path, e.Status, msg)
}

// Temporary reports whether the failure is worth retrying later.
func (e *APIError) Temporary() bool { return e.Status >= 500 }

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func (c *Client) do(ctx context.Context, tokens TokenProvider, method, rawURL string, payload, out any) error {
	if tokens == nil {
		return errors.New("jira: token provider is required")
	}
	token, err := tokens(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("jira: access token is empty")
	}
	var bodyBytes []byte
	if payload != nil {
		if bodyBytes, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	correlationID := uuid.NewString()
	path := rawURL
	if u, perr := url.Parse(rawURL); perr == nil {
		path = u.Path
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID)
		req.Header.Set("User-Agent", c.userAgent)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			obs.RemoteRequests.WithLabelValues(method, "error").Inc()
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("remote %s %s: %w", method, path, err)
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		_ = resp.Body.Close()
		obs.RemoteRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("remote %s %s: decode response: %w", method, path, err)
			}
			return nil
		}
		// 4xx responses, 429 included, are never retried.
		if resp.StatusCode >= 500 && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return &APIError{Status: resp.StatusCode, Method: method, Path: path, Messages: errorMessages(respBody)}
	}
}

func errorMessages(body []byte) []string {
	var parsed struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
		Message       string            `json:"message"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		if s := strings.TrimSpace(string(body)); s != "" {
			if len(s) > 200 {
				s = s[:200]
			}
			return []string{s}
		}
		return nil
	}
	msgs := append([]string(nil), parsed.ErrorMessages...)
	for field, m := range parsed.Errors {
		msgs = append(msgs, field+": "+m)
	}
	if parsed.Message != "" {
		msgs = append(msgs, parsed.Message)
	}
	return msgs
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
