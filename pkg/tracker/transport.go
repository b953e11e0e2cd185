package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

// ErrRejected means the collector refused the batch as invalid. Rejected
// batches are dropped, not retried.
var ErrRejected = errors.New("tracker: batch rejected by collector")

// Event is one pageview on the wire.
type Event struct {
	ProjectID    string  `json:"projectId"`
	SessionID    string  `json:"sessionId"`
	URL          string  `json:"url"`
	Referrer     *string `json:"referrer,omitempty"`
	Title        *string `json:"title,omitempty"`
	UserAgent    *string `json:"userAgent,omitempty"`
	ScreenWidth  *int    `json:"screenWidth,omitempty"`
	ScreenHeight *int    `json:"screenHeight,omitempty"`
	Timezone     *string `json:"timezone,omitempty"`
}

// Transport delivers a batch to the collector.
type Transport interface {
	Send(ctx context.Context, batch []Event) error
}

// Beaconer is implemented by transports that can hand a batch off without
// waiting for the outcome, like a browser's sendBeacon.
type Beaconer interface {
	Beacon(batch []Event) error
}

// SessionCookieSetter is implemented by transports that mirror the session
// id into a cookie for the collector.
type SessionCookieSetter interface {
	SetSessionCookie(sessionID string, maxAge time.Duration)
}

// HTTPTransport POSTs batches as JSON.
type HTTPTransport struct {
	endpoint *url.URL
	client   *http.Client
}

func NewHTTPTransport(endpoint string) (*HTTPTransport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("endpoint %q is not an absolute URL", endpoint)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &HTTPTransport{
		endpoint: u,
		client:   &http.Client{Jar: jar, Timeout: 10 * time.Second},
	}, nil
}

func (t *HTTPTransport) Send(ctx context.Context, batch []Event) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		return ErrRejected
	default:
		return fmt.Errorf("collector returned %d", resp.StatusCode)
	}
}

func (t *HTTPTransport) SetSessionCookie(sessionID string, maxAge time.Duration) {
	t.client.Jar.SetCookies(t.endpoint, []*http.Cookie{{
		Name:   SessionKey,
		Value:  sessionID,
		Path:   "/",
		MaxAge: int(maxAge / time.Second),
	}})
}

// SessionCookie returns the mirrored session id, "" when none is set.
func (t *HTTPTransport) SessionCookie() string {
	for _, c := range t.client.Jar.Cookies(t.endpoint) {
		if c.Name == SessionKey {
			return c.Value
		}
	}
	return ""
}
