// Package statcounter fetches live browser market shares from a
// StatCounter-style JSON feed and maps them onto the browser catalog.
package statcounter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/coolbeans/csscoverage/pkg/browser"
	"github.com/coolbeans/csscoverage/pkg/logging"
)

// DefaultUserAgent is the User-Agent header sent with feed requests.
const DefaultUserAgent = "csscoverage-statcounter/1.0"

// DefaultTimeout bounds a single feed request.
const DefaultTimeout = 15 * time.Second

// maxPayloadBytes caps how much of a response body is read.
const maxPayloadBytes = 4 << 20

var (
	// ErrNoURL is returned when the client has no feed URL configured.
	ErrNoURL = errors.New("statcounter: feed URL not configured")

	// ErrUnavailable covers network failures, timeouts and error statuses.
	ErrUnavailable = errors.New("statcounter: stats unavailable")

	// ErrMalformedPayload is returned when the response is not the expected JSON.
	ErrMalformedPayload = errors.New("statcounter: malformed payload")
)

// HTTPClient is an interface matching the Do method of *http.Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds configuration for a Client.
type Config struct {
	// URL of the JSON feed.
	URL string

	// Timeout bounds each request. Default: 15 seconds.
	Timeout time.Duration

	// HTTPClient performs requests. If nil, http.DefaultClient is used.
	HTTPClient HTTPClient

	// UserAgent is the User-Agent header. Default: DefaultUserAgent.
	UserAgent string
}

// DefaultConfig returns a Config with defaults and no URL.
func DefaultConfig() Config {
	return Config{
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
	}
}

// Result is the outcome of one successful fetch.
type Result struct {
	RequestID string         `json:"request_id"`
	Shares    browser.Shares `json:"shares"`

	// Dropped lists feed labels that do not map to a catalog browser.
	Dropped   []string  `json:"dropped,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Client fetches the feed. Concurrent Fetch calls share a single in-flight
// request. There is no retry.
type Client struct {
	httpClient HTTPClient
	url        string
	timeout    time.Duration
	userAgent  string
	group      singleflight.Group
	now        func() time.Time
}

// NewClient creates a Client from config, filling in defaults.
func NewClient(config Config) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &Client{
		httpClient: httpClient,
		url:        config.URL,
		timeout:    timeout,
		userAgent:  userAgent,
		now:        time.Now,
	}
}

// Fetch retrieves and maps the current shares. If a fetch is already in
// flight the caller waits for it and receives the same result; the context
// of the call that started the request governs it.
func (c *Client) Fetch(ctx context.Context) (*Result, error) {
	if c.url == "" {
		return nil, ErrNoURL
	}

	value, err, shared := c.group.Do(c.url, func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.Logger().Debug("joined in-flight stats request", "url", c.url)
	}
	return value.(*Result), nil
}

func (c *Client) fetch(ctx context.Context) (*Result, error) {
	requestID := uuid.NewString()
	logger := logging.Logger().With("request_id", requestID, "url", c.url)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stats request: %w", err)
	}
	request.Header.Set("User-Agent", c.userAgent)
	request.Header.Set("Accept", "application/json")

	logger.Debug("fetching stats")
	started := c.now()

	response, err := c.httpClient.Do(request)
	if err != nil {
		logger.Warn("stats request failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 400 {
		logger.Warn("stats request rejected", "status", response.StatusCode)
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnavailable, response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}

	shares, dropped, err := ParsePayload(body)
	if err != nil {
		logger.Warn("stats payload rejected", "error", err)
		return nil, err
	}

	logger.Info("stats fetched",
		"browsers", len(shares),
		"dropped", len(dropped),
		"duration", c.now().Sub(started))

	return &Result{
		RequestID: requestID,
		Shares:    shares,
		Dropped:   dropped,
		FetchedAt: c.now(),
	}, nil
}

// entry is one row of the feed. The feed labels the browser column with a
// trailing space ("browser "); the plain key is accepted too.
type entry struct {
	Label      string
	Percentage float64
	valid      bool
}

func (e *entry) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	rawLabel, ok := fields["browser "]
	if !ok {
		rawLabel, ok = fields["browser"]
	}
	if !ok || json.Unmarshal(rawLabel, &e.Label) != nil {
		return nil
	}

	percentage, ok := parsePercentage(fields["percentage"])
	if !ok {
		return nil
	}
	e.Percentage = percentage
	e.valid = true
	return nil
}

// ParsePayload maps a feed payload to shares. Labels that do not name a
// catalog browser, and rows without a usable percentage, are returned in
// dropped. Several labels mapping to the same browser are summed.
func ParsePayload(body []byte) (browser.Shares, []string, error) {
	var entries []entry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	shares := browser.Shares{}
	var dropped []string
	for _, e := range entries {
		if !e.valid {
			dropped = append(dropped, e.Label)
			continue
		}
		id, ok := browser.ParseLabel(e.Label)
		if !ok {
			dropped = append(dropped, e.Label)
			continue
		}
		shares[id] += e.Percentage
	}
	return shares, dropped, nil
}
