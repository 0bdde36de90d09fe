package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client talks to a swarmchat daemon's control API.
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no overall timeout; event streams are long-lived
	stream *http.Client
	logger *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7420/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := &http.Transport{}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
	}
}

// APIError is a non-2xx reply from the daemon.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return e.Message
}

// IsCode reports whether err is an APIError with the given code,
// e.g. "already_running" or "not_running".
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// Start asks the daemon to launch the sidecar.
func (c *Client) Start(ctx context.Context) (string, error) {
	var res ResultResponse
	if err := c.do(ctx, http.MethodPost, "/start", &res); err != nil {
		return "", err
	}
	c.logger.Debug("Sidecar start requested", "result", res.Result)
	return res.Result, nil
}

// Stop asks the daemon to terminate the sidecar.
func (c *Client) Stop(ctx context.Context) (string, error) {
	var res ResultResponse
	if err := c.do(ctx, http.MethodPost, "/stop", &res); err != nil {
		return "", err
	}
	c.logger.Debug("Sidecar stop completed", "result", res.Result)
	return res.Result, nil
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", &st)
	return st, err
}

// WaitRunning polls status with exponential backoff until the sidecar is
// running and, when needPort is set, has reported its port. It stops early
// once ctx is done.
func (c *Client) WaitRunning(ctx context.Context, needPort bool) (StatusResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	var last StatusResponse
	op := func() error {
		st, err := c.Status(ctx)
		if err != nil {
			var ae *APIError
			if errors.As(err, &ae) {
				return backoff.Permanent(err)
			}
			return err
		}
		last = st
		if !st.Running() {
			return errors.New("sidecar not running yet")
		}
		if needPort && st.ClientPort == nil {
			return errors.New("sidecar port not detected yet")
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return last, err
	}
	return last, nil
}

// Events subscribes to the event stream and calls fn for every event until
// ctx ends, the server closes the stream, or fn returns an error. history
// asks the server to replay that many recent events first.
func (c *Client) Events(ctx context.Context, history int, fn func(Event) error) error {
	url := c.baseURL + "/events"
	if history > 0 {
		url += "?history=" + strconv.Itoa(history)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}

	err = readSSE(resp.Body, func(topic, data string) error {
		var e Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			c.logger.Debug("Skipping malformed event", "topic", topic, "error", err)
			return nil
		}
		e.Topic = topic
		return fn(e)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readSSE parses an event stream, calling fn once per dispatched event.
// Comment lines and fields other than event/data are ignored.
func readSSE(r io.Reader, fn func(topic, data string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2<<20)
	var topic string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if err := fn(topic, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			topic, data = "", nil
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				topic = value
			case "data":
				data = append(data, value)
			}
		}
	}
	return sc.Err()
}

// do performs a request and decodes a JSON reply into out.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{StatusCode: resp.StatusCode}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: er.Code, Message: er.Error}
}
