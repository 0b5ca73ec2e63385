// Package backend is the REST client for the platform's sensor endpoints.
package backend

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

	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/sensor"
)

// DefaultTimeout bounds every backend request.
const DefaultTimeout = 10 * time.Second

// Config configures the backend client.
type Config struct {
	BaseURL string            `json:"base_url" yaml:"base_url"`
	Timeout time.Duration     `json:"timeout"  yaml:"timeout"`
	Headers map[string]string `json:"headers"  yaml:"headers"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "invalid base_url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if c.Timeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "timeout must not be negative")
	}
	return nil
}

// CurrentReading is one element of the current-readings response.
// Payload keeps every field so extraction can fall back to typed keys.
type CurrentReading struct {
	SensorID sensor.ID
	Payload  sensor.Payload
}

// ReadingWrite is the body of a persisted reading.
type ReadingWrite struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
	Note  string  `json:"note"`
}

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. A nil logger means slog.Default().
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "backend"),
	}, nil
}

// CurrentReadings fetches the latest reading of every sensor.
// Elements without a sensor identifier are skipped.
func (c *Client) CurrentReadings(ctx context.Context) ([]CurrentReading, error) {
	var raw []sensor.Payload
	if err := c.getJSON(ctx, "/sensors/readings/current", &raw); err != nil {
		return nil, errors.Wrap(err, "Client", "CurrentReadings", "fetch current readings")
	}

	out := make([]CurrentReading, 0, len(raw))
	for _, p := range raw {
		id, ok := p.SensorID()
		if !ok {
			continue
		}
		out = append(out, CurrentReading{SensorID: id, Payload: p})
	}
	return out, nil
}

// ListSensors fetches every sensor declaration.
func (c *Client) ListSensors(ctx context.Context) ([]sensor.Sensor, error) {
	var sensors []sensor.Sensor
	if err := c.getJSON(ctx, "/sensors", &sensors); err != nil {
		return nil, errors.Wrap(err, "Client", "ListSensors", "fetch sensors")
	}
	return sensors, nil
}

// RecordReading persists one reading for id.
func (c *Client) RecordReading(ctx context.Context, id sensor.ID, value float64, unit, note string) error {
	body, err := json.Marshal(ReadingWrite{Value: value, Unit: unit, Note: note})
	if err != nil {
		return errors.WrapInvalid(err, "Client", "RecordReading", "encode body")
	}

	path := "/sensors/" + url.PathEscape(id.String()) + "/readings"
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Client", "RecordReading", "send request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return statusError(resp, "RecordReading")
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Client", "getJSON", "send request")
	}
	defer resp.Body.Close()

	if err := statusError(resp, "getJSON"); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return err
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return errors.WrapInvalid(errors.ErrParsingFailed, "Client", "getJSON",
			fmt.Sprintf("decode %s: %v", path, err))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "newRequest", "build request")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// statusError classifies non-2xx responses: 5xx and 429 are transient, other 4xx invalid.
func statusError(resp *http.Response, method string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := fmt.Errorf("%w: HTTP %d", errors.ErrBackendRejected, resp.StatusCode)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return errors.WrapTransient(err, "Client", method, "check response status")
	}
	return errors.WrapInvalid(err, "Client", method, "check response status")
}
