package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/trade-engine/series-archiver/pkg/schema"
)

// Fetcher is the opaque remote capability the orchestrator consumes: one
// authenticated fetch of tabular rows for a single range and frequency.
type Fetcher interface {
	Fetch(ctx context.Context, seriesID string, freq schema.Frequency, start, end time.Time) (schema.Rows, error)
}

// Config holds the remote source settings.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	AppKey  string        `yaml:"app_key"`
	Timeout time.Duration `yaml:"-"`
}

type configFileModel struct {
	BaseURL string `yaml:"base_url,omitempty"`
	AppKey  string `yaml:"app_key,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

// UnmarshalYAML accepts the timeout in time.ParseDuration notation; fields
// absent from the document keep their current values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw configFileModel
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.BaseURL != "" {
		c.BaseURL = raw.BaseURL
	}
	if raw.AppKey != "" {
		c.AppKey = raw.AppKey
	}
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		c.Timeout = d
	}
	return nil
}

func (c Config) MarshalYAML() (interface{}, error) {
	return configFileModel{
		BaseURL: c.BaseURL,
		AppKey:  c.AppKey,
		Timeout: c.Timeout.String(),
	}, nil
}

// Client fetches history ranges from the vendor's REST endpoint.
type Client struct {
	baseURL string
	appKey  string
	client  *http.Client
	logger  *zap.Logger
	schema  *gojsonschema.Schema
}

// historySchema validates the response envelope before decoding. Rows are
// arrays whose first element is the observation timestamp in Unix
// milliseconds, followed by one number per column.
const historySchema = `{
  "type": "object",
  "required": ["columns", "rows"],
  "properties": {
    "columns": {"type": "array", "items": {"type": "string"}},
    "rows": {
      "type": "array",
      "items": {"type": "array", "minItems": 1, "items": {"type": "number"}}
    }
  }
}`

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(historySchema))
	if err != nil {
		return nil, fmt.Errorf("compile history response schema: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		appKey:  cfg.AppKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		schema:  compiled,
	}, nil
}

type historyResponse struct {
	Columns []string    `json:"columns"`
	Rows    [][]float64 `json:"rows"`
}

// Fetch retrieves all rows for [start, end) at the given frequency. Rate
// limiting is the caller's concern; the client only retries 429 responses
// with backoff, honoring Retry-After.
func (c *Client) Fetch(ctx context.Context, seriesID string, freq schema.Frequency, start, end time.Time) (schema.Rows, error) {
	query := url.Values{}
	query.Set("series", seriesID)
	query.Set("frequency", string(freq))
	query.Set("start", strconv.FormatInt(start.UTC().UnixMilli(), 10))
	query.Set("end", strconv.FormatInt(end.UTC().UnixMilli(), 10))

	body, err := c.doRequest(ctx, "/history?"+query.Encode())
	if err != nil {
		return schema.Rows{}, err
	}

	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return schema.Rows{}, Transient(fmt.Errorf("validate history response: %w", err))
	}
	if !result.Valid() {
		var sb strings.Builder
		for _, e := range result.Errors() {
			sb.WriteString("- ")
			sb.WriteString(e.String())
			sb.WriteString("\n")
		}
		return schema.Rows{}, Transient(fmt.Errorf("malformed history response:\n%s", sb.String()))
	}

	var decoded historyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return schema.Rows{}, Transient(fmt.Errorf("decode history response: %w", err))
	}

	rows := schema.Rows{Columns: decoded.Columns}
	for _, raw := range decoded.Rows {
		row := schema.Row{
			Timestamp: time.UnixMilli(int64(raw[0])).UTC(),
			Values:    append([]float64(nil), raw[1:]...),
		}
		rows.Rows = append(rows.Rows, row)
	}

	c.logger.Debug("Fetched history range",
		zap.String("series", seriesID),
		zap.String("frequency", string(freq)),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("rows", rows.Len()))

	return rows, nil
}

func (c *Client) doRequest(ctx context.Context, path string) ([]byte, error) {
	const (
		maxRetries     = 5
		maxBackoff     = 30 * time.Second
		initialBackoff = time.Second
	)

	reqURL := c.baseURL + path

	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, Transient(err)
		}
		req.Header.Set("User-Agent", "trade-engine-series-archiver/1.0")
		if c.appKey != "" {
			req.Header.Set("X-App-Key", c.appKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, Transient(err)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, Transient(readErr)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, Fatal(fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)))

		case resp.StatusCode == http.StatusTooManyRequests:
			delay := initialBackoff << attempt
			if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
				delay = retryAfter
			}
			if delay > maxBackoff {
				delay = maxBackoff
			}
			c.logger.Warn("Remote throttled request, backing off",
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt+1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

		default:
			return nil, Transient(fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)))
		}
	}

	return nil, Transient(fmt.Errorf("too many retries for %s", path))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if retryTime, err := http.ParseTime(header); err == nil {
		if delay := time.Until(retryTime); delay > 0 {
			return delay
		}
	}
	return 0
}
