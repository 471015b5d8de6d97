package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/hpe-storage/truenas-csp/internal/config"
	"github.com/hpe-storage/truenas-csp/pkg/logging"
)

// apiKeyPattern matches TrueNAS API keys. Anything else is treated as
// the root password of a FreeNAS <v12 appliance without API key support.
var apiKeyPattern = regexp.MustCompile(`^[0-9]+-[A-Za-z0-9]{64}$`)

// Recorder receives backend telemetry. Implemented by pkg/metrics.
type Recorder interface {
	BackendRequest(method string, status int)
	RetryExhausted(operation string)
}

type noopRecorder struct{}

func (noopRecorder) BackendRequest(string, int) {}
func (noopRecorder) RetryExhausted(string)      {}

// Response captures the outcome of the most recent appliance call so
// the facade can surface backend status and reason verbatim.
type Response struct {
	Status int
	Reason string
	Body   []byte
}

// OK reports whether the call returned a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out any) error {
	if r == nil || len(r.Body) == 0 {
		return fmt.Errorf("empty backend response")
	}
	return json.Unmarshal(r.Body, out)
}

// Entity unmarshals the response body as a single raw entity.
func (r *Response) Entity() (Raw, error) {
	var entity Raw
	if err := r.Decode(&entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// Client is a short-lived TrueNAS REST client owned by a single CSP
// request. The appliance address and token come from request headers,
// so no client state is shared between requests.
type Client struct {
	host       string
	token      string
	httpClient *http.Client
	logger     *logging.Logger
	recorder   Recorder

	retries int
	delay   time.Duration
	version Version

	// Last holds the status of the most recent call
	Last Response
}

// NewClient creates a client bound to one appliance and one token.
func NewClient(host, token string, cfg *config.BackendConfig, logger *logging.Logger, recorder Recorder) *Client {
	transport := &http.Transport{
		// Appliances typically run self-signed certificates; the
		// backend.insecure_tls knob re-enables verification.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureTLS},
	}

	if recorder == nil {
		recorder = noopRecorder{}
	}

	return &Client{
		host:  host,
		token: token,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger:   logger,
		recorder: recorder,
		retries:  cfg.Retries,
		delay:    cfg.Delay,
	}
}

// Host returns the appliance address this client is bound to.
func (c *Client) Host() string {
	return c.host
}

// Token returns the credential this client authenticates with.
func (c *Client) Token() string {
	return c.token
}

// Retries returns the retry budget for polling loops.
func (c *Client) Retries() int {
	return c.retries
}

// Delay returns the wait between polling attempts.
func (c *Client) Delay() time.Duration {
	return c.delay
}

// RetryExhausted reports a drained retry budget to the recorder.
func (c *Client) RetryExhausted(operation string) {
	c.recorder.RetryExhausted(operation)
}

func (c *Client) url(uri string) string {
	return fmt.Sprintf("https://%s/api/v2.0/%s", c.host, uri)
}

// setAuth sets authentication on the request. API-key shaped tokens
// are sent as Bearer tokens; everything else is the root password.
func (c *Client) setAuth(req *http.Request) {
	if apiKeyPattern.MatchString(c.token) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.SetBasicAuth("root", c.token)
	}
}

func (c *Client) do(ctx context.Context, method, uri string, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(uri), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.LogBackendOperation(method, uri, 0, err)
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.Last = Response{
		Status: resp.StatusCode,
		Reason: http.StatusText(resp.StatusCode),
		Body:   payload,
	}
	c.recorder.BackendRequest(method, resp.StatusCode)
	c.logger.LogBackendOperation(method, uri, resp.StatusCode, nil)
	if c.logger.Level().Enabled(zap.DebugLevel) {
		c.logger.Debug("TrueNAS response",
			zap.String("uri", uri),
			zap.String("body", logging.Redact(string(payload), c.token)))
	}

	last := c.Last
	return &last, nil
}

// Get issues a GET, optionally with a query body (TrueNAS accepts
// query-filters in the request body of list endpoints).
func (c *Client) Get(ctx context.Context, uri string, query any) (*Response, error) {
	var body []byte
	if query != nil {
		var err error
		if body, err = json.Marshal(query); err != nil {
			return nil, fmt.Errorf("failed to encode query: %w", err)
		}
	}
	return c.do(ctx, http.MethodGet, uri, body)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, uri string, content any) (*Response, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, uri, body)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, uri string, content any) (*Response, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, http.MethodPut, uri, body)
}

// Delete issues a DELETE with an optional raw JSON body. The resource
// is fetched first: deleting something already gone is a no-op. After
// the call one delay elapses so queued destroys can settle before the
// caller re-polls.
func (c *Client) Delete(ctx context.Context, uri string, body string) error {
	exists, err := c.Exists(ctx, uri)
	if err != nil {
		return err
	}
	if !exists {
		c.logger.Info("Resource already absent", zap.String("uri", uri))
		return nil
	}

	var payload []byte
	if body != "" {
		payload = []byte(body)
	}

	if _, err := c.do(ctx, http.MethodDelete, uri, payload); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.delay):
	}
	return nil
}

// Ping verifies connectivity and credentials via core/ping.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Get(ctx, "core/ping", nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("core/ping returned status %d", resp.Status)
	}
	return nil
}
