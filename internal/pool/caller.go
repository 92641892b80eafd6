package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 20

// Caller performs one remote call against one endpoint address.
type Caller interface {
	Call(ctx context.Context, address, operation string, payload any) (json.RawMessage, error)
	Close() error
}

// HTTPCaller speaks the JSON-over-HTTP protocol used by every model server:
// POST <address>/<operation> with a bearer token.
type HTTPCaller struct {
	apiKey     string
	transport  *http.Transport
	httpClient *http.Client
}

// NewHTTPCaller creates a caller with its own connection pool.
// Deadlines come from the context passed to Call.
func NewHTTPCaller(apiKey string) *HTTPCaller {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &HTTPCaller{
		apiKey:     apiKey,
		transport:  transport,
		httpClient: &http.Client{Transport: transport},
	}
}

// Call sends payload as JSON and returns the raw JSON response.
func (c *HTTPCaller) Call(ctx context.Context, address, operation string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(address, "/") + "/" + strings.TrimLeft(operation, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(url, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case isTransientStatus(resp.StatusCode):
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUnreachable, url, resp.StatusCode)
	default:
		return nil, &RemoteRejectedError{Code: resp.StatusCode, Message: errorMessage(data)}
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: %s returned non-JSON body", ErrMalformedResponse, url)
	}
	return json.RawMessage(data), nil
}

// Close releases idle pooled connections.
func (c *HTTPCaller) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func classifyTransportError(url string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, url)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, url, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, url, err)
}

// errorMessage pulls a human readable message from an error body.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "detail", "message"} {
			if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String {
				return r.String()
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
