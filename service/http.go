package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// HTTPConfig configures the timeouts of the http clients
type HTTPConfig struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	// RequestTimeout bounds the whole request, body included. Zero means no limit (downloads).
	RequestTimeout time.Duration
	// ReadIdleTimeout fails a connection that receives nothing during this delay,
	// so that a stalled body does not block a download without RequestTimeout. Zero means no limit.
	ReadIdleTimeout time.Duration
}

// DefaultHTTPConfig returns the timeouts used when none are configured
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   30 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
		ReadIdleTimeout:       2 * time.Minute,
	}
}

// NewHTTPClient returns a client with connect and read timeouts, so that no call hangs forever
func NewHTTPClient(cfg HTTPConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport.DialContext = dialer.DialContext
	if cfg.ReadIdleTimeout > 0 {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &idleTimeoutConn{Conn: conn, timeout: cfg.ReadIdleTimeout}, nil
		}
	}
	transport.TLSHandshakeTimeout = cfg.TLSHandshakeTimeout
	transport.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}
}

// idleTimeoutConn postpones its read deadline before each read
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// StatusError is returned when the server answers with an unexpected http status
type StatusError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Body)
}

// GetBodyRetry: simple GET with N retries in case of temporary errors
func GetBodyRetry(ctx context.Context, client *http.Client, url string, nbRetries int, backoff time.Duration) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	return GetBodyRetryReq(client, req, nbRetries, backoff)
}

// GetBodyRetryReq: simple GET with N retries in case of temporary errors.
// 4xx statuses (except 408 and 429) are returned immediately.
func GetBodyRetryReq(client *http.Client, req *http.Request, nbRetries int, backoff time.Duration) ([]byte, error) {
	var err error
	for i := range nbRetries + 1 {
		// Exponential backoff, starting at 0
		select {
		case <-time.After(time.Duration((1<<i)-1) * backoff):
		case <-req.Context().Done():
			return nil, MergeErrors(true, err, req.Context().Err())
		}
		var body []byte
		if body, err = getBody(client, req); err == nil {
			return body, nil
		}
		var serr *StatusError
		if errors.As(err, &serr) && !TemporaryStatus(serr.StatusCode) {
			return nil, err
		}
		if !errors.As(err, &serr) && !Temporary(err) && !isNetError(err) {
			return nil, err
		}
	}
	return nil, err
}

func getBody(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
	}
	if err != nil {
		return nil, MakeTemporary(err)
	}
	return body, nil
}

func isNetError(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr)
}
