package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/amirimatin/go-ipset/pkg/ipset"
	"github.com/amirimatin/go-ipset/pkg/transport"
)

// Client is a thin HTTP client for the control API. Requests that never got a
// response, or got 503 because a core queue was full, are retried with
// backoff.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
	attempts  int
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, attempts: 3}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	c.transport.TLSClientConfig = cfg
	c.isTLS = cfg != nil
	return c
}

// StatusError is returned for non-200 replies whose body carried no error text.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d: %s", e.Code, e.Body) }

func (c *Client) url(addr, path string) string {
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do sends body (nil for GET) and decodes a JSON reply into out. errText
// extracts the error string from out for non-200 replies.
func (c *Client) do(ctx context.Context, method, url string, body any, out any, errText func() string) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			_ = json.Unmarshal(b, out)
			switch {
			case resp.StatusCode == http.StatusOK:
				return nil
			case errText() != "":
				lastErr = remoteError(resp.StatusCode, errText())
			default:
				lastErr = &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
			}
			if resp.StatusCode != http.StatusServiceUnavailable {
				return lastErr
			}
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

// remoteError rebuilds a sentinel-matchable error from the reply status.
func remoteError(code int, text string) error {
	var sentinel error
	switch code {
	case http.StatusBadRequest:
		sentinel = ipset.ErrInvalidArgument
	case http.StatusNotImplemented:
		sentinel = ipset.ErrNotSupported
	case http.StatusServiceUnavailable:
		sentinel = ipset.ErrChannelUnavailable
	case http.StatusInsufficientStorage:
		sentinel = ipset.ErrOutOfMemory
	default:
		return errors.New(text)
	}
	return fmt.Errorf("%w (remote: %s)", sentinel, text)
}

func (c *Client) Add(ctx context.Context, addr string, req transport.MembersRequest) (transport.MutationResponse, error) {
	var out transport.MutationResponse
	err := c.do(ctx, http.MethodPost, c.url(addr, "/ipset/add"), req, &out, func() string { return out.Error })
	return out, err
}

func (c *Client) Delete(ctx context.Context, addr string, req transport.MembersRequest) (transport.MutationResponse, error) {
	var out transport.MutationResponse
	err := c.do(ctx, http.MethodPost, c.url(addr, "/ipset/del"), req, &out, func() string { return out.Error })
	return out, err
}

func (c *Client) Flush(ctx context.Context, addr string) (transport.FlushResponse, error) {
	var out transport.FlushResponse
	err := c.do(ctx, http.MethodPost, c.url(addr, "/ipset/flush"), struct{}{}, &out, func() string { return out.Error })
	return out, err
}

func (c *Client) Show(ctx context.Context, addr string, req transport.ShowRequest) (transport.ShowResponse, error) {
	var out transport.ShowResponse
	path := "/ipset/show"
	if req.Limit > 0 {
		path += "?limit=" + strconv.Itoa(req.Limit)
	}
	err := c.do(ctx, http.MethodGet, c.url(addr, path), nil, &out, func() string { return out.Error })
	return out, err
}

func (c *Client) Sockopt(ctx context.Context, addr string, req transport.SockoptRequest) (transport.SockoptResponse, error) {
	var out transport.SockoptResponse
	err := c.do(ctx, http.MethodPost, c.url(addr, "/sockopt"), req, &out, func() string { return out.Error })
	return out, err
}

var _ transport.ControlClient = (*Client)(nil)
