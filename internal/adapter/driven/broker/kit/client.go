// Package kit holds the HTTP plumbing shared by broker integrations:
// session cookies, outbound rate limiting, JSON helpers and mapping of
// transport failures onto the sync error taxonomy.
package kit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

// DefaultTimeout bounds every outbound request.
const DefaultTimeout = 30 * time.Second

const maxBodySize = 10 << 20

// Client is a cookie-keeping HTTP client rooted at one base URL.
type Client struct {
	http    *http.Client
	baseURL *url.URL
	headers http.Header
}

type options struct {
	httpClient *http.Client
	timeout    time.Duration
	limit      rate.Limit
	burst      int
	headers    http.Header
}

// Option configures a Client.
type Option func(*options)

// WithHTTPClient supplies the underlying client, e.g. an httptest server's.
// Its transport is still wrapped with the rate limiter and a jar is added
// when it has none.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.limit = rate.Limit(perSecond)
		o.burst = burst
	}
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) Option {
	return func(o *options) { o.headers.Set(key, value) }
}

// NewClient creates a Client for baseURL. By default it keeps cookies,
// allows 5 requests per second with a burst of 5 and times out after 30s.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, model.NewSyncError(model.KindUnsupportedConfiguration, "base url %q must be http or https", baseURL)
	}

	o := options{timeout: DefaultTimeout, limit: 5, burst: 5, headers: http.Header{}}
	for _, opt := range opts {
		opt(&o)
	}

	hc := &http.Client{}
	if o.httpClient != nil {
		copied := *o.httpClient
		hc = &copied
	}
	hc.Timeout = o.timeout

	base := hc.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc.Transport = &limitedTransport{base: base, limiter: rate.NewLimiter(o.limit, o.burst)}

	if hc.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		hc.Jar = jar
	}

	return &Client{http: hc, baseURL: u, headers: o.headers}, nil
}

// BaseURL returns the root all relative paths resolve against.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Cookie returns the value of a cookie the server set for the base URL.
func (c *Client) Cookie(name string) string {
	for _, ck := range c.http.Jar.Cookies(c.baseURL) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// Cookies returns all cookies held for the base URL.
func (c *Client) Cookies() []*http.Cookie {
	return c.http.Jar.Cookies(c.baseURL)
}

// SetCookie stores a cookie for the base URL, used when restoring sessions.
func (c *Client) SetCookie(name, value string) {
	c.http.Jar.SetCookies(c.baseURL, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// JSON decodes the body with numbers kept as json.Number so money values
// reach decimal parsing without float rounding.
func (r *Response) JSON(v any) error {
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return model.NewSyncError(model.KindProtocol, "decode response: %v", err)
	}
	return nil
}

// Request describes one call. Body is JSON-encoded unless it is already
// an io.Reader or url.Values.
type Request struct {
	Method string
	Path   string // Relative to the base URL, or absolute.
	Query  url.Values
	Body   any
	Header http.Header
}

// Do sends req and reads the full body. Only transport failures are errors;
// status handling is left to the caller.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	target, err := c.resolve(req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	var (
		body        io.Reader
		contentType string
	)
	switch b := req.Body.(type) {
	case nil:
	case io.Reader:
		body = b
	case url.Values:
		body = strings.NewReader(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.headers {
		httpReq.Header[k] = vs
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, vs := range req.Header {
		httpReq.Header[http.CanonicalHeaderKey(k)] = vs
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// JSON sends req, maps non-2xx statuses with CheckStatus and decodes the body into v.
func (c *Client) JSON(ctx context.Context, req Request, v any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := CheckStatus(resp); err != nil {
		return err
	}
	if v == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	return resp.JSON(v)
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, err)
	}

	var u *url.URL
	if ref.IsAbs() {
		u = ref
	} else {
		copied := *c.baseURL
		copied.Path = strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
		copied.RawQuery = ref.RawQuery
		u = &copied
	}

	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// CheckStatus maps an HTTP status onto the error taxonomy.
func CheckStatus(resp *Response) error {
	if resp.OK() {
		return nil
	}

	msg := model.Truncate(strings.TrimSpace(string(resp.Body)), 120)
	code := fmt.Sprintf("http_%d", resp.Status)
	switch {
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return model.CodedError(model.KindInvalidCredentials, code, msg)
	case resp.Status == http.StatusTooManyRequests:
		return model.CodedError(model.KindRateLimited, code, msg)
	case resp.Status >= 500:
		return model.CodedError(model.KindTransientNetwork, code, msg)
	default:
		return model.CodedError(model.KindProtocol, code, msg)
	}
}

// AsSyncError extracts a classified error so integrations can report it as
// an expected authentication failure instead of an unexpected error.
func AsSyncError(err error) (*model.SyncError, bool) {
	var se *model.SyncError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// classifyTransport passes through cancellation by the caller. Anything else,
// including the client's own per-call timeout, is a transient upstream failure.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	return model.WrapSyncError(model.KindTransientNetwork, err)
}

// limitedTransport waits on a token bucket before each request.
type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}
