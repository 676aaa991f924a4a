// Package transport issues device requests off the serial context and posts
// every completion back onto it.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/john/printlink/logger"
)

// Poster queues a func on the serial context. *eventloop.Loop satisfies it.
type Poster interface {
	Post(fn func())
}

const (
	defaultRequestTimeout   = 5 * time.Second
	defaultProgressInterval = 100 * time.Millisecond
	maxReplyBody            = 16 << 20
)

// Options configures a Client.
type Options struct {
	// Address is the device host, optionally with a port.
	Address string
	// Prefix is the API prefix, e.g. "/api/v1/".
	Prefix string
	// UseHTTPS switches the scheme.
	UseHTTPS bool
	// RequestTimeout bounds every request except uploads and streams.
	RequestTimeout time.Duration
	// ProgressInterval throttles upload progress notifications.
	ProgressInterval time.Duration
	// Headers are added to every request (e.g. X-Api-Key).
	Headers map[string]string
}

// Reply is the outcome of one request. It is owned by the callback it is
// handed to.
type Reply struct {
	Method     string
	Path       string
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// OK reports a 2xx reply without transport error.
func (r *Reply) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Callback receives a reply on the serial context.
type Callback func(*Reply)

// ProgressFunc receives upload progress on the serial context.
type ProgressFunc func(sent, total int64)

// Client is a per-device HTTP client.
type Client struct {
	loop Poster
	log  *logger.Logger
	opts Options

	// OnReply, when set, sees every delivered reply before its callback.
	OnReply func(*Reply)

	mu       sync.Mutex
	http     *http.Client
	user     string
	pass     string
	inflight map[*Request]struct{}
	closed   bool
}

// NewClient creates a client posting completions onto loop.
func NewClient(loop Poster, log *logger.Logger, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaultProgressInterval
	}
	return &Client{
		loop:     loop,
		log:      log,
		opts:     opts,
		http:     newHTTPClient(),
		inflight: make(map[*Request]struct{}),
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
}

// BaseURL returns the scheme, address and prefix requests are resolved against.
func (c *Client) BaseURL() string {
	scheme := "http"
	if c.opts.UseHTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, c.opts.Address, c.opts.Prefix)
}

// Address returns the device host.
func (c *Client) Address() string {
	return c.opts.Address
}

// SetBasicAuth sets the credentials sent with every request. Empty user clears them.
func (c *Client) SetBasicAuth(user, pass string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user, c.pass = user, pass
}

// Recreate replaces the underlying http.Client. In-flight requests keep
// running on the old one.
func (c *Client) Recreate() {
	c.mu.Lock()
	old := c.http
	c.http = newHTTPClient()
	c.mu.Unlock()
	old.CloseIdleConnections()
	c.log.Debugw("http client recreated", "address", c.opts.Address)
}

// AbortAll aborts every in-flight request.
func (c *Client) AbortAll() {
	c.mu.Lock()
	reqs := make([]*Request, 0, len(c.inflight))
	for r := range c.inflight {
		reqs = append(reqs, r)
	}
	c.mu.Unlock()
	for _, r := range reqs {
		r.Abort()
	}
}

// Close aborts everything in flight. Later calls return an already aborted
// request and never call back.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.AbortAll()
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Get issues a GET.
func (c *Client) Get(path string, cb Callback) *Request {
	return c.do(http.MethodGet, path, "", nil, cb)
}

// Post issues a POST with a raw body.
func (c *Client) Post(path, contentType string, body []byte, cb Callback) *Request {
	return c.do(http.MethodPost, path, contentType, body, cb)
}

// PostJSON issues a POST with v encoded as JSON.
func (c *Client) PostJSON(path string, v interface{}, cb Callback) *Request {
	data, err := json.Marshal(v)
	if err != nil {
		return c.fail(http.MethodPost, path, fmt.Errorf("encoding body: %w", err), cb)
	}
	return c.do(http.MethodPost, path, "application/json", data, cb)
}

// Put issues a PUT with a raw body.
func (c *Client) Put(path, contentType string, body []byte, cb Callback) *Request {
	return c.do(http.MethodPut, path, contentType, body, cb)
}

// PutJSON issues a PUT with v encoded as JSON.
func (c *Client) PutJSON(path string, v interface{}, cb Callback) *Request {
	data, err := json.Marshal(v)
	if err != nil {
		return c.fail(http.MethodPut, path, fmt.Errorf("encoding body: %w", err), cb)
	}
	return c.do(http.MethodPut, path, "application/json", data, cb)
}

// Delete issues a DELETE.
func (c *Client) Delete(path string, cb Callback) *Request {
	return c.do(http.MethodDelete, path, "", nil, cb)
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.BaseURL() + strings.TrimPrefix(path, "/")
}

// start registers a request. It returns nil when the client is closed.
func (c *Client) start(timeout time.Duration) (*Request, context.Context, *http.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, nil
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	r := &Request{client: c, cancel: cancel}
	c.inflight[r] = struct{}{}
	return r, ctx, c.http
}

func (c *Client) forget(r *Request) {
	c.mu.Lock()
	delete(c.inflight, r)
	c.mu.Unlock()
}

func (c *Client) newHTTPRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	c.mu.Lock()
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	c.mu.Unlock()
	return req, nil
}

func (c *Client) do(method, path, contentType string, body []byte, cb Callback) *Request {
	r, ctx, hc := c.start(c.opts.RequestTimeout)
	if r == nil {
		return abortedRequest()
	}

	go func() {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		reply := &Reply{Method: method, Path: path}
		req, err := c.newHTTPRequest(ctx, method, path, contentType, rd)
		if err != nil {
			reply.Err = err
		} else {
			c.execute(hc, req, reply)
		}
		r.deliver(reply, cb)
	}()
	return r
}

func (c *Client) execute(hc *http.Client, req *http.Request, reply *Reply) {
	resp, err := hc.Do(req)
	if err != nil {
		reply.Err = classify(err)
		return
	}
	defer resp.Body.Close()

	reply.StatusCode = resp.StatusCode
	reply.Header = resp.Header
	reply.Body, err = io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		reply.Err = fmt.Errorf("reading response: %w", classify(err))
		return
	}
	if resp.StatusCode == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") != "" {
		reply.Err = ErrAuthenticationRequired
	}
}

// fail delivers an error reply without touching the network.
func (c *Client) fail(method, path string, err error, cb Callback) *Request {
	r, _, _ := c.start(0)
	if r == nil {
		return abortedRequest()
	}
	go r.deliver(&Reply{Method: method, Path: path, Err: err}, cb)
	return r
}

// Request is a handle on one in-flight request.
type Request struct {
	client  *Client
	cancel  context.CancelFunc
	aborted atomic.Bool
	done    atomic.Bool
}

func abortedRequest() *Request {
	r := &Request{cancel: func() {}}
	r.aborted.Store(true)
	return r
}

// Abort cancels the request. It is idempotent; once it returns on the serial
// context no callback of this request runs.
func (r *Request) Abort() {
	if r == nil || !r.aborted.CompareAndSwap(false, true) {
		return
	}
	r.cancel()
	if r.client != nil {
		r.client.forget(r)
	}
}

// Aborted reports whether Abort was called.
func (r *Request) Aborted() bool {
	return r.aborted.Load()
}

// Finished reports whether the final callback has been delivered.
func (r *Request) Finished() bool {
	return r.done.Load()
}

func (r *Request) deliver(reply *Reply, cb Callback) {
	r.client.loop.Post(func() {
		if r.aborted.Load() {
			return
		}
		r.done.Store(true)
		r.cancel()
		r.client.forget(r)
		if hook := r.client.OnReply; hook != nil {
			hook(reply)
		}
		if cb != nil {
			cb(reply)
		}
	})
}

// progress posts a throttled progress notification unless aborted.
func (r *Request) progress(fn ProgressFunc, sent, total int64) {
	if fn == nil {
		return
	}
	r.client.loop.Post(func() {
		if r.aborted.Load() || r.done.Load() {
			return
		}
		fn(sent, total)
	})
}
