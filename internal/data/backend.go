package data

import (
	"context"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"ChainScope/internal/conf"
	"ChainScope/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
	"golang.org/x/net/proxy"
)

// Headers forwarded to every backend.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderServiceName   = "X-Service-Name"
	HeaderRequestID     = "X-Request-ID"

	serviceName = "chainscope-gateway"
)

type callKey struct{}

type backendConn struct {
	client     *http.Client
	endpoint   string
	basePath   string
	healthPath string
}

// BackendClient implements biz.BackendClient with one kratos HTTP client per
// backend, optionally dialling through a SOCKS5 or HTTP proxy.
type BackendClient struct {
	conns  map[string]*backendConn
	logger *log.Helper
}

// NewBackendClient creates the HTTP clients of every configured backend.
func NewBackendClient(c *conf.Gateway, logger log.Logger) (*BackendClient, func(), error) {
	helper := log.NewHelper(logger)
	bc := &BackendClient{
		conns:  make(map[string]*backendConn, len(c.Backends)),
		logger: helper,
	}

	cleanup := func() {
		for name, conn := range bc.conns {
			if err := conn.client.Close(); err != nil {
				helper.Warnf("failed to close backend client %s: %v", name, err)
			}
		}
	}

	for name, b := range c.Backends {
		conn, err := newBackendConn(name, b)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		bc.conns[name] = conn
	}

	helper.Infof("backend clients ready: %d", len(bc.conns))
	return bc, cleanup, nil
}

func newBackendConn(name string, b *conf.Backend) (*backendConn, error) {
	base, err := url.Parse(b.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("backend %s has invalid base_url %q", name, b.BaseURL)
	}

	rt, err := createTransport(b.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	endpoint := base.Scheme + "://" + base.Host
	client, err := http.NewClient(context.Background(),
		http.WithEndpoint(endpoint),
		http.WithTimeout(timeout),
		http.WithTransport(rt),
		http.WithUserAgent(serviceName),
		http.WithMiddleware(callHeaders()),
	)
	if err != nil {
		return nil, fmt.Errorf("backend %s: failed to create http client: %w", name, err)
	}

	return &backendConn{
		client:     client,
		endpoint:   endpoint,
		basePath:   strings.TrimRight(base.Path, "/"),
		healthPath: b.HealthPath,
	}, nil
}

// createTransport builds the round tripper for proxyURL: direct when empty,
// SOCKS5 for socks5/socks5h, CONNECT proxy for http/https.
func createTransport(proxyURL string) (nethttp.RoundTripper, error) {
	rt := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if proxyURL == "" {
		return rt, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsed.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{
				User:     parsed.User.Username(),
				Password: password,
			}
		}
		host := parsed.Host
		if !strings.Contains(host, ":") {
			host += ":1080"
		}
		dialer, err := proxy.SOCKS5("tcp", host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			rt.DialContext = cd.DialContext
		} else {
			rt.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	case "http", "https":
		rt.Proxy = nethttp.ProxyURL(parsed)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s (supported: socks5, http, https)", parsed.Scheme)
	}
	return rt, nil
}

// callHeaders sets the correlation headers of the call carried in ctx.
func callHeaders() middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			if tr, ok := transport.FromClientContext(ctx); ok {
				tr.RequestHeader().Set(HeaderServiceName, serviceName)
				if call, ok := ctx.Value(callKey{}).(*model.BackendCall); ok {
					tr.RequestHeader().Set(HeaderCorrelationID, call.CorrelationID)
					tr.RequestHeader().Set(HeaderRequestID, call.RequestID)
				}
			}
			return handler(ctx, req)
		}
	}
}

func (c *BackendClient) conn(backend string) (*backendConn, error) {
	conn, ok := c.conns[backend]
	if !ok {
		return nil, fmt.Errorf("no http client configured for backend %s", backend)
	}
	return conn, nil
}

// Analyze POSTs call.Payload to the backend's analyze endpoint and decodes
// the JSON reply. Non-2xx replies are returned as kratos errors carrying the status code.
func (c *BackendClient) Analyze(ctx context.Context, call *model.BackendCall) (map[string]interface{}, error) {
	conn, err := c.conn(call.Backend)
	if err != nil {
		return nil, err
	}

	path := conn.basePath + "/analyze"
	if call.Endpoint != "" {
		if u, err := url.Parse(call.Endpoint); err == nil && u.Path != "" {
			path = u.Path
		}
	}

	ctx = context.WithValue(ctx, callKey{}, call)
	var reply map[string]interface{}
	if err := conn.client.Invoke(ctx, nethttp.MethodPost, path, call.Payload, &reply); err != nil {
		return nil, err
	}
	if reply == nil {
		reply = map[string]interface{}{}
	}
	return reply, nil
}

// Health GETs the backend's health path. Only HTTP 200 counts as healthy.
func (c *BackendClient) Health(ctx context.Context, backend string) error {
	conn, err := c.conn(backend)
	if err != nil {
		return err
	}

	u := conn.endpoint + conn.basePath + conn.healthPath
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	req.Header.Set(HeaderServiceName, serviceName)

	resp, err := conn.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		return fmt.Errorf("backend %s health check returned %d", backend, resp.StatusCode)
	}
	return nil
}
