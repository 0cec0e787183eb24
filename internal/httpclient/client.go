// Package httpclient builds the agent's outbound HTTP and WebSocket clients
// with optional proxy support.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dbkeeper/dbkeeper/internal/config"
	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// DefaultTimeout is the default HTTP client timeout.
const DefaultTimeout = 30 * time.Second

// Options configures the HTTP client.
type Options struct {
	// Timeout for HTTP requests (default: 30s)
	Timeout time.Duration
	Proxy   *config.ProxyConfig
}

// New creates an HTTP client that honours the proxy settings, if any.
func New(opts Options) (*http.Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.Proxy.HasProxy() {
		if opts.Proxy.SOCKS5Proxy != "" {
			dial, err := socks5DialContext(opts.Proxy.SOCKS5Proxy)
			if err != nil {
				return nil, fmt.Errorf("configure proxy: %w", err)
			}
			transport.DialContext = dial
		} else {
			transport.Proxy = proxyFunc(opts.Proxy)
		}
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}, nil
}

// NewWebSocketDialer creates the dialer the agent connects to the server
// with. SOCKS5 takes precedence over HTTP(S) proxies when both are set.
func NewWebSocketDialer(cfg *config.ProxyConfig, handshakeTimeout time.Duration) (*websocket.Dialer, error) {
	d := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	if !cfg.HasProxy() {
		return d, nil
	}

	if cfg.SOCKS5Proxy != "" {
		dial, err := socks5DialContext(cfg.SOCKS5Proxy)
		if err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
		d.NetDialContext = dial
		return d, nil
	}

	d.Proxy = proxyFunc(cfg)
	return d, nil
}

func socks5DialContext(socks5URL string) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	proxyURL, err := url.Parse(socks5URL)
	if err != nil {
		return nil, fmt.Errorf("parse SOCKS5 proxy URL: %w", err)
	}

	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{
			User:     proxyURL.User.Username(),
			Password: password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}

// proxyFunc picks the HTTPS proxy for https (and wss) requests and the HTTP
// proxy otherwise.
func proxyFunc(cfg *config.ProxyConfig) func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		if shouldBypassProxy(req.URL.Host, cfg.NoProxy) {
			return nil, nil
		}

		var proxyURLStr string
		if (req.URL.Scheme == "https" || req.URL.Scheme == "wss") && cfg.HTTPSProxy != "" {
			proxyURLStr = cfg.HTTPSProxy
		} else if cfg.HTTPProxy != "" {
			proxyURLStr = cfg.HTTPProxy
		}

		if proxyURLStr == "" {
			return nil, nil
		}
		return url.Parse(proxyURLStr)
	}
}

// shouldBypassProxy checks host against a comma separated no_proxy list.
func shouldBypassProxy(host string, noProxy string) bool {
	if noProxy == "" {
		return false
	}

	hostOnly, _, err := net.SplitHostPort(host)
	if err != nil {
		hostOnly = host
	}
	hostOnly = strings.ToLower(hostOnly)

	for _, pattern := range strings.Split(noProxy, ",") {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "":
			continue
		case pattern == "*":
			return true
		case hostOnly == pattern:
			return true
		case strings.HasPrefix(pattern, ".") && strings.HasSuffix(hostOnly, pattern):
			return true
		case strings.HasSuffix(hostOnly, "."+pattern):
			return true
		}
	}

	return false
}

// ProxyInfo returns a description of the configured proxy with credentials
// masked.
func ProxyInfo(cfg *config.ProxyConfig) string {
	if !cfg.HasProxy() {
		return "none"
	}

	var parts []string
	if cfg.SOCKS5Proxy != "" {
		parts = append(parts, fmt.Sprintf("SOCKS5: %s", maskProxyURL(cfg.SOCKS5Proxy)))
	}
	if cfg.HTTPProxy != "" {
		parts = append(parts, fmt.Sprintf("HTTP: %s", maskProxyURL(cfg.HTTPProxy)))
	}
	if cfg.HTTPSProxy != "" {
		parts = append(parts, fmt.Sprintf("HTTPS: %s", maskProxyURL(cfg.HTTPSProxy)))
	}
	if cfg.NoProxy != "" {
		parts = append(parts, fmt.Sprintf("NoProxy: %s", cfg.NoProxy))
	}

	return strings.Join(parts, ", ")
}

func maskProxyURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}

	return u.String()
}
