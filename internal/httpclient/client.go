// Package httpclient builds the *http.Client instances the Range
// Prober and Chunk Workers share, optionally routed through the
// bundled SOCKS5 anonymizer.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

const GenericUserAgent = "Tachyon/1.0 (+https://github.com/tachyon)"

// Options configures the transport Factory builds.
type Options struct {
	// SOCKS5Addr, if non-empty, routes every request through the
	// anonymizer's local SOCKS5 listener instead of dialing directly.
	SOCKS5Addr string
	Timeout    time.Duration
}

// Factory produces configured *http.Client instances.
type Factory struct {
	opts Options
}

func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts}
}

// New builds a client. Redirects are followed (up to the default 10),
// but callers that need a conditional range request should disable
// compression at the transport, not per-request, to keep Content-Range
// arithmetic honest.
func (f *Factory) New() (*http.Client, error) {
	transport, err := f.transport()
	if err != nil {
		return nil, err
	}

	timeout := f.opts.Timeout
	if timeout == 0 {
		timeout = 0 // no overall timeout; callers drive cancellation via context
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

func (f *Factory) transport() (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	if f.opts.SOCKS5Addr == "" {
		transport.DialContext = dialer.DialContext
		return transport, nil
	}

	socksDialer, err := proxy.SOCKS5("tcp", f.opts.SOCKS5Addr, nil, dialer)
	if err != nil {
		return nil, fmt.Errorf("build SOCKS5 dialer: %w", err)
	}
	contextDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support context cancellation")
	}
	transport.Proxy = nil
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return contextDialer.DialContext(ctx, network, addr)
	}
	return transport, nil
}
