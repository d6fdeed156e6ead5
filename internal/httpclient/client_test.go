package httpclient

import (
	"net/http"
	"testing"
)

func TestFactoryDirect(t *testing.T) {
	f := NewFactory(Options{})
	client, err := f.New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if client.Transport == nil {
		t.Fatal("expected a non-nil transport")
	}
}

func TestFactorySOCKS5(t *testing.T) {
	f := NewFactory(Options{SOCKS5Addr: "127.0.0.1:9050"})
	client, err := f.New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if transport.DialContext == nil {
		t.Error("expected a SOCKS5-routed DialContext to be set")
	}
	if transport.Proxy != nil {
		t.Error("expected environment proxy to be disabled when SOCKS5 is configured")
	}
}
