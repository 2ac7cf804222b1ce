package upstream

import (
	"net/http"
	"testing"
	"time"

	"github.com/truvista/truvista-cache/internal/config"
)

func TestNewClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Cache: config.CacheConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
}

func TestNewClientDefaultsTimeout(t *testing.T) {
	client := NewClient(nil)
	if client.Timeout != DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("unexpected transport %T", client.Transport)
	}
	if transport.Proxy != nil {
		t.Fatalf("worker client must not route through environment proxies")
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestCopyNoCORSHeadersDropsCredentials(t *testing.T) {
	src := http.Header{}
	src.Set("Cookie", "session=abc")
	src.Set("Authorization", "Bearer token")
	src.Set("Accept", "image/avif,image/webp")
	src.Set("User-Agent", "truvista-test")

	dst := http.Header{}
	CopyNoCORSHeaders(dst, src)

	if dst.Get("Cookie") != "" || dst.Get("Authorization") != "" {
		t.Fatalf("credentials must not leak in no-cors mode: %v", dst)
	}
	if dst.Get("Accept") == "" || dst.Get("User-Agent") == "" {
		t.Fatalf("safe headers should be kept: %v", dst)
	}
}
