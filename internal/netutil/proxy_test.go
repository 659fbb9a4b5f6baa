package netutil

import (
	"net/http"
	"testing"
)

func TestProxyFuncExplicitProxy(t *testing.T) {
	fn := ProxyFunc("http://proxy.example.com:8080")
	req, _ := http.NewRequest(http.MethodGet, "https://developer.apple.com", nil)
	u, err := fn(req)
	if err != nil {
		t.Fatalf("proxy func returned error = %v", err)
	}
	if u == nil || u.String() != "http://proxy.example.com:8080" {
		t.Errorf("proxy URL = %v, want http://proxy.example.com:8080", u)
	}
}

func TestProxyFuncFallsBackOnBadURL(t *testing.T) {
	fn := ProxyFunc("://not a url")
	if fn == nil {
		t.Fatal("ProxyFunc() returned nil for a malformed proxy string")
	}
}

func TestProxyFuncEmptyUsesEnvironment(t *testing.T) {
	t.Setenv("HTTP_PROXY", "")
	t.Setenv("HTTPS_PROXY", "")
	t.Setenv("NO_PROXY", "")
	fn := ProxyFunc("")
	req, _ := http.NewRequest(http.MethodGet, "https://developer.apple.com", nil)
	u, err := fn(req)
	if err != nil {
		t.Fatalf("proxy func returned error = %v", err)
	}
	if u != nil {
		t.Errorf("proxy URL = %v, want nil with no proxy configured", u)
	}
}
