// ABOUTME: Tests for CLI helpers that turn configured bind addresses into dial targets
// ABOUTME: Covers wildcard hosts and config path resolution

package main

import (
	"path/filepath"
	"testing"
)

func TestDialable(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0.0.0.0:9999", "127.0.0.1:9999"},
		{":8080", "127.0.0.1:8080"},
		{"[::]:8080", "127.0.0.1:8080"},
		{"10.1.2.3:6379", "10.1.2.3:6379"},
		{"proxy.internal:3128", "proxy.internal:3128"},
		{"not-an-address", "not-an-address"},
	}
	for _, tt := range tests {
		if got := dialable(tt.in); got != tt.want {
			t.Errorf("dialable(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("BROXY_CONFIG", "/etc/broxy/custom.toml")
	if got := getConfigPath(); got != "/etc/broxy/custom.toml" {
		t.Errorf("getConfigPath() = %q, want BROXY_CONFIG value", got)
	}

	t.Setenv("BROXY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got, want := getConfigPath(), filepath.Join("/tmp/xdg", "broxy", "broxy.yaml"); got != want {
		t.Errorf("getConfigPath() = %q, want %q", got, want)
	}
}
