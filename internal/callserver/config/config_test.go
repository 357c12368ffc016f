package config

import (
	"flag"
	"io"
	"testing"
	"time"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg := load(newFlagSet(), nil)

	if cfg.Port != 5060 {
		t.Errorf("Port = %d, want 5060", cfg.Port)
	}
	if cfg.APIAddr != ":8080" {
		t.Errorf("APIAddr = %q, want :8080", cfg.APIAddr)
	}
	if got := cfg.MediaNodes["media-0"]; got != "localhost:9090" {
		t.Errorf("MediaNodes[media-0] = %q, want localhost:9090", got)
	}
	if cfg.DialTimeout != 60*time.Second {
		t.Errorf("DialTimeout = %v, want 60s", cfg.DialTimeout)
	}
	if cfg.AdvertiseAddr == "" {
		t.Error("AdvertiseAddr not auto-detected")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestEnvOverridesFlags(t *testing.T) {
	t.Setenv("PORT", "5080")
	t.Setenv("APP_HOOK", "http://env.example.com/app")
	t.Setenv("MEDIA_ADDRS", "media-a=10.0.0.1:9090,media-b=10.0.0.2:9090")
	t.Setenv("WEBHOOK_TIMEOUT", "3")
	t.Setenv("DRAIN_TIMEOUT", "90s")
	t.Setenv("ADVERTISE", "127.0.0.1")

	cfg := load(newFlagSet(), []string{"-port", "5070", "-app-hook", "http://flag.example.com/app", "-trunk", "carrier.example.com"})

	if cfg.Port != 5080 {
		t.Errorf("Port = %d, want env value 5080", cfg.Port)
	}
	if cfg.AppHook != "http://env.example.com/app" {
		t.Errorf("AppHook = %q, want env value", cfg.AppHook)
	}
	if cfg.OutboundTrunk != "carrier.example.com" {
		t.Errorf("OutboundTrunk = %q, want flag value", cfg.OutboundTrunk)
	}
	if len(cfg.MediaNodes) != 2 || cfg.MediaNodes["media-b"] != "10.0.0.2:9090" {
		t.Errorf("MediaNodes = %v", cfg.MediaNodes)
	}
	if cfg.WebhookTimeout != 3*time.Second {
		t.Errorf("WebhookTimeout = %v, want 3s", cfg.WebhookTimeout)
	}
	if cfg.DrainTimeout != 90*time.Second {
		t.Errorf("DrainTimeout = %v, want 90s", cfg.DrainTimeout)
	}
	if cfg.AdvertiseAddr != "127.0.0.1" {
		t.Errorf("AdvertiseAddr = %q, want 127.0.0.1", cfg.AdvertiseAddr)
	}
}

func TestNodeAddresses(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"", map[string]string{}},
		{"a:1, b:2", map[string]string{"media-0": "a:1", "media-1": "b:2"}},
		{"x=a:1,y=b:2", map[string]string{"x": "a:1", "y": "b:2"}},
		{"x=,a:1", map[string]string{"media-0": "a:1"}},
	}
	for _, tt := range tests {
		got := nodeAddresses(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("nodeAddresses(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("nodeAddresses(%q)[%s] = %q, want %q", tt.in, k, got[k], v)
			}
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{Port: 5060, MediaNodes: map[string]string{"m": "a:1"}, SIPAuthUser: "u"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted a username without password")
	}
	cfg.SIPAuthPassword = "p"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	cfg.MediaNodes = nil
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted an empty media pool")
	}
}
