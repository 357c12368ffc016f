// Package config loads the call server configuration from command line flags
// and environment variables. Environment variables win over flags.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the call server configuration
type Config struct {
	// SIP settings
	Port          int
	BindAddr      string
	AdvertiseAddr string
	LogLevel      string

	// HTTP control API
	APIAddr string

	// Media server pool. MediaNodes maps node ID to address, e.g.
	// "media-0" -> "10.0.0.7:9090".
	MediaNodes            map[string]string
	GRPCKeepaliveInterval time.Duration
	GRPCKeepaliveTimeout  time.Duration

	// Application webhooks
	AppHook        string
	StatusHook     string
	MessagingHook  string
	WebhookTimeout time.Duration

	// Status fan-out and persistence. Empty values disable the component.
	NATSURL       string
	NATSStream    string
	DatabaseURL   string
	StatusTTL     time.Duration
	InstanceID    string
	AccountSid    string
	ApplicationID string

	// Outbound calls
	OutboundTrunk   string
	SIPDomain       string
	SIPAuthUser     string
	SIPAuthPassword string
	DialTimeout     time.Duration

	// Drain defaults
	DrainTimeout time.Duration
	DrainTarget  string

	// Grace period before a session moved by REFER is torn down.
	MovedGrace time.Duration
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	return load(flag.CommandLine, os.Args[1:])
}

func load(fs *flag.FlagSet, args []string) *Config {
	cfg := &Config{
		GRPCKeepaliveInterval: 30 * time.Second,
		GRPCKeepaliveTimeout:  10 * time.Second,
	}

	var mediaAddrs string
	fs.IntVar(&cfg.Port, "port", 5060, "SIP listening port")
	fs.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.APIAddr, "api", ":8080", "HTTP control API listen address")
	fs.StringVar(&mediaAddrs, "media", "localhost:9090", "Media server gRPC addresses (comma-separated, optionally id=addr)")
	fs.StringVar(&cfg.AppHook, "app-hook", "", "Webhook returning the application for inbound calls")
	fs.StringVar(&cfg.StatusHook, "status-hook", "", "Webhook receiving call status changes")
	fs.StringVar(&cfg.MessagingHook, "messaging-hook", "", "Webhook that delivers outbound text messages")
	fs.DurationVar(&cfg.WebhookTimeout, "webhook-timeout", 10*time.Second, "Webhook request timeout")
	fs.StringVar(&cfg.NATSURL, "nats", "", "NATS server URL for status events")
	fs.StringVar(&cfg.NATSStream, "nats-stream", "CALLS", "JetStream stream for status events")
	fs.StringVar(&cfg.DatabaseURL, "database", "", "Postgres URL for call status history")
	fs.DurationVar(&cfg.StatusTTL, "status-ttl", time.Hour, "Retention of in-memory call status history")
	fs.StringVar(&cfg.InstanceID, "instance", "", "Instance ID stamped on events (hostname if not set)")
	fs.StringVar(&cfg.AccountSid, "account", "", "Account SID for inbound calls")
	fs.StringVar(&cfg.ApplicationID, "application", "", "Application SID for inbound calls")
	fs.StringVar(&cfg.OutboundTrunk, "trunk", "", "Host phone number targets are sent to")
	fs.StringVar(&cfg.SIPDomain, "domain", "", "SIP domain for user targets")
	fs.StringVar(&cfg.SIPAuthUser, "sip-auth-user", "", "Digest username for outbound calls")
	fs.StringVar(&cfg.SIPAuthPassword, "sip-auth-password", "", "Digest password for outbound calls")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", 60*time.Second, "Ring timeout for outbound calls")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", 0, "Default drain timeout (mode default if zero)")
	fs.StringVar(&cfg.DrainTarget, "drain-target", "", "Default REFER target for aggressive drains")
	fs.DurationVar(&cfg.MovedGrace, "moved-grace", 2*time.Second, "Delay before a transferred session is torn down")
	fs.Parse(args)

	cfg.MediaNodes = nodeAddresses(mediaAddrs)

	cfg.Port = intFromEnv("PORT", cfg.Port)
	cfg.BindAddr = envOrDefault("BIND", cfg.BindAddr)
	cfg.AdvertiseAddr = envOrDefault("ADVERTISE", cfg.AdvertiseAddr)
	// Validate and fallback to auto-detection if invalid
	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	cfg.LogLevel = envOrDefault("LOGLEVEL", cfg.LogLevel)
	cfg.APIAddr = envOrDefault("API_ADDR", cfg.APIAddr)
	if addrs := os.Getenv("MEDIA_ADDRS"); addrs != "" {
		cfg.MediaNodes = nodeAddresses(addrs)
	}
	cfg.GRPCKeepaliveInterval = durationFromEnv("GRPC_KEEPALIVE_INTERVAL", cfg.GRPCKeepaliveInterval)
	cfg.GRPCKeepaliveTimeout = durationFromEnv("GRPC_KEEPALIVE_TIMEOUT", cfg.GRPCKeepaliveTimeout)
	cfg.AppHook = envOrDefault("APP_HOOK", cfg.AppHook)
	cfg.StatusHook = envOrDefault("STATUS_HOOK", cfg.StatusHook)
	cfg.MessagingHook = envOrDefault("MESSAGING_HOOK", cfg.MessagingHook)
	cfg.WebhookTimeout = durationFromEnv("WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
	cfg.NATSURL = envOrDefault("NATS_URL", cfg.NATSURL)
	cfg.NATSStream = envOrDefault("NATS_STREAM", cfg.NATSStream)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.StatusTTL = durationFromEnv("STATUS_TTL", cfg.StatusTTL)
	cfg.InstanceID = envOrDefault("INSTANCE_ID", cfg.InstanceID)
	if cfg.InstanceID == "" {
		cfg.InstanceID, _ = os.Hostname()
	}
	cfg.AccountSid = envOrDefault("ACCOUNT_SID", cfg.AccountSid)
	cfg.ApplicationID = envOrDefault("APPLICATION_SID", cfg.ApplicationID)
	cfg.OutboundTrunk = envOrDefault("OUTBOUND_TRUNK", cfg.OutboundTrunk)
	cfg.SIPDomain = envOrDefault("SIP_DOMAIN", cfg.SIPDomain)
	cfg.SIPAuthUser = envOrDefault("SIP_AUTH_USER", cfg.SIPAuthUser)
	cfg.SIPAuthPassword = envOrDefault("SIP_AUTH_PASSWORD", cfg.SIPAuthPassword)
	cfg.DialTimeout = durationFromEnv("DIAL_TIMEOUT", cfg.DialTimeout)
	cfg.DrainTimeout = durationFromEnv("DRAIN_TIMEOUT", cfg.DrainTimeout)
	cfg.DrainTarget = envOrDefault("DRAIN_TARGET", cfg.DrainTarget)
	cfg.MovedGrace = durationFromEnv("MOVED_GRACE", cfg.MovedGrace)

	return cfg
}

// Validate reports configuration that would leave the server unable to
// handle calls.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid SIP port %d", c.Port)
	}
	if len(c.MediaNodes) == 0 {
		return fmt.Errorf("no media server addresses configured")
	}
	if c.SIPAuthUser != "" && c.SIPAuthPassword == "" {
		return fmt.Errorf("SIP_AUTH_USER set without SIP_AUTH_PASSWORD")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intFromEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// durationFromEnv accepts Go durations ("90s") or plain seconds ("90").
func durationFromEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// nodeAddresses parses "id=addr" pairs or plain addresses, which get
// generated IDs media-0, media-1, ...
func nodeAddresses(s string) map[string]string {
	nodes := make(map[string]string)
	i := 0
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, addr, ok := strings.Cut(p, "=")
		if !ok {
			id, addr = fmt.Sprintf("media-%d", i), p
		}
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if id != "" && addr != "" {
			nodes[id] = addr
			i++
		}
	}
	return nodes
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
