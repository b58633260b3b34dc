package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds all runtime configuration for the IVR server.
// Precedence: CLI flags > env vars > config file > defaults.
type Config struct {
	ConfigFile  string
	DataDir     string
	DatabaseDSN string // empty selects SQLite in DataDir; postgres:// selects PostgreSQL
	HTTPPort    int
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	LogFile     string // optional rotating log file, written alongside stdout

	CallRetention time.Duration // age after which call records are pruned; 0 keeps them

	SIPBind           string
	SIPPort           int
	SIPTransport      string
	SIPServer         string // host[:port] of the PBX or carrier lines call through
	SIPUsername       string
	SIPPassword       string
	SIPRegisterExpiry int // seconds; 0 disables registration
	SIPTrace          string
	SIPAllowedSources string // comma-separated IPs/CIDRs allowed to call in; empty allows all
	ExternalIP        string // public IP advertised in SDP
	RTPPortMin        int
	RTPPortMax        int

	Lines               int
	DigitsTimeout       time.Duration
	RingInterval        time.Duration
	DialTimeout         time.Duration // how long an outbound call may ring
	DialRate            float64 // outbound calls per second across all lines
	PromptAttempts      int
	PromptBlankAttempts int

	AMDSilenceThreshold float64
	AMDEndSilence       time.Duration
	AMDStartTimeout     time.Duration
	AMDMaxSpeech        time.Duration

	JWTSecret    string // hex-encoded 32-byte secret for API token signing
	APIRateLimit float64
	IssueToken   string // when set, print an API token for this subject and exit
	TokenTTL     time.Duration
}

// defaults
const (
	defaultDataDir             = "./data"
	defaultHTTPPort            = 8080
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultSIPBind             = "0.0.0.0"
	defaultSIPPort             = 5080
	defaultSIPTransport        = "udp"
	defaultSIPServerPort       = 5060
	defaultSIPRegisterExpiry   = 300
	defaultSIPTrace            = "off"
	defaultRTPPortMin          = 10000
	defaultRTPPortMax          = 20000
	defaultLines               = 1
	defaultDigitsTimeout       = 5 * time.Second
	defaultRingInterval        = 6 * time.Second
	defaultDialTimeout         = 60 * time.Second
	defaultDialRate            = 1.0
	defaultPromptAttempts      = 99
	defaultPromptBlankAttempts = 5
	defaultAMDSilenceThreshold = 0.1
	defaultAMDEndSilence       = 1500 * time.Millisecond
	defaultAMDStartTimeout     = 3 * time.Second
	defaultAMDMaxSpeech        = 10 * time.Second
	defaultAPIRateLimit        = 10.0
	defaultTokenTTL            = 30 * 24 * time.Hour
)

// envPrefix is the prefix for all IVR environment variables.
const envPrefix = "IVRKIT_"

// fileKeys maps flag names to their section and key in the config file.
var fileKeys = map[string][2]string{
	"data-dir":              {"general", "data_dir"},
	"database-dsn":          {"general", "database_dsn"},
	"log-level":             {"general", "log_level"},
	"log-format":            {"general", "log_format"},
	"log-file":              {"general", "log_file"},
	"call-retention":        {"general", "call_retention"},
	"sip-bind":              {"sip", "bind"},
	"sip-port":              {"sip", "port"},
	"sip-transport":         {"sip", "transport"},
	"sip-server":            {"sip", "server"},
	"sip-username":          {"sip", "username"},
	"sip-password":          {"sip", "password"},
	"sip-register-expiry":   {"sip", "register_expiry"},
	"sip-trace":             {"sip", "trace"},
	"sip-allowed-sources":   {"sip", "allowed_sources"},
	"external-ip":           {"sip", "external_ip"},
	"rtp-port-min":          {"sip", "rtp_port_min"},
	"rtp-port-max":          {"sip", "rtp_port_max"},
	"lines":                 {"voice", "lines"},
	"digits-timeout":        {"voice", "digits_timeout"},
	"ring-interval":         {"voice", "ring_interval"},
	"dial-timeout":          {"voice", "dial_timeout"},
	"dial-rate":             {"voice", "dial_rate"},
	"prompt-attempts":       {"voice", "prompt_attempts"},
	"prompt-blank-attempts": {"voice", "prompt_blank_attempts"},
	"amd-silence-threshold": {"amd", "silence_threshold"},
	"amd-end-silence":       {"amd", "end_speech_silence"},
	"amd-start-timeout":     {"amd", "start_timeout"},
	"amd-max-speech":        {"amd", "max_speech"},
	"http-port":             {"api", "http_port"},
	"jwt-secret":            {"api", "jwt_secret"},
	"api-rate-limit":        {"api", "rate_limit"},
}

// Load parses configuration from the process arguments, environment and
// the optional config file.
func Load() (*Config, error) {
	return Parse(os.Args[1:])
}

// Parse is Load with explicit arguments.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("ivrkit", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to an ini config file")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call record database")
	fs.StringVar(&cfg.DatabaseDSN, "database-dsn", "", "call record database DSN (empty for SQLite in data-dir, postgres:// for PostgreSQL)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP control API listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "also write logs to this file, rotated by size")

	fs.StringVar(&cfg.SIPBind, "sip-bind", defaultSIPBind, "local address the SIP stack listens on")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "local SIP listen port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.SIPServer, "sip-server", "", "SIP server calls are placed through, host[:port]")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP username for registration and digest auth")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP password for registration and digest auth")
	fs.IntVar(&cfg.SIPRegisterExpiry, "sip-register-expiry", defaultSIPRegisterExpiry, "registration expiry in seconds (0 disables registration)")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "SIP message tracing (off, headers, full)")
	fs.StringVar(&cfg.SIPAllowedSources, "sip-allowed-sources", "", "comma-separated IPs or CIDRs allowed to place inbound calls (empty allows all)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address advertised in SDP (auto-detected if empty)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")

	fs.IntVar(&cfg.Lines, "lines", defaultLines, "number of telephony lines")
	fs.DurationVar(&cfg.DigitsTimeout, "digits-timeout", defaultDigitsTimeout, "default inter-digit timeout")
	fs.DurationVar(&cfg.RingInterval, "ring-interval", defaultRingInterval, "time one ring is counted as when answering")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", defaultDialTimeout, "how long an outbound call may ring before it is cancelled")
	fs.Float64Var(&cfg.DialRate, "dial-rate", defaultDialRate, "maximum outbound calls per second")
	fs.IntVar(&cfg.PromptAttempts, "prompt-attempts", defaultPromptAttempts, "default prompt attempts")
	fs.IntVar(&cfg.PromptBlankAttempts, "prompt-blank-attempts", defaultPromptBlankAttempts, "default consecutive blank prompt attempts")

	fs.Float64Var(&cfg.AMDSilenceThreshold, "amd-silence-threshold", defaultAMDSilenceThreshold, "normalized amplitude above which audio counts as speech")
	fs.DurationVar(&cfg.AMDEndSilence, "amd-end-silence", defaultAMDEndSilence, "silence that ends a greeting")
	fs.DurationVar(&cfg.AMDStartTimeout, "amd-start-timeout", defaultAMDStartTimeout, "silence before giving up on a greeting")
	fs.DurationVar(&cfg.AMDMaxSpeech, "amd-max-speech", defaultAMDMaxSpeech, "longest greeting measured")

	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API token signing (auto-generated if empty)")
	fs.Float64Var(&cfg.APIRateLimit, "api-rate-limit", defaultAPIRateLimit, "API requests per second per client IP")
	fs.DurationVar(&cfg.CallRetention, "call-retention", 0, "prune call records older than this (0 keeps them)")
	fs.StringVar(&cfg.IssueToken, "issue-token", "", "print an API token for this subject and exit")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", defaultTokenTTL, "lifetime of tokens printed by --issue-token")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if err := applyEnvOverrides(fs, set); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		if err := applyFileOverrides(fs, set, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName returns the environment variable for a flag, e.g. sip-port is
// IVRKIT_SIP_PORT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, marking it as set.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]bool) error {
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envName(f.Name), err))
			return
		}
		set[f.Name] = true
	})
	return errors.Join(errs...)
}

// applyFileOverrides sets every flag still at its default from the config
// file.
func applyFileOverrides(fs *flag.FlagSet, set map[string]bool, path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}

	for name, loc := range fileKeys {
		if set[name] {
			continue
		}
		sec, err := file.GetSection(loc[0])
		if err != nil || !sec.HasKey(loc[1]) {
			continue
		}
		val := strings.TrimSpace(sec.Key(loc[1]).String())
		if val == "" {
			continue
		}
		if err := fs.Set(name, val); err != nil {
			return fmt.Errorf("config file [%s] %s: %w", loc[0], loc[1], err)
		}
		set[name] = true
	}
	return nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	c.SIPTransport = strings.ToLower(c.SIPTransport)
	if c.SIPTransport != "udp" && c.SIPTransport != "tcp" {
		return fmt.Errorf("sip-transport must be one of udp, tcp; got %q", c.SIPTransport)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)
	switch c.SIPTrace {
	case "off", "headers", "full":
	default:
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	if c.SIPRegisterExpiry < 0 {
		return fmt.Errorf("sip-register-expiry must not be negative, got %d", c.SIPRegisterExpiry)
	}
	if _, _, err := c.SIPServerAddr(); err != nil {
		return err
	}

	if c.Lines < 1 || c.Lines > 256 {
		return fmt.Errorf("lines must be between 1 and 256, got %d", c.Lines)
	}
	if c.RTPPortMax-c.RTPPortMin < 2*c.Lines {
		return fmt.Errorf("rtp port range %d-%d is too small for %d lines", c.RTPPortMin, c.RTPPortMax, c.Lines)
	}
	if c.DigitsTimeout <= 0 {
		return fmt.Errorf("digits-timeout must be positive, got %s", c.DigitsTimeout)
	}
	if c.RingInterval <= 0 {
		return fmt.Errorf("ring-interval must be positive, got %s", c.RingInterval)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial-timeout must be positive, got %s", c.DialTimeout)
	}
	if c.DialRate <= 0 {
		return fmt.Errorf("dial-rate must be positive, got %g", c.DialRate)
	}
	if c.PromptAttempts < 1 || c.PromptBlankAttempts < 1 {
		return fmt.Errorf("prompt-attempts and prompt-blank-attempts must be at least 1")
	}

	if c.AMDSilenceThreshold <= 0 || c.AMDSilenceThreshold >= 1 {
		return fmt.Errorf("amd-silence-threshold must be between 0 and 1, got %g", c.AMDSilenceThreshold)
	}
	if c.AMDEndSilence <= 0 || c.AMDStartTimeout <= 0 || c.AMDMaxSpeech <= 0 {
		return fmt.Errorf("amd durations must be positive")
	}
	if c.APIRateLimit <= 0 {
		return fmt.Errorf("api-rate-limit must be positive, got %g", c.APIRateLimit)
	}
	if c.CallRetention < 0 {
		return fmt.Errorf("call-retention must not be negative, got %s", c.CallRetention)
	}
	if c.IssueToken != "" {
		if c.JWTSecret == "" {
			return fmt.Errorf("issue-token requires jwt-secret")
		}
		if c.TokenTTL <= 0 {
			return fmt.Errorf("token-ttl must be positive, got %s", c.TokenTTL)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SIPServerAddr splits the configured SIP server into host and port. A
// leading "sip:" is ignored and the port defaults to 5060. An empty server
// returns an empty host.
func (c *Config) SIPServerAddr() (string, int, error) {
	server := strings.TrimSpace(c.SIPServer)
	server = strings.TrimPrefix(server, "sip:")
	if server == "" {
		return "", 0, nil
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		// No port given.
		return server, defaultSIPServerPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("sip-server port must be between 1 and 65535, got %q", portStr)
	}
	return host, port, nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SIPHost returns the host to use in the SIP User-Agent and Contact
// headers.
func (c *Config) SIPHost() string {
	return c.MediaIP()
}

// MediaIP returns the IP address to advertise in SDP.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
