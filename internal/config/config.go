// Package config loads the botwire runner configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/botwire/internal/driver"
	"github.com/danmuck/botwire/internal/hid"
	"github.com/danmuck/botwire/internal/poll"
	"github.com/danmuck/botwire/internal/protocol"
	"github.com/danmuck/botwire/internal/protocol/session"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the runner configuration after defaults and file overrides.
type Config struct {
	ListenIP      string
	AndroidPort   int
	HIDPort       int
	DriverFolder  string
	WindowsDriver string
	WebDriver     string
	CallTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxReplyBytes uint64
	HIDAttempts   int
	HIDRetryDelay time.Duration
	ImplicitWait  time.Duration
	PollInterval  time.Duration
	MetricsAddr   string
	MetricsToken  string
	Web           driver.BrowserOptions
}

func Default() Config {
	sess := session.DefaultConfig()
	hcfg := hid.DefaultConfig()
	return Config{
		ListenIP:      protocol.LoopbackIP,
		AndroidPort:   protocol.DefaultAndroidPort,
		HIDPort:       protocol.DefaultHIDPort,
		DriverFolder:  driver.DefaultFolder,
		WindowsDriver: driver.WindowsDriverName,
		WebDriver:     driver.WebDriverName,
		CallTimeout:   sess.CallTimeout,
		WriteTimeout:  sess.WriteTimeout,
		MaxReplyBytes: sess.Limits.MaxReplyBytes,
		HIDAttempts:   hcfg.Attempts,
		HIDRetryDelay: hcfg.Backoff.InitialDelay,
		ImplicitWait:  0,
		PollInterval:  0,
		MetricsAddr:   "",
		MetricsToken:  "",
		Web:           driver.DefaultBrowserOptions(),
	}
}

type webFileConfig struct {
	BrowserName string `toml:"browser_name"`
	DebugPort   int    `toml:"debug_port"`
	UserDataDir string `toml:"user_data_dir"`
	BrowserPath string `toml:"browser_path"`
	Argument    string `toml:"argument"`
	ExtendParam string `toml:"extend_param"`
}

type fileConfig struct {
	ListenIP      string        `toml:"listen_ip"`
	AndroidPort   int           `toml:"android_port"`
	HIDPort       int           `toml:"hid_port"`
	DriverFolder  string        `toml:"driver_folder"`
	WindowsDriver string        `toml:"windows_driver"`
	WebDriver     string        `toml:"web_driver"`
	CallTimeout   string        `toml:"call_timeout"`
	WriteTimeout  string        `toml:"write_timeout"`
	MaxReplyBytes int64         `toml:"max_reply_bytes"`
	HIDAttempts   int           `toml:"hid_attempts"`
	HIDRetryDelay string        `toml:"hid_retry_delay"`
	ImplicitWait  string        `toml:"implicit_wait"`
	PollInterval  string        `toml:"poll_interval"`
	MetricsAddr   string        `toml:"metrics_addr"`
	MetricsToken  string        `toml:"metrics_token"`
	Web           webFileConfig `toml:"web"`
}

// Load overlays the keys present in the file at path onto Default.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load botwire config: %w", err)
	}
	return overlay(Default(), raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(doc string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse botwire config: %w", err)
	}
	return overlay(Default(), raw, meta)
}

func overlay(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("listen_ip") {
		cfg.ListenIP = strings.TrimSpace(raw.ListenIP)
	}
	if meta.IsDefined("android_port") {
		cfg.AndroidPort = raw.AndroidPort
	}
	if meta.IsDefined("hid_port") {
		cfg.HIDPort = raw.HIDPort
	}
	if meta.IsDefined("driver_folder") {
		cfg.DriverFolder = raw.DriverFolder
	}
	if meta.IsDefined("windows_driver") {
		cfg.WindowsDriver = strings.TrimSpace(raw.WindowsDriver)
	}
	if meta.IsDefined("web_driver") {
		cfg.WebDriver = strings.TrimSpace(raw.WebDriver)
	}
	if meta.IsDefined("max_reply_bytes") {
		if raw.MaxReplyBytes <= 0 {
			return Config{}, fmt.Errorf("%w: max_reply_bytes must be positive", ErrInvalid)
		}
		cfg.MaxReplyBytes = uint64(raw.MaxReplyBytes)
	}
	if meta.IsDefined("hid_attempts") {
		cfg.HIDAttempts = raw.HIDAttempts
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("metrics_token") {
		cfg.MetricsToken = strings.TrimSpace(raw.MetricsToken)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"call_timeout", raw.CallTimeout, &cfg.CallTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"hid_retry_delay", raw.HIDRetryDelay, &cfg.HIDRetryDelay},
		{"implicit_wait", raw.ImplicitWait, &cfg.ImplicitWait},
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("web", "browser_name") {
		cfg.Web.BrowserName = strings.TrimSpace(raw.Web.BrowserName)
	}
	if meta.IsDefined("web", "debug_port") {
		cfg.Web.DebugPort = raw.Web.DebugPort
	}
	if meta.IsDefined("web", "user_data_dir") {
		cfg.Web.UserDataDir = raw.Web.UserDataDir
	}
	if meta.IsDefined("web", "browser_path") {
		cfg.Web.BrowserPath = raw.Web.BrowserPath
	}
	if meta.IsDefined("web", "argument") {
		cfg.Web.Argument = raw.Web.Argument
	}
	if meta.IsDefined("web", "extend_param") {
		cfg.Web.ExtendParam = raw.Web.ExtendParam
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if net.ParseIP(c.ListenIP) == nil {
		return fmt.Errorf("%w: listen_ip %q", ErrInvalid, c.ListenIP)
	}
	for _, p := range []struct {
		key  string
		port int
	}{{"android_port", c.AndroidPort}, {"hid_port", c.HIDPort}} {
		if p.port < 0 || p.port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalid, p.key, p.port)
		}
	}
	if c.CallTimeout < 0 || c.WriteTimeout < 0 || c.ImplicitWait < 0 || c.PollInterval < 0 || c.HIDRetryDelay < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	if c.HIDAttempts < 0 {
		return fmt.Errorf("%w: hid_attempts must not be negative", ErrInvalid)
	}
	return nil
}

// Session returns the call-channel settings.
func (c Config) Session() session.Config {
	cfg := session.DefaultConfig()
	cfg.CallTimeout = c.CallTimeout
	cfg.WriteTimeout = c.WriteTimeout
	if c.MaxReplyBytes > 0 {
		cfg.Limits.MaxReplyBytes = c.MaxReplyBytes
	}
	return cfg.WithDefaults()
}

// HID returns the activation wait settings.
func (c Config) HID() hid.Config {
	return hid.Config{
		Attempts: c.HIDAttempts,
		Backoff:  session.FixedBackoff(c.HIDRetryDelay),
	}.WithDefaults()
}

// Policy returns the implicit wait applied to new agents. A zero interval leaves
// each agent kind's own default.
func (c Config) Policy() poll.Policy {
	return poll.Policy{WaitTimeout: c.ImplicitWait, Interval: c.PollInterval}
}

// SpawnsDrivers reports whether drivers are launched locally for ip.
func SpawnsDrivers(ip string) bool {
	return strings.TrimSpace(ip) == protocol.LoopbackIP
}
