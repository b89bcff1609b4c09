package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	yaml "github.com/goccy/go-yaml"
)

const (
	// DNSPort is the destination port of the regional resolver.
	DNSPort = "53"

	DefaultAppName     = "splitdns"
	DefaultListenUDP   = ":5300"
	DefaultRegional    = "223.5.5.5"
	DefaultSecureURL   = "https://1.1.1.1/dns-query"
	DefaultAdminListen = "127.0.0.1:47823"
)

var (
	errConfigPathEmpty           = errors.New("config path is empty")
	errDomainFileMustBeSet       = errors.New("domain_file must be set")
	errListenUDPMustBeSet        = errors.New("listen.udp must be set")
	errRegionalAddressEmpty      = errors.New("regional.address cannot be empty")
	errSecureURLEmpty            = errors.New("secure.url cannot be empty")
	errSecureURLScheme           = errors.New("secure.url must use http or https")
	errAddressMustBeHostPort     = errors.New("address must be host:port or :port")
	errHistoryMustBeNonNegative  = errors.New("history.max_entries must be non-negative")
	errHTTPListenMustBeSet       = errors.New("http.listen must be set when http is enabled")
	errRegionalAddressInvalidIP  = errors.New("regional.address host is not an IP address")
	errHTTPTimeoutsNonNegative   = errors.New("http timeouts must be non-negative")
	errLogFormatMustBeJSONOrText = errors.New("log.format must be json or console")
)

const (
	defaultHTTPReadTimeout  = 30 * time.Second
	defaultHTTPWriteTimeout = 30 * time.Second
	defaultHTTPIdleTimeout  = 120 * time.Second
	defaultHistoryEntries   = 500
	defaultFilePerm         = 0o600
)

// ListenConfig defines the DNS listening socket.
type ListenConfig struct {
	UDP string `json:"udp" yaml:"udp"`
}

// RegionalConfig defines the plain-UDP resolver used for listed domains.
type RegionalConfig struct {
	// Address is an IP, optionally with a port; port 53 is used when omitted.
	Address string `json:"address" yaml:"address"`
}

// SecureConfig defines the DNS-over-HTTPS resolver used for everything else.
type SecureConfig struct {
	URL string `json:"url" yaml:"url"`
}

// HistoryConfig defines query history settings.
type HistoryConfig struct {
	MaxEntries int `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level  string `json:"level,omitempty"  yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// HTTPConfig defines HTTP admin server settings.
type HTTPConfig struct {
	Enabled      bool          `json:"enabled"                 yaml:"enabled,omitempty"`
	Listen       string        `json:"listen,omitempty"        yaml:"listen,omitempty"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty"  yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	IdleTimeout  time.Duration `json:"idle_timeout,omitempty"  yaml:"idle_timeout,omitempty"`
}

// Config is the main application configuration.
type Config struct {
	AppName    string         `json:"app_name,omitempty" yaml:"app_name,omitempty"`
	DomainFile string         `json:"domain_file"        yaml:"domain_file"`
	Listen     ListenConfig   `json:"listen"             yaml:"listen"`
	Regional   RegionalConfig `json:"regional"           yaml:"regional"`
	Secure     SecureConfig   `json:"secure"             yaml:"secure"`
	History    HistoryConfig  `json:"history,omitzero"   yaml:"history,omitempty"`
	Log        LogConfig      `json:"log,omitzero"       yaml:"log,omitempty"`
	HTTP       HTTPConfig     `json:"http,omitzero"      yaml:"http,omitempty"`
	Path       string         `json:"-"                  yaml:"-"`
}

// global mutex to serialize YAML writes.
var saveMu sync.Mutex //nolint:gochecknoglobals // global mutex for config writes

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()

	return cfg
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.AppName == "" {
		c.AppName = DefaultAppName
	}

	if c.Listen.UDP == "" {
		c.Listen.UDP = DefaultListenUDP
	}

	if c.Regional.Address == "" {
		c.Regional.Address = DefaultRegional
	}

	if c.Secure.URL == "" {
		c.Secure.URL = DefaultSecureURL
	}

	if c.History.MaxEntries == 0 {
		c.History.MaxEntries = defaultHistoryEntries
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = DefaultAdminListen
	}

	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = defaultHTTPReadTimeout
	}

	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = defaultHTTPWriteTimeout
	}

	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = defaultHTTPIdleTimeout
	}
}

// Load reads a YAML configuration file and applies defaults.
// Validation is left to the caller so command-line overrides can be applied first.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path) //nolint:gosec // config file path is operator-supplied
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.Path = path
	cfg.ApplyDefaults()

	return &cfg, nil
}

// Save writes the configuration back to the original file path.
func (c *Config) Save() error {
	saveMu.Lock()
	defer saveMu.Unlock()

	if c.Path == "" {
		return errConfigPathEmpty
	}

	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(c.Path, out, defaultFilePerm); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", c.Path, err)
	}

	return nil
}

// RegionalAddr returns the regional resolver as host:port, defaulting to port 53.
func (c *Config) RegionalAddr() string {
	addr := strings.TrimSpace(c.Regional.Address)
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(strings.Trim(addr, "[]"), DNSPort)
}

// SetListenPort replaces the port of listen.udp, keeping its host.
func (c *Config) SetListenPort(port string) {
	host := ""
	if h, _, err := net.SplitHostPort(c.Listen.UDP); err == nil {
		host = h
	}

	c.Listen.UDP = net.JoinHostPort(host, port)
}

func (c *Config) Validate() error { //nolint:cyclop
	if strings.TrimSpace(c.DomainFile) == "" {
		return errDomainFileMustBeSet
	}

	if c.Listen.UDP == "" {
		return errListenUDPMustBeSet
	}

	if err := validateAddr(c.Listen.UDP); err != nil {
		return fmt.Errorf("invalid listen.udp: %w", err)
	}

	if strings.TrimSpace(c.Regional.Address) == "" {
		return errRegionalAddressEmpty
	}

	host, _, err := net.SplitHostPort(c.RegionalAddr())
	if err != nil {
		return fmt.Errorf("invalid regional.address: %w", err)
	}

	if net.ParseIP(host) == nil {
		return fmt.Errorf("%w: %s", errRegionalAddressInvalidIP, host)
	}

	if c.Secure.URL == "" {
		return errSecureURLEmpty
	}

	u, err := url.Parse(c.Secure.URL)
	if err != nil {
		return fmt.Errorf("invalid secure.url: %w", err)
	}

	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: %s", errSecureURLScheme, c.Secure.URL)
	}

	if c.History.MaxEntries < 0 {
		return errHistoryMustBeNonNegative
	}

	if f := strings.ToLower(c.Log.Format); f != "" && f != "json" && f != "console" {
		return fmt.Errorf("%w: %s", errLogFormatMustBeJSONOrText, c.Log.Format)
	}

	if c.HTTP.Enabled {
		if c.HTTP.Listen == "" {
			return errHTTPListenMustBeSet
		}

		if err := validateAddr(c.HTTP.Listen); err != nil {
			return fmt.Errorf("invalid http.listen: %w", err)
		}

		if c.HTTP.ReadTimeout < 0 || c.HTTP.WriteTimeout < 0 || c.HTTP.IdleTimeout < 0 {
			return errHTTPTimeoutsNonNegative
		}
	}

	return nil
}

func validateAddr(addr string) error {
	if !strings.HasPrefix(addr, ":") && !strings.Contains(addr, ":") {
		return errAddressMustBeHostPort
	}

	_, _, err := net.SplitHostPort(addr)

	return err
}
