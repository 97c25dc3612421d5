// Package config resolves the process configuration from CLI flags and
// an optional TOML file, with CLI flags taking precedence over the file.
//
// CLI parsing is built on spf13/cobra + spf13/pflag (grounded on their
// direct use across Brightgate-product's cl-* tools and rclone's cmd
// package); the config file is decoded with BurntSushi/toml, rejecting
// unknown keys via toml.MetaData.Undecoded() the way spec.md §6 requires.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/fenio/dlna-proxy/internal/apperr"
)

const (
	defaultIntervalSeconds       = 895
	defaultWaitSeconds           = 30
	defaultConnectTimeoutSeconds = 2
	defaultProxyTimeoutSeconds   = 10
	defaultStreamTimeoutSeconds  = 300
	defaultMulticastTTL          = 4
)

// Config is the fully resolved, validated process configuration.
type Config struct {
	DescriptionURL string
	Interval       time.Duration

	ProxyAddr      string // "" disables the proxy
	ProxyHost      string
	ProxyPort      int

	Iface string

	Wait        bool
	WaitSeconds int

	ConnectTimeout time.Duration
	ProxyTimeout   time.Duration
	StreamTimeout  time.Duration

	MulticastTTL int

	Verbosity int
}

// fileConfig mirrors the TOML file's schema. Field names use the TOML
// tags from spec.md §6 verbatim.
type fileConfig struct {
	DescriptionURL *string `toml:"description_url"`
	Period         *int    `toml:"period"`
	Proxy          *string `toml:"proxy"`
	Iface          *string `toml:"iface"`
	Wait           *int    `toml:"wait"`
	ConnectTimeout *int    `toml:"connect_timeout"`
	ProxyTimeout   *int    `toml:"proxy_timeout"`
	StreamTimeout  *int    `toml:"stream_timeout"`
	Verbose        *int    `toml:"verbose"`
}

// cliFlags holds the raw flag values before merge with the file config.
type cliFlags struct {
	configPath     string
	descriptionURL string
	interval       int
	proxy          string
	iface          string
	waitSeconds    int
	connectTimeout int
	proxyTimeout   int
	streamTimeout  int
	verbosity      int
}

// Load parses args (excluding argv[0]) and returns the merged, validated
// configuration. It never calls os.Exit; the caller decides how to
// surface a *apperr.ConfigError. If --version/-V was given, Load returns
// apperr.ErrVersionRequested and the caller is expected to print its own
// version string (Load has no version string of its own to print).
func Load(args []string) (*Config, error) {
	var flags cliFlags

	root := &cobra.Command{
		Use:           "dlna-proxy",
		Short:         "Make a remote DLNA server appear local over SSDP",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return nil
		},
	}
	var showVersion bool

	fs := root.Flags()
	fs.BoolVarP(&showVersion, "version", "V", false, "print the version and exit")
	fs.StringVarP(&flags.configPath, "config", "c", "", "path to a TOML config file")
	fs.StringVarP(&flags.descriptionURL, "description-url", "u", "", "URL of the remote device description XML")
	fs.IntVarP(&flags.interval, "interval", "d", 0, "announce interval in seconds (default 895)")
	fs.StringVarP(&flags.proxy, "proxy", "p", "", "local bind address for the HTTP proxy, ip:port")
	fs.StringVarP(&flags.iface, "iface", "i", "", "network interface to bind SSDP sockets to")
	fs.IntVarP(&flags.waitSeconds, "wait", "w", -1, "keep retrying if the remote is unreachable at startup; optional value is the retry interval in seconds (default 30)")
	fs.Lookup("wait").NoOptDefVal = strconv.Itoa(defaultWaitSeconds)
	fs.IntVar(&flags.connectTimeout, "connect-timeout", 0, "descriptor fetch connect timeout in seconds (default 2)")
	fs.IntVar(&flags.proxyTimeout, "proxy-timeout", 0, "proxy dial timeout in seconds (default 10)")
	fs.IntVar(&flags.streamTimeout, "stream-timeout", 0, "proxy read/write deadline in seconds (default 300)")
	fs.CountVarP(&flags.verbosity, "verbose", "v", "increase log verbosity, repeatable")

	root.SetArgs(args)
	root.SetOut(os.Stderr)
	root.SetErr(os.Stderr)

	if err := root.Execute(); err != nil {
		return nil, &apperr.ConfigError{Detail: "parsing command line", Cause: err}
	}
	if showVersion {
		return nil, apperr.ErrVersionRequested
	}

	waitGiven := fs.Changed("wait")

	var fc fileConfig
	if flags.configPath != "" {
		meta, err := toml.DecodeFile(flags.configPath, &fc)
		if err != nil {
			return nil, &apperr.ConfigError{Detail: fmt.Sprintf("reading config file %q", flags.configPath), Cause: err}
		}
		if undec := meta.Undecoded(); len(undec) > 0 {
			return nil, &apperr.ConfigError{Detail: fmt.Sprintf("unknown config key %q in %s", undec[0].String(), flags.configPath)}
		}
	}

	cfg := merge(flags, fc, waitGiven)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intOr(cliVal int, fileVal *int, def int) int {
	if cliVal != 0 {
		return cliVal
	}
	if fileVal != nil {
		return *fileVal
	}
	return def
}

func strOr(cliVal string, fileVal *string) string {
	if cliVal != "" {
		return cliVal
	}
	if fileVal != nil {
		return *fileVal
	}
	return ""
}

func merge(flags cliFlags, fc fileConfig, waitGiven bool) *Config {
	cfg := &Config{
		DescriptionURL: strOr(flags.descriptionURL, fc.DescriptionURL),
		Interval:       time.Duration(intOr(flags.interval, fc.Period, defaultIntervalSeconds)) * time.Second,
		ProxyAddr:      strOr(flags.proxy, fc.Proxy),
		Iface:          strOr(flags.iface, fc.Iface),
		ConnectTimeout: time.Duration(intOr(flags.connectTimeout, fc.ConnectTimeout, defaultConnectTimeoutSeconds)) * time.Second,
		ProxyTimeout:   time.Duration(intOr(flags.proxyTimeout, fc.ProxyTimeout, defaultProxyTimeoutSeconds)) * time.Second,
		StreamTimeout:  time.Duration(intOr(flags.streamTimeout, fc.StreamTimeout, defaultStreamTimeoutSeconds)) * time.Second,
		MulticastTTL:   defaultMulticastTTL,
		Verbosity:      intOr(flags.verbosity, fc.Verbose, 0),
	}

	switch {
	case waitGiven:
		cfg.Wait = true
		cfg.WaitSeconds = flags.waitSeconds
	case fc.Wait != nil:
		cfg.Wait = true
		cfg.WaitSeconds = *fc.Wait
	default:
		cfg.Wait = false
		cfg.WaitSeconds = defaultWaitSeconds
	}

	return cfg
}

func validate(cfg *Config) error {
	if cfg.DescriptionURL == "" {
		return &apperr.ConfigError{Detail: "description-url is required (flag -u/--description-url or config key description_url)"}
	}
	if cfg.ProxyAddr != "" {
		host, portStr, err := net.SplitHostPort(cfg.ProxyAddr)
		if err != nil {
			return &apperr.ConfigError{Detail: fmt.Sprintf("invalid proxy address %q", cfg.ProxyAddr), Cause: err}
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return &apperr.ConfigError{Detail: fmt.Sprintf("invalid proxy port in %q", cfg.ProxyAddr)}
		}
		cfg.ProxyHost = host
		cfg.ProxyPort = port
	}
	if cfg.Interval <= 0 {
		return &apperr.ConfigError{Detail: "interval must be positive"}
	}
	return nil
}
