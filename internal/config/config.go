// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/ztun/internal/core"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `ztun:` root key in YAML.
type GlobalConfig struct {
	Tunnel    TunnelConfig    `mapstructure:"tunnel"`
	Interface InterfaceConfig `mapstructure:"interface"`
	Edge      EdgeConfig      `mapstructure:"edge"`
	TCP       TCPConfig       `mapstructure:"tcp"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Control   ControlConfig   `mapstructure:"control"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// ─── Tunnel ───

// TunnelConfig describes the virtual interface the engine serves.
type TunnelConfig struct {
	Address      string   `mapstructure:"address"`     // IPv4 address of the interface
	SubnetMask   string   `mapstructure:"subnet_mask"` // dotted quad
	MTU          int      `mapstructure:"mtu"`
	DNS          []string `mapstructure:"dns"` // first entry is the engine's own resolver
	MatchDomains []string `mapstructure:"match_domains"`

	// Parsed by ValidateAndApplyDefaults.
	IP         netip.Addr   `mapstructure:"-"`
	Mask       netip.Addr   `mapstructure:"-"`
	DNSServers []netip.Addr `mapstructure:"-"`
}

// ─── Interface ───

// Interface types.
const (
	InterfaceSocket = "socket"
	InterfacePcap   = "pcap"
)

// InterfaceConfig selects where frames are read from and written to.
type InterfaceConfig struct {
	Type   string `mapstructure:"type"`   // socket | pcap
	Socket string `mapstructure:"socket"` // unix seqpacket socket the helper connects to
	Input  string `mapstructure:"input"`  // pcap: capture to replay
	Output string `mapstructure:"output"` // pcap: capture to record replies into
}

// ─── Edge ───

// EdgeConfig configures the edge transport.
type EdgeConfig struct {
	Proxy          string        `mapstructure:"proxy"` // empty = direct, or socks5://host:port
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ─── TCP ───

// TCPConfig tunes the TCP session engine.
type TCPConfig struct {
	RetransmitTimeout time.Duration `mapstructure:"retransmit_timeout"`
	MaxRetransmits    int           `mapstructure:"max_retransmits"`
	SendQueue         int           `mapstructure:"send_queue"`
	Window            int           `mapstructure:"window"`
	Linger            time.Duration `mapstructure:"linger"` // TIME_WAIT memory

	// New sessions allowed per source address per SynWindow; 0 disables.
	MaxSynPerSource int           `mapstructure:"max_syn_per_source"`
	SynWindow       time.Duration `mapstructure:"syn_window"`
}

// ─── Directory ───

// DirectoryConfig configures the service directory.
type DirectoryConfig struct {
	File         string        `mapstructure:"file"` // identities snapshot, reloaded on SIGHUP
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"` // 0 disables polling
	Partitions   int           `mapstructure:"partitions"`
	QueueSize    int           `mapstructure:"queue_size"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
	Loki LokiOutputConfig `mapstructure:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	Endpoint     string            `mapstructure:"endpoint"`
	Labels       map[string]string `mapstructure:"labels"`
	BatchSize    int               `mapstructure:"batch_size"`
	BatchTimeout time.Duration     `mapstructure:"batch_timeout"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `ztun: ...`.
type configRoot struct {
	Ztun GlobalConfig `mapstructure:"ztun"`
}

// Load loads configuration from file.
// The YAML file uses `ztun:` as root key; env vars use the ZTUN_ prefix
// (e.g. ZTUN_TUNNEL_MTU).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `ztun.` key prefix maps to ZTUN_ through the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Ztun

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "ztun." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Tunnel defaults
	v.SetDefault("ztun.tunnel.mtu", 1500)

	// Interface defaults
	v.SetDefault("ztun.interface.type", InterfaceSocket)
	v.SetDefault("ztun.interface.socket", "/var/run/ztun/tun.sock")

	// Edge defaults
	v.SetDefault("ztun.edge.dial_timeout", "5s")
	v.SetDefault("ztun.edge.connect_timeout", "3s")

	// TCP defaults
	v.SetDefault("ztun.tcp.retransmit_timeout", "1s")
	v.SetDefault("ztun.tcp.max_retransmits", 5)
	v.SetDefault("ztun.tcp.send_queue", 64)
	v.SetDefault("ztun.tcp.window", 65535)
	v.SetDefault("ztun.tcp.linger", "30s")
	v.SetDefault("ztun.tcp.max_syn_per_source", 0)
	v.SetDefault("ztun.tcp.syn_window", "1s")

	// Directory defaults
	v.SetDefault("ztun.directory.check_timeout", "3s")
	v.SetDefault("ztun.directory.poll_interval", "0s")
	v.SetDefault("ztun.directory.partitions", 4)
	v.SetDefault("ztun.directory.queue_size", 256)

	// Control defaults
	v.SetDefault("ztun.control.pid_file", "/var/run/ztun.pid")
	v.SetDefault("ztun.control.socket", "/var/run/ztun.sock")

	// Metrics defaults
	v.SetDefault("ztun.metrics.enabled", true)
	v.SetDefault("ztun.metrics.listen", ":9091")
	v.SetDefault("ztun.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("ztun.log.level", "info")
	v.SetDefault("ztun.log.format", "json")
	v.SetDefault("ztun.log.outputs.file.enabled", false)
	v.SetDefault("ztun.log.outputs.file.path", "/var/log/ztun/ztun.log")
	v.SetDefault("ztun.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("ztun.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("ztun.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("ztun.log.outputs.file.rotation.compress", true)
	v.SetDefault("ztun.log.outputs.loki.batch_size", 100)
	v.SetDefault("ztun.log.outputs.loki.batch_timeout", "5s")
}

// ValidateAndApplyDefaults validates configuration and fills the parsed
// tunnel fields.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.Loki.Enabled && cfg.Log.Outputs.Loki.Endpoint == "" {
		return invalid("log.outputs.loki.endpoint is required when loki is enabled")
	}

	// ── Tunnel ──
	if err := cfg.Tunnel.parse(); err != nil {
		return err
	}

	// ── Interface ──
	switch cfg.Interface.Type {
	case InterfaceSocket:
		if cfg.Interface.Socket == "" {
			return invalid("interface.socket is required for the socket interface")
		}
	case InterfacePcap:
		if cfg.Interface.Input == "" {
			return invalid("interface.input is required for the pcap interface")
		}
	default:
		return invalid("unsupported interface.type: %s (must be socket/pcap)", cfg.Interface.Type)
	}

	// ── Durations and sizes ──
	positive := map[string]time.Duration{
		"edge.dial_timeout":       cfg.Edge.DialTimeout,
		"edge.connect_timeout":    cfg.Edge.ConnectTimeout,
		"tcp.retransmit_timeout":  cfg.TCP.RetransmitTimeout,
		"tcp.linger":              cfg.TCP.Linger,
		"directory.check_timeout": cfg.Directory.CheckTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return invalid("%s must be positive, got %s", name, d)
		}
	}
	if cfg.Directory.PollInterval < 0 {
		return invalid("directory.poll_interval must not be negative")
	}
	if cfg.TCP.MaxRetransmits < 1 {
		return invalid("tcp.max_retransmits must be at least 1")
	}
	if cfg.TCP.SendQueue < 1 {
		return invalid("tcp.send_queue must be at least 1")
	}
	if cfg.TCP.MaxSynPerSource < 0 || cfg.TCP.SynWindow < 0 {
		return invalid("tcp.max_syn_per_source and tcp.syn_window must not be negative")
	}
	if cfg.TCP.Window < 1 || cfg.TCP.Window > 65535 {
		return invalid("tcp.window must be in [1, 65535], got %d", cfg.TCP.Window)
	}
	if cfg.Directory.Partitions < 1 || cfg.Directory.QueueSize < 1 {
		return invalid("directory.partitions and directory.queue_size must be positive")
	}

	return nil
}

// parse checks the tunnel section and fills its parsed fields.
func (t *TunnelConfig) parse() error {
	ip, err := netip.ParseAddr(t.Address)
	if err != nil || !ip.Is4() {
		return invalid("tunnel.address must be an IPv4 address, got %q", t.Address)
	}
	mask, err := netip.ParseAddr(t.SubnetMask)
	if err != nil || !mask.Is4() || !contiguous(mask) {
		return invalid("tunnel.subnet_mask must be a contiguous IPv4 mask, got %q", t.SubnetMask)
	}
	if t.MTU < 576 || t.MTU > 65535 {
		return invalid("tunnel.mtu must be in [576, 65535], got %d", t.MTU)
	}
	if len(t.DNS) == 0 {
		return invalid("tunnel.dns needs at least one server")
	}

	servers := make([]netip.Addr, 0, len(t.DNS))
	for _, s := range t.DNS {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil || !addr.Is4() {
			return invalid("tunnel.dns entry %q is not an IPv4 address", s)
		}
		servers = append(servers, addr)
	}

	var domains []string
	for _, d := range t.MatchDomains {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			domains = append(domains, d)
		}
	}

	t.IP, t.Mask, t.DNSServers, t.MatchDomains = ip, mask, servers, domains
	return nil
}

// contiguous reports whether mask is a run of ones followed by zeros.
func contiguous(mask netip.Addr) bool {
	b := mask.As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	inv := ^v
	return inv&(inv+1) == 0
}

// ErrDirectoryInvalid reports a malformed identities snapshot.
var ErrDirectoryInvalid = fmt.Errorf("%w: directory", core.ErrConfigInvalid)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}
