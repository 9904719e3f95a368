// Package config loads the opaque BSP configuration record the switch core
// boots from: board identity, port/MTU defaults, table capacities and
// aging intervals, and the ambient logging/inspector settings.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// PortConfig is one statically-configured port entry in the BSP record.
type PortConfig struct {
	ID         uint16 `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	DriverType string `mapstructure:"driver_type"`
	MTU        int    `mapstructure:"mtu"`
	AdminUp    bool   `mapstructure:"admin_up"`
	PVID       uint16 `mapstructure:"pvid"`

	// IPv4CIDR/IPv6CIDR, when non-empty, make this port a routed interface
	// ("10.0.0.1/24") that IpProcessor treats as local. ArpCache answers
	// for the IPv4 address; there is no IPv6 neighbor discovery.
	IPv4CIDR string `mapstructure:"ipv4_cidr"`
	IPv6CIDR string `mapstructure:"ipv6_cidr"`
}

// VlanConfig statically provisions one VLAN and its port membership at
// boot, in lieu of the CLI dispatcher the core treats as an external
// collaborator.
type VlanConfig struct {
	ID            uint16   `mapstructure:"id"`
	Name          string   `mapstructure:"name"`
	TaggedPorts   []uint16 `mapstructure:"tagged_ports"`
	UntaggedPorts []uint16 `mapstructure:"untagged_ports"`
}

// RouteConfig statically installs one route at boot.
type RouteConfig struct {
	Prefix        string `mapstructure:"prefix"` // "10.0.1.0/24" or "2001:db8:1::/64"
	NextHop       string `mapstructure:"next_hop"`
	Port          uint16 `mapstructure:"port"`
	Type          string `mapstructure:"type"` // connected|static|rip|ospf|bgp
	AdminDistance uint8  `mapstructure:"admin_distance"`
	Metric        uint32 `mapstructure:"metric"`
}

// LoggingConfig controls the logrus setup shared by every component.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// InspectorConfig controls the read-only/control HTTP+websocket facade.
type InspectorConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	ListenAddr string        `mapstructure:"listen_addr"`
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
}

// Config is the switch core's complete boot-time configuration. The core
// holds no persistent storage of its own: this record is supplied by the
// external BSP layer and the core reconstructs all in-memory state from it.
type Config struct {
	BoardType              string        `mapstructure:"board_type"`
	PortCount              int           `mapstructure:"port_count"`
	Ports                  []PortConfig  `mapstructure:"ports"`
	DefaultMTU             int           `mapstructure:"default_mtu"`
	MacAgingTime           time.Duration `mapstructure:"mac_aging_time"`
	ArpTimeout             time.Duration `mapstructure:"arp_timeout"`
	RoutingCapacity        int           `mapstructure:"routing_capacity"`
	LearningEnabledDefault bool          `mapstructure:"learning_enabled_default"`
	StpEnabledDefault      bool          `mapstructure:"stp_enabled_default"`
	BridgePriority         uint16        `mapstructure:"bridge_priority"`

	Vlans        []VlanConfig  `mapstructure:"vlans"`
	StaticRoutes []RouteConfig `mapstructure:"static_routes"`

	Logging   LoggingConfig   `mapstructure:"logging"`
	Inspector InspectorConfig `mapstructure:"inspector"`
}

// Default returns the BSP defaults used when no configuration file or
// environment override is present.
func Default() Config {
	return Config{
		BoardType:              "simulated-24port",
		PortCount:              24,
		DefaultMTU:             1500,
		MacAgingTime:           300 * time.Second,
		ArpTimeout:             20 * time.Minute,
		RoutingCapacity:        16384,
		LearningEnabledDefault: true,
		StpEnabledDefault:      true,
		BridgePriority:         32768,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Inspector: InspectorConfig{
			Enabled:    true,
			ListenAddr: ":8080",
			TokenTTL:   time.Hour,
			Username:   "admin",
		},
	}
}

// Load reads configuration from path (if non-empty), overlays environment
// variables prefixed SWITCHSIM_, and falls back to Default() for anything
// unset.
func Load(path string) (Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("board_type", def.BoardType)
	v.SetDefault("port_count", def.PortCount)
	v.SetDefault("default_mtu", def.DefaultMTU)
	v.SetDefault("mac_aging_time", def.MacAgingTime)
	v.SetDefault("arp_timeout", def.ArpTimeout)
	v.SetDefault("routing_capacity", def.RoutingCapacity)
	v.SetDefault("learning_enabled_default", def.LearningEnabledDefault)
	v.SetDefault("stp_enabled_default", def.StpEnabledDefault)
	v.SetDefault("bridge_priority", def.BridgePriority)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("inspector.enabled", def.Inspector.Enabled)
	v.SetDefault("inspector.listen_addr", def.Inspector.ListenAddr)
	v.SetDefault("inspector.token_ttl", def.Inspector.TokenTTL)
	v.SetDefault("inspector.username", def.Inspector.Username)

	v.SetEnvPrefix("switchsim")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a config the switch core cannot boot with.
func (c Config) Validate() error {
	if c.PortCount <= 0 {
		return fmt.Errorf("config: port_count must be positive, got %d", c.PortCount)
	}
	if c.DefaultMTU <= 0 {
		return fmt.Errorf("config: default_mtu must be positive, got %d", c.DefaultMTU)
	}
	if c.RoutingCapacity <= 0 {
		return fmt.Errorf("config: routing_capacity must be positive, got %d", c.RoutingCapacity)
	}
	for _, p := range c.Ports {
		if p.MTU < 0 {
			return fmt.Errorf("config: port %d has negative mtu", p.ID)
		}
	}
	return nil
}
