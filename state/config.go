package state

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// WatchdogCfg holds supervisor thresholds.
type WatchdogCfg struct {
	Interval      time.Duration `yaml:"interval,omitempty"`
	ThreadTimeout time.Duration `yaml:"thread_timeout,omitempty"`
	MaxMemoryMB   int64         `yaml:"max_memory_mb,omitempty"`
}

// RouteComputationRules tells the solver how to compute forwarding for a
// matched prefix.
type RouteComputationRules struct {
	Algorithm    PrefixForwardingAlgorithm `yaml:"algorithm"`
	PrependLabel bool                      `yaml:"prepend_label,omitempty"`
}

// SrPolicyCfg maps matched prefixes to route computation rules. Policies are
// evaluated in order; the first match wins.
type SrPolicyCfg struct {
	Name     string                `yaml:"name"`
	Prefixes []netip.Prefix        `yaml:"prefixes"`
	Rules    RouteComputationRules `yaml:"rules"`
}

func (p *SrPolicyCfg) Matches(prefix netip.Prefix) bool {
	for _, m := range p.Prefixes {
		if m.Contains(prefix.Addr()) && m.Bits() <= prefix.Bits() {
			return true
		}
	}
	return false
}

type Config struct {
	NodeName NodeName `yaml:"node_name"`
	Areas    []AreaId `yaml:"areas"`

	EnableV4                bool          `yaml:"enable_v4,omitempty"`
	NodeSegmentLabelEnabled bool          `yaml:"node_segment_label_enabled,omitempty"`
	AdjacencyLabelsEnabled  bool          `yaml:"adjacency_labels_enabled,omitempty"`
	BgpRouteProgramming     bool          `yaml:"bgp_route_programming,omitempty"`
	BestRouteSelection      bool          `yaml:"best_route_selection,omitempty"`
	V4OverV6Nexthop         bool          `yaml:"v4_over_v6_nexthop,omitempty"`
	SrPolicies              []SrPolicyCfg `yaml:"sr_policies,omitempty"`

	ColdStartDuration time.Duration `yaml:"cold_start_duration,omitempty"`
	// EorTime, if set, makes the fib programmer hold all syncs until the
	// decision engine publishes its first update.
	EorTime time.Duration `yaml:"eor_time_s,omitempty"`

	KeepAliveInterval time.Duration `yaml:"keep_alive_interval,omitempty"`
	SyncBackoffMin    time.Duration `yaml:"sync_backoff_min,omitempty"`
	SyncBackoffMax    time.Duration `yaml:"sync_backoff_max,omitempty"`

	// ExcludePrefixes lists ranges that must never reach the forwarding
	// agent; computed routes fully covered by them are dropped.
	ExcludePrefixes []netip.Prefix `yaml:"exclude_prefixes,omitempty"`

	Watchdog *WatchdogCfg `yaml:"watchdog,omitempty"`

	LogPath string `yaml:"log_path,omitempty"`
}

// ExpandConfig fills defaults in place.
func ExpandConfig(cfg *Config) {
	if len(cfg.Areas) == 0 {
		cfg.Areas = []AreaId{"0"}
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = KeepAliveInterval
	}
	if cfg.SyncBackoffMin == 0 {
		cfg.SyncBackoffMin = FibSyncBackoffInitial
	}
	if cfg.SyncBackoffMax == 0 {
		cfg.SyncBackoffMax = FibSyncBackoffMax
	}
	if cfg.Watchdog != nil {
		if cfg.Watchdog.Interval == 0 {
			cfg.Watchdog.Interval = time.Second * 20
		}
		if cfg.Watchdog.ThreadTimeout == 0 {
			cfg.Watchdog.ThreadTimeout = time.Minute * 5
		}
	}
}

// ConfigValidator checks a fully expanded config.
func ConfigValidator(cfg *Config) error {
	if cfg.NodeName == "" {
		return fmt.Errorf("node_name must not be empty")
	}
	seen := make(map[AreaId]bool)
	for _, area := range cfg.Areas {
		if area == "" {
			return fmt.Errorf("area id must not be empty")
		}
		if seen[area] {
			return fmt.Errorf("duplicate area %q", area)
		}
		seen[area] = true
	}
	if cfg.SyncBackoffMin > cfg.SyncBackoffMax {
		return fmt.Errorf("sync_backoff_min %v exceeds sync_backoff_max %v", cfg.SyncBackoffMin, cfg.SyncBackoffMax)
	}
	names := make(map[string]bool)
	for _, pol := range cfg.SrPolicies {
		if pol.Name == "" {
			return fmt.Errorf("sr policy without a name")
		}
		if names[pol.Name] {
			return fmt.Errorf("duplicate sr policy %q", pol.Name)
		}
		names[pol.Name] = true
		if len(pol.Prefixes) == 0 {
			return fmt.Errorf("sr policy %q matches nothing", pol.Name)
		}
	}
	if cfg.Watchdog != nil && cfg.Watchdog.MaxMemoryMB < 0 {
		return fmt.Errorf("watchdog max_memory_mb must not be negative")
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, err
	}
	ExpandConfig(&cfg)
	if err := ConfigValidator(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
