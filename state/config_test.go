package state

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandConfigDefaults(t *testing.T) {
	cfg := &Config{NodeName: "node1"}
	ExpandConfig(cfg)

	assert.Equal(t, []AreaId{"0"}, cfg.Areas)
	assert.Equal(t, KeepAliveInterval, cfg.KeepAliveInterval)
	assert.Equal(t, FibSyncBackoffInitial, cfg.SyncBackoffMin)
	assert.Equal(t, FibSyncBackoffMax, cfg.SyncBackoffMax)
}

func TestConfigValidator(t *testing.T) {
	valid := &Config{NodeName: "node1"}
	ExpandConfig(valid)
	require.NoError(t, ConfigValidator(valid))

	missingName := &Config{}
	ExpandConfig(missingName)
	assert.Error(t, ConfigValidator(missingName))

	dupArea := &Config{NodeName: "node1", Areas: []AreaId{"a", "a"}}
	assert.Error(t, ConfigValidator(dupArea))

	badBackoff := &Config{NodeName: "node1", SyncBackoffMin: time.Second, SyncBackoffMax: time.Millisecond}
	ExpandConfig(badBackoff)
	assert.Error(t, ConfigValidator(badBackoff))

	dupPolicy := &Config{
		NodeName: "node1",
		SrPolicies: []SrPolicyCfg{
			{Name: "p", Prefixes: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}},
			{Name: "p", Prefixes: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}},
		},
	}
	ExpandConfig(dupPolicy)
	assert.Error(t, ConfigValidator(dupPolicy))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabricd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_name: node1
areas: ["spine", "pod1"]
enable_v4: true
node_segment_label_enabled: true
eor_time_s: 10s
watchdog:
  max_memory_mb: 512
`), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, NodeName("node1"), cfg.NodeName)
	assert.Equal(t, []AreaId{"spine", "pod1"}, cfg.Areas)
	assert.True(t, cfg.EnableV4)
	assert.True(t, cfg.NodeSegmentLabelEnabled)
	assert.Equal(t, time.Second*10, cfg.EorTime)
	require.NotNil(t, cfg.Watchdog)
	assert.Equal(t, int64(512), cfg.Watchdog.MaxMemoryMB)
	assert.NotZero(t, cfg.Watchdog.Interval)
}

func TestSrPolicyMatches(t *testing.T) {
	pol := SrPolicyCfg{
		Name:     "tor-routes",
		Prefixes: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")},
	}
	assert.True(t, pol.Matches(netip.MustParsePrefix("10.1.2.0/24")))
	assert.True(t, pol.Matches(netip.MustParsePrefix("10.0.0.0/8")))
	assert.False(t, pol.Matches(netip.MustParsePrefix("192.168.0.0/24")))
	// a broader prefix is not matched by a narrower policy
	assert.False(t, pol.Matches(netip.MustParsePrefix("10.0.0.0/7")))
}

func TestSubtractPrefixDirect(t *testing.T) {
	includes := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")}
	excludes := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/25")}
	result := SubtractPrefix(includes, excludes)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.128/25")}, result)
}

func TestPrefixExcluded(t *testing.T) {
	excludes := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	assert.True(t, PrefixExcluded(netip.MustParsePrefix("10.1.0.0/16"), excludes))
	assert.False(t, PrefixExcluded(netip.MustParsePrefix("192.168.0.0/16"), excludes))
	// partially covered prefixes stay
	assert.False(t, PrefixExcluded(netip.MustParsePrefix("8.0.0.0/6"), excludes))
	assert.False(t, PrefixExcluded(netip.MustParsePrefix("10.0.0.0/8"), nil))
}
