// Package config loads the engine configuration from YAML with environment
// overrides. Every controller receives its settings as an explicit struct at
// construction; nothing reads globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LND      LNDConfig      `mapstructure:"lnd"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Channels ChannelsConfig `mapstructure:"channels"`
	AvgFee   AvgFeeConfig   `mapstructure:"avgfee"`
	Curve    CurveConfig    `mapstructure:"curve"`
	Stagnant StagnantConfig `mapstructure:"stagnant"`
	NegInb   NegInbConfig   `mapstructure:"neginb"`
	MinFee   MinFeeConfig   `mapstructure:"minfee"`
	Groups   []GroupConfig  `mapstructure:"groups"`
	MaxHTLC  MaxHTLCConfig  `mapstructure:"maxhtlc"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
}

type LNDConfig struct {
	GRPCHost          string        `mapstructure:"grpc_host"`
	TLSCertPath       string        `mapstructure:"tls_cert_path"`
	AdminMacaroonPath string        `mapstructure:"macaroon_path"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type PathsConfig struct {
	DataDir     string `mapstructure:"data_dir"`
	PolicyFile  string `mapstructure:"policy_file"`
	LedgerDB    string `mapstructure:"ledger_db"`
	AvgFeeState string `mapstructure:"avg_fee_state"`
	StagState   string `mapstructure:"stagnant_state"`
	NegInbState string `mapstructure:"neginb_state"`
}

// ChannelsConfig filters which channels the pipeline touches. Include empty
// means all channels; exclude wins over include. IDs accept decimal or HxTxO.
type ChannelsConfig struct {
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`
}

type AvgFeeConfig struct {
	Alpha         float64 `mapstructure:"alpha"`
	MinAvgFeePpm  int64   `mapstructure:"min_avg_fee_ppm"`
	RetentionDays int     `mapstructure:"retention_days"`
}

type CurveConfig struct {
	AdjustmentFactor float64            `mapstructure:"adjustment_factor"`
	Pivot            float64            `mapstructure:"pivot"`
	PivotOverrides   map[string]float64 `mapstructure:"pivot_overrides"`
}

type StagnantConfig struct {
	RatioThreshold       float64 `mapstructure:"ratio_threshold"`
	Hours                int     `mapstructure:"hours"`
	ReductionPct         float64 `mapstructure:"reduction_pct"`
	ActivitySource       string  `mapstructure:"activity_source"` // "forwards" or "ratio"
	RatioChangeThreshold float64 `mapstructure:"ratio_change_threshold"`
}

type NegInbConfig struct {
	TriggerPct            float64  `mapstructure:"trigger_pct"`
	RemovePct             float64  `mapstructure:"remove_pct"`
	MaxRemoteFeePpm       int64    `mapstructure:"max_remote_fee_ppm"`
	ExcludeRemoteFeeCheck []string `mapstructure:"exclude_remote_fee_check"`
	InitialPct            int      `mapstructure:"initial_pct"`
	IncrementPct          int      `mapstructure:"increment_pct"`
	MaxPct                int      `mapstructure:"max_pct"`
}

type MinFeeConfig struct {
	Rules []MinFeeRule `mapstructure:"rules"`
}

type MinFeeRule struct {
	ChanID   string `mapstructure:"chan_id"`
	MinType  string `mapstructure:"min_type"` // "static" or "avg_fee"
	MinValue int64  `mapstructure:"min_value"`
	Enabled  bool   `mapstructure:"enabled"`
}

type GroupConfig struct {
	Name             string   `mapstructure:"name"`
	ChanIDs          []string `mapstructure:"chan_ids"`
	Strategy         string   `mapstructure:"strategy"` // highest, lowest, average, static
	StaticFee        int64    `mapstructure:"static_fee"`
	SyncInbound      bool     `mapstructure:"sync_inbound"`
	InboundStrategy  string   `mapstructure:"inbound_strategy"`
	StaticInboundFee int64    `mapstructure:"static_inbound_fee"`
	Enabled          bool     `mapstructure:"enabled"`
}

type MaxHTLCConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Ratio         float64 `mapstructure:"ratio"`
	ReserveOffset float64 `mapstructure:"reserve_offset"`
}

type DaemonConfig struct {
	Schedule string `mapstructure:"schedule"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("AUTOFEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lnd.grpc_host", "localhost:10009")
	v.SetDefault("lnd.tls_cert_path", "~/.lnd/tls.cert")
	v.SetDefault("lnd.macaroon_path", "~/.lnd/data/chain/bitcoin/mainnet/admin.macaroon")
	v.SetDefault("lnd.timeout", "2m")

	v.SetDefault("paths.data_dir", "~/autofee")
	v.SetDefault("paths.policy_file", "dynamic_charge.ini")
	v.SetDefault("paths.ledger_db", "fee_history.db")
	v.SetDefault("paths.avg_fee_state", "avg_fees.json")
	v.SetDefault("paths.stagnant_state", "stagnant_state.json")
	v.SetDefault("paths.neginb_state", "neginb_fees.json")

	v.SetDefault("avgfee.alpha", 0.15)
	v.SetDefault("avgfee.min_avg_fee_ppm", 10)
	v.SetDefault("avgfee.retention_days", 14)

	v.SetDefault("curve.adjustment_factor", 0.05)
	v.SetDefault("curve.pivot", 0.5)

	v.SetDefault("stagnant.ratio_threshold", 0.30)
	v.SetDefault("stagnant.hours", 72)
	v.SetDefault("stagnant.reduction_pct", 5)
	v.SetDefault("stagnant.activity_source", "forwards")
	v.SetDefault("stagnant.ratio_change_threshold", 0.001)

	v.SetDefault("neginb.trigger_pct", 20)
	v.SetDefault("neginb.remove_pct", 40)
	v.SetDefault("neginb.max_remote_fee_ppm", 2)
	v.SetDefault("neginb.initial_pct", 30)
	v.SetDefault("neginb.increment_pct", 1)
	v.SetDefault("neginb.max_pct", 70)

	v.SetDefault("maxhtlc.enabled", false)
	v.SetDefault("maxhtlc.ratio", 0.98)
	v.SetDefault("maxhtlc.reserve_offset", 0.01)

	v.SetDefault("daemon.schedule", "0 */4 * * *")
}

// resolvePaths expands ~ in every configured path and anchors the relative
// store paths under data_dir.
func (c *Config) resolvePaths() {
	c.LND.TLSCertPath = ExpandHome(c.LND.TLSCertPath)
	c.LND.AdminMacaroonPath = ExpandHome(c.LND.AdminMacaroonPath)
	c.Paths.DataDir = ExpandHome(c.Paths.DataDir)

	anchor := func(p string) string {
		p = ExpandHome(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.Paths.DataDir, p)
	}
	c.Paths.PolicyFile = anchor(c.Paths.PolicyFile)
	c.Paths.LedgerDB = anchor(c.Paths.LedgerDB)
	c.Paths.AvgFeeState = anchor(c.Paths.AvgFeeState)
	c.Paths.StagState = anchor(c.Paths.StagState)
	c.Paths.NegInbState = anchor(c.Paths.NegInbState)
}

// ExpandHome replaces a leading ~ with the current user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

func (c *Config) Validate() error {
	if c.LND.GRPCHost == "" {
		return fmt.Errorf("lnd.grpc_host is required")
	}
	if c.AvgFee.Alpha <= 0 || c.AvgFee.Alpha > 1 {
		return fmt.Errorf("avgfee.alpha must be in (0, 1]")
	}
	if c.AvgFee.MinAvgFeePpm < 0 {
		return fmt.Errorf("avgfee.min_avg_fee_ppm must not be negative")
	}
	if c.AvgFee.RetentionDays < 1 {
		return fmt.Errorf("avgfee.retention_days must be at least 1")
	}
	if c.Curve.AdjustmentFactor <= 0 || c.Curve.AdjustmentFactor > 1 {
		return fmt.Errorf("curve.adjustment_factor must be in (0, 1]")
	}
	if c.Curve.Pivot <= 0 || c.Curve.Pivot >= 1 {
		return fmt.Errorf("curve.pivot must be in (0, 1)")
	}
	for id, pivot := range c.Curve.PivotOverrides {
		if pivot <= 0 || pivot >= 1 {
			return fmt.Errorf("curve.pivot_overrides[%s] must be in (0, 1)", id)
		}
	}
	if c.Stagnant.RatioThreshold < 0 || c.Stagnant.RatioThreshold > 1 {
		return fmt.Errorf("stagnant.ratio_threshold must be in [0, 1]")
	}
	if c.Stagnant.Hours < 1 {
		return fmt.Errorf("stagnant.hours must be at least 1")
	}
	if c.Stagnant.ReductionPct <= 0 || c.Stagnant.ReductionPct > 100 {
		return fmt.Errorf("stagnant.reduction_pct must be in (0, 100]")
	}
	switch c.Stagnant.ActivitySource {
	case "forwards", "ratio":
	default:
		return fmt.Errorf("stagnant.activity_source must be one of: forwards, ratio")
	}
	if c.NegInb.TriggerPct >= c.NegInb.RemovePct {
		return fmt.Errorf("neginb.trigger_pct must be below neginb.remove_pct")
	}
	if c.NegInb.InitialPct < 0 || c.NegInb.InitialPct > c.NegInb.MaxPct {
		return fmt.Errorf("neginb.initial_pct must be in [0, max_pct]")
	}
	if c.NegInb.IncrementPct < 1 {
		return fmt.Errorf("neginb.increment_pct must be at least 1")
	}
	if c.NegInb.MaxPct < 1 || c.NegInb.MaxPct > 100 {
		return fmt.Errorf("neginb.max_pct must be in [1, 100]")
	}
	for i, rule := range c.MinFee.Rules {
		if rule.ChanID == "" {
			return fmt.Errorf("minfee.rules[%d].chan_id is required", i)
		}
		switch rule.MinType {
		case "static":
			if rule.MinValue <= 0 {
				return fmt.Errorf("minfee.rules[%d].min_value must be positive for static rules", i)
			}
		case "avg_fee":
		default:
			return fmt.Errorf("minfee.rules[%d].min_type must be one of: static, avg_fee", i)
		}
	}
	for i, group := range c.Groups {
		if group.Name == "" {
			return fmt.Errorf("groups[%d].name is required", i)
		}
		if len(group.ChanIDs) == 0 {
			return fmt.Errorf("groups[%d].chan_ids must not be empty", i)
		}
		if !validStrategy(group.Strategy) {
			return fmt.Errorf("groups[%d].strategy must be one of: highest, lowest, average, static", i)
		}
		if group.InboundStrategy != "" && !validStrategy(group.InboundStrategy) {
			return fmt.Errorf("groups[%d].inbound_strategy must be one of: highest, lowest, average, static", i)
		}
	}
	if c.MaxHTLC.Ratio <= 0 || c.MaxHTLC.Ratio > 1 {
		return fmt.Errorf("maxhtlc.ratio must be in (0, 1]")
	}
	if c.MaxHTLC.ReserveOffset < 0 || c.MaxHTLC.ReserveOffset >= 1 {
		return fmt.Errorf("maxhtlc.reserve_offset must be in [0, 1)")
	}
	if c.Daemon.Schedule == "" {
		return fmt.Errorf("daemon.schedule is required")
	}
	return nil
}

func validStrategy(s string) bool {
	switch s {
	case "highest", "lowest", "average", "static":
		return true
	}
	return false
}
