package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile selects grid geometry for one risk appetite.
type Profile struct {
	GridSpacing  float64 `yaml:"grid_spacing"`  // fraction of center price per level
	TargetLevels int     `yaml:"target_levels"` // per side
	ProfitTarget float64 `yaml:"profit_target"` // TP distance as fraction of fill price
}

// Config is the full typed configuration. Every recognized option is
// enumerated here with a default; unknown yaml keys are ignored by the
// decoder, and values are validated once at load time rather than at first
// access.
type Config struct {
	Trading struct {
		Symbol         string  `yaml:"symbol"`
		Category       string  `yaml:"category"`
		InitialCapital float64 `yaml:"initial_capital"`
		Leverage       int     `yaml:"leverage"`
		Profile        string  `yaml:"profile"`
	} `yaml:"trading"`

	Grid struct {
		SpacingMax float64            `yaml:"grid_spacing_max"`
		Profiles   map[string]Profile `yaml:"profiles"`
	} `yaml:"grid"`

	Risk struct {
		MaxExposurePct        float64 `yaml:"max_exposure_pct"`
		KillSwitchDrawdownPct float64 `yaml:"kill_switch_drawdown_pct"`
		MaxPositionSizePct    float64 `yaml:"max_position_size_pct"`
	} `yaml:"risk"`

	Recenter struct {
		PriceDeviationPct float64 `yaml:"price_deviation_pct"`
		TimeBasedHours    float64 `yaml:"time_based_hours"`
		OneSideHours      float64 `yaml:"one_side_hours"`
		PumpDumpPct       float64 `yaml:"pump_dump_pct"`
	} `yaml:"recenter"`

	Monitoring struct {
		FillInterval     time.Duration `yaml:"fill_interval"`
		GridInterval     time.Duration `yaml:"grid_interval"`
		RiskInterval     time.Duration `yaml:"risk_interval"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		MetricsAddr      string        `yaml:"metrics_addr"`
	} `yaml:"monitoring"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	// Credentials come from the environment only, never from the yaml file.
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
	Testnet   bool   `yaml:"-"`
}

// Default returns the configuration the bot ships with. The three profiles
// mirror the spacing/level presets the strategy was tuned on.
func Default() *Config {
	cfg := &Config{}

	cfg.Trading.Symbol = "XRPUSDT"
	cfg.Trading.Category = "linear"
	cfg.Trading.InitialCapital = 100
	cfg.Trading.Leverage = 1
	cfg.Trading.Profile = "Normal"

	cfg.Grid.SpacingMax = 0.03
	cfg.Grid.Profiles = map[string]Profile{
		"Conservative": {GridSpacing: 0.015, TargetLevels: 3, ProfitTarget: 0.012},
		"Normal":       {GridSpacing: 0.01, TargetLevels: 5, ProfitTarget: 0.008},
		"Aggressive":   {GridSpacing: 0.006, TargetLevels: 8, ProfitTarget: 0.005},
	}

	cfg.Risk.MaxExposurePct = 0.8
	cfg.Risk.KillSwitchDrawdownPct = 0.05
	cfg.Risk.MaxPositionSizePct = 0.25

	cfg.Recenter.PriceDeviationPct = 0.02
	cfg.Recenter.TimeBasedHours = 48
	cfg.Recenter.OneSideHours = 24
	cfg.Recenter.PumpDumpPct = 0.05

	cfg.Monitoring.FillInterval = 5 * time.Second
	cfg.Monitoring.GridInterval = 60 * time.Second
	cfg.Monitoring.RiskInterval = 30 * time.Second
	cfg.Monitoring.SnapshotInterval = 5 * time.Minute
	cfg.Monitoring.MetricsAddr = ":9090"

	cfg.Database.Path = "data/grid_bot.db"

	return cfg
}

// Load reads the yaml file at path over the defaults, then applies
// environment overrides for credentials and network selection. A missing
// file is not an error; the bot runs on defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.APIKey = os.Getenv("BYBIT_API_KEY")
	c.APISecret = os.Getenv("BYBIT_API_SECRET")
	c.Testnet = os.Getenv("ENVIRONMENT") != "mainnet"
}

// Validate rejects configurations that would make the strategy misbehave.
func (c *Config) Validate() error {
	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if c.Trading.Category == "" {
		return fmt.Errorf("trading.category is required")
	}
	if c.Trading.InitialCapital <= 0 {
		return fmt.Errorf("trading.initial_capital must be positive, got %v", c.Trading.InitialCapital)
	}
	if len(c.Grid.Profiles) == 0 {
		return fmt.Errorf("at least one grid profile is required")
	}
	if _, ok := c.Grid.Profiles[c.Trading.Profile]; !ok {
		return fmt.Errorf("trading.profile %q does not match any grid profile", c.Trading.Profile)
	}
	for name, p := range c.Grid.Profiles {
		if p.GridSpacing <= 0 || p.GridSpacing > c.Grid.SpacingMax {
			return fmt.Errorf("profile %s: grid_spacing %v outside (0, %v]", name, p.GridSpacing, c.Grid.SpacingMax)
		}
		if p.TargetLevels < 1 {
			return fmt.Errorf("profile %s: target_levels must be >= 1", name)
		}
	}
	if c.Risk.MaxExposurePct <= 0 || c.Risk.MaxExposurePct > 1 {
		return fmt.Errorf("risk.max_exposure_pct %v outside (0, 1]", c.Risk.MaxExposurePct)
	}
	if c.Risk.KillSwitchDrawdownPct <= 0 || c.Risk.KillSwitchDrawdownPct >= 1 {
		return fmt.Errorf("risk.kill_switch_drawdown_pct %v outside (0, 1)", c.Risk.KillSwitchDrawdownPct)
	}
	if c.Risk.MaxPositionSizePct <= 0 || c.Risk.MaxPositionSizePct > 1 {
		return fmt.Errorf("risk.max_position_size_pct %v outside (0, 1]", c.Risk.MaxPositionSizePct)
	}
	if c.Recenter.PriceDeviationPct <= 0 {
		return fmt.Errorf("recenter.price_deviation_pct must be positive")
	}
	if c.Recenter.TimeBasedHours <= 0 || c.Recenter.OneSideHours <= 0 {
		return fmt.Errorf("recenter time windows must be positive")
	}
	if c.Recenter.PumpDumpPct <= 0 {
		return fmt.Errorf("recenter.pump_dump_pct must be positive")
	}
	if c.Monitoring.FillInterval <= 0 || c.Monitoring.GridInterval <= 0 ||
		c.Monitoring.RiskInterval <= 0 || c.Monitoring.SnapshotInterval <= 0 {
		return fmt.Errorf("monitoring intervals must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// ProfileByName returns the named profile, rejecting unknown names before any
// state is touched.
func (c *Config) ProfileByName(name string) (Profile, error) {
	p, ok := c.Grid.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q", name)
	}
	return p, nil
}

// RequireCredentials fails startup when API keys are missing.
func (c *Config) RequireCredentials() error {
	if c.APIKey == "" || c.APISecret == "" {
		return fmt.Errorf("API credentials not found: set BYBIT_API_KEY and BYBIT_API_SECRET")
	}
	return nil
}
