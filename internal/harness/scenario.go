package harness

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"bitfall.xyz/loopwire/internal/config"
)

// Scenario is a YAML-described run that overrides parts of the loaded
// configuration. Absent fields leave the configuration untouched.
type Scenario struct {
	Name string `yaml:"name"`

	Transmissions *int   `yaml:"transmissions"`
	Senders       *int   `yaml:"senders"`
	Receivers     *int   `yaml:"receivers"`
	MinKB         *int   `yaml:"min_kb"`
	MaxKB         *int   `yaml:"max_kb"`
	Seed          *int64 `yaml:"seed"`

	BandwidthBPS     *int64 `yaml:"bandwidth_bps"`
	LatencyMS        *int64 `yaml:"latency_ms"`
	DropRatePct      *int   `yaml:"drop_rate_pct"`
	DuplicateRatePct *int   `yaml:"duplicate_rate_pct"`
	CorruptRatePct   *int   `yaml:"corrupt_rate_pct"`
	ReorderEnabled   *bool  `yaml:"reorder_enabled"`
}

// LoadScenario parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read scenario %s", path)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, errors.Wrapf(err, "parse scenario %s", path)
	}
	return &sc, nil
}

// Apply overlays the scenario onto the configuration. The result must be
// re-validated by the caller.
func (sc *Scenario) Apply(cfg *config.GlobalConfig) {
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&cfg.Harness.Transmissions, sc.Transmissions)
	setInt(&cfg.Harness.Senders, sc.Senders)
	setInt(&cfg.Harness.Receivers, sc.Receivers)
	setInt(&cfg.Harness.MinKB, sc.MinKB)
	setInt(&cfg.Harness.MaxKB, sc.MaxKB)
	if sc.Seed != nil {
		cfg.Harness.Seed = *sc.Seed
	}

	if sc.BandwidthBPS != nil {
		cfg.Network.BandwidthBPS = *sc.BandwidthBPS
	}
	if sc.LatencyMS != nil {
		cfg.Network.LatencyMS = *sc.LatencyMS
	}
	setInt(&cfg.Network.DropRatePct, sc.DropRatePct)
	setInt(&cfg.Network.DuplicateRatePct, sc.DuplicateRatePct)
	setInt(&cfg.Network.CorruptRatePct, sc.CorruptRatePct)
	if sc.ReorderEnabled != nil {
		cfg.Network.ReorderEnabled = *sc.ReorderEnabled
	}
}
