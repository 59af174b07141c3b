// Package config defines the environment-variable-driven configuration
// surface of spec.md §6: the three DAOS_* variables that shape a pool's
// zone-limits math and recycling policy. The teacher has no config layer
// of its own (biscuit reads static boot params); this follows the wider
// example pack's env-driven convention instead.
package config

import (
	"github.com/caarlos0/env/v9"
	"github.com/dav2/dav2/internal/dav2err"
)

// BackendMode selects the storage backend a pool targets (spec.md §6
// DAOS_MD_ON_SSD_MODE).
type BackendMode string

const (
	ModePMEM   BackendMode = "PMEM"
	ModeBMEM   BackendMode = "BMEM"
	ModeBMEMV2 BackendMode = "BMEM_V2"
	ModeADMEM  BackendMode = "ADMEM"
)

func (m BackendMode) valid() bool {
	switch m {
	case ModePMEM, ModeBMEM, ModeBMEMV2, ModeADMEM:
		return true
	default:
		return false
	}
}

// defaultEmptyRecycleThreshold is DAOS_NEMB_EMPTY_RECYCLE_THRESHOLD's
// default and the value substituted for an explicit 0 (spec.md §9 Open
// Question 3: "clamped to the default, not rejected").
const defaultEmptyRecycleThreshold = 16

// Config is the env-driven knobs a pool reads at open/create time.
type Config struct {
	// NembPct is the percentage of cache reserved for non-evictable
	// zones, clamped to [1,100].
	NembPct int `env:"DAOS_MD_ON_SSD_NEMB_PCT" envDefault:"80"`

	// EmptyRecycleThreshold is DAOS_NEMB_EMPTY_RECYCLE_THRESHOLD after
	// normalization. No other package reads it, so this value does not
	// trigger any recycle pass.
	EmptyRecycleThreshold int `env:"DAOS_NEMB_EMPTY_RECYCLE_THRESHOLD" envDefault:"16"`

	// Mode selects the backend this pool targets.
	Mode BackendMode `env:"DAOS_MD_ON_SSD_MODE" envDefault:"BMEM_V2"`
}

// Load reads a Config from the process environment, applying spec.md §6's
// defaults and §9's clamping/validation rules.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, dav2err.Wrap(dav2err.InvalidArgument, err, "config: parse environment")
	}
	c.normalize()
	if !c.Mode.valid() {
		return Config{}, dav2err.Newf(dav2err.InvalidArgument, "config: invalid %s %q", "DAOS_MD_ON_SSD_MODE", c.Mode)
	}
	return c, nil
}

// normalize applies the clamping rules that don't reject the input
// outright: NembPct is clamped into [1,100], and an explicit
// EmptyRecycleThreshold of 0 falls back to the default rather than being
// treated as "never recycle" (spec.md §9 Open Question 3).
func (c *Config) normalize() {
	switch {
	case c.NembPct < 1:
		c.NembPct = 1
	case c.NembPct > 100:
		c.NembPct = 100
	}
	if c.EmptyRecycleThreshold == 0 {
		c.EmptyRecycleThreshold = defaultEmptyRecycleThreshold
	}
}
