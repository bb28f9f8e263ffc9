package policy

import (
	"errors"
	"fmt"
	"time"
)

// BoostStep grants Increment once a READY process has waited at least Wait.
type BoostStep struct {
	Wait      time.Duration `yaml:"wait" json:"wait"`
	Increment int           `yaml:"increment" json:"increment"`
}

type Config struct {
	PagingTimeout     time.Duration `yaml:"paging_timeout" json:"paging_timeout"`
	ThrashingFaults   int           `yaml:"thrashing_faults" json:"thrashing_faults"`
	ThrashingWindow   time.Duration `yaml:"thrashing_window" json:"thrashing_window"`
	ThermalWindow     time.Duration `yaml:"thermal_window" json:"thermal_window"`
	ThermalMinSamples int           `yaml:"thermal_min_samples" json:"thermal_min_samples"`
	OverheatThreshold float64       `yaml:"overheat_threshold" json:"overheat_threshold"`
	CooldownThreshold float64       `yaml:"cooldown_threshold" json:"cooldown_threshold"`
	Boost             []BoostStep   `yaml:"boost" json:"boost"`
}

func Default() Config {
	return Config{
		PagingTimeout:     2 * time.Second,
		ThrashingFaults:   3,
		ThrashingWindow:   10 * time.Second,
		ThermalWindow:     5 * time.Second,
		ThermalMinSamples: 3,
		OverheatThreshold: 100,
		CooldownThreshold: 50,
		Boost: []BoostStep{
			{Wait: 5 * time.Second, Increment: 1},
			{Wait: 15 * time.Second, Increment: 2},
			{Wait: 30 * time.Second, Increment: 5},
		},
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.PagingTimeout <= 0 {
		errs = append(errs, errors.New("paging_timeout must be positive"))
	}
	if c.ThrashingFaults <= 0 {
		errs = append(errs, errors.New("thrashing_faults must be positive"))
	}
	if c.ThrashingWindow <= 0 {
		errs = append(errs, errors.New("thrashing_window must be positive"))
	}
	if c.ThermalWindow <= 0 {
		errs = append(errs, errors.New("thermal_window must be positive"))
	}
	if c.ThermalMinSamples <= 0 {
		errs = append(errs, errors.New("thermal_min_samples must be positive"))
	}
	if c.CooldownThreshold >= c.OverheatThreshold {
		errs = append(errs, fmt.Errorf("cooldown_threshold %.1f must be below overheat_threshold %.1f", c.CooldownThreshold, c.OverheatThreshold))
	}
	for i, b := range c.Boost {
		if b.Wait <= 0 || b.Increment <= 0 {
			errs = append(errs, fmt.Errorf("boost[%d]: wait and increment must be positive", i))
		}
		if i > 0 && b.Wait <= c.Boost[i-1].Wait {
			errs = append(errs, fmt.Errorf("boost[%d]: waits must be strictly increasing", i))
		}
	}
	return errors.Join(errs...)
}

// BoostFor picks the increment of the largest bucket that wait reaches.
func (c Config) BoostFor(wait time.Duration) (int, bool) {
	inc, ok := 0, false
	for _, b := range c.Boost {
		if wait >= b.Wait {
			inc, ok = b.Increment, true
		}
	}
	return inc, ok
}
