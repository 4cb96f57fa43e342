// Package thermostat implements a closed-loop controller over a rolling
// window of return samples. When the mean return drifts outside the target
// band for a full window it nudges the engine's exploration tunables one
// clamped step, then holds off for a cooldown period so it never oscillates.
package thermostat

import (
	"fmt"
	"time"

	"github.com/kestrelhq/warren/internal/workflow"
)

// Direction labels which side of the target band the return signal left.
type Direction string

const (
	// DirectionDip means returns fell below the band; explore more.
	DirectionDip Direction = "dip"
	// DirectionSurge means returns rose above the band; exploit more.
	DirectionSurge Direction = "surge"
)

// Sample is one externally supplied return measurement.
type Sample struct {
	Timestamp time.Time          `json:"timestamp"`
	Return    float64            `json:"return"`
	Counters  map[string]float64 `json:"counters,omitempty"`
}

// Adjustment describes one applied (or advised) parameter move.
type Adjustment struct {
	Direction  Direction             `json:"direction"`
	MeanReturn float64               `json:"mean_return"`
	Before     workflow.EngineConfig `json:"before"`
	After      workflow.EngineConfig `json:"after"`
	Applied    bool                  `json:"applied"`
}

// Config holds the controller's band, step, clamp, and pacing settings.
type Config struct {
	Target      float64 `yaml:"target"`
	LowerMargin float64 `yaml:"lower_margin"`
	UpperMargin float64 `yaml:"upper_margin"`
	Window      int     `yaml:"window"`
	BiasStep    float64 `yaml:"bias_step"`
	BiasMin     float64 `yaml:"bias_min"`
	BiasMax     float64 `yaml:"bias_max"`
	TempStep    float64 `yaml:"temp_step"`
	TempMin     float64 `yaml:"temp_min"`
	TempMax     float64 `yaml:"temp_max"`
	Cooldown    int     `yaml:"cooldown"`
	Advisory    bool    `yaml:"advisory"`
}

// Validate checks the config for internally consistent bounds.
func (c *Config) Validate() error {
	if c.Target <= 0 {
		return fmt.Errorf("target must be positive, got %g", c.Target)
	}
	if c.LowerMargin < 0 || c.UpperMargin < 0 {
		return fmt.Errorf("margins must be non-negative")
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %d", c.Window)
	}
	if c.BiasMin > c.BiasMax {
		return fmt.Errorf("bias_min %g exceeds bias_max %g", c.BiasMin, c.BiasMax)
	}
	if c.TempMin > c.TempMax {
		return fmt.Errorf("temp_min %g exceeds temp_max %g", c.TempMin, c.TempMax)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must be non-negative, got %d", c.Cooldown)
	}
	return nil
}

// Tuner is the slice of the workflow the controller adjusts through.
type Tuner interface {
	EngineConfig() workflow.EngineConfig
	UpdateEngineParameters(patch workflow.ParameterPatch) workflow.EngineConfig
}

// Controller ingests return samples and steers engine tunables. It is not
// safe for concurrent use; feed it from a single goroutine.
type Controller struct {
	cfg      Config
	tuner    Tuner
	window   []float64
	next     int
	filled   int
	cooldown int
}

// New builds a controller over tuner. The config must already validate.
func New(cfg Config, tuner Tuner) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thermostat config: %w", err)
	}
	if tuner == nil {
		return nil, fmt.Errorf("tuner is required")
	}
	return &Controller{
		cfg:    cfg,
		tuner:  tuner,
		window: make([]float64, cfg.Window),
	}, nil
}

// Ingest appends sample to the rolling window and returns the adjustment it
// triggered, if any. While the window is not yet full, or a cooldown is
// pending, it only decrements the cooldown and returns nil.
func (c *Controller) Ingest(sample Sample) *Adjustment {
	c.window[c.next] = sample.Return
	c.next = (c.next + 1) % c.cfg.Window
	if c.filled < c.cfg.Window {
		c.filled++
	}

	if c.filled < c.cfg.Window || c.cooldown > 0 {
		if c.cooldown > 0 {
			c.cooldown--
		}
		return nil
	}

	mean := c.mean()
	var direction Direction
	switch {
	case mean < c.cfg.Target*(1-c.cfg.LowerMargin):
		direction = DirectionDip
	case mean > c.cfg.Target*(1+c.cfg.UpperMargin):
		direction = DirectionSurge
	default:
		return nil
	}

	before := c.tuner.EngineConfig()
	var bias, temp float64
	if direction == DirectionDip {
		bias = clamp(before.ExplorationBias+c.cfg.BiasStep, c.cfg.BiasMin, c.cfg.BiasMax)
		temp = clamp(before.Temperature+c.cfg.TempStep, c.cfg.TempMin, c.cfg.TempMax)
	} else {
		bias = clamp(before.ExplorationBias-c.cfg.BiasStep, c.cfg.BiasMin, c.cfg.BiasMax)
		temp = clamp(before.Temperature-c.cfg.TempStep, c.cfg.TempMin, c.cfg.TempMax)
	}

	// Cooldown restarts whether or not the step moved anything; a pinned
	// tunable should not cause re-evaluation on every subsequent sample.
	c.cooldown = c.cfg.Cooldown

	if bias == before.ExplorationBias && temp == before.Temperature {
		return nil
	}

	adj := &Adjustment{
		Direction:  direction,
		MeanReturn: mean,
		Before:     before,
		After:      workflow.EngineConfig{ExplorationBias: bias, Temperature: temp},
	}
	if !c.cfg.Advisory {
		patch := workflow.ParameterPatch{}
		if bias != before.ExplorationBias {
			patch.ExplorationBias = &bias
		}
		if temp != before.Temperature {
			patch.Temperature = &temp
		}
		adj.After = c.tuner.UpdateEngineParameters(patch)
		adj.Applied = true
	}
	return adj
}

// Cooldown reports how many more samples the controller will skip before it
// evaluates the window again.
func (c *Controller) Cooldown() int {
	return c.cooldown
}

func (c *Controller) mean() float64 {
	var sum float64
	for _, v := range c.window {
		sum += v
	}
	return sum / float64(c.cfg.Window)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
