package producers

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"schedline/internal/domain"
)

// Inserter is the single entry point producers use.
type Inserter interface {
	Insert(f any)
}

type Config struct {
	Seed uint64 `yaml:"seed"`

	TemperatureInterval time.Duration `yaml:"temperature_interval"`
	TemperatureStart    float64       `yaml:"temperature_start"`
	TemperatureStep     float64       `yaml:"temperature_step"`
	TemperatureMin      float64       `yaml:"temperature_min"`
	TemperatureMax      float64       `yaml:"temperature_max"`

	IOInterval time.Duration `yaml:"io_interval"`

	PageFaultInterval    time.Duration `yaml:"page_fault_interval"`
	PageFaultProbability float64       `yaml:"page_fault_probability"`
}

func DefaultConfig() Config {
	return Config{
		Seed:                 1,
		TemperatureInterval:  500 * time.Millisecond,
		TemperatureStart:     50,
		TemperatureStep:      4,
		TemperatureMin:       20,
		TemperatureMax:       130,
		IOInterval:           1500 * time.Millisecond,
		PageFaultInterval:    time.Second,
		PageFaultProbability: 0.2,
	}
}

func (c Config) Validate() error {
	if c.TemperatureInterval < 0 || c.IOInterval < 0 || c.PageFaultInterval < 0 {
		return fmt.Errorf("producer intervals must not be negative")
	}
	if c.TemperatureMin > c.TemperatureMax {
		return fmt.Errorf("temperature_min %.1f above temperature_max %.1f", c.TemperatureMin, c.TemperatureMax)
	}
	if c.PageFaultProbability < 0 || c.PageFaultProbability > 1 {
		return fmt.Errorf("page_fault_probability %.2f outside [0,1]", c.PageFaultProbability)
	}
	return nil
}

// Set generates the synthetic events of one run.
type Set struct {
	cfg Config
	log *zap.Logger
	// OnTemperature observes every sampled temperature.
	OnTemperature func(float64)
}

func New(cfg Config, log *zap.Logger) *Set {
	if log == nil {
		log = zap.NewNop()
	}
	return &Set{cfg: cfg, log: log}
}

// Run starts one producer per concern and blocks until ctx ends. A producer
// that panics is logged and stops alone.
func (s *Set) Run(ctx context.Context, target Inserter, desc domain.SystemDescription) error {
	g, ctx := errgroup.WithContext(ctx)
	seed := s.cfg.Seed
	if s.cfg.TemperatureInterval > 0 {
		s.spawn(g, "temperature", func() { s.temperature(ctx, target, rand.New(rand.NewPCG(seed, 0))) })
	}
	for i, p := range desc.Processes {
		id := p.ID
		if s.cfg.IOInterval > 0 && len(p.IOInstructions) > 0 {
			s.spawn(g, "io", func() { s.io(ctx, target, id) })
		}
		if s.cfg.PageFaultInterval > 0 && s.cfg.PageFaultProbability > 0 {
			r := rand.New(rand.NewPCG(seed, uint64(i+1)))
			s.spawn(g, "page_fault", func() { s.pageFaults(ctx, target, id, r) })
		}
	}
	return g.Wait()
}

func (s *Set) spawn(g *errgroup.Group, name string, fn func()) {
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("producer died", zap.String("producer", name), zap.Any("panic", r))
			}
		}()
		fn()
		return nil
	})
}

func every(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func (s *Set) temperature(ctx context.Context, target Inserter, r *rand.Rand) {
	temp := s.cfg.TemperatureStart
	every(ctx, s.cfg.TemperatureInterval, func() {
		temp = Walk(temp, r.Float64(), s.cfg)
		target.Insert(&domain.CpuTemperatureEvent{Temperature: temp})
		s.log.Debug("temperature sampled", zap.Float64("temperature", temp))
		if s.OnTemperature != nil {
			s.OnTemperature(temp)
		}
	})
}

// Walk moves temp by (u-0.5)*step and clamps it to the configured range.
func Walk(temp, u float64, cfg Config) float64 {
	temp += (u - 0.5) * cfg.TemperatureStep
	return max(cfg.TemperatureMin, min(cfg.TemperatureMax, temp))
}

func (s *Set) io(ctx context.Context, target Inserter, pid int) {
	every(ctx, s.cfg.IOInterval, func() {
		target.Insert(&domain.IOEvent{ProcessID: pid})
	})
}

func (s *Set) pageFaults(ctx context.Context, target Inserter, pid int, r *rand.Rand) {
	every(ctx, s.cfg.PageFaultInterval, func() {
		if r.Float64() < s.cfg.PageFaultProbability {
			target.Insert(&domain.PageFaultEvent{ProcessID: pid})
		}
	})
}

// Stepper emits the same events as Run, synchronously and in virtual time.
// Pseudo-clock runs call Step after every clock advance.
type Stepper struct {
	set      *Set
	desc     domain.SystemDescription
	temp     float64
	tempRand *rand.Rand
	faults   []*rand.Rand

	tempDue, ioDue, faultDue time.Duration
}

func (s *Set) Stepper(desc domain.SystemDescription) *Stepper {
	st := &Stepper{
		set:      s,
		desc:     desc,
		temp:     s.cfg.TemperatureStart,
		tempRand: rand.New(rand.NewPCG(s.cfg.Seed, 0)),
	}
	for i := range desc.Processes {
		st.faults = append(st.faults, rand.New(rand.NewPCG(s.cfg.Seed, uint64(i+1))))
	}
	return st
}

// Step accounts for elapsed virtual time and emits every event that fell due.
func (st *Stepper) Step(target Inserter, elapsed time.Duration) {
	cfg := st.set.cfg
	st.tempDue += elapsed
	st.ioDue += elapsed
	st.faultDue += elapsed
	for cfg.TemperatureInterval > 0 && st.tempDue >= cfg.TemperatureInterval {
		st.tempDue -= cfg.TemperatureInterval
		st.temp = Walk(st.temp, st.tempRand.Float64(), cfg)
		target.Insert(&domain.CpuTemperatureEvent{Temperature: st.temp})
		if st.set.OnTemperature != nil {
			st.set.OnTemperature(st.temp)
		}
	}
	for cfg.IOInterval > 0 && st.ioDue >= cfg.IOInterval {
		st.ioDue -= cfg.IOInterval
		for _, p := range st.desc.Processes {
			if len(p.IOInstructions) > 0 {
				target.Insert(&domain.IOEvent{ProcessID: p.ID})
			}
		}
	}
	for cfg.PageFaultInterval > 0 && st.faultDue >= cfg.PageFaultInterval {
		st.faultDue -= cfg.PageFaultInterval
		for i, p := range st.desc.Processes {
			if st.faults[i].Float64() < cfg.PageFaultProbability {
				target.Insert(&domain.PageFaultEvent{ProcessID: p.ID})
			}
		}
	}
}
