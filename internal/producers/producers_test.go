package producers_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"schedline/internal/domain"
	"schedline/internal/producers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sink struct {
	mu    sync.Mutex
	facts []any
}

func (s *sink) Insert(f any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, f)
}

func (s *sink) count(pred func(any) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.facts {
		if pred(f) {
			n++
		}
	}
	return n
}

func TestWalkClamps(t *testing.T) {
	cfg := producers.DefaultConfig()
	assert.Equal(t, 52.0, producers.Walk(50, 1, cfg))
	assert.Equal(t, 48.0, producers.Walk(50, 0, cfg))
	assert.Equal(t, cfg.TemperatureMax, producers.Walk(129.5, 1, cfg))
	assert.Equal(t, cfg.TemperatureMin, producers.Walk(20.5, 0, cfg))
}

func TestRunProducesEventsUntilCancelled(t *testing.T) {
	cfg := producers.DefaultConfig()
	cfg.TemperatureInterval = 2 * time.Millisecond
	cfg.IOInterval = 3 * time.Millisecond
	cfg.PageFaultInterval = 2 * time.Millisecond
	cfg.PageFaultProbability = 1

	var mu sync.Mutex
	var samples []float64
	set := producers.New(cfg, nil)
	set.OnTemperature = func(v float64) {
		mu.Lock()
		samples = append(samples, v)
		mu.Unlock()
	}

	desc := domain.SystemDescription{Processes: []domain.ProcessSpec{
		{ID: 1, Instructions: 2, IOInstructions: []int{1}},
		{ID: 2, Instructions: 2},
	}}
	out := &sink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- set.Run(ctx, out, desc) }()

	require.Eventually(t, func() bool {
		return out.count(func(f any) bool { _, ok := f.(*domain.IOEvent); return ok }) > 0 &&
			out.count(func(f any) bool { _, ok := f.(*domain.PageFaultEvent); return ok }) > 1
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, out.count(func(f any) bool {
		e, ok := f.(*domain.IOEvent)
		return ok && e.ProcessID != 1
	}), "only processes with io instructions get io events")

	mu.Lock()
	defer mu.Unlock()
	for _, v := range samples {
		assert.GreaterOrEqual(t, v, cfg.TemperatureMin)
		assert.LessOrEqual(t, v, cfg.TemperatureMax)
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, producers.DefaultConfig().Validate())
	cfg := producers.DefaultConfig()
	cfg.PageFaultProbability = 2
	assert.Error(t, cfg.Validate())
}

func TestStepperIsDeterministic(t *testing.T) {
	cfg := producers.DefaultConfig()
	cfg.PageFaultProbability = 0.5
	desc := domain.SystemDescription{Processes: []domain.ProcessSpec{
		{ID: 1, Instructions: 3, IOInstructions: []int{2}},
		{ID: 2, Instructions: 3},
	}}
	collect := func() []any {
		out := &sink{}
		st := producers.New(cfg, nil).Stepper(desc)
		for range 30 {
			st.Step(out, 100*time.Millisecond)
		}
		return out.facts
	}
	first, second := collect(), collect()
	assert.Equal(t, first, second)

	out := &sink{facts: first}
	// 3s of virtual time: six samples, two io rounds, three fault rounds
	assert.Equal(t, 6, out.count(func(f any) bool { _, ok := f.(*domain.CpuTemperatureEvent); return ok }))
	assert.Equal(t, 2, out.count(func(f any) bool { _, ok := f.(*domain.IOEvent); return ok }))
	assert.LessOrEqual(t, out.count(func(f any) bool { _, ok := f.(*domain.PageFaultEvent); return ok }), 6)
}
