package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"schedline/internal/clock"
	"schedline/internal/domain"
	"schedline/internal/engine"
	"schedline/internal/facts"
	"schedline/internal/policy"
)

var ErrLiveClock = errors.New("session clock cannot be advanced")

type Options struct {
	Policy     policy.Config
	TTL        facts.TTL
	Clock      clock.Clock
	Tick       time.Duration
	MaxFirings int
	Logger     *zap.Logger
	Observer   engine.Observer
	// OnInsert is called for every fact entering working memory.
	OnInsert func(facts.Kind)
}

// DefaultOptions runs on the wall clock with the default policy.
func DefaultOptions() Options {
	return Options{
		Policy:     policy.Default(),
		TTL:        facts.DefaultTTL(),
		Clock:      clock.Live{},
		Tick:       100 * time.Millisecond,
		MaxFirings: 100000,
	}
}

// Session is one simulated machine: its working memory, the policy and the
// engine evaluating it.
type Session struct {
	id     string
	clock  clock.Clock
	store  *facts.Store
	engine *engine.Engine
	log    *zap.Logger
}

func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Live{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TTL == (facts.TTL{}) {
		opts.TTL = facts.DefaultTTL()
	}
	if opts.Policy.PagingTimeout == 0 {
		opts.Policy = policy.Default()
	}
	id := uuid.NewString()
	log := opts.Logger.With(zap.String("session", id))
	store := facts.NewStore(opts.Clock, opts.TTL, log)
	store.OnInsert = opts.OnInsert
	eng := engine.New(store, policy.Rules(opts.Policy), engine.Options{
		Tick:       opts.Tick,
		MaxFirings: opts.MaxFirings,
		Logger:     log,
		Observer:   opts.Observer,
	})
	return &Session{id: id, clock: opts.Clock, store: store, engine: eng, log: log}
}

// FromDescription validates desc and seeds a new session with its facts.
func FromDescription(opts Options, desc domain.SystemDescription) (*Session, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	s := New(opts)
	for _, f := range Facts(desc) {
		s.Insert(f)
	}
	s.log.Info("session created",
		zap.Int("processes", len(desc.Processes)),
		zap.Int("cores", desc.System.CpuCores),
		zap.Int("total_memory", desc.System.TotalMemory))
	return s, nil
}

// Facts translates a description into the initial working memory.
func Facts(desc domain.SystemDescription) []any {
	critical := desc.System.CriticalMemory
	if critical == 0 {
		critical = desc.System.TotalMemory / 4
	}
	out := []any{&domain.SystemState{
		AvailableMemory:     desc.System.TotalMemory,
		TotalMemory:         desc.System.TotalMemory,
		CriticalMemoryLimit: critical,
		CPUEnabled:          true,
	}}
	for i := 1; i <= desc.System.CpuCores; i++ {
		out = append(out, &domain.CpuCore{ID: i, Status: domain.CoreIdle, Enabled: true})
	}
	for _, p := range desc.Processes {
		safe := p.SafeMemoryLimit
		if safe == 0 {
			safe = p.MemoryRequirement
		}
		out = append(out, &domain.Process{
			ID:                p.ID,
			Priority:          p.Priority,
			MemoryRequirement: p.MemoryRequirement,
			SafeMemoryLimit:   safe,
			Status:            domain.StatusNew,
			Instructions:      p.InstructionTypes(),
		})
	}
	return out
}

func (s *Session) ID() string { return s.id }

func (s *Session) Clock() clock.Clock { return s.clock }

// Insert queues a fact. Safe for concurrent producers.
func (s *Session) Insert(f any) { s.store.Insert(f) }

// Advance moves a pseudo clock and wakes the engine.
func (s *Session) Advance(d time.Duration) error {
	p, ok := s.clock.(*clock.Pseudo)
	if !ok {
		return ErrLiveClock
	}
	p.Advance(d)
	s.engine.Wake()
	return nil
}

func (s *Session) RunUntilQuiescent() (int, error) {
	n, err := s.engine.RunUntilQuiescent()
	if err != nil {
		return n, fmt.Errorf("session %s: %w", s.id, err)
	}
	return n, nil
}

func (s *Session) RunUntilHalted(ctx context.Context) error {
	if err := s.engine.RunUntilHalted(ctx); err != nil {
		return fmt.Errorf("session %s: %w", s.id, err)
	}
	return nil
}

func (s *Session) Halt() { s.engine.Halt() }

func (s *Session) Halted() bool { return s.engine.Halted() }

func (s *Session) State() engine.State { return s.engine.State() }

func (s *Session) Trace() []engine.Firing { return s.engine.Trace() }

func (s *Session) Fired() int { return s.engine.Fired() }

func (s *Session) Audit() []facts.AuditRecord {
	var out []facts.AuditRecord
	s.engine.View(func(st *facts.Store) { out = st.Audit() })
	return out
}

// Snapshot is a deep copy of the long-lived facts.
type Snapshot struct {
	System    domain.SystemState `json:"system"`
	Cores     []domain.CpuCore   `json:"cores"`
	Processes []domain.Process   `json:"processes"`
	Events    map[string]int     `json:"events"`
}

func (s *Snapshot) Process(id int) (domain.Process, bool) {
	for _, p := range s.Processes {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Process{}, false
}

func (s *Snapshot) Core(id int) (domain.CpuCore, bool) {
	for _, c := range s.Cores {
		if c.ID == id {
			return c, true
		}
	}
	return domain.CpuCore{}, false
}

func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	s.engine.View(func(st *facts.Store) {
		if sys := st.System(); sys != nil {
			snap.System = *sys.System()
		}
		for _, e := range st.Cores() {
			c := *e.Core()
			if c.CurrentProcessID != nil {
				pid := *c.CurrentProcessID
				c.CurrentProcessID = &pid
			}
			snap.Cores = append(snap.Cores, c)
		}
		for _, e := range st.Processes() {
			p := *e.Process()
			p.Instructions = append([]domain.InstructionType(nil), p.Instructions...)
			snap.Processes = append(snap.Processes, p)
		}
		snap.Events = map[string]int{
			string(facts.KindTemperature): len(st.Temperatures()),
			string(facts.KindIO):          len(st.IOEvents()),
			string(facts.KindPageFault):   len(st.PageFaults()),
			string(facts.KindOverheat):    len(st.Overheats()),
		}
	})
	return snap
}

// Check reports violations of the memory accounting and core ownership
// invariants. Intended for tests and diagnostics.
func (s *Session) Check() error {
	var err error
	s.engine.View(func(st *facts.Store) {
		err = errors.Join(st.Consistent(), st.Accounting())
	})
	return err
}
