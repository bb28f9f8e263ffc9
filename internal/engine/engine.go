package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"schedline/internal/domain"
	"schedline/internal/facts"
)

var (
	ErrFiringLimit    = errors.New("firing limit reached")
	ErrInvariant      = errors.New("invariant violated")
	ErrAlreadyRunning = errors.New("engine already running")
)

// Tier is the conflict-resolution class of a rule. Lower tiers fire first.
type Tier int

const (
	TierTermination Tier = iota + 1
	TierSafety
	TierRelease
	TierPreemption
	TierAdmission
	TierAssignment
	TierExecution
	TierBoost
)

func (t Tier) String() string {
	switch t {
	case TierTermination:
		return "termination"
	case TierSafety:
		return "safety"
	case TierRelease:
		return "release"
	case TierPreemption:
		return "preemption"
	case TierAdmission:
		return "admission"
	case TierAssignment:
		return "assignment"
	case TierExecution:
		return "execution"
	case TierBoost:
		return "boost"
	}
	return "tier(" + strconv.Itoa(int(t)) + ")"
}

type State int32

const (
	StateIdle State = iota
	StateEvaluating
	StateFiring
	StateHalted
)

func (s State) String() string {
	return [...]string{"idle", "evaluating", "firing", "halted"}[s]
}

// Rule is a condition over working memory yielding one Match per binding.
type Rule struct {
	Name string
	Tier Tier
	When func(*Context) []Match
}

// Match is one activation candidate. ProcessID orders matches within a tier;
// leave it zero when the binding is not about a process.
type Match struct {
	ProcessID int
	Facts     []*facts.Entry
	Do        func(*Context)
}

type FactRef struct {
	Handle    facts.Handle `json:"handle"`
	Kind      facts.Kind   `json:"kind"`
	Fact      string       `json:"fact"`
	ProcessID *int         `json:"process_id,omitempty"`
}

// Firing is one entry of the trace.
type Firing struct {
	Seq     int            `json:"seq"`
	Rule    string         `json:"rule"`
	Tier    Tier           `json:"tier"`
	At      time.Time      `json:"at"`
	Bound   []FactRef      `json:"bound"`
	Changes []facts.Change `json:"changes"`
}

// Touched lists the descriptions of bound facts followed by facts the action
// inserted.
func (f Firing) Touched() []string {
	out := make([]string, 0, len(f.Bound)+len(f.Changes))
	seen := map[facts.Handle]bool{}
	for _, b := range f.Bound {
		out = append(out, b.Fact)
		seen[b.Handle] = true
	}
	for _, c := range f.Changes {
		if !seen[c.Handle] {
			out = append(out, c.Fact)
			seen[c.Handle] = true
		}
	}
	return out
}

// Observer receives every firing. Metrics hook in here.
type Observer interface {
	RuleFired(rule string, tier Tier, took time.Duration)
}

type Options struct {
	// Tick re-enters evaluation while idle so timed rules fire without new
	// facts. Zero disables it.
	Tick       time.Duration
	MaxFirings int
	Logger     *zap.Logger
	Observer   Observer
}

type Engine struct {
	store *facts.Store
	rules []Rule
	opts  Options
	log   *zap.Logger

	mu    sync.Mutex
	fired map[string]struct{}
	trace []Firing

	state    atomic.Int32
	running  atomic.Bool
	haltOnce sync.Once
	haltCh   chan struct{}
	wake     chan struct{}
}

func New(store *facts.Store, rules []Rule, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:  store,
		rules:  rules,
		opts:   opts,
		log:    log,
		fired:  map[string]struct{}{},
		haltCh: make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) {
	if e.State() == StateHalted {
		return
	}
	e.state.Store(int32(s))
}

// Halt stops the engine after the firing in progress, if any. Safe to call
// from any goroutine, any number of times.
func (e *Engine) Halt() {
	e.haltOnce.Do(func() {
		close(e.haltCh)
		e.state.Store(int32(StateHalted))
		e.log.Info("engine halted")
	})
}

func (e *Engine) Halted() bool {
	select {
	case <-e.haltCh:
		return true
	default:
		return false
	}
}

// Wake makes an idle RunUntilHalted re-evaluate, e.g. after the clock moved.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// RunUntilQuiescent fires until no activation remains or the engine halts.
func (e *Engine) RunUntilQuiescent() (int, error) {
	if !e.running.CompareAndSwap(false, true) {
		return 0, ErrAlreadyRunning
	}
	defer e.running.Store(false)
	defer e.absorb()

	n := 0
	for {
		fired, err := e.step()
		if err != nil {
			return n, err
		}
		if !fired {
			return n, nil
		}
		n++
	}
}

// RunUntilHalted fires while there is work and blocks while quiescent until a
// fact arrives, Wake or Halt is called, the tick elapses, or ctx ends.
func (e *Engine) RunUntilHalted(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)
	defer e.absorb()

	var tick <-chan time.Time
	if e.opts.Tick > 0 {
		t := time.NewTicker(e.opts.Tick)
		defer t.Stop()
		tick = t.C
	}
	for {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			fired, err := e.step()
			if err != nil {
				return err
			}
			if !fired {
				break
			}
		}
		if e.Halted() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.haltCh:
			return nil
		case <-e.store.Notify():
		case <-e.wake:
		case <-tick:
		}
	}
}

// absorb pulls facts queued before a halt into working memory so none are
// lost when the run returns.
func (e *Engine) absorb() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Halted() {
		e.store.Drain()
	}
}

type activation struct {
	rule  *Rule
	index int
	match Match
	key   string
}

func (a activation) less(b activation) bool {
	if a.rule.Tier != b.rule.Tier {
		return a.rule.Tier < b.rule.Tier
	}
	if a.match.ProcessID != b.match.ProcessID {
		return a.match.ProcessID < b.match.ProcessID
	}
	return a.index < b.index
}

// step drains queued facts, evaluates every rule and fires the winner.
func (e *Engine) step() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	drained := e.store.Drain()
	e.store.Sweep()
	if e.Halted() {
		return false, nil
	}
	// facts inserted from outside have not passed through a rule yet
	if drained > 0 {
		if err := e.store.Consistent(); err != nil {
			e.log.Error("inserted facts violate an invariant", zap.Error(err))
			e.Halt()
			return false, fmt.Errorf("%w: inserted facts: %w", ErrInvariant, err)
		}
	}
	e.setState(StateEvaluating)
	best, ok := e.evaluate()
	if !ok {
		e.setState(StateIdle)
		return false, nil
	}
	if e.opts.MaxFirings > 0 && len(e.trace) >= e.opts.MaxFirings {
		e.setState(StateIdle)
		e.log.Warn("firing limit reached", zap.Int("limit", e.opts.MaxFirings))
		return false, ErrFiringLimit
	}
	e.setState(StateFiring)
	if err := e.fire(best); err != nil {
		e.log.Error("rule violated an invariant", zap.String("rule", best.rule.Name), zap.Error(err))
		e.Halt()
		return true, err
	}
	e.setState(StateEvaluating)
	return true, nil
}

func (e *Engine) evaluate() (activation, bool) {
	ctx := &Context{Store: e.store, engine: e}
	var best activation
	found := false
	for i := range e.rules {
		r := &e.rules[i]
		for _, m := range r.When(ctx) {
			key := activationKey(r.Name, m.Facts)
			if _, done := e.fired[key]; done {
				continue
			}
			a := activation{rule: r, index: i, match: m, key: key}
			if !found || a.less(best) {
				best, found = a, true
			}
		}
	}
	return best, found
}

func (e *Engine) fire(a activation) error {
	start := time.Now()
	bound := refs(a.match.Facts)
	e.store.BeginFiring(a.rule.Name)
	ctx := &Context{Store: e.store, engine: e}
	a.match.Do(ctx)
	changes := e.store.EndFiring()
	e.fired[a.key] = struct{}{}

	f := Firing{
		Seq:     len(e.trace) + 1,
		Rule:    a.rule.Name,
		Tier:    a.rule.Tier,
		At:      e.store.Clock().Now(),
		Bound:   bound,
		Changes: changes,
	}
	e.trace = append(e.trace, f)
	took := time.Since(start)
	e.log.Debug("rule fired",
		zap.Int("seq", f.Seq),
		zap.String("rule", f.Rule),
		zap.Stringer("tier", f.Tier),
		zap.Int("process_id", a.match.ProcessID),
		zap.Int("changes", len(changes)))
	if e.opts.Observer != nil {
		e.opts.Observer.RuleFired(f.Rule, f.Tier, took)
	}

	err := errors.Join(ctx.errs...)
	if cerr := e.store.Consistent(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return fmt.Errorf("%w: rule %q: %w", ErrInvariant, a.rule.Name, err)
	}
	if ctx.halt {
		e.Halt()
	}
	return nil
}

func activationKey(rule string, bound []*facts.Entry) string {
	var b strings.Builder
	b.WriteString(rule)
	for _, f := range bound {
		b.WriteByte('|')
		b.WriteString(strconv.FormatUint(uint64(f.Handle), 10))
		b.WriteByte('@')
		b.WriteString(strconv.FormatUint(f.Version, 10))
	}
	return b.String()
}

func refs(bound []*facts.Entry) []FactRef {
	out := make([]FactRef, 0, len(bound))
	for _, f := range bound {
		r := FactRef{Handle: f.Handle, Kind: f.Kind, Fact: f.String()}
		if p, ok := f.Fact.(*domain.Process); ok {
			id := p.ID
			r.ProcessID = &id
		}
		out = append(out, r)
	}
	return out
}

// Trace returns a copy of the firings so far.
func (e *Engine) Trace() []Firing {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Firing, len(e.trace))
	copy(out, e.trace)
	return out
}

func (e *Engine) Fired() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.trace)
}

// View runs fn with exclusive access to working memory.
func (e *Engine) View(fn func(*facts.Store)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.store)
}

// Context is what rule conditions and actions see.
type Context struct {
	Store  *facts.Store
	engine *Engine
	errs   []error
	halt   bool
}

func (c *Context) Now() time.Time { return c.Store.Clock().Now() }

func (c *Context) Stamp() domain.Stamp { return c.Store.Stamp() }

// Update marks mutated facts. Validation failures surface after the action.
func (c *Context) Update(es ...*facts.Entry) {
	for _, e := range es {
		if err := c.Store.Update(e); err != nil {
			c.errs = append(c.errs, err)
		}
	}
}

func (c *Context) Retract(e *facts.Entry) {
	if err := c.Store.Retract(e); err != nil {
		c.errs = append(c.errs, err)
	}
}

func (c *Context) Insert(f any) *facts.Entry { return c.Store.Add(f) }

// Halt stops the engine once the current action returns.
func (c *Context) Halt() { c.halt = true }
