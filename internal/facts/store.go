package facts

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"schedline/internal/clock"
	"schedline/internal/domain"
)

var ErrNotTracked = errors.New("fact not tracked")

type validator interface {
	Validate() error
}

// Store is the working memory of one session.
//
// Insert is the only method safe to call from any goroutine: it queues the
// fact until the owner calls Drain. Every other method belongs to the single
// goroutine evaluating rules.
type Store struct {
	clock clock.Clock
	ttl   TTL
	log   *zap.Logger

	// OnInsert, when set, is called for each fact entering working memory.
	OnInsert func(Kind)

	mu      sync.Mutex
	pending []queued
	notify  chan struct{}

	entries []*Entry
	index   map[Handle]*Entry
	next    Handle
	seq     uint64
	rule    string
	changes []Change
	audit   []AuditRecord
}

// queued is a fact waiting for Drain, stamped with the time it was inserted.
type queued struct {
	fact any
	at   time.Time
}

func NewStore(c clock.Clock, ttl TTL, log *zap.Logger) *Store {
	if c == nil {
		c = clock.Live{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		clock:  c,
		ttl:    ttl,
		log:    log,
		notify: make(chan struct{}, 1),
		index:  map[Handle]*Entry{},
	}
}

func (s *Store) Clock() clock.Clock { return s.clock }

// Insert queues f for the next evaluation pass. The fact's insertion time,
// and so its expiry, is the clock reading here, not at Drain. Unknown fact
// types are a programming error and panic.
func (s *Store) Insert(f any) {
	if _, ok := KindOf(f); !ok {
		panic(fmt.Sprintf("facts: unsupported fact type %T", f))
	}
	at := s.clock.Now()
	s.mu.Lock()
	s.pending = append(s.pending, queued{fact: f, at: at})
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Notify fires after Insert queued something.
func (s *Store) Notify() <-chan struct{} { return s.notify }

func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Drain moves queued facts into working memory and returns how many moved.
// Events whose TTL ran out while queued are dropped.
func (s *Store) Drain() int {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	now := s.clock.Now()
	moved := 0
	for _, q := range batch {
		kind, _ := KindOf(q.fact)
		if ttl := s.ttl.For(kind); kind.IsEvent() && ttl > 0 && !now.Before(q.at.Add(ttl)) {
			s.log.Debug("event expired before drain", zap.String("kind", string(kind)))
			continue
		}
		s.add(q.fact, q.at)
		moved++
	}
	return moved
}

// Add puts f straight into working memory. Rule actions use this.
func (s *Store) Add(f any) *Entry {
	if _, ok := KindOf(f); !ok {
		panic(fmt.Sprintf("facts: unsupported fact type %T", f))
	}
	return s.add(f, s.clock.Now())
}

func (s *Store) add(f any, at time.Time) *Entry {
	kind, _ := KindOf(f)
	if p, ok := f.(*domain.Process); ok {
		if s.ProcessByID(p.ID) != nil {
			panic(fmt.Sprintf("facts: duplicate process id %d", p.ID))
		}
		if p.LastStatusChange.IsZero() {
			p.LastStatusChange = s.stampAt(at)
		}
	}
	if kind == KindSystem && s.System() != nil {
		panic("facts: SystemState is a singleton")
	}
	st := s.stampAt(at)
	s.next++
	e := &Entry{Handle: s.next, Kind: kind, Fact: f, Version: 1, Stamp: st, InsertedAt: at}
	if ttl := s.ttl.For(kind); kind.IsEvent() && ttl > 0 {
		e.ExpiresAt = at.Add(ttl)
	}
	s.entries = append(s.entries, e)
	s.index[e.Handle] = e
	s.record(OpInsert, e)
	if s.OnInsert != nil {
		s.OnInsert(kind)
	}
	return e
}

// Update bumps the version of a mutated fact and validates it.
func (s *Store) Update(e *Entry) error {
	if _, ok := s.index[e.Handle]; !ok {
		return fmt.Errorf("update %s: %w", e, ErrNotTracked)
	}
	e.Version++
	s.record(OpUpdate, e)
	if v, ok := e.Fact.(validator); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Retract(e *Entry) error {
	if _, ok := s.index[e.Handle]; !ok {
		return fmt.Errorf("retract %s: %w", e, ErrNotTracked)
	}
	s.remove(e)
	s.record(OpRetract, e)
	return nil
}

func (s *Store) remove(e *Entry) {
	delete(s.index, e.Handle)
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
}

// Sweep drops expired events. Queries skip them whether or not a sweep ran.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	var expired []*Entry
	for _, e := range s.entries {
		if e.Expired(now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		s.remove(e)
		s.record(OpExpire, e)
	}
	if len(expired) > 0 {
		s.log.Debug("expired events", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Query returns live entries of kind, in insertion order, that satisfy pred.
func (s *Store) Query(kind Kind, pred func(*Entry) bool) []*Entry {
	now := s.clock.Now()
	var out []*Entry
	for _, e := range s.entries {
		if e.Kind != kind || e.Expired(now) {
			continue
		}
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Get(h Handle) *Entry {
	e := s.index[h]
	if e == nil || e.Expired(s.clock.Now()) {
		return nil
	}
	return e
}

func (s *Store) Len() int { return len(s.entries) }

func (s *Store) System() *Entry {
	if es := s.Query(KindSystem, nil); len(es) > 0 {
		return es[0]
	}
	return nil
}

// Cores are ordered by id.
func (s *Store) Cores() []*Entry {
	out := s.Query(KindCore, nil)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Core().ID < out[j].Core().ID })
	return out
}

// Processes are ordered by id.
func (s *Store) Processes() []*Entry {
	out := s.Query(KindProcess, nil)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Process().ID < out[j].Process().ID })
	return out
}

func (s *Store) ProcessByID(id int) *Entry {
	for _, e := range s.entries {
		if e.Kind == KindProcess && e.Process().ID == id {
			return e
		}
	}
	return nil
}

// CoreOf returns the core currently holding pid.
func (s *Store) CoreOf(pid int) *Entry {
	for _, e := range s.Cores() {
		if e.Core().Runs(pid) {
			return e
		}
	}
	return nil
}

func (s *Store) Temperatures() []*Entry { return s.Query(KindTemperature, nil) }

func (s *Store) IOEvents() []*Entry { return s.Query(KindIO, nil) }

func (s *Store) PageFaults() []*Entry { return s.Query(KindPageFault, nil) }

func (s *Store) Overheats() []*Entry { return s.Query(KindOverheat, nil) }

// Stamp returns the current time with a strictly increasing sequence.
func (s *Store) Stamp() domain.Stamp {
	return s.stampAt(s.clock.Now())
}

func (s *Store) stampAt(at time.Time) domain.Stamp {
	s.seq++
	return domain.Stamp{At: at, Seq: s.seq}
}

// BeginFiring attributes subsequent mutations to rule.
func (s *Store) BeginFiring(rule string) {
	s.rule = rule
	s.changes = nil
}

// EndFiring returns the mutations made since BeginFiring.
func (s *Store) EndFiring() []Change {
	out := s.changes
	s.rule = ""
	s.changes = nil
	return out
}

func (s *Store) record(op Op, e *Entry) {
	desc := describe(e.Fact)
	s.audit = append(s.audit, AuditRecord{
		Seq:    uint64(len(s.audit) + 1),
		At:     s.clock.Now(),
		Op:     op,
		Handle: e.Handle,
		Kind:   e.Kind,
		Rule:   s.rule,
		Fact:   desc,
	})
	if s.rule == "" || op == OpExpire {
		return
	}
	c := Change{Op: op, Handle: e.Handle, Kind: e.Kind, Fact: desc}
	if e.Kind == KindProcess {
		id := e.Process().ID
		c.ProcessID = &id
	}
	s.changes = append(s.changes, c)
}

func (s *Store) Audit() []AuditRecord {
	out := make([]AuditRecord, len(s.audit))
	copy(out, s.audit)
	return out
}

// Consistent checks the cross-fact invariants that must hold after every firing.
func (s *Store) Consistent() error {
	var errs []error
	if sys := s.System(); sys != nil {
		if err := sys.System().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	owner := map[int]int{}
	for _, e := range s.Cores() {
		c := e.Core()
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if c.CurrentProcessID == nil {
			continue
		}
		pid := *c.CurrentProcessID
		if other, ok := owner[pid]; ok {
			errs = append(errs, fmt.Errorf("process %d held by cores %d and %d", pid, other, c.ID))
		}
		owner[pid] = c.ID
	}
	for _, e := range s.Processes() {
		if err := e.Process().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Accounting reports whether available memory equals total memory minus the
// requirement of every process holding a reservation.
func (s *Store) Accounting() error {
	sys := s.System()
	if sys == nil {
		return nil
	}
	held := 0
	for _, e := range s.Processes() {
		if p := e.Process(); p.HoldsMemory() {
			held += p.MemoryRequirement
		}
	}
	st := sys.System()
	if want := st.TotalMemory - held; st.AvailableMemory != want {
		return fmt.Errorf("available memory %d, want %d (total %d, held %d)", st.AvailableMemory, want, st.TotalMemory, held)
	}
	return nil
}
