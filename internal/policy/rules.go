package policy

import (
	"sort"
	"time"

	"schedline/internal/domain"
	"schedline/internal/engine"
	"schedline/internal/facts"
)

// Rule names are stable: reports classify firings by them.
const (
	RuleStopSystem      = "Stop system"
	RuleFinish          = "Finish executing the process"
	RuleThermalShutdown = "Shut down overheated CPU"
	RuleThrashing       = "Suspend thrashing process"
	RuleCooldown        = "Cool down CPU"
	RuleHandleIO        = "Handle I/O events"
	RulePagingTimeout   = "Finish paging after timeout"
	RuleHandlePageFault = "Handle page fault"
	RuleResume          = "Resume suspended process"
	RulePreempt         = "Preempt when there is a process with higher priority"
	RuleMakeReady       = "Make process ready"
	RuleSchedule        = "Schedule process"
	RuleExecute         = "Execute instruction"
	RuleBlockIO         = "Block process on I/O"
	RuleBoost           = "Boost priority of waiting process"
)

// Rules returns the catalog in declaration order. Order only matters between
// rules of the same tier binding the same process.
func Rules(cfg Config) []engine.Rule {
	p := catalog{cfg: cfg}
	return []engine.Rule{
		{Name: RuleStopSystem, Tier: engine.TierTermination, When: p.stopSystem},
		{Name: RuleFinish, Tier: engine.TierTermination, When: p.finish},
		{Name: RuleThermalShutdown, Tier: engine.TierSafety, When: p.thermalShutdown},
		{Name: RuleThrashing, Tier: engine.TierSafety, When: p.thrashing},
		{Name: RuleCooldown, Tier: engine.TierSafety, When: p.cooldown},
		{Name: RuleHandleIO, Tier: engine.TierRelease, When: p.handleIO},
		{Name: RulePagingTimeout, Tier: engine.TierRelease, When: p.pagingTimeout},
		{Name: RuleHandlePageFault, Tier: engine.TierRelease, When: p.handlePageFault},
		{Name: RuleResume, Tier: engine.TierRelease, When: p.resume},
		{Name: RulePreempt, Tier: engine.TierPreemption, When: p.preempt},
		{Name: RuleMakeReady, Tier: engine.TierAdmission, When: p.makeReady},
		{Name: RuleSchedule, Tier: engine.TierAssignment, When: p.schedule},
		{Name: RuleExecute, Tier: engine.TierExecution, When: p.execute},
		{Name: RuleBlockIO, Tier: engine.TierExecution, When: p.blockIO},
		{Name: RuleBoost, Tier: engine.TierBoost, When: p.boost},
	}
}

type catalog struct {
	cfg Config
}

func byStatus(s *facts.Store, st domain.ProcessStatus) []*facts.Entry {
	return s.Query(facts.KindProcess, func(e *facts.Entry) bool { return e.Process().Status == st })
}

// idleCore is the lowest-id core that can take work.
func idleCore(s *facts.Store) *facts.Entry {
	for _, c := range s.Cores() {
		if core := c.Core(); core.Enabled && core.Status == domain.CoreIdle {
			return c
		}
	}
	return nil
}

// bestReady is the READY process with the highest priority, lowest id first.
func bestReady(s *facts.Store) *facts.Entry {
	ready := byStatus(s, domain.StatusReady)
	if len(ready) == 0 {
		return nil
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i].Process(), ready[j].Process()
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	return ready[0]
}

// running pairs each RUNNING process with the core holding it.
func running(s *facts.Store) [][2]*facts.Entry {
	var out [][2]*facts.Entry
	for _, p := range s.Processes() {
		if p.Process().Status != domain.StatusRunning {
			continue
		}
		if c := s.CoreOf(p.Process().ID); c != nil {
			out = append(out, [2]*facts.Entry{p, c})
		}
	}
	return out
}

func (c catalog) stopSystem(ctx *engine.Context) []engine.Match {
	procs := ctx.Store.Processes()
	if len(procs) == 0 {
		return nil
	}
	for _, p := range procs {
		if st := p.Process().Status; st != domain.StatusExit && st != domain.StatusSuspended {
			return nil
		}
	}
	return []engine.Match{{
		Facts: procs,
		Do:    func(ctx *engine.Context) { ctx.Halt() },
	}}
}

func (c catalog) finish(ctx *engine.Context) []engine.Match {
	sys := ctx.Store.System()
	if sys == nil {
		return nil
	}
	var out []engine.Match
	for _, pe := range byStatus(ctx.Store, domain.StatusRunning) {
		if !pe.Process().Done() {
			continue
		}
		core := ctx.Store.CoreOf(pe.Process().ID)
		bound := []*facts.Entry{pe, sys}
		if core != nil {
			bound = append(bound, core)
		}
		out = append(out, engine.Match{
			ProcessID: pe.Process().ID,
			Facts:     bound,
			Do: func(ctx *engine.Context) {
				p := pe.Process()
				st := ctx.Stamp()
				p.SetStatus(domain.StatusExit, st)
				sys.System().AvailableMemory += p.MemoryRequirement
				ctx.Update(pe, sys)
				if core != nil {
					core.Core().Release(st)
					ctx.Update(core)
				}
			},
		})
	}
	return out
}

// window returns the temperatures sampled within span of now and their mean.
func window(ctx *engine.Context, span time.Duration) ([]*facts.Entry, float64) {
	from := ctx.Now().Add(-span)
	var in []*facts.Entry
	sum := 0.0
	for _, t := range ctx.Store.Temperatures() {
		if t.InsertedAt.Before(from) {
			continue
		}
		in = append(in, t)
		sum += t.Temperature().Temperature
	}
	if len(in) == 0 {
		return nil, 0
	}
	return in, sum / float64(len(in))
}

func (c catalog) thermalShutdown(ctx *engine.Context) []engine.Match {
	sys := ctx.Store.System()
	if sys == nil || !sys.System().CPUEnabled || len(ctx.Store.Overheats()) > 0 {
		return nil
	}
	temps, avg := window(ctx, c.cfg.ThermalWindow)
	if len(temps) < c.cfg.ThermalMinSamples || avg < c.cfg.OverheatThreshold {
		return nil
	}
	return []engine.Match{{
		Facts: append([]*facts.Entry{sys}, temps...),
		Do: func(ctx *engine.Context) {
			ctx.Insert(&domain.CpuOverheatEvent{})
			sys.System().CPUEnabled = false
			ctx.Update(sys)
			st := ctx.Stamp()
			for _, pe := range byStatus(ctx.Store, domain.StatusRunning) {
				pe.Process().SetStatus(domain.StatusReady, st)
				ctx.Update(pe)
			}
			for _, ce := range ctx.Store.Cores() {
				core := ce.Core()
				if core.Status != domain.CoreIdle {
					core.Release(st)
				}
				core.Enabled = false
				ctx.Update(ce)
			}
		},
	}}
}

func (c catalog) cooldown(ctx *engine.Context) []engine.Match {
	sys := ctx.Store.System()
	if sys == nil || sys.System().CPUEnabled {
		return nil
	}
	temps, avg := window(ctx, c.cfg.ThermalWindow)
	if len(temps) < c.cfg.ThermalMinSamples || avg > c.cfg.CooldownThreshold {
		return nil
	}
	return []engine.Match{{
		Facts: append([]*facts.Entry{sys}, temps...),
		Do: func(ctx *engine.Context) {
			sys.System().CPUEnabled = true
			ctx.Update(sys)
			for _, ce := range ctx.Store.Cores() {
				ce.Core().Enabled = true
				ctx.Update(ce)
			}
		},
	}}
}

// thrashing counts faults raised for a process within the window and after
// it last entered RUNNING, so a resumed process starts with a clean slate.
func (c catalog) thrashing(ctx *engine.Context) []engine.Match {
	sys := ctx.Store.System()
	if sys == nil {
		return nil
	}
	st := sys.System()
	if st.AvailableMemory >= st.CriticalMemoryLimit {
		return nil
	}
	from := ctx.Now().Add(-c.cfg.ThrashingWindow)
	var out []engine.Match
	for _, pair := range running(ctx.Store) {
		pe, ce := pair[0], pair[1]
		p := pe.Process()
		faults := ctx.Store.Query(facts.KindPageFault, func(e *facts.Entry) bool {
			return e.PageFault().ProcessID == p.ID &&
				!e.InsertedAt.Before(from) &&
				p.LastStatusChange.Before(e.Stamp)
		})
		if len(faults) < c.cfg.ThrashingFaults {
			continue
		}
		out = append(out, engine.Match{
			ProcessID: p.ID,
			Facts:     append([]*facts.Entry{pe, ce, sys}, faults...),
			Do: func(ctx *engine.Context) {
				stamp := ctx.Stamp()
				p.SetStatus(domain.StatusSuspended, stamp)
				ce.Core().Release(stamp)
				st.AvailableMemory += p.MemoryRequirement
				ctx.Update(pe, ce, sys)
			},
		})
	}
	return out
}

func (c catalog) handleIO(ctx *engine.Context) []engine.Match {
	var out []engine.Match
	for _, ev := range ctx.Store.IOEvents() {
		pe := ctx.Store.ProcessByID(ev.IO().ProcessID)
		if pe == nil || pe.Process().Status != domain.StatusBlocked {
			continue
		}
		out = append(out, engine.Match{
			ProcessID: pe.Process().ID,
			Facts:     []*facts.Entry{ev, pe},
			Do: func(ctx *engine.Context) {
				p := pe.Process()
				p.SetStatus(domain.StatusReady, ctx.Stamp())
				p.CurrentInstruction++
				ctx.Update(pe)
				ctx.Retract(ev)
			},
		})
	}
	return out
}

func (c catalog) pagingTimeout(ctx *engine.Context) []engine.Match {
	now := ctx.Now()
	var out []engine.Match
	for _, ce := range ctx.Store.Cores() {
		core := ce.Core()
		if core.Status != domain.CorePaging || core.CurrentProcessID == nil ||
			now.Sub(core.LastStatusChange.At) < c.cfg.PagingTimeout {
			continue
		}
		out = append(out, engine.Match{
			ProcessID: *core.CurrentProcessID,
			Facts:     []*facts.Entry{ce},
			Do: func(ctx *engine.Context) {
				ce.Core().SetStatus(domain.CoreBusy, ctx.Stamp())
				ctx.Update(ce)
			},
		})
	}
	return out
}

// handlePageFault uses the same staleness rule as thrashing.
func (c catalog) handlePageFault(ctx *engine.Context) []engine.Match {
	var out []engine.Match
	for _, fe := range ctx.Store.PageFaults() {
		if fe.PageFault().Handled {
			continue
		}
		pid := fe.PageFault().ProcessID
		pe := ctx.Store.ProcessByID(pid)
		if pe == nil || pe.Process().Status != domain.StatusRunning {
			continue
		}
		// a fault raised before the process last entered RUNNING belongs to an earlier run slice
		if !pe.Process().LastStatusChange.Before(fe.Stamp) {
			continue
		}
		ce := ctx.Store.CoreOf(pid)
		if ce == nil || ce.Core().Status != domain.CoreBusy {
			continue
		}
		out = append(out, engine.Match{
			ProcessID: pid,
			Facts:     []*facts.Entry{fe, pe, ce},
			Do: func(ctx *engine.Context) {
				ce.Core().SetStatus(domain.CorePaging, ctx.Stamp())
				fe.PageFault().Handled = true
				ctx.Update(ce, fe)
			},
		})
	}
	return out
}

func (c catalog) resume(ctx *engine.Context) []engine.Match {
	sys := ctx.Store.System()
	if sys == nil {
		return nil
	}
	avail := sys.System().AvailableMemory
	var out []engine.Match
	for _, pe := range byStatus(ctx.Store, domain.StatusSuspended) {
		p := pe.Process()
		if avail < p.SafeMemoryLimit || avail < p.MemoryRequirement {
			continue
		}
		out = append(out, engine.Match{
			ProcessID: p.ID,
			Facts:     []*facts.Entry{pe, sys},
			Do: func(ctx *engine.Context) {
				p.SetStatus(domain.StatusReady, ctx.Stamp())
				sys.System().AvailableMemory -= p.MemoryRequirement
				ctx.Update(pe, sys)
			},
		})
	}
	return out
}

func (c catalog) preempt(ctx *engine.Context) []engine.Match {
	sys := ctx.Store.System()
	if sys == nil || !sys.System().CPUEnabled || idleCore(ctx.Store) != nil {
		return nil
	}
	best := bestReady(ctx.Store)
	if best == nil {
		return nil
	}
	var victim, victimCore *facts.Entry
	for _, pair := range running(ctx.Store) {
		pe, ce := pair[0], pair[1]
		if ce.Core().Status != domain.CoreBusy || !ce.Core().Enabled {
			continue
		}
		// lowest priority loses; among equals the latest id.
		if victim == nil || pe.Process().Priority <= victim.Process().Priority {
			victim, victimCore = pe, ce
		}
	}
	if victim == nil || best.Process().Priority <= victim.Process().Priority {
		return nil
	}
	return []engine.Match{{
		ProcessID: best.Process().ID,
		Facts:     []*facts.Entry{best, victim, victimCore},
		Do: func(ctx *engine.Context) {
			st := ctx.Stamp()
			victim.Process().SetStatus(domain.StatusReady, st)
			victimCore.Core().Assign(best.Process().ID, st)
			best.Process().SetStatus(domain.StatusRunning, ctx.Stamp())
			ctx.Update(victim, victimCore, best)
		},
	}}
}

func (c catalog) makeReady(ctx *engine.Context) []engine.Match {
	sys := ctx.Store.System()
	if sys == nil {
		return nil
	}
	var out []engine.Match
	for _, pe := range byStatus(ctx.Store, domain.StatusNew) {
		p := pe.Process()
		if sys.System().AvailableMemory < p.MemoryRequirement {
			continue
		}
		out = append(out, engine.Match{
			ProcessID: p.ID,
			Facts:     []*facts.Entry{pe, sys},
			Do: func(ctx *engine.Context) {
				p.SetStatus(domain.StatusReady, ctx.Stamp())
				sys.System().AvailableMemory -= p.MemoryRequirement
				ctx.Update(pe, sys)
			},
		})
	}
	return out
}

func (c catalog) schedule(ctx *engine.Context) []engine.Match {
	sys := ctx.Store.System()
	if sys == nil || !sys.System().CPUEnabled {
		return nil
	}
	core := idleCore(ctx.Store)
	best := bestReady(ctx.Store)
	if core == nil || best == nil {
		return nil
	}
	return []engine.Match{{
		ProcessID: best.Process().ID,
		Facts:     []*facts.Entry{best, core, sys},
		Do: func(ctx *engine.Context) {
			st := ctx.Stamp()
			core.Core().Assign(best.Process().ID, st)
			best.Process().SetStatus(domain.StatusRunning, st)
			ctx.Update(core, best)
		},
	}}
}

// step matches a RUNNING process on a BUSY core whose next instruction is of type t.
func step(ctx *engine.Context, t domain.InstructionType) [][2]*facts.Entry {
	var out [][2]*facts.Entry
	for _, pair := range running(ctx.Store) {
		if pair[1].Core().Status != domain.CoreBusy {
			continue
		}
		if in, ok := pair[0].Process().Current(); ok && in == t {
			out = append(out, pair)
		}
	}
	return out
}

func (c catalog) execute(ctx *engine.Context) []engine.Match {
	var out []engine.Match
	for _, pair := range step(ctx, domain.InstrRegular) {
		pe := pair[0]
		out = append(out, engine.Match{
			ProcessID: pe.Process().ID,
			Facts:     pair[:],
			Do: func(ctx *engine.Context) {
				pe.Process().CurrentInstruction++
				ctx.Update(pe)
			},
		})
	}
	return out
}

func (c catalog) blockIO(ctx *engine.Context) []engine.Match {
	var out []engine.Match
	for _, pair := range step(ctx, domain.InstrIO) {
		pe, ce := pair[0], pair[1]
		out = append(out, engine.Match{
			ProcessID: pe.Process().ID,
			Facts:     pair[:],
			Do: func(ctx *engine.Context) {
				st := ctx.Stamp()
				pe.Process().SetStatus(domain.StatusBlocked, st)
				ce.Core().Release(st)
				ctx.Update(pe, ce)
			},
		})
	}
	return out
}

func (c catalog) boost(ctx *engine.Context) []engine.Match {
	now := ctx.Now()
	var out []engine.Match
	for _, pe := range byStatus(ctx.Store, domain.StatusReady) {
		p := pe.Process()
		since := p.LastStatusChange.At
		if p.LastBoost.After(since) {
			since = p.LastBoost
		}
		inc, ok := c.cfg.BoostFor(now.Sub(since))
		if !ok {
			continue
		}
		out = append(out, engine.Match{
			ProcessID: p.ID,
			Facts:     []*facts.Entry{pe},
			Do: func(ctx *engine.Context) {
				p.Priority += inc
				p.LastBoost = ctx.Now()
				ctx.Update(pe)
			},
		})
	}
	return out
}
