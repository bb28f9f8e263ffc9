package policy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedline/internal/clock"
	"schedline/internal/domain"
	"schedline/internal/policy"
	"schedline/internal/session"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newSession(t *testing.T) (*session.Session, *clock.Pseudo) {
	t.Helper()
	c := clock.NewPseudo(start)
	opts := session.DefaultOptions()
	opts.Clock = c
	opts.Tick = 0
	opts.MaxFirings = 1000
	return session.New(opts), c
}

func regular(n int) []domain.InstructionType {
	out := make([]domain.InstructionType, n)
	for i := range out {
		out[i] = domain.InstrRegular
	}
	return out
}

func idleCore(id int) *domain.CpuCore {
	return &domain.CpuCore{ID: id, Status: domain.CoreIdle, Enabled: true}
}

func busyCore(id, pid int) *domain.CpuCore {
	c := &domain.CpuCore{ID: id, Enabled: true}
	c.Assign(pid, domain.Stamp{})
	return c
}

func system(avail, total int) *domain.SystemState {
	return &domain.SystemState{AvailableMemory: avail, TotalMemory: total, CPUEnabled: true}
}

func run(t *testing.T, s *session.Session) int {
	t.Helper()
	n, err := s.RunUntilQuiescent()
	require.NoError(t, err)
	require.NoError(t, s.Check(), "invariants after quiescence")
	return n
}

func ruleNames(s *session.Session) []string {
	var out []string
	for _, f := range s.Trace() {
		out = append(out, f.Rule)
	}
	return out
}

func count(s *session.Session, rule string) int {
	n := 0
	for _, f := range s.Trace() {
		if f.Rule == rule {
			n++
		}
	}
	return n
}

func TestSingleProcessRunsToCompletion(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(8192, 8192))
	s.Insert(idleCore(1))
	s.Insert(&domain.Process{ID: 1, Priority: 1, MemoryRequirement: 1024, Status: domain.StatusNew, Instructions: regular(10)})

	require.Equal(t, 14, run(t, s))
	names := ruleNames(s)
	assert.Equal(t, policy.RuleMakeReady, names[0])
	assert.Equal(t, policy.RuleSchedule, names[1])
	assert.Equal(t, 10, count(s, policy.RuleExecute))
	assert.Equal(t, policy.RuleFinish, names[12])
	assert.Equal(t, policy.RuleStopSystem, names[13])

	snap := s.Snapshot()
	p, _ := snap.Process(1)
	assert.Equal(t, domain.StatusExit, p.Status)
	assert.Equal(t, 10, p.CurrentInstruction)
	c, _ := snap.Core(1)
	assert.Equal(t, domain.CoreIdle, c.Status)
	assert.Nil(t, c.CurrentProcessID)
	assert.Equal(t, 8192, snap.System.AvailableMemory)
	assert.True(t, s.Halted())
}

func TestInsufficientMemoryKeepsProcessNew(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(1000, 1000))
	s.Insert(idleCore(1))
	s.Insert(&domain.Process{ID: 1, MemoryRequirement: 1024, Status: domain.StatusNew, Instructions: regular(3)})

	assert.Equal(t, 0, run(t, s))
	snap := s.Snapshot()
	p, _ := snap.Process(1)
	assert.Equal(t, domain.StatusNew, p.Status)
	assert.False(t, s.Halted())
}

func TestHigherPriorityRunsFirst(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(8192, 8192))
	s.Insert(idleCore(1))
	s.Insert(&domain.Process{ID: 1, Priority: 1, MemoryRequirement: 1024, Status: domain.StatusNew, Instructions: regular(5)})
	s.Insert(&domain.Process{ID: 2, Priority: 5, MemoryRequirement: 1024, Status: domain.StatusNew, Instructions: regular(10)})

	require.Equal(t, 22, run(t, s))

	var scheduled []int
	for _, f := range s.Trace() {
		if f.Rule == policy.RuleSchedule {
			scheduled = append(scheduled, *f.Bound[0].ProcessID)
		}
	}
	assert.Equal(t, []int{2, 1}, scheduled)

	snap := s.Snapshot()
	low, _ := snap.Process(1)
	high, _ := snap.Process(2)
	assert.True(t, high.LastStatusChange.Before(low.LastStatusChange))
}

func TestIORoundTrip(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(8192, 8192))
	s.Insert(idleCore(1))
	s.Insert(&domain.Process{ID: 1, MemoryRequirement: 1024, Status: domain.StatusNew,
		Instructions: []domain.InstructionType{domain.InstrRegular, domain.InstrIO, domain.InstrRegular}})

	require.Equal(t, 4, run(t, s))
	snap := s.Snapshot()
	p, _ := snap.Process(1)
	assert.Equal(t, domain.StatusBlocked, p.Status)
	assert.Equal(t, 1, p.CurrentInstruction)
	c, _ := snap.Core(1)
	assert.Equal(t, domain.CoreIdle, c.Status)
	assert.Equal(t, 8192-1024, snap.System.AvailableMemory, "blocked process keeps its memory")

	s.Insert(&domain.IOEvent{ProcessID: 1})
	require.Equal(t, 5, run(t, s))
	assert.Equal(t, []string{
		policy.RuleHandleIO, policy.RuleSchedule, policy.RuleExecute, policy.RuleFinish, policy.RuleStopSystem,
	}, ruleNames(s)[4:])
	assert.Equal(t, 1, count(s, policy.RuleHandleIO))

	snap = s.Snapshot()
	assert.Equal(t, 8192, snap.System.AvailableMemory)
	assert.Equal(t, 0, snap.Events["IOEvent"], "consumed event is retracted")
}

func TestIOEventForUnknownProcessIsIgnored(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(8192, 8192))
	s.Insert(idleCore(1))
	s.Insert(&domain.Process{ID: 1, MemoryRequirement: 1024, Status: domain.StatusNew, Instructions: regular(10)})
	s.Insert(&domain.IOEvent{ProcessID: 99})
	s.Insert(&domain.PageFaultEvent{ProcessID: 99})

	assert.Equal(t, 14, run(t, s))
	assert.Zero(t, count(s, policy.RuleHandleIO))
	assert.Zero(t, count(s, policy.RuleHandlePageFault))
}

func TestPagingTimeout(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(8192-1024, 8192))
	s.Insert(busyCore(1, 1))
	s.Insert(&domain.Process{ID: 1, MemoryRequirement: 1024, Status: domain.StatusRunning, Instructions: regular(3)})
	s.Insert(&domain.PageFaultEvent{ProcessID: 1})

	require.Equal(t, 1, run(t, s))
	snap := s.Snapshot()
	core, _ := snap.Core(1)
	assert.Equal(t, domain.CorePaging, core.Status)

	require.NoError(t, s.Advance(time.Second))
	assert.Equal(t, 0, run(t, s), "core stays paging before the timeout")

	require.NoError(t, s.Advance(time.Second))
	assert.Equal(t, 6, run(t, s))
	assert.Equal(t, policy.RulePagingTimeout, ruleNames(s)[1])
	snap = s.Snapshot()
	p, _ := snap.Process(1)
	assert.Equal(t, domain.StatusExit, p.Status)
}

func TestThrashingSuspendsOnce(t *testing.T) {
	s, _ := newSession(t)
	st := system(200, 1000)
	st.CriticalMemoryLimit = 300
	s.Insert(st)
	s.Insert(busyCore(1, 1))
	s.Insert(&domain.Process{ID: 1, MemoryRequirement: 800, SafeMemoryLimit: 800, Status: domain.StatusRunning, Instructions: regular(5)})
	for i := 0; i < 3; i++ {
		s.Insert(&domain.PageFaultEvent{ProcessID: 1})
	}

	require.Equal(t, 2, run(t, s))
	assert.Equal(t, []string{policy.RuleThrashing, policy.RuleStopSystem}, ruleNames(s))
	snap := s.Snapshot()
	p, _ := snap.Process(1)
	assert.Equal(t, domain.StatusSuspended, p.Status)
	core, _ := snap.Core(1)
	assert.Equal(t, domain.CoreIdle, core.Status)
	assert.Equal(t, 1000, snap.System.AvailableMemory)
}

func TestResumedProcessIsNotSuspendedByOldFaults(t *testing.T) {
	s, _ := newSession(t)
	st := system(200, 1000)
	st.CriticalMemoryLimit = 300
	s.Insert(st)
	s.Insert(busyCore(1, 1))
	s.Insert(&domain.Process{ID: 1, MemoryRequirement: 700, SafeMemoryLimit: 700, Status: domain.StatusRunning, Instructions: regular(5)})
	s.Insert(&domain.Process{ID: 2, MemoryRequirement: 100, SafeMemoryLimit: 100, Status: domain.StatusBlocked,
		Instructions: []domain.InstructionType{domain.InstrIO}})
	for i := 0; i < 3; i++ {
		s.Insert(&domain.PageFaultEvent{ProcessID: 1})
	}

	require.Equal(t, 9, run(t, s))
	names := ruleNames(s)
	assert.Equal(t, []string{policy.RuleThrashing, policy.RuleResume, policy.RuleSchedule}, names[:3])
	assert.Equal(t, 1, count(s, policy.RuleThrashing))
	assert.Zero(t, count(s, policy.RuleHandlePageFault), "faults from before the suspension do not page")
	assert.Equal(t, 5, count(s, policy.RuleExecute))

	snap := s.Snapshot()
	p, _ := snap.Process(1)
	assert.Equal(t, domain.StatusExit, p.Status)
	core, _ := snap.Core(1)
	assert.Equal(t, domain.CoreIdle, core.Status)
}

func TestFaultRaisedBeforeSchedulingDoesNotPage(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(8192-1024, 8192))
	s.Insert(idleCore(1))
	s.Insert(&domain.PageFaultEvent{ProcessID: 1})
	s.Insert(&domain.Process{ID: 1, MemoryRequirement: 1024, Status: domain.StatusReady, Instructions: regular(3)})

	require.Equal(t, 6, run(t, s))
	assert.Zero(t, count(s, policy.RuleHandlePageFault))
	assert.Equal(t, policy.RuleSchedule, ruleNames(s)[0])
}

func TestPreemption(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(8192-2048, 8192))
	s.Insert(busyCore(1, 1))
	s.Insert(&domain.Process{ID: 1, Priority: 1, MemoryRequirement: 1024, Status: domain.StatusRunning, Instructions: regular(3)})
	s.Insert(&domain.Process{ID: 2, Priority: 5, MemoryRequirement: 1024, Status: domain.StatusReady, Instructions: regular(2)})

	require.Equal(t, 10, run(t, s))
	names := ruleNames(s)
	assert.Equal(t, policy.RulePreempt, names[0])
	assert.Equal(t, 1, count(s, policy.RulePreempt))

	snap := s.Snapshot()
	low, _ := snap.Process(1)
	high, _ := snap.Process(2)
	assert.True(t, high.LastStatusChange.Before(low.LastStatusChange))
	assert.Equal(t, 8192, snap.System.AvailableMemory)
}

func hot(s *session.Session, temp float64, n int) {
	for i := 0; i < n; i++ {
		s.Insert(&domain.CpuTemperatureEvent{Temperature: temp})
	}
}

func TestThermalShutdownIsIdempotent(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(8192-1024, 8192))
	s.Insert(busyCore(1, 1))
	s.Insert(idleCore(2))
	s.Insert(&domain.Process{ID: 1, MemoryRequirement: 1024, Status: domain.StatusRunning, Instructions: regular(5)})
	hot(s, 120, 3)

	require.Equal(t, 1, run(t, s))
	snap := s.Snapshot()
	assert.False(t, snap.System.CPUEnabled)
	p, _ := snap.Process(1)
	assert.Equal(t, domain.StatusReady, p.Status)
	for _, c := range snap.Cores {
		assert.Equal(t, domain.CoreIdle, c.Status)
		assert.False(t, c.Enabled)
	}
	assert.Equal(t, 1, snap.Events["CpuOverheatEvent"])

	hot(s, 125, 3)
	assert.Equal(t, 0, run(t, s))

	// debounce fact expired but the cpu is still off: no second shutdown
	require.NoError(t, s.Advance(25*time.Second))
	hot(s, 125, 3)
	run(t, s)
	assert.Equal(t, 1, count(s, policy.RuleThermalShutdown))
}

func TestCooldownReenablesCPU(t *testing.T) {
	s, _ := newSession(t)
	st := system(8192-1024, 8192)
	st.CPUEnabled = false
	s.Insert(st)
	s.Insert(&domain.CpuCore{ID: 1, Status: domain.CoreIdle, Enabled: false})
	s.Insert(&domain.Process{ID: 1, MemoryRequirement: 1024, Status: domain.StatusReady, Instructions: regular(4)})
	hot(s, 40, 3)

	require.Equal(t, 8, run(t, s))
	assert.Equal(t, policy.RuleCooldown, ruleNames(s)[0])
	snap := s.Snapshot()
	assert.True(t, snap.System.CPUEnabled)
	p, _ := snap.Process(1)
	assert.Equal(t, domain.StatusExit, p.Status)
}

func TestTooFewSamplesDoNotTrigger(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(8192, 8192))
	s.Insert(idleCore(1))
	s.Insert(&domain.Process{ID: 1, MemoryRequirement: 1, Status: domain.StatusNew, Instructions: regular(1)})
	hot(s, 130, 2)

	require.Equal(t, 5, run(t, s))
	assert.Zero(t, count(s, policy.RuleThermalShutdown))
}

func TestSpreadOutSamplesDoNotTrigger(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(8192, 8192))
	s.Insert(idleCore(1))
	for i := 0; i < 5; i++ {
		s.Insert(&domain.CpuTemperatureEvent{Temperature: 105})
		require.NoError(t, s.Advance(10*time.Second))
	}

	run(t, s)
	assert.Zero(t, count(s, policy.RuleThermalShutdown), "samples are 10s apart, the window is 5s")
	assert.True(t, s.Snapshot().System.CPUEnabled)
}

func TestIOEventExpiredBeforeEvaluationIsIgnored(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(8192-1024, 8192))
	s.Insert(idleCore(1))
	s.Insert(&domain.Process{ID: 1, MemoryRequirement: 1024, Status: domain.StatusBlocked,
		Instructions: []domain.InstructionType{domain.InstrIO, domain.InstrRegular}})
	s.Insert(&domain.IOEvent{ProcessID: 1})
	require.NoError(t, s.Advance(10*time.Minute))

	assert.Equal(t, 0, run(t, s))
	assert.Zero(t, count(s, policy.RuleHandleIO))
	snap := s.Snapshot()
	p, _ := snap.Process(1)
	assert.Equal(t, domain.StatusBlocked, p.Status)
	assert.Zero(t, s.Snapshot().Events["IOEvent"])
}

func TestPriorityBoost(t *testing.T) {
	s, _ := newSession(t)
	st := system(8192-1024, 8192)
	st.CPUEnabled = false
	s.Insert(st)
	s.Insert(&domain.CpuCore{ID: 1, Status: domain.CoreIdle, Enabled: false})
	s.Insert(&domain.Process{ID: 1, Priority: 1, MemoryRequirement: 1024, Status: domain.StatusReady, Instructions: regular(4)})
	require.Equal(t, 0, run(t, s))

	require.NoError(t, s.Advance(20*time.Second))
	require.Equal(t, 1, run(t, s))
	snap := s.Snapshot()
	p, _ := snap.Process(1)
	assert.Equal(t, 3, p.Priority, "15s bucket")
	assert.Equal(t, 0, run(t, s), "boost waits for the next bucket")

	require.NoError(t, s.Advance(5*time.Second))
	require.Equal(t, 1, run(t, s))
	snap = s.Snapshot()
	p, _ = snap.Process(1)
	assert.Equal(t, 4, p.Priority)
}

func TestBoostFor(t *testing.T) {
	cfg := policy.Default()
	_, ok := cfg.BoostFor(4 * time.Second)
	assert.False(t, ok)
	inc, ok := cfg.BoostFor(5 * time.Second)
	assert.True(t, ok)
	assert.Equal(t, 1, inc)
	inc, _ = cfg.BoostFor(time.Hour)
	assert.Equal(t, 5, inc)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, policy.Default().Validate())
	cfg := policy.Default()
	cfg.Boost = append(cfg.Boost, policy.BoostStep{Wait: time.Second, Increment: 1})
	assert.Error(t, cfg.Validate())
	cfg = policy.Default()
	cfg.CooldownThreshold = cfg.OverheatThreshold
	assert.Error(t, cfg.Validate())
}

func TestAdmissionAccountingAcrossMixedWorkload(t *testing.T) {
	s, _ := newSession(t)
	s.Insert(system(4096, 4096))
	s.Insert(idleCore(1))
	s.Insert(idleCore(2))
	for i := 1; i <= 4; i++ {
		s.Insert(&domain.Process{ID: i, Priority: i, MemoryRequirement: 1024, Status: domain.StatusNew,
			Instructions: []domain.InstructionType{domain.InstrRegular, domain.InstrIO, domain.InstrRegular}})
	}
	run(t, s)
	for i := 1; i <= 4; i++ {
		s.Insert(&domain.IOEvent{ProcessID: i})
		run(t, s)
	}
	snap := s.Snapshot()
	for _, p := range snap.Processes {
		assert.Equal(t, domain.StatusExit, p.Status, "process %d", p.ID)
	}
	assert.Equal(t, 4096, snap.System.AvailableMemory)
	assert.True(t, s.Halted())
}
