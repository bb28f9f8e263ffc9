package domain

import (
	"errors"
	"fmt"
	"time"
)

type ProcessStatus string

const (
	StatusNew       ProcessStatus = "NEW"
	StatusReady     ProcessStatus = "READY"
	StatusRunning   ProcessStatus = "RUNNING"
	StatusBlocked   ProcessStatus = "BLOCKED"
	StatusSuspended ProcessStatus = "SUSPENDED"
	StatusExit      ProcessStatus = "EXIT"
)

type CoreStatus string

const (
	CoreIdle   CoreStatus = "IDLE"
	CoreBusy   CoreStatus = "BUSY"
	CorePaging CoreStatus = "PAGING"
)

type InstructionType string

const (
	InstrRegular InstructionType = "REGULAR"
	InstrIO      InstructionType = "IO"
)

// Stamp orders status changes. Seq breaks ties when the clock has not moved.
type Stamp struct {
	At  time.Time `json:"at" format:"date-time"`
	Seq uint64    `json:"seq"`
}

func (s Stamp) Before(o Stamp) bool {
	if !s.At.Equal(o.At) {
		return s.At.Before(o.At)
	}
	return s.Seq < o.Seq
}

func (s Stamp) IsZero() bool { return s.At.IsZero() && s.Seq == 0 }

type SystemState struct {
	AvailableMemory     int  `json:"available_memory"`
	TotalMemory         int  `json:"total_memory"`
	CriticalMemoryLimit int  `json:"critical_memory_limit"`
	CPUEnabled          bool `json:"cpu_enabled"`
}

func (s *SystemState) Validate() error {
	if s.TotalMemory < 0 {
		return fmt.Errorf("total memory %d is negative", s.TotalMemory)
	}
	if s.AvailableMemory < 0 || s.AvailableMemory > s.TotalMemory {
		return fmt.Errorf("available memory %d outside [0,%d]", s.AvailableMemory, s.TotalMemory)
	}
	if s.CriticalMemoryLimit < 0 {
		return fmt.Errorf("critical memory limit %d is negative", s.CriticalMemoryLimit)
	}
	return nil
}

func (s *SystemState) String() string {
	return fmt.Sprintf("SystemState(availableMemory=%d, totalMemory=%d, criticalMemoryLimit=%d, cpuEnabled=%t)",
		s.AvailableMemory, s.TotalMemory, s.CriticalMemoryLimit, s.CPUEnabled)
}

type CpuCore struct {
	ID               int        `json:"id"`
	CurrentProcessID *int       `json:"current_process_id,omitempty"`
	Status           CoreStatus `json:"status" enum:"IDLE,BUSY,PAGING"`
	LastStatusChange Stamp      `json:"last_status_change"`
	Enabled          bool       `json:"enabled"`
}

// Assign puts pid on the core and marks it BUSY.
func (c *CpuCore) Assign(pid int, at Stamp) {
	c.CurrentProcessID = &pid
	c.setStatus(CoreBusy, at)
}

// Release clears the process and idles the core.
func (c *CpuCore) Release(at Stamp) {
	c.CurrentProcessID = nil
	c.setStatus(CoreIdle, at)
}

func (c *CpuCore) SetStatus(s CoreStatus, at Stamp) {
	c.setStatus(s, at)
}

func (c *CpuCore) setStatus(s CoreStatus, at Stamp) {
	c.Status = s
	c.LastStatusChange = at
}

func (c *CpuCore) Runs(pid int) bool {
	return c.CurrentProcessID != nil && *c.CurrentProcessID == pid
}

func (c *CpuCore) Validate() error {
	switch c.Status {
	case CoreIdle:
		if c.CurrentProcessID != nil {
			return fmt.Errorf("core %d is IDLE but holds process %d", c.ID, *c.CurrentProcessID)
		}
	case CoreBusy, CorePaging:
		if c.CurrentProcessID == nil {
			return fmt.Errorf("core %d is %s without a process", c.ID, c.Status)
		}
	default:
		return fmt.Errorf("core %d has unknown status %q", c.ID, c.Status)
	}
	return nil
}

func (c *CpuCore) String() string {
	pid := "null"
	if c.CurrentProcessID != nil {
		pid = fmt.Sprint(*c.CurrentProcessID)
	}
	return fmt.Sprintf("CpuCore(id=%d, currentProcessId=%s, status=%s, enabled=%t)", c.ID, pid, c.Status, c.Enabled)
}

type Process struct {
	ID                 int               `json:"id"`
	Priority           int               `json:"priority"`
	MemoryRequirement  int               `json:"memory_requirement"`
	SafeMemoryLimit    int               `json:"safe_memory_limit"`
	Status             ProcessStatus     `json:"status" enum:"NEW,READY,RUNNING,BLOCKED,SUSPENDED,EXIT"`
	CurrentInstruction int               `json:"current_instruction"`
	Instructions       []InstructionType `json:"instructions"`
	LastStatusChange   Stamp             `json:"last_status_change"`
	LastBoost          time.Time         `json:"last_boost,omitempty" format:"date-time"`
}

// SetStatus is the only way a process changes status.
func (p *Process) SetStatus(s ProcessStatus, at Stamp) {
	p.Status = s
	p.LastStatusChange = at
}

// Current returns the instruction at the cursor, false once all ran.
func (p *Process) Current() (InstructionType, bool) {
	if p.CurrentInstruction < 0 || p.CurrentInstruction >= len(p.Instructions) {
		return "", false
	}
	return p.Instructions[p.CurrentInstruction], true
}

func (p *Process) Done() bool {
	return p.CurrentInstruction >= len(p.Instructions)
}

// HoldsMemory reports whether the process currently has its requirement reserved.
func (p *Process) HoldsMemory() bool {
	switch p.Status {
	case StatusReady, StatusRunning, StatusBlocked:
		return true
	}
	return false
}

func (p *Process) Validate() error {
	if p.MemoryRequirement < 0 {
		return fmt.Errorf("process %d: memory requirement %d is negative", p.ID, p.MemoryRequirement)
	}
	if p.SafeMemoryLimit < 0 {
		return fmt.Errorf("process %d: safe memory limit %d is negative", p.ID, p.SafeMemoryLimit)
	}
	if len(p.Instructions) == 0 {
		return fmt.Errorf("process %d: empty instruction sequence", p.ID)
	}
	if p.CurrentInstruction < 0 || p.CurrentInstruction > len(p.Instructions) {
		return fmt.Errorf("process %d: instruction cursor %d out of range", p.ID, p.CurrentInstruction)
	}
	return nil
}

func (p *Process) String() string {
	return fmt.Sprintf("Process(id=%d, priority=%d, memoryRequirement=%d, status=%s, currentInstruction=%d/%d)",
		p.ID, p.Priority, p.MemoryRequirement, p.Status, p.CurrentInstruction, len(p.Instructions))
}

type CpuTemperatureEvent struct {
	Temperature float64 `json:"temperature"`
}

func (e *CpuTemperatureEvent) String() string {
	return fmt.Sprintf("CpuTemperatureEvent(temperature=%.2f)", e.Temperature)
}

type IOEvent struct {
	ProcessID int `json:"process_id"`
}

func (e *IOEvent) String() string { return fmt.Sprintf("IOEvent(processId=%d)", e.ProcessID) }

// PageFaultEvent stays in memory after paging handled it so thrashing
// detection can still count it.
type PageFaultEvent struct {
	ProcessID int  `json:"process_id"`
	Handled   bool `json:"handled"`
}

func (e *PageFaultEvent) String() string {
	return fmt.Sprintf("PageFaultEvent(processId=%d, handled=%t)", e.ProcessID, e.Handled)
}

type CpuOverheatEvent struct{}

func (e *CpuOverheatEvent) String() string { return "CpuOverheatEvent()" }

var ErrInvalidDescription = errors.New("invalid system description")

// SystemDescription is the import format for an initial state.
type SystemDescription struct {
	System    SystemSpec    `json:"system" yaml:"system"`
	Processes []ProcessSpec `json:"processes" yaml:"processes"`
}

type SystemSpec struct {
	TotalMemory    int `json:"totalMemory" yaml:"totalMemory" minimum:"0"`
	CpuCores       int `json:"cpuCores" yaml:"cpuCores" minimum:"1"`
	CriticalMemory int `json:"criticalMemory,omitempty" yaml:"criticalMemory,omitempty" required:"false"`
}

type ProcessSpec struct {
	ID                int   `json:"id" yaml:"id"`
	Priority          int   `json:"priority" yaml:"priority"`
	MemoryRequirement int   `json:"memoryRequirement" yaml:"memoryRequirement"`
	SafeMemoryLimit   int   `json:"safeMemoryLimit,omitempty" yaml:"safeMemoryLimit,omitempty" required:"false"`
	Instructions      int   `json:"instructions" yaml:"instructions"`
	IOInstructions    []int `json:"ioInstructions,omitempty" yaml:"ioInstructions,omitempty" required:"false"`
}

// InstructionTypes expands the count and 1-based IO positions into a sequence.
func (p ProcessSpec) InstructionTypes() []InstructionType {
	out := make([]InstructionType, p.Instructions)
	for i := range out {
		out[i] = InstrRegular
	}
	for _, pos := range p.IOInstructions {
		if pos >= 1 && pos <= p.Instructions {
			out[pos-1] = InstrIO
		}
	}
	return out
}

func (d SystemDescription) Validate() error {
	var errs []error
	if d.System.TotalMemory < 0 {
		errs = append(errs, fmt.Errorf("total memory %d is negative", d.System.TotalMemory))
	}
	if d.System.CpuCores <= 0 {
		errs = append(errs, fmt.Errorf("core count %d must be positive", d.System.CpuCores))
	}
	if d.System.CriticalMemory < 0 {
		errs = append(errs, fmt.Errorf("critical memory %d is negative", d.System.CriticalMemory))
	}
	seen := map[int]bool{}
	for _, p := range d.Processes {
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate process id %d", p.ID))
		}
		seen[p.ID] = true
		if p.MemoryRequirement < 0 {
			errs = append(errs, fmt.Errorf("process %d: memory requirement %d is negative", p.ID, p.MemoryRequirement))
		}
		if p.SafeMemoryLimit < 0 {
			errs = append(errs, fmt.Errorf("process %d: safe memory limit %d is negative", p.ID, p.SafeMemoryLimit))
		}
		if p.Instructions <= 0 {
			errs = append(errs, fmt.Errorf("process %d: instruction count %d must be positive", p.ID, p.Instructions))
		}
		for _, pos := range p.IOInstructions {
			if pos < 1 || pos > p.Instructions {
				errs = append(errs, fmt.Errorf("process %d: io instruction %d out of range", p.ID, pos))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDescription, errors.Join(errs...))
	}
	return nil
}

// Run statuses.
const (
	RunRunning = "running"
	RunHalted  = "halted"
	RunFailed  = "failed"
	RunTimeout = "timeout"
)

// Run is a persisted scheduling run.
type Run struct {
	ID          string `json:"id"`
	Status      string `json:"status" enum:"running,halted,failed,timeout"`
	Clock       string `json:"clock" enum:"live,pseudo"`
	RulesFired  int    `json:"rules_fired"`
	Description string `json:"description_json,omitempty"`
	Snapshot    string `json:"snapshot_json,omitempty"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at" format:"date-time"`
	FinishedAt  string `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	Rule      string `json:"rule,omitempty"`
	ProcessID *int   `json:"process_id,omitempty"`
	Payload   string `json:"payload_json"`
}
