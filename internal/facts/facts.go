package facts

import (
	"fmt"
	"time"

	"schedline/internal/domain"
)

type Kind string

const (
	KindSystem      Kind = "SystemState"
	KindCore        Kind = "CpuCore"
	KindProcess     Kind = "Process"
	KindTemperature Kind = "CpuTemperatureEvent"
	KindIO          Kind = "IOEvent"
	KindPageFault   Kind = "PageFaultEvent"
	KindOverheat    Kind = "CpuOverheatEvent"
)

// KindOf maps a fact pointer to its kind. Facts are always tracked by pointer.
func KindOf(f any) (Kind, bool) {
	switch f.(type) {
	case *domain.SystemState:
		return KindSystem, true
	case *domain.CpuCore:
		return KindCore, true
	case *domain.Process:
		return KindProcess, true
	case *domain.CpuTemperatureEvent:
		return KindTemperature, true
	case *domain.IOEvent:
		return KindIO, true
	case *domain.PageFaultEvent:
		return KindPageFault, true
	case *domain.CpuOverheatEvent:
		return KindOverheat, true
	}
	return "", false
}

func (k Kind) IsEvent() bool {
	switch k {
	case KindTemperature, KindIO, KindPageFault, KindOverheat:
		return true
	}
	return false
}

type Handle uint64

type Entry struct {
	Handle     Handle
	Kind       Kind
	Fact       any
	Version    uint64
	Stamp      domain.Stamp
	InsertedAt time.Time
	ExpiresAt  time.Time
}

func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func (e *Entry) String() string { return describe(e.Fact) }

func (e *Entry) System() *domain.SystemState { return e.Fact.(*domain.SystemState) }
func (e *Entry) Core() *domain.CpuCore { return e.Fact.(*domain.CpuCore) }
func (e *Entry) Process() *domain.Process { return e.Fact.(*domain.Process) }
func (e *Entry) Temperature() *domain.CpuTemperatureEvent { return e.Fact.(*domain.CpuTemperatureEvent) }
func (e *Entry) IO() *domain.IOEvent { return e.Fact.(*domain.IOEvent) }
func (e *Entry) PageFault() *domain.PageFaultEvent { return e.Fact.(*domain.PageFaultEvent) }

// TTL holds the retention of each event kind, measured from insertion.
type TTL struct {
	Temperature time.Duration
	IO          time.Duration
	PageFault   time.Duration
	Overheat    time.Duration
}

func DefaultTTL() TTL {
	return TTL{
		Temperature: 30 * time.Minute,
		IO:          5 * time.Minute,
		PageFault:   30 * time.Second,
		Overheat:    20 * time.Second,
	}
}

func (t TTL) For(k Kind) time.Duration {
	switch k {
	case KindTemperature:
		return t.Temperature
	case KindIO:
		return t.IO
	case KindPageFault:
		return t.PageFault
	case KindOverheat:
		return t.Overheat
	}
	return 0
}

func (t TTL) Validate() error {
	for _, k := range []Kind{KindTemperature, KindIO, KindPageFault, KindOverheat} {
		if t.For(k) <= 0 {
			return fmt.Errorf("ttl for %s must be positive", k)
		}
	}
	return nil
}

type Op string

const (
	OpInsert  Op = "insert"
	OpUpdate  Op = "update"
	OpRetract Op = "retract"
	OpExpire  Op = "expire"
)

// AuditRecord is one working-memory mutation. Rule is empty outside a firing.
type AuditRecord struct {
	Seq    uint64    `json:"seq"`
	At     time.Time `json:"at"`
	Op     Op        `json:"op"`
	Handle Handle    `json:"handle"`
	Kind   Kind      `json:"kind"`
	Rule   string    `json:"rule,omitempty"`
	Fact   string    `json:"fact"`
}

// Change is a mutation made by the rule currently firing.
type Change struct {
	Op     Op     `json:"op"`
	Handle Handle `json:"handle"`
	Kind   Kind   `json:"kind"`
	Fact   string `json:"fact"`
	// ProcessID is set for Process facts.
	ProcessID *int `json:"process_id,omitempty"`
}

func describe(f any) string {
	if s, ok := f.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T%+v", f, f)
}
