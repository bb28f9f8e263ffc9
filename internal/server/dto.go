package server

import (
	"encoding/json"

	"schedline/internal/app"
	"schedline/internal/config"
	"schedline/internal/domain"
	"schedline/internal/policy"
	"schedline/internal/producers"
	"schedline/internal/report"
	"schedline/internal/session"
)

// Request payloads

type ScheduleRequest struct {
	domain.SystemDescription
	Clock          string `json:"clock,omitempty" enum:"live,pseudo" required:"false" doc:"Overrides engine.clock for this run"`
	Producers      *bool  `json:"producers,omitempty" required:"false" doc:"Overrides producers.enabled for this run"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" minimum:"0" required:"false"`
}

// Response payloads

type RunResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status" enum:"running,halted,failed,timeout"`
	Clock      string `json:"clock" enum:"live,pseudo"`
	RulesFired int    `json:"rules_fired"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at" format:"date-time"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type ScheduleResponse struct {
	Run      RunResponse      `json:"run"`
	Report   report.EventList `json:"report"`
	Snapshot session.Snapshot `json:"snapshot"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Rule      string         `json:"rule,omitempty"`
	ProcessID *int           `json:"process_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

type ConfigResponse struct {
	Clock      string            `json:"clock" enum:"live,pseudo"`
	TickMS     int64             `json:"tick_ms"`
	MaxFirings int               `json:"max_firings"`
	RunTimeout string            `json:"run_timeout"`
	TTL        map[string]string `json:"ttl"`
	Policy     policyResponse    `json:"policy"`
	Producers  producerResponse  `json:"producers"`
	Webhooks   int               `json:"webhooks"`
}

type boostResponse struct {
	Wait      string `json:"wait"`
	Increment int    `json:"increment"`
}

type policyResponse struct {
	PagingTimeout     string          `json:"paging_timeout"`
	ThrashingFaults   int             `json:"thrashing_faults"`
	ThrashingWindow   string          `json:"thrashing_window"`
	ThermalWindow     string          `json:"thermal_window"`
	ThermalMinSamples int             `json:"thermal_min_samples"`
	OverheatThreshold float64         `json:"overheat_threshold"`
	CooldownThreshold float64         `json:"cooldown_threshold"`
	Boost             []boostResponse `json:"boost"`
}

type producerResponse struct {
	Enabled              bool    `json:"enabled"`
	Seed                 uint64  `json:"seed"`
	TemperatureInterval  string  `json:"temperature_interval"`
	IOInterval           string  `json:"io_interval"`
	PageFaultInterval    string  `json:"page_fault_interval"`
	PageFaultProbability float64 `json:"page_fault_probability"`
}

type paginatedRuns struct {
	Items      []RunResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:         r.ID,
		Status:     r.Status,
		Clock:      r.Clock,
		RulesFired: r.RulesFired,
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func scheduleResponse(res app.Result) ScheduleResponse {
	return ScheduleResponse{Run: runResponse(res.Run), Report: res.Report, Snapshot: res.Snapshot}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		RunID:     e.RunID,
		Rule:      e.Rule,
		ProcessID: e.ProcessID,
		Payload:   decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) ConfigResponse {
	ttl := cfg.TTL()
	return ConfigResponse{
		Clock:      cfg.Engine.Clock,
		TickMS:     cfg.Engine.Tick.Milliseconds(),
		MaxFirings: cfg.Engine.MaxFirings,
		RunTimeout: cfg.Engine.RunTimeout.String(),
		TTL: map[string]string{
			"cpu_temperature": ttl.Temperature.String(),
			"io":              ttl.IO.String(),
			"page_fault":      ttl.PageFault.String(),
			"cpu_overheat":    ttl.Overheat.String(),
		},
		Policy:    policyView(cfg.Policy),
		Producers: producerView(cfg.Producers.Enabled, cfg.Producers.Config),
		Webhooks:  len(cfg.Webhooks),
	}
}

func policyView(p policy.Config) policyResponse {
	out := policyResponse{
		PagingTimeout:     p.PagingTimeout.String(),
		ThrashingFaults:   p.ThrashingFaults,
		ThrashingWindow:   p.ThrashingWindow.String(),
		ThermalWindow:     p.ThermalWindow.String(),
		ThermalMinSamples: p.ThermalMinSamples,
		OverheatThreshold: p.OverheatThreshold,
		CooldownThreshold: p.CooldownThreshold,
		Boost:             []boostResponse{},
	}
	for _, b := range p.Boost {
		out.Boost = append(out.Boost, boostResponse{Wait: b.Wait.String(), Increment: b.Increment})
	}
	return out
}

func producerView(enabled bool, p producers.Config) producerResponse {
	return producerResponse{
		Enabled:              enabled,
		Seed:                 p.Seed,
		TemperatureInterval:  p.TemperatureInterval.String(),
		IOInterval:           p.IOInterval.String(),
		PageFaultInterval:    p.PageFaultInterval.String(),
		PageFaultProbability: p.PageFaultProbability,
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
