package report_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"schedline/internal/clock"
	"schedline/internal/domain"
	"schedline/internal/report"
	"schedline/internal/session"
)

func pid(i int) *int { return &i }

func TestBuildFromRun(t *testing.T) {
	opts := session.DefaultOptions()
	opts.Clock = clock.NewPseudo(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	opts.Tick = 0
	s, err := session.FromDescription(opts, domain.SystemDescription{
		System: domain.SystemSpec{TotalMemory: 4096, CpuCores: 1},
		Processes: []domain.ProcessSpec{
			{ID: 7, Priority: 1, MemoryRequirement: 1024, Instructions: 2, IOInstructions: []int{2}},
		},
	})
	require.NoError(t, err)

	_, err = s.RunUntilQuiescent()
	require.NoError(t, err)
	s.Insert(&domain.IOEvent{ProcessID: 7})
	_, err = s.RunUntilQuiescent()
	require.NoError(t, err)

	got := report.Build(s.Trace())
	want := report.EventList{
		RulesFired: 8,
		Events: []report.Event{
			{ProcessID: pid(7), Type: report.ProcessReady},
			{ProcessID: pid(7), Type: report.ProcessScheduled},
			{ProcessID: pid(7), Type: report.ProcessBlocked},
			{ProcessID: pid(7), Type: report.IOReceived},
			{ProcessID: pid(7), Type: report.ProcessScheduled},
			{ProcessID: pid(7), Type: report.ProcessFinished},
			{ProcessID: nil, Type: report.End},
		},
	}
	ignore := cmp.FilterPath(func(p cmp.Path) bool {
		name := p.Last().String()
		return name == ".Rule" || name == ".Seq"
	}, cmp.Ignore())
	if diff := cmp.Diff(want, got, ignore); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildEmptyTrace(t *testing.T) {
	got := report.Build(nil)
	require.Equal(t, 0, got.RulesFired)
	require.NotNil(t, got.Events)
	require.Empty(t, got.Events)
}

func TestClassifyUnknownRule(t *testing.T) {
	_, ok := report.Classify("Boost priority of waiting process")
	require.False(t, ok)
}
