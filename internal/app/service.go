package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"schedline/internal/clock"
	"schedline/internal/config"
	"schedline/internal/domain"
	"schedline/internal/events"
	"schedline/internal/metrics"
	"schedline/internal/producers"
	"schedline/internal/repo"
	"schedline/internal/report"
	"schedline/internal/session"
)

const (
	defaultRunTimeout = 2 * time.Minute
	defaultPseudoStep = 100 * time.Millisecond
)

// Service runs scheduling sessions and records them.
type Service struct {
	Config *config.Config
	Repo   repo.Repo
	Events events.Writer
	Log    *zap.Logger
	// OnTemperature receives every temperature sampled by a run's producers.
	OnTemperature func(runID string, v float64)
	Now           func() time.Time
}

// RunOptions override the configured engine settings for one run.
type RunOptions struct {
	Pseudo    *bool
	Producers *bool
	Timeout   time.Duration
}

type Result struct {
	Run      domain.Run       `json:"run"`
	Report   report.EventList `json:"report"`
	Snapshot session.Snapshot `json:"snapshot"`
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) persist() bool { return s.Repo.DB != nil }

// SessionOptions derives session options from the config.
func (s *Service) SessionOptions(pseudo bool) session.Options {
	cfg := s.Config
	opts := session.DefaultOptions()
	opts.Policy = cfg.Policy
	opts.TTL = cfg.TTL()
	opts.Tick = cfg.Engine.Tick
	opts.MaxFirings = cfg.Engine.MaxFirings
	opts.Logger = s.logger()
	opts.Observer = metrics.Engine{}
	opts.OnInsert = metrics.FactInserted
	if pseudo {
		opts.Clock = clock.NewPseudo(time.Time{})
	}
	return opts
}

// Schedule runs desc until the policy stops the system or the timeout
// elapses. Engine failures end the run with status failed and are reported
// in the result; only invalid input and storage errors are returned.
func (s *Service) Schedule(ctx context.Context, desc domain.SystemDescription, opts RunOptions) (Result, error) {
	if s.Config == nil {
		s.Config = config.Default()
	}
	pseudo := s.Config.Pseudo()
	if opts.Pseudo != nil {
		pseudo = *opts.Pseudo
	}
	withProducers := s.Config.Producers.Enabled
	if opts.Producers != nil {
		withProducers = *opts.Producers
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.Config.Engine.RunTimeout
	}
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}

	sess, err := session.FromDescription(s.SessionOptions(pseudo), desc)
	if err != nil {
		return Result{}, err
	}
	descJSON, err := json.Marshal(desc)
	if err != nil {
		return Result{}, fmt.Errorf("marshal description: %w", err)
	}
	run := domain.Run{
		ID:          sess.ID(),
		Status:      domain.RunRunning,
		Clock:       "live",
		Description: string(descJSON),
		StartedAt:   s.now().Format(time.RFC3339Nano),
	}
	if pseudo {
		run.Clock = "pseudo"
	}
	log := s.logger().With(zap.String("run", run.ID), zap.String("clock", run.Clock))
	if s.persist() {
		if err := s.Repo.InsertRun(ctx, run); err != nil {
			return Result{}, fmt.Errorf("insert run: %w", err)
		}
	}
	log.Info("run started", zap.Duration("timeout", timeout), zap.Bool("producers", withProducers))

	set := producers.New(s.Config.Producers.Config, log)
	set.OnTemperature = func(v float64) {
		metrics.Temperature(v)
		if s.OnTemperature != nil {
			s.OnTemperature(run.ID, v)
		}
	}

	var runErr error
	if pseudo {
		var st *producers.Stepper
		if withProducers {
			st = set.Stepper(desc)
		}
		runErr = s.runPseudo(ctx, sess, st, timeout)
	} else {
		var ps *producers.Set
		if withProducers {
			ps = set
		}
		runErr = s.runLive(ctx, sess, ps, desc, timeout)
	}

	run.RulesFired = sess.Fired()
	switch {
	case runErr == nil:
		run.Status = domain.RunHalted
	case errors.Is(runErr, errTimeout):
		run.Status = domain.RunTimeout
	default:
		run.Status = domain.RunFailed
		run.Error = runErr.Error()
	}
	if err := sess.Check(); err != nil && run.Status != domain.RunFailed {
		run.Status = domain.RunFailed
		run.Error = err.Error()
	}
	run.FinishedAt = s.now().Format(time.RFC3339Nano)

	res := Result{Report: report.Build(sess.Trace()), Snapshot: sess.Snapshot()}
	snapJSON, err := json.Marshal(res.Snapshot)
	if err != nil {
		return Result{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	run.Snapshot = string(snapJSON)
	res.Run = run
	metrics.RunFinished(run.Status)
	log.Info("run finished",
		zap.String("status", run.Status),
		zap.Int("rules_fired", run.RulesFired),
		zap.Int("events", len(res.Report.Events)))

	if s.persist() {
		// the run outcome must land even if the caller went away
		if err := s.record(context.WithoutCancel(ctx), run, res.Report); err != nil {
			return res, err
		}
	}
	return res, nil
}

var errTimeout = errors.New("run timed out")

// runPseudo alternates quiescent evaluation with clock advances of one engine
// tick. The timeout is measured in virtual time.
func (s *Service) runPseudo(ctx context.Context, sess *session.Session, st *producers.Stepper, timeout time.Duration) error {
	step := s.Config.Engine.Tick
	if step <= 0 {
		step = defaultPseudoStep
	}
	var elapsed time.Duration
	for {
		if _, err := sess.RunUntilQuiescent(); err != nil {
			return err
		}
		if sess.Halted() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			sess.Halt()
			return err
		}
		if elapsed >= timeout {
			sess.Halt()
			return errTimeout
		}
		if err := sess.Advance(step); err != nil {
			return err
		}
		elapsed += step
		if st != nil {
			st.Step(sess, step)
		}
	}
}

func (s *Service) runLive(ctx context.Context, sess *session.Session, set *producers.Set, desc domain.SystemDescription, timeout time.Duration) error {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pctx, stop := context.WithCancel(rctx)
	done := make(chan error, 1)
	if set != nil {
		go func() { done <- set.Run(pctx, sess, desc) }()
	} else {
		done <- nil
	}
	err := sess.RunUntilHalted(rctx)
	stop()
	if perr := <-done; perr != nil {
		s.logger().Warn("producers stopped with error", zap.Error(perr))
	}
	if err == nil {
		return nil
	}
	sess.Halt()
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return errTimeout
	}
	return err
}

func (s *Service) record(ctx context.Context, run domain.Run, list report.EventList) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.FinishRunTx(ctx, tx, run); err != nil {
		return err
	}
	recs := []events.Record{{Type: events.RunStarted, Payload: events.EventPayload{"clock": run.Clock}}}
	recs = append(recs, Records(list)...)
	recs = append(recs, events.Record{Type: events.RunFinished, Payload: events.EventPayload{
		"status":      run.Status,
		"rules_fired": run.RulesFired,
		"error":       run.Error,
	}})
	if err := s.Events.AppendAll(ctx, tx, run.ID, recs); err != nil {
		return err
	}
	return tx.Commit()
}

// Records converts classified outcomes to persisted events.
func Records(list report.EventList) []events.Record {
	out := make([]events.Record, 0, len(list.Events))
	for _, ev := range list.Events {
		out = append(out, events.Record{
			Type:      string(ev.Type),
			Rule:      ev.Rule,
			ProcessID: ev.ProcessID,
			Payload:   events.EventPayload{"seq": ev.Seq},
		})
	}
	return out
}

// Stored is a persisted run with its decoded documents.
type Stored struct {
	Run         domain.Run                `json:"run"`
	Description *domain.SystemDescription `json:"description,omitempty"`
	Snapshot    *session.Snapshot         `json:"snapshot,omitempty"`
}

func (s *Service) Get(ctx context.Context, id string) (Stored, error) {
	run, err := s.Repo.GetRun(ctx, id)
	if err != nil {
		return Stored{}, err
	}
	out := Stored{Run: run}
	if run.Description != "" {
		var d domain.SystemDescription
		if err := json.Unmarshal([]byte(run.Description), &d); err != nil {
			return Stored{}, fmt.Errorf("decode description of run %s: %w", id, err)
		}
		out.Description = &d
	}
	if run.Snapshot != "" {
		var snap session.Snapshot
		if err := json.Unmarshal([]byte(run.Snapshot), &snap); err != nil {
			return Stored{}, fmt.Errorf("decode snapshot of run %s: %w", id, err)
		}
		out.Snapshot = &snap
	}
	out.Run.Description, out.Run.Snapshot = "", ""
	return out, nil
}
