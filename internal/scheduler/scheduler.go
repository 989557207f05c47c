// Package scheduler runs the analysis cycle on a fixed interval and fans the
// result out to subscribers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"futflow/config"
	"futflow/internal/message"
	"futflow/logger"
	"futflow/processor"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
)

// Analyzer produces one report per call.
type Analyzer interface {
	RunCycle(ctx context.Context, mode processor.Mode) processor.Report
}

// Notifier delivers a message to one recipient.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Recipients lists the current subscribers.
type Recipients interface {
	List() []int64
}

// Observer receives cycle and delivery outcomes, e.g. for metrics.
type Observer interface {
	ObserveCycle(rep processor.Report)
	ObserveDelivery(ok bool)
}

// Status is a point-in-time view for the status command and endpoint.
type Status struct {
	State       State
	Active      bool
	Interval    time.Duration
	NextRun     time.Time
	LastRun     time.Time
	LastSignals int
}

type Scheduler struct {
	cfg        config.SchedulerConfig
	analyzer   Analyzer
	notifier   Notifier
	recipients Recipients
	observers  []Observer
	log        *logger.Log

	// cycleMu keeps scheduled cycles from overlapping, including manual
	// RunOnce calls racing the cron trigger.
	cycleMu sync.Mutex

	mu          sync.RWMutex
	state       State
	cron        *cron.Cron
	entryID     cron.EntryID
	baseCtx     context.Context
	lastRun     time.Time
	lastSignals int
}

func New(cfg config.SchedulerConfig, analyzer Analyzer, notifier Notifier, recipients Recipients, observers ...Observer) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BroadcastConcurrency <= 0 {
		cfg.BroadcastConcurrency = 8
	}
	return &Scheduler{
		cfg:        cfg,
		analyzer:   analyzer,
		notifier:   notifier,
		recipients: recipients,
		observers:  observers,
		log:        logger.GetLogger(),
		state:      StateIdle,
	}
}

// Start registers the periodic cycle. The first cycle runs one interval after
// start. Overrunning cycles delay the next trigger rather than overlap.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateScheduled || s.state == StateRunning {
		return fmt.Errorf("scheduler already running")
	}

	cl := cronLogger{entry: s.log.WithComponent("scheduler")}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.DelayIfStillRunning(cl)),
	)
	id, err := c.AddFunc("@every "+s.cfg.Interval.String(), func() { s.RunOnce(ctx) })
	if err != nil {
		return fmt.Errorf("schedule cycle: %w", err)
	}
	c.Start()

	s.cron = c
	s.entryID = id
	s.baseCtx = ctx
	s.state = StateScheduled

	s.log.WithComponent("scheduler").WithFields(logger.Fields{"interval": s.cfg.Interval.String()}).Info("scheduler started")
	return nil
}

// Stop prevents new cycles and waits for a running one to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.state = StateStopped
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			s.log.WithComponent("scheduler").Warn("stop timed out waiting for running cycle")
		}
	}
	s.log.WithComponent("scheduler").Info("scheduler stopped")
}

// RunOnce executes one scheduled cycle and broadcasts its report.
func (s *Scheduler) RunOnce(ctx context.Context) processor.Report {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	prev := s.enterRunning()
	defer s.leaveRunning(prev)

	start := time.Now()
	cctx, cancel := s.cycleContext(ctx)
	defer cancel()

	rep := s.analyzer.RunCycle(cctx, processor.ModeScheduled)
	delivered, failed := s.Broadcast(cctx, message.FormatReport(rep.Message()))

	s.mu.Lock()
	s.lastRun = start
	s.lastSignals = len(rep.Signals)
	s.mu.Unlock()

	for _, o := range s.observers {
		o.ObserveCycle(rep)
	}
	logger.IncrementCycle(len(rep.Signals))

	elapsed := time.Since(start)
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"cycle_id":  rep.CycleID,
		"signals":   len(rep.Signals),
		"delivered": delivered,
		"failed":    failed,
	})
	if elapsed > s.cfg.Interval {
		log.WithFields(logger.Fields{"duration": elapsed.Milliseconds(), "interval": s.cfg.Interval.Milliseconds()}).Warn("cycle took longer than interval")
	}
	logger.LogPerformanceEntry(log, "scheduler", "scheduled_cycle", elapsed, nil)
	return rep
}

// ScanFor runs an on-demand cycle and sends the result only to chatID. It
// may run alongside a scheduled cycle.
func (s *Scheduler) ScanFor(ctx context.Context, chatID int64) error {
	cctx, cancel := s.cycleContext(ctx)
	defer cancel()

	rep := s.analyzer.RunCycle(cctx, processor.ModeOnDemand)
	for _, o := range s.observers {
		o.ObserveCycle(rep)
	}
	err := s.notifier.Send(ctx, chatID, message.FormatReport(rep.Message()))
	s.observeDelivery(err == nil)
	if err != nil {
		return fmt.Errorf("deliver on-demand scan: %w", err)
	}
	return nil
}

func (s *Scheduler) cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CycleTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.CycleTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Scheduler) enterRunning() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if prev != StateStopped {
		s.state = StateRunning
	}
	return prev
}

func (s *Scheduler) leaveRunning(prev State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.state = prev
	}
}

// Status reports state, interval and the next trigger time.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		State:       s.state,
		Active:      s.state == StateScheduled || s.state == StateRunning,
		Interval:    s.cfg.Interval,
		LastRun:     s.lastRun,
		LastSignals: s.lastSignals,
	}
	if s.cron != nil {
		st.NextRun = s.cron.Entry(s.entryID).Next
	}
	return st
}

// cronLogger adapts our logger to cron.Logger.
type cronLogger struct {
	entry *logger.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) logger.Fields {
	f := make(logger.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
