package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"labmon/internal/storage"
	logx "labmon/pkg/logx"
)

// ErrNotActive is returned by RunUser when the chat has no active
// registration.
var ErrNotActive = errors.New("no active registration")

// Service drives the monitoring schedule: one batch at startup, a batch on
// every interval tick, and on-demand single-account checks. All paths run
// the same Cycle.
type Service struct {
	mu  sync.Mutex
	cfg Config

	cycle *Cycle
	store storage.Store
	log   logx.Logger

	c       *cron.Cron
	entryID cron.EntryID

	runCtx    context.Context
	runCancel context.CancelFunc
	kick      chan struct{}
	loopWG    sync.WaitGroup
	running   bool

	snapMu sync.Mutex
	snap   Snapshot
}

func New(cfg Config, cycle *Cycle, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		cycle: cycle,
		store: store,
		log:   log,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}

// Start launches the batch loop: an immediate pass over all active accounts,
// then one pass per interval tick.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.kick = make(chan struct{}, 1)

	s.c = cron.New()
	s.entryID = s.c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(s.Kick))
	s.c.Start()

	runCtx := s.runCtx
	kick := s.kick
	s.mu.Unlock()

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-kick:
				s.runBatch(runCtx)
			}
		}
	}()

	s.log.Info("monitor started", logx.Duration("interval", s.Interval()))
	s.Kick()
}

// Kick requests a batch run. Requests made while a batch is queued coalesce.
func (s *Service) Kick() {
	s.mu.Lock()
	kick := s.kick
	s.mu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// Apply updates the config; an interval change reschedules the repeating job.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c != nil && cfg.Interval != prev.Interval {
		s.c.Remove(s.entryID)
		s.entryID = s.c.Schedule(cron.Every(cfg.Interval), cron.FuncJob(s.Kick))
		s.log.Info("monitor interval updated", logx.Duration("interval", cfg.Interval))
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.runCancel = nil
	s.kick = nil
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.loopWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("monitor stop timed out")
	}
}

// RunUser runs one on-demand cycle for a single chat. It shares the batch
// code path and may run concurrently with a scheduled batch; a double
// delivery race resolves in the store (the second deactivation is a no-op).
func (s *Service) RunUser(ctx context.Context, telegramID int64) (Outcome, error) {
	p, ok, err := s.store.Get(ctx, telegramID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok || !p.Active {
		return Outcome{}, ErrNotActive
	}
	return s.runOne(ctx, p), nil
}

// runBatch runs one pass over every active account. One account's failure,
// including a programming defect, never blocks the rest of the batch.
func (s *Service) runBatch(ctx context.Context) {
	start := time.Now()
	patients, err := s.store.ListActive(ctx)
	if err != nil {
		s.log.Error("batch aborted: listing active accounts failed", logx.Err(err))
		return
	}

	s.mu.Lock()
	workers := s.cfg.Workers
	s.mu.Unlock()
	if workers > len(patients) {
		workers = len(patients)
	}

	var (
		statsMu sync.Mutex
		stats   = BatchStats{Users: len(patients)}
	)
	tally := func(out Outcome) {
		statsMu.Lock()
		defer statsMu.Unlock()
		switch out.State {
		case StateDeregistered, StateDelivered:
			stats.Delivered++
		case StateNotReady:
			stats.Pending++
		default:
			stats.Failed++
		}
	}

	if workers <= 1 {
		for _, p := range patients {
			if ctx.Err() != nil {
				stats.Abandoned = stats.Users - stats.Delivered - stats.Pending - stats.Failed
				break
			}
			tally(s.runOne(ctx, p))
		}
	} else {
		jobs := make(chan storage.Patient)
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				for p := range jobs {
					tally(s.runOne(ctx, p))
				}
			}()
		}
	feed:
		for _, p := range patients {
			select {
			case <-ctx.Done():
				break feed
			case jobs <- p:
			}
		}
		close(jobs)
		wg.Wait()
		statsMu.Lock()
		stats.Abandoned = stats.Users - stats.Delivered - stats.Pending - stats.Failed
		statsMu.Unlock()
	}

	s.snapMu.Lock()
	s.snap = Snapshot{
		Running:     true,
		Interval:    s.Interval().String(),
		LastBatchAt: start,
		LastBatch:   stats,
	}
	s.snapMu.Unlock()

	s.log.Info("batch finished",
		logx.Int("users", stats.Users),
		logx.Int("delivered", stats.Delivered),
		logx.Int("pending", stats.Pending),
		logx.Int("failed", stats.Failed),
		logx.Int("abandoned", stats.Abandoned),
		logx.Duration("took", time.Since(start)))
}

// runOne guards a single cycle: per-account timeout plus panic recovery, so
// a defect in one account's cycle cannot abort the batch.
func (s *Service) runOne(ctx context.Context, p storage.Patient) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in cycle",
				logx.Int64("chat_id", p.TelegramID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			out = Outcome{State: StateFailed, Status: "internal error", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	s.mu.Lock()
	timeout := s.cfg.UserTimeout
	s.mu.Unlock()

	uctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.cycle.Run(uctx, p)
}

// Snapshot returns the last batch view for /status and the web endpoint.
func (s *Service) Snapshot() Snapshot {
	s.snapMu.Lock()
	snap := s.snap
	s.snapMu.Unlock()

	s.mu.Lock()
	snap.Running = s.running
	snap.Interval = s.cfg.Interval.String()
	s.mu.Unlock()
	return snap
}
