// Package scheduler drives the system: three tickers (poll, follow-up,
// reminder) feed typed jobs into a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/inboxpilot/inboxpilot/internal/clock"
	"github.com/inboxpilot/inboxpilot/internal/models"
	"github.com/inboxpilot/inboxpilot/internal/store"
)

// shutdownGrace is how long Run waits for in-flight jobs on shutdown.
const shutdownGrace = 30 * time.Second

const jobQueueDepth = 256

type accountPoller interface {
	PollAccount(ctx context.Context, accountID int64) error
}

type emailPipeline interface {
	Process(ctx context.Context, emailID int64) error
}

type followUpScheduler interface {
	DueFollowUps(ctx context.Context) ([]models.FollowUp, error)
	Fire(ctx context.Context, fu *models.FollowUp) error
}

type reminderSender interface {
	SendDueReminders(ctx context.Context) error
}

// Job is one unit of work for the pool.
type Job interface {
	Kind() string
	Run(ctx context.Context) error
}

type PollAccountJob struct {
	AccountID int64
	poller    accountPoller
}

func (j PollAccountJob) Kind() string { return "poll_account" }

func (j PollAccountJob) Run(ctx context.Context) error {
	return j.poller.PollAccount(ctx, j.AccountID)
}

type ProcessEmailJob struct {
	EmailID  int64
	pipeline emailPipeline
}

func (j ProcessEmailJob) Kind() string { return "process_email" }

func (j ProcessEmailJob) Run(ctx context.Context) error {
	return j.pipeline.Process(ctx, j.EmailID)
}

type FireFollowUpJob struct {
	FollowUp  models.FollowUp
	followUps followUpScheduler
}

func (j FireFollowUpJob) Kind() string { return "fire_follow_up" }

func (j FireFollowUpJob) Run(ctx context.Context) error {
	fu := j.FollowUp
	return j.followUps.Fire(ctx, &fu)
}

type SendRemindersJob struct {
	meetings reminderSender
}

func (j SendRemindersJob) Kind() string { return "send_reminders" }

func (j SendRemindersJob) Run(ctx context.Context) error {
	return j.meetings.SendDueReminders(ctx)
}

type Config struct {
	PollInterval          time.Duration
	FollowUpCheckInterval time.Duration
	ReminderCheckInterval time.Duration
	JobDeadline           time.Duration
	// PoolSize overrides the derived worker count when > 0.
	PoolSize int
}

type Scheduler struct {
	cfg       Config
	accounts  store.AccountStore
	poller    accountPoller
	pipeline  emailPipeline
	followUps followUpScheduler
	meetings  reminderSender
	clock     clock.Clock
	logger    *slog.Logger

	jobs chan Job
	// quit signals shutdown. The jobs channel is never closed: jobs in
	// flight during the drain may still enqueue discovered work, and a send
	// on a closed channel would panic.
	quit chan struct{}

	// lastPolled tracks per-account cadence so accounts with a poll
	// interval override are only enqueued when due.
	mu         sync.Mutex
	lastPolled map[int64]time.Time
}

func New(
	cfg Config,
	accounts store.AccountStore,
	poller accountPoller,
	pipeline emailPipeline,
	followUps followUpScheduler,
	meetings reminderSender,
	clk clock.Clock,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		accounts:   accounts,
		poller:     poller,
		pipeline:   pipeline,
		followUps:  followUps,
		meetings:   meetings,
		clock:      clk,
		logger:     logger.With("component", "scheduler"),
		jobs:       make(chan Job, jobQueueDepth),
		quit:       make(chan struct{}),
		lastPolled: map[int64]time.Time{},
	}
}

// SetPoller breaks the construction cycle: the poller enqueues pipeline
// jobs through the scheduler, so it is built after it. Must be called
// before Run.
func (s *Scheduler) SetPoller(p accountPoller) {
	s.poller = p
}

// EnqueueEmail satisfies the poller's queue: every new inbound email
// becomes a pipeline job.
func (s *Scheduler) EnqueueEmail(emailID int64) {
	s.enqueue(ProcessEmailJob{EmailID: emailID, pipeline: s.pipeline})
}

// enqueue never blocks the caller: when the queue is full the hand-off
// moves to a goroutine so a worker enqueueing work cannot deadlock the
// pool. During shutdown the job is buffered for the drain if there is
// room, otherwise dropped.
func (s *Scheduler) enqueue(job Job) {
	select {
	case <-s.quit:
		select {
		case s.jobs <- job:
		default:
			s.logger.Warn("job dropped during shutdown", "kind", job.Kind())
		}
		return
	default:
	}
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn("job queue full, deferring enqueue", "kind", job.Kind())
		go func() {
			select {
			case s.jobs <- job:
			case <-s.quit:
				s.logger.Warn("deferred job dropped during shutdown", "kind", job.Kind())
			}
		}()
	}
}

// Run starts the worker pool and ticker loops and blocks until ctx is
// cancelled, then drains in-flight jobs for up to 30 seconds.
func (s *Scheduler) Run(ctx context.Context) error {
	active, err := s.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts for pool sizing: %w", err)
	}
	workers := s.poolSize(len(active))
	s.logger.Info("scheduler starting",
		"workers", workers,
		"poll_interval", s.cfg.PollInterval,
		"follow_up_interval", s.cfg.FollowUpCheckInterval,
		"reminder_interval", s.cfg.ReminderCheckInterval)

	var wg sync.WaitGroup
	// Workers run on the background context so cancelled tickers do not
	// abort jobs mid-flight; each job still has its own deadline.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(workCtx)
		}()
	}

	var tickers sync.WaitGroup
	tickers.Add(3)
	go func() {
		defer tickers.Done()
		// The poll loop scans faster than the poll interval so per-account
		// overrides shorter than the global cadence still fire on time.
		scan := s.cfg.PollInterval
		if scan > 10*time.Second {
			scan = 10 * time.Second
		}
		s.tickLoop(ctx, scan, s.pollTick)
	}()
	go func() {
		defer tickers.Done()
		s.tickLoop(ctx, s.cfg.FollowUpCheckInterval, s.followUpTick)
	}()
	go func() {
		defer tickers.Done()
		s.tickLoop(ctx, s.cfg.ReminderCheckInterval, s.reminderTick)
	}()

	<-ctx.Done()
	tickers.Wait()
	close(s.quit)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-time.After(shutdownGrace):
		stopWork()
		s.logger.Warn("shutdown grace expired, abandoning in-flight jobs")
	}
	return ctx.Err()
}

func (s *Scheduler) poolSize(accountCount int) int {
	if s.cfg.PoolSize > 0 {
		return s.cfg.PoolSize
	}
	derived := accountCount * 2
	if ceiling := runtime.GOMAXPROCS(0) * 4; derived > ceiling {
		derived = ceiling
	}
	if derived < 1 {
		derived = 1
	}
	return derived
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		select {
		case job := <-s.jobs:
			s.runJob(ctx, job)
		case <-s.quit:
			// Drain what is already queued, including anything a job run
			// during this loop enqueued, then exit.
			for {
				select {
				case job := <-s.jobs:
					s.runJob(ctx, job)
				default:
					return
				}
			}
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	jobCtx := ctx
	cancel := func() {}
	if s.cfg.JobDeadline > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, s.cfg.JobDeadline)
	}
	if err := job.Run(jobCtx); err != nil {
		s.logger.Error("job failed", "kind", job.Kind(), "error", err)
	}
	cancel()
}

func (s *Scheduler) tickLoop(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	// An immediate first tick so a fresh start does not wait a full
	// interval.
	tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// pollTick fans out one PollAccountJob per active account that is due
// according to its own interval override (or the global default).
func (s *Scheduler) pollTick(ctx context.Context) {
	accounts, err := s.accounts.ListActiveAccounts(ctx)
	if err != nil {
		s.logger.Error("account listing failed", "error", err)
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range accounts {
		account := &accounts[i]
		interval := s.cfg.PollInterval
		if account.PollIntervalSec > 0 {
			interval = time.Duration(account.PollIntervalSec) * time.Second
		}
		if last, ok := s.lastPolled[account.ID]; ok && now.Sub(last) < interval {
			continue
		}
		s.lastPolled[account.ID] = now
		s.enqueue(PollAccountJob{AccountID: account.ID, poller: s.poller})
	}
}

func (s *Scheduler) followUpTick(ctx context.Context) {
	due, err := s.followUps.DueFollowUps(ctx)
	if err != nil {
		s.logger.Error("due follow-up scan failed", "error", err)
		return
	}
	for i := range due {
		s.enqueue(FireFollowUpJob{FollowUp: due[i], followUps: s.followUps})
	}
}

func (s *Scheduler) reminderTick(context.Context) {
	s.enqueue(SendRemindersJob{meetings: s.meetings})
}
